// settlectl is the operator CLI for the settlement service. It reads the same environment as
// the server and talks to the chain and the ledger directly.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/outlier/settlement-service/internal/app"
	"github.com/outlier/settlement-service/internal/config"
	"github.com/outlier/settlement-service/internal/store"
	"github.com/outlier/settlement-service/pkg/chain"
	"github.com/outlier/settlement-service/pkg/custody"
	"github.com/outlier/settlement-service/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operator tooling for the settlement service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config-dir", ".", "Directory holding the .env file")
	rootCmd.PersistentFlags().Duration("timeout", 2*time.Minute, "Overall command timeout")

	rootCmd.AddCommand(quoteCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(syncDropCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(balanceCmd())
	return rootCmd
}

// runtime holds the collaborators a command opened; close releases them.
type runtime struct {
	cfg        config.Config
	logger     *zap.Logger
	network    chain.Network
	eth        *ethclient.Client
	flashCargo common.Address
	usdc       common.Address
	oracle     *chain.Oracle
	verifier   *chain.Verifier
	db         *pgxpool.Pool
}

func (r *runtime) close() {
	if r.db != nil {
		r.db.Close()
	}
	if r.eth != nil {
		r.eth.Close()
	}
	if r.logger != nil {
		_ = r.logger.Sync()
	}
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

// openChain loads config and connects the oracle and verifier.
func openChain(ctx context.Context, cmd *cobra.Command) (*runtime, error) {
	dir, _ := cmd.Flags().GetString("config-dir")
	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	rt := &runtime{cfg: cfg, logger: log, network: chain.NetworkFor(cfg.Testnet)}

	rt.flashCargo, err = chain.ParseAddress(cfg.FlashCargoAddress)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("FLASH_CARGO_ADDRESS: %w", err)
	}
	rt.usdc = rt.network.USDC
	if cfg.USDCAddress != "" {
		if rt.usdc, err = chain.ParseAddress(cfg.USDCAddress); err != nil {
			rt.close()
			return nil, fmt.Errorf("USDC_ADDRESS: %w", err)
		}
	}

	rpcURL := cfg.RPCURL
	if rpcURL == "" {
		rpcURL = rt.network.DefaultRPC
	}
	rt.eth, err = chain.Dial(ctx, rpcURL)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("dial %s: %w", rt.network.Name, err)
	}
	rt.oracle = chain.NewOracle(rt.eth, rt.flashCargo, cfg.OracleTimeout(), log)
	rt.verifier = chain.NewVerifier(rt.eth, rt.usdc, rt.flashCargo, log)
	return rt, nil
}

// openService additionally opens the ledger and builds the settlement service. Events go to
// the log-only publisher; the CLI never consumes or fans out.
func openService(ctx context.Context, cmd *cobra.Command) (*runtime, *app.Service, error) {
	rt, err := openChain(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(rt.cfg.DatabaseURL)
	if err != nil {
		rt.close()
		return nil, nil, fmt.Errorf("DATABASE_URL: %w", err)
	}
	poolConfig.MaxConns = 4
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	rt.db, err = pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		rt.close()
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}

	var executor app.CustodialExecutor
	if rt.cfg.CustodyEnabled() {
		signer, err := custody.NewKeySigner(rt.cfg.CustodianAccountName, rt.cfg.CustodianPrivateKey)
		if err != nil {
			rt.close()
			return nil, nil, fmt.Errorf("custodian key: %w", err)
		}
		executor = custody.NewExecutor(rt.eth, signer, rt.oracle, custody.Config{
			FlashCargo:         rt.flashCargo,
			USDC:               rt.usdc,
			ApprovalMultiplier: rt.cfg.CustodianApprovalMultiplier,
			ReceiptTimeout:     rt.cfg.CustodianReceiptTimeout(),
			ToleranceBps:       rt.cfg.QuoteToleranceBps,
		}, rt.logger)
	}

	service := app.NewService(store.NewPostgresRepository(rt.db), rt.oracle, rt.verifier, executor, nil, app.Options{
		QuoteToleranceBps:     rt.cfg.QuoteToleranceBps,
		DomesticShipping:      decimal.NewFromFloat(rt.cfg.DomesticShipping),
		InternationalShipping: decimal.NewFromFloat(rt.cfg.InternationalShipping),
		ReceiptReconcileLimit: rt.cfg.ReceiptReconcileLimit,
		Exchange:              rt.cfg.SettlementExchange,
		Logger:                rt.logger,
	})
	return rt, service, nil
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
