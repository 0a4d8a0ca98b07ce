package main

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/outlier/settlement-service/internal/domain"
	"github.com/outlier/settlement-service/pkg/chain"
	"github.com/spf13/cobra"
)

func quoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quote [dropId]",
		Short: "Price slots of a drop from the contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dropID, err := parseDropID(args[0])
			if err != nil {
				return err
			}
			quantity, _ := cmd.Flags().GetInt64("quantity")
			preview, _ := cmd.Flags().GetBool("preview")

			if preview {
				boxType, _ := cmd.Flags().GetString("box-type")
				quote, err := chain.PreviewQuote(dropID, boxType, quantity)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), quote)
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			rt, err := openChain(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			quote, err := rt.oracle.Quote(ctx, dropID, quantity)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), quote)
		},
	}
	cmd.Flags().Int64P("quantity", "q", 1, "Number of slots")
	cmd.Flags().Bool("preview", false, "Use the static preview table instead of the contract")
	cmd.Flags().String("box-type", "", "Box type for preview pricing")
	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [txHash]",
		Short: "Re-confirm an on-chain USDC payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawAmount, _ := cmd.Flags().GetString("amount")
			expected, err := parseMicros(rawAmount)
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			rt, err := openChain(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			recipientFlag, _ := cmd.Flags().GetString("recipient")
			if recipientFlag == "" {
				recipientFlag = rt.cfg.PaymentRecipientAddress
			}
			var recipient *common.Address
			if recipientFlag != "" {
				addr, err := chain.ParseAddress(recipientFlag)
				if err != nil {
					return fmt.Errorf("recipient: %w", err)
				}
				recipient = &addr
			}

			verification, err := rt.verifier.Verify(ctx, args[0], expected, recipient)
			if err != nil {
				if reason, ok := domain.VerificationReasonOf(err); ok {
					fmt.Fprintf(cmd.OutOrStdout(), "not verified: %s\n", reason)
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), verification)
		},
	}
	cmd.Flags().String("amount", "", "Expected amount in micro-USDC")
	cmd.Flags().String("recipient", "", "Expected recipient (defaults to PAYMENT_RECIPIENT_ADDRESS)")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one receipt reconciliation pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			ctx, cancel := commandContext(cmd)
			defer cancel()
			rt, service, err := openService(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			result, err := service.ReconcilePendingReceipts(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().IntP("limit", "n", 0, "Maximum orders to examine (0 uses RECEIPT_RECONCILE_LIMIT)")
	return cmd
}

func syncDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-drop [dropId]",
		Short: "Copy a drop's on-chain state into the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dropID, err := parseDropID(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			rt, service, err := openService(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			drop, err := service.SyncDrop(ctx, dropID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), drop)
		},
	}
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [dropId] [buyer]",
		Short: "Wait for a buyer's slot purchase on a drop",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dropID, err := parseDropID(args[0])
			if err != nil {
				return err
			}
			buyer, err := chain.ParseAddress(args[1])
			if err != nil {
				return fmt.Errorf("buyer: %w", err)
			}
			window, _ := cmd.Flags().GetDuration("window")
			if window <= 0 {
				return errors.New("window must be positive")
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			rt, err := openChain(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			observation, err := rt.verifier.WatchForPurchase(ctx, dropID, buyer, window)
			if err != nil {
				return err
			}
			if !observation.Observed {
				fmt.Fprintln(cmd.ErrOrStderr(), "purchase not observed yet")
			}
			return printJSON(cmd.OutOrStdout(), observation)
		},
	}
	cmd.Flags().Duration("window", time.Minute, "How long to poll for the purchase event")
	return cmd
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [address]",
		Short: "Read the USDC balance of an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := chain.ParseAddress(args[0])
			if err != nil {
				return fmt.Errorf("address: %w", err)
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			rt, err := openChain(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			balance, err := rt.verifier.USDCBalance(ctx, addr)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"address": addr.Hex(),
				"micros":  balance.String(),
				"usdc":    domain.MicrosToUSD(balance).StringFixed(2),
			})
		},
	}
}

func parseDropID(raw string) (uint64, error) {
	dropID, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid drop id %q", raw)
	}
	return dropID, nil
}

func parseMicros(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, errors.New("amount must be a positive integer of micro-USDC")
	}
	return amount, nil
}
