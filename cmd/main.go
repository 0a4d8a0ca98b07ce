/**
 * @description
 * This is the main entry point for the settlement service. It loads configuration, opens the
 * ledger database, connects to the chain, RabbitMQ and Redis, wires the rail adapters and the
 * core application service, starts the background scheduler and the chat-payment consumer,
 * and serves HTTP until it receives a termination signal.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: distributed settlement locks.
 * - github.com/prometheus/client_golang: /metrics.
 * - github.com/joho/godotenv: local .env loading.
 * - internal/api, internal/app, internal/config, internal/rails, internal/store.
 * - pkg/chain, pkg/custody, pkg/commerceclient, pkg/telegramclient, pkg/rabbitmq.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/outlier/settlement-service/internal/api"
	"github.com/outlier/settlement-service/internal/app"
	"github.com/outlier/settlement-service/internal/config"
	"github.com/outlier/settlement-service/internal/rails"
	"github.com/outlier/settlement-service/internal/store"
	"github.com/outlier/settlement-service/pkg/chain"
	"github.com/outlier/settlement-service/pkg/commerceclient"
	"github.com/outlier/settlement-service/pkg/custody"
	"github.com/outlier/settlement-service/pkg/logger"
	"github.com/outlier/settlement-service/pkg/metrics"
	"github.com/outlier/settlement-service/pkg/rabbitmq"
	"github.com/outlier/settlement-service/pkg/telegramclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	baseLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"logger init failed\" err=%v", err)
	}
	defer baseLogger.Sync()
	bootLogger := logger.Component(baseLogger, "bootstrap")
	bootLogger.Info("starting settlement-service", zap.String("port", cfg.ServerPort), zap.Bool("testnet", cfg.Testnet))

	// Ledger database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		bootLogger.Fatal("database url parse failed", zap.Error(err))
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		bootLogger.Fatal("database connection failed", zap.Error(err))
	}
	defer dbpool.Close()
	bootLogger.Info("database connected")
	repository := store.NewPostgresRepository(dbpool)

	// Chain.
	network := chain.NetworkFor(cfg.Testnet)
	rpcURL := cfg.RPCURL
	if rpcURL == "" {
		rpcURL = network.DefaultRPC
	}
	dialCtx, cancelDial := context.WithTimeout(context.Background(), 15*time.Second)
	ethClient, err := chain.Dial(dialCtx, rpcURL)
	cancelDial()
	if err != nil {
		bootLogger.Fatal("rpc dial failed", zap.String("network", network.Name), zap.Error(err))
	}
	defer ethClient.Close()

	flashCargo, err := chain.ParseAddress(cfg.FlashCargoAddress)
	if err != nil {
		bootLogger.Fatal("flash cargo address invalid", zap.Error(err))
	}
	usdc := network.USDC
	if cfg.USDCAddress != "" {
		if usdc, err = chain.ParseAddress(cfg.USDCAddress); err != nil {
			bootLogger.Fatal("usdc address invalid", zap.Error(err))
		}
	}
	var paymentRecipient common.Address
	if cfg.PaymentRecipientAddress != "" {
		if paymentRecipient, err = chain.ParseAddress(cfg.PaymentRecipientAddress); err != nil {
			bootLogger.Fatal("payment recipient address invalid", zap.Error(err))
		}
	} else {
		bootLogger.Warn("payment recipient not configured; on-chain payments are disabled")
	}

	oracle := chain.NewOracle(ethClient, flashCargo, cfg.OracleTimeout(), baseLogger)
	verifier := chain.NewVerifier(ethClient, usdc, flashCargo, baseLogger)

	var custodyExecutor app.CustodialExecutor
	if cfg.CustodyEnabled() {
		signer, err := custody.NewKeySigner(cfg.CustodianAccountName, cfg.CustodianPrivateKey)
		if err != nil {
			bootLogger.Fatal("custodian key invalid", zap.Error(err))
		}
		custodyExecutor = custody.NewExecutor(ethClient, signer, oracle, custody.Config{
			FlashCargo:         flashCargo,
			USDC:               usdc,
			ApprovalMultiplier: cfg.CustodianApprovalMultiplier,
			ReceiptTimeout:     cfg.CustodianReceiptTimeout(),
			ToleranceBps:       cfg.QuoteToleranceBps,
		}, baseLogger)
		bootLogger.Info("custodial execution enabled", zap.String("custodian", signer.Address().Hex()))
	} else {
		bootLogger.Warn("custodian key not configured; off-chain payments will stay pending")
	}

	// Messaging.
	var producer rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: baseLogger}
	brokerConnected := false
	if cfg.RabbitMQURL != "" {
		eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.SettlementExchange, baseLogger)
		if err != nil {
			bootLogger.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
		} else {
			producer = eventProducer
			brokerConnected = true
			bootLogger.Info("rabbitmq producer connected")
		}
	}
	defer producer.Close()

	// Distributed locks.
	var locker app.KeyLocker
	if cfg.RedisURL == "" {
		bootLogger.Warn("redis url missing; settlement locks are process-local", zap.String("env", "REDIS_URL"))
	} else if redisOptions, parseErr := redis.ParseURL(cfg.RedisURL); parseErr != nil {
		bootLogger.Warn("redis url parse failed; settlement locks are process-local", zap.Error(parseErr))
	} else {
		redisClient := redis.NewClient(redisOptions)
		pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
		pingErr := redisClient.Ping(pingCtx).Err()
		cancelPing()
		if pingErr != nil {
			bootLogger.Warn("redis ping failed; settlement locks are process-local", zap.Error(pingErr))
			redisClient.Close()
		} else {
			defer redisClient.Close()
			locker = app.NewRedisKeyLocker(redisClient, cfg.RedisLockPrefix, app.SettlementLockTTL(cfg.CustodianReceiptTimeout()))
			bootLogger.Info("redis connected")
		}
	}

	// Provider clients.
	commerceClient := commerceclient.NewClient(cfg.CoinbaseCommerceBaseURL, cfg.CoinbaseCommerceAPIKey, baseLogger)
	telegramClient := telegramclient.NewClient(cfg.TelegramAPIBaseURL, cfg.TelegramBotToken, baseLogger)
	var charges app.ChargeCreator
	if commerceClient.Configured() {
		charges = commerceClient
	}
	var invoices app.InvoiceCreator
	var answerer rails.PreCheckoutAnswerer
	if telegramClient.Configured() {
		invoices = telegramClient
		answerer = telegramClient
	}

	// Metrics and alerts.
	recorder, err := metrics.NewPrometheusRecorder(prometheus.DefaultRegisterer)
	if err != nil {
		bootLogger.Fatal("metrics registration failed", zap.Error(err))
	}
	alertSinks := []app.Alerter{app.NewLogAlerter(baseLogger)}
	if brokerConnected {
		alertSinks = append(alertSinks, app.NewRabbitAlerter(producer, cfg.SettlementExchange))
	}
	if telegramClient.Configured() && cfg.TelegramOperatorChatID != "" {
		alertSinks = append(alertSinks, app.NewTelegramAlerter(telegramClient, cfg.TelegramOperatorChatID))
	}

	settlementService := app.NewService(repository, oracle, verifier, custodyExecutor, producer, app.Options{
		PaymentRecipient:      paymentRecipient,
		QuoteToleranceBps:     cfg.QuoteToleranceBps,
		DomesticShipping:      decimal.NewFromFloat(cfg.DomesticShipping),
		InternationalShipping: decimal.NewFromFloat(cfg.InternationalShipping),
		ReceiptReconcileLimit: cfg.ReceiptReconcileLimit,
		Exchange:              cfg.SettlementExchange,
		Environment: app.Environment{
			Network:            network.Name,
			Testnet:            cfg.Testnet,
			FlashCargo:         flashCargo,
			USDC:               usdc,
			AppURL:             cfg.AppURL,
			CoinbaseConfigured: commerceClient.Configured() && cfg.CoinbaseWebhookSecret != "",
			TelegramConfigured: telegramClient.Configured(),
		},
		Charges:  charges,
		Invoices: invoices,
		Locker:   locker,
		Alerter:  app.NewMultiAlerter(recorder, alertSinks...),
		Logger:   baseLogger,
		Metrics:  recorder,
	})

	// Background jobs.
	dropCache := app.NewDropCache()
	jobs := app.NewJobs(settlementService, dropCache, cfg.ReceiptReconcileLimit, baseLogger)
	scheduler := app.NewScheduler(jobs, baseLogger, cfg.ReceiptReconcileSchedule, cfg.DropCacheRefreshSchedule)
	scheduler.Start()

	if brokerConnected {
		rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, baseLogger)
		if err != nil {
			bootLogger.Fatal("rabbitmq consumer init failed", zap.Error(err))
		}
		defer rabbitConsumer.Close()

		chatConsumer := app.NewChatPaymentConsumer(settlementService, baseLogger)
		bindings := map[string]func([]byte) bool{
			rabbitmq.RoutingKeyTelegramPayment: chatConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.SettlementExchange, cfg.TelegramPaymentQueue, bindings); err != nil {
			bootLogger.Fatal("chat payment consumer start failed", zap.Error(err))
		}
	}

	// HTTP.
	gate := rails.NewPreCheckoutGate(dropCache, answerer, cfg.PreCheckoutTimeout(), recorder, baseLogger)
	handlers := api.NewSettlementHandlers(
		settlementService,
		rails.NewCoinbaseAdapter(cfg.CoinbaseWebhookSecret, baseLogger),
		rails.NewTelegramAdapter(cfg.TelegramWebhookSecret, baseLogger),
		gate,
		dropCache,
		baseLogger,
	)
	routerConfig := api.RouterConfig{
		OperatorJWTSecret: cfg.OperatorJWTSecret,
		MetricsHandler:    promhttp.Handler(),
	}
	if cfg.AppURL != "" {
		routerConfig.AllowedOrigins = []string{cfg.AppURL}
	}

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           api.SettlementRoutes(handlers, routerConfig),
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpLogger := logger.Component(baseLogger, "http")
	go func() {
		httpLogger.Info("server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpLogger.Fatal("server stopped unexpectedly", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	httpLogger.Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		httpLogger.Error("shutdown failed", zap.Error(err))
	}

	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		httpLogger.Warn("scheduler jobs still running at shutdown deadline")
	}

	httpLogger.Info("shutdown complete")
}
