/**
 * @description
 * Configuration for the settlement service. Values come from environment variables and an
 * optional .env file, bound through Viper, then sanitized and clamped so the rest of the
 * service can trust them.
 *
 * @dependencies
 * - github.com/spf13/viper: environment and .env binding.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultServerPort            = "8080"
	defaultLogLevel              = "info"
	defaultRedisLockPrefix       = "outlier:settlement_lock"
	defaultSettlementExchange    = "outlier.events"
	defaultTelegramPaymentQueue  = "settlement_service.telegram_payments"
	defaultCustodianAccountName  = "outlier-server"
	defaultApprovalMultiplier    = 10
	defaultReceiptTimeoutSeconds = 120
	defaultOracleTimeoutSeconds  = 10
	defaultPreCheckoutTimeoutMS  = 8000
	defaultReconcileSchedule     = "@every 5m"
	defaultDropCacheSchedule     = "@every 30s"
	defaultReconcileLimit        = 100
	maxReconcileLimit            = 500
	defaultDomesticShipping      = 8.99
	defaultInternationalShipping = 24.99
	maxToleranceBps              = 10_000
)

// Config holds all the configuration variables for the settlement service.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	AppURL     string `mapstructure:"APP_URL"`

	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisLockPrefix      string `mapstructure:"REDIS_LOCK_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	SettlementExchange   string `mapstructure:"SETTLEMENT_EXCHANGE"`
	TelegramPaymentQueue string `mapstructure:"TELEGRAM_PAYMENT_QUEUE"`

	Testnet                 bool   `mapstructure:"TESTNET"`
	RPCURL                  string `mapstructure:"RPC_URL"`
	FlashCargoAddress       string `mapstructure:"FLASH_CARGO_ADDRESS"`
	USDCAddress             string `mapstructure:"USDC_ADDRESS"`
	PaymentRecipientAddress string `mapstructure:"PAYMENT_RECIPIENT_ADDRESS"`
	OracleTimeoutSeconds    int    `mapstructure:"ORACLE_TIMEOUT_SECONDS"`
	QuoteToleranceBps       int64  `mapstructure:"QUOTE_TOLERANCE_BPS"`

	CustodianPrivateKey            string `mapstructure:"CUSTODIAN_PRIVATE_KEY"`
	CustodianAccountName           string `mapstructure:"CUSTODIAN_ACCOUNT_NAME"`
	CustodianApprovalMultiplier    int64  `mapstructure:"CUSTODIAN_APPROVAL_MULTIPLIER"`
	CustodianReceiptTimeoutSeconds int    `mapstructure:"CUSTODIAN_RECEIPT_TIMEOUT_SECONDS"`

	CoinbaseCommerceAPIKey  string `mapstructure:"COINBASE_COMMERCE_API_KEY"`
	CoinbaseCommerceBaseURL string `mapstructure:"COINBASE_COMMERCE_BASE_URL"`
	CoinbaseWebhookSecret   string `mapstructure:"COINBASE_WEBHOOK_SECRET"`

	TelegramBotToken       string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	TelegramAPIBaseURL     string `mapstructure:"TELEGRAM_API_BASE_URL"`
	TelegramWebhookSecret  string `mapstructure:"TELEGRAM_WEBHOOK_SECRET"`
	TelegramOperatorChatID string `mapstructure:"TELEGRAM_OPERATOR_CHAT_ID"`
	PreCheckoutTimeoutMS   int    `mapstructure:"PRECHECKOUT_TIMEOUT_MS"`

	OperatorJWTSecret string `mapstructure:"OPERATOR_JWT_SECRET"`

	ReceiptReconcileSchedule string `mapstructure:"RECEIPT_RECONCILE_SCHEDULE"`
	ReceiptReconcileLimit    int    `mapstructure:"RECEIPT_RECONCILE_LIMIT"`
	DropCacheRefreshSchedule string `mapstructure:"DROP_CACHE_REFRESH_SCHEDULE"`

	DomesticShipping      float64 `mapstructure:"DOMESTIC_SHIPPING"`
	InternationalShipping float64 `mapstructure:"INTERNATIONAL_SHIPPING"`
}

// OracleTimeout is the bound on a single pricing read.
func (c Config) OracleTimeout() time.Duration {
	return time.Duration(c.OracleTimeoutSeconds) * time.Second
}

// CustodianReceiptTimeout is how long custody waits for a purchase receipt.
func (c Config) CustodianReceiptTimeout() time.Duration {
	return time.Duration(c.CustodianReceiptTimeoutSeconds) * time.Second
}

// PreCheckoutTimeout is the pre-checkout answer deadline.
func (c Config) PreCheckoutTimeout() time.Duration {
	return time.Duration(c.PreCheckoutTimeoutMS) * time.Millisecond
}

// CustodyEnabled reports whether off-chain rails can execute purchases.
func (c Config) CustodyEnabled() bool {
	return c.CustodianPrivateKey != ""
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("LOG_LEVEL", defaultLogLevel)
	viper.SetDefault("REDIS_LOCK_PREFIX", defaultRedisLockPrefix)
	viper.SetDefault("SETTLEMENT_EXCHANGE", defaultSettlementExchange)
	viper.SetDefault("TELEGRAM_PAYMENT_QUEUE", defaultTelegramPaymentQueue)
	viper.SetDefault("TESTNET", false)
	viper.SetDefault("ORACLE_TIMEOUT_SECONDS", defaultOracleTimeoutSeconds)
	viper.SetDefault("QUOTE_TOLERANCE_BPS", 0)
	viper.SetDefault("CUSTODIAN_ACCOUNT_NAME", defaultCustodianAccountName)
	viper.SetDefault("CUSTODIAN_APPROVAL_MULTIPLIER", defaultApprovalMultiplier)
	viper.SetDefault("CUSTODIAN_RECEIPT_TIMEOUT_SECONDS", defaultReceiptTimeoutSeconds)
	viper.SetDefault("PRECHECKOUT_TIMEOUT_MS", defaultPreCheckoutTimeoutMS)
	viper.SetDefault("RECEIPT_RECONCILE_SCHEDULE", defaultReconcileSchedule)
	viper.SetDefault("RECEIPT_RECONCILE_LIMIT", defaultReconcileLimit)
	viper.SetDefault("DROP_CACHE_REFRESH_SCHEDULE", defaultDropCacheSchedule)
	viper.SetDefault("DOMESTIC_SHIPPING", defaultDomesticShipping)
	viper.SetDefault("INTERNATIONAL_SHIPPING", defaultInternationalShipping)

	// Bind explicitly so keys without defaults still appear in Unmarshal.
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("APP_URL", "APP_URL", "WEBAPP_URL")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_LOCK_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SETTLEMENT_EXCHANGE")
	_ = viper.BindEnv("TELEGRAM_PAYMENT_QUEUE")
	_ = viper.BindEnv("TESTNET")
	_ = viper.BindEnv("RPC_URL", "RPC_URL", "BASE_RPC_URL")
	_ = viper.BindEnv("FLASH_CARGO_ADDRESS")
	_ = viper.BindEnv("FLASH_CARGO_ADDRESS_TESTNET")
	_ = viper.BindEnv("USDC_ADDRESS")
	_ = viper.BindEnv("PAYMENT_RECIPIENT_ADDRESS")
	_ = viper.BindEnv("ORACLE_TIMEOUT_SECONDS")
	_ = viper.BindEnv("QUOTE_TOLERANCE_BPS")
	_ = viper.BindEnv("CUSTODIAN_PRIVATE_KEY", "CUSTODIAN_PRIVATE_KEY", "SERVER_WALLET_PRIVATE_KEY")
	_ = viper.BindEnv("CUSTODIAN_ACCOUNT_NAME")
	_ = viper.BindEnv("CUSTODIAN_APPROVAL_MULTIPLIER")
	_ = viper.BindEnv("CUSTODIAN_RECEIPT_TIMEOUT_SECONDS")
	_ = viper.BindEnv("COINBASE_COMMERCE_API_KEY")
	_ = viper.BindEnv("COINBASE_COMMERCE_BASE_URL")
	_ = viper.BindEnv("COINBASE_WEBHOOK_SECRET", "COINBASE_WEBHOOK_SECRET", "COINBASE_COMMERCE_WEBHOOK_SECRET")
	_ = viper.BindEnv("TELEGRAM_BOT_TOKEN")
	_ = viper.BindEnv("TELEGRAM_API_BASE_URL")
	_ = viper.BindEnv("TELEGRAM_WEBHOOK_SECRET")
	_ = viper.BindEnv("TELEGRAM_OPERATOR_CHAT_ID", "TELEGRAM_OPERATOR_CHAT_ID", "TELEGRAM_ADMIN_CHAT_ID")
	_ = viper.BindEnv("PRECHECKOUT_TIMEOUT_MS")
	_ = viper.BindEnv("OPERATOR_JWT_SECRET")
	_ = viper.BindEnv("RECEIPT_RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECEIPT_RECONCILE_LIMIT")
	_ = viper.BindEnv("DROP_CACHE_REFRESH_SCHEDULE")
	_ = viper.BindEnv("DOMESTIC_SHIPPING")
	_ = viper.BindEnv("INTERNATIONAL_SHIPPING")

	// A missing .env file is fine.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if config.Testnet {
		if testnetAddr := strings.TrimSpace(viper.GetString("FLASH_CARGO_ADDRESS_TESTNET")); testnetAddr != "" {
			config.FlashCargoAddress = testnetAddr
		}
	}

	config.LogLevel = strings.ToLower(strings.TrimSpace(config.LogLevel))
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisLockPrefix = strings.TrimSpace(config.RedisLockPrefix)
	if config.RedisLockPrefix == "" {
		config.RedisLockPrefix = defaultRedisLockPrefix
	}
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RPCURL = strings.TrimSpace(config.RPCURL)
	config.FlashCargoAddress = strings.TrimSpace(config.FlashCargoAddress)
	config.USDCAddress = strings.TrimSpace(config.USDCAddress)
	config.PaymentRecipientAddress = strings.TrimSpace(config.PaymentRecipientAddress)
	config.CustodianPrivateKey = strings.TrimSpace(config.CustodianPrivateKey)
	config.CustodianAccountName = strings.TrimSpace(config.CustodianAccountName)
	if config.CustodianAccountName == "" {
		config.CustodianAccountName = defaultCustodianAccountName
	}
	config.AppURL = strings.TrimRight(strings.TrimSpace(config.AppURL), "/")

	if config.OracleTimeoutSeconds <= 0 {
		config.OracleTimeoutSeconds = defaultOracleTimeoutSeconds
	}
	if config.CustodianApprovalMultiplier <= 0 {
		config.CustodianApprovalMultiplier = defaultApprovalMultiplier
	}
	if config.CustodianReceiptTimeoutSeconds <= 0 {
		config.CustodianReceiptTimeoutSeconds = defaultReceiptTimeoutSeconds
	}
	if config.PreCheckoutTimeoutMS <= 0 {
		config.PreCheckoutTimeoutMS = defaultPreCheckoutTimeoutMS
	}
	if config.QuoteToleranceBps < 0 {
		log.Printf("level=warn component=config msg=\"negative quote tolerance configured; coercing to zero\" tolerance_bps=%d", config.QuoteToleranceBps)
		config.QuoteToleranceBps = 0
	}
	if config.QuoteToleranceBps > maxToleranceBps {
		log.Printf("level=warn component=config msg=\"quote tolerance too high; capping\" tolerance_bps=%d", config.QuoteToleranceBps)
		config.QuoteToleranceBps = maxToleranceBps
	}
	if config.ReceiptReconcileLimit <= 0 {
		config.ReceiptReconcileLimit = defaultReconcileLimit
	}
	if config.ReceiptReconcileLimit > maxReconcileLimit {
		config.ReceiptReconcileLimit = maxReconcileLimit
	}
	if strings.TrimSpace(config.ReceiptReconcileSchedule) == "" {
		config.ReceiptReconcileSchedule = defaultReconcileSchedule
	}
	if strings.TrimSpace(config.DropCacheRefreshSchedule) == "" {
		config.DropCacheRefreshSchedule = defaultDropCacheSchedule
	}
	if config.DomesticShipping < 0 {
		config.DomesticShipping = defaultDomesticShipping
	}
	if config.InternationalShipping < 0 {
		config.InternationalShipping = defaultInternationalShipping
	}

	return
}
