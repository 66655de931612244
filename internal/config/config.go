package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	DatabaseURL  string
	RedisURL     string
	KafkaBrokers string
	NATSURL      string
	Port         string

	AdminAPIToken      string
	SupportedCurrency  string
	WebhookBaseURL     string
	ProviderConcurrent int64
	ProviderTimeout    time.Duration

	MTN     MTNConfig
	Paypack PaypackConfig

	Disbursement DisbursementConfig
	Monitor      MonitorConfig
	Outbox       OutboxConfig
}

type MTNConfig struct {
	BaseURL                     string
	Environment                 string
	APIUser                     string
	APIKey                      string
	CollectionSubscriptionKey   string
	DisbursementSubscriptionKey string
	DisbursementAPIUser         string
	DisbursementAPIKey          string
	Currency                    string
}

type PaypackConfig struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	WebhookSecret string
}

type DisbursementConfig struct {
	Provider              string
	HighValueThreshold    decimal.Decimal
	RefundReviewThreshold decimal.Decimal
	CommissionRate        decimal.Decimal
	AutoMerchantPayout    bool
}

type MonitorConfig struct {
	Schedule     string
	Window       time.Duration
	PendingTTL   time.Duration
	CallDelay    time.Duration
	BatchSize    int
	LockTTL      time.Duration
	DisableCron  bool
	DueSchedule  string
	PollPayouts  bool
	PayoutWindow time.Duration
}

type OutboxConfig struct {
	Schedule  string
	BatchSize int
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     getEnv("REDIS_URL", "localhost:6379"),
		KafkaBrokers: os.Getenv("KAFKA_BROKERS"),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		Port:         getEnv("PORT", "8085"),

		AdminAPIToken:      os.Getenv("ADMIN_API_TOKEN"),
		SupportedCurrency:  getEnv("SUPPORTED_CURRENCY", "RWF"),
		WebhookBaseURL:     os.Getenv("WEBHOOK_BASE_URL"),
		ProviderConcurrent: int64(getInt("PROVIDER_MAX_CONCURRENT", 16)),
		ProviderTimeout:    getDuration("PROVIDER_TIMEOUT", 30*time.Second),

		MTN: MTNConfig{
			BaseURL:                     getEnv("MTN_BASE_URL", "https://sandbox.momodeveloper.mtn.com"),
			Environment:                 getEnv("MTN_TARGET_ENVIRONMENT", "sandbox"),
			APIUser:                     os.Getenv("MTN_API_USER"),
			APIKey:                      os.Getenv("MTN_API_KEY"),
			CollectionSubscriptionKey:   os.Getenv("MTN_COLLECTION_SUBSCRIPTION_KEY"),
			DisbursementSubscriptionKey: os.Getenv("MTN_DISBURSEMENT_SUBSCRIPTION_KEY"),
			DisbursementAPIUser:         getEnv("MTN_DISBURSEMENT_API_USER", os.Getenv("MTN_API_USER")),
			DisbursementAPIKey:          getEnv("MTN_DISBURSEMENT_API_KEY", os.Getenv("MTN_API_KEY")),
			Currency:                    getEnv("MTN_CURRENCY", "RWF"),
		},
		Paypack: PaypackConfig{
			BaseURL:       getEnv("PAYPACK_BASE_URL", "https://payments.paypack.rw"),
			ClientID:      os.Getenv("PAYPACK_CLIENT_ID"),
			ClientSecret:  os.Getenv("PAYPACK_CLIENT_SECRET"),
			WebhookSecret: os.Getenv("PAYPACK_WEBHOOK_SECRET"),
		},

		Disbursement: DisbursementConfig{
			Provider:              getEnv("DISBURSEMENT_PROVIDER", "PAYPACK"),
			HighValueThreshold:    getDecimal("DISBURSEMENT_HIGH_VALUE_THRESHOLD", decimal.NewFromInt(1000000)),
			RefundReviewThreshold: getDecimal("DISBURSEMENT_REFUND_THRESHOLD", decimal.NewFromInt(100000)),
			CommissionRate:        getDecimal("PLATFORM_COMMISSION_RATE", decimal.RequireFromString("0.05")),
			AutoMerchantPayout:    getBool("AUTO_MERCHANT_PAYOUT", true),
		},
		Monitor: MonitorConfig{
			Schedule:     getEnv("MONITOR_SCHEDULE", "@every 2m"),
			Window:       getDuration("MONITOR_WINDOW", 24*time.Hour),
			PendingTTL:   getDuration("PAYMENT_PENDING_TTL", 30*time.Minute),
			CallDelay:    getDuration("MONITOR_CALL_DELAY", 500*time.Millisecond),
			BatchSize:    getInt("MONITOR_BATCH_SIZE", 100),
			LockTTL:      getDuration("MONITOR_LOCK_TTL", 5*time.Minute),
			DisableCron:  getBool("MONITOR_DISABLED", false),
			DueSchedule:  getEnv("SCHEDULED_DISBURSEMENT_SCHEDULE", "@every 1m"),
			PollPayouts:  getBool("MONITOR_POLL_PAYOUTS", true),
			PayoutWindow: getDuration("MONITOR_PAYOUT_WINDOW", 72*time.Hour),
		},
		Outbox: OutboxConfig{
			Schedule:  getEnv("OUTBOX_SCHEDULE", "@every 5s"),
			BatchSize: getInt("OUTBOX_BATCH_SIZE", 50),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v, err := decimal.NewFromString(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
