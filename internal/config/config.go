/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the deal-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`

	BankGatewayMode    string `mapstructure:"BANK_GATEWAY_MODE"` // mock, sandbox or production
	BankAPIBaseURL     string `mapstructure:"BANK_API_BASE_URL"`
	BankAPISecret      string `mapstructure:"BANK_API_SECRET"`
	BankWebhookSecret  string `mapstructure:"BANK_WEBHOOK_SECRET"`

	AuthJWKSURL            string `mapstructure:"AUTH_JWKS_URL"`
	InternalAPIKey         string `mapstructure:"INTERNAL_API_KEY"`
	IdentityServiceURL     string `mapstructure:"IDENTITY_SERVICE_URL"`
	IdentityServiceAPIKey  string `mapstructure:"IDENTITY_SERVICE_INTERNAL_API_KEY"`
	AntifraudServiceURL    string `mapstructure:"ANTIFRAUD_SERVICE_URL"`
	AntifraudServiceAPIKey string `mapstructure:"ANTIFRAUD_SERVICE_INTERNAL_API_KEY"`

	DefaultAutoReleaseDays   int `mapstructure:"DEFAULT_AUTO_RELEASE_DAYS"`
	DefaultHoldDurationHours int `mapstructure:"DEFAULT_HOLD_DURATION_HOURS"`
	IdempotencyTTLMinutes    int `mapstructure:"IDEMPOTENCY_TTL_MINUTES"`

	HoldExpirySchedule     string `mapstructure:"HOLD_EXPIRY_SCHEDULE"`
	ReconciliationSchedule string `mapstructure:"RECONCILIATION_SCHEDULE"`
	DLQRetrySchedule       string `mapstructure:"DLQ_RETRY_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("BANK_GATEWAY_MODE", "mock")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "deal_service:rate_limit")
	viper.SetDefault("DEFAULT_AUTO_RELEASE_DAYS", 14)
	viper.SetDefault("DEFAULT_HOLD_DURATION_HOURS", 0)
	viper.SetDefault("IDEMPOTENCY_TTL_MINUTES", 1440)
	viper.SetDefault("HOLD_EXPIRY_SCHEDULE", "@every 1m")
	viper.SetDefault("RECONCILIATION_SCHEDULE", "@every 5m")
	viper.SetDefault("DLQ_RETRY_SCHEDULE", "@every 2m")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("BANK_GATEWAY_MODE")
	_ = viper.BindEnv("BANK_API_BASE_URL")
	_ = viper.BindEnv("BANK_API_SECRET")
	_ = viper.BindEnv("BANK_WEBHOOK_SECRET")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "DEAL_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("IDENTITY_SERVICE_URL")
	_ = viper.BindEnv("IDENTITY_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("ANTIFRAUD_SERVICE_URL")
	_ = viper.BindEnv("ANTIFRAUD_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("DEFAULT_AUTO_RELEASE_DAYS")
	_ = viper.BindEnv("DEFAULT_HOLD_DURATION_HOURS")
	_ = viper.BindEnv("IDEMPOTENCY_TTL_MINUTES")
	_ = viper.BindEnv("HOLD_EXPIRY_SCHEDULE")
	_ = viper.BindEnv("RECONCILIATION_SCHEDULE")
	_ = viper.BindEnv("DLQ_RETRY_SCHEDULE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("DEAL_SERVICE_INTERNAL_API_KEY"))
	}
	config.IdentityServiceAPIKey = strings.TrimSpace(config.IdentityServiceAPIKey)
	if config.IdentityServiceAPIKey == "" {
		config.IdentityServiceAPIKey = config.InternalAPIKey
	}
	config.AntifraudServiceAPIKey = strings.TrimSpace(config.AntifraudServiceAPIKey)
	if config.AntifraudServiceAPIKey == "" {
		config.AntifraudServiceAPIKey = config.InternalAPIKey
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "deal_service:rate_limit"
	}

	config.BankGatewayMode = strings.ToLower(strings.TrimSpace(config.BankGatewayMode))
	switch config.BankGatewayMode {
	case "mock", "sandbox", "production":
	default:
		log.Printf("level=warn component=config msg=\"unknown bank gateway mode; falling back to mock\" mode=%q", config.BankGatewayMode)
		config.BankGatewayMode = "mock"
	}
	if config.BankGatewayMode == "production" && strings.TrimSpace(config.BankAPISecret) == "" {
		log.Printf("level=error component=config msg=\"production bank mode requires BANK_API_SECRET\"")
	}

	if config.DefaultAutoReleaseDays <= 0 {
		config.DefaultAutoReleaseDays = 14
	}
	if config.DefaultHoldDurationHours < 0 {
		log.Printf("level=warn component=config msg=\"negative hold duration configured; coercing to zero\" hours=%d", config.DefaultHoldDurationHours)
		config.DefaultHoldDurationHours = 0
	}
	if config.IdempotencyTTLMinutes <= 0 {
		config.IdempotencyTTLMinutes = 1440
	}
	if strings.TrimSpace(config.HoldExpirySchedule) == "" {
		config.HoldExpirySchedule = "@every 1m"
	}
	if strings.TrimSpace(config.ReconciliationSchedule) == "" {
		config.ReconciliationSchedule = "@every 5m"
	}
	if strings.TrimSpace(config.DLQRetrySchedule) == "" {
		config.DLQRetrySchedule = "@every 2m"
	}

	return
}
