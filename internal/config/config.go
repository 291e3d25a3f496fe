/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: Operator float amounts.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"

	defaultSessionTTLMinutes    = 10
	defaultSessionCodeLength    = 8
	defaultFeeBonusPercent      = 20
	defaultFeeScale             = 2
	defaultConfirmRateLimit     = 20
	defaultIdempotencyTTLMinute = 1440
)

// Config holds all the configuration variables for the transaction-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	StoreDriver               string `mapstructure:"STORE_DRIVER"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix            string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	EventExchange             string `mapstructure:"EVENT_EXCHANGE"`
	AccountEventQueue         string `mapstructure:"ACCOUNT_EVENT_QUEUE"`
	JWTSecret                 string `mapstructure:"JWT_SECRET"`
	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	OperatorAccountID         string `mapstructure:"OPERATOR_ACCOUNT_ID"`
	OperatorInitialBalanceRaw string `mapstructure:"OPERATOR_INITIAL_BALANCE"`
	SessionTTLMinutes         int    `mapstructure:"SESSION_TTL_MINUTES"`
	SessionCodeLength         int    `mapstructure:"SESSION_CODE_LENGTH"`
	SessionSweepSchedule      string `mapstructure:"SESSION_SWEEP_SCHEDULE"`
	FeeBonusPercent           int    `mapstructure:"FEE_BONUS_PERCENT"`
	AmountScale               int32  `mapstructure:"AMOUNT_SCALE"`
	FeeScale                  int32  `mapstructure:"FEE_SCALE"`
	ConfirmRateLimitPerMinute int    `mapstructure:"CONFIRM_RATE_LIMIT_PER_MINUTE"`
	IdempotencyTTLMinutes     int    `mapstructure:"IDEMPOTENCY_TTL_MINUTES"`
	LogLevel                  string `mapstructure:"LOG_LEVEL"`
	LogFormat                 string `mapstructure:"LOG_FORMAT"`

	// OperatorInitialBalance is the parsed form of OPERATOR_INITIAL_BALANCE.
	OperatorInitialBalance decimal.Decimal `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "mopatas")
	viper.SetDefault("EVENT_EXCHANGE", "mopatas.events")
	viper.SetDefault("ACCOUNT_EVENT_QUEUE", "transaction_service.account_registered")
	viper.SetDefault("OPERATOR_ACCOUNT_ID", "company")
	viper.SetDefault("OPERATOR_INITIAL_BALANCE", "0")
	viper.SetDefault("SESSION_TTL_MINUTES", defaultSessionTTLMinutes)
	viper.SetDefault("SESSION_CODE_LENGTH", defaultSessionCodeLength)
	viper.SetDefault("SESSION_SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("FEE_BONUS_PERCENT", defaultFeeBonusPercent)
	viper.SetDefault("AMOUNT_SCALE", 0)
	viper.SetDefault("FEE_SCALE", defaultFeeScale)
	viper.SetDefault("CONFIRM_RATE_LIMIT_PER_MINUTE", defaultConfirmRateLimit)
	viper.SetDefault("IDEMPOTENCY_TTL_MINUTES", defaultIdempotencyTTLMinute)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "TRANSACTION_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("ACCOUNT_EVENT_QUEUE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "TRANSACTION_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("OPERATOR_ACCOUNT_ID")
	_ = viper.BindEnv("OPERATOR_INITIAL_BALANCE")
	_ = viper.BindEnv("SESSION_TTL_MINUTES")
	_ = viper.BindEnv("SESSION_CODE_LENGTH")
	_ = viper.BindEnv("SESSION_SWEEP_SCHEDULE")
	_ = viper.BindEnv("FEE_BONUS_PERCENT")
	_ = viper.BindEnv("AMOUNT_SCALE")
	_ = viper.BindEnv("FEE_SCALE")
	_ = viper.BindEnv("CONFIRM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("IDEMPOTENCY_TTL_MINUTES")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()
	return
}

// normalize coerces invalid values back to safe defaults and logs each coercion.
func (c *Config) normalize() {
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.InternalAPIKey = strings.TrimSpace(c.InternalAPIKey)
	c.JWTSecret = strings.TrimSpace(c.JWTSecret)

	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case StoreDriverMemory, StoreDriverPostgres:
	case "":
		if c.DatabaseURL == "" {
			c.StoreDriver = StoreDriverMemory
		} else {
			c.StoreDriver = StoreDriverPostgres
		}
	default:
		log.Printf("level=warn component=config msg=\"unknown store driver; using memory\" driver=%q", c.StoreDriver)
		c.StoreDriver = StoreDriverMemory
	}

	c.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(c.RedisKeyPrefix), ":")
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "mopatas"
	}
	c.OperatorAccountID = strings.TrimSpace(c.OperatorAccountID)
	if c.OperatorAccountID == "" {
		c.OperatorAccountID = "company"
	}

	c.OperatorInitialBalance = decimal.Zero
	if raw := strings.TrimSpace(c.OperatorInitialBalanceRaw); raw != "" {
		balance, parseErr := decimal.NewFromString(raw)
		switch {
		case parseErr != nil:
			log.Printf("level=warn component=config msg=\"invalid OPERATOR_INITIAL_BALANCE\" value=%q err=%v", raw, parseErr)
		case balance.IsNegative():
			log.Printf("level=warn component=config msg=\"negative operator balance configured; coercing to zero\" value=%q", raw)
		default:
			c.OperatorInitialBalance = balance
		}
	}

	if c.SessionTTLMinutes <= 0 {
		log.Printf("level=warn component=config msg=\"invalid session ttl; using default\" minutes=%d", c.SessionTTLMinutes)
		c.SessionTTLMinutes = defaultSessionTTLMinutes
	}
	if c.SessionCodeLength < 6 || c.SessionCodeLength > 32 {
		log.Printf("level=warn component=config msg=\"session code length out of range; using default\" length=%d", c.SessionCodeLength)
		c.SessionCodeLength = defaultSessionCodeLength
	}
	if strings.TrimSpace(c.SessionSweepSchedule) == "" {
		c.SessionSweepSchedule = "@every 1m"
	}
	if c.FeeBonusPercent < 0 || c.FeeBonusPercent > 100 {
		log.Printf("level=warn component=config msg=\"fee bonus percent out of range; using default\" percent=%d", c.FeeBonusPercent)
		c.FeeBonusPercent = defaultFeeBonusPercent
	}
	if c.AmountScale < 0 {
		c.AmountScale = 0
	}
	if c.FeeScale < 0 {
		c.FeeScale = defaultFeeScale
	}
	if c.ConfirmRateLimitPerMinute < 0 {
		c.ConfirmRateLimitPerMinute = 0
	}
	if c.IdempotencyTTLMinutes <= 0 {
		c.IdempotencyTTLMinutes = defaultIdempotencyTTLMinute
	}

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat != "console" {
		c.LogFormat = "json"
	}
}
