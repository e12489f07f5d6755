package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"quorumbot/internal/adapters/logger"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Traded universe
	Symbols []string

	// Orchestrator
	TickInterval           time.Duration
	KlineInterval          string
	KlineLimit             int
	BaseOrderPct           float64 // entry notional as fraction of balance
	MinConsensusConfidence float64
	MinAgreement           float64
	CloseOnShutdown        bool

	// Admission control
	MaxConcurrentPositions int
	MaxTotalExposure       float64 // fraction of balance
	MaxPositionSize        float64 // per-position fraction of balance
	MaxDailyLossPct        float64 // per-agent fraction of margin allocation

	// Circuit breakers
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
	BreakerSuccessThreshold int
	BreakerCallTimeout      time.Duration

	// Arbitrage scan
	FundingThreshold    float64
	TriangularThreshold float64
	FeePerLeg           float64

	// Database
	DBPath string

	// Redis market cache. Disabled when RedisAddr is empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Kafka notifications. Disabled when no brokers are configured.
	KafkaBrokers []string
	KafkaTopic   string

	// HTTP API
	ListenAddr string

	// Logging
	LogLevel logger.LogLevel
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Traded universe
	cfg.Symbols = splitList(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT"))
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must name at least one symbol")
	}

	// Orchestrator
	tickSeconds := getEnvAsInt("TICK_INTERVAL_SECONDS", 5)
	if tickSeconds <= 0 {
		errs = append(errs, "TICK_INTERVAL_SECONDS must be positive")
	}
	cfg.TickInterval = time.Duration(tickSeconds) * time.Second

	cfg.KlineInterval = getEnv("KLINE_INTERVAL", "1m")
	cfg.KlineLimit = getEnvAsInt("KLINE_LIMIT", 100)
	if cfg.KlineLimit <= 0 {
		errs = append(errs, "KLINE_LIMIT must be positive")
	}

	cfg.BaseOrderPct, err = getEnvAsFloatRequired("BASE_ORDER_PCT", 0.10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BASE_ORDER_PCT: %v", err))
	} else if cfg.BaseOrderPct <= 0 || cfg.BaseOrderPct >= 1.0 {
		errs = append(errs, "BASE_ORDER_PCT must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.MinConsensusConfidence = getEnvAsFloat("MIN_CONSENSUS_CONFIDENCE", 0.55)
	cfg.MinAgreement = getEnvAsFloat("MIN_AGREEMENT", 0.5)
	if cfg.MinConsensusConfidence <= 0 || cfg.MinConsensusConfidence > 1.0 {
		errs = append(errs, "MIN_CONSENSUS_CONFIDENCE must be in (0.0, 1.0]")
	}
	if cfg.MinAgreement <= 0 || cfg.MinAgreement > 1.0 {
		errs = append(errs, "MIN_AGREEMENT must be in (0.0, 1.0]")
	}

	cfg.CloseOnShutdown = getEnvAsBool("CLOSE_ON_SHUTDOWN", false)

	// Admission control
	cfg.MaxConcurrentPositions, err = getEnvAsIntRequired("MAX_CONCURRENT_POSITIONS", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_CONCURRENT_POSITIONS: %v", err))
	} else if cfg.MaxConcurrentPositions <= 0 {
		errs = append(errs, "MAX_CONCURRENT_POSITIONS must be positive")
	}

	cfg.MaxTotalExposure, err = getEnvAsFloatRequired("MAX_TOTAL_EXPOSURE", 0.60)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_TOTAL_EXPOSURE: %v", err))
	} else if cfg.MaxTotalExposure <= 0 || cfg.MaxTotalExposure > 1.0 {
		errs = append(errs, "MAX_TOTAL_EXPOSURE must be in (0.0, 1.0]")
	}

	cfg.MaxPositionSize, err = getEnvAsFloatRequired("MAX_POSITION_SIZE", 0.15)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_POSITION_SIZE: %v", err))
	} else if cfg.MaxPositionSize <= 0 || cfg.MaxPositionSize > 1.0 {
		errs = append(errs, "MAX_POSITION_SIZE must be in (0.0, 1.0]")
	}

	cfg.MaxDailyLossPct, err = getEnvAsFloatRequired("MAX_DAILY_LOSS_PCT", 0.05)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_DAILY_LOSS_PCT: %v", err))
	} else if cfg.MaxDailyLossPct <= 0 || cfg.MaxDailyLossPct >= 1.0 {
		errs = append(errs, "MAX_DAILY_LOSS_PCT must be between 0.0 and 1.0 (exclusive)")
	}

	// Circuit breakers
	cfg.BreakerFailureThreshold = getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5)
	cfg.BreakerSuccessThreshold = getEnvAsInt("BREAKER_SUCCESS_THRESHOLD", 3)
	if cfg.BreakerFailureThreshold <= 0 || cfg.BreakerSuccessThreshold <= 0 {
		errs = append(errs, "breaker thresholds must be positive")
	}

	recoverySeconds := getEnvAsInt("BREAKER_RECOVERY_SECONDS", 60)
	if recoverySeconds <= 0 {
		errs = append(errs, "BREAKER_RECOVERY_SECONDS must be positive")
	}
	cfg.BreakerRecoveryTimeout = time.Duration(recoverySeconds) * time.Second

	callTimeoutSeconds := getEnvAsInt("BREAKER_CALL_TIMEOUT_SECONDS", 10)
	if callTimeoutSeconds <= 0 {
		errs = append(errs, "BREAKER_CALL_TIMEOUT_SECONDS must be positive")
	}
	cfg.BreakerCallTimeout = time.Duration(callTimeoutSeconds) * time.Second

	// Arbitrage scan
	cfg.FundingThreshold = getEnvAsFloat("FUNDING_THRESHOLD", 0.0003)
	cfg.TriangularThreshold = getEnvAsFloat("TRIANGULAR_THRESHOLD", 0.003)
	cfg.FeePerLeg = getEnvAsFloat("FEE_PER_LEG", 0.001)
	if cfg.FundingThreshold <= 0 || cfg.TriangularThreshold <= 0 {
		errs = append(errs, "arbitrage thresholds must be positive")
	}
	if cfg.FeePerLeg < 0 || cfg.FeePerLeg >= 0.01 {
		errs = append(errs, "FEE_PER_LEG must be in [0.0, 0.01)")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/quorumbot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Redis (optional)
	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvAsInt("REDIS_DB", 0)

	// Kafka (optional)
	cfg.KafkaBrokers = splitList(getEnv("KAFKA_BROKERS", ""))
	cfg.KafkaTopic = getEnv("KAFKA_TOPIC", "quorumbot.events")
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		errs = append(errs, "KAFKA_TOPIC must be set when KAFKA_BROKERS is configured")
	}

	// HTTP API
	cfg.ListenAddr = getEnv("LISTEN_ADDR", ":8080")

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr)

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// splitList parses a comma-separated list, trimming blanks.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
