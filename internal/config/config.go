package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"arb-core/internal/position"
	"arb-core/internal/risk"
)

// Config holds environment-driven settings for the arbitrage core.
type Config struct {
	Port       string
	APIEnabled bool

	// Database
	DBDriver string // "sqlite" (default) or "postgres"
	DBDSN    string

	SessionID string

	// Funded capital per venue
	InitialKRW    float64
	InitialUSDT   float64
	InitialFXRate float64 // KRW per USDT used to value the USDT pool

	// Reservations
	ReservationTTL       time.Duration
	ReservationRetention time.Duration
	SweepInterval        time.Duration

	// Write queue
	WriteQueueSize       int
	WriteMaxAttempts     int
	WriteBackoff         time.Duration
	ShutdownDrainTimeout time.Duration

	// Fees and margin
	UpbitTakerFee float64 // decimal (e.g. 0.0005 = 5 bps)
	BybitTakerFee float64
	BybitLeverage float64
	BybitMMR      float64

	PaperSlippageBps float64

	// Synthetic quotes for paper trading
	MockFeed         bool
	MockFeedInterval time.Duration

	// Risk
	RiskConfigPath string
	RiskTimezone   string
	DailyResetCron string

	// Logging
	LogLevel  string
	LogFormat string // "json" or "console"

	// Ops API auth
	OpsTokenSecret string

	// Alerts
	TelegramToken  string
	TelegramChatID int64

	HeartbeatInterval time.Duration
	ReconcileInterval time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		APIEnabled:           getEnvBool("API_ENABLED", true),
		DBDriver:             strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBDSN:                getEnv("DB_DSN", "./data/arb.db"),
		SessionID:            getEnv("SESSION_ID", "default"),
		InitialKRW:           getEnvFloat("INITIAL_KRW", 100_000_000),
		InitialUSDT:          getEnvFloat("INITIAL_USDT", 70_000),
		InitialFXRate:        getEnvFloat("INITIAL_FX_RATE", 1400),
		ReservationTTL:       getEnvDuration("RESERVATION_TTL", 30*time.Second),
		ReservationRetention: getEnvDuration("RESERVATION_RETENTION", 5*time.Minute),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", 5*time.Second),
		WriteQueueSize:       getEnvInt("WRITE_QUEUE_SIZE", 1024),
		WriteMaxAttempts:     getEnvInt("WRITE_MAX_ATTEMPTS", 3),
		WriteBackoff:         getEnvDuration("WRITE_BACKOFF", 100*time.Millisecond),
		ShutdownDrainTimeout: getEnvDuration("SHUTDOWN_DRAIN_TIMEOUT", 5*time.Second),
		UpbitTakerFee:        getEnvFloat("UPBIT_TAKER_FEE", 0.0005),
		BybitTakerFee:        getEnvFloat("BYBIT_TAKER_FEE", 0.00055),
		BybitLeverage:        getEnvFloat("BYBIT_LEVERAGE", 1),
		BybitMMR:             getEnvFloat("BYBIT_MMR", 0.005),
		PaperSlippageBps:     getEnvFloat("PAPER_SLIPPAGE_BPS", 5),
		MockFeed:             getEnvBool("MOCK_FEED", false),
		MockFeedInterval:     getEnvDuration("MOCK_FEED_INTERVAL", time.Second),
		RiskConfigPath:       getEnv("RISK_CONFIG_PATH", ""),
		RiskTimezone:         getEnv("RISK_TIMEZONE", "Asia/Seoul"),
		DailyResetCron:       getEnv("DAILY_RESET_CRON", risk.DefaultResetSpec),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		OpsTokenSecret:       getEnv("OPS_TOKEN_SECRET", "dev-secret"),
		TelegramToken:        os.Getenv("TELEGRAM_TOKEN"),
		TelegramChatID:       int64(getEnvInt("TELEGRAM_CHAT_ID", 0)),
		HeartbeatInterval:    getEnvDuration("HEARTBEAT_INTERVAL", 10*time.Second),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", time.Minute),
	}

	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "postgres" {
		return nil, fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", cfg.DBDriver)
	}
	if cfg.InitialKRW < 0 || cfg.InitialUSDT < 0 {
		return nil, fmt.Errorf("initial capital must not be negative")
	}
	if cfg.InitialFXRate <= 0 {
		return nil, fmt.Errorf("INITIAL_FX_RATE must be positive")
	}
	return cfg, nil
}

// InitialCapital is the funded capital of both pools in KRW.
func (c *Config) InitialCapital() float64 {
	return c.InitialKRW + c.InitialUSDT*c.InitialFXRate
}

// Location resolves RiskTimezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.RiskTimezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.RiskTimezone, err)
	}
	return loc, nil
}

// PositionConfig returns the fee and margin settings for the position manager.
func (c *Config) PositionConfig() position.Config {
	return position.Config{
		Fees: position.FeeConfig{
			UpbitTakerRate: c.UpbitTakerFee,
			BybitTakerRate: c.BybitTakerFee,
		},
		Margin: position.MarginConfig{
			Leverage:              c.BybitLeverage,
			MaintenanceMarginRate: c.BybitMMR,
		},
	}
}

// File is the optional YAML file named by RISK_CONFIG_PATH.
type File struct {
	Risk        risk.Config                         `yaml:"risk"`
	Instruments map[string]position.InstrumentRules `yaml:"instruments"`
}

// LoadFile reads the YAML file at path. Keys present in the file override the
// matching fields of defaults; absent keys keep their default value.
func LoadFile(path string, defaults risk.Config) (*File, error) {
	file := &File{Risk: defaults}
	if path == "" {
		return file, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read risk config: %w", err)
	}
	if err := yaml.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("parse risk config %s: %w", path, err)
	}
	if file.Risk.DrawdownWindowDays <= 0 {
		return nil, fmt.Errorf("risk config %s: drawdown_window_days must be positive", path)
	}
	return file, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
