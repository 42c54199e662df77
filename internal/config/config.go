// Package config loads the engine's configuration tree from a JSON file
// with environment-variable overrides. No third-party config library is
// used here, matching the teacher's own config package exactly.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the root configuration tree, one instance shared read-only
// across the process after Load.
type Config struct {
	Universe       UniverseConfig       `json:"universe"`
	Scoring        ScoringConfig        `json:"scoring"`
	Sizing         SizingConfig         `json:"sizing"`
	Lifecycle      LifecycleConfig      `json:"lifecycle"`
	Correlation    CorrelationConfig    `json:"correlation"`
	Scheduler      SchedulerConfig      `json:"scheduler"`
	Regime         RegimeConfig         `json:"regime"`
	Adaptive       AdaptiveConfig       `json:"adaptive"`
	Notification   NotificationConfig   `json:"notification"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Logging        LoggingConfig        `json:"logging"`
	Server         ServerConfig         `json:"server"`
	Auth           AuthConfig           `json:"auth"`
	Vault          VaultConfig          `json:"vault"`
	Database       DatabaseConfig       `json:"database"`
	Redis          RedisConfig          `json:"redis"`
}

// UniverseConfig names the symbols the scheduler scans and the interval
// on which candles are fetched/evaluated.
type UniverseConfig struct {
	Symbols  []string `json:"symbols"`
	Interval string   `json:"interval"` // e.g. "1m", "5m"
}

// ScoringConfig holds the thresholds the filter pipeline's ai_score and
// quality_score gates evaluate against (§4.6, §6 Configuration schema).
type ScoringConfig struct {
	ThresholdSoft          float64 `json:"threshold_soft"`
	ThresholdStrict        float64 `json:"threshold_strict"`
	QualityMin             float64 `json:"quality_min"`
	MinCompositeConfidence float64 `json:"min_composite_confidence"`
}

// SizingConfig holds base position sizing parameters consumed by the
// Adaptive Position Sizer (C8).
type SizingConfig struct {
	BaseUSDT       float64 `json:"base_usdt"`
	Leverage       int     `json:"leverage"`
	MaxPositionPct float64 `json:"max_position_pct"`
}

// LifecycleConfig holds the Position Lifecycle Manager's (C10) trailing
// stop, partial-TP, and SL/TP distance parameters.
type LifecycleConfig struct {
	ActivationMinProfitPct float64       `json:"activation_min_profit_pct"`
	KTrail                 float64       `json:"k_trail"`
	MinTrailDistancePct    float64       `json:"min_trail_distance_pct"`
	MaxTrailDistancePct    float64       `json:"max_trail_distance_pct"`
	BreakevenOffsetPct     float64       `json:"breakeven_offset_pct"`
	TP1SplitPct            float64       `json:"tp1_split_pct"`
	MinPartialSizeUSDT     float64       `json:"min_partial_size_usdt"`
	KSL                    float64       `json:"k_sl"`
	KTP1                   float64       `json:"k_tp1"`
	KTP2                   float64       `json:"k_tp2"`
	TickInterval           time.Duration `json:"tick_interval"`
}

// CorrelationConfig holds the Correlation Risk Manager's (C7) thresholds.
type CorrelationConfig struct {
	CorrWindow         int            `json:"corr_window"`
	CorrBlockThreshold float64        `json:"corr_block_threshold"`
	CorrPenaltyFloor   float64        `json:"corr_penalty_floor"`
	CorrPenaltyStart   float64        `json:"corr_penalty_start"`
	GroupQuotas        map[string]int `json:"group_quotas"`
	CooldownMinutes    int            `json:"cooldown_minutes"`
	DuplicateCooldown  time.Duration  `json:"duplicate_cooldown"`
}

// SchedulerConfig holds the orchestrator's (C13) worker pool and
// deadline parameters.
type SchedulerConfig struct {
	TickInterval     time.Duration `json:"tick_interval"`
	WorkerPoolSize   int           `json:"worker_pool_size"`
	TickDeadlineMult int           `json:"tick_deadline_mult"`
	LifecycleTick    time.Duration `json:"lifecycle_tick"`
	AdaptiveTick     time.Duration `json:"adaptive_tick"`
	ShutdownTimeout  time.Duration `json:"shutdown_timeout"`
}

// RegimeConfig holds the Market Regime Detector's (C3) decision
// thresholds.
type RegimeConfig struct {
	CrashDrawdownPct  float64 `json:"crash_drawdown_pct"`
	TrendSlopeEpsilon float64 `json:"trend_slope_epsilon"`
	LowVolThreshold   float64 `json:"low_vol_threshold"`
}

// AdaptiveConfig holds the Adaptive Parameter Controller's (C12)
// retuning job parameters.
type AdaptiveConfig struct {
	LookbackDays     int     `json:"lookback_days"`
	RunHourUTC       int     `json:"run_hour_utc"`
	TightenStep      float64 `json:"tighten_step"`
	LoosenStep       float64 `json:"loosen_step"`
	LowWinRate       float64 `json:"low_win_rate"`
	HighWinRate      float64 `json:"high_win_rate"`
	MinThresholdMult float64 `json:"min_threshold_mult"`
	MaxThresholdMult float64 `json:"max_threshold_mult"`
}

// NotificationConfig holds dispatcher rate limits and retry budget plus
// channel-specific settings.
type NotificationConfig struct {
	PerUserRatePerMin int           `json:"per_user_rate_per_min"`
	GlobalRatePerSec  int           `json:"global_rate_per_sec"`
	// DispatchQueueSize bounds the number of in-flight dispatches the
	// Dispatcher admits concurrently; once full, Emit drops the newest
	// signal with reason code DispatchOverflow rather than blocking the
	// caller.
	DispatchQueueSize int            `json:"dispatch_queue_size"`
	RetryBudget       time.Duration  `json:"retry_budget"`
	Telegram          TelegramConfig `json:"telegram"`
	Discord           DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// CircuitBreakerConfig holds the Fatal-class trading-halt breaker used
// alongside the Filter Pipeline's per-signal gates.
type CircuitBreakerConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	CooldownMinutes      int     `json:"cooldown_minutes"`
	MaxLossPerHourPct    float64 `json:"max_loss_per_hour_pct"`
	MaxDailyLossPct      float64 `json:"max_daily_loss_pct"`
	MaxTradesPerMinute   int     `json:"max_trades_per_minute"`
	MaxDailyTrades       int     `json:"max_daily_trades"`
}

type LoggingConfig struct {
	Level       string `json:"level"`
	Output      string `json:"output"`
	JSONFormat  bool   `json:"json_format"`
	IncludeFile bool   `json:"include_file"`
}

type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	JWTSecret           string        `json:"jwt_secret"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	MaxConns int32  `json:"max_conns"`
	MinConns int32  `json:"min_conns"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// Load reads config.json if present, then applies environment variable
// overrides (which always win).
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = defaultConfig()
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Universe: UniverseConfig{Symbols: []string{"BTCUSDT", "ETHUSDT"}, Interval: "5m"},
		Scoring: ScoringConfig{
			ThresholdSoft:          15,
			ThresholdStrict:        25,
			QualityMin:             0.6,
			MinCompositeConfidence: 0.5,
		},
		Sizing: SizingConfig{BaseUSDT: 100, Leverage: 5, MaxPositionPct: 5},
		Lifecycle: LifecycleConfig{
			ActivationMinProfitPct: 1.0,
			KTrail:                 1.0,
			MinTrailDistancePct:    0.3,
			MaxTrailDistancePct:    3.0,
			BreakevenOffsetPct:     0.3,
			TP1SplitPct:            50,
			MinPartialSizeUSDT:     50,
			KSL:                    1.5,
			KTP1:                   1.5,
			KTP2:                   3.0,
			TickInterval:           30 * time.Second,
		},
		Correlation: CorrelationConfig{
			CorrWindow:         100,
			CorrBlockThreshold: 0.85,
			CorrPenaltyFloor:   0.6,
			CorrPenaltyStart:   0.6,
			GroupQuotas:        map[string]int{"BTC_HIGH": 2},
			CooldownMinutes:    30,
			DuplicateCooldown:  5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			TickInterval:     60 * time.Second,
			WorkerPoolSize:   16,
			TickDeadlineMult: 3,
			LifecycleTick:    15 * time.Second,
			AdaptiveTick:     time.Hour,
			ShutdownTimeout:  10 * time.Second,
		},
		Regime:   RegimeConfig{CrashDrawdownPct: 15, TrendSlopeEpsilon: 0.0005, LowVolThreshold: 0.02},
		Adaptive: AdaptiveConfig{
			LookbackDays: 30, RunHourUTC: 0,
			TightenStep: 0.1, LoosenStep: 0.1,
			LowWinRate: 0.5, HighWinRate: 0.7,
			MinThresholdMult: 0.5, MaxThresholdMult: 2.0,
		},
		Notification: NotificationConfig{
			PerUserRatePerMin: 20,
			GlobalRatePerSec:  50,
			DispatchQueueSize: 1000,
			RetryBudget:       30 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{Enabled: true, MaxConsecutiveLosses: 5, CooldownMinutes: 30, MaxLossPerHourPct: 3, MaxDailyLossPct: 6, MaxTradesPerMinute: 10, MaxDailyTrades: 100},
		Logging:        LoggingConfig{Level: "INFO", Output: "stdout", JSONFormat: true},
		Server:         ServerConfig{Port: 8080, Host: "0.0.0.0", AllowedOrigins: "*", ReadTimeout: 30, WriteTimeout: 30, ShutdownTimeout: 10},
		Database:       DatabaseConfig{MaxConns: 25, MinConns: 5},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)
	cfg.Logging.JSONFormat = getEnvOrDefault("LOG_JSON", boolStr(cfg.Logging.JSONFormat)) == "true"

	cfg.Server.Port = getEnvIntOrDefault("SERVER_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)
	cfg.Server.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)

	cfg.Auth.Enabled = getEnvOrDefault("AUTH_ENABLED", boolStr(cfg.Auth.Enabled)) == "true"
	cfg.Auth.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", cfg.Auth.AccessTokenDuration)

	cfg.Vault.Enabled = getEnvOrDefault("VAULT_ENABLED", boolStr(cfg.Vault.Enabled)) == "true"
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "futures-signal-core")

	cfg.Database.DSN = getEnvOrDefault("DATABASE_DSN", cfg.Database.DSN)

	cfg.Redis.Enabled = getEnvOrDefault("REDIS_ENABLED", boolStr(cfg.Redis.Enabled)) == "true"
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)

	cfg.Notification.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", boolStr(cfg.Notification.Telegram.Enabled)) == "true"
	cfg.Notification.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Notification.Telegram.BotToken)
	cfg.Notification.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.Notification.Telegram.ChatID)
	cfg.Notification.Discord.Enabled = getEnvOrDefault("DISCORD_ENABLED", boolStr(cfg.Notification.Discord.Enabled)) == "true"
	cfg.Notification.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.Notification.Discord.WebhookURL)

	cfg.CircuitBreaker.Enabled = getEnvOrDefault("CIRCUIT_BREAKER_ENABLED", boolStr(cfg.CircuitBreaker.Enabled)) == "true"
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	cfg := defaultConfig()
	if err := json.Unmarshal(file, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes a sample configuration file to disk.
func GenerateSampleConfig(filename string) error {
	cfg := defaultConfig()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
