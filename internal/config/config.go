// Package config loads the engine's runtime configuration: a
// getEnv(key, default)-driven set of environment-variable overrides
// layered on top of an optional YAML overlay for settings more
// naturally expressed as structured data (per-venue subscription
// caps, notification minute windows).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized option from spec §6.
type Config struct {
	FundingRateThreshold   float64 `yaml:"fundingRateThreshold"`
	DefaultFundingInterval int     `yaml:"defaultFundingInterval"`
	TargetBasis            int     `yaml:"targetBasis"`

	PerVenueMaxPerConnection map[string]int `yaml:"perVenueMaxPerConnection"`

	ConnectionRecoveryDelayMs int `yaml:"connectionRecoveryDelayMs"`
	StaleThresholdMs          int `yaml:"staleThresholdMs"`
	ExitSuggestionDebounceMs  int `yaml:"exitSuggestionDebounceMs"`
	TriggerPriceTolerance     float64 `yaml:"triggerPriceTolerance"`
	TriggerDedupWindowMs      int     `yaml:"triggerDedupWindowMs"`
	CloseAttemptTimeoutMs     int     `yaml:"closeAttemptTimeoutMs"`

	// NotificationMinuteWindows maps a webhook platform name to the
	// minute-of-hour values it is allowed to fire on.
	NotificationMinuteWindows map[string][]int `yaml:"notificationMinuteWindows"`

	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Vault    VaultConfig    `yaml:"vault"`

	MetricsAddr string `yaml:"metricsAddr"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslMode"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type VaultConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Token     string `yaml:"token"`
	MountPath string `yaml:"mountPath"`
	BasePath  string `yaml:"basePath"`
}

// Default returns the engine's documented defaults.
func Default() Config {
	return Config{
		FundingRateThreshold:   0.005,
		DefaultFundingInterval: 8,
		TargetBasis:            8,
		PerVenueMaxPerConnection: map[string]int{
			"okx":    100,
			"gateio": 20,
			"bingx":  50,
		},
		ConnectionRecoveryDelayMs: 30_000,
		StaleThresholdMs:          90_000,
		ExitSuggestionDebounceMs:  60_000,
		TriggerPriceTolerance:     0.01,
		TriggerDedupWindowMs:      60_000,
		CloseAttemptTimeoutMs:     10_000,
		MetricsAddr:               ":9090",
		Postgres: PostgresConfig{
			Host: "localhost", Port: 5432, User: "arb", Database: "arb", SSLMode: "disable",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
	}
}

// LoadYAML reads an optional YAML overlay at path on top of Default().
// A missing file is not an error: the caller proceeds on defaults and
// environment overrides alone.
func LoadYAML(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment-variable overrides onto cfg: a
// present, non-empty env var always wins over the YAML/default value.
func ApplyEnv(cfg Config) Config {
	cfg.FundingRateThreshold = getEnvFloat("ARB_FUNDING_RATE_THRESHOLD", cfg.FundingRateThreshold)
	cfg.DefaultFundingInterval = getEnvInt("ARB_DEFAULT_FUNDING_INTERVAL", cfg.DefaultFundingInterval)
	cfg.TargetBasis = getEnvInt("ARB_TARGET_BASIS", cfg.TargetBasis)
	cfg.ConnectionRecoveryDelayMs = getEnvInt("ARB_CONNECTION_RECOVERY_DELAY_MS", cfg.ConnectionRecoveryDelayMs)
	cfg.StaleThresholdMs = getEnvInt("ARB_STALE_THRESHOLD_MS", cfg.StaleThresholdMs)
	cfg.ExitSuggestionDebounceMs = getEnvInt("ARB_EXIT_SUGGESTION_DEBOUNCE_MS", cfg.ExitSuggestionDebounceMs)
	cfg.TriggerPriceTolerance = getEnvFloat("ARB_TRIGGER_PRICE_TOLERANCE", cfg.TriggerPriceTolerance)
	cfg.TriggerDedupWindowMs = getEnvInt("ARB_TRIGGER_DEDUP_WINDOW_MS", cfg.TriggerDedupWindowMs)
	cfg.CloseAttemptTimeoutMs = getEnvInt("ARB_CLOSE_ATTEMPT_TIMEOUT_MS", cfg.CloseAttemptTimeoutMs)
	cfg.MetricsAddr = getEnv("ARB_METRICS_ADDR", cfg.MetricsAddr)

	cfg.Postgres.Host = getEnv("ARB_PG_HOST", cfg.Postgres.Host)
	cfg.Postgres.Port = getEnvInt("ARB_PG_PORT", cfg.Postgres.Port)
	cfg.Postgres.User = getEnv("ARB_PG_USER", cfg.Postgres.User)
	cfg.Postgres.Password = getEnv("ARB_PG_PASSWORD", cfg.Postgres.Password)
	cfg.Postgres.Database = getEnv("ARB_PG_DATABASE", cfg.Postgres.Database)

	cfg.Redis.Addr = getEnv("ARB_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("ARB_REDIS_PASSWORD", cfg.Redis.Password)

	cfg.Vault.Enabled = getEnv("ARB_VAULT_ENABLED", boolStr(cfg.Vault.Enabled)) == "true"
	cfg.Vault.Address = getEnv("ARB_VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnv("ARB_VAULT_TOKEN", cfg.Vault.Token)

	return cfg
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// Durations exposes the millisecond fields as time.Duration for
// callers that want them pre-converted.
func (c Config) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdMs) * time.Millisecond
}
func (c Config) ConnectionRecoveryDelay() time.Duration {
	return time.Duration(c.ConnectionRecoveryDelayMs) * time.Millisecond
}
func (c Config) ExitSuggestionDebounce() time.Duration {
	return time.Duration(c.ExitSuggestionDebounceMs) * time.Millisecond
}
func (c Config) TriggerDedupWindow() time.Duration {
	return time.Duration(c.TriggerDedupWindowMs) * time.Millisecond
}
func (c Config) CloseAttemptTimeout() time.Duration {
	return time.Duration(c.CloseAttemptTimeoutMs) * time.Millisecond
}
