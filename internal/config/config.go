package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL          = "https://api.anthropic.com/v1"
	DefaultModel            = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens        = 800
	DefaultTemperature      = 0.4
	DefaultTimeout          = "30s"
	DefaultMaxAttempts      = 3
	DefaultInitialBackoff   = "1s"
	DefaultMaxBackoff       = "8s"
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 18790
	DefaultStoreMaxBytes    = 5 << 20
	DefaultDigestSchedule   = "0 0 8 * * 1-5"
	DefaultPrefetchSchedule = "0 30 7 * * 1-5"
	DefaultConcurrency      = 4
	DefaultLogLevel         = "info"
)

type Config struct {
	Provider  ProviderConfig  `json:"provider"`
	Retry     RetryConfig     `json:"retry"`
	Store     StoreConfig     `json:"store"`
	Rotation  RotationConfig  `json:"rotation"`
	Catalog   CatalogConfig   `json:"catalog"`
	Gateway   GatewayConfig   `json:"gateway"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Telegram  TelegramConfig  `json:"telegram"`
	Log       LogConfig       `json:"log"`
}

type ProviderConfig struct {
	APIKey      string  `json:"apiKey"`
	BaseURL     string  `json:"baseUrl,omitempty"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
	Timeout     string  `json:"timeout,omitempty"`
}

type RetryConfig struct {
	MaxAttempts    int    `json:"maxAttempts"`
	InitialBackoff string `json:"initialBackoff,omitempty"`
	MaxBackoff     string `json:"maxBackoff,omitempty"`
	// Jitter adds up to this fraction of each delay at random. Zero keeps the
	// exact 1s/2s/4s schedule.
	Jitter float64 `json:"jitter,omitempty"`
}

type StoreConfig struct {
	DBPath   string `json:"dbPath,omitempty"`
	MaxBytes int64  `json:"maxBytes,omitempty"`
}

type RotationConfig struct {
	SchedulePath string `json:"schedulePath,omitempty"`
}

type CatalogConfig struct {
	CompaniesPath string `json:"companiesPath,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type SchedulerConfig struct {
	Enabled     bool   `json:"enabled"`
	Digest      string `json:"digest,omitempty"`
	Prefetch    string `json:"prefetch,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	JobsPath    string `json:"jobsPath,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chatId"`
	Proxy   string `json:"proxy,omitempty"`
}

type LogConfig struct {
	Level       string `json:"level,omitempty"`
	Development bool   `json:"development,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			BaseURL:     DefaultBaseURL,
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
			Timeout:     DefaultTimeout,
		},
		Retry: RetryConfig{
			MaxAttempts:    DefaultMaxAttempts,
			InitialBackoff: DefaultInitialBackoff,
			MaxBackoff:     DefaultMaxBackoff,
		},
		Store: StoreConfig{
			MaxBytes: DefaultStoreMaxBytes,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Scheduler: SchedulerConfig{
			Digest:      DefaultDigestSchedule,
			Prefetch:    DefaultPrefetchSchedule,
			Concurrency: DefaultConcurrency,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

func ConfigDir() string {
	if dir := os.Getenv("PROSPECTOR_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".prospector")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DBPath is the sqlite file backing the result store.
func (c *Config) DBPath() string {
	if p := strings.TrimSpace(c.Store.DBPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "prospector.db")
}

// JobsPath is the JSON file the cron service persists job state to.
func (c *Config) JobsPath() string {
	if p := strings.TrimSpace(c.Scheduler.JobsPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "jobs.json")
}

func (c *Config) RequestTimeout() time.Duration {
	return parseDuration(c.Provider.Timeout, 30*time.Second)
}

func (c *Config) InitialBackoff() time.Duration {
	return parseDuration(c.Retry.InitialBackoff, time.Second)
}

func (c *Config) MaxBackoff() time.Duration {
	return parseDuration(c.Retry.MaxBackoff, 8*time.Second)
}

func parseDuration(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// KeyStatus describes the configured credential without revealing it.
type KeyStatus struct {
	HasKey          bool `json:"hasKey"`
	StartsWithSkAnt bool `json:"startsWithSkAnt"`
	Length          int  `json:"length"`
}

func (c *Config) KeyStatus() KeyStatus {
	key := strings.TrimSpace(c.Provider.APIKey)
	return KeyStatus{
		HasKey:          key != "",
		StartsWithSkAnt: strings.HasPrefix(key, "sk-ant-"),
		Length:          len(key),
	}
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("PROSPECTOR_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("PROSPECTOR_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("PROSPECTOR_MODEL"); model != "" {
		cfg.Provider.Model = model
	}
	if dbPath := os.Getenv("PROSPECTOR_DB_PATH"); dbPath != "" {
		cfg.Store.DBPath = dbPath
	}
	if companies := os.Getenv("PROSPECTOR_COMPANIES"); companies != "" {
		cfg.Catalog.CompaniesPath = companies
	}
	if rotation := os.Getenv("PROSPECTOR_ROTATION"); rotation != "" {
		cfg.Rotation.SchedulePath = rotation
	}
	if token := os.Getenv("PROSPECTOR_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := os.Getenv("PROSPECTOR_TELEGRAM_CHAT_ID"); chatID != "" {
		if parsed, err := strconv.ParseInt(chatID, 10, 64); err == nil {
			cfg.Telegram.ChatID = parsed
		}
	}
	if level := os.Getenv("PROSPECTOR_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if port := os.Getenv("PROSPECTOR_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = parsed
		}
	}
	if enabled := os.Getenv("PROSPECTOR_SCHEDULER_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Scheduler.Enabled = parsed
		}
	}

	cfg.Provider.APIKey = strings.TrimSpace(cfg.Provider.APIKey)
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = DefaultBaseURL
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = DefaultModel
	}
	if cfg.Provider.MaxTokens <= 0 {
		cfg.Provider.MaxTokens = DefaultMaxTokens
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Retry.Jitter < 0 {
		cfg.Retry.Jitter = 0
	}
	if cfg.Store.MaxBytes < 0 {
		cfg.Store.MaxBytes = 0
	}
	if cfg.Scheduler.Concurrency <= 0 {
		cfg.Scheduler.Concurrency = DefaultConcurrency
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = DefaultPort
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}
