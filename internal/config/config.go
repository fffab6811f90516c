package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Source    SourceConfig    `toml:"source"`
	Cache     CacheConfig     `toml:"cache"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Telegram  TelegramConfig  `toml:"telegram"`
	Notify    NotifyConfig    `toml:"notify"`
	Reminders RemindersConfig `toml:"reminders"`
	Logging   LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// SourceConfig is the remote bulletin endpoint.
type SourceConfig struct {
	URL       string        `toml:"url"`
	Timeout   time.Duration `toml:"timeout"`
	UserAgent string        `toml:"user_agent"`
	MaxBytes  int64         `toml:"max_bytes"`
}

type CacheConfig struct {
	TTL time.Duration `toml:"ttl"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `toml:"tick_interval"`
	RetryDelay   time.Duration `toml:"retry_delay"`
}

// TelegramConfig enables the native notification strategy when both fields are set.
type TelegramConfig struct {
	Token  string `toml:"token"`
	ChatID int64  `toml:"chat_id"`
}

type NotifyConfig struct {
	FallbackInterval time.Duration `toml:"fallback_interval"`
	WeatherWindow    time.Duration `toml:"weather_window"`
	MaxPerBatch      int           `toml:"max_per_batch"`
	MinSeverity      string        `toml:"min_severity"`
}

type RemindersConfig struct {
	TemplatesPath string        `toml:"templates_path"`
	Retention     time.Duration `toml:"retention"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Load reads the TOML file at path (skipped when empty), applies AGRISYNC_*
// environment overrides and fills in defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration holding only defaults.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(c *Config) {
	setDefault(&c.Server.Addr, ":8080")
	setDefault(&c.Database.Path, "agrisync.db")
	setDefault(&c.Source.UserAgent, "agrisync/1.0")
	setDefault(&c.Source.Timeout, 30*time.Second)
	setDefault(&c.Source.MaxBytes, 2<<20)
	setDefault(&c.Cache.TTL, 6*time.Hour)
	setDefault(&c.Scheduler.TickInterval, time.Minute)
	setDefault(&c.Scheduler.RetryDelay, 30*time.Minute)
	setDefault(&c.Notify.FallbackInterval, time.Minute)
	setDefault(&c.Notify.WeatherWindow, 6*time.Hour)
	setDefault(&c.Notify.MaxPerBatch, 3)
	setDefault(&c.Notify.MinSeverity, "high")
	setDefault(&c.Reminders.Retention, 30*24*time.Hour)
	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "text")
}

func setDefault[T comparable](field *T, v T) {
	var zero T
	if *field == zero {
		*field = v
	}
}
