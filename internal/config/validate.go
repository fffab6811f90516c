package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"agrisync/internal/domain"
)

// Validate returns every problem found, not just the first.
func (c *Config) Validate() []error {
	var errs []error

	if c.Source.URL == "" {
		errs = append(errs, fmt.Errorf("source.url is required"))
	} else if u, err := url.Parse(c.Source.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("source.url must be an absolute http(s) URL: %q", c.Source.URL))
	}
	if c.Database.Path == "" {
		errs = append(errs, fmt.Errorf("database.path is required"))
	}

	positive := map[string]time.Duration{
		"source.timeout":           c.Source.Timeout,
		"cache.ttl":                c.Cache.TTL,
		"scheduler.tick_interval":  c.Scheduler.TickInterval,
		"scheduler.retry_delay":    c.Scheduler.RetryDelay,
		"notify.fallback_interval": c.Notify.FallbackInterval,
		"notify.weather_window":    c.Notify.WeatherWindow,
		"reminders.retention":      c.Reminders.Retention,
	}
	for _, name := range sortedKeys(positive) {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Scheduler.TickInterval > 0 && c.Scheduler.TickInterval < time.Second {
		errs = append(errs, fmt.Errorf("scheduler.tick_interval must be at least 1s"))
	}
	if c.Notify.MaxPerBatch < 1 {
		errs = append(errs, fmt.Errorf("notify.max_per_batch must be >= 1"))
	}
	if _, err := domain.ParseSeverity(c.Notify.MinSeverity); err != nil {
		errs = append(errs, fmt.Errorf("notify.min_severity: %w (expected: low, medium, high, critical)", err))
	}
	if c.Source.MaxBytes < 1 {
		errs = append(errs, fmt.Errorf("source.max_bytes must be >= 1"))
	}

	if (c.Telegram.Token == "") != (c.Telegram.ChatID == 0) {
		errs = append(errs, fmt.Errorf("telegram.token and telegram.chat_id must be set together"))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Errorf("invalid logging.level: %s (expected: debug, info, warn, error)", c.Logging.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Errorf("invalid logging.format: %s (expected: json, text)", c.Logging.Format))
	}

	return errs
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
