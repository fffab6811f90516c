package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "AGRISYNC_"

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set win over the file. A missing file is not an error
// unless the path was given explicitly.
func LoadEnvFile(path string, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

func applyEnv(c *Config) error {
	str := map[string]*string{
		"ADDR":           &c.Server.Addr,
		"DB":             &c.Database.Path,
		"SOURCE_URL":     &c.Source.URL,
		"TELEGRAM_TOKEN": &c.Telegram.Token,
		"TEMPLATES":      &c.Reminders.TemplatesPath,
		"LOG_LEVEL":      &c.Logging.Level,
		"LOG_FORMAT":     &c.Logging.Format,
	}
	for key, field := range str {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*field = v
		}
	}

	durations := map[string]*time.Duration{
		"SOURCE_TIMEOUT": &c.Source.Timeout,
		"CACHE_TTL":      &c.Cache.TTL,
		"TICK_INTERVAL":  &c.Scheduler.TickInterval,
		"RETRY_DELAY":    &c.Scheduler.RetryDelay,
		"WEATHER_WINDOW": &c.Notify.WeatherWindow,
	}
	for key, field := range durations {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*field = d
	}

	if v, ok := os.LookupEnv(envPrefix + "TELEGRAM_CHAT_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sTELEGRAM_CHAT_ID: %w", envPrefix, err)
		}
		c.Telegram.ChatID = id
	}
	if v, ok := os.LookupEnv(envPrefix + "MAX_PER_BATCH"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_PER_BATCH: %w", envPrefix, err)
		}
		c.Notify.MaxPerBatch = n
	}
	if v, ok := os.LookupEnv(envPrefix + "MIN_SEVERITY"); ok {
		c.Notify.MinSeverity = v
	}
	return nil
}
