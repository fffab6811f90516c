package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"agrisync/internal/acquisition"
	"agrisync/internal/clock"
	"agrisync/internal/config"
	"agrisync/internal/domain"
	"agrisync/internal/handlers/cleanup"
	"agrisync/internal/handlers/refresh"
	"agrisync/internal/handlers/reminders"
	"agrisync/internal/metrics"
	"agrisync/internal/notify"
	"agrisync/internal/reminder"
	"agrisync/internal/scheduler"
	"agrisync/internal/store"
)

// app holds every component wired from one configuration.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	metrics   *metrics.Metrics
	inbox     *notify.Inbox
	notifier  *notify.Manager
	data      *acquisition.Service
	reminders *reminder.Engine
	scheduler *scheduler.Service
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.LoadEnvFile(envFile, cmd.Flags().Changed("env-file")); err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func setupLogging(c config.LoggingConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if strings.EqualFold(c.Format, "json") {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	repo := store.NewSQLite(db)
	clk := clock.Real{}
	m := metrics.New("agrisync")

	inbox := notify.NewInbox(0)
	fallback := notify.NewFallback(inbox, clk, cfg.Notify.FallbackInterval)
	var detect notify.Detector
	if cfg.Telegram.Token != "" {
		detect = notify.TelegramDetector(cfg.Telegram.Token, cfg.Telegram.ChatID)
	}
	manager := notify.NewManager(detect, fallback, m)
	manager.Initialize(ctx)

	minSev, err := domain.ParseSeverity(cfg.Notify.MinSeverity)
	if err != nil {
		db.Close()
		return nil, err
	}
	advisory := notify.NewAdvisoryNotifier(manager, repo, clk, notify.AdvisoryConfig{
		Window:      cfg.Notify.WeatherWindow,
		MaxPerBatch: cfg.Notify.MaxPerBatch,
		MinSeverity: &minSev,
	})

	fetcher := acquisition.NewHTTPFetcher(cfg.Source.URL, cfg.Source.Timeout)
	fetcher.UserAgent = cfg.Source.UserAgent
	fetcher.MaxBytes = cfg.Source.MaxBytes
	data := acquisition.NewService(fetcher, acquisition.NewHeuristicParser(), repo, advisory, clk, acquisition.Config{
		TTL:               cfg.Cache.TTL,
		BackgroundTimeout: cfg.Source.Timeout,
		Metrics:           m,
	})

	templates, err := reminder.LoadTemplates(cfg.Reminders.TemplatesPath)
	if err != nil {
		db.Close()
		return nil, err
	}
	engine := reminder.NewEngine(repo, manager, clk, templates)
	engine.WatchFallback(manager)

	handlers := map[domain.TaskType]scheduler.Handler{
		domain.TaskDataRefresh:   refresh.Refresh{Source: data},
		domain.TaskReminderCheck: reminders.Check{Checker: engine},
		domain.TaskCleanup: cleanup.Cleanup{
			Reminders: engine,
			Alerts:    fallback,
			Clock:     clk,
			Retention: cfg.Reminders.Retention,
		},
	}
	sched := scheduler.NewService(repo, handlers, clk, scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
		RetryDelay:   cfg.Scheduler.RetryDelay,
		Metrics:      m,
	})
	if err := sched.Initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		db:        db,
		metrics:   m,
		inbox:     inbox,
		notifier:  manager,
		data:      data,
		reminders: engine,
		scheduler: sched,
	}, nil
}

func (a *app) Close() {
	a.data.Shutdown()
	if err := a.db.Close(); err != nil {
		log.Warn().Err(err).Msg("close db")
	}
}
