package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"agrisync/internal/api"
	"agrisync/internal/scheduler"
)

var (
	serveAddr  string
	serveDebug bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP trigger surface",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP bind address (overrides config)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "expose pprof under /debug/pprof")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	setupLogging(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	fallbackDone := make(chan struct{})
	go func() {
		defer close(fallbackDone)
		a.notifier.Fallback().Run(ctx)
	}()
	if err := a.scheduler.Start(ctx); err != nil {
		cancel()
		<-fallbackDone
		return err
	}

	handler := api.NewServerWithDebug(api.Deps{
		Data:      a.data,
		Tasks:     a.scheduler,
		Reminders: a.reminders,
		Alerts:    a.inbox,
		Metrics:   a.metrics.Handler(),
		Strategy:  a.notifier.Strategy,
	}, serveDebug)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)

	if err := a.scheduler.Stop(); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
		log.Warn().Err(err).Msg("stop scheduler")
	}
	cancel()
	<-fallbackDone
	return nil
}
