package main

import (
	"context"
	"deltasync/pkg/api"
	"deltasync/pkg/app"
	"deltasync/pkg/config"
	"deltasync/pkg/core"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	configPath := flag.String("config", "", "Path to deltasync.yaml")
	interval := flag.Duration("interval", 0, "Run every table on this interval (0 disables the scheduler)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.Log, os.Stdout)

	a, err := app.Open(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *interval > 0 {
		go schedule(ctx, a, *interval)
	}

	srv := api.NewServer(a.Syncer, api.WithLogger(logger), api.WithJournal(a.Journal))
	logger.Info().Int("tables", len(cfg.Tables)).Str("output", cfg.Output.Root).Msg("deltasync server starting")
	if err := srv.Start(ctx, cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server stopped")
	}
}

func schedule(ctx context.Context, a *app.App, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := a.Syncer.RunAll(ctx, core.RunOptions{}); err != nil {
			a.Logger.Warn().Err(err).Msg("scheduled run finished with failures")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
