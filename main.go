package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
)

func main() {
	mode := flag.String("mode", ModeAll, "The mode of the current process, possible values are: all, worker, scheduler, server, seed, migrate")
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	monitorPath := flag.String("monitor", "monitor.yaml", "Path to monitor file (only for seed mode)")
	flag.Parse()

	config, err := LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.SetDefault(NewLogger(os.Stderr, config.Log.Level, config.Log.Format))

	switch *mode {
	case ModeAll, ModeWorker, ModeScheduler, ModeServer, ModeSeed, ModeMigrate:
	default:
		slog.Error("unknown mode", slog.String("mode", *mode))
		os.Exit(1)
	}

	if config.Sentry.Dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              config.Sentry.Dsn,
			SampleRate:       config.Sentry.ErrorSampleRate,
			EnableTracing:    config.Sentry.TracesSampleRate > 0,
			TracesSampleRate: config.Sentry.TracesSampleRate,
			Debug:            config.Sentry.Debug,
			ServerName:       "uptimeguard-" + *mode,
		})
		if err != nil {
			slog.Error("failed to initialize sentry", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := NewApp(ctx, config)
	if err != nil {
		slog.Error("failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}

	switch *mode {
	case ModeMigrate:
		slog.Info("database schema is up to date", slog.String("driver", config.Database.Driver))
	case ModeSeed:
		err = app.Seed(ctx, *monitorPath)
	default:
		err = app.Run(ctx, *mode)
	}

	if closeErr := app.Close(); closeErr != nil {
		slog.Warn("failed to close connections", slog.String("error", closeErr.Error()))
	}
	if err != nil {
		slog.Error("exited with error", slog.String("mode", *mode), slog.String("error", err.Error()))
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
}
