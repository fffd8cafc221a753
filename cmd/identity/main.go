package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"identity/internal/app"
	"identity/internal/config"
	"identity/internal/lib/logger/handlers/slogpretty"
	"identity/internal/lib/logger/sl"
)

func main() {
	cfg := config.MustLoad()

	log := setupLogger(cfg.Env)
	log.Info("starting identity service",
		slog.String("env", cfg.Env),
		slog.String("storage", cfg.Storage.Driver),
		slog.Bool("redis", cfg.Redis.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, log, cfg)
	if err != nil {
		log.Error("failed to init application", sl.Err(err))
		os.Exit(1)
	}

	if err := application.Run(ctx); err != nil {
		log.Error("application stopped with error", sl.Err(err))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Close(closeCtx); err != nil {
		log.Error("failed to release resources", sl.Err(err))
	}

	log.Info("identity service stopped")
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case config.EnvLocal:
		log = setupPrettySlog()
	case config.EnvDev:
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case config.EnvProd:
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		panic("unknown environment: " + env)
	}

	return log
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}
	h := opts.NewPrettyHandler(os.Stdout)

	return slog.New(h)
}
