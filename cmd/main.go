package main

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexandernizov/sessionclient/internal/app"
	"github.com/alexandernizov/sessionclient/internal/config"
	"github.com/alexandernizov/sessionclient/internal/pkg/logger/sl"
	"github.com/alexandernizov/sessionclient/internal/services/auth"
	"github.com/alexandernizov/sessionclient/internal/session"
)

const (
	envLocal = "local"
	envProd  = "prod"
	envTest  = "test"
)

func main() {
	cfg := config.MustLoad()

	log := setupLogger(cfg.Env)
	log.Info("starting session client", slog.String("env", cfg.Env))

	log.Info("client params",
		slog.String("api", cfg.BaseURL),
		slog.String("storage", cfg.Driver),
		slog.String("http", cfg.HttpConfig.Addr),
		slog.Bool("kafka", cfg.KafkaConfig.Enabled),
	)

	application, err := app.New(log, cfg)
	if err != nil {
		log.Error("can't build application", sl.Err(err))
		os.Exit(1)
	}

	application.OnLogout(func(reason session.Reason) {
		log.Info("signed out, log in again", slog.String("reason", string(reason)))
	})

	var start *url.URL
	if cfg.StartURL != "" {
		start, err = url.Parse(cfg.StartURL)
		if err != nil {
			log.Error("start url is invalid", sl.Err(err))
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	addr, err := application.Start(ctx, auth.NewURLNavigator(start))
	cancel()
	if err != nil {
		log.Error("can't start application", sl.Err(err))
		os.Exit(1)
	}
	log.Info("callback server is listening", slog.String("addr", addr))

	if cfg.GrpcConfig.Target != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		status, err := application.CheckBackend(ctx)
		cancel()
		if err != nil {
			log.Warn("backend health check failed", sl.Err(err))
		} else {
			log.Info("backend health", slog.String("status", status.String()))
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	log.Info("stopping application")

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	application.Stop(ctx)
	log.Info("application stopped")
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envProd:
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	case envTest:
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	default:
		panic("unknown enviroment")
	}

	return log
}
