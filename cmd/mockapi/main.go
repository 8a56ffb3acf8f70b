package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexandernizov/sessionclient/internal/config"
	"github.com/alexandernizov/sessionclient/internal/grpc"
	"github.com/alexandernizov/sessionclient/internal/mockapi"
	"github.com/alexandernizov/sessionclient/internal/pkg/logger/sl"
)

const (
	envLocal = "local"
	envProd  = "prod"
)

func main() {
	var path string
	flag.StringVar(&path, "config", "configs/mockapi.yaml", "path to config file")
	flag.Parse()

	cfg := config.MustLoadMockAPIByPath(path)

	log := setupLogger(cfg.Env)
	log.Info("starting mock api", slog.String("env", cfg.Env))

	api := mockapi.New(log, mockapi.Options{
		AccessTTL:   cfg.AccessTTL,
		RefreshTTL:  cfg.RefreshTTL,
		Secret:      []byte(cfg.Secret),
		FrontendURL: cfg.Google.FrontendURL,
		ConsentCode: cfg.Google.Code,
	})
	api.RegisterGoogleCode(cfg.Google.Code, mockapi.GoogleAccount{ID: cfg.Google.ID, Email: cfg.Google.Email})

	grpcServer := grpc.NewServer(log)
	if err := grpcServer.Start(grpc.ServerOptions{Address: cfg.GrpcAddr, Validator: api}); err != nil {
		log.Error("can't start grpc server", sl.Err(err))
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              cfg.HttpAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("http server is running", slog.String("addr", cfg.HttpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("error during start http server", sl.Err(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	log.Info("stopping mock api")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("error during shutdown http server", sl.Err(err))
	}
	grpcServer.Stop()
	log.Info("mock api stopped")
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envProd:
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		panic("unknown enviroment")
	}

	return log
}
