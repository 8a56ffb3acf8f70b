// Package app wires the session client: token storage, refresh coordination,
// the authenticating transports and the local callback server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	grpcpkg "google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/alexandernizov/sessionclient/internal/client"
	"github.com/alexandernizov/sessionclient/internal/config"
	"github.com/alexandernizov/sessionclient/internal/events"
	"github.com/alexandernizov/sessionclient/internal/grpc"
	httpserver "github.com/alexandernizov/sessionclient/internal/http"
	"github.com/alexandernizov/sessionclient/internal/metrics"
	"github.com/alexandernizov/sessionclient/internal/pkg/logger/sl"
	"github.com/alexandernizov/sessionclient/internal/refresh"
	"github.com/alexandernizov/sessionclient/internal/services/auth"
	"github.com/alexandernizov/sessionclient/internal/session"
	"github.com/alexandernizov/sessionclient/internal/storage"
	"github.com/alexandernizov/sessionclient/internal/storage/inmemory"
	"github.com/alexandernizov/sessionclient/internal/storage/postgres"
	"github.com/alexandernizov/sessionclient/internal/storage/redis"
	"github.com/alexandernizov/sessionclient/internal/tokenstore"
)

const (
	DriverInmemory = "inmemory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

var (
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrNoGrpcTarget  = errors.New("grpc target is not configured")
)

type App struct {
	log *slog.Logger
	cfg *config.Config

	Store       *tokenstore.Store
	Hook        *session.Hook
	Expirer     *session.Expirer
	Metrics     *metrics.Metrics
	Coordinator *refresh.Coordinator
	// API carries the session credentials; use it for every backend call.
	API     *client.API
	Service *auth.Service

	httpServer *httpserver.Server
	grpcConn   *grpcpkg.ClientConn
	closers    []func() error
}

// Option adjusts dependencies New would otherwise build from config.
type Option func(*options)

type options struct {
	kv        storage.KV
	publisher auth.Publisher
	base      http.RoundTripper
	grpcExtra []grpcpkg.DialOption
}

func WithKV(kv storage.KV) Option {
	return func(o *options) { o.kv = kv }
}

func WithPublisher(publisher auth.Publisher) Option {
	return func(o *options) { o.publisher = publisher }
}

func WithBaseTransport(base http.RoundTripper) Option {
	return func(o *options) { o.base = base }
}

func WithGrpcDialOptions(opts ...grpcpkg.DialOption) Option {
	return func(o *options) { o.grpcExtra = append(o.grpcExtra, opts...) }
}

func New(log *slog.Logger, cfg *config.Config, opts ...Option) (*App, error) {
	const op = "app.New"

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{log: log, cfg: cfg}

	kv := o.kv
	if kv == nil {
		var err error
		kv, err = a.newKV()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	a.Store = tokenstore.New(log, kv, cfg.Key)
	a.Hook = &session.Hook{}
	a.Expirer = session.NewExpirer(log, a.Store, a.Hook)
	a.Metrics = metrics.New()
	a.Expirer.Observe(func(ctx context.Context, reason session.Reason) {
		a.Metrics.Ended(string(reason))
	})

	// refresh must never go through the authenticating transport
	raw := client.NewAPI(log, cfg.BaseURL, &http.Client{Transport: o.base, Timeout: cfg.RequestTimeout})
	a.Coordinator = refresh.New(log, a.Store, raw, a.Expirer, cfg.RefreshTimeout, a.Metrics)

	transport := client.NewTransport(log, o.base, a.Store, a.Coordinator, a.Metrics)
	a.API = client.NewAPI(log, cfg.BaseURL, client.NewHTTPClient(transport, cfg.RequestTimeout))

	publisher := o.publisher
	if publisher == nil {
		var err error
		publisher, err = a.newPublisher()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	a.Service = auth.NewService(log, a.API, a.Store, a.Expirer, publisher)

	a.httpServer = httpserver.New(
		httpserver.WithLogger(log),
		httpserver.WithHttpAddr(cfg.HttpConfig.Addr),
		httpserver.WithSessionService(a.Service),
		httpserver.WithPrometheus(a.Metrics.Handler()),
	)

	if cfg.GrpcConfig.Target != "" {
		conn, err := grpc.NewClientConn(log, grpc.ConnOptions{
			Target:    cfg.GrpcConfig.Target,
			Tokens:    a.Store,
			Refresher: a.Coordinator,
			Metrics:   a.Metrics,
			Extra:     o.grpcExtra,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		a.grpcConn = conn
		a.closers = append(a.closers, conn.Close)
	}

	return a, nil
}

func (a *App) newKV() (storage.KV, error) {
	switch a.cfg.Driver {
	case DriverInmemory, "":
		return inmemory.New(a.log), nil
	case DriverRedis:
		r, err := redis.NewWithOptions(a.log, redis.RedisOptions{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			Prefix:   a.cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	case DriverPostgres:
		p, err := postgres.NewWithOptions(a.log, postgres.ConnectOptions{
			Host:     a.cfg.Postgres.Host,
			Port:     a.cfg.Postgres.Port,
			User:     a.cfg.Postgres.User,
			Password: a.cfg.Postgres.Password,
			DBname:   a.cfg.Postgres.DBname,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, p.Close)
		if err := p.EnsureSchema(context.Background()); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, a.cfg.Driver)
	}
}

func (a *App) newPublisher() (auth.Publisher, error) {
	if !a.cfg.KafkaConfig.Enabled {
		return events.Discard{}, nil
	}
	p, err := events.NewWithOptions(a.log, events.ConnectOptions{
		Brokers: a.cfg.Brokers,
		Topic:   a.cfg.KafkaConfig.Topic,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, p.Close)
	return p, nil
}

// OnLogout registers the single external logout callback. It replaces any
// earlier one; the returned func unregisters it.
func (a *App) OnLogout(fn func(reason session.Reason)) func() {
	return a.Hook.Register(fn)
}

// Start restores the session from the location behind nav (a redirect that
// may carry tokens) or from storage, then starts the local server. A session that fails
// validation is not an error for Start: the client simply runs anonymous.
func (a *App) Start(ctx context.Context, nav auth.Navigator) (string, error) {
	const op = "app.Start"
	log := a.log.With(slog.String("op", op))

	sess, err := a.Service.Bootstrap(ctx, nav)
	if err != nil {
		log.Warn("session was not restored", sl.Err(err))
	}
	log.Info("session bootstrapped", slog.String("status", sess.Status.String()))

	addr, err := a.httpServer.Start()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return addr, nil
}

// CheckBackend calls the backend's gRPC health service with the session
// credentials.
func (a *App) CheckBackend(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	const op = "app.CheckBackend"

	if a.grpcConn == nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("%s: %w", op, ErrNoGrpcTarget)
	}
	resp, err := healthpb.NewHealthClient(a.grpcConn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("%s: %w", op, err)
	}
	return resp.GetStatus(), nil
}

func (a *App) Stop(ctx context.Context) {
	a.httpServer.Stop(ctx)
	a.Close()
}

// Close releases storage, broker and gRPC connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("can't close resource", sl.Err(err))
		}
	}
	a.closers = nil
}
