package grpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"

	"github.com/alexandernizov/sessionclient/internal/pkg/logger/sl"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const bearerPrefix = "Bearer "

var (
	ErrServerIsAlreadyRunning = errors.New("server is already running")
)

// TokenValidator checks an access token presented by a caller.
type TokenValidator interface {
	ValidAccess(token string) bool
}

// Server exposes the standard health service behind bearer authentication.
// The fake backend runs it so the client interceptors have something to talk to.
type Server struct {
	log       *slog.Logger
	server    *grpc.Server
	health    *health.Server
	isRunning bool
}

func NewServer(log *slog.Logger) *Server {
	return &Server{log: log}
}

type ServerOptions struct {
	Address string
	// Listener overrides Address when set.
	Listener  net.Listener
	Validator TokenValidator
}

func (s *Server) Start(opt ServerOptions) error {
	const op = "grpc.Start"
	log := s.log.With(slog.String("op", op))

	if s.isRunning {
		log.Error("can't start server", sl.Err(ErrServerIsAlreadyRunning))
		return ErrServerIsAlreadyRunning
	}

	listener := opt.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", opt.Address)
		if err != nil {
			log.Error("can't make listener", sl.Err(err))
			return err
		}
	}

	s.server = grpc.NewServer(grpc.ChainUnaryInterceptor(
		unaryLoggingInterceptor(s.log),
		unaryAuthInterceptor(s.log, opt.Validator),
	))
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)

	log.Info("grpc server is running", slog.String("addr", listener.Addr().String()))

	s.isRunning = true

	go func() {
		err := s.server.Serve(listener)
		if err != nil {
			s.log.Error("error with grpc serve listener", sl.Err(err))
		}
	}()
	return nil
}

func (s *Server) Stop() {
	const op = "grpc.Stop"
	log := s.log.With(slog.String("op", op))

	if !s.isRunning {
		return
	}

	log.Info("grpc is stopping")

	s.health.Shutdown()
	s.server.GracefulStop()
	s.isRunning = false
}

func unaryAuthInterceptor(log *slog.Logger, validator TokenValidator) grpc.UnaryServerInterceptor {
	skip := map[string]bool{
		"/grpc.reflection.v1.ServerReflection/ServerReflectionInfo":      true,
		"/grpc.reflection.v1alpha.ServerReflection/ServerReflectionInfo": true,
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if skip[info.FullMethod] || validator == nil {
			return handler(ctx, req)
		}

		token, err := bearerFromIncoming(ctx)
		if err != nil {
			return nil, err
		}
		if !validator.ValidAccess(token) {
			log.Warn("call with invalid token", slog.String("method", info.FullMethod))
			return nil, status.Error(codes.Unauthenticated, "token is invalid")
		}

		return handler(ctx, req)
	}
}

func bearerFromIncoming(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "metadata not found")
	}

	authHeaders := md.Get(authorizationKey)
	if len(authHeaders) == 0 {
		return "", status.Error(codes.Unauthenticated, "authorization header not found")
	}

	authHeader := authHeaders[0]
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", status.Error(codes.Unauthenticated, "invalid authorization header")
	}
	return strings.TrimPrefix(authHeader, bearerPrefix), nil
}
