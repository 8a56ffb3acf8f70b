package grpc

import (
	"fmt"
	"log/slog"

	"github.com/alexandernizov/sessionclient/internal/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type ConnOptions struct {
	Target    string
	Tokens    TokenSource
	Refresher Refresher
	Metrics   *metrics.Metrics
	// Skip lists full method names sent without credentials.
	Skip []string
	// Extra is appended to the dial options, e.g. a bufconn dialer in tests.
	Extra []grpc.DialOption
}

// NewClientConn returns a connection whose unary calls carry the session
// credentials. The caller owns the connection and must close it.
func NewClientConn(log *slog.Logger, opt ConnOptions) (*grpc.ClientConn, error) {
	const op = "grpc.NewClientConn"

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(
			UnaryLoggingInterceptor(log),
			UnaryAuthInterceptor(log, opt.Tokens, opt.Refresher, opt.Metrics, opt.Skip...),
		),
	}
	dialOpts = append(dialOpts, opt.Extra...)

	conn, err := grpc.NewClient(opt.Target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return conn, nil
}
