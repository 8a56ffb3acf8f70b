package grpc

import (
	"context"
	"log/slog"

	"github.com/alexandernizov/sessionclient/internal/domain"
	"github.com/alexandernizov/sessionclient/internal/metrics"
	"github.com/alexandernizov/sessionclient/internal/pkg/logger/sl"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const authorizationKey = "authorization"

type TokenSource interface {
	Get() domain.TokenPair
}

type Refresher interface {
	Renew(ctx context.Context, stale string) (domain.TokenPair, error)
}

// UnaryAuthInterceptor is the gRPC counterpart of client.Transport: it sends
// the access token as bearer metadata and answers codes.Unauthenticated with
// one refresh and one retry. Methods listed in skip go out untouched.
func UnaryAuthInterceptor(log *slog.Logger, tokens TokenSource, refresher Refresher, m *metrics.Metrics, skip ...string) grpc.UnaryClientInterceptor {
	skipped := make(map[string]bool, len(skip))
	for _, method := range skip {
		skipped[method] = true
	}

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if skipped[method] {
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		sent := tokens.Get()
		err := invoker(withBearer(ctx, sent.Access), method, req, reply, cc, opts...)
		if status.Code(err) != codes.Unauthenticated {
			return err
		}

		current := tokens.Get()
		if current.Refresh == "" {
			return err
		}

		access := current.Access
		if access == sent.Access {
			pair, refreshErr := refresher.Renew(ctx, sent.Access)
			if refreshErr != nil {
				log.Info("refresh failed, returning original error",
					slog.String("op", "grpc.UnaryAuthInterceptor"),
					slog.String("method", method),
					sl.Err(refreshErr),
				)
				return err
			}
			access = pair.Access
		}

		m.Retry("grpc")
		return invoker(withBearer(ctx, access), method, req, reply, cc, opts...)
	}
}

func withBearer(ctx context.Context, access string) context.Context {
	if access == "" {
		return ctx
	}
	md, ok := metadata.FromOutgoingContext(ctx)
	if ok {
		md = md.Copy()
	} else {
		md = metadata.MD{}
	}
	md.Set(authorizationKey, bearerPrefix+access)
	return metadata.NewOutgoingContext(ctx, md)
}
