package grpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

func unaryLoggingInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		log.Debug("request", slog.String("method", info.FullMethod))

		resp, err := handler(ctx, req)
		if err != nil {
			code := status.Code(err)
			switch code {
			case codes.Unauthenticated:
				log.Warn("unauthenticated call", slog.String("method", info.FullMethod))
			default:
				log.Warn("request error", slog.String("method", info.FullMethod), slog.String("code", code.String()))
			}
		}

		return resp, err
	}
}

// UnaryLoggingInterceptor logs outbound calls. Request payloads are never
// logged since they may carry credentials.
func UnaryLoggingInterceptor(log *slog.Logger) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()

		err := invoker(ctx, method, req, reply, cc, opts...)

		attrs := []any{
			slog.String("method", method),
			slog.String("code", status.Code(err).String()),
			slog.Duration("took", time.Since(start)),
		}
		if msg, ok := req.(proto.Message); ok {
			attrs = append(attrs, slog.Int("req_bytes", proto.Size(msg)))
		}
		if err != nil {
			log.Warn("outbound call failed", attrs...)
		} else {
			log.Debug("outbound call", attrs...)
		}
		return err
	}
}
