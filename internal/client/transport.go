package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexandernizov/sessionclient/internal/domain"
	"github.com/alexandernizov/sessionclient/internal/metrics"
	"github.com/alexandernizov/sessionclient/internal/pkg/logger/sl"
	"github.com/google/uuid"
)

const (
	HeaderAuthorization = "Authorization"
	HeaderRequestID     = "X-Request-ID"
)

type TokenSource interface {
	Get() domain.TokenPair
}

type Refresher interface {
	Renew(ctx context.Context, stale string) (domain.TokenPair, error)
}

// Transport attaches the current access token to every request and, on a
// 401, refreshes once and resends once.
type Transport struct {
	log       *slog.Logger
	base      http.RoundTripper
	tokens    TokenSource
	refresher Refresher
	metrics   *metrics.Metrics
}

func NewTransport(log *slog.Logger, base http.RoundTripper, tokens TokenSource, refresher Refresher, m *metrics.Metrics) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{log: log, base: base, tokens: tokens, refresher: refresher, metrics: m}
}

func NewHTTPClient(transport http.RoundTripper, timeout time.Duration) *http.Client {
	return &http.Client{Transport: transport, Timeout: timeout}
}

type retriedKey struct{}

func markRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

func isRetried(ctx context.Context) bool {
	retried, _ := ctx.Value(retriedKey{}).(bool)
	return retried
}

type credentialsKey struct{}

// WithCredentials marks a request that authenticates with credentials in its
// body. A 401 on it rejects those credentials, so it is returned as is and
// the stored session is left alone.
func WithCredentials(ctx context.Context) context.Context {
	return context.WithValue(ctx, credentialsKey{}, true)
}

func carriesCredentials(ctx context.Context) bool {
	ok, _ := ctx.Value(credentialsKey{}).(bool)
	return ok
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	const op = "client.RoundTrip"
	log := t.log.With(slog.String("op", op), slog.String("method", req.Method), slog.String("path", req.URL.Path))

	out, err := replayable(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if out.Header.Get(HeaderRequestID) == "" {
		out.Header.Set(HeaderRequestID, uuid.NewString())
	}

	sent := t.tokens.Get()
	resp, err := t.send(out, sent.Access)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	if isRetried(req.Context()) {
		log.Debug("401 after retry, giving up")
		return resp, nil
	}
	if carriesCredentials(req.Context()) {
		log.Debug("credentials rejected")
		return resp, nil
	}

	current := t.tokens.Get()
	if current.Refresh == "" {
		return resp, nil
	}

	access := current.Access
	if access == sent.Access {
		if err := bufferBody(resp); err != nil {
			log.Warn("can't read 401 body", sl.Err(err))
		}
		pair, err := t.refresher.Renew(req.Context(), sent.Access)
		if err != nil {
			log.Info("refresh failed, returning original response", sl.Err(err))
			return resp, nil
		}
		access = pair.Access
	} else {
		log.Debug("tokens rotated while request was in flight")
	}

	retry, err := rewind(markRetried(req.Context()), out)
	if err != nil {
		log.Warn("can't rewind request body", sl.Err(err))
		return resp, nil
	}
	drain(resp)

	t.metrics.Retry("http")
	return t.send(retry, access)
}

func (t *Transport) send(req *http.Request, access string) (*http.Response, error) {
	if access != "" {
		req.Header.Set(HeaderAuthorization, "Bearer "+access)
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.metrics.Request("error")
		return nil, err
	}
	t.metrics.Request(fmt.Sprintf("%dxx", resp.StatusCode/100))
	return resp, nil
}

// replayable clones req so that its body can be sent twice.
func replayable(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return out, nil
	}

	raw, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	out.Body, _ = out.GetBody()
	out.ContentLength = int64(len(raw))
	return out, nil
}

func rewind(ctx context.Context, req *http.Request) (*http.Request, error) {
	out := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	return out, nil
}

const maxBufferedBody = 1 << 20

// bufferBody frees the connection while a refresh is pending and keeps the
// 401 body readable in case it becomes the final answer.
func bufferBody(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	return err
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBufferedBody))
	resp.Body.Close()
}
