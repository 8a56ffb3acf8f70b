// Package refresh renews the token pair. At most one renewal is in flight at
// a time; callers arriving while it runs share its result.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexandernizov/sessionclient/internal/domain"
	"github.com/alexandernizov/sessionclient/internal/metrics"
	"github.com/alexandernizov/sessionclient/internal/pkg/logger/sl"
	"github.com/alexandernizov/sessionclient/internal/session"
	"github.com/alexandernizov/sessionclient/internal/tokenstore"
	"golang.org/x/sync/singleflight"
)

const (
	flightKey      = "refresh"
	DefaultTimeout = 15 * time.Second
)

var (
	ErrNoRefreshToken = errors.New("no refresh token")
	ErrRefreshFailed  = errors.New("refresh failed")
	ErrSessionEnded   = errors.New("session ended while refreshing")
)

type Store interface {
	Snapshot() (domain.TokenPair, uint64)
	Rotate(ctx context.Context, gen uint64, pair domain.TokenPair) error
}

//go:generate mockery --name=Backend --output=mocks --outpkg=mocks
type Backend interface {
	Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error)
}

type Expirer interface {
	ExpireIf(ctx context.Context, gen uint64, reason session.Reason) bool
}

type Coordinator struct {
	log     *slog.Logger
	store   Store
	backend Backend
	expirer Expirer
	timeout time.Duration
	metrics *metrics.Metrics

	group singleflight.Group
}

func New(log *slog.Logger, store Store, backend Backend, expirer Expirer, timeout time.Duration, m *metrics.Metrics) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		log:     log,
		store:   store,
		backend: backend,
		expirer: expirer,
		timeout: timeout,
		metrics: m,
	}
}

// Refresh joins the in-flight renewal or starts one. ctx only bounds how long
// this caller waits; the renewal itself runs to completion for everyone else.
func (c *Coordinator) Refresh(ctx context.Context) (domain.TokenPair, error) {
	return c.Renew(ctx, "")
}

// Renew is Refresh for a request that failed carrying the access token stale.
// When the store has moved past stale by the time the renewal starts, the
// current pair is returned without calling the backend.
func (c *Coordinator) Renew(ctx context.Context, stale string) (domain.TokenPair, error) {
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx), stale)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.SharedRefresh()
		}
		if res.Err != nil {
			return domain.TokenPair{}, res.Err
		}
		return res.Val.(domain.TokenPair), nil
	case <-ctx.Done():
		return domain.TokenPair{}, ctx.Err()
	}
}

func (c *Coordinator) refresh(ctx context.Context, stale string) (domain.TokenPair, error) {
	const op = "refresh.Refresh"
	log := c.log.With(slog.String("op", op))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pair, gen := c.store.Snapshot()
	if pair.Refresh == "" {
		return domain.TokenPair{}, fmt.Errorf("%s: %w", op, ErrNoRefreshToken)
	}
	if stale != "" && pair.Access != stale {
		log.Debug("already rotated")
		return pair, nil
	}

	next, err := c.backend.Refresh(ctx, pair.Refresh)
	if err != nil {
		c.metrics.Refresh("failure")
		log.Warn("backend refused refresh", sl.Err(err))
		c.expirer.ExpireIf(context.WithoutCancel(ctx), gen, session.ReasonRefreshFailed)
		return domain.TokenPair{}, fmt.Errorf("%s: %w: %w", op, ErrRefreshFailed, err)
	}

	err = c.store.Rotate(ctx, gen, next)
	if errors.Is(err, tokenstore.ErrStaleRotation) {
		c.metrics.Refresh("discarded")
		// a pair rotated by another process sharing the storage is still usable
		if current, _ := c.store.Snapshot(); !current.IsEmpty() {
			log.Info("using pair rotated elsewhere")
			return current, nil
		}
		return domain.TokenPair{}, fmt.Errorf("%s: %w", op, ErrSessionEnded)
	}
	if err != nil {
		c.metrics.Refresh("failure")
		log.Error("can't store rotated pair", sl.Err(err))
		c.expirer.ExpireIf(context.WithoutCancel(ctx), gen, session.ReasonRefreshFailed)
		return domain.TokenPair{}, fmt.Errorf("%s: %w: %w", op, ErrRefreshFailed, err)
	}

	c.metrics.Refresh("success")
	log.Info("tokens rotated")
	return next, nil
}
