// Package session owns the end of a session: clearing the token store and
// telling the outside world about it exactly once per authenticated session.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alexandernizov/sessionclient/internal/pkg/logger/sl"
)

type Reason string

const (
	ReasonLogout           Reason = "logout"
	ReasonRefreshFailed    Reason = "refresh_failed"
	ReasonValidationFailed Reason = "validation_failed"
)

// Hook holds a single externally registered logout callback.
type Hook struct {
	mux sync.Mutex
	fn  func(Reason)
	id  uint64
}

// Register replaces any previous callback. The returned func unregisters fn
// only if it is still the active one.
func (h *Hook) Register(fn func(Reason)) func() {
	h.mux.Lock()
	h.id++
	id := h.id
	h.fn = fn
	h.mux.Unlock()

	return func() {
		h.mux.Lock()
		defer h.mux.Unlock()
		if h.id == id {
			h.fn = nil
		}
	}
}

func (h *Hook) Fire(reason Reason) {
	h.mux.Lock()
	fn := h.fn
	h.mux.Unlock()

	if fn != nil {
		fn(reason)
	}
}

type Clearer interface {
	Clear(ctx context.Context) (bool, error)
	ClearIf(ctx context.Context, gen uint64) (bool, error)
}

type Expirer struct {
	log   *slog.Logger
	store Clearer
	hook  *Hook

	mux       sync.RWMutex
	observers []func(ctx context.Context, reason Reason)
}

func NewExpirer(log *slog.Logger, store Clearer, hook *Hook) *Expirer {
	return &Expirer{log: log, store: store, hook: hook}
}

// Observe adds an internal listener (metrics, event publishing). It runs
// before the logout hook.
func (e *Expirer) Observe(fn func(ctx context.Context, reason Reason)) {
	e.mux.Lock()
	e.observers = append(e.observers, fn)
	e.mux.Unlock()
}

// Expire clears the store and, only if this call removed a live pair, fires
// the hook. Concurrent callers race on Clear and exactly one of them wins.
func (e *Expirer) Expire(ctx context.Context, reason Reason) bool {
	return e.end(ctx, reason, e.store.Clear)
}

// ExpireIf ends the session only if it is still the one observed at gen, so
// a failure that belongs to an older session cannot end a newer one.
func (e *Expirer) ExpireIf(ctx context.Context, gen uint64, reason Reason) bool {
	return e.end(ctx, reason, func(ctx context.Context) (bool, error) {
		return e.store.ClearIf(ctx, gen)
	})
}

func (e *Expirer) end(ctx context.Context, reason Reason, clear func(context.Context) (bool, error)) bool {
	const op = "session.Expire"
	log := e.log.With(slog.String("op", op), slog.String("reason", string(reason)))

	cleared, err := clear(ctx)
	if err != nil {
		log.Error("session cleared in memory only", sl.Err(err))
	}
	if !cleared {
		return false
	}

	log.Info("session ended")

	e.mux.RLock()
	observers := e.observers
	e.mux.RUnlock()
	for _, fn := range observers {
		fn(ctx, reason)
	}

	e.hook.Fire(reason)
	return true
}
