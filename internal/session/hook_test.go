package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeClearer struct {
	mux  sync.Mutex
	live bool
	gen  uint64
}

func (f *fakeClearer) ClearIf(ctx context.Context, gen uint64) (bool, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	if f.gen != gen {
		return false, nil
	}
	was := f.live
	f.live = false
	return was, nil
}

func (f *fakeClearer) Clear(ctx context.Context) (bool, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	was := f.live
	f.live = false
	return was, nil
}

func TestHook_RegisterReplaces(t *testing.T) {
	var h Hook
	var first, second []Reason

	h.Register(func(r Reason) { first = append(first, r) })
	unregister := h.Register(func(r Reason) { second = append(second, r) })

	h.Fire(ReasonLogout)
	assert.Empty(t, first)
	assert.Equal(t, []Reason{ReasonLogout}, second)

	unregister()
	h.Fire(ReasonRefreshFailed)
	assert.Equal(t, []Reason{ReasonLogout}, second)
}

func TestHook_StaleUnregisterKeepsNewCallback(t *testing.T) {
	var h Hook
	var fired int

	unregisterOld := h.Register(func(Reason) {})
	h.Register(func(Reason) { fired++ })
	unregisterOld()

	h.Fire(ReasonLogout)
	assert.Equal(t, 1, fired)
}

func TestHook_FireWithoutCallback(t *testing.T) {
	var h Hook
	assert.NotPanics(t, func() { h.Fire(ReasonLogout) })
}

func TestExpirer_FiresOncePerSession(t *testing.T) {
	store := &fakeClearer{live: true}
	hook := &Hook{}
	var fired atomic.Int32
	var observed atomic.Int32
	hook.Register(func(Reason) { fired.Add(1) })

	e := NewExpirer(slog.Default(), store, hook)
	e.Observe(func(context.Context, Reason) { observed.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Expire(context.Background(), ReasonRefreshFailed)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, int32(1), observed.Load())

	store.live = true
	assert.True(t, e.Expire(context.Background(), ReasonLogout))
	assert.Equal(t, int32(2), fired.Load())
}

func TestExpirer_AnonymousDoesNotFire(t *testing.T) {
	hook := &Hook{}
	fired := false
	hook.Register(func(Reason) { fired = true })

	e := NewExpirer(slog.Default(), &fakeClearer{}, hook)
	assert.False(t, e.Expire(context.Background(), ReasonLogout))
	assert.False(t, fired)
}

func TestExpirer_ExpireIfIgnoresNewerSession(t *testing.T) {
	store := &fakeClearer{live: true, gen: 2}
	hook := &Hook{}
	fired := 0
	hook.Register(func(Reason) { fired++ })

	e := NewExpirer(slog.Default(), store, hook)
	assert.False(t, e.ExpireIf(context.Background(), 1, ReasonRefreshFailed))
	assert.True(t, store.live)
	assert.Equal(t, 0, fired)

	assert.True(t, e.ExpireIf(context.Background(), 2, ReasonRefreshFailed))
	assert.Equal(t, 1, fired)
}
