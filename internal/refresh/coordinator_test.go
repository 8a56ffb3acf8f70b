package refresh_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexandernizov/sessionclient/internal/domain"
	"github.com/alexandernizov/sessionclient/internal/metrics"
	"github.com/alexandernizov/sessionclient/internal/refresh"
	"github.com/alexandernizov/sessionclient/internal/refresh/mocks"
	"github.com/alexandernizov/sessionclient/internal/session"
	"github.com/alexandernizov/sessionclient/internal/storage/inmemory"
	"github.com/alexandernizov/sessionclient/internal/tokenstore"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// gatedBackend blocks every call until release is closed.
type gatedBackend struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	pair    domain.TokenPair
	err     error
}

func newGatedBackend(pair domain.TokenPair, err error) *gatedBackend {
	return &gatedBackend{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
		pair:    pair,
		err:     err,
	}
}

func (g *gatedBackend) Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	g.calls.Add(1)
	g.entered <- struct{}{}
	<-g.release
	return g.pair, g.err
}

type fixture struct {
	kv      *inmemory.Inmemory
	store   *tokenstore.Store
	hook    *session.Hook
	expirer *session.Expirer
	metrics *metrics.Metrics
	fired   *atomic.Int32
}

func newFixture(t *testing.T, pair domain.TokenPair) fixture {
	t.Helper()

	log := slog.Default()
	kv := inmemory.New(log)
	store := tokenstore.New(log, kv, "")
	if !pair.IsEmpty() {
		require.NoError(t, store.Set(context.Background(), pair))
	}

	hook := &session.Hook{}
	fired := &atomic.Int32{}
	hook.Register(func(session.Reason) { fired.Add(1) })

	return fixture{
		kv:      kv,
		store:   store,
		hook:    hook,
		expirer: session.NewExpirer(log, store, hook),
		metrics: metrics.New(),
		fired:   fired,
	}
}

func (f fixture) coordinator(backend refresh.Backend) *refresh.Coordinator {
	return refresh.New(slog.Default(), f.store, backend, f.expirer, time.Second, f.metrics)
}

func TestCoordinator_SingleFlight(t *testing.T) {
	const callers = 8

	f := newFixture(t, domain.TokenPair{Access: "A1", Refresh: "R1"})
	next := domain.TokenPair{Access: "A2", Refresh: "R2"}
	backend := newGatedBackend(next, nil)
	c := f.coordinator(backend)

	results := make([]domain.TokenPair, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Refresh(context.Background())
		}(i)
	}

	<-backend.entered
	// give the remaining callers time to join the flight
	time.Sleep(50 * time.Millisecond)
	close(backend.release)
	wg.Wait()

	assert.Equal(t, int32(1), backend.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, next, results[i])
	}
	assert.Equal(t, next, f.store.Get())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RefreshTotal.WithLabelValues("success")))
	assert.Equal(t, float64(callers), testutil.ToFloat64(f.metrics.RefreshWaiters))
	assert.Zero(t, f.fired.Load())
}

func TestCoordinator_FailureEndsSessionOnce(t *testing.T) {
	f := newFixture(t, domain.TokenPair{Access: "A1", Refresh: "R1"})
	backendErr := errors.New("401 Invalid refresh token")
	backend := newGatedBackend(domain.TokenPair{}, backendErr)
	c := f.coordinator(backend)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Refresh(context.Background())
		}(i)
	}

	<-backend.entered
	time.Sleep(50 * time.Millisecond)
	close(backend.release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, refresh.ErrRefreshFailed)
		assert.ErrorIs(t, err, backendErr)
	}
	assert.Equal(t, int32(1), backend.calls.Load())
	assert.True(t, f.store.Get().IsEmpty())
	assert.Equal(t, int32(1), f.fired.Load())
}

func TestCoordinator_MarkerClearedAfterCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.TokenPair{Access: "A1", Refresh: "R1"})

	backend := mocks.NewBackend(t)
	backend.On("Refresh", mock.Anything, "R1").
		Return(domain.TokenPair{Access: "A2", Refresh: "R2"}, nil).Once()
	backend.On("Refresh", mock.Anything, "R2").
		Return(domain.TokenPair{Access: "A3", Refresh: "R3"}, nil).Once()

	c := f.coordinator(backend)

	pair, err := c.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A2", pair.Access)

	pair, err = c.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A3", pair.Access)
	assert.Equal(t, domain.TokenPair{Access: "A3", Refresh: "R3"}, f.store.Get())
}

func TestCoordinator_RenewAfterRotation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.TokenPair{Access: "A2", Refresh: "R2"})
	backend := mocks.NewBackend(t)
	c := f.coordinator(backend)

	// the request went out with A1 and the pair was rotated before it came back
	pair, err := c.Renew(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, domain.TokenPair{Access: "A2", Refresh: "R2"}, pair)
	backend.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)

	backend.On("Refresh", mock.Anything, "R2").
		Return(domain.TokenPair{Access: "A3", Refresh: "R3"}, nil).Once()

	pair, err = c.Renew(ctx, "A2")
	require.NoError(t, err)
	assert.Equal(t, "A3", pair.Access)
}

func TestCoordinator_PairRotatedByAnotherProcess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.TokenPair{Access: "A1", Refresh: "R1"})
	other := tokenstore.New(slog.Default(), f.kv, "")
	_, err := other.Load(ctx)
	require.NoError(t, err)

	backend := mocks.NewBackend(t)
	backend.On("Refresh", mock.Anything, "R1").
		Run(func(mock.Arguments) {
			_, gen := other.Snapshot()
			assert.NoError(t, other.Rotate(ctx, gen, domain.TokenPair{Access: "B2", Refresh: "S2"}))
		}).
		Return(domain.TokenPair{Access: "A2", Refresh: "R2"}, nil).Once()

	pair, err := f.coordinator(backend).Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenPair{Access: "B2", Refresh: "S2"}, pair)
	assert.Equal(t, pair, f.store.Get())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RefreshTotal.WithLabelValues("discarded")))
	assert.Zero(t, f.fired.Load())
}

func TestCoordinator_NoRefreshToken(t *testing.T) {
	f := newFixture(t, domain.TokenPair{})
	backend := mocks.NewBackend(t)
	c := f.coordinator(backend)

	_, err := c.Refresh(context.Background())
	assert.ErrorIs(t, err, refresh.ErrNoRefreshToken)
	backend.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
	assert.Zero(t, f.fired.Load())
}

func TestCoordinator_LogoutDuringRefresh(t *testing.T) {
	f := newFixture(t, domain.TokenPair{Access: "A1", Refresh: "R1"})
	backend := newGatedBackend(domain.TokenPair{Access: "A2", Refresh: "R2"}, nil)
	c := f.coordinator(backend)

	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background())
		done <- err
	}()

	<-backend.entered
	require.True(t, f.expirer.Expire(context.Background(), session.ReasonLogout))
	close(backend.release)

	err := <-done
	assert.ErrorIs(t, err, refresh.ErrSessionEnded)
	assert.True(t, f.store.Get().IsEmpty(), "late refresh result must not resurrect the session")
	assert.Equal(t, int32(1), f.fired.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RefreshTotal.WithLabelValues("discarded")))
}

func TestCoordinator_StaleFailureKeepsNewSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.TokenPair{Access: "A1", Refresh: "R1"})
	backend := newGatedBackend(domain.TokenPair{}, errors.New("boom"))
	c := f.coordinator(backend)

	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx)
		done <- err
	}()

	<-backend.entered
	fresh := domain.TokenPair{Access: "B1", Refresh: "S1"}
	require.NoError(t, f.store.Set(ctx, fresh))
	close(backend.release)

	assert.ErrorIs(t, <-done, refresh.ErrRefreshFailed)
	assert.Equal(t, fresh, f.store.Get())
	assert.Zero(t, f.fired.Load())
}

func TestCoordinator_WaiterCancelDoesNotAbortRefresh(t *testing.T) {
	f := newFixture(t, domain.TokenPair{Access: "A1", Refresh: "R1"})
	next := domain.TokenPair{Access: "A2", Refresh: "R2"}
	backend := newGatedBackend(next, nil)
	c := f.coordinator(backend)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx)
		first <- err
	}()

	<-backend.entered
	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	second := make(chan domain.TokenPair, 1)
	go func() {
		pair, _ := c.Refresh(context.Background())
		second <- pair
	}()
	time.Sleep(20 * time.Millisecond)
	close(backend.release)

	assert.Equal(t, next, <-second)
	assert.Equal(t, int32(1), backend.calls.Load())
	assert.Equal(t, next, f.store.Get())
}
