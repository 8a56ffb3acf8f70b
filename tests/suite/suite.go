package suite

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alexandernizov/sessionclient/internal/app"
	"github.com/alexandernizov/sessionclient/internal/config"
	"github.com/alexandernizov/sessionclient/internal/grpc"
	"github.com/alexandernizov/sessionclient/internal/mockapi"
	"github.com/alexandernizov/sessionclient/internal/services/auth"
	"github.com/alexandernizov/sessionclient/internal/session"
	"github.com/alexandernizov/sessionclient/internal/storage"
	"github.com/alexandernizov/sessionclient/internal/storage/inmemory"
)

const (
	// FrontendURL is where the backend sends the browser after Google login.
	// Tests swap it for the address of the client they drive.
	FrontendURL = "http://frontend.invalid"
	ConsentCode = "consent"

	requestTimeout = 5 * time.Second
)

var secret = []byte("suite-secret")

type Suite struct {
	*testing.T
	Log        *slog.Logger
	Backend    *mockapi.MockAPI
	BackendURL string
	GrpcTarget string
}

func New(t *testing.T) (context.Context, *Suite) {
	t.Helper()
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	backend := mockapi.New(log, mockapi.Options{
		Secret:      secret,
		FrontendURL: FrontendURL,
		ConsentCode: ConsentCode,
	})
	srv := httptest.NewServer(backend.Handler())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("can't listen for grpc: %v", err)
	}
	grpcServer := grpc.NewServer(log)
	if err := grpcServer.Start(grpc.ServerOptions{Listener: lis, Validator: backend}); err != nil {
		t.Fatalf("grpc server start failed: %v", err)
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), 30*time.Second)

	t.Cleanup(func() {
		t.Helper()
		cancelCtx()
		grpcServer.Stop()
		srv.Close()
	})

	return ctx, &Suite{
		T:          t,
		Log:        log,
		Backend:    backend,
		BackendURL: srv.URL + "/api",
		GrpcTarget: lis.Addr().String(),
	}
}

// Client is one running session client.
type Client struct {
	*app.App
	// Addr is the local callback server.
	Addr string

	mux     sync.Mutex
	reasons []session.Reason
}

// Logouts returns every reason the logout hook fired with.
func (c *Client) Logouts() []session.Reason {
	c.mux.Lock()
	defer c.mux.Unlock()
	return append([]session.Reason(nil), c.reasons...)
}

// Start runs a client over kv, bootstrapping from start when it is not nil.
// A nil kv gets a fresh in-memory store.
func (s *Suite) Start(ctx context.Context, kv storage.KV, start *url.URL) *Client {
	s.Helper()

	if kv == nil {
		kv = inmemory.New(s.Log)
	}

	cfg := &config.Config{
		Env: "test",
		APIConfig: config.APIConfig{
			BaseURL:        s.BackendURL,
			RequestTimeout: requestTimeout,
			RefreshTimeout: requestTimeout,
		},
		StorageConfig: config.StorageConfig{Driver: app.DriverInmemory, Key: "session"},
		HttpConfig:    config.HttpConfig{Addr: "127.0.0.1:0"},
		GrpcConfig:    config.GrpcConfig{Target: s.GrpcTarget},
	}

	a, err := app.New(s.Log, cfg, app.WithKV(kv))
	if err != nil {
		s.Fatalf("can't build client: %v", err)
	}

	c := &Client{App: a}
	a.OnLogout(func(reason session.Reason) {
		c.mux.Lock()
		c.reasons = append(c.reasons, reason)
		c.mux.Unlock()
	})

	addr, err := a.Start(ctx, auth.NewURLNavigator(start))
	if err != nil {
		s.Fatalf("can't start client: %v", err)
	}
	c.Addr = "http://" + addr

	s.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		a.Stop(stopCtx)
	})
	return c
}
