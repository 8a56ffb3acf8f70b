package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexandernizov/sessionclient/internal/domain"
	"github.com/alexandernizov/sessionclient/internal/pkg/logger/sl"
	"github.com/alexandernizov/sessionclient/internal/session"
)

// PublishTimeout bounds one event delivery. Session end events are published
// from inside the shared refresh call, so a stalled broker must not hold its
// waiters for long.
const PublishTimeout = 2 * time.Second

//go:generate mockery --name=Backend --output=mocks --outpkg=mocks
type Backend interface {
	Login(ctx context.Context, username, password string) (domain.AuthResult, error)
	Signup(ctx context.Context, username, email, password string) (domain.AuthResult, error)
	ExchangeGoogleCode(ctx context.Context, code, redirectURI string) (domain.AuthResult, error)
	Logout(ctx context.Context) error
	Me(ctx context.Context) (domain.User, error)
}

//go:generate mockery --name=TokenStore --output=mocks --outpkg=mocks
type TokenStore interface {
	Get() domain.TokenPair
	Set(ctx context.Context, pair domain.TokenPair) error
	Load(ctx context.Context) (domain.TokenPair, error)
}

//go:generate mockery --name=Expirer --output=mocks --outpkg=mocks
type Expirer interface {
	Expire(ctx context.Context, reason session.Reason) bool
	Observe(fn func(ctx context.Context, reason session.Reason))
}

//go:generate mockery --name=Publisher --output=mocks --outpkg=mocks
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

type Service struct {
	log       *slog.Logger
	backend   Backend
	store     TokenStore
	expirer   Expirer
	publisher Publisher

	mux  sync.RWMutex
	user domain.User
}

func NewService(log *slog.Logger, backend Backend, store TokenStore, expirer Expirer, publisher Publisher) *Service {
	s := &Service{
		log:       log,
		backend:   backend,
		store:     store,
		expirer:   expirer,
		publisher: publisher,
	}
	expirer.Observe(s.sessionEnded)
	return s
}

func (s *Service) Login(ctx context.Context, username, password string) (domain.User, error) {
	const op = "auth.Login"

	res, err := s.backend.Login(ctx, username, password)
	if err != nil {
		return domain.User{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.start(ctx, res, domain.EventLogin); err != nil {
		return domain.User{}, fmt.Errorf("%s: %w", op, err)
	}
	return res.User, nil
}

func (s *Service) Signup(ctx context.Context, username, email, password string) (domain.User, error) {
	const op = "auth.Signup"

	res, err := s.backend.Signup(ctx, username, email, password)
	if err != nil {
		return domain.User{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.start(ctx, res, domain.EventSignup); err != nil {
		return domain.User{}, fmt.Errorf("%s: %w", op, err)
	}
	return res.User, nil
}

func (s *Service) ExchangeGoogleCode(ctx context.Context, code, redirectURI string) (domain.User, error) {
	const op = "auth.ExchangeGoogleCode"

	res, err := s.backend.ExchangeGoogleCode(ctx, code, redirectURI)
	if err != nil {
		return domain.User{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.start(ctx, res, domain.EventOAuthLogin); err != nil {
		return domain.User{}, fmt.Errorf("%s: %w", op, err)
	}
	return res.User, nil
}

func (s *Service) start(ctx context.Context, res domain.AuthResult, event domain.EventType) error {
	log := s.log.With(slog.String("op", "auth.start"), slog.String("event", string(event)))

	if err := s.store.Set(ctx, res.Tokens); err != nil {
		log.Error("can't store session", sl.Err(err))
		return err
	}
	s.setUser(res.User)

	log.Info("session started", slog.String("user_id", res.User.ID))
	s.publish(ctx, domain.Event{Type: event, UserID: res.User.ID})
	return nil
}

// Logout tells the backend to revoke the session, then ends it locally
// whatever the backend said.
func (s *Service) Logout(ctx context.Context) error {
	const op = "auth.Logout"
	log := s.log.With(slog.String("op", op))

	if s.store.Get().IsEmpty() {
		return nil
	}

	if err := s.backend.Logout(ctx); err != nil {
		log.Warn("backend logout failed", sl.Err(err))
	}
	s.expirer.Expire(ctx, session.ReasonLogout)
	return nil
}

func (s *Service) Me(ctx context.Context) (domain.User, error) {
	const op = "auth.Me"

	user, err := s.backend.Me(ctx)
	if err != nil {
		return domain.User{}, fmt.Errorf("%s: %w", op, err)
	}
	s.setUser(user)
	return user, nil
}

func (s *Service) User() domain.User {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.user
}

func (s *Service) Session() domain.Session {
	return domain.NewSession(s.store.Get())
}

func (s *Service) Status() domain.Status {
	return s.Session().Status
}

func (s *Service) setUser(user domain.User) {
	s.mux.Lock()
	s.user = user
	s.mux.Unlock()
}

func (s *Service) sessionEnded(ctx context.Context, reason session.Reason) {
	s.mux.Lock()
	userID := s.user.ID
	s.user = domain.User{}
	s.mux.Unlock()

	s.publish(ctx, domain.Event{Type: domain.EventSessionEnded, Reason: string(reason), UserID: userID})
}

func (s *Service) publish(ctx context.Context, event domain.Event) {
	if s.publisher == nil {
		return
	}
	event.At = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), PublishTimeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn("can't publish session event",
			slog.String("op", "auth.publish"),
			slog.String("type", string(event.Type)),
			sl.Err(err),
		)
	}
}
