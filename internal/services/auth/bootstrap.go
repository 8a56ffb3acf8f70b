package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/alexandernizov/sessionclient/internal/domain"
	"github.com/alexandernizov/sessionclient/internal/domain/errs"
	"github.com/alexandernizov/sessionclient/internal/pkg/logger/sl"
	"github.com/alexandernizov/sessionclient/internal/session"
)

const (
	ParamAccessToken  = "access_token"
	ParamRefreshToken = "refresh_token"
	ParamTokenType    = "token_type"
	ParamError        = "error"
)

// Navigator is the address the session was started from. Replace swaps the
// visible address without adding a history entry.
type Navigator interface {
	Location() *url.URL
	Replace(u *url.URL)
}

// OAuthError is reported by the identity provider redirect through the
// error parameter, e.g. token_exchange_failed or no_email.
type OAuthError struct {
	Code string
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("oauth sign-in failed: %s", e.Code)
}

// Bootstrap restores or installs a session at startup:
//  1. tokens delivered on the navigation target are installed and stripped
//  2. otherwise the persisted pair is loaded
//  3. a pair found either way is validated with me; failure ends it
func (s *Service) Bootstrap(ctx context.Context, nav Navigator) (domain.Session, error) {
	const op = "auth.Bootstrap"
	log := s.log.With(slog.String("op", op))

	delivered, oauthErr := s.ingest(nav)
	if oauthErr != nil {
		log.Warn("identity provider reported an error", slog.String("code", oauthErr.Code))
		return s.Session(), fmt.Errorf("%s: %w", op, oauthErr)
	}

	var pair domain.TokenPair
	if delivered != nil {
		if err := s.store.Set(ctx, *delivered); err != nil {
			log.Error("can't store delivered tokens", sl.Err(err))
			return s.Session(), fmt.Errorf("%s: %w", op, err)
		}
		pair = *delivered
	} else {
		var err error
		pair, err = s.store.Load(ctx)
		if err != nil {
			log.Error("can't load persisted session", sl.Err(err))
			return s.Session(), fmt.Errorf("%s: %w", op, err)
		}
	}

	if pair.IsEmpty() {
		log.Debug("no session to restore")
		return domain.NewSession(domain.TokenPair{}), nil
	}

	user, err := s.backend.Me(ctx)
	if err != nil {
		log.Info("session failed validation", sl.Err(err))
		s.expirer.Expire(ctx, session.ReasonValidationFailed)
		return s.Session(), fmt.Errorf("%s: %w: %w", op, errs.ErrSessionExpired, err)
	}
	s.setUser(user)

	event := domain.EventRestored
	if delivered != nil {
		event = domain.EventOAuthLogin
	}
	log.Info("session ready", slog.String("user_id", user.ID), slog.String("event", string(event)))
	s.publish(ctx, domain.Event{Type: event, UserID: user.ID})

	return s.Session(), nil
}

// ingest reads the redirect parameters and strips every one of them from
// the navigation target, whether or not they form a usable pair.
func (s *Service) ingest(nav Navigator) (*domain.TokenPair, *OAuthError) {
	if nav == nil {
		return nil, nil
	}
	loc := nav.Location()
	if loc == nil {
		return nil, nil
	}

	query := loc.Query()
	stripped := false
	for _, param := range []string{ParamAccessToken, ParamRefreshToken, ParamTokenType, ParamError} {
		if query.Has(param) {
			stripped = true
		}
	}
	if !stripped {
		return nil, nil
	}

	pair := domain.TokenPair{Access: query.Get(ParamAccessToken), Refresh: query.Get(ParamRefreshToken)}
	code := query.Get(ParamError)

	for _, param := range []string{ParamAccessToken, ParamRefreshToken, ParamTokenType, ParamError} {
		query.Del(param)
	}
	clean := *loc
	clean.RawQuery = query.Encode()
	nav.Replace(&clean)

	if code != "" {
		return nil, &OAuthError{Code: code}
	}
	if pair.IsEmpty() {
		s.log.Warn("redirect carried an incomplete token pair", slog.String("op", "auth.ingest"))
		return nil, nil
	}
	return &pair, nil
}

// URLNavigator is a Navigator over a plain URL, such as the loopback OAuth
// callback or an address given on the command line.
type URLNavigator struct {
	mux sync.Mutex
	u   *url.URL
}

func NewURLNavigator(u *url.URL) *URLNavigator {
	return &URLNavigator{u: u}
}

func (n *URLNavigator) Location() *url.URL {
	n.mux.Lock()
	defer n.mux.Unlock()
	if n.u == nil {
		return nil
	}
	u := *n.u
	return &u
}

func (n *URLNavigator) Replace(u *url.URL) {
	n.mux.Lock()
	n.u = u
	n.mux.Unlock()
}
