package mockapi

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexandernizov/sessionclient/internal/domain"
	"github.com/alexandernizov/sessionclient/internal/pkg/jwt"
	"github.com/alexandernizov/sessionclient/internal/pkg/logger/sl"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	ProviderLocal       = "local"
	ProviderGoogle      = "google"
	ProviderLocalGoogle = "local+google"
)

var (
	ErrUsernameTaken     = errors.New("username already taken")
	ErrEmailRegistered   = errors.New("email already registered")
	ErrUserNotFound      = errors.New("user not found")
	ErrInvalidPassword   = errors.New("invalid password")
	ErrInvalidRefresh    = errors.New("invalid or expired refresh token")
	ErrUnknownUser       = errors.New("user not found or deactivated")
	ErrUnknownGoogleCode = errors.New("unknown authorization code")
)

// GoogleAccount is what the fake identity provider reports for a code.
type GoogleAccount struct {
	ID    string
	Email string
}

type user struct {
	domain.User
	passHash []byte
	googleID string
}

type refreshRecord struct {
	userID  string
	revoked bool
}

type Options struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Secret     []byte
	// FrontendURL is where the Google callback sends the browser. Google
	// login is reported as not configured when it is empty.
	FrontendURL string
	// ConsentCode is handed out by the fake consent screen behind /auth/google.
	ConsentCode string
}

// MockAPI is an in-memory stand-in for the session backend. It issues real
// signed tokens, rotates refresh tokens on use and revokes them on logout.
type MockAPI struct {
	log *slog.Logger
	opt Options

	mux        sync.Mutex
	users      map[string]*user
	byUsername map[string]string
	byEmail    map[string]string
	refresh    map[string]*refreshRecord
	access     map[string]bool
	google     map[string]GoogleAccount

	refreshCalls atomic.Int64
}

func New(log *slog.Logger, opt Options) *MockAPI {
	if opt.AccessTTL == 0 {
		opt.AccessTTL = 15 * time.Minute
	}
	if opt.RefreshTTL == 0 {
		opt.RefreshTTL = 7 * 24 * time.Hour
	}
	return &MockAPI{
		log:        log,
		opt:        opt,
		users:      make(map[string]*user),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
		refresh:    make(map[string]*refreshRecord),
		access:     make(map[string]bool),
		google:     make(map[string]GoogleAccount),
	}
}

// RegisterGoogleCode makes code exchangeable for account.
func (m *MockAPI) RegisterGoogleCode(code string, account GoogleAccount) {
	m.mux.Lock()
	m.google[code] = account
	m.mux.Unlock()
}

// RefreshCalls reports how many refresh requests reached the backend.
func (m *MockAPI) RefreshCalls() int64 {
	return m.refreshCalls.Load()
}

// ExpireAccessTokens invalidates every access token issued so far, as if
// their lifetime had run out. Refresh tokens are untouched.
func (m *MockAPI) ExpireAccessTokens() {
	m.mux.Lock()
	for id := range m.access {
		m.access[id] = false
	}
	m.mux.Unlock()
}

// ValidAccess reports whether token is a live access token of a known user.
func (m *MockAPI) ValidAccess(token string) bool {
	_, err := m.authenticate(token)
	return err == nil
}

func (m *MockAPI) Signup(username, email, password string) (domain.AuthResult, error) {
	const op = "mockapi.Signup"
	log := m.log.With(slog.String("op", op))

	passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return domain.AuthResult{}, fmt.Errorf("%s: %w", op, err)
	}

	m.mux.Lock()
	defer m.mux.Unlock()

	if _, ok := m.byUsername[username]; ok {
		return domain.AuthResult{}, ErrUsernameTaken
	}
	email = strings.ToLower(email)
	if _, ok := m.byEmail[email]; ok {
		return domain.AuthResult{}, ErrEmailRegistered
	}

	u := &user{
		User:     domain.User{ID: uuid.NewString(), Username: username, Email: email, AuthProvider: ProviderLocal},
		passHash: passHash,
	}
	m.addLocked(u)
	log.Info("user signed up", slog.String("user_id", u.ID))

	return m.issueLocked(u)
}

func (m *MockAPI) Login(username, password string) (domain.AuthResult, error) {
	const op = "mockapi.Login"
	log := m.log.With(slog.String("op", op))

	m.mux.Lock()
	defer m.mux.Unlock()

	id, ok := m.byUsername[username]
	if !ok {
		return domain.AuthResult{}, ErrUserNotFound
	}
	u := m.users[id]
	if u.passHash == nil {
		return domain.AuthResult{}, &ProviderError{Provider: u.AuthProvider}
	}
	if err := bcrypt.CompareHashAndPassword(u.passHash, []byte(password)); err != nil {
		log.Info("invalid credentials", slog.String("user_id", u.ID))
		return domain.AuthResult{}, ErrInvalidPassword
	}

	return m.issueLocked(u)
}

// Refresh rotates: the presented token is revoked and a new pair is issued.
func (m *MockAPI) Refresh(refreshToken string) (domain.AuthResult, error) {
	m.refreshCalls.Add(1)

	claims, err := jwt.ParseTyped(refreshToken, jwt.TypeRefresh, m.opt.Secret)
	if err != nil {
		return domain.AuthResult{}, ErrInvalidRefresh
	}

	m.mux.Lock()
	defer m.mux.Unlock()

	rec, ok := m.refresh[claims.ID]
	if !ok || rec.revoked || rec.userID != claims.UserID {
		return domain.AuthResult{}, ErrInvalidRefresh
	}
	rec.revoked = true

	u, ok := m.users[claims.UserID]
	if !ok {
		return domain.AuthResult{}, ErrUnknownUser
	}
	return m.issueLocked(u)
}

// Logout revokes every refresh token of the user and reports how many were live.
func (m *MockAPI) Logout(userID string) int {
	m.mux.Lock()
	defer m.mux.Unlock()

	count := 0
	for _, rec := range m.refresh {
		if rec.userID == userID && !rec.revoked {
			rec.revoked = true
			count++
		}
	}
	return count
}

func (m *MockAPI) User(userID string) (domain.User, bool) {
	m.mux.Lock()
	defer m.mux.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return domain.User{}, false
	}
	return u.User, true
}

// GoogleLogin finds the user behind code, linking or creating an account.
func (m *MockAPI) GoogleLogin(code string) (domain.AuthResult, error) {
	const op = "mockapi.GoogleLogin"
	log := m.log.With(slog.String("op", op))

	m.mux.Lock()
	defer m.mux.Unlock()

	account, ok := m.google[code]
	if !ok {
		return domain.AuthResult{}, ErrUnknownGoogleCode
	}
	email := strings.ToLower(account.Email)

	for _, u := range m.users {
		if u.googleID == account.ID {
			return m.issueLocked(u)
		}
	}

	if id, ok := m.byEmail[email]; ok {
		u := m.users[id]
		u.googleID = account.ID
		if u.AuthProvider == ProviderLocal {
			u.AuthProvider = ProviderLocalGoogle
		}
		log.Info("linked google account to existing user", slog.String("user_id", u.ID))
		return m.issueLocked(u)
	}

	u := &user{
		User:     domain.User{ID: uuid.NewString(), Username: m.usernameFromLocked(email), Email: email, AuthProvider: ProviderGoogle},
		googleID: account.ID,
	}
	m.addLocked(u)
	log.Info("created google user", slog.String("user_id", u.ID))

	return m.issueLocked(u)
}

var nonUsername = regexp.MustCompile(`[^a-z0-9_]`)

func (m *MockAPI) usernameFromLocked(email string) string {
	base, _, _ := strings.Cut(email, "@")
	base = nonUsername.ReplaceAllString(strings.ToLower(base), "_")
	if len(base) < 3 {
		base += "_user"
	}

	username := base
	for i := 1; ; i++ {
		if _, taken := m.byUsername[username]; !taken {
			return username
		}
		username = fmt.Sprintf("%s_%d", base, i)
	}
}

func (m *MockAPI) addLocked(u *user) {
	m.users[u.ID] = u
	m.byUsername[u.Username] = u.ID
	if u.Email != "" {
		m.byEmail[u.Email] = u.ID
	}
}

func (m *MockAPI) issueLocked(u *user) (domain.AuthResult, error) {
	pair, err := jwt.NewPair(u.ID, u.Username, m.opt.AccessTTL, m.opt.RefreshTTL, m.opt.Secret)
	if err != nil {
		return domain.AuthResult{}, err
	}
	m.access[pair.AccessID] = true
	m.refresh[pair.RefreshID] = &refreshRecord{userID: u.ID}

	return domain.AuthResult{
		Tokens: domain.TokenPair{Access: pair.Access, Refresh: pair.Refresh},
		User:   u.User,
	}, nil
}

// authenticate returns the user id behind a live access token.
func (m *MockAPI) authenticate(token string) (string, error) {
	claims, err := jwt.ParseTyped(token, jwt.TypeAccess, m.opt.Secret)
	if err != nil {
		return "", err
	}

	m.mux.Lock()
	defer m.mux.Unlock()

	if !m.access[claims.ID] {
		return "", jwt.ErrInvalidToken
	}
	if _, ok := m.users[claims.UserID]; !ok {
		return "", jwt.ErrInvalidToken
	}
	return claims.UserID, nil
}

// ProviderError rejects a password login for an account created through
// another provider.
type ProviderError struct {
	Provider string
}

func (e *ProviderError) Error() string {
	return "account uses " + e.Provider + " login"
}
