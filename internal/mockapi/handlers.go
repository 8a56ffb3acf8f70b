package mockapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alexandernizov/sessionclient/internal/domain"
)

const (
	headerRequestID = "X-Request-ID"
	bearerPrefix    = "Bearer "
)

type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	TokenType    string      `json:"token_type"`
	User         domain.User `json:"user"`
}

func newTokenResponse(res domain.AuthResult) tokenResponse {
	return tokenResponse{
		AccessToken:  res.Tokens.Access,
		RefreshToken: res.Tokens.Refresh,
		TokenType:    "bearer",
		User:         res.User,
	}
}

type validationError struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// Handler serves the backend contract under /api.
func (m *MockAPI) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(echoRequestID)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/signup", m.handleSignup)
		r.Post("/login", m.handleLogin)
		r.Post("/refresh", m.handleRefresh)
		r.Get("/google", m.handleGoogle)
		r.Get("/google/callback", m.handleGoogleCallback)
		r.Post("/google/token", m.handleGoogleToken)

		r.Group(func(r chi.Router) {
			r.Use(m.requireAccess)
			r.Post("/logout", m.handleLogout)
			r.Get("/me", m.handleMe)
		})
	})
	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	return r
}

func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(headerRequestID); id != "" {
			w.Header().Set(headerRequestID, id)
		}
		next.ServeHTTP(w, r)
	})
}

type ctxKey struct{}

func contextWithUser(r *http.Request, userID string) context.Context {
	return context.WithValue(r.Context(), ctxKey{}, userID)
}

func userFromContext(r *http.Request) string {
	userID, _ := r.Context().Value(ctxKey{}).(string)
	return userID
}

func (m *MockAPI) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeDetail(w, http.StatusUnauthorized, "Not authenticated")
			return
		}

		userID, err := m.authenticate(strings.TrimPrefix(header, bearerPrefix))
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeDetail(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(contextWithUser(r, userID)))
	})
}

func (m *MockAPI) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	if missing := missingFields(map[string]string{"username": req.Username, "email": req.Email, "password": req.Password}); len(missing) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": missing})
		return
	}

	res, err := m.Signup(req.Username, req.Email, req.Password)
	switch {
	case errors.Is(err, ErrUsernameTaken):
		writeDetail(w, http.StatusConflict, "Username already taken")
	case errors.Is(err, ErrEmailRegistered):
		writeDetail(w, http.StatusConflict, "Email already registered")
	case err != nil:
		writeDetail(w, http.StatusServiceUnavailable, "Database error. Please try again.")
	default:
		writeJSON(w, http.StatusOK, newTokenResponse(res))
	}
}

func (m *MockAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	if missing := missingFields(map[string]string{"username": req.Username, "password": req.Password}); len(missing) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": missing})
		return
	}

	res, err := m.Login(req.Username, req.Password)
	var providerErr *ProviderError
	switch {
	case errors.Is(err, ErrUserNotFound):
		writeDetail(w, http.StatusUnauthorized, "Username not found. Please sign up first.")
	case errors.Is(err, ErrInvalidPassword):
		writeDetail(w, http.StatusUnauthorized, "Invalid password.")
	case errors.As(err, &providerErr):
		writeDetail(w, http.StatusBadRequest,
			"This account uses "+providerErr.Provider+" login. Please sign in with "+providerErr.Provider+".")
	case err != nil:
		writeDetail(w, http.StatusServiceUnavailable, "Database error. Please try again.")
	default:
		writeJSON(w, http.StatusOK, newTokenResponse(res))
	}
}

func (m *MockAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, r, &req) {
		return
	}

	res, err := m.Refresh(req.RefreshToken)
	switch {
	case errors.Is(err, ErrUnknownUser):
		writeDetail(w, http.StatusUnauthorized, "User not found or deactivated.")
	case err != nil:
		writeDetail(w, http.StatusUnauthorized, "Invalid or expired refresh token. Please log in again.")
	default:
		writeJSON(w, http.StatusOK, newTokenResponse(res))
	}
}

func (m *MockAPI) handleLogout(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r)
	count := m.Logout(userID)
	m.log.Info("user logged out", slog.String("user_id", userID), slog.Int("tokens_revoked", count))

	writeJSON(w, http.StatusOK, map[string]any{"message": "Logged out successfully", "tokens_revoked": count})
}

func (m *MockAPI) handleMe(w http.ResponseWriter, r *http.Request) {
	u, ok := m.User(userFromContext(r))
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// handleGoogle stands in for the consent screen: it approves at once and
// sends the browser to the callback with the configured code.
func (m *MockAPI) handleGoogle(w http.ResponseWriter, r *http.Request) {
	if m.opt.FrontendURL == "" || m.opt.ConsentCode == "" {
		writeDetail(w, http.StatusNotImplemented, "Google OAuth is not configured.")
		return
	}
	target := "/api/auth/google/callback?" + url.Values{"code": {m.opt.ConsentCode}}.Encode()
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (m *MockAPI) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	if m.opt.FrontendURL == "" {
		writeDetail(w, http.StatusNotImplemented, "Google OAuth is not configured.")
		return
	}

	query := r.URL.Query()
	if providerErr := query.Get("error"); providerErr != "" {
		m.frontendRedirect(w, r, url.Values{"error": {providerErr}})
		return
	}
	code := query.Get("code")
	if code == "" {
		writeDetail(w, http.StatusBadRequest, "Missing authorization code")
		return
	}

	res, err := m.GoogleLogin(code)
	if err != nil {
		m.frontendRedirect(w, r, url.Values{"error": {"token_exchange_failed"}})
		return
	}
	m.frontendRedirect(w, r, url.Values{
		"access_token":  {res.Tokens.Access},
		"refresh_token": {res.Tokens.Refresh},
	})
}

func (m *MockAPI) frontendRedirect(w http.ResponseWriter, r *http.Request, params url.Values) {
	target := strings.TrimSuffix(m.opt.FrontendURL, "/") + "/auth/callback?" + params.Encode()
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (m *MockAPI) handleGoogleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code        string `json:"code"`
		RedirectURI string `json:"redirect_uri"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Code == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": missingFields(map[string]string{"code": ""})})
		return
	}

	res, err := m.GoogleLogin(req.Code)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Failed to exchange authorization code with Google.")
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(res))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": []validationError{
			{Loc: []string{"body"}, Msg: "invalid JSON body", Type: "value_error.jsondecode"},
		}})
		return false
	}
	return true
}

func missingFields(fields map[string]string) []validationError {
	var missing []validationError
	for _, name := range []string{"username", "email", "password", "code"} {
		value, ok := fields[name]
		if ok && value == "" {
			missing = append(missing, validationError{Loc: []string{"body", name}, Msg: "field required", Type: "value_error.missing"})
		}
	}
	return missing
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
