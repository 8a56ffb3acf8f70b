package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexandernizov/sessionclient/internal/domain"
	"github.com/alexandernizov/sessionclient/internal/domain/errs"
	"github.com/alexandernizov/sessionclient/internal/pkg/logger/sl"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadResponse  = errors.New("malformed response from backend")
)

// APIError is any non-2xx answer from the backend.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned status %d", e.Status)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Detail)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized, errs.ErrUnauthenticated:
		return e.Status == http.StatusUnauthorized
	}
	return false
}

// API speaks the backend's auth contract. Which credentials it carries
// depends on the http.Client it was built with: the refresh call must go
// through a client without the authenticating Transport.
type API struct {
	log        *slog.Logger
	baseURL    string
	httpClient *http.Client
}

func NewAPI(log *slog.Logger, baseURL string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &API{log: log, baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient}
}

type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	TokenType    string      `json:"token_type"`
	User         domain.User `json:"user"`
}

func (t tokenResponse) result() (domain.AuthResult, error) {
	pair := domain.TokenPair{Access: t.AccessToken, Refresh: t.RefreshToken}
	if pair.IsEmpty() {
		return domain.AuthResult{}, ErrBadResponse
	}
	return domain.AuthResult{Tokens: pair, User: t.User}, nil
}

func (a *API) Login(ctx context.Context, username, password string) (domain.AuthResult, error) {
	const op = "client.Login"

	var resp tokenResponse
	req := map[string]string{"username": username, "password": password}
	if err := a.Do(WithCredentials(ctx), http.MethodPost, "/auth/login", req, &resp); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return domain.AuthResult{}, fmt.Errorf("%s: %w: %w", op, errs.ErrInvalidCredentials, err)
		}
		return domain.AuthResult{}, fmt.Errorf("%s: %w", op, err)
	}
	res, err := resp.result()
	if err != nil {
		return domain.AuthResult{}, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

func (a *API) Signup(ctx context.Context, username, email, password string) (domain.AuthResult, error) {
	const op = "client.Signup"

	var resp tokenResponse
	req := map[string]string{"username": username, "email": email, "password": password}
	if err := a.Do(WithCredentials(ctx), http.MethodPost, "/auth/signup", req, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			return domain.AuthResult{}, fmt.Errorf("%s: %w: %w", op, errs.ErrUserAlreadyExists, err)
		}
		return domain.AuthResult{}, fmt.Errorf("%s: %w", op, err)
	}
	res, err := resp.result()
	if err != nil {
		return domain.AuthResult{}, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// ExchangeGoogleCode trades an authorization code obtained by the caller for
// a session.
func (a *API) ExchangeGoogleCode(ctx context.Context, code, redirectURI string) (domain.AuthResult, error) {
	const op = "client.ExchangeGoogleCode"

	var resp tokenResponse
	req := map[string]string{"code": code}
	if redirectURI != "" {
		req["redirect_uri"] = redirectURI
	}
	if err := a.Do(WithCredentials(ctx), http.MethodPost, "/auth/google/token", req, &resp); err != nil {
		return domain.AuthResult{}, fmt.Errorf("%s: %w", op, err)
	}
	res, err := resp.result()
	if err != nil {
		return domain.AuthResult{}, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

func (a *API) GoogleLoginURL() string {
	return a.baseURL + "/auth/google"
}

func (a *API) Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	const op = "client.Refresh"

	var resp tokenResponse
	req := map[string]string{"refresh_token": refreshToken}
	if err := a.Do(ctx, http.MethodPost, "/auth/refresh", req, &resp); err != nil {
		return domain.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}
	pair := domain.TokenPair{Access: resp.AccessToken, Refresh: resp.RefreshToken}
	if pair.IsEmpty() {
		return domain.TokenPair{}, fmt.Errorf("%s: %w", op, ErrBadResponse)
	}
	return pair, nil
}

func (a *API) Logout(ctx context.Context) error {
	const op = "client.Logout"

	if err := a.Do(ctx, http.MethodPost, "/auth/logout", nil, nil); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (a *API) Me(ctx context.Context) (domain.User, error) {
	const op = "client.Me"

	var user domain.User
	if err := a.Do(ctx, http.MethodGet, "/auth/me", nil, &user); err != nil {
		return domain.User{}, fmt.Errorf("%s: %w", op, err)
	}
	return user, nil
}

// Do sends in as JSON (if not nil) and decodes a 2xx body into out (if not nil).
func (a *API) Do(ctx context.Context, method, path string, in, out any) error {
	const op = "client.Do"
	log := a.log.With(slog.String("op", op), slog.String("method", method), slog.String("path", path))

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		log.Warn("request failed", sl.Err(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Detail: readDetail(resp.Body)}
		log.Debug("backend rejected request", slog.Int("status", resp.StatusCode))
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.Warn("can't decode response", sl.Err(err))
		return fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	return nil
}

const maxErrorBody = 64 << 10

func readDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || len(payload.Detail) == 0 {
		return strings.TrimSpace(string(raw))
	}
	var detail string
	if err := json.Unmarshal(payload.Detail, &detail); err == nil {
		return detail
	}
	return string(payload.Detail)
}
