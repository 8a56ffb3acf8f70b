package mockapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandernizov/sessionclient/internal/client"
)

var secretTest = []byte("test-secret")

func newTestAPI(t *testing.T, opt Options) (*MockAPI, *client.API) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opt.Secret == nil {
		opt.Secret = secretTest
	}
	m := New(log, opt)
	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)

	return m, client.NewAPI(log, srv.URL+"/api", srv.Client())
}

func TestMockAPI_Signup(t *testing.T) {
	tests := []struct {
		name       string
		username   string
		email      string
		password   string
		wantStatus int
		wantDetail string
	}{
		{
			name:     "success",
			username: "bob",
			email:    "bob@example.com",
			password: "secret",
		},
		{
			name:       "username_taken",
			username:   "alice",
			email:      "other@example.com",
			password:   "secret",
			wantStatus: http.StatusConflict,
			wantDetail: "Username already taken",
		},
		{
			name:       "email_registered",
			username:   "alice2",
			email:      "ALICE@example.com",
			password:   "secret",
			wantStatus: http.StatusConflict,
			wantDetail: "Email already registered",
		},
		{
			name:       "missing_password",
			username:   "carol",
			email:      "carol@example.com",
			wantStatus: http.StatusUnprocessableEntity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, api := newTestAPI(t, Options{})
			_, err := api.Signup(context.Background(), "alice", "alice@example.com", "secret")
			require.NoError(t, err)

			res, err := api.Signup(context.Background(), tt.username, tt.email, tt.password)
			if tt.wantStatus == 0 {
				require.NoError(t, err)
				assert.Equal(t, tt.username, res.User.Username)
				assert.Equal(t, ProviderLocal, res.User.AuthProvider)
				assert.False(t, res.Tokens.IsEmpty())
				return
			}

			var apiErr *client.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.wantStatus, apiErr.Status)
			if tt.wantDetail != "" {
				assert.Equal(t, tt.wantDetail, apiErr.Detail)
			}
		})
	}
}

func TestMockAPI_Login(t *testing.T) {
	m, api := newTestAPI(t, Options{})
	_, err := api.Signup(context.Background(), "alice", "alice@example.com", "secret")
	require.NoError(t, err)

	res, err := api.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.True(t, m.ValidAccess(res.Tokens.Access))
	assert.False(t, m.ValidAccess(res.Tokens.Refresh), "refresh token is not an access token")

	_, err = api.Login(context.Background(), "alice", "wrong")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "Invalid password.", apiErr.Detail)

	_, err = api.Login(context.Background(), "nobody", "secret")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Username not found. Please sign up first.", apiErr.Detail)
}

func TestMockAPI_RefreshRotates(t *testing.T) {
	m, api := newTestAPI(t, Options{})
	res, err := api.Signup(context.Background(), "alice", "alice@example.com", "secret")
	require.NoError(t, err)

	rotated, err := api.Refresh(context.Background(), res.Tokens.Refresh)
	require.NoError(t, err)
	assert.NotEqual(t, res.Tokens.Refresh, rotated.Refresh)
	assert.True(t, m.ValidAccess(rotated.Access))

	_, err = api.Refresh(context.Background(), res.Tokens.Refresh)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "Invalid or expired refresh token. Please log in again.", apiErr.Detail)

	assert.Equal(t, int64(2), m.RefreshCalls())
}

func TestMockAPI_ExpireAccessTokens(t *testing.T) {
	m, api := newTestAPI(t, Options{})
	res, err := api.Signup(context.Background(), "alice", "alice@example.com", "secret")
	require.NoError(t, err)

	m.ExpireAccessTokens()
	assert.False(t, m.ValidAccess(res.Tokens.Access))

	rotated, err := api.Refresh(context.Background(), res.Tokens.Refresh)
	require.NoError(t, err)
	assert.True(t, m.ValidAccess(rotated.Access))
}

func TestMockAPI_LogoutRevokesRefreshTokens(t *testing.T) {
	m, _ := newTestAPI(t, Options{})
	first, err := m.Signup("alice", "alice@example.com", "secret")
	require.NoError(t, err)
	second, err := m.Login("alice", "secret")
	require.NoError(t, err)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/auth/logout", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+second.Tokens.Access)
	req.Header.Set(headerRequestID, "req-1")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-1", resp.Header.Get(headerRequestID))
	assert.JSONEq(t, `{"message":"Logged out successfully","tokens_revoked":2}`, string(body))

	_, err = m.Refresh(first.Tokens.Refresh)
	assert.ErrorIs(t, err, ErrInvalidRefresh)
	_, err = m.Refresh(second.Tokens.Refresh)
	assert.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestMockAPI_Me(t *testing.T) {
	m, _ := newTestAPI(t, Options{})
	res, err := m.Signup("alice", "alice@example.com", "secret")
	require.NoError(t, err)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{name: "no_token", wantStatus: http.StatusUnauthorized, wantBody: `{"detail":"Not authenticated"}`},
		{name: "garbage", header: "Bearer nope", wantStatus: http.StatusUnauthorized, wantBody: `{"detail":"Invalid or expired token"}`},
		{name: "refresh_token", header: "Bearer " + res.Tokens.Refresh, wantStatus: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + res.Tokens.Access, wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/auth/me", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := srv.Client().Do(req)
			require.NoError(t, err)
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, string(body))
			}
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
			}
		})
	}
}

func TestMockAPI_Google(t *testing.T) {
	t.Run("not_configured", func(t *testing.T) {
		_, api := newTestAPI(t, Options{})
		resp, err := http.Get(api.GoogleLoginURL())
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	})

	t.Run("callback_redirects_with_tokens", func(t *testing.T) {
		m, api := newTestAPI(t, Options{FrontendURL: "http://localhost:8080", ConsentCode: "c1"})
		m.RegisterGoogleCode("c1", GoogleAccount{ID: "g1", Email: "Al.Ice@example.com"})

		noFollow := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}}
		resp, err := noFollow.Get(strings.TrimSuffix(api.GoogleLoginURL(), "/auth/google") + "/auth/google/callback?code=c1")
		require.NoError(t, err)
		resp.Body.Close()

		require.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
		loc, err := resp.Location()
		require.NoError(t, err)
		assert.Equal(t, "/auth/callback", loc.Path)
		assert.True(t, m.ValidAccess(loc.Query().Get("access_token")))
		assert.NotEmpty(t, loc.Query().Get("refresh_token"))
	})

	t.Run("callback_unknown_code", func(t *testing.T) {
		_, api := newTestAPI(t, Options{FrontendURL: "http://localhost:8080"})

		noFollow := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}}
		resp, err := noFollow.Get(strings.TrimSuffix(api.GoogleLoginURL(), "/auth/google") + "/auth/google/callback?code=bad")
		require.NoError(t, err)
		resp.Body.Close()

		loc, err := resp.Location()
		require.NoError(t, err)
		assert.Equal(t, "token_exchange_failed", loc.Query().Get("error"))
	})

	t.Run("token_exchange_links_existing_user", func(t *testing.T) {
		m, api := newTestAPI(t, Options{})
		_, err := m.Signup("alice", "alice@example.com", "secret")
		require.NoError(t, err)
		m.RegisterGoogleCode("c2", GoogleAccount{ID: "g2", Email: "alice@example.com"})

		res, err := api.ExchangeGoogleCode(context.Background(), "c2", "")
		require.NoError(t, err)
		assert.Equal(t, "alice", res.User.Username)
		assert.Equal(t, ProviderLocalGoogle, res.User.AuthProvider)

		_, err = api.ExchangeGoogleCode(context.Background(), "unknown", "")
		var apiErr *client.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	})

	t.Run("new_google_user_gets_username", func(t *testing.T) {
		m, _ := newTestAPI(t, Options{})
		_, err := m.Signup("al_ice", "someone@example.com", "secret")
		require.NoError(t, err)
		m.RegisterGoogleCode("c3", GoogleAccount{ID: "g3", Email: "Al.Ice@example.com"})

		res, err := m.GoogleLogin("c3")
		require.NoError(t, err)
		assert.Equal(t, "al_ice_1", res.User.Username)
		assert.Equal(t, ProviderGoogle, res.User.AuthProvider)

		_, err = m.Login("al_ice_1", "anything")
		var providerErr *ProviderError
		assert.ErrorAs(t, err, &providerErr)
	})
}
