package tests

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/alexandernizov/sessionclient/internal/domain"
	"github.com/alexandernizov/sessionclient/internal/domain/errs"
	"github.com/alexandernizov/sessionclient/internal/mockapi"
	"github.com/alexandernizov/sessionclient/internal/session"
	"github.com/alexandernizov/sessionclient/internal/storage/redis"
	"github.com/alexandernizov/sessionclient/tests/suite"
)

const (
	name  = "alice"
	email = "alice@example.com"
	pass  = "secret"
)

var noFollow = &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}}

type sessionBody struct {
	Status string       `json:"status"`
	User   *domain.User `json:"user"`
}

func getSession(t *testing.T, addr string) sessionBody {
	t.Helper()

	resp, err := http.Get(addr + "/session")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body sessionBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func Test_HappyPath(t *testing.T) {
	ctx, st := suite.New(t)
	c := st.Start(ctx, nil, nil)

	user, err := c.Service.Signup(ctx, name, email, pass)
	require.NoError(t, err)
	assert.Equal(t, name, user.Username)
	assert.Equal(t, domain.StatusAuthenticated, c.Service.Status())

	// every access token dies; concurrent calls share one refresh
	st.Backend.ExpireAccessTokens()
	before := c.Store.Get()

	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = c.API.Me(ctx)
		}(i)
	}
	wg.Wait()
	for _, err := range results {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), st.Backend.RefreshCalls())
	assert.NotEqual(t, before, c.Store.Get())

	status, err := c.CheckBackend(ctx)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	body := getSession(t, c.Addr)
	assert.Equal(t, "authenticated", body.Status)
	require.NotNil(t, body.User)
	assert.Equal(t, name, body.User.Username)

	tokens := c.Store.Get()
	resp, err := http.Post(c.Addr+"/session/logout", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []session.Reason{session.ReasonLogout}, c.Logouts())
	assert.True(t, c.Store.Get().IsEmpty())
	assert.Equal(t, "anonymous", getSession(t, c.Addr).Status)

	_, err = st.Backend.Refresh(tokens.Refresh)
	assert.ErrorIs(t, err, mockapi.ErrInvalidRefresh, "logout revokes refresh tokens on the backend")
}

func Test_RefreshRejected(t *testing.T) {
	ctx, st := suite.New(t)
	c := st.Start(ctx, nil, nil)

	user, err := c.Service.Signup(ctx, name, email, pass)
	require.NoError(t, err)

	st.Backend.ExpireAccessTokens()
	st.Backend.Logout(user.ID)

	_, err = c.API.Me(ctx)
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)

	_, err = c.API.Me(ctx)
	assert.Error(t, err)

	assert.Equal(t, []session.Reason{session.ReasonRefreshFailed}, c.Logouts(), "hook fires once per session")
	assert.Equal(t, domain.StatusAnonymous, c.Service.Status())
	assert.Equal(t, int64(1), st.Backend.RefreshCalls())
}

func Test_WrongPasswordWhileLoggedIn(t *testing.T) {
	ctx, st := suite.New(t)
	c := st.Start(ctx, nil, nil)

	_, err := c.Service.Signup(ctx, name, email, pass)
	require.NoError(t, err)
	tokens := c.Store.Get()

	_, err = c.Service.Login(ctx, name, "wrong")
	assert.ErrorIs(t, err, errs.ErrInvalidCredentials)

	assert.Zero(t, st.Backend.RefreshCalls())
	assert.Equal(t, tokens, c.Store.Get())
	assert.Empty(t, c.Logouts())
	assert.Equal(t, domain.StatusAuthenticated, c.Service.Status())
	assert.Equal(t, name, c.Service.User().Username)
}

func Test_GoogleCallback(t *testing.T) {
	ctx, st := suite.New(t)
	c := st.Start(ctx, nil, nil)

	st.Backend.RegisterGoogleCode(suite.ConsentCode, mockapi.GoogleAccount{ID: "g-1", Email: "carol@example.com"})

	// the browser is sent to the backend's consent screen and back
	resp, err := noFollow.Get(st.BackendURL + "/auth/google")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)

	consent, err := resp.Location()
	require.NoError(t, err)
	resp, err = noFollow.Get(consent.String())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)

	frontend, err := resp.Location()
	require.NoError(t, err)
	require.NotEmpty(t, frontend.Query().Get("access_token"))

	client, err := url.Parse(c.Addr)
	require.NoError(t, err)
	frontend.Scheme, frontend.Host = client.Scheme, client.Host

	resp, err = noFollow.Get(frontend.String())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/auth/callback", resp.Header.Get("Location"), "tokens are stripped from the address")

	body := getSession(t, c.Addr)
	assert.Equal(t, "authenticated", body.Status)
	require.NotNil(t, body.User)
	assert.Equal(t, "carol", body.User.Username)
	assert.Equal(t, mockapi.ProviderGoogle, body.User.AuthProvider)
}

func Test_GoogleCallbackError(t *testing.T) {
	ctx, st := suite.New(t)
	c := st.Start(ctx, nil, nil)

	resp, err := http.Get(c.Addr + "/auth/callback?error=access_denied")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "anonymous", getSession(t, c.Addr).Status)
	assert.Empty(t, c.Logouts())
}

func Test_StartFromRedirect(t *testing.T) {
	ctx, st := suite.New(t)

	st.Backend.RegisterGoogleCode("code-1", mockapi.GoogleAccount{ID: "g-2", Email: "dave@example.com"})
	res, err := st.Backend.GoogleLogin("code-1")
	require.NoError(t, err)

	start := &url.URL{Scheme: "http", Host: "localhost", Path: "/auth/callback", RawQuery: url.Values{
		"access_token":  {res.Tokens.Access},
		"refresh_token": {res.Tokens.Refresh},
		"token_type":    {"bearer"},
	}.Encode()}

	c := st.Start(ctx, nil, start)

	assert.Equal(t, domain.StatusAuthenticated, c.Service.Status())
	assert.Equal(t, "dave", c.Service.User().Username)
	assert.Equal(t, res.Tokens, c.Store.Get())
}

func Test_RestoreAfterRestart(t *testing.T) {
	ctx, st := suite.New(t)

	mr := miniredis.RunT(t)
	kv := redis.New(st.Log, goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "")

	first := st.Start(ctx, kv, nil)
	_, err := first.Service.Login(ctx, name, pass)
	require.Error(t, err, "unknown user")

	_, err = first.Service.Signup(ctx, name, email, pass)
	require.NoError(t, err)
	first.Stop(ctx)

	second := st.Start(ctx, kv, nil)
	assert.Equal(t, domain.StatusAuthenticated, second.Service.Status())
	assert.Equal(t, name, second.Service.User().Username)
	assert.Empty(t, second.Logouts())

	// a persisted session the backend no longer accepts ends on restore
	st.Backend.ExpireAccessTokens()
	st.Backend.Logout(second.Service.User().ID)
	third := st.Start(ctx, kv, nil)

	assert.Equal(t, domain.StatusAnonymous, third.Service.Status())
	assert.True(t, third.Store.Get().IsEmpty())
}
