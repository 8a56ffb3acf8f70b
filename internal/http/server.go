package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alexandernizov/sessionclient/internal/client"
	"github.com/alexandernizov/sessionclient/internal/domain"
	"github.com/alexandernizov/sessionclient/internal/pkg/logger/sl"
	"github.com/alexandernizov/sessionclient/internal/services/auth"
)

type SessionService interface {
	Bootstrap(ctx context.Context, nav auth.Navigator) (domain.Session, error)
	Login(ctx context.Context, username, password string) (domain.User, error)
	Logout(ctx context.Context) error
	Session() domain.Session
	User() domain.User
}

// Server is the local loopback surface of the client: the OAuth callback,
// session inspection and metrics.
type Server struct {
	log *slog.Logger

	httpAddr string
	service  SessionService
	metrics  http.Handler

	server    *http.Server
	isRunning bool
}

func New(options ...func(*Server)) *Server {
	server := &Server{log: slog.Default()}
	for _, option := range options {
		option(server)
	}
	return server
}

func WithLogger(log *slog.Logger) func(*Server) {
	return func(s *Server) {
		s.log = log
	}
}

func WithHttpAddr(httpAddr string) func(*Server) {
	return func(s *Server) {
		s.httpAddr = httpAddr
	}
}

func WithSessionService(service SessionService) func(*Server) {
	return func(s *Server) {
		s.service = service
	}
}

func WithPrometheus(handler http.Handler) func(*Server) {
	return func(s *Server) {
		s.metrics = handler
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.service != nil {
		r.Get("/auth/callback", s.handleCallback)
		r.Get("/session", s.handleSession)
		r.Post("/session/login", s.handleLogin)
		r.Post("/session/logout", s.handleLogout)
	}
	return r
}

// Start listens in the background. The returned address is the one actually
// bound, which matters when httpAddr asks for port 0.
func (s *Server) Start() (string, error) {
	const op = "http.Start"
	log := s.log.With(slog.String("op", op))

	if s.isRunning {
		log.Error("http server is already running")
		return "", errors.New("http server is already running")
	}

	listener, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		log.Error("can't make listener", sl.Err(err))
		return "", err
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.isRunning = true

	go func() {
		err := s.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("error during start http server", sl.Err(err))
		}
	}()

	log.Info("http server is running", slog.String("addr", listener.Addr().String()))
	return listener.Addr().String(), nil
}

func (s *Server) Stop(ctx context.Context) {
	const op = "http.Stop"
	log := s.log.With(slog.String("op", op))

	if !s.isRunning {
		return
	}

	log.Info("http is stopping")

	err := s.server.Shutdown(ctx)
	if err != nil {
		log.Error("error during shutdown http server", sl.Err(err))
	}
	s.isRunning = false
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		// the query may carry tokens, so only the path is logged
		s.log.Debug("request served",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("took", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type sessionResponse struct {
	Status string       `json:"status"`
	User   *domain.User `json:"user,omitempty"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) sessionBody() sessionResponse {
	sess := s.service.Session()
	resp := sessionResponse{Status: sess.Status.String()}
	if sess.Status == domain.StatusAuthenticated {
		user := s.service.User()
		resp.User = &user
	}
	return resp
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	const op = "http.handleCallback"
	log := s.log.With(slog.String("op", op))

	query := r.URL.Query()
	if !query.Has(auth.ParamAccessToken) && !query.Has(auth.ParamRefreshToken) && !query.Has(auth.ParamError) {
		writeJSON(w, http.StatusOK, s.sessionBody())
		return
	}

	target := *r.URL
	nav := auth.NewURLNavigator(&target)

	_, err := s.service.Bootstrap(r.Context(), nav)
	var oauthErr *auth.OAuthError
	switch {
	case errors.As(err, &oauthErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: oauthErr.Code})
		return
	case err != nil:
		log.Warn("callback did not produce a session", sl.Err(err))
	}

	http.Redirect(w, r, nav.Location().RequestURI(), http.StatusSeeOther)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionBody())
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "username and password are required"})
		return
	}

	if _, err := s.service.Login(r.Context(), req.Username, req.Password); err != nil {
		status, detail := statusOf(err)
		writeJSON(w, status, errorResponse{Detail: detail})
		return
	}
	writeJSON(w, http.StatusOK, s.sessionBody())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Logout(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.sessionBody())
}

// statusOf passes backend rejections through and maps everything else to 502.
func statusOf(err error) (int, string) {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status, apiErr.Detail
	}
	return http.StatusBadGateway, err.Error()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
