package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/tickertape-news-fetcher/internal/metrics"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/news"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/runner"
)

// DefaultTriggerPath is used when Config.TriggerPath is empty.
const DefaultTriggerPath = "/api/cron"

// timestampLayout matches the millisecond ISO-8601 form callers expect.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Session is one store connection with a runner bound to it. The handler
// opens a session per request and always closes it before responding.
type Session interface {
	RunExclusive(ctx context.Context, trigger news.Trigger) (runner.Result, error)
	Close(ctx context.Context) error
}

// SessionFactory opens a Session.
type SessionFactory func(ctx context.Context) (Session, error)

// ReadyFunc reports whether downstream dependencies are reachable.
type ReadyFunc func(ctx context.Context) error

// Config controls routing and authentication.
type Config struct {
	TriggerPath string
	CronSecret  string
}

// Server wires HTTP handlers to fetch sessions.
type Server struct {
	router   chi.Router
	sessions SessionFactory
	ready    ReadyFunc
	clock    news.Clock
	cfg      Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(cfg Config, sessions SessionFactory, ready ReadyFunc, clock news.Clock, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TriggerPath == "" {
		cfg.TriggerPath = DefaultTriggerPath
	}
	if cfg.CronSecret == "" {
		logger.Warn("cron secret not configured, trigger endpoint is unauthenticated")
	}
	s := &Server{
		sessions: sessions,
		ready:    ready,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.With(bearerAuthMiddleware(cfg.CronSecret)).Get(cfg.TriggerPath, s.trigger)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	log := s.logger.With(zap.String("request_id", RequestID(r.Context())))
	// A caller that hangs up must not cut a catch-up short.
	ctx := context.WithoutCancel(r.Context())

	res, runErr := s.runSession(ctx, log)

	switch {
	case errors.Is(runErr, runner.ErrRunInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{
			"status":    "skipped",
			"message":   "A fetch run is already in progress",
			"timestamp": s.timestamp(),
		})
	case runErr != nil:
		log.Error("trigger run failed", zap.Error(runErr))
		s.writeRunError(w, runErr)
	case res.Status == news.RunStatusError:
		s.writeRunError(w, res.Err)
	case res.Status == news.RunStatusNoData:
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    string(news.RunStatusNoData),
			"message":   "No new articles found",
			"timestamp": s.timestamp(),
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       string(news.RunStatusSuccess),
			"fetched":      res.TotalFetched,
			"new_articles": res.NewlyInserted,
			"run_id":       res.RunID,
			"timestamp":    s.timestamp(),
		})
	}
}

// runSession opens a session, runs one exclusive cycle and closes the
// session on every path, panics included.
func (s *Server) runSession(ctx context.Context, log *zap.Logger) (runner.Result, error) {
	session, err := s.sessions(ctx)
	if err != nil {
		return runner.Result{}, fmt.Errorf("open fetch session: %w", err)
	}
	defer func() {
		if err := session.Close(ctx); err != nil {
			log.Warn("close fetch session failed", zap.Error(err))
		}
	}()
	return session.RunExclusive(ctx, news.TriggerHTTP)
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"status":    string(news.RunStatusError),
		"error":     msg,
		"timestamp": s.timestamp(),
	})
}

func (s *Server) timestamp() string {
	return s.clock.Now().UTC().Format(timestampLayout)
}

// bearerAuthMiddleware rejects requests whose Authorization header does not
// carry the secret. An empty secret disables the check.
func bearerAuthMiddleware(secret string) func(http.Handler) http.Handler {
	expected := []byte("Bearer " + secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, expected) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
