package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/tickertape-news-fetcher/internal/hash/sha256"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/news"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/runner"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/storage/memory"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/writer"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestTrigger_RejectsBadBearer(t *testing.T) {
	t.Parallel()

	env := newRunnerEnv(t, fetchOf(rawArticles(t, "2024-05-01")))
	server := env.server("s3cret")

	for name, header := range map[string]string{
		"missing":     "",
		"wrong":       "Bearer nope",
		"wrong-style": "s3cret",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/cron", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)

			require.Equal(t, http.StatusUnauthorized, rec.Code)
			require.JSONEq(t, `{"error":"Unauthorized"}`, rec.Body.String())
		})
	}

	require.Empty(t, env.store.RunLogs())
	require.Zero(t, env.opened())
}

func TestTrigger_SuccessWritesOneLog(t *testing.T) {
	t.Parallel()

	env := newRunnerEnv(t, fetchOf(rawArticles(t, "2024-05-01", "2024-04-30")))
	body, code := env.call(t, env.server("s3cret"), "Bearer s3cret")

	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "success", body["status"])
	require.EqualValues(t, 2, body["fetched"])
	require.EqualValues(t, 2, body["new_articles"])
	require.Equal(t, "2024-05-01T12:00:00.000Z", body["timestamp"])

	logs := env.store.RunLogs()
	require.Len(t, logs, 1)
	require.Equal(t, logs[0].RunID, body["run_id"])
	require.Equal(t, news.TriggerHTTP, logs[0].Trigger)
	require.Equal(t, 1, env.closed())
}

func TestTrigger_NoData(t *testing.T) {
	t.Parallel()

	env := newRunnerEnv(t, news.FetchResult{StopReason: news.StopExhausted})
	body, code := env.call(t, env.server(""), "")

	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "no_data", body["status"])
	require.Equal(t, "No new articles found", body["message"])
	require.NotEmpty(t, body["timestamp"])
	require.Len(t, env.store.RunLogs(), 1)
}

func TestTrigger_LeaseHeldReturnsConflict(t *testing.T) {
	t.Parallel()

	env := newRunnerEnv(t, fetchOf(rawArticles(t, "2024-05-01")))
	ok, err := env.store.Acquire(context.Background(), "news_fetch_job", "other-process", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	body, code := env.call(t, env.server(""), "")

	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "skipped", body["status"])
	require.Empty(t, env.store.RunLogs())
	require.Equal(t, 1, env.closed())
}

func TestTrigger_RunErrorReturns500(t *testing.T) {
	t.Parallel()

	sessions := func(context.Context) (Session, error) {
		return &stubSession{result: runner.Result{
			Status: news.RunStatusError,
			Err:    errors.New("store articles: connection reset"),
		}}, nil
	}
	server := NewServer(Config{}, sessions, nil, fixedClock{}, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cron", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "error", body["status"])
	require.Equal(t, "store articles: connection reset", body["error"])
}

func TestTrigger_SessionClosedOnLeaseError(t *testing.T) {
	t.Parallel()

	session := &stubSession{err: errors.New("acquire run lease: timeout")}
	server := NewServer(Config{}, func(context.Context) (Session, error) { return session, nil }, nil, fixedClock{}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cron", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "acquire run lease")
	require.True(t, session.closed)
}

func TestTrigger_SessionClosedWhenRunPanics(t *testing.T) {
	t.Parallel()

	session := &stubSession{panics: true}
	server := NewServer(Config{}, func(context.Context) (Session, error) { return session, nil }, nil, fixedClock{}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cron", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.True(t, session.closed)
}

func TestTrigger_RunOutlivesClientDisconnect(t *testing.T) {
	t.Parallel()

	var openCtxErr error
	session := &stubSession{result: runner.Result{Status: news.RunStatusNoData}}
	sessions := func(ctx context.Context) (Session, error) {
		openCtxErr = ctx.Err()
		return session, nil
	}
	server := NewServer(Config{}, sessions, nil, fixedClock{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/cron", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, openCtxErr)
	require.Equal(t, []error{nil}, session.ctxErrs)
	require.True(t, session.closed)
}

func TestTrigger_BearerMustMatchExactly(t *testing.T) {
	t.Parallel()

	env := newRunnerEnv(t, fetchOf(rawArticles(t, "2024-05-01")))
	server := env.server("s3cret")

	for name, header := range map[string]string{
		"trailing space": "Bearer s3cret ",
		"leading space":  " Bearer s3cret",
		"lowercase":      "bearer s3cret",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/cron", nil)
			req.Header.Set("Authorization", header)
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)

			require.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
	require.Zero(t, env.opened())
}

func TestTrigger_SessionOpenFailure(t *testing.T) {
	t.Parallel()

	sessions := func(context.Context) (Session, error) { return nil, errors.New("mongo unreachable") }
	server := NewServer(Config{}, sessions, nil, fixedClock{}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cron", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "mongo unreachable")
}

func TestTrigger_CustomPath(t *testing.T) {
	t.Parallel()

	session := &stubSession{result: runner.Result{Status: news.RunStatusNoData}}
	server := NewServer(Config{TriggerPath: "/hooks/fetch"},
		func(context.Context) (Session, error) { return session, nil }, nil, fixedClock{}, nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cron", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hooks/fetch", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	var readyErr error
	server := NewServer(Config{}, nil, func(context.Context) error { return readyErr }, fixedClock{}, nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	readyErr = errors.New("ping failed")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := NewServer(Config{}, nil, nil, fixedClock{}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	sessions := func(context.Context) (Session, error) { panic("boom") }
	server := NewServer(Config{}, sessions, nil, fixedClock{}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cron", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(Config{}, nil, nil, fixedClock{}, nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "upstream-id", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

type fixedClock struct{}

func (fixedClock) Now() time.Time { return fixedNow }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

type staticFetcher struct {
	result news.FetchResult
}

func (f staticFetcher) Fetch(context.Context, news.FetchRequest) news.FetchResult {
	return f.result
}

func fetchOf(articles []news.RawArticle) news.FetchResult {
	return news.FetchResult{Articles: articles, Pages: 1, StopReason: news.StopColdStart}
}

func rawArticles(t *testing.T, dates ...string) []news.RawArticle {
	t.Helper()
	out := make([]news.RawArticle, 0, len(dates))
	for i, d := range dates {
		var raw news.RawArticle
		body := fmt.Sprintf(`{"headline":"h%d","date":%q,"url":"https://example.com/%d"}`, i, d, i)
		require.NoError(t, json.Unmarshal([]byte(body), &raw))
		out = append(out, raw)
	}
	return out
}

// runnerEnv wires a real runner over the memory store and counts sessions.
type runnerEnv struct {
	store  *memory.Store
	runner *runner.Runner

	mu      sync.Mutex
	nOpened int
	nClosed int
}

func newRunnerEnv(t *testing.T, result news.FetchResult) *runnerEnv {
	t.Helper()
	store := memory.NewStore()
	clock := fixedClock{}
	run := runner.New(
		store,
		staticFetcher{result: result},
		news.NewTransformer(clock, sha256.New()),
		writer.New(store, clock, nil),
		store,
		nil,
		clock,
		&seqIDs{},
		runner.Config{},
		nil,
	)
	return &runnerEnv{store: store, runner: run}
}

func (e *runnerEnv) server(secret string) *Server {
	return NewServer(Config{CronSecret: secret}, e.open, nil, fixedClock{}, zap.NewNop())
}

func (e *runnerEnv) open(context.Context) (Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nOpened++
	return &envSession{env: e}, nil
}

func (e *runnerEnv) opened() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nOpened
}

func (e *runnerEnv) closed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nClosed
}

func (e *runnerEnv) call(t *testing.T, server *Server, auth string) (map[string]any, int) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/cron", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body, rec.Code
}

type envSession struct {
	env *runnerEnv
}

func (s *envSession) RunExclusive(ctx context.Context, trigger news.Trigger) (runner.Result, error) {
	res, err := s.env.runner.RunExclusive(ctx, trigger)
	if err != nil {
		return res, fmt.Errorf("run: %w", err)
	}
	return res, nil
}

func (s *envSession) Close(context.Context) error {
	s.env.mu.Lock()
	defer s.env.mu.Unlock()
	s.env.nClosed++
	return nil
}

type stubSession struct {
	result  runner.Result
	err     error
	panics  bool
	closed  bool
	ctxErrs []error
}

func (s *stubSession) RunExclusive(ctx context.Context, _ news.Trigger) (runner.Result, error) {
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	if s.panics {
		panic("writer exploded")
	}
	return s.result, s.err
}

func (s *stubSession) Close(context.Context) error {
	s.closed = true
	return nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
