// Package runner executes one fetch, transform, store and log cycle.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/tickertape-news-fetcher/internal/metrics"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/news"
)

const tracerName = "github.com/JakeFAU/tickertape-news-fetcher/internal/runner"

// ErrRunInProgress reports that another process holds the run lease.
var ErrRunInProgress = errors.New("fetch run already in progress")

// ErrCatchUpCanceled marks a run whose context ended before pagination
// reached the watermark. Nothing from such a run is stored, so the next run
// pages over the same gap.
var ErrCatchUpCanceled = errors.New("run canceled before catching up")

// Store is the persistence the runner needs directly; articles themselves
// go through the ArticleWriter.
type Store interface {
	LatestArticleDate(ctx context.Context) (string, bool, error)
	AppendRunLog(ctx context.Context, entry news.RunLog) error
}

// ArticleWriter persists transformed articles and reports how many were new.
type ArticleWriter interface {
	Store(ctx context.Context, articles []news.Article) (int, error)
}

// Config controls leasing and notifications.
type Config struct {
	LockName    string
	LockTTL     time.Duration
	NotifyTopic string
}

// Result summarizes a completed run.
type Result struct {
	RunID         string
	Trigger       news.Trigger
	Status        news.RunStatus
	TotalFetched  int
	NewlyInserted int
	Pages         int
	Truncated     bool
	StopReason    news.StopReason
	Err           error
	Timestamp     time.Time
	Duration      time.Duration
}

// Message renders the outcome as a single human-readable line.
func (r Result) Message() string {
	switch r.Status {
	case news.RunStatusSuccess:
		return fmt.Sprintf("fetched %d articles, %d new", r.TotalFetched, r.NewlyInserted)
	case news.RunStatusNoData:
		return "no new articles found"
	default:
		return fmt.Sprintf("run failed: %v", r.Err)
	}
}

// Runner wires the fetch pipeline to persistence.
type Runner struct {
	store       Store
	fetcher     news.Fetcher
	transformer *news.Transformer
	writer      ArticleWriter
	locker      news.Locker
	publisher   news.Publisher
	clock       news.Clock
	ids         news.IDGenerator
	cfg         Config
	logger      *zap.Logger
}

// New constructs a Runner. locker and publisher may be nil.
func New(
	store Store,
	fetcher news.Fetcher,
	transformer *news.Transformer,
	writer ArticleWriter,
	locker news.Locker,
	publisher news.Publisher,
	clock news.Clock,
	ids news.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LockName == "" {
		cfg.LockName = "news_fetch_job"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	return &Runner{
		store:       store,
		fetcher:     fetcher,
		transformer: transformer,
		writer:      writer,
		locker:      locker,
		publisher:   publisher,
		clock:       clock,
		ids:         ids,
		cfg:         cfg,
		logger:      logger,
	}
}

// RunExclusive runs one cycle while holding the cross-process run lease.
// It returns ErrRunInProgress without running when the lease is held
// elsewhere. Without a locker it behaves like RunOnce.
func (r *Runner) RunExclusive(ctx context.Context, trigger news.Trigger) (Result, error) {
	if r.locker == nil {
		return r.RunOnce(ctx, trigger), nil
	}
	holder := r.newID()
	acquired, err := r.locker.Acquire(ctx, r.cfg.LockName, holder, r.cfg.LockTTL)
	if err != nil {
		return Result{}, fmt.Errorf("acquire run lease: %w", err)
	}
	if !acquired {
		metrics.ObserveSkippedRun("lease_held")
		r.logger.Info("run skipped, lease held elsewhere",
			zap.String("lease", r.cfg.LockName),
			zap.String("trigger", string(trigger)),
		)
		return Result{}, ErrRunInProgress
	}
	defer func() {
		if err := r.locker.Release(context.WithoutCancel(ctx), r.cfg.LockName, holder); err != nil {
			r.logger.Warn("release run lease failed", zap.String("lease", r.cfg.LockName), zap.Error(err))
		}
	}()
	stopRenew := r.renewLease(context.WithoutCancel(ctx), holder)
	defer stopRenew()
	return r.RunOnce(ctx, trigger), nil
}

// renewLease re-acquires the lease every third of its TTL so a long
// catch-up keeps it. The returned func stops renewal and waits for it.
func (r *Runner) renewLease(ctx context.Context, holder string) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		every := r.cfg.LockTTL / 3
		if every <= 0 {
			every = r.cfg.LockTTL
		}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ok, err := r.locker.Acquire(ctx, r.cfg.LockName, holder, r.cfg.LockTTL)
				switch {
				case err != nil:
					r.logger.Warn("renew run lease failed", zap.String("lease", r.cfg.LockName), zap.Error(err))
				case !ok:
					r.logger.Error("run lease lost to another holder", zap.String("lease", r.cfg.LockName))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// RunOnce performs a single cycle and writes exactly one run log entry.
// Failures are recorded in the result and the log, never returned.
func (r *Runner) RunOnce(ctx context.Context, trigger news.Trigger) Result {
	start := r.clock.Now()
	res := Result{RunID: r.newID(), Trigger: trigger, Timestamp: start}
	log := r.logger.With(zap.String("run_id", res.RunID), zap.String("trigger", string(trigger)))
	log.Info("run started")

	ctx, span := otel.Tracer(tracerName).Start(ctx, "news.fetch_run", trace.WithAttributes(
		attribute.String("run_id", res.RunID),
		attribute.String("trigger", string(trigger)),
	))
	defer span.End()

	r.execute(ctx, log, &res)

	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.Int("total_fetched", res.TotalFetched),
		attribute.Int("newly_inserted", res.NewlyInserted),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}

	res.Duration = r.clock.Now().Sub(start)
	// Logging and notification must complete even when shutdown has begun.
	persistCtx := context.WithoutCancel(ctx)
	r.appendLog(persistCtx, log, res)
	metrics.ObserveRun(string(trigger), string(res.Status), res.TotalFetched, res.NewlyInserted, res.Duration)
	r.notify(persistCtx, log, res)

	fields := []zap.Field{
		zap.String("status", string(res.Status)),
		zap.Int("total_fetched", res.TotalFetched),
		zap.Int("newly_inserted", res.NewlyInserted),
		zap.Int("pages", res.Pages),
		zap.Duration("duration", res.Duration),
	}
	if res.Err != nil {
		log.Error("run failed", append(fields, zap.Error(res.Err))...)
	} else {
		log.Info("run finished", fields...)
	}
	return res
}

func (r *Runner) execute(ctx context.Context, log *zap.Logger, res *Result) {
	watermark, found, err := r.store.LatestArticleDate(ctx)
	if err != nil {
		res.fail(fmt.Errorf("lookup watermark: %w", err))
		return
	}
	if found {
		log.Info("resuming from watermark", zap.String("watermark", watermark))
	} else {
		log.Info("no stored articles, cold start")
	}

	fetched := r.fetcher.Fetch(ctx, news.FetchRequest{
		RunID:        res.RunID,
		Watermark:    watermark,
		HasWatermark: found,
	})
	res.TotalFetched = len(fetched.Articles)
	res.Pages = fetched.Pages
	res.Truncated = fetched.Truncated
	res.StopReason = fetched.StopReason
	if fetched.Truncated {
		log.Warn("fetch truncated", zap.Error(fetched.Cause))
	}
	// Storing a partial catch-up would move the watermark past pages that
	// were never read.
	if found && fetched.Truncated && (ctx.Err() != nil || errors.Is(fetched.Cause, context.Canceled)) {
		res.fail(fmt.Errorf("%w: %w", ErrCatchUpCanceled, fetched.Cause))
		return
	}
	if len(fetched.Articles) == 0 {
		res.Status = news.RunStatusNoData
		return
	}

	articles := r.transformer.TransformAll(fetched.Articles)
	inserted, err := r.writer.Store(context.WithoutCancel(ctx), articles)
	res.NewlyInserted = inserted
	if err != nil {
		res.fail(fmt.Errorf("store articles: %w", err))
		return
	}
	res.Status = news.RunStatusSuccess
}

func (res *Result) fail(err error) {
	res.Status = news.RunStatusError
	res.Err = err
}

func (r *Runner) appendLog(ctx context.Context, log *zap.Logger, res Result) {
	entry := news.RunLog{
		RunID:         res.RunID,
		Timestamp:     res.Timestamp,
		Trigger:       res.Trigger,
		TotalFetched:  res.TotalFetched,
		NewlyInserted: res.NewlyInserted,
		PagesFetched:  res.Pages,
		Truncated:     res.Truncated,
		StopReason:    res.StopReason,
		Status:        res.Status,
		DurationMs:    res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		msg := res.Err.Error()
		entry.Error = &msg
	}
	if err := r.store.AppendRunLog(ctx, entry); err != nil {
		log.Error("append run log failed", zap.Error(err))
	}
}

func (r *Runner) notify(ctx context.Context, log *zap.Logger, res Result) {
	if r.publisher == nil || r.cfg.NotifyTopic == "" {
		return
	}
	payload := map[string]any{
		"run_id":         res.RunID,
		"trigger":        string(res.Trigger),
		"status":         string(res.Status),
		"total_fetched":  res.TotalFetched,
		"newly_inserted": res.NewlyInserted,
		"timestamp":      res.Timestamp.Format(time.RFC3339),
	}
	if res.Err != nil {
		payload["error"] = res.Err.Error()
	}
	msgID, err := r.publisher.Publish(ctx, r.cfg.NotifyTopic, payload)
	if err != nil {
		log.Warn("publish run notification failed", zap.String("topic", r.cfg.NotifyTopic), zap.Error(err))
		return
	}
	log.Debug("run notification published", zap.String("message_id", msgID))
}

func (r *Runner) newID() string {
	id, err := r.ids.NewID()
	if err != nil {
		r.logger.Warn("generate id failed, using timestamp", zap.Error(err))
		return "run-" + strconv.FormatInt(r.clock.Now().UnixNano(), 10)
	}
	return id
}
