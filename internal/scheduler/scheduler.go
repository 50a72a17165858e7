// Package scheduler runs the fetch cycle at startup and then on a fixed
// interval, never overlapping itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/tickertape-news-fetcher/internal/metrics"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/news"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/runner"
)

// Job runs one leased fetch cycle.
type Job interface {
	RunExclusive(ctx context.Context, trigger news.Trigger) (runner.Result, error)
}

// ReportFunc receives the outcome of every scheduled run that was not
// skipped locally.
type ReportFunc func(res runner.Result, err error)

// Scheduler triggers Job on a cron interval. Triggers that arrive while a
// run is in progress are dropped.
type Scheduler struct {
	mu       sync.Mutex
	cron     *cron.Cron
	job      Job
	interval time.Duration
	report   ReportFunc
	running  atomic.Bool
	baseCtx  context.Context
	logger   *zap.Logger
}

// New builds a Scheduler. report may be nil.
func New(job Job, interval time.Duration, report ReportFunc, logger *zap.Logger) (*Scheduler, error) {
	if job == nil {
		return nil, errors.New("job must not be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger: logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		job:      job,
		interval: interval,
		report:   report,
		baseCtx:  context.Background(),
		logger:   logger,
	}
	if _, err := s.cron.AddFunc("@every "+interval.String(), s.tick); err != nil {
		return nil, fmt.Errorf("add cron: %w", err)
	}
	return s, nil
}

// Start runs the job once, then starts the interval timer. Scheduled runs
// use ctx; Start returns after the initial run.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.logger.Info("scheduler starting", zap.Duration("interval", s.interval))
	s.Trigger(ctx)
	s.cron.Start()
}

// Stop halts the timer and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Running reports whether a run is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Trigger runs the job unless a run is already in progress here. It reports
// whether a run actually happened: a local overlap, a lease held by another
// process and a failure to start all return false.
func (s *Scheduler) Trigger(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		metrics.ObserveSkippedRun("overlap")
		s.logger.Warn("previous run still in progress, skipping trigger")
		return false
	}
	defer s.running.Store(false)

	res, err := s.job.RunExclusive(ctx, news.TriggerScheduler)
	switch {
	case errors.Is(err, runner.ErrRunInProgress):
		s.logger.Info("run lease held by another process, skipping")
	case err != nil:
		s.logger.Error("scheduled run failed to start", zap.Error(err))
	}
	if s.report != nil {
		s.report(res, err)
	}
	return err == nil
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	s.Trigger(ctx)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
