// Package app initializes and holds long-lived application services, acting
// as the dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/tickertape-news-fetcher/internal/clock/system"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/config"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/fetcher/tickertape"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/hash/sha256"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/id/uuid"
	redislock "github.com/JakeFAU/tickertape-news-fetcher/internal/lock/redis"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/logging"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/news"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/publisher/pubsub"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/runner"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/storage/gcs"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/storage/local"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/storage/memory"
	mongostore "github.com/JakeFAU/tickertape-news-fetcher/internal/storage/mongo"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/storage/postgres"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/writer"
)

type options struct {
	store      news.Store
	pageClient tickertape.PageClient
	publisher  news.Publisher
	archive    news.BlobStore
	clock      news.Clock
	ids        news.IDGenerator
}

// Option customizes App construction, mostly for tests.
type Option func(*options)

// WithStore injects a shared store. The App never closes it and sessions
// reuse it instead of opening new connections.
func WithStore(store news.Store) Option {
	return func(o *options) { o.store = store }
}

// WithPageClient replaces the HTTP page client.
func WithPageClient(client tickertape.PageClient) Option {
	return func(o *options) { o.pageClient = client }
}

// WithPublisher replaces the configured run notification publisher.
func WithPublisher(p news.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithArchive replaces the configured raw page archive.
func WithArchive(b news.BlobStore) Option {
	return func(o *options) { o.archive = b }
}

// WithClock replaces the system clock.
func WithClock(c news.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(g news.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// App holds the shared, long-lived services. It is built once per command
// and closed on every exit path.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	clock       news.Clock
	ids         news.IDGenerator
	transformer *news.Transformer
	fetcher     *tickertape.Fetcher
	publisher   news.Publisher

	store       news.Store
	sharedStore bool
	locker      news.Locker

	closers []func(context.Context) error
	runner  *runner.Runner
}

// New creates every service the configuration asks for. It fails fast and
// releases whatever it already opened when a dependency cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	a = &App{cfg: cfg, logger: logger, clock: o.clock, ids: o.ids}
	if a.clock == nil {
		a.clock = system.New()
	}
	if a.ids == nil {
		a.ids = uuid.New()
	}
	defer func() {
		if err != nil {
			if closeErr := a.Close(context.WithoutCancel(ctx)); closeErr != nil {
				logger.Warn("cleanup after failed init", zap.Error(closeErr))
			}
			a = nil
		}
	}()

	logger.Info("initializing application services",
		zap.String("store", cfg.Store.Backend),
		zap.String("lock", cfg.Lock.Backend),
		zap.String("archive", cfg.Archive.Backend),
	)

	switch {
	case o.store != nil:
		a.store = o.store
		a.sharedStore = true
	case cfg.Store.Backend == config.BackendMemory:
		a.store = memory.NewStore()
		a.sharedStore = true
		a.closers = append(a.closers, a.store.Close)
	default:
		a.store, err = openStore(ctx, cfg, true)
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, a.store.Close)
	}

	switch cfg.Lock.Backend {
	case config.LockRedis:
		l, err := redislock.Dial(ctx, cfg.Lock.RedisURL)
		if err != nil {
			return a, fmt.Errorf("initialize redis lock: %w", err)
		}
		a.locker = l
		a.closers = append(a.closers, ignoreCtx(l.Close))
	case config.LockStore:
		if _, ok := a.store.(news.Locker); !ok {
			return a, fmt.Errorf("store backend %q cannot hold run leases", cfg.Store.Backend)
		}
	}

	archive, err := a.buildArchive(ctx, o.archive)
	if err != nil {
		return a, err
	}

	a.publisher = o.publisher
	if a.publisher == nil && cfg.PubSub.TopicName != "" {
		p, err := pubsub.Dial(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName,
			map[string]string{"service": logging.ServiceName})
		if err != nil {
			return a, fmt.Errorf("initialize pubsub publisher: %w", err)
		}
		logger.Info("publishing run notifications", zap.String("topic", cfg.PubSub.TopicName))
		a.publisher = p
		a.closers = append(a.closers, ignoreCtx(p.Close))
	}

	client := o.pageClient
	if client == nil {
		client, err = tickertape.NewCollyClient(tickertape.ClientConfig{
			BaseURL:           cfg.Source.BaseURL,
			UserAgent:         cfg.Source.UserAgent,
			Timeout:           cfg.Source.RequestTimeout(),
			ConnectTimeout:    cfg.Source.ConnectTimeout(),
			RequestsPerSecond: cfg.Source.RequestsPerSecond,
		})
		if err != nil {
			return a, fmt.Errorf("initialize page client: %w", err)
		}
	}
	a.fetcher = tickertape.New(client, archive, tickertape.Config{
		PageSize:      cfg.Source.PageSize,
		MaxPages:      cfg.Source.MaxPages,
		ArchivePrefix: cfg.Archive.Prefix,
	}, logger.Named("fetcher"))
	a.transformer = news.NewTransformer(a.clock, sha256.New())
	a.runner = a.newRunner(a.store)

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) buildArchive(ctx context.Context, injected news.BlobStore) (news.BlobStore, error) {
	if injected != nil {
		return injected, nil
	}
	switch a.cfg.Archive.Backend {
	case config.ArchiveMemory:
		return memory.NewBlobStore(), nil
	case config.ArchiveLocal:
		b, err := local.New(local.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("initialize local archive: %w", err)
		}
		return b, nil
	case config.ArchiveGCS:
		b, err := gcs.Dial(ctx, gcs.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("initialize gcs archive: %w", err)
		}
		a.closers = append(a.closers, ignoreCtx(b.Close))
		return b, nil
	case config.ArchiveNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", a.cfg.Archive.Backend)
	}
}

// openStore connects the configured persistent backend. Schema setup runs
// only when ensure is set.
func openStore(ctx context.Context, cfg config.Config, ensure bool) (news.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMongo:
		s, err := mongostore.Connect(ctx, mongostore.Config{
			URI:                    cfg.Mongo.ConnectionURI(),
			Database:               cfg.Mongo.Database,
			ArticlesCollection:     cfg.Mongo.ArticlesCollection,
			RunLogsCollection:      cfg.Mongo.RunLogsCollection,
			LeasesCollection:       cfg.Mongo.LeasesCollection,
			ConnectTimeout:         cfg.Mongo.ConnectTimeout(),
			ServerSelectionTimeout: cfg.Mongo.ServerSelectionTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("initialize mongo store: %w", err)
		}
		if ensure {
			if err := s.EnsureIndexes(ctx); err != nil {
				_ = s.Close(ctx)
				return nil, fmt.Errorf("ensure mongo indexes: %w", err)
			}
		}
		return s, nil
	case config.BackendPostgres:
		s, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize postgres store: %w", err)
		}
		if ensure {
			if err := s.EnsureSchema(ctx); err != nil {
				_ = s.Close(ctx)
				return nil, fmt.Errorf("ensure postgres schema: %w", err)
			}
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func (a *App) newRunner(store news.Store) *runner.Runner {
	locker := a.locker
	if locker == nil && a.cfg.Lock.Backend == config.LockStore {
		locker, _ = store.(news.Locker)
	}
	return runner.New(
		store,
		a.fetcher,
		a.transformer,
		writer.New(store, a.clock, a.logger.Named("writer")),
		locker,
		a.publisher,
		a.clock,
		a.ids,
		runner.Config{
			LockName:    a.cfg.Lock.Name,
			LockTTL:     a.cfg.Lock.TTL(),
			NotifyTopic: a.cfg.PubSub.TopicName,
		},
		a.logger.Named("runner"),
	)
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Clock returns the clock shared by every component.
func (a *App) Clock() news.Clock {
	return a.clock
}

// Runner returns the runner bound to the long-lived store.
func (a *App) Runner() *runner.Runner {
	return a.runner
}

// Ready pings the long-lived store.
func (a *App) Ready(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	return nil
}

// Session is a store connection scoped to one triggered run.
type Session struct {
	runner *runner.Runner
	store  news.Store
	owned  bool
}

// OpenSession connects a fresh store for one run. Shared stores are reused
// and left open by Close.
func (a *App) OpenSession(ctx context.Context) (*Session, error) {
	if a.sharedStore {
		return &Session{runner: a.runner, store: a.store}, nil
	}
	store, err := openStore(ctx, a.cfg, false)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return &Session{runner: a.newRunner(store), store: store, owned: true}, nil
}

// RunExclusive runs one cycle on the session's store.
func (s *Session) RunExclusive(ctx context.Context, trigger news.Trigger) (runner.Result, error) {
	res, err := s.runner.RunExclusive(ctx, trigger)
	if err != nil {
		return res, fmt.Errorf("session run: %w", err)
	}
	return res, nil
}

// Close releases the session's store connection when it owns one.
func (s *Session) Close(ctx context.Context) error {
	if !s.owned {
		return nil
	}
	if err := s.store.Close(ctx); err != nil {
		return fmt.Errorf("close session store: %w", err)
	}
	return nil
}

// Close shuts down every owned service in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing services", zap.Error(err))
		return fmt.Errorf("close services: %w", err)
	}
	return nil
}

func ignoreCtx(closeFn func() error) func(context.Context) error {
	return func(context.Context) error { return closeFn() }
}
