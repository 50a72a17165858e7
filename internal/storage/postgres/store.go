// Package postgres provides a Postgres-backed article and run log store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/tickertape-news-fetcher/internal/news"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the pool and table names.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	ArticlesTable   string
	RunLogsTable    string
	LeasesTable     string
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store implements news.Store and news.Locker on Postgres.
type Store struct {
	pool     pool
	articles string
	runLogs  string
	leases   string
	now      func() time.Time
}

// New connects a pool using cfg and pings it.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, cfg Config) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	tables := map[string]*string{
		"news_articles": &cfg.ArticlesTable,
		"scrape_logs":   &cfg.RunLogsTable,
		"run_leases":    &cfg.LeasesTable,
	}
	for def, name := range tables {
		if *name == "" {
			*name = def
		}
		if !validTableName.MatchString(*name) {
			return nil, fmt.Errorf("invalid table name %q", *name)
		}
	}
	return &Store{
		pool:     p,
		articles: cfg.ArticlesTable,
		runLogs:  cfg.RunLogsTable,
		leases:   cfg.LeasesTable,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// EnsureSchema creates the tables and indexes if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	dedup_key  TEXT PRIMARY KEY,
	headline   TEXT NOT NULL,
	summary    TEXT NOT NULL,
	date       TEXT NOT NULL,
	publisher  TEXT NOT NULL,
	stocks     TEXT[] NOT NULL,
	tag        TEXT NOT NULL,
	url        TEXT NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL,
	stored_at  TIMESTAMPTZ
)`, s.articles),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_date_idx ON %s (date DESC)`, s.articles, s.articles),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id         TEXT PRIMARY KEY,
	ts             TIMESTAMPTZ NOT NULL,
	trigger        TEXT NOT NULL,
	total_fetched  INTEGER NOT NULL,
	newly_inserted INTEGER NOT NULL,
	pages_fetched  INTEGER NOT NULL,
	truncated      BOOLEAN NOT NULL,
	stop_reason    TEXT NOT NULL,
	status         TEXT NOT NULL,
	error          TEXT,
	duration_ms    BIGINT NOT NULL
)`, s.runLogs),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	name        TEXT PRIMARY KEY,
	holder      TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
)`, s.leases),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// LatestArticleDate returns the greatest non-empty article date.
func (s *Store) LatestArticleDate(ctx context.Context) (string, bool, error) {
	query := fmt.Sprintf(`SELECT date FROM %s WHERE date <> '' ORDER BY date DESC LIMIT 1`, s.articles)
	var date string
	err := s.pool.QueryRow(ctx, query).Scan(&date)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select latest article: %w", err)
	}
	return date, true, nil
}

// InsertArticleIfAbsent inserts the article unless the dedup key exists.
func (s *Store) InsertArticleIfAbsent(ctx context.Context, a news.Article) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (
	dedup_key, headline, summary, date, publisher, stocks, tag, url, fetched_at, stored_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (dedup_key) DO NOTHING`, s.articles)

	stocks := a.Stocks
	if stocks == nil {
		stocks = []string{}
	}
	tag, err := s.pool.Exec(ctx, query,
		a.DedupKey, a.Headline, a.Summary, a.Date, a.Publisher,
		stocks, a.Tag, a.URL, a.FetchedAt, a.StoredAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert article: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendRunLog inserts one run log row.
func (s *Store) AppendRunLog(ctx context.Context, e news.RunLog) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id, ts, trigger, total_fetched, newly_inserted, pages_fetched,
	truncated, stop_reason, status, error, duration_ms
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)`, s.runLogs)

	_, err := s.pool.Exec(ctx, query,
		e.RunID, e.Timestamp, string(e.Trigger), e.TotalFetched, e.NewlyInserted, e.PagesFetched,
		e.Truncated, string(e.StopReason), string(e.Status), e.Error, e.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert run log: %w", err)
	}
	return nil
}

// Acquire takes the named lease when it is missing, expired, or already
// held by holder.
func (s *Store) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	query := fmt.Sprintf(`
INSERT INTO %[1]s (name, holder, acquired_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE
SET holder = EXCLUDED.holder, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
WHERE %[1]s.expires_at <= EXCLUDED.acquired_at OR %[1]s.holder = EXCLUDED.holder`, s.leases)

	tag, err := s.pool.Exec(ctx, query, name, holder, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release deletes the lease if holder still owns it.
func (s *Store) Release(ctx context.Context, name, holder string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE name = $1 AND holder = $2`, s.leases)
	if _, err := s.pool.Exec(ctx, query, name, holder); err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

// Ping checks pool connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close(_ context.Context) error {
	s.pool.Close()
	return nil
}
