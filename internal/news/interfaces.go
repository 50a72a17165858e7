package news

import (
	"context"
	"io"
	"time"
)

// ArticleStore persists articles and answers watermark queries.
type ArticleStore interface {
	// LatestArticleDate returns the greatest non-empty article date. The
	// boolean is false when no dated article has been stored yet.
	LatestArticleDate(ctx context.Context) (string, bool, error)
	// InsertArticleIfAbsent stores the article unless one with the same
	// dedup key exists. It reports whether a new record was written.
	InsertArticleIfAbsent(ctx context.Context, article Article) (bool, error)
}

// RunLogStore appends run audit entries.
type RunLogStore interface {
	AppendRunLog(ctx context.Context, entry RunLog) error
}

// Store is the full persistence boundary owned by the service container.
type Store interface {
	ArticleStore
	RunLogStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Locker grants a named, expiring lease to a single holder at a time.
type Locker interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, holder string) error
}

// Fetcher paginates the remote source. It never fails; failures truncate
// the result instead.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) FetchResult
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and holder IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
