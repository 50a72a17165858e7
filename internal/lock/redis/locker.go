// Package redis grants run leases through Redis keys with a TTL.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces lease keys.
const KeyPrefix = "newsfetch:lease:"

// acquireScript sets the key when it is free and refreshes it when holder
// already owns it.
const acquireScript = `
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
if current then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`

// releaseScript deletes the key only when holder still owns it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Client is the subset of the go-redis client the locker uses.
type Client interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Locker implements news.Locker on Redis.
type Locker struct {
	client Client
}

// New wraps an existing client.
func New(client Client) *Locker {
	return &Locker{client: client}
}

// Dial parses a redis:// URL, connects and pings. A bare host:port is
// accepted as well.
func Dial(ctx context.Context, rawURL string) (*Locker, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		opt = &redis.Options{Addr: rawURL}
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client), nil
}

// Acquire takes the named lease for ttl.
func (l *Locker) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	n, err := l.client.Eval(ctx, acquireScript, []string{KeyPrefix + name}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return n == 1, nil
}

// Release drops the lease if holder still owns it.
func (l *Locker) Release(ctx context.Context, name, holder string) error {
	if err := l.client.Eval(ctx, releaseScript, []string{KeyPrefix + name}, holder).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

// Close closes the underlying client.
func (l *Locker) Close() error {
	if err := l.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
