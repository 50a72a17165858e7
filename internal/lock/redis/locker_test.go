package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type evalCall struct {
	script string
	keys   []string
	args   []any
}

// scriptedClient answers Eval with queued results.
type scriptedClient struct {
	calls   []evalCall
	results []*redis.Cmd
	closed  bool
}

func (c *scriptedClient) Eval(_ context.Context, script string, keys []string, args ...any) *redis.Cmd {
	c.calls = append(c.calls, evalCall{script: script, keys: keys, args: args})
	res := c.results[0]
	c.results = c.results[1:]
	return res
}

func (c *scriptedClient) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (c *scriptedClient) Close() error {
	c.closed = true
	return nil
}

func TestAcquire(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{results: []*redis.Cmd{
		redis.NewCmdResult(int64(1), nil),
		redis.NewCmdResult(int64(0), nil),
	}}
	l := New(client)

	ok, err := l.Acquire(context.Background(), "news_fetch_job", "a", 90*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(context.Background(), "news_fetch_job", "b", 90*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, []string{"newsfetch:lease:news_fetch_job"}, client.calls[0].keys)
	require.Equal(t, []any{"a", int64(90000)}, client.calls[0].args)
	require.Equal(t, acquireScript, client.calls[0].script)
}

func TestAcquireError(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{results: []*redis.Cmd{redis.NewCmdResult(nil, errors.New("connection refused"))}}
	_, err := New(client).Acquire(context.Background(), "job", "a", time.Second)
	require.ErrorContains(t, err, "connection refused")
}

func TestRelease(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{results: []*redis.Cmd{
		redis.NewCmdResult(int64(1), nil),
		redis.NewCmdResult(nil, errors.New("READONLY")),
	}}
	l := New(client)

	require.NoError(t, l.Release(context.Background(), "job", "a"))
	require.Equal(t, releaseScript, client.calls[0].script)
	require.Equal(t, []any{"a"}, client.calls[0].args)

	require.ErrorContains(t, l.Release(context.Background(), "job", "a"), "READONLY")

	require.NoError(t, l.Close())
	require.True(t, client.closed)
}

func TestDialUnreachable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, "redis://127.0.0.1:1/0")
	require.ErrorContains(t, err, "ping redis")
}
