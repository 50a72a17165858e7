// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/tickertape-news-fetcher/internal/news"
)

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("memory store closed")

// Store keeps articles, run logs, and leases in memory. It satisfies
// news.Store and news.Locker.
type Store struct {
	mu       sync.RWMutex
	articles []news.Article
	keys     map[string]struct{}
	runLogs  []news.RunLog
	leases   map[string]lease
	closed   bool
	now      func() time.Time
}

type lease struct {
	holder    string
	expiresAt time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		keys:   make(map[string]struct{}),
		leases: make(map[string]lease),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// LatestArticleDate returns the greatest non-empty stored date.
func (s *Store) LatestArticleDate(_ context.Context) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrClosed
	}
	latest := ""
	for _, a := range s.articles {
		if a.Date > latest {
			latest = a.Date
		}
	}
	return latest, latest != "", nil
}

// InsertArticleIfAbsent stores the article unless its dedup key is known.
func (s *Store) InsertArticleIfAbsent(_ context.Context, article news.Article) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, exists := s.keys[article.DedupKey]; exists {
		return false, nil
	}
	s.keys[article.DedupKey] = struct{}{}
	article.Stocks = append([]string{}, article.Stocks...)
	s.articles = append(s.articles, article)
	return true, nil
}

// AppendRunLog records a run log entry.
func (s *Store) AppendRunLog(_ context.Context, entry news.RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.runLogs = append(s.runLogs, entry)
	return nil
}

// Acquire grants the named lease when it is free, expired, or already held
// by holder.
func (s *Store) Acquire(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	now := s.now()
	if current, ok := s.leases[name]; ok && current.holder != holder && now.Before(current.expiresAt) {
		return false, nil
	}
	s.leases[name] = lease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release drops the lease if holder still owns it.
func (s *Store) Release(_ context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if current, ok := s.leases[name]; ok && current.holder == holder {
		delete(s.leases, name)
	}
	return nil
}

// Ping reports whether the store is open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store closed. Data stays readable through the accessors.
func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Articles returns a copy of the stored articles in insertion order.
func (s *Store) Articles() []news.Article {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]news.Article, len(s.articles))
	copy(out, s.articles)
	return out
}

// RunLogs returns a copy of the recorded run logs in append order.
func (s *Store) RunLogs() []news.RunLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]news.RunLog, len(s.runLogs))
	copy(out, s.runLogs)
	return out
}
