// Package writer persists transformed articles, skipping ones already stored.
package writer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/tickertape-news-fetcher/internal/news"
)

// Writer inserts articles one at a time through the store's atomic
// insert-if-absent primitive.
type Writer struct {
	store  news.ArticleStore
	clock  news.Clock
	logger *zap.Logger
}

// New constructs a Writer.
func New(store news.ArticleStore, clock news.Clock, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: store, clock: clock, logger: logger}
}

// Store writes articles in input order and returns how many were new. On a
// store error it stops and returns the count inserted so far.
func (w *Writer) Store(ctx context.Context, articles []news.Article) (int, error) {
	inserted := 0
	for i, article := range articles {
		storedAt := w.clock.Now()
		article.StoredAt = &storedAt

		created, err := w.store.InsertArticleIfAbsent(ctx, article)
		if err != nil {
			return inserted, fmt.Errorf("store article %d (%s): %w", i, article.DedupKey, err)
		}
		if !created {
			w.logger.Debug("article already stored", zap.String("dedup_key", article.DedupKey))
			continue
		}
		inserted++
	}
	if len(articles) > 0 {
		w.logger.Info("articles stored",
			zap.Int("received", len(articles)),
			zap.Int("inserted", inserted),
			zap.Int("skipped", len(articles)-inserted),
		)
	}
	return inserted, nil
}
