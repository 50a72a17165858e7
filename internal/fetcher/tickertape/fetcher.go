package tickertape

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/tickertape-news-fetcher/internal/metrics"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/news"
)

// Defaults applied when Config leaves a field unset.
const (
	DefaultPageSize = 10
	DefaultMaxPages = 500
)

// ErrorKind classifies page-level failures.
type ErrorKind string

// Page failure kinds.
const (
	KindNetwork   ErrorKind = "network"
	KindMalformed ErrorKind = "malformed"
)

// FetchError describes the page failure that truncated pagination.
type FetchError struct {
	Kind   ErrorKind
	Page   int
	Offset int
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s failure on page %d (offset %d): %v", e.Kind, e.Page, e.Offset, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// errMissingNews marks a body without a data.news array.
var errMissingNews = errors.New("response has no data.news array")

// Config controls pagination.
type Config struct {
	PageSize      int
	MaxPages      int
	ArchivePrefix string
}

// Fetcher implements news.Fetcher against the Ticker Tape feed.
type Fetcher struct {
	client  PageClient
	archive news.BlobStore
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Fetcher. archive may be nil.
func New(client PageClient, archive news.BlobStore, cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client:  client,
		archive: archive,
		cfg:     cfg,
		logger:  logger,
	}
}

// Fetch pages through the feed until a page fails, a page comes back empty,
// the first page of a cold start is read, a page reaches the watermark, or
// the page cap is hit. Articles are returned in API order; the page that
// reaches the watermark is included.
func (f *Fetcher) Fetch(ctx context.Context, req news.FetchRequest) news.FetchResult {
	result := news.FetchResult{Articles: []news.RawArticle{}}
	log := f.logger.With(zap.String("run_id", req.RunID))

	for page := 0; page < f.cfg.MaxPages; page++ {
		offset := page * f.cfg.PageSize

		body, err := f.client.GetPage(ctx, offset, f.cfg.PageSize)
		if err != nil {
			metrics.ObservePage(metrics.PageNetwork)
			f.truncate(&result, log, &FetchError{Kind: KindNetwork, Page: page + 1, Offset: offset, Err: err})
			return result
		}
		articles, err := decodePage(body)
		if err != nil {
			metrics.ObservePage(metrics.PageMalformed)
			f.truncate(&result, log, &FetchError{Kind: KindMalformed, Page: page + 1, Offset: offset, Err: err})
			return result
		}
		if len(articles) == 0 {
			metrics.ObservePage(metrics.PageEmpty)
			log.Info("no more articles", zap.Int("offset", offset))
			result.StopReason = news.StopExhausted
			return f.finish(result, log)
		}

		metrics.ObservePage(metrics.PageOK)
		result.Pages++
		result.Articles = append(result.Articles, articles...)
		log.Debug("page fetched",
			zap.Int("page", page+1),
			zap.Int("offset", offset),
			zap.Int("articles", len(articles)),
		)
		f.archivePage(ctx, log, req.RunID, page+1, body)

		if !req.HasWatermark {
			result.StopReason = news.StopColdStart
			return f.finish(result, log)
		}
		if oldest := oldestDate(articles); oldest <= req.Watermark {
			log.Info("reached already-stored articles",
				zap.String("oldest_in_page", oldest),
				zap.String("watermark", req.Watermark),
			)
			result.StopReason = news.StopCaughtUp
			return f.finish(result, log)
		}
	}

	log.Warn("page cap reached before catching up", zap.Int("max_pages", f.cfg.MaxPages))
	result.StopReason = news.StopPageCap
	return f.finish(result, log)
}

func (f *Fetcher) truncate(result *news.FetchResult, log *zap.Logger, cause *FetchError) {
	result.Truncated = true
	result.StopReason = news.StopFailure
	result.Cause = cause
	log.Warn("pagination stopped on page failure",
		zap.String("kind", string(cause.Kind)),
		zap.Int("page", cause.Page),
		zap.Int("offset", cause.Offset),
		zap.Bool("timeout", IsTimeout(cause.Err)),
		zap.Int("articles_kept", len(result.Articles)),
		zap.Error(cause.Err),
	)
}

func (f *Fetcher) finish(result news.FetchResult, log *zap.Logger) news.FetchResult {
	log.Info("fetch complete",
		zap.Int("articles", len(result.Articles)),
		zap.Int("pages", result.Pages),
		zap.String("stop_reason", string(result.StopReason)),
	)
	return result
}

func (f *Fetcher) archivePage(ctx context.Context, log *zap.Logger, runID string, page int, body []byte) {
	if f.archive == nil {
		return
	}
	if runID == "" {
		runID = "adhoc"
	}
	objectPath := path.Join(f.cfg.ArchivePrefix, runID, fmt.Sprintf("page-%04d.json", page))
	uri, err := f.archive.PutObject(ctx, objectPath, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Warn("archive page failed", zap.String("path", objectPath), zap.Error(err))
		return
	}
	log.Debug("page archived", zap.String("uri", uri))
}

type pageEnvelope struct {
	Data *struct {
		News json.RawMessage `json:"news"`
	} `json:"data"`
}

// decodePage extracts the article array at data.news. A null array is an
// empty page; a missing one is malformed.
func decodePage(body []byte) ([]news.RawArticle, error) {
	var env pageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	if env.Data == nil || len(env.Data.News) == 0 {
		return nil, errMissingNews
	}
	var articles []news.RawArticle
	if err := json.Unmarshal(env.Data.News, &articles); err != nil {
		return nil, fmt.Errorf("decode data.news: %w", err)
	}
	return articles, nil
}

// oldestDate returns the lexicographically smallest date in the page.
// Missing dates count as "".
func oldestDate(articles []news.RawArticle) string {
	oldest := articles[0].String("date")
	for _, a := range articles[1:] {
		if d := a.String("date"); d < oldest {
			oldest = d
		}
	}
	return oldest
}
