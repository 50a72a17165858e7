// Package tickertape pages through the Ticker Tape news feed.
package tickertape

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/tickertape-news-fetcher/internal/policy/ratelimit"
)

// PageClient retrieves one raw page of the feed.
type PageClient interface {
	GetPage(ctx context.Context, offset, count int) ([]byte, error)
}

// ClientConfig controls collector behavior.
type ClientConfig struct {
	BaseURL           string
	UserAgent         string
	Timeout           time.Duration
	ConnectTimeout    time.Duration
	// Paces page requests. Zero disables pacing.
	RequestsPerSecond float64
}

// CollyClient implements PageClient using the Colly collector.
type CollyClient struct {
	cfg           ClientConfig
	baseURL       *url.URL
	baseCollector *colly.Collector
	limiter       *ratelimit.Limiter
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewCollyClient builds a CollyClient for the configured endpoint.
func NewCollyClient(cfg ClientConfig) (*CollyClient, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid source base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	// Every page of the feed shares one endpoint, so revisits are expected.
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	c.WithTransport(newHTTPTransport(cfg.ConnectTimeout))
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	client := &CollyClient{
		cfg:           cfg,
		baseURL:       base,
		baseCollector: c,
	}
	if cfg.RequestsPerSecond > 0 {
		client.limiter = ratelimit.New(ratelimit.Config{RPS: cfg.RequestsPerSecond, Burst: 1})
	}
	return client, nil
}

// GetPage executes a single GET for the page at offset and returns the body.
// Non-2xx responses and transport failures are returned as errors.
func (c *CollyClient) GetPage(ctx context.Context, offset, count int) ([]byte, error) {
	var (
		body     []byte
		fetchErr error
	)
	pageURL := c.pageURL(offset, count)
	if err := c.limiter.Wait(ctx, pageURL); err != nil {
		return nil, err
	}
	collector := c.baseCollector.Clone()
	c.configureCollectorHooks(collector, &body, &fetchErr)

	if err := c.runCollector(ctx, collector, pageURL, &fetchErr); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *CollyClient) pageURL(offset, count int) string {
	u := *c.baseURL
	q := u.Query()
	q.Set("count", strconv.Itoa(count))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("sids", "")
	q.Set("type", "news")
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *CollyClient) configureCollectorHooks(hooks collectorHooks, body *[]byte, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
	})

	hooks.OnResponse(func(r *colly.Response) {
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("unexpected status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func (c *CollyClient) runCollector(ctx context.Context, collector *colly.Collector, pageURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("page fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("page response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("page visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport(connectTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}

// IsTimeout reports whether err came from a request or dial timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
