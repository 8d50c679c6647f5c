// Package cache memoizes remote corpus fetches so that the same source URL,
// read with different ranges in the same run, triggers at most one network
// fetch. Adapted from the teacher's internal/cache.InMemoryCache, generalized
// from a bare key-value store into the Content Cache described by the
// extraction pipeline's data model.
package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prebidwatch/crawler/internal/observability"
	"github.com/prebidwatch/crawler/internal/pipeline"
	"github.com/prebidwatch/crawler/internal/util"
)

// CachedContent is a single memoized fetch result.
type CachedContent struct {
	SourceKey string
	BodyText  string
	FetchedAt time.Time
	SizeBytes int64
	HitCount  int64
}

// Fetcher performs the single HTTP GET a cache miss requires. The default
// implementation is httpFetcher; tests substitute a stub.
type Fetcher interface {
	Fetch(ctx context.Context, source string) (string, error)
}

// httpFetcher is the production Fetcher, built the way the teacher's
// internal/crawler.Crawler.CreateHTTPClient configures its client: explicit
// timeout, no silent redirect-following surprises beyond net/http's default.
type httpFetcher struct {
	client *http.Client
}

func newHTTPFetcher(timeout time.Duration) *httpFetcher {
	return &httpFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *httpFetcher) Fetch(ctx context.Context, source string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", fmt.Errorf("building request for %s: %w", source, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetching %s: unexpected status %d", source, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading body of %s: %w", source, err)
	}
	if len(body) == 0 {
		return "", fmt.Errorf("fetching %s: empty body", source)
	}
	return string(body), nil
}

// Cache memoizes successful fetches keyed by source URL. A failed fetch is
// never stored, so a subsequent call retries the network.
type Cache struct {
	mu      sync.RWMutex
	items   map[string]*CachedContent
	fetcher Fetcher
	log     zerolog.Logger
}

// New builds a Cache whose misses are satisfied by an HTTP GET with the
// given timeout.
func New(timeout time.Duration, log zerolog.Logger) *Cache {
	return &Cache{
		items:   make(map[string]*CachedContent),
		fetcher: newHTTPFetcher(timeout),
		log:     log.With().Str("component", "content_cache").Logger(),
	}
}

// NewWithFetcher builds a Cache with a caller-supplied Fetcher, for tests and
// for local-file sources that never hit the network.
func NewWithFetcher(fetcher Fetcher, log zerolog.Logger) *Cache {
	return &Cache{
		items:   make(map[string]*CachedContent),
		fetcher: fetcher,
		log:     log.With().Str("component", "content_cache").Logger(),
	}
}

// GetOrFetch returns the cached body for source if present; otherwise it
// performs one fetch, storing the result only when it succeeds with a
// non-empty body. A failed fetch does not poison the cache — the next call
// for the same source tries again.
func (c *Cache) GetOrFetch(ctx context.Context, source string) (string, error) {
	c.mu.RLock()
	if entry, ok := c.items[source]; ok {
		entry.HitCount++
		body := entry.BodyText
		c.mu.RUnlock()
		observability.RecordCacheHit(ctx)
		return body, nil
	}
	c.mu.RUnlock()

	observability.RecordCacheMiss(ctx)
	body, err := c.fetcher.Fetch(ctx, source)
	if err != nil {
		c.log.Warn().Err(err).Str("source", source).Msg("content cache fetch failed")
		return "", err
	}

	c.mu.Lock()
	c.items[source] = &CachedContent{
		SourceKey: source,
		BodyText:  body,
		FetchedAt: time.Now().UTC(),
		SizeBytes: int64(len(body)),
		HitCount:  0,
	}
	c.mu.Unlock()

	return body, nil
}

// Stats returns a snapshot of every cached entry, for diagnostics.
func (c *Cache) Stats() []CachedContent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CachedContent, 0, len(c.items))
	for _, entry := range c.items {
		out = append(out, *entry)
	}
	return out
}

// ExtractRange splits body by line terminators, normalizes each line per the
// util package's URL normalisation rules, and returns the 1-based inclusive
// [rng.Start, rng.End] slice of the resulting URL sequence, clamped to the
// sequence's length. It is pure: no I/O, no mutation of the cache.
func ExtractRange(body string, rng pipeline.RangeSpec) []string {
	lines := util.SplitLines(body)

	urls := make([]string, 0, len(lines))
	for _, line := range lines {
		normalised, ok := util.NormaliseLine(line)
		if !ok {
			continue
		}
		urls = append(urls, normalised)
	}

	lo, hi := rng.Slice(len(urls))
	return urls[lo:hi]
}
