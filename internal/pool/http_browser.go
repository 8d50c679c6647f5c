package pool

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog"

	"github.com/prebidwatch/crawler/internal/pipeline"
	"github.com/prebidwatch/crawler/internal/probe"
)

// HTTPBrowserFactory builds HTTPBrowserHandle instances: a plain-HTTP
// stand-in for a real headless-browser factory, grounded on the teacher's
// Crawler.WarmURL (internal/crawler/crawler.go), which fetches through a
// colly collector. A real deployment would instead launch a headless
// browser capable of executing page JS; that browser-automation layer is
// an external collaborator here.
type HTTPBrowserFactory struct {
	UserAgent string
	Timeout   time.Duration
}

// NewHTTPBrowserFactory returns a BrowserFactory using colly-driven HTTP
// fetches.
func NewHTTPBrowserFactory(userAgent string, timeout time.Duration, log zerolog.Logger) BrowserFactory {
	f := &HTTPBrowserFactory{UserAgent: userAgent, Timeout: timeout}
	return func(ctx context.Context) (BrowserHandle, error) {
		return f.newHandle(log), nil
	}
}

func (f *HTTPBrowserFactory) newHandle(log zerolog.Logger) *HTTPBrowserHandle {
	return &HTTPBrowserHandle{
		userAgent: f.UserAgent,
		timeout:   f.Timeout,
		log:       log.With().Str("component", "http_browser").Logger(),
		healthy:   true,
	}
}

// HTTPBrowserHandle is a BrowserHandle backed by a colly.Collector instead
// of a real browser process. Each Navigate call builds its own collector
// rather than sharing one across calls, since a Pool entry can be acquired
// by more than one goroutine's in-flight request (see Pool.acquireBrowser)
// and colly's OnResponse/OnError callbacks close over per-request state.
type HTTPBrowserHandle struct {
	userAgent string
	timeout   time.Duration
	log       zerolog.Logger
	healthy   bool
}

// Navigate performs a single GET through a colly.Collector and wraps the
// response as a probe.Page. Non-2xx statuses are reported as errors through
// pipeline.StatusToError so Classify can turn them into the matching
// HTTP_<status> code, mirroring the teacher's WarmURL/handleResponseType
// split between transport failures and HTTP-level failures.
func (h *HTTPBrowserHandle) Navigate(ctx context.Context, targetURL string) (probe.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parsed, err := url.Parse(targetURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("pool: invalid url %q: %w", targetURL, err)
	}

	collector := colly.NewCollector(
		colly.UserAgent(h.userAgent),
		colly.MaxDepth(1),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(h.timeout)
	// Without this, colly skips OnResponse for statuses >= 203 and returns a
	// bare status-text error instead.
	collector.ParseHTTPErrorResponse = true

	var page *probe.StaticPage
	var statusCode int
	collector.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		page = &probe.StaticPage{
			PageURL: r.Request.URL.String(),
			Body:    string(r.Body),
			Headers: *r.Headers,
		}
	})

	visitErr := collector.Visit(targetURL)
	if page == nil {
		h.healthy = false
		if visitErr != nil {
			return nil, visitErr
		}
		return nil, fmt.Errorf("pool: no response received for %q", targetURL)
	}

	if !pipeline.IsSuccessStatus(statusCode) {
		return page, pipeline.StatusToError(statusCode)
	}
	return page, nil
}

// Healthy reports false once any navigation on this handle has received no
// response at all; it is never reset to true. A real browser implementation
// would instead check its process/connection liveness.
func (h *HTTPBrowserHandle) Healthy() bool {
	return h.healthy
}

// Close is a no-op: net/http connections are pooled by the transport, not
// owned per-handle.
func (h *HTTPBrowserHandle) Close() error {
	return nil
}

// hostOf extracts the host component used for per-host rate limiting,
// returning "" for an unparseable URL (which disables pacing for it rather
// than erroring the whole request).
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
