// Package pool implements the Worker Pool: it owns a bounded set of browser
// instances, executes the Page Probe against a URL inside a managed browser
// context with strict timeouts, and converts every failure into a
// classified Outcome. The headless browser itself is an external
// collaborator per the core's scope (browser automation and stealth
// libraries are out of scope); this package defines the BrowserHandle
// interface the pool depends on and a lightweight HTTP-based stand-in,
// HTTPBrowserFactory, built on the teacher's colly-based fetch path.
//
// Per-domain pacing and lifecycle/error handling are generalized from
// internal/jobs/worker.go's processTask/handleTaskError and
// internal/jobs/domain_limiter.go's Acquire/Release permit pattern. The pool
// does not retry a URL itself; retries happen on later runs via the State
// Store's retry status.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/prebidwatch/crawler/internal/observability"
	"github.com/prebidwatch/crawler/internal/pipeline"
	"github.com/prebidwatch/crawler/internal/probe"
)

// State is a per-URL lifecycle state, per §4.5's state machine:
// Queued → Acquiring → Navigating → Probing → Emitting → Released.
type State int

const (
	StateQueued State = iota
	StateAcquiring
	StateNavigating
	StateProbing
	StateEmitting
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateAcquiring:
		return "acquiring"
	case StateNavigating:
		return "navigating"
	case StateProbing:
		return "probing"
	case StateEmitting:
		return "emitting"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// BrowserHandle is a leased browser instance capable of navigating to a URL
// and producing a probe.Page. Implementations own the actual browser
// process/connection; HTTPBrowserHandle is the in-repo stand-in.
type BrowserHandle interface {
	Navigate(ctx context.Context, targetURL string) (probe.Page, error)
	Healthy() bool
	Close() error
}

// BrowserFactory constructs a new BrowserHandle.
type BrowserFactory func(ctx context.Context) (BrowserHandle, error)

// DialogDismisser is implemented by pages capable of raising a native
// dialog (alert/confirm/prompt); a real headless-browser Page would
// implement it. The HTTP stand-in does not, since it never runs page JS.
type DialogDismisser interface {
	DismissDialogs(ctx context.Context) error
}

// Config controls the pool's topology and timeouts, per §4.5.
type Config struct {
	MaxConcurrency     int
	MaxPagesPerBrowser int
	ErrorThreshold     int

	PageAcquireTimeout time.Duration
	NavigationTimeout  time.Duration
	ProbeTimeout       time.Duration
	TaskTimeout        time.Duration

	// PerHostRateLimit, when positive, is the minimum delay between two
	// requests to the same host (0 disables per-host pacing).
	PerHostRateLimit time.Duration
}

// DefaultConfig returns timeouts matching §4.5's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:     10,
		MaxPagesPerBrowser: 50,
		ErrorThreshold:     5,
		PageAcquireTimeout: 5 * time.Second,
		NavigationTimeout:  60 * time.Second,
		ProbeTimeout:       10 * time.Second,
		TaskTimeout:        120 * time.Second,
	}
}

type browserEntry struct {
	handle      BrowserHandle
	pagesServed int
	errorCount  int
}

// Pool is the Worker Pool.
type Pool struct {
	cfg     Config
	factory BrowserFactory
	probe   probe.Probe
	log     zerolog.Logger

	sem chan struct{} // bounds in-flight pages to cfg.MaxConcurrency

	mu       sync.Mutex
	browsers []*browserEntry

	hostLimiters   map[string]*rate.Limiter
	hostLimitersMu sync.Mutex
}

// New builds a Pool with the given factory (browser construction) and
// probe (page-content extraction).
func New(cfg Config, factory BrowserFactory, pb probe.Probe, log zerolog.Logger) *Pool {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	return &Pool{
		cfg:          cfg,
		factory:      factory,
		probe:        pb,
		log:          log.With().Str("component", "pool").Logger(),
		sem:          make(chan struct{}, cfg.MaxConcurrency),
		hostLimiters: make(map[string]*rate.Limiter),
	}
}

// Process runs one URL through the full Queued→Released lifecycle and
// returns exactly one Outcome, never an error: §8's exactly-once-outcome
// invariant is enforced here by construction — every return path below
// produces an Outcome.
func (p *Pool) Process(ctx context.Context, targetURL string) pipeline.Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	spanCtx, span := observability.StartPoolURLSpan(ctx, observability.PoolURLSpanInfo{URL: targetURL})
	defer span.End()
	ctx = spanCtx

	observability.RecordPoolConcurrency(ctx, 1, int64(p.cfg.MaxConcurrency))
	defer observability.RecordPoolConcurrency(ctx, -1, 0)

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return p.fail(ctx, targetURL, pipeline.CodeCancelled, ctx.Err(), start)
	}
	defer func() { <-p.sem }()

	if err := p.waitHostLimiter(ctx, targetURL); err != nil {
		return p.fail(ctx, targetURL, pipeline.CodeCancelled, err, start)
	}

	entry, err := p.acquireBrowser(ctx)
	if err != nil {
		return p.fail(ctx, targetURL, pipeline.CodeBrowserPageError, err, start)
	}

	navCtx, navCancel := context.WithTimeout(ctx, p.cfg.NavigationTimeout)
	page, navErr := entry.handle.Navigate(navCtx, targetURL)
	navCancel()

	if navErr != nil {
		p.recordBrowserError(entry)
		code, _ := pipeline.Classify(navErr)
		if code == pipeline.CodeProcessingError {
			code = pipeline.CodeNavigationAborted
		}
		p.releaseBrowser(ctx, entry, page, navErr)
		return p.fail(ctx, targetURL, code, navErr, start)
	}

	if dismisser, ok := page.(DialogDismisser); ok {
		if err := dismisser.DismissDialogs(ctx); err != nil {
			p.log.Warn().Err(err).Str("url", targetURL).Msg("dialog dismissal failed, continuing")
		}
	}

	probeCtx, probeCancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	data, probeErr := p.probe.Extract(probeCtx, page)
	probeCancel()

	if probeErr != nil {
		p.recordBrowserError(entry)
		code, _ := pipeline.Classify(probeErr)
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			code = pipeline.CodeProbeTimeout
		} else if code == pipeline.CodeProcessingError {
			code = pipeline.CodeProbeEvalError
		}
		p.releaseBrowser(ctx, entry, page, probeErr)
		return p.fail(ctx, targetURL, code, probeErr, start)
	}

	p.releaseBrowser(ctx, entry, page, nil)

	if data == nil {
		observability.RecordPoolURL(ctx, observability.PoolURLMetrics{Outcome: "no_data", Duration: time.Since(start)})
		return pipeline.NoData(targetURL)
	}
	observability.RecordPoolURL(ctx, observability.PoolURLMetrics{Outcome: "success", Duration: time.Since(start)})
	return pipeline.Success(targetURL, data)
}

// fail builds an Error outcome from cause, recording duration plus a
// retry-or-failure counter depending on whether code is transient.
func (p *Pool) fail(ctx context.Context, targetURL string, code pipeline.ErrorCode, cause error, start time.Time) pipeline.Outcome {
	observability.RecordPoolURL(ctx, observability.PoolURLMetrics{Outcome: "error", Duration: time.Since(start)})
	if pipeline.IsPermanent(code) {
		observability.RecordPoolFailure(ctx, string(code))
	} else {
		observability.RecordPoolRetry(ctx, string(code))
	}
	return pipeline.Failure(targetURL, code, cause)
}

// acquireBrowser returns a browser with spare page capacity and a healthy
// status, creating a new one lazily if none is available, bounded by
// cfg.PageAcquireTimeout.
func (p *Pool) acquireBrowser(ctx context.Context) (*browserEntry, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.PageAcquireTimeout)
	defer cancel()

	start := time.Now()
	defer func() { observability.RecordPoolAcquireLatency(ctx, time.Since(start)) }()

	p.mu.Lock()
	for _, entry := range p.browsers {
		if entry.pagesServed < p.cfg.MaxPagesPerBrowser && entry.errorCount < p.cfg.ErrorThreshold && entry.handle.Healthy() {
			entry.pagesServed++
			p.mu.Unlock()
			return entry, nil
		}
	}
	p.mu.Unlock()

	handle, err := p.factory(acquireCtx)
	if err != nil {
		return nil, fmt.Errorf("pool: acquiring browser: %w", err)
	}

	entry := &browserEntry{handle: handle, pagesServed: 1}
	p.mu.Lock()
	p.browsers = append(p.browsers, entry)
	p.mu.Unlock()
	return entry, nil
}

func (p *Pool) recordBrowserError(entry *browserEntry) {
	p.mu.Lock()
	entry.errorCount++
	p.mu.Unlock()
}

// releaseBrowser always closes the page's underlying resources via the
// probe.Page/BrowserHandle contract, retiring the browser if it has crossed
// the error threshold or failed its health check.
func (p *Pool) releaseBrowser(ctx context.Context, entry *browserEntry, page probe.Page, pageErr error) {
	if closer, ok := page.(interface{ Close() error }); ok && page != nil {
		if err := closer.Close(); err != nil {
			p.recordBrowserError(entry)
		}
	}

	p.mu.Lock()
	retire := entry.errorCount >= p.cfg.ErrorThreshold || !entry.handle.Healthy()
	if retire {
		p.browsers = removeBrowser(p.browsers, entry)
	}
	p.mu.Unlock()

	if retire {
		_ = entry.handle.Close()
		reason := "error_threshold"
		if !entry.handle.Healthy() {
			reason = "health_check_failed"
		}
		observability.RecordBrowserRetired(ctx, reason)
	}
}

func removeBrowser(browsers []*browserEntry, target *browserEntry) []*browserEntry {
	out := browsers[:0]
	for _, b := range browsers {
		if b != target {
			out = append(out, b)
		}
	}
	return out
}

// waitHostLimiter applies optional per-host pacing, generalized from
// internal/jobs/domain_limiter.go's adaptive per-domain delay into a plain
// token-bucket rate limiter per host.
func (p *Pool) waitHostLimiter(ctx context.Context, targetURL string) error {
	if p.cfg.PerHostRateLimit <= 0 {
		return nil
	}
	host := hostOf(targetURL)
	if host == "" {
		return nil
	}

	p.hostLimitersMu.Lock()
	limiter, ok := p.hostLimiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(p.cfg.PerHostRateLimit), 1)
		p.hostLimiters[host] = limiter
	}
	p.hostLimitersMu.Unlock()

	return limiter.Wait(ctx)
}

// Shutdown closes every browser currently in rotation.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.browsers {
		_ = entry.handle.Close()
	}
	p.browsers = nil
}
