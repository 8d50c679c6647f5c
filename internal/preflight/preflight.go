// Package preflight implements the optional DNS/TLS/prior-health screen
// that reduces futile page loads before a URL reaches the Worker Pool.
// Grounded on the teacher's internal/crawler.Crawler (its
// http.Client-based request path, generalized to a DNS resolve + TLS
// handshake probe) and internal/jobs/domain_limiter.go's per-host failure
// history, adapted from adaptive-delay bookkeeping to a simple pass/fail
// prediction. Partition dedupes concurrent checks against the same host
// with golang.org/x/sync/singleflight, adapted from the teacher's
// jobInfoGroup coalescing pattern in internal/jobs/worker.go.
package preflight

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/prebidwatch/crawler/internal/pipeline"
)

// Check is the result of pre-flighting a single URL.
type Check struct {
	URL             string
	PassedDNS       bool
	PassedTLS       bool
	PredictedToFail bool
	SkipReason      string
	Warnings        []string
}

// Partition is the orchestrator-facing split of a batch of Checks.
type Partition struct {
	Processable []string
	Skipped     []pipeline.Outcome // Error outcomes for URLs that failed a hard check
	Warned      []Check            // processable but risky
}

// HostHealth tracks per-host failure history for the prior-health
// prediction, generalized from internal/jobs/domain_limiter.go's
// domainState bookkeeping.
type HostHealth struct {
	mu            sync.Mutex
	failureStreak map[string]int
}

// NewHostHealth builds an empty HostHealth tracker.
func NewHostHealth() *HostHealth {
	return &HostHealth{failureStreak: make(map[string]int)}
}

// RecordFailure increments host's consecutive-failure streak.
func (h *HostHealth) RecordFailure(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failureStreak[host]++
}

// RecordSuccess clears host's failure streak.
func (h *HostHealth) RecordSuccess(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.failureStreak, host)
}

// predictedToFailThreshold is the number of consecutive prior failures for a
// host at or above which a new URL on that host is flagged as likely to fail.
const predictedToFailThreshold = 5

func (h *HostHealth) predictFailure(host string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failureStreak[host] >= predictedToFailThreshold
}

// HostFailureSource supplies the State Store's per-host failure history so
// Partition can flag a host as risky even before this process has seen it
// fail (the in-process HostHealth streak only covers the current run).
type HostFailureSource interface {
	// HostFailureRate returns the fraction of host's recorded outcomes that
	// ended in error, and the number of records that fraction is based on.
	HostFailureRate(ctx context.Context, host string) (rate float64, total int, err error)
}

// Prior-health thresholds for the State Store-backed prediction: a host
// needs at least minHostFailureSamples prior records before its failure
// rate is trusted, and that rate must clear hostFailureRateThreshold.
const (
	minHostFailureSamples    = 3
	hostFailureRateThreshold = 0.5
)

// Filter runs the DNS/TLS/prior-health screen.
type Filter struct {
	dnsTimeout time.Duration
	tlsTimeout time.Duration
	health     *HostHealth
	source     HostFailureSource
	resolver   *net.Resolver
	group      singleflight.Group
	log        zerolog.Logger
}

// New builds a Filter with the given per-check timeouts, a shared HostHealth
// tracker (nil creates a fresh one), and an optional HostFailureSource (nil
// disables store-backed prior-health prediction, leaving only the
// in-process streak).
func New(dnsTimeout, tlsTimeout time.Duration, health *HostHealth, source HostFailureSource, log zerolog.Logger) *Filter {
	if health == nil {
		health = NewHostHealth()
	}
	return &Filter{
		dnsTimeout: dnsTimeout,
		tlsTimeout: tlsTimeout,
		health:     health,
		source:     source,
		resolver:   net.DefaultResolver,
		log:        log.With().Str("component", "preflight").Logger(),
	}
}

// hostCheckResult is the host-scoped (not URL-scoped) outcome of the DNS/TLS
// probe, cached across concurrent callers sharing a host via singleflight.
type hostCheckResult struct {
	PassedDNS  bool
	PassedTLS  bool
	SkipReason string
}

// checkHost runs the DNS resolution and, for https URLs, the best-effort TLS
// handshake for one host. Called at most once concurrently per host via
// Filter.group, however many URLs on that host are in flight.
func (f *Filter) checkHost(ctx context.Context, scheme, host string) hostCheckResult {
	dnsCtx, cancel := context.WithTimeout(ctx, f.dnsTimeout)
	_, dnsErr := f.resolver.LookupHost(dnsCtx, host)
	cancel()
	if dnsErr != nil {
		f.health.RecordFailure(host)
		return hostCheckResult{SkipReason: "DNS_UNRESOLVED"}
	}

	if scheme != "https" {
		return hostCheckResult{PassedDNS: true, PassedTLS: true}
	}

	tlsCtx, cancel := context.WithTimeout(ctx, f.tlsTimeout)
	defer cancel()
	conn, tlsErr := (&tls.Dialer{}).DialContext(tlsCtx, "tcp", net.JoinHostPort(host, "443"))
	if tlsErr != nil {
		f.health.RecordFailure(host)
		return hostCheckResult{PassedDNS: true, SkipReason: "TLS_INVALID"}
	}
	conn.Close()
	return hostCheckResult{PassedDNS: true, PassedTLS: true}
}

// CheckURL runs the DNS resolution, best-effort TLS handshake, and
// prior-health prediction for a single URL. The DNS/TLS probe is
// deduplicated per host-plus-scheme across concurrent CheckURL calls, so a
// batch of URLs on the same host only resolves and dials it once.
func (f *Filter) CheckURL(ctx context.Context, rawURL string) Check {
	check := Check{URL: rawURL}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		check.SkipReason = "unparseable URL"
		return check
	}
	host := parsed.Hostname()

	v, _, _ := f.group.Do(parsed.Scheme+"://"+host, func() (interface{}, error) {
		return f.checkHost(ctx, parsed.Scheme, host), nil
	})
	result := v.(hostCheckResult)
	check.PassedDNS = result.PassedDNS
	check.PassedTLS = result.PassedTLS
	check.SkipReason = result.SkipReason
	if !check.PassedDNS || !check.PassedTLS {
		return check
	}

	if f.health.predictFailure(host) {
		check.PredictedToFail = true
		check.Warnings = append(check.Warnings, "host has repeated recent failures")
		return check
	}

	if f.source != nil {
		if rate, total, rateErr := f.source.HostFailureRate(ctx, host); rateErr == nil &&
			total >= minHostFailureSamples && rate >= hostFailureRateThreshold {
			check.PredictedToFail = true
			check.Warnings = append(check.Warnings, "host has a high historical failure rate")
		}
	}

	return check
}

// preflightConcurrency bounds how many CheckURL calls Partition runs at
// once; singleflight collapses the ones that land on the same host.
const preflightConcurrency = 16

// Partition runs CheckURL over every URL, concurrently up to
// preflightConcurrency, and splits the batch into processable, skipped (hard
// failure, converted to an Error outcome with the matching code), and warned
// (processable but risky). Output order matches the input order regardless
// of completion order.
func (f *Filter) Partition(ctx context.Context, urls []string) Partition {
	checks := make([]Check, len(urls))

	sem := make(chan struct{}, preflightConcurrency)
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, u string) {
			defer wg.Done()
			defer func() { <-sem }()
			checks[i] = f.CheckURL(ctx, u)
		}(i, u)
	}
	wg.Wait()

	var out Partition
	for _, check := range checks {
		switch {
		case !check.PassedDNS:
			out.Skipped = append(out.Skipped, pipeline.Failure(check.URL, pipeline.CodeDNSUnresolved, nil))
		case !check.PassedTLS:
			out.Skipped = append(out.Skipped, pipeline.Failure(check.URL, pipeline.CodeTLSInvalid, nil))
		case check.PredictedToFail:
			out.Warned = append(out.Warned, check)
			out.Processable = append(out.Processable, check.URL)
		default:
			out.Processable = append(out.Processable, check.URL)
		}
	}

	return out
}

// RecordOutcome feeds a Worker Pool outcome back into the host health
// tracker so future pre-flight predictions account for it.
func (f *Filter) RecordOutcome(rawURL string, o pipeline.Outcome) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	host := parsed.Hostname()

	if o.Kind == pipeline.OutcomeError {
		f.health.RecordFailure(host)
	} else {
		f.health.RecordSuccess(host)
	}
}
