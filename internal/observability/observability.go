// Package observability wires OpenTelemetry tracing and Prometheus metrics
// for the crawl pipeline, adapted from the teacher's internal/observability
// package. Metric names and instrumentation points are generalized from the
// teacher's job-queue/worker domain to this pipeline's worker-pool and state
// store domain; the Init/Providers shape and OTLP wiring are kept as-is.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls observability initialisation.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	OTLPEndpoint   string
	OTLPHeaders    map[string]string
	OTLPInsecure   bool
	MetricsAddress string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
	Config         Config
}

var (
	initOnce sync.Once

	poolTracer trace.Tracer

	poolURLDuration      metric.Float64Histogram
	poolOutcomeTotal     metric.Int64Counter
	poolInFlightPages    metric.Int64UpDownCounter
	poolConcurrencyLimit metric.Int64Gauge

	poolQueueWait     metric.Float64Histogram
	poolAcquireLatency metric.Float64Histogram

	poolRetryCounter   metric.Int64Counter
	poolFailureCounter metric.Int64Counter
	browserRetiredCounter metric.Int64Counter

	storeBatchLatency  metric.Float64Histogram
	storeBatchSize     metric.Int64Histogram
	storeFilterLatency metric.Float64Histogram

	cacheHitCounter  metric.Int64Counter
	cacheMissCounter metric.Int64Counter
)

// Init configures tracing and metrics exporters. When cfg.Enabled is false the function is a no-op.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "prebidwatch-crawler"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{
			getOTLPEndpointOption(cfg.OTLPEndpoint),
		}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}

		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			// Log error but don't fail startup - observability is optional.
			fmt.Printf("WARN: Failed to create OTLP trace exporter (traces disabled): %v\n", err)
			fmt.Printf("WARN: Endpoint: %s\n", cfg.OTLPEndpoint)
		} else {
			spanExporter = exp
			fmt.Printf("INFO: OTLP trace exporter initialised successfully for endpoint: %s\n", cfg.OTLPEndpoint)
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx) // best-effort cleanup
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	initOnce.Do(func() {
		poolTracer = tracerProvider.Tracer("prebidwatch/pool")
		_ = initPoolInstruments(meterProvider)
		_ = initStoreInstruments(meterProvider)
		_ = initCacheInstruments(meterProvider)
	})

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("trace provider shutdown: %w", err))
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

func getOTLPEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry instrumentation to an http.Handler, used
// for the optional /metrics diagnostic endpoint.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	options := []otelhttp.Option{
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
	}

	return otelhttp.NewHandler(handler, "http.server", options...)
}

func initPoolInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter("prebidwatch/pool")

	var err error
	poolURLDuration, err = meter.Float64Histogram(
		"crawler.pool.url.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to probe a single URL, acquire through release"),
	)
	if err != nil {
		return err
	}

	poolOutcomeTotal, err = meter.Int64Counter(
		"crawler.pool.outcome.total",
		metric.WithDescription("Counts outcomes emitted by the worker pool by kind"),
	)
	if err != nil {
		return err
	}

	poolInFlightPages, err = meter.Int64UpDownCounter(
		"crawler.pool.in_flight_pages",
		metric.WithDescription("Current number of pages being probed concurrently"),
	)
	if err != nil {
		return err
	}

	poolConcurrencyLimit, err = meter.Int64Gauge(
		"crawler.pool.concurrency_limit",
		metric.WithDescription("Configured max_concurrency for the pool"),
	)
	if err != nil {
		return err
	}

	poolQueueWait, err = meter.Float64Histogram(
		"crawler.pool.queue_wait_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time a URL spends queued before a worker begins acquiring a page"),
	)
	if err != nil {
		return err
	}

	poolAcquireLatency, err = meter.Float64Histogram(
		"crawler.pool.acquire_latency_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency to acquire a browser/page from the pool"),
	)
	if err != nil {
		return err
	}

	poolRetryCounter, err = meter.Int64Counter(
		"crawler.pool.retries_total",
		metric.WithDescription("Number of URL retry attempts"),
	)
	if err != nil {
		return err
	}

	poolFailureCounter, err = meter.Int64Counter(
		"crawler.pool.failures_total",
		metric.WithDescription("Number of URLs that ended in a permanent Error outcome"),
	)
	if err != nil {
		return err
	}

	browserRetiredCounter, err = meter.Int64Counter(
		"crawler.pool.browsers_retired_total",
		metric.WithDescription("Number of browser instances retired due to error threshold or failed health check"),
	)
	return err
}

func initStoreInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter("prebidwatch/urlstore")

	var err error
	storeBatchLatency, err = meter.Float64Histogram(
		"crawler.urlstore.batch_latency_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of an update_from_outcomes batch transaction"),
	)
	if err != nil {
		return err
	}

	storeBatchSize, err = meter.Int64Histogram(
		"crawler.urlstore.batch_size",
		metric.WithDescription("Number of outcomes applied per update_from_outcomes batch"),
	)
	if err != nil {
		return err
	}

	storeFilterLatency, err = meter.Float64Histogram(
		"crawler.urlstore.filter_latency_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of a filter_unprocessed scan"),
	)
	return err
}

func initCacheInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter("prebidwatch/cache")

	var err error
	cacheHitCounter, err = meter.Int64Counter(
		"crawler.content_cache.hits_total",
		metric.WithDescription("Content cache hits"),
	)
	if err != nil {
		return err
	}

	cacheMissCounter, err = meter.Int64Counter(
		"crawler.content_cache.misses_total",
		metric.WithDescription("Content cache misses (fetches performed)"),
	)
	return err
}

// PoolURLSpanInfo describes the attributes used when starting a span for a
// single URL's pass through the worker pool.
type PoolURLSpanInfo struct {
	URL    string
	Domain string
}

// StartPoolURLSpan starts a span covering one URL's Acquiring→Released path.
func StartPoolURLSpan(ctx context.Context, info PoolURLSpanInfo) (context.Context, trace.Span) {
	t := poolTracer
	if t == nil {
		t = otel.Tracer("prebidwatch/pool")
	}

	attrs := []attribute.KeyValue{
		attribute.String("url", info.URL),
		attribute.String("domain", info.Domain),
	}

	return t.Start(ctx, "pool.process_url", trace.WithAttributes(attrs...))
}

// PoolURLMetrics describes a processed URL for metric recording.
type PoolURLMetrics struct {
	Outcome   string
	Duration  time.Duration
	QueueWait time.Duration
}

// RecordPoolURL emits worker pool metrics when instrumentation is initialised.
func RecordPoolURL(ctx context.Context, m PoolURLMetrics) {
	if poolURLDuration != nil {
		poolURLDuration.Record(ctx, float64(m.Duration.Milliseconds()),
			metric.WithAttributes(attribute.String("outcome", m.Outcome)))
	}
	if m.QueueWait > 0 && poolQueueWait != nil {
		poolQueueWait.Record(ctx, float64(m.QueueWait.Milliseconds()),
			metric.WithAttributes(attribute.String("outcome", m.Outcome)))
	}
	if poolOutcomeTotal != nil {
		poolOutcomeTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", m.Outcome)))
	}
}

// RecordPoolConcurrency records the change in concurrently in-flight pages.
// delta is +1 when acquiring, -1 when releasing; limit is recorded once per
// pool on startup.
func RecordPoolConcurrency(ctx context.Context, delta int64, limit int64) {
	if poolInFlightPages != nil {
		poolInFlightPages.Add(ctx, delta)
	}
	if limit > 0 && poolConcurrencyLimit != nil {
		poolConcurrencyLimit.Record(ctx, limit)
	}
}

// RecordPoolAcquireLatency records the time spent acquiring a browser/page.
func RecordPoolAcquireLatency(ctx context.Context, latency time.Duration) {
	if poolAcquireLatency != nil {
		poolAcquireLatency.Record(ctx, float64(latency.Milliseconds()))
	}
}

// RecordPoolRetry records a retry of a transient-error URL.
func RecordPoolRetry(ctx context.Context, code string) {
	if poolRetryCounter != nil {
		poolRetryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("error_code", code)))
	}
}

// RecordPoolFailure records a URL that ended in a permanent Error outcome.
func RecordPoolFailure(ctx context.Context, code string) {
	if poolFailureCounter != nil {
		poolFailureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("error_code", code)))
	}
}

// RecordBrowserRetired records a browser instance leaving rotation.
func RecordBrowserRetired(ctx context.Context, reason string) {
	if browserRetiredCounter != nil {
		browserRetiredCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordStoreBatch records the latency and size of an update_from_outcomes batch.
func RecordStoreBatch(ctx context.Context, latency time.Duration, size int) {
	if storeBatchLatency != nil {
		storeBatchLatency.Record(ctx, float64(latency.Milliseconds()))
	}
	if storeBatchSize != nil {
		storeBatchSize.Record(ctx, int64(size))
	}
}

// RecordStoreFilter records the latency of a filter_unprocessed scan.
func RecordStoreFilter(ctx context.Context, latency time.Duration) {
	if storeFilterLatency != nil {
		storeFilterLatency.Record(ctx, float64(latency.Milliseconds()))
	}
}

// RecordCacheHit records a content cache hit.
func RecordCacheHit(ctx context.Context) {
	if cacheHitCounter != nil {
		cacheHitCounter.Add(ctx, 1)
	}
}

// RecordCacheMiss records a content cache miss (a fetch was performed).
func RecordCacheMiss(ctx context.Context) {
	if cacheMissCounter != nil {
		cacheMissCounter.Add(ctx, 1)
	}
}
