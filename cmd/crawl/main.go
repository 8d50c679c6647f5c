// Command crawl is the batch entrypoint: it parses the CLI option surface,
// resolves it into a config.Config, wires every component together, runs
// one Orchestrator pass, and prints the structured end-of-run summary.
// Initialization sequencing (env loading, logging setup, Sentry, graceful
// shutdown on SIGINT/SIGTERM) is grounded on the teacher's cmd/app/main.go,
// adapted from a long-running HTTP server to a single batch run that exits
// when the orchestrator returns. No CLI framework appears anywhere in the
// example pack, so flag parsing uses the standard library.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prebidwatch/crawler/internal/artifact"
	"github.com/prebidwatch/crawler/internal/cache"
	"github.com/prebidwatch/crawler/internal/config"
	"github.com/prebidwatch/crawler/internal/loader"
	"github.com/prebidwatch/crawler/internal/logging"
	"github.com/prebidwatch/crawler/internal/observability"
	"github.com/prebidwatch/crawler/internal/orchestrator"
	"github.com/prebidwatch/crawler/internal/pipeline"
	"github.com/prebidwatch/crawler/internal/pool"
	"github.com/prebidwatch/crawler/internal/preflight"
	"github.com/prebidwatch/crawler/internal/probe"
	"github.com/prebidwatch/crawler/internal/urlstore"
)

// cliOptions is the flag.FlagSet-bound surface; it maps onto config.Config
// and orchestrator.Options, neither of which know about flag parsing.
type cliOptions struct {
	file      string
	remoteURL string
	blobURL   string
	rangeSpec string

	skipProcessed      bool
	resetTracking      bool
	prefilterProcessed bool
	forceReprocess     bool
	rewriteInput       bool

	chunkSize   int
	concurrency int
	headless    bool

	outputDir string
	logDir    string
}

func parseFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("crawl", flag.ContinueOnError)
	var o cliOptions
	fs.StringVar(&o.file, "file", "", "local file source")
	fs.StringVar(&o.remoteURL, "remoteUrl", "", "remote text file source")
	fs.StringVar(&o.blobURL, "blobUrl", "", "code-host blob URL source")
	fs.StringVar(&o.rangeSpec, "range", "", "1-based inclusive range, e.g. 1-100")
	fs.BoolVar(&o.skipProcessed, "skipProcessed", true, "skip URLs already recorded in the state store")
	fs.BoolVar(&o.resetTracking, "resetTracking", false, "clear the state store before running")
	fs.BoolVar(&o.prefilterProcessed, "prefilterProcessed", false, "report range analysis only, do not process")
	fs.BoolVar(&o.forceReprocess, "forceReprocess", false, "disable the state-store filter")
	fs.BoolVar(&o.rewriteInput, "rewriteInput", false, "rewrite the input file to drop successfully processed URLs")
	fs.IntVar(&o.chunkSize, "chunkSize", 0, "dispatch batch size (0 = default)")
	fs.IntVar(&o.concurrency, "concurrency", 0, "worker pool concurrency (0 = default)")
	fs.BoolVar(&o.headless, "headless", true, "reserved for a headless-browser worker pool")
	fs.StringVar(&o.outputDir, "outputDir", "", "artifact root directory")
	fs.StringVar(&o.logDir, "logDir", "", "log root directory")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}
	return o, nil
}

// parseRange turns "start-end" into a config.Range, leaving Set false when
// no range was requested.
func parseRange(spec string) (config.Range, error) {
	if spec == "" {
		return config.Range{}, nil
	}
	var start, end int
	if _, err := fmt.Sscanf(spec, "%d-%d", &start, &end); err != nil {
		return config.Range{}, fmt.Errorf("invalid range %q: %w", spec, err)
	}
	return config.Range{Start: start, End: end, Set: true}, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run builds the full pipeline and executes one orchestrator pass,
// returning a process exit code: 0 on success (including "no URLs to
// process"), non-zero only on fatal initialization failures.
func run(args []string) int {
	config.LoadEnv(".env")

	cfg := config.DefaultConfig()
	config.ApplyEnvOverrides(cfg)

	opts, err := parseFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crawl: parsing flags: %v\n", err)
		return 1
	}

	cfg.Source = config.Source{
		InputFilePath:   opts.file,
		RemoteTextURL:   opts.remoteURL,
		CodeHostBlobURL: opts.blobURL,
	}
	rng, err := parseRange(opts.rangeSpec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crawl: %v\n", err)
		return 1
	}
	cfg.Range = rng
	cfg.SkipProcessed = opts.skipProcessed
	cfg.ResetTracking = opts.resetTracking
	cfg.PrefilterProcessed = opts.prefilterProcessed
	cfg.ForceReprocess = opts.forceReprocess
	cfg.Headless = opts.headless
	if opts.chunkSize > 0 {
		cfg.ChunkSize = opts.chunkSize
	}
	if opts.concurrency > 0 {
		cfg.Concurrency = opts.concurrency
	}
	if opts.outputDir != "" {
		cfg.OutputDir = opts.outputDir
		cfg.DataDir = opts.outputDir
	}
	if opts.logDir != "" {
		cfg.LogDir = opts.logDir
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "crawl: invalid configuration: %v\n", err)
		return 1
	}

	logger := logging.Setup(cfg)
	flushSentry, err := logging.InitSentry(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise sentry, continuing without it")
	}
	defer flushSentry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Info().Msg("received shutdown signal, cancelling in-flight work")
		cancel()
	}()

	obsProviders, err := observability.Init(ctx, observability.Config{
		Enabled:        cfg.ObservabilityEnabled,
		ServiceName:    "prebidwatch-crawler",
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsAddress: cfg.MetricsAddress,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise observability, continuing without it")
	}
	if obsProviders != nil {
		defer obsProviders.Shutdown(ctx)
	}

	store, err := urlstore.New(urlstore.Config{
		Path:       filepath.Join(cfg.DataDir, "url-tracker.db"),
		MaxRetries: cfg.MaxRetries,
	}, logger)
	if err != nil {
		logging.ReportFatal(logger, err, "state store initialization failed")
		return 1
	}
	defer store.Close()

	contentCache := cache.New(cfg.FetchTimeout, logger)
	ld := loader.New(contentCache, logger)

	pf := preflight.New(cfg.FetchTimeout, cfg.FetchTimeout, preflight.NewHostHealth(), store, logger)

	wappalyzer, err := probe.NewWappalyzerProbe(nil, logger)
	if err != nil {
		logging.ReportFatal(logger, err, "page probe initialization failed")
		return 1
	}

	poolCfg := pool.DefaultConfig()
	poolCfg.MaxConcurrency = cfg.Concurrency
	poolCfg.MaxPagesPerBrowser = cfg.MaxPagesPerBrowser
	poolCfg.ErrorThreshold = cfg.ErrorThreshold
	poolCfg.PageAcquireTimeout = cfg.PageAcquireTimeout
	poolCfg.NavigationTimeout = cfg.NavigationTimeout
	poolCfg.ProbeTimeout = cfg.ProbeTimeout
	factory := pool.NewHTTPBrowserFactory(cfg.UserAgent, cfg.FetchTimeout, logger)
	wp := pool.New(poolCfg, factory, wappalyzer, logger)

	aw, err := artifact.New(artifact.Config{
		StoreRoot:  filepath.Join(cfg.OutputDir, "data"),
		ErrorsRoot: filepath.Join(cfg.OutputDir, "errors"),
	}, logger)
	if err != nil {
		logging.ReportFatal(logger, err, "artifact directory initialization failed")
		return 1
	}

	orch := orchestrator.New(store, ld, pf, wp, aw, logger)

	var rangeSpec pipeline.RangeSpec
	if cfg.Range.Set {
		rangeSpec = pipeline.RangeSpec{Start: cfg.Range.Start, End: cfg.Range.End}
	}

	summary, err := orch.Run(ctx, orchestrator.Options{
		InputFilePath:      cfg.Source.InputFilePath,
		RemoteTextURL:      cfg.Source.RemoteTextURL,
		CodeHostBlobURL:    cfg.Source.CodeHostBlobURL,
		Range:              rangeSpec,
		SkipProcessed:      cfg.SkipProcessed,
		ResetTracking:      cfg.ResetTracking,
		PrefilterProcessed: cfg.PrefilterProcessed,
		ForceReprocess:     cfg.ForceReprocess,
		ChunkSize:          cfg.ChunkSize,
		RewriteInputFile:   opts.rewriteInput,
	})
	if err != nil {
		logging.ReportFatal(logger, err, "orchestrator run failed")
		return 1
	}

	wp.Shutdown()
	printSummary(summary)
	return 0
}

func printSummary(summary orchestrator.Summary) {
	body, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stdout, "summary marshal failed: %v\n", err)
		return
	}
	fmt.Fprintln(os.Stdout, string(body))
}
