// Package orchestrator composes the Content Cache, URL Loader, URL State
// Store, Pre-flight Filter, Worker Pool and Artifact Writer into the
// end-to-end run described by §4.6: load once, filter, dispatch in
// chunks, fan in outcomes (artifact before state, per the crash-safety
// ordering invariant), and emit a structured summary. Chunk dispatch and
// fan-in are generalized from the teacher's JobManager/WorkerPool split
// (internal/jobs/manager.go, internal/jobs/worker.go's per-worker
// semaphore) onto golang.org/x/sync/errgroup's structured goroutine
// group, the shape also used by the pack's crawler example
// (errgroup.WithContext plus a bounded worker count).
package orchestrator

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/prebidwatch/crawler/internal/artifact"
	"github.com/prebidwatch/crawler/internal/loader"
	"github.com/prebidwatch/crawler/internal/pipeline"
	"github.com/prebidwatch/crawler/internal/pool"
	"github.com/prebidwatch/crawler/internal/preflight"
	"github.com/prebidwatch/crawler/internal/urlstore"
	"github.com/prebidwatch/crawler/internal/util"
)

// Options is the Go struct the (unspecified, out-of-scope) CLI binds
// flags into, named per §6's option table.
type Options struct {
	// Source selector: exactly one of these three is set.
	InputFilePath   string
	RemoteTextURL   string
	CodeHostBlobURL string

	Range pipeline.RangeSpec

	SkipProcessed      bool
	ResetTracking      bool
	PrefilterProcessed bool
	ForceReprocess     bool

	ChunkSize int

	RewriteInputFile bool
}

// Summary is the structured end-of-run report described in §7's
// user-visible surface.
type Summary struct {
	RunID         string
	TotalInScope  int
	SkippedAlready int
	Processed     int
	Successes     int
	NoData        int
	ErrorsByCode  map[pipeline.ErrorCode]int
	DBTotals      map[urlstore.Status]int
	SuggestedNextRanges []urlstore.SuggestedRange
	EarlyExit     bool
	EarlyExitReason string
}

// Orchestrator wires the pipeline's components together for one run.
type Orchestrator struct {
	store     *urlstore.Store
	loader    *loader.Loader
	preflight *preflight.Filter
	pool      *pool.Pool
	artifacts *artifact.Writer
	log       zerolog.Logger

	usePreflight bool
}

// New builds an Orchestrator from its already-constructed components. A
// nil pf disables the pre-flight step entirely (step 5 is optional per
// §4.6).
func New(store *urlstore.Store, ld *loader.Loader, pf *preflight.Filter, wp *pool.Pool, aw *artifact.Writer, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:        store,
		loader:       ld,
		preflight:    pf,
		pool:         wp,
		artifacts:    aw,
		log:          log.With().Str("component", "orchestrator").Logger(),
		usePreflight: pf != nil,
	}
}

// Run executes the full algorithm (§4.6, steps 1-9) and returns the final
// summary. It returns an error only for fatal initialization-class
// failures per §7 ("cannot open State Store, cannot create artifact
// directories abort the run"); every per-URL failure is instead folded
// into the summary as an Error outcome.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Summary, error) {
	runID := uuid.New().String()
	log := o.log.With().Str("run_id", runID).Logger()
	summary := Summary{RunID: runID, ErrorsByCode: make(map[pipeline.ErrorCode]int)}
	log.Info().Msg("orchestrator run starting")

	// Step 1: reset tracking if requested.
	if opts.ResetTracking {
		if err := o.store.Reset(ctx); err != nil {
			return summary, fmt.Errorf("orchestrator: resetting state store: %w", err)
		}
	}

	// Step 2: bootstrap from prior artifacts if the store is empty and
	// skip_processed is in effect.
	if opts.SkipProcessed {
		total, err := o.store.Total(ctx)
		if err != nil {
			return summary, fmt.Errorf("orchestrator: checking state store totals: %w", err)
		}
		if total == 0 {
			if _, err := o.store.ImportExisting(ctx, o.artifacts.StoreRoot()); err != nil {
				log.Warn().Err(err).Msg("bootstrap import of prior artifacts failed, continuing with an empty store")
			}
		}
	}

	// Step 3: load the corpus, applying RangeSpec exactly once. A zero-value
	// Range (Start==0, End==0) means "no range was requested": RangeSpec's
	// valid indices start at 1, so {0,0} can never describe a real selection.
	var rng *pipeline.RangeSpec
	if opts.Range != (pipeline.RangeSpec{}) {
		rng = &opts.Range
	}
	corpus, err := o.loader.Load(ctx, opts.InputFilePath, opts.RemoteTextURL, opts.CodeHostBlobURL, rng)
	if _, ok := err.(*loader.RangeOutOfBoundsError); ok {
		summary.EarlyExit = true
		summary.EarlyExitReason = "range_selects_nothing"
		log.Info().Err(err).Msg("range selects no urls, exiting early")
		return summary, nil
	}
	if err != nil {
		return summary, fmt.Errorf("orchestrator: loading corpus: %w", err)
	}
	summary.TotalInScope = corpus.Len()

	if opts.PrefilterProcessed {
		analysis, err := o.store.AnalyzeRange(ctx, corpus.URLs, pipeline.RangeSpec{Start: 1, End: corpus.Len()})
		if err != nil {
			return summary, fmt.Errorf("orchestrator: analyzing range: %w", err)
		}
		summary.EarlyExit = true
		summary.EarlyExitReason = "prefilter_only"
		summary.Processed = analysis.Unprocessed
		summary.SkippedAlready = analysis.Processed
		summary.SuggestedNextRanges, _ = o.store.SuggestRanges(ctx, corpus.URLs, defaultChunkSize(opts.ChunkSize), 3)
		return summary, nil
	}

	urls := corpus.URLs

	// Step 4: filter already-processed URLs, unless forceReprocess disables it.
	if opts.SkipProcessed && !opts.ForceReprocess {
		unprocessed, err := o.store.FilterUnprocessed(ctx, urls)
		if err != nil {
			return summary, fmt.Errorf("orchestrator: filtering unprocessed urls: %w", err)
		}
		summary.SkippedAlready = len(urls) - len(unprocessed)
		urls = unprocessed
	}

	if len(urls) == 0 {
		summary.EarlyExit = true
		summary.EarlyExitReason = "no_urls_to_process"
		log.Info().Msg("no urls to process after range/filter, exiting early")
		return summary, nil
	}

	// Step 5: optional pre-flight; reclassify hard failures immediately.
	processable := urls
	var preflightSkipped []pipeline.Outcome
	if o.usePreflight {
		partition := o.preflight.Partition(ctx, urls)
		processable = partition.Processable
		preflightSkipped = partition.Skipped
		if len(preflightSkipped) > 0 {
			if err := o.commitBatch(ctx, preflightSkipped); err != nil {
				return summary, fmt.Errorf("orchestrator: committing pre-flight skips: %w", err)
			}
			o.tally(&summary, preflightSkipped)
		}
	}

	// Steps 6-7: dispatch in chunks, fan in each chunk (artifact before state).
	processedSuccessfully := make(map[string]bool)
	chunkSize := defaultChunkSize(opts.ChunkSize)
	for start := 0; start < len(processable); start += chunkSize {
		end := start + chunkSize
		if end > len(processable) {
			end = len(processable)
		}
		chunk := processable[start:end]

		outcomes, err := o.dispatchChunk(ctx, chunk)
		if err != nil {
			return summary, fmt.Errorf("orchestrator: dispatching chunk: %w", err)
		}

		if err := o.commitBatch(ctx, outcomes); err != nil {
			return summary, fmt.Errorf("orchestrator: committing chunk outcomes: %w", err)
		}
		o.tally(&summary, outcomes)

		for _, oc := range outcomes {
			if oc.Kind == pipeline.OutcomeSuccess {
				processedSuccessfully[oc.URL] = true
			}
		}

		if err := ctx.Err(); err != nil {
			break
		}
	}

	// Step 8: optionally rewrite the input text file.
	if opts.RewriteInputFile && opts.InputFilePath != "" {
		if err := rewriteInputFile(opts.InputFilePath, processedSuccessfully); err != nil {
			log.Warn().Err(err).Msg("failed to rewrite input file, leaving it unchanged")
		}
	}

	// Step 9: structured summary, including DB totals and next-range suggestions.
	dbTotals, err := o.store.Stats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to compute state store totals for summary")
	} else {
		summary.DBTotals = dbTotals
	}

	suggestions, err := o.store.SuggestRanges(ctx, corpus.URLs, chunkSize, 3)
	if err != nil {
		log.Warn().Err(err).Msg("failed to compute suggested next ranges")
	} else {
		summary.SuggestedNextRanges = suggestions
	}

	log.Info().Int("processed", summary.Processed).Int("successes", summary.Successes).Msg("orchestrator run finished")
	return summary, nil
}

// dispatchChunk runs the pool over one chunk concurrently via an errgroup,
// collecting exactly one outcome per URL. The pool's own semaphore, not
// this group, is what actually bounds concurrent browser/page use; the
// errgroup here only bounds in-flight goroutines to the chunk size and
// propagates context cancellation.
func (o *Orchestrator) dispatchChunk(ctx context.Context, chunk []string) ([]pipeline.Outcome, error) {
	outcomes := make([]pipeline.Outcome, len(chunk))

	g, gCtx := errgroup.WithContext(ctx)
	for i, u := range chunk {
		i, u := i, u
		g.Go(func() error {
			outcome := o.pool.Process(gCtx, u)
			outcomes[i] = outcome
			if o.usePreflight {
				o.preflight.RecordOutcome(u, outcome)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

// commitBatch writes the artifact files before updating the state store,
// per §4.6's ordering invariant: a crash between the two leaves the store
// conservatively unaware of success, so a restart reprocesses rather than
// silently skipping.
func (o *Orchestrator) commitBatch(ctx context.Context, outcomes []pipeline.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	if err := o.artifacts.WriteOutcomes(outcomes); err != nil {
		return fmt.Errorf("writing artifacts: %w", err)
	}
	if err := o.store.UpdateFromOutcomes(ctx, outcomes); err != nil {
		return fmt.Errorf("updating state store: %w", err)
	}
	return nil
}

func (o *Orchestrator) tally(summary *Summary, outcomes []pipeline.Outcome) {
	for _, oc := range outcomes {
		summary.Processed++
		switch oc.Kind {
		case pipeline.OutcomeSuccess:
			summary.Successes++
		case pipeline.OutcomeNoData:
			summary.NoData++
		case pipeline.OutcomeError:
			summary.ErrorsByCode[oc.Code]++
		}
	}
}

func defaultChunkSize(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

// rewriteInputFile rewrites a line-oriented input source to contain only
// URLs not present in succeeded (plus lines that were outside the current
// scope, left untouched since they never appear in succeeded).
// succeeded holds Loader-normalised URLs (e.g. a bare "a.com" line becomes
// "https://a.com"), so each raw line is normalised the same way before the
// lookup; a line NormaliseLine rejects is kept as-is rather than dropped,
// matching the Loader's own "drop from scope, don't rewrite" treatment of
// such lines.
func rewriteInputFile(path string, succeeded map[string]bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading input file for rewrite: %w", err)
	}

	lines := splitPreservingUnmatched(string(raw))
	var kept []string
	for _, line := range lines {
		if normalised, ok := util.NormaliseLine(line); ok && succeeded[normalised] {
			continue
		}
		kept = append(kept, line)
	}

	out := ""
	for _, line := range kept {
		out += line + "\n"
	}
	return os.WriteFile(path, []byte(out), 0o644)
}

func splitPreservingUnmatched(body string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(body); i++ {
		if body[i] == '\n' {
			line := body[start:i]
			line = trimCR(line)
			if line != "" {
				lines = append(lines, line)
			}
			start = i + 1
		}
	}
	if start < len(body) {
		line := trimCR(body[start:])
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}
