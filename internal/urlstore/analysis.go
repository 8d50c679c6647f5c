package urlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/prebidwatch/crawler/internal/pipeline"
)

// RangeAnalysis reports how much of a candidate range is already processed.
type RangeAnalysis struct {
	Total               int
	Processed           int
	Unprocessed         int
	Pct                 float64
	NextUnprocessedIndex int // 1-based index into the corpus, 0 if none found
}

// AnalyzeRange checks corpus[range] against the store to report how much
// work remains, without dispatching any of it. The scan touches every URL in
// the range (not just a sample) so Processed/Unprocessed/Pct are exact; only
// suggest_ranges uses sampling, per §4.3.
func (s *Store) AnalyzeRange(ctx context.Context, corpus []string, rng pipeline.RangeSpec) (RangeAnalysis, error) {
	lo, hi := rng.Slice(len(corpus))
	window := corpus[lo:hi]

	analysis := RangeAnalysis{Total: len(window)}
	if len(window) == 0 {
		return analysis, nil
	}

	unprocessed, err := s.FilterUnprocessed(ctx, window)
	if err != nil {
		return RangeAnalysis{}, fmt.Errorf("urlstore: analyze_range: %w", err)
	}

	unprocessedSet := make(map[string]bool, len(unprocessed))
	for _, u := range unprocessed {
		unprocessedSet[u] = true
	}

	analysis.Unprocessed = len(unprocessed)
	analysis.Processed = analysis.Total - analysis.Unprocessed
	if analysis.Total > 0 {
		analysis.Pct = float64(analysis.Processed) / float64(analysis.Total) * 100
	}

	for i, u := range window {
		if unprocessedSet[u] {
			analysis.NextUnprocessedIndex = lo + i + 1 // 1-based
			break
		}
	}

	return analysis, nil
}

// SuggestedRange is one candidate window returned by SuggestRanges.
type SuggestedRange struct {
	Start         int
	End           int
	EstUnprocessed int
	EfficiencyPct float64
}

// SuggestRanges partitions the corpus into windows of batchSize and, for
// each, estimates the fraction of unprocessed URLs by uniformly sampling at
// least 1% of the window (capped at 1000 sample points), per §4.3. Windows
// with estimated efficiency at or below 20% are dropped; the remainder are
// sorted by efficiency descending and the top k are returned.
func (s *Store) SuggestRanges(ctx context.Context, corpus []string, batchSize, k int) ([]SuggestedRange, error) {
	if batchSize <= 0 || len(corpus) == 0 {
		return nil, nil
	}

	var candidates []SuggestedRange

	for start := 0; start < len(corpus); start += batchSize {
		end := start + batchSize
		if end > len(corpus) {
			end = len(corpus)
		}
		window := corpus[start:end]
		if len(window) == 0 {
			continue
		}

		sampleSize := len(window) / 100
		if sampleSize < 1 {
			sampleSize = 1
		}
		if sampleSize > len(window) {
			sampleSize = len(window)
		}
		if sampleSize > 1000 {
			sampleSize = 1000
		}

		sample := uniformSample(window, sampleSize)
		unprocessed, err := s.FilterUnprocessed(ctx, sample)
		if err != nil {
			return nil, fmt.Errorf("urlstore: suggest_ranges sampling window [%d,%d]: %w", start, end, err)
		}

		efficiency := float64(len(unprocessed)) / float64(len(sample)) * 100
		if efficiency <= 20 {
			continue
		}

		estUnprocessed := int(efficiency / 100 * float64(len(window)))
		candidates = append(candidates, SuggestedRange{
			Start:         start + 1, // 1-based
			End:           end,
			EstUnprocessed: estUnprocessed,
			EfficiencyPct: efficiency,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].EfficiencyPct > candidates[j].EfficiencyPct
	})

	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// uniformSample returns n elements of window spaced at roughly even
// intervals, always including the first element.
func uniformSample(window []string, n int) []string {
	if n >= len(window) {
		return window
	}
	out := make([]string, 0, n)
	step := float64(len(window)) / float64(n)
	for i := 0; i < n; i++ {
		idx := int(float64(i) * step)
		if idx >= len(window) {
			idx = len(window) - 1
		}
		out = append(out, window[idx])
	}
	return out
}

// HostFailureRate returns the fraction of host's recorded outcomes with
// status error or retry (both come from Error outcomes), and the total
// number of records that fraction is computed
// over, for the preflight package's store-backed prior-health prediction.
// Host is matched by scheme-qualified prefix since processed_urls keys on
// the full URL rather than a separate host column. Returns (0, 0, nil) for
// a host with no history.
func (s *Store) HostFailureRate(ctx context.Context, host string) (rate float64, total int, err error) {
	if host == "" {
		return 0, 0, nil
	}

	const q = `
SELECT COUNT(*), SUM(CASE WHEN status IN ('error', 'retry') THEN 1 ELSE 0 END)
FROM processed_urls
WHERE url LIKE 'http://' || ? || '%' OR url LIKE 'https://' || ? || '%'
`
	var errCount sql.NullInt64
	if scanErr := s.db.QueryRowContext(ctx, q, host, host).Scan(&total, &errCount); scanErr != nil {
		return 0, 0, fmt.Errorf("urlstore: host_failure_rate: %w", scanErr)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(errCount.Int64) / float64(total), total, nil
}

// dayArtifact mirrors the subset of artifact.PageData fields this package
// needs to read back out of a day-file during bootstrap; it avoids an
// import of the artifact package purely for a JSON shape.
type dayArtifact struct {
	URL string `json:"url"`
}

// ImportExisting scans per-day JSON artifacts under root, marking every URL
// found as success (idempotent). Intended as a one-time bootstrap when the
// store is empty, per §4.3. A single malformed artifact file is logged and
// skipped rather than aborting the scan, per §7's recoverable-condition rule.
func (s *Store) ImportExisting(ctx context.Context, root string) (int, error) {
	var imported int

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}

		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			s.log.Warn().Err(readErr).Str("file", path).Msg("import_existing: skipping unreadable artifact file")
			return nil
		}

		var entries []dayArtifact
		if jsonErr := json.Unmarshal(raw, &entries); jsonErr != nil {
			s.log.Warn().Err(jsonErr).Str("file", path).Msg("import_existing: skipping malformed artifact file")
			return nil
		}

		outcomes := make([]pipeline.Outcome, 0, len(entries))
		for _, e := range entries {
			if e.URL == "" {
				continue
			}
			outcomes = append(outcomes, pipeline.Success(e.URL, nil))
		}
		if len(outcomes) == 0 {
			return nil
		}
		if err := s.UpdateFromOutcomes(ctx, outcomes); err != nil {
			return fmt.Errorf("import_existing: applying %s: %w", path, err)
		}
		imported += len(outcomes)
		return nil
	})
	if err != nil {
		return imported, fmt.Errorf("urlstore: import_existing: %w", err)
	}

	return imported, nil
}
