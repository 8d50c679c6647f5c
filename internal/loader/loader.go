// Package loader resolves a user-specified corpus source — a local file, a
// remote text URL, or a code-host "blob" URL — into an ordered Corpus of
// candidate URLs, honoring an optional RangeSpec. Grounded on the teacher's
// internal/cache (fetch memoization, reused via internal/cache.Cache) and
// internal/util/url.go (normalisation), generalized to the multi-source
// contract of §4.2.
package loader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/prebidwatch/crawler/internal/cache"
	"github.com/prebidwatch/crawler/internal/pipeline"
	"github.com/prebidwatch/crawler/internal/util"
)

// Corpus is an ordered sequence of candidate URLs with stable 1-based
// indexing, per §3's data model. Duplicates from the source are preserved in
// order; deduplication happens at the State Store's filter stage, not here.
type Corpus struct {
	URLs []string
}

// Len returns the number of URLs in the corpus.
func (c Corpus) Len() int { return len(c.URLs) }

// SourceUnavailableError indicates the source could not be reached: a
// missing local file or a failed network fetch.
type SourceUnavailableError struct {
	Source string
	Cause  error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("loader: source unavailable: %s: %v", e.Source, e.Cause)
}
func (e *SourceUnavailableError) Unwrap() error { return e.Cause }

// SourceUnreadableError indicates the source was reached but its content was
// not usable: not UTF-8 decodable, or zero valid URLs after normalisation.
type SourceUnreadableError struct {
	Source string
	Reason string
}

func (e *SourceUnreadableError) Error() string {
	return fmt.Sprintf("loader: source unreadable: %s: %s", e.Source, e.Reason)
}

// RangeOutOfBoundsError indicates range.Start exceeds the corpus length.
// Ranges that merely extend past the end are silently clipped, not an error.
type RangeOutOfBoundsError struct {
	Start int
	Total int
}

func (e *RangeOutOfBoundsError) Error() string {
	return fmt.Sprintf("loader: range start %d exceeds corpus length %d", e.Start, e.Total)
}

// Loader translates a user source specification into a Corpus.
type Loader struct {
	cache *cache.Cache
	log   zerolog.Logger
}

// New builds a Loader backed by the given Content Cache.
func New(c *cache.Cache, log zerolog.Logger) *Loader {
	return &Loader{cache: c, log: log.With().Str("component", "loader").Logger()}
}

// Load resolves exactly one of file/remoteURL/blobURL into a Corpus,
// applying rng if it is non-nil (nil means "no range", i.e. the whole
// corpus; a non-nil zero-value RangeSpec selects nothing).
func (l *Loader) Load(ctx context.Context, file, remoteURL, blobURL string, rng *pipeline.RangeSpec) (Corpus, error) {
	body, sourceKey, err := l.fetchBody(ctx, file, remoteURL, blobURL)
	if err != nil {
		return Corpus{}, err
	}

	urls, err := l.parseBody(body, sourceKey)
	if err != nil {
		return Corpus{}, err
	}

	if len(urls) == 0 {
		return Corpus{}, &SourceUnreadableError{Source: sourceKey, Reason: "zero valid URLs after normalisation"}
	}

	if rng != nil {
		if rng.Start > len(urls) {
			return Corpus{}, &RangeOutOfBoundsError{Start: rng.Start, Total: len(urls)}
		}
		lo, hi := rng.Slice(len(urls))
		urls = urls[lo:hi]
	}

	return Corpus{URLs: urls}, nil
}

func (l *Loader) fetchBody(ctx context.Context, file, remoteURL, blobURL string) (body string, sourceKey string, err error) {
	switch {
	case file != "":
		raw, readErr := os.ReadFile(file)
		if readErr != nil {
			return "", file, &SourceUnavailableError{Source: file, Cause: readErr}
		}
		if !isValidUTF8(raw) {
			return "", file, &SourceUnreadableError{Source: file, Reason: "not UTF-8 decodable"}
		}
		return string(raw), file, nil

	case blobURL != "":
		raw, ok := util.NormaliseCodeHostBlobURL(blobURL)
		resolved := blobURL
		if ok {
			resolved = raw
		}
		body, fetchErr := l.cache.GetOrFetch(ctx, resolved)
		if fetchErr != nil {
			return "", blobURL, &SourceUnavailableError{Source: blobURL, Cause: fetchErr}
		}
		return body, blobURL, nil

	case remoteURL != "":
		body, fetchErr := l.cache.GetOrFetch(ctx, remoteURL)
		if fetchErr != nil {
			return "", remoteURL, &SourceUnavailableError{Source: remoteURL, Cause: fetchErr}
		}
		return body, remoteURL, nil

	default:
		return "", "", &SourceUnavailableError{Source: "", Cause: fmt.Errorf("no source specified")}
	}
}

// urlHeaderPattern matches a CSV header cell naming a URL column.
var urlHeaderPattern = regexp.MustCompile(`(?i)url`)

// parseBody dispatches to CSV parsing when sourceKey looks like a CSV source
// or its first line looks like a CSV header naming a URL column; otherwise
// it treats body as a plain line-delimited list.
func (l *Loader) parseBody(body, sourceKey string) ([]string, error) {
	if looksLikeCSV(body, sourceKey) {
		return parseCSV(body)
	}
	return parseLines(body), nil
}

func looksLikeCSV(body, sourceKey string) bool {
	if strings.HasSuffix(strings.ToLower(sourceKey), ".csv") {
		return true
	}
	lines := util.SplitLines(body)
	if len(lines) == 0 {
		return false
	}
	header := lines[0]
	return strings.Contains(header, ",") && urlHeaderPattern.MatchString(header)
}

// parseCSV extracts the URL column (the first header matching /url/i, else
// column 0) and normalises each row's value, ignoring other columns.
func parseCSV(body string) ([]string, error) {
	reader := csv.NewReader(strings.NewReader(body))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("loader: reading csv header: %w", err)
	}

	urlCol := 0
	for i, cell := range header {
		if urlHeaderPattern.MatchString(cell) {
			urlCol = i
			break
		}
	}

	var urls []string
	for {
		record, err := reader.Read()
		if err != nil {
			break
		}
		if urlCol >= len(record) {
			continue
		}
		if normalised, ok := util.NormaliseLine(record[urlCol]); ok {
			urls = append(urls, normalised)
		}
	}
	return urls, nil
}

// parseLines delegates to the Content Cache's ExtractRange rather than
// reimplementing its split/normalise logic: End is set to len(body), an
// upper bound no line count can exceed, so the "range" is effectively the
// whole body — range selection proper happens afterwards in Load.
func parseLines(body string) []string {
	return cache.ExtractRange(body, pipeline.RangeSpec{Start: 1, End: len(body)})
}

func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}
