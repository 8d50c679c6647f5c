// Package artifact owns the durable output layout described in §6: a
// day-JSON array of PageData per successful extraction, plus three
// append-only classification text files. Every file is serialised by its
// own mutex (one per logical file, not a single global lock), mirroring the
// teacher's per-resource locking rather than a single coarse mutex guarding
// unrelated files.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prebidwatch/crawler/internal/pipeline"
)

const (
	noPrebidFile         = "no_prebid.txt"
	navigationErrorsFile = "navigation_errors.txt"
	errorProcessingFile  = "error_processing.txt"
)

// navigationErrorCodes are the error codes §6 routes to navigation_errors.txt
// rather than error_processing.txt.
var navigationErrorCodes = map[pipeline.ErrorCode]bool{
	pipeline.CodeDNSUnresolved:     true,
	pipeline.CodeTLSInvalid:        true,
	pipeline.CodeConnectionRefused: true,
}

// Config locates the artifact roots.
type Config struct {
	// StoreRoot holds <Mmm-YYYY>/<YYYY-MM-DD>.json day files.
	StoreRoot string
	// ErrorsRoot holds the three classification text files.
	ErrorsRoot string
}

// fileLock serialises appends to one named file.
type fileLock struct {
	mu sync.Mutex
}

// Writer applies outcomes to the artifact layout. One Writer is shared
// across all chunks in a run; its internal locks are the unit of
// serialisation §5 calls for ("artifact writes for a given day are
// serialized").
type Writer struct {
	cfg Config
	log zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*fileLock

	// now is overridable in tests; production code always uses pipeline.Now.
	now func() time.Time
}

// New builds a Writer, creating the store and errors roots if absent.
func New(cfg Config, log zerolog.Logger) (*Writer, error) {
	if err := os.MkdirAll(cfg.StoreRoot, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: creating store root: %w", err)
	}
	if err := os.MkdirAll(cfg.ErrorsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: creating errors root: %w", err)
	}
	return &Writer{
		cfg:   cfg,
		log:   log.With().Str("component", "artifact").Logger(),
		locks: make(map[string]*fileLock),
		now:   pipeline.Now,
	}, nil
}

// StoreRoot returns the day-file root, used by the orchestrator's
// bootstrap-import step (§4.6 step 2) to locate prior artifacts.
func (w *Writer) StoreRoot() string {
	return w.cfg.StoreRoot
}

func (w *Writer) lockFor(path string) *fileLock {
	w.locksMu.Lock()
	defer w.locksMu.Unlock()
	l, ok := w.locks[path]
	if !ok {
		l = &fileLock{}
		w.locks[path] = l
	}
	return l
}

// WriteOutcomes partitions outcomes by kind and appends each to its target
// artifact: PageData from Success outcomes goes to today's day file,
// NoData URLs go to no_prebid.txt, and Error outcomes split across
// navigation_errors.txt / error_processing.txt by code.
func (w *Writer) WriteOutcomes(outcomes []pipeline.Outcome) error {
	var pages []pipeline.PageData
	var noData []string
	var navErrors []string
	var procErrors []string

	for _, o := range outcomes {
		switch o.Kind {
		case pipeline.OutcomeSuccess:
			if o.PageData != nil {
				pages = append(pages, *o.PageData)
			}
		case pipeline.OutcomeNoData:
			noData = append(noData, o.URL)
		case pipeline.OutcomeError:
			if navigationErrorCodes[o.Code] {
				navErrors = append(navErrors, o.URL)
			} else {
				procErrors = append(procErrors, o.URL)
			}
		}
	}

	if len(pages) > 0 {
		if err := w.appendDayFile(pages); err != nil {
			return err
		}
	}
	if len(noData) > 0 {
		if err := w.appendLines(filepath.Join(w.cfg.ErrorsRoot, noPrebidFile), noData); err != nil {
			return err
		}
	}
	if len(navErrors) > 0 {
		if err := w.appendLines(filepath.Join(w.cfg.ErrorsRoot, navigationErrorsFile), navErrors); err != nil {
			return err
		}
	}
	if len(procErrors) > 0 {
		if err := w.appendLines(filepath.Join(w.cfg.ErrorsRoot, errorProcessingFile), procErrors); err != nil {
			return err
		}
	}
	return nil
}

// dayFilePath returns <StoreRoot>/<Mmm-YYYY>/<YYYY-MM-DD>.json for the
// writer's current day.
func (w *Writer) dayFilePath() string {
	now := w.now()
	monthDir := now.Format("Jan-2006")
	dayFile := now.Format("2006-01-02") + ".json"
	return filepath.Join(w.cfg.StoreRoot, monthDir, dayFile)
}

// appendDayFile reads the existing day-JSON array, concatenates pages, and
// rewrites it atomically. If the existing file fails to parse, it is
// overwritten and a warning logged, per §6's documented (if debated, see
// open questions in DESIGN.md) behaviour.
func (w *Writer) appendDayFile(pages []pipeline.PageData) error {
	path := w.dayFilePath()
	lock := w.lockFor(path)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("artifact: creating day-file directory: %w", err)
	}

	existing, err := w.readDayFile(path)
	if err != nil {
		var discarded int64
		if info, statErr := os.Stat(path); statErr == nil {
			discarded = info.Size()
		}
		w.log.Warn().Err(err).Str("path", path).Int64("discarded_bytes", discarded).Msg("day file failed to parse, overwriting")
		existing = nil
	}

	combined := append(existing, pages...)
	return writeJSONArrayAtomic(path, combined)
}

func (w *Writer) readDayFile(path string) ([]pipeline.PageData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var existing []pipeline.PageData
	if err := json.Unmarshal(raw, &existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// writeJSONArrayAtomic marshals pages as a UTF-8 JSON array with a trailing
// newline and writes it via a temp-file-then-rename, so a crash mid-write
// never leaves a torn day file for the next run to parse-and-overwrite.
func writeJSONArrayAtomic(path string, pages []pipeline.PageData) error {
	if pages == nil {
		pages = []pipeline.PageData{}
	}
	body, err := json.Marshal(pages)
	if err != nil {
		return fmt.Errorf("artifact: marshalling day file: %w", err)
	}
	body = append(body, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("artifact: writing day file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("artifact: renaming day file into place: %w", err)
	}
	return nil
}

// appendLines appends one URL per line to an append-only classification
// text file.
func (w *Writer) appendLines(path string, urls []string) error {
	lock := w.lockFor(path)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("artifact: opening %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	for _, u := range urls {
		if _, err := f.WriteString(u + "\n"); err != nil {
			return fmt.Errorf("artifact: appending to %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}
