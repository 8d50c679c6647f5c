package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prebidwatch/crawler/internal/pipeline"
)

func newTestWriter(t *testing.T, when time.Time) *Writer {
	t.Helper()
	root := t.TempDir()
	w, err := New(Config{
		StoreRoot:  filepath.Join(root, "store"),
		ErrorsRoot: filepath.Join(root, "errors"),
	}, zerolog.Nop())
	require.NoError(t, err)
	w.now = func() time.Time { return when }
	return w
}

func readDayFileRaw(t *testing.T, path string) []pipeline.PageData {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var pages []pipeline.PageData
	require.NoError(t, json.Unmarshal(raw, &pages))
	return pages
}

func TestWriteOutcomesCreatesDayFileForSuccess(t *testing.T) {
	when := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	w := newTestWriter(t, when)

	err := w.WriteOutcomes([]pipeline.Outcome{
		pipeline.Success("https://a.com", &pipeline.PageData{URL: "https://a.com", Date: "2026-03-05"}),
	})
	require.NoError(t, err)

	path := filepath.Join(w.cfg.StoreRoot, "Mar-2026", "2026-03-05.json")
	pages := readDayFileRaw(t, path)
	require.Len(t, pages, 1)
	assert.Equal(t, "https://a.com", pages[0].URL)
}

func TestWriteOutcomesAppendsAcrossCalls(t *testing.T) {
	when := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	w := newTestWriter(t, when)

	require.NoError(t, w.WriteOutcomes([]pipeline.Outcome{
		pipeline.Success("https://a.com", &pipeline.PageData{URL: "https://a.com"}),
	}))
	require.NoError(t, w.WriteOutcomes([]pipeline.Outcome{
		pipeline.Success("https://c.com", &pipeline.PageData{URL: "https://c.com"}),
	}))

	path := filepath.Join(w.cfg.StoreRoot, "Mar-2026", "2026-03-05.json")
	pages := readDayFileRaw(t, path)
	require.Len(t, pages, 2)
	assert.Equal(t, "https://a.com", pages[0].URL)
	assert.Equal(t, "https://c.com", pages[1].URL)
}

func TestWriteOutcomesOverwritesCorruptDayFile(t *testing.T) {
	when := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	w := newTestWriter(t, when)

	dir := filepath.Join(w.cfg.StoreRoot, "Mar-2026")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "2026-03-05.json")
	require.NoError(t, os.WriteFile(path, []byte("{not valid json"), 0o644))

	err := w.WriteOutcomes([]pipeline.Outcome{
		pipeline.Success("https://a.com", &pipeline.PageData{URL: "https://a.com"}),
	})
	require.NoError(t, err)

	pages := readDayFileRaw(t, path)
	require.Len(t, pages, 1)
	assert.Equal(t, "https://a.com", pages[0].URL)
}

func TestWriteOutcomesRoutesNoDataToNoPrebidFile(t *testing.T) {
	w := newTestWriter(t, time.Now())

	require.NoError(t, w.WriteOutcomes([]pipeline.Outcome{
		pipeline.NoData("https://b.com"),
	}))

	raw, err := os.ReadFile(filepath.Join(w.cfg.ErrorsRoot, noPrebidFile))
	require.NoError(t, err)
	assert.Equal(t, "https://b.com\n", string(raw))
}

func TestWriteOutcomesRoutesErrorsByCode(t *testing.T) {
	w := newTestWriter(t, time.Now())

	require.NoError(t, w.WriteOutcomes([]pipeline.Outcome{
		pipeline.Failure("https://dns-fail.com", pipeline.CodeDNSUnresolved, nil),
		pipeline.Failure("https://refused.com", pipeline.CodeConnectionRefused, nil),
		pipeline.Failure("https://probe-fail.com", pipeline.CodeProbeEvalError, nil),
	}))

	navRaw, err := os.ReadFile(filepath.Join(w.cfg.ErrorsRoot, navigationErrorsFile))
	require.NoError(t, err)
	assert.Contains(t, string(navRaw), "https://dns-fail.com")
	assert.Contains(t, string(navRaw), "https://refused.com")

	procRaw, err := os.ReadFile(filepath.Join(w.cfg.ErrorsRoot, errorProcessingFile))
	require.NoError(t, err)
	assert.Equal(t, "https://probe-fail.com\n", string(procRaw))
}

func TestWriteOutcomesMixedBatchWritesAllFiles(t *testing.T) {
	w := newTestWriter(t, time.Now())

	err := w.WriteOutcomes([]pipeline.Outcome{
		pipeline.Success("https://a.com", &pipeline.PageData{URL: "https://a.com"}),
		pipeline.NoData("https://b.com"),
		pipeline.Failure("https://c.com", pipeline.CodeTimeout, nil),
	})
	require.NoError(t, err)

	_, err = os.Stat(w.dayFilePath())
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(w.cfg.ErrorsRoot, noPrebidFile))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(w.cfg.ErrorsRoot, errorProcessingFile))
	assert.NoError(t, err)
}
