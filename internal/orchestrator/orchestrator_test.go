package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prebidwatch/crawler/internal/artifact"
	"github.com/prebidwatch/crawler/internal/cache"
	"github.com/prebidwatch/crawler/internal/loader"
	"github.com/prebidwatch/crawler/internal/pipeline"
	"github.com/prebidwatch/crawler/internal/pool"
	"github.com/prebidwatch/crawler/internal/probe"
	"github.com/prebidwatch/crawler/internal/urlstore"
)

// scriptedHandle succeeds for every URL; Navigate does not consult failHosts.
type scriptedHandle struct {
	failHosts map[string]bool
}

func (h *scriptedHandle) Navigate(ctx context.Context, targetURL string) (probe.Page, error) {
	return &probe.StaticPage{PageURL: targetURL, Body: "<html></html>"}, nil
}
func (h *scriptedHandle) Healthy() bool { return true }
func (h *scriptedHandle) Close() error  { return nil }

type scriptedProbe struct{}

func (scriptedProbe) Extract(ctx context.Context, page probe.Page) (*pipeline.PageData, error) {
	return &pipeline.PageData{URL: page.URL(), Date: "2026-03-05"}, nil
}

func newTestOrchestrator(t *testing.T, corpusBody string) (*Orchestrator, string) {
	t.Helper()

	store, err := urlstore.New(urlstore.Config{Path: "file::memory:", MaxRetries: 3}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tmpFile := filepath.Join(t.TempDir(), "urls.txt")
	require.NoError(t, os.WriteFile(tmpFile, []byte(corpusBody), 0o644))

	c := cache.New(0, zerolog.Nop())
	ld := loader.New(c, zerolog.Nop())

	handle := &scriptedHandle{}
	factory := func(ctx context.Context) (pool.BrowserHandle, error) { return handle, nil }
	wp := pool.New(pool.DefaultConfig(), factory, scriptedProbe{}, zerolog.Nop())

	root := t.TempDir()
	aw, err := artifact.New(artifact.Config{
		StoreRoot:  filepath.Join(root, "store"),
		ErrorsRoot: filepath.Join(root, "errors"),
	}, zerolog.Nop())
	require.NoError(t, err)

	return New(store, ld, nil, wp, aw, zerolog.Nop()), tmpFile
}

func TestRunProcessesAllURLsAndWritesArtifacts(t *testing.T) {
	orch, path := newTestOrchestrator(t, "a.com\nb.com\nc.com\n")

	summary, err := orch.Run(context.Background(), Options{InputFilePath: path, ChunkSize: 2})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalInScope)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 3, summary.Successes)
	assert.False(t, summary.EarlyExit)
}

func TestRunRangeEmptinessEarlyExits(t *testing.T) {
	orch, path := newTestOrchestrator(t, "a.com\nb.com\nc.com\n")

	summary, err := orch.Run(context.Background(), Options{
		InputFilePath: path,
		Range:         pipeline.RangeSpec{Start: 11, End: 15},
		ChunkSize:     10,
	})
	require.NoError(t, err)

	assert.True(t, summary.EarlyExit)
	assert.Equal(t, 0, summary.Processed)
}

func TestRunSkipProcessedExcludesAlreadySucceeded(t *testing.T) {
	orch, path := newTestOrchestrator(t, "a.com\nb.com\nc.com\n")

	require.NoError(t, orch.store.UpdateFromOutcomes(context.Background(), []pipeline.Outcome{
		pipeline.Success("https://b.com", &pipeline.PageData{URL: "https://b.com"}),
	}))

	summary, err := orch.Run(context.Background(), Options{
		InputFilePath: path,
		Range:         pipeline.RangeSpec{Start: 1, End: 3},
		SkipProcessed: true,
		ChunkSize:     10,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalInScope)
	assert.Equal(t, 1, summary.SkippedAlready)
	assert.Equal(t, 2, summary.Processed)
}

func TestRunNoURLsToProcessEarlyExits(t *testing.T) {
	orch, path := newTestOrchestrator(t, "a.com\n")

	require.NoError(t, orch.store.UpdateFromOutcomes(context.Background(), []pipeline.Outcome{
		pipeline.Success("https://a.com", &pipeline.PageData{URL: "https://a.com"}),
	}))

	summary, err := orch.Run(context.Background(), Options{
		InputFilePath: path,
		SkipProcessed: true,
		ChunkSize:     10,
	})
	require.NoError(t, err)
	assert.True(t, summary.EarlyExit)
	assert.Equal(t, "no_urls_to_process", summary.EarlyExitReason)
}

func TestRewriteInputFileNormalisesLinesBeforeLookup(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		succeeded map[string]bool
		want      string
	}{
		{
			name:      "bare domain line matched via its normalised form",
			body:      "a.com\nb.com\n",
			succeeded: map[string]bool{"https://a.com": true},
			want:      "b.com\n",
		},
		{
			name:      "already-normalised line matches directly",
			body:      "https://a.com\nhttps://b.com\n",
			succeeded: map[string]bool{"https://a.com": true},
			want:      "https://b.com\n",
		},
		{
			name:      "unrecognised line is kept untouched",
			body:      "# a comment\na.com\n",
			succeeded: map[string]bool{"https://a.com": true},
			want:      "# a comment\n",
		},
		{
			name:      "no matches keeps every line",
			body:      "a.com\nb.com\n",
			succeeded: map[string]bool{},
			want:      "a.com\nb.com\n",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "urls.txt")
			require.NoError(t, os.WriteFile(path, []byte(tc.body), 0o644))

			require.NoError(t, rewriteInputFile(path, tc.succeeded))

			got, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestRunPrefilterProcessedComputesAnalysisOnly(t *testing.T) {
	orch, path := newTestOrchestrator(t, "a.com\nb.com\n")

	summary, err := orch.Run(context.Background(), Options{
		InputFilePath:      path,
		PrefilterProcessed: true,
		ChunkSize:          10,
	})
	require.NoError(t, err)
	assert.True(t, summary.EarlyExit)
	assert.Equal(t, "prefilter_only", summary.EarlyExitReason)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 0, summary.SkippedAlready)
}
