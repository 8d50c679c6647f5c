package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prebidwatch/crawler/internal/cache"
	"github.com/prebidwatch/crawler/internal/pipeline"
)

func newTestLoader() *Loader {
	return New(cache.NewWithFetcher(nil, zerolog.Nop()), zerolog.Nop())
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "urls.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFileSource(t *testing.T) {
	path := writeTempFile(t, "example.com\nhttps://foo.com\n\nwith space.com\n")
	l := newTestLoader()

	corpus, err := l.Load(context.Background(), path, "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com", "https://foo.com"}, corpus.URLs)
}

func TestLoadFileSourceMissingFile(t *testing.T) {
	l := newTestLoader()
	_, err := l.Load(context.Background(), "/nonexistent/path/urls.txt", "", "", nil)
	require.Error(t, err)
	var unavailable *SourceUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestLoadFileSourceZeroValidURLs(t *testing.T) {
	path := writeTempFile(t, "not a url\nnor this one\n")
	l := newTestLoader()
	_, err := l.Load(context.Background(), path, "", "", nil)
	require.Error(t, err)
	var unreadable *SourceUnreadableError
	assert.ErrorAs(t, err, &unreadable)
}

func TestLoadAppliesRange(t *testing.T) {
	path := writeTempFile(t, "a.com\nb.com\nc.com\nd.com\n")
	l := newTestLoader()

	rng := pipeline.RangeSpec{Start: 2, End: 3}
	corpus, err := l.Load(context.Background(), path, "", "", &rng)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://b.com", "https://c.com"}, corpus.URLs)
}

func TestLoadRangeOutOfBounds(t *testing.T) {
	path := writeTempFile(t, "a.com\nb.com\n")
	l := newTestLoader()

	rng := pipeline.RangeSpec{Start: 10, End: 20}
	_, err := l.Load(context.Background(), path, "", "", &rng)
	require.Error(t, err)
	var oob *RangeOutOfBoundsError
	assert.ErrorAs(t, err, &oob)
}

func TestLoadCSVSourceExtractsURLColumn(t *testing.T) {
	path := writeTempFile(t, "name,url,rank\nAcme,acme.com,1\nFoo,foo.com,2\n")
	path = renameWithExt(t, path, ".csv")
	l := newTestLoader()

	corpus, err := l.Load(context.Background(), path, "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://acme.com", "https://foo.com"}, corpus.URLs)
}

func renameWithExt(t *testing.T, path, ext string) string {
	t.Helper()
	newPath := path[:len(path)-len(filepath.Ext(path))] + ext
	require.NoError(t, os.Rename(path, newPath))
	return newPath
}
