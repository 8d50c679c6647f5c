package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prebidwatch/crawler/internal/pipeline"
)

type stubFetcher struct {
	calls int32
	body  string
	err   error
}

func (s *stubFetcher) Fetch(ctx context.Context, source string) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return "", s.err
	}
	return s.body, nil
}

func TestGetOrFetchCachesOnSuccess(t *testing.T) {
	stub := &stubFetcher{body: "a.com\nb.com\n"}
	c := NewWithFetcher(stub, zerolog.Nop())

	body1, err := c.GetOrFetch(context.Background(), "https://corpus.example/list.txt")
	require.NoError(t, err)
	assert.Equal(t, "a.com\nb.com\n", body1)

	body2, err := c.GetOrFetch(context.Background(), "https://corpus.example/list.txt")
	require.NoError(t, err)
	assert.Equal(t, body1, body2)

	assert.EqualValues(t, 1, atomic.LoadInt32(&stub.calls), "second call must be served from cache")
}

func TestGetOrFetchDoesNotCacheFailure(t *testing.T) {
	stub := &stubFetcher{err: errors.New("boom")}
	c := NewWithFetcher(stub, zerolog.Nop())

	_, err := c.GetOrFetch(context.Background(), "https://corpus.example/list.txt")
	assert.Error(t, err)

	_, err = c.GetOrFetch(context.Background(), "https://corpus.example/list.txt")
	assert.Error(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&stub.calls), "a failed fetch must not poison the cache")
}

func TestGetOrFetchConcurrentSameSource(t *testing.T) {
	stub := &stubFetcher{body: "x.com\n"}
	c := NewWithFetcher(stub, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrFetch(context.Background(), "https://corpus.example/one.txt")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestExtractRangeNormalisesAndSlices(t *testing.T) {
	body := "example.com\n\nhttp://foo.com\nwith space.com\nhttps://bar.com/path\n"
	urls := ExtractRange(body, pipeline.RangeSpec{Start: 1, End: 10})
	assert.Equal(t, []string{
		"https://example.com",
		"http://foo.com",
		"https://bar.com/path",
	}, urls)
}

func TestExtractRangeClampsBounds(t *testing.T) {
	body := "a.com\nb.com\nc.com\n"
	urls := ExtractRange(body, pipeline.RangeSpec{Start: 2, End: 100})
	assert.Equal(t, []string{"https://b.com", "https://c.com"}, urls)

	urls = ExtractRange(body, pipeline.RangeSpec{Start: 10, End: 20})
	assert.Empty(t, urls)
}

func TestExtractRangeEmptyBodyYieldsEmpty(t *testing.T) {
	urls := ExtractRange("", pipeline.RangeSpec{Start: 1, End: 5})
	assert.Empty(t, urls)
}
