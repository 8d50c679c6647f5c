package pool

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prebidwatch/crawler/internal/pipeline"
	"github.com/prebidwatch/crawler/internal/probe"
)

type stubHandle struct {
	navigateErr error
	page        probe.Page
	healthy     bool
	closed      bool
}

func (h *stubHandle) Navigate(ctx context.Context, targetURL string) (probe.Page, error) {
	if h.navigateErr != nil {
		return nil, h.navigateErr
	}
	if h.page != nil {
		return h.page, nil
	}
	return &probe.StaticPage{PageURL: targetURL}, nil
}

func (h *stubHandle) Healthy() bool { return h.healthy }
func (h *stubHandle) Close() error  { h.closed = true; return nil }

func factoryReturning(handles ...*stubHandle) BrowserFactory {
	i := 0
	return func(ctx context.Context) (BrowserHandle, error) {
		if i >= len(handles) {
			return handles[len(handles)-1], nil
		}
		h := handles[i]
		i++
		return h, nil
	}
}

type stubProbe struct {
	data *pipeline.PageData
	err  error
	wait time.Duration
}

func (p *stubProbe) Extract(ctx context.Context, page probe.Page) (*pipeline.PageData, error) {
	if p.wait > 0 {
		select {
		case <-time.After(p.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.data, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 2
	cfg.PageAcquireTimeout = 2 * time.Second
	cfg.NavigationTimeout = 2 * time.Second
	cfg.ProbeTimeout = 50 * time.Millisecond
	cfg.TaskTimeout = 5 * time.Second
	cfg.MaxPagesPerBrowser = 50
	cfg.ErrorThreshold = 2
	return cfg
}

func TestProcessSuccessReturnsPageData(t *testing.T) {
	handle := &stubHandle{healthy: true}
	data := &pipeline.PageData{URL: "https://example.com", Libraries: []string{"prebid"}}
	p := New(testConfig(), factoryReturning(handle), &stubProbe{data: data}, zerolog.Nop())

	outcome := p.Process(context.Background(), "https://example.com")

	require.Equal(t, pipeline.OutcomeSuccess, outcome.Kind)
	assert.Equal(t, data, outcome.PageData)
}

func TestProcessNoDataWhenProbeReturnsNil(t *testing.T) {
	handle := &stubHandle{healthy: true}
	p := New(testConfig(), factoryReturning(handle), &stubProbe{data: nil}, zerolog.Nop())

	outcome := p.Process(context.Background(), "https://example.com")

	assert.Equal(t, pipeline.OutcomeNoData, outcome.Kind)
}

func TestProcessNavigationErrorIsClassified(t *testing.T) {
	handle := &stubHandle{healthy: true, navigateErr: errors.New("dial tcp: connection refused")}
	p := New(testConfig(), factoryReturning(handle), &stubProbe{}, zerolog.Nop())

	outcome := p.Process(context.Background(), "https://example.com")

	require.Equal(t, pipeline.OutcomeError, outcome.Kind)
	assert.Equal(t, pipeline.CodeConnectionRefused, outcome.Code)
}

func TestProcessProbeTimeoutYieldsProbeTimeoutCode(t *testing.T) {
	handle := &stubHandle{healthy: true}
	slowProbe := &stubProbe{wait: 200 * time.Millisecond}
	p := New(testConfig(), factoryReturning(handle), slowProbe, zerolog.Nop())

	outcome := p.Process(context.Background(), "https://example.com")

	require.Equal(t, pipeline.OutcomeError, outcome.Kind)
	assert.Equal(t, pipeline.CodeProbeTimeout, outcome.Code)
}

func TestBrowserRetiredAfterErrorThreshold(t *testing.T) {
	handle := &stubHandle{healthy: true, navigateErr: errors.New("connection refused")}
	cfg := testConfig()
	cfg.ErrorThreshold = 1
	p := New(cfg, factoryReturning(handle), &stubProbe{}, zerolog.Nop())

	p.Process(context.Background(), "https://example.com")

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.browsers, "browser should have been retired and removed from rotation")
	assert.True(t, handle.closed)
}

func TestAcquireBrowserReusesHealthyEntryWithCapacity(t *testing.T) {
	handle := &stubHandle{healthy: true}
	cfg := testConfig()
	p := New(cfg, factoryReturning(handle), &stubProbe{data: &pipeline.PageData{}}, zerolog.Nop())

	p.Process(context.Background(), "https://example.com/1")
	p.Process(context.Background(), "https://example.com/2")

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.browsers, 1)
	assert.Equal(t, 2, p.browsers[0].pagesServed)
}

func TestStaticPageSatisfiesProbePage(t *testing.T) {
	var page probe.Page = &probe.StaticPage{PageURL: "https://x.test", Body: "hi", Headers: http.Header{"X": {"y"}}}
	assert.Equal(t, "https://x.test", page.URL())
	body, err := page.Content()
	require.NoError(t, err)
	assert.Equal(t, "hi", body)
}

func TestHostOfExtractsHostname(t *testing.T) {
	assert.Equal(t, "example.com", hostOf("https://example.com/path?q=1"))
	assert.Equal(t, "", hostOf("://bad-url"))
}
