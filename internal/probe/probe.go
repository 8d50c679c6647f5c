// Package probe defines the Page Probe interface the Worker Pool executes
// against a live page, and a default, swappable adapter. The in-page DOM
// evaluation that actually walks a rendered page is an external
// collaborator per the core's scope (the headless browser and its stealth
// libraries are out of scope); this package specifies the interface the
// pool depends on and supplies one concrete, testable implementation: a
// wappalyzergo-backed Fingerprinter for technology-category detection,
// generalized to also drive the Prebid-instance extraction the pipeline's
// PageData requires.
package probe

import (
	"context"
	"net/http"

	"github.com/prebidwatch/crawler/internal/pipeline"
)

// Page is the minimal live-page surface a Probe needs. The Worker Pool's
// concrete browser/page implementation satisfies this; probe.go itself
// never imports a browser library.
type Page interface {
	// URL returns the page's final (post-redirect) URL.
	URL() string
	// Content returns the page's rendered HTML.
	Content() (string, error)
	// ResponseHeaders returns the headers of the page's main document
	// response, when available.
	ResponseHeaders() http.Header
}

// Probe extracts structured ad-technology fingerprints from a live page.
// Implementations are swappable: the default one in this package relies on
// header/HTML fingerprinting rather than arbitrary JS evaluation, but a
// future implementation might execute in-page JS to read window.pbjs
// directly.
type Probe interface {
	Extract(ctx context.Context, page Page) (*pipeline.PageData, error)
}

// StaticPage is a Page backed by an already-fetched body, used by tests and
// by a pure-HTTP (non-browser) Worker Pool fetch path.
type StaticPage struct {
	PageURL string
	Body    string
	Headers http.Header
}

func (p *StaticPage) URL() string              { return p.PageURL }
func (p *StaticPage) Content() (string, error) { return p.Body, nil }
func (p *StaticPage) ResponseHeaders() http.Header {
	if p.Headers == nil {
		return http.Header{}
	}
	return p.Headers
}
