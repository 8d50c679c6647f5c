package probe

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/prebidwatch/crawler/internal/pipeline"
)

// WappalyzerProbe is the default Probe implementation: it fingerprints
// technologies from headers/HTML via wappalyzergo (through a Fingerprinter)
// and heuristically locates Prebid.js instances by scanning inline scripts
// with goquery, since no in-page JS evaluation is available to this core.
type WappalyzerProbe struct {
	fingerprinter Fingerprinter
	log           zerolog.Logger
}

// NewWappalyzerProbe builds a WappalyzerProbe. Pass nil for fingerprinter to
// have it construct a real wappalyzergo-backed one (which loads its
// fingerprint database); tests pass a stub instead.
func NewWappalyzerProbe(fingerprinter Fingerprinter, log zerolog.Logger) (*WappalyzerProbe, error) {
	if fingerprinter == nil {
		f, err := newFingerprinter()
		if err != nil {
			return nil, fmt.Errorf("probe: constructing fingerprinter: %w", err)
		}
		fingerprinter = f
	}
	return &WappalyzerProbe{fingerprinter: fingerprinter, log: log.With().Str("component", "probe").Logger()}, nil
}

// Extract implements Probe.
func (p *WappalyzerProbe) Extract(ctx context.Context, page Page) (*pipeline.PageData, error) {
	body, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("probe: reading page content: %w", err)
	}

	technologies := p.fingerprinter.Detect(page.ResponseHeaders(), []byte(body))

	data := &pipeline.PageData{
		URL:        page.URL(),
		Date:       pipeline.Now().Format("2006-01-02"),
		Confidence: "heuristic",
	}

	for tech := range technologies {
		data.AddLibrary(strings.ToLower(tech))
	}

	instances, err := ExtractPrebidInstances(body)
	if err != nil {
		p.log.Warn().Err(err).Str("url", page.URL()).Msg("prebid instance extraction failed, continuing without it")
	} else {
		data.PrebidInstances = instances
		if len(instances) > 0 {
			data.AddLibrary("prebid")
		}
	}

	return data, nil
}

// prebidGlobalPattern matches the common Prebid.js self-install snippet:
//
//	var pbjs = pbjs || {};
//	window.pbjs = window.pbjs || {};
//
// capturing the global variable name Prebid was installed under. Go's regexp
// has no backreferences, so both sides are captured and a match counts only
// when they name the same variable.
var prebidGlobalPattern = regexp.MustCompile(`(?:window\.)?(\w+)\s*=\s*(?:window\.)?(\w+)\s*\|\|\s*\{\s*\}`)

// prebidVersionPattern matches the version banner Prebid.js's build emits
// near the top of its bundle, e.g. "Prebid.js v8.12.0".
var prebidVersionPattern = regexp.MustCompile(`Prebid\.js\s+v?([\d.]+)`)

// prebidModulePattern matches bidder-adapter registration calls, the most
// common module-discovery surface in an unminified Prebid.js bundle.
var prebidModulePattern = regexp.MustCompile(`registerBidder\(\s*['"]?(\w+)['"]?`)

// ExtractPrebidInstances scans rendered HTML for inline script content that
// looks like a Prebid.js installation (scripts referenced by src are not
// fetched), returning one
// PrebidInstance per distinct global variable name found. This is a
// heuristic, HTML-only stand-in for the in-page DOM evaluation the core
// treats as an external collaborator: a real deployment would instead
// evaluate window.pbjs.version / window.pbjs.installedModules directly.
func ExtractPrebidInstances(html string) ([]pipeline.PrebidInstance, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("probe: parsing HTML for prebid extraction: %w", err)
	}

	seen := make(map[string]bool)
	var instances []pipeline.PrebidInstance

	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		text := sel.Text()
		if !strings.Contains(strings.ToLower(text), "pbjs") && !strings.Contains(text, "registerBidder") {
			return
		}

		globalName := "pbjs"
		for _, m := range prebidGlobalPattern.FindAllStringSubmatch(text, -1) {
			if m[1] == m[2] {
				globalName = m[1]
				break
			}
		}
		if seen[globalName] {
			return
		}
		seen[globalName] = true

		inst := pipeline.PrebidInstance{GlobalVarName: globalName}
		if m := prebidVersionPattern.FindStringSubmatch(text); m != nil {
			inst.Version = m[1]
		}

		moduleSeen := make(map[string]bool)
		for _, m := range prebidModulePattern.FindAllStringSubmatch(text, -1) {
			mod := m[1]
			if !moduleSeen[mod] {
				moduleSeen[mod] = true
				inst.Modules = append(inst.Modules, mod)
			}
		}

		instances = append(instances, inst)
	})

	return instances, nil
}
