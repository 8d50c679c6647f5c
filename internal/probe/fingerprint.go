package probe

import (
	"sync"

	wappalyzer "github.com/projectdiscovery/wappalyzergo"
)

// categoryNames maps wappalyzergo's numeric category IDs to their
// human-readable names, loaded once per process.
var (
	categoryNames     map[int]string
	categoryNamesOnce sync.Once
)

// Fingerprinter is the subset of wappalyzergo's client this package depends
// on, so tests can substitute a stub without loading its fingerprint
// database.
type Fingerprinter interface {
	// Detect returns a technology name -> category-name mapping for the
	// given response headers and body.
	Detect(headers map[string][]string, body []byte) map[string][]string
}

// wappalyzeClient adapts *wappalyzer.Wappalyze to Fingerprinter, translating
// its category-ID results into the human-readable names Extract appends to
// PageData.Libraries.
type wappalyzeClient struct {
	client *wappalyzer.Wappalyze
}

// newFingerprinter constructs a Fingerprinter backed by wappalyzergo's
// fingerprint database.
func newFingerprinter() (Fingerprinter, error) {
	client, err := wappalyzer.New()
	if err != nil {
		return nil, err
	}

	categoryNamesOnce.Do(func() {
		categoryNames = make(map[int]string)
		for id, cat := range wappalyzer.GetCategoriesMapping() {
			categoryNames[id] = cat.Name
		}
	})

	return wappalyzeClient{client: client}, nil
}

func (w wappalyzeClient) Detect(headers map[string][]string, body []byte) map[string][]string {
	fingerprints := w.client.FingerprintWithCats(headers, body)

	technologies := make(map[string][]string, len(fingerprints))
	for tech, catInfo := range fingerprints {
		categories := make([]string, 0, len(catInfo.Cats))
		for _, catID := range catInfo.Cats {
			if name, ok := categoryNames[catID]; ok {
				categories = append(categories, name)
			}
		}
		technologies[tech] = categories
	}
	return technologies
}
