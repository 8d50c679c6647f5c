package probe

import (
	"context"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFingerprinter struct {
	technologies map[string][]string
}

func (s stubFingerprinter) Detect(headers map[string][]string, body []byte) map[string][]string {
	return s.technologies
}

const prebidHTML = `<html><head>
<script>
var pbjs = pbjs || {};
pbjs.que = pbjs.que || [];
// Prebid.js v8.12.0
pbjs.que.push(function() {
  registerBidder('appnexus', spec);
  registerBidder('rubicon', spec);
});
</script>
</head><body>hello</body></html>`

func TestExtractPrebidInstancesFindsGlobalVersionAndModules(t *testing.T) {
	instances, err := ExtractPrebidInstances(prebidHTML)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "pbjs", instances[0].GlobalVarName)
	assert.Equal(t, "8.12.0", instances[0].Version)
	assert.ElementsMatch(t, []string{"appnexus", "rubicon"}, instances[0].Modules)
}

func TestExtractPrebidInstancesNoneFound(t *testing.T) {
	instances, err := ExtractPrebidInstances("<html><body>no ads here</body></html>")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestWappalyzerProbeExtractPopulatesPageData(t *testing.T) {
	stub := stubFingerprinter{technologies: map[string][]string{"Cloudflare": {"CDN"}}}
	p, err := NewWappalyzerProbe(stub, zerolog.Nop())
	require.NoError(t, err)

	page := &StaticPage{PageURL: "https://example.com", Body: prebidHTML, Headers: http.Header{"Server": {"cloudflare"}}}
	data, err := p.Extract(context.Background(), page)
	require.NoError(t, err)

	assert.Contains(t, data.Libraries, "cloudflare")
	assert.Contains(t, data.Libraries, "prebid")
	assert.True(t, data.HasPrebid())
	assert.Equal(t, "https://example.com", data.URL)
}
