package probe

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFingerprinter(t *testing.T) {
	f, err := newFingerprinter()
	require.NoError(t, err)
	assert.NotNil(t, f)
}

func TestFingerprinterDetectEmptyInputs(t *testing.T) {
	f, err := newFingerprinter()
	require.NoError(t, err)

	technologies := f.Detect(nil, nil)
	assert.NotNil(t, technologies)
}

func TestFingerprinterDetectCloudflareHeaders(t *testing.T) {
	f, err := newFingerprinter()
	require.NoError(t, err)

	headers := make(http.Header)
	headers.Set("CF-Ray", "1234567890abcdef-SYD")
	headers.Set("CF-Cache-Status", "HIT")
	headers.Set("Server", "cloudflare")

	technologies := f.Detect(headers, nil)

	_, hasCloudflare := technologies["Cloudflare"]
	assert.True(t, hasCloudflare, "Cloudflare should be detected from its header signature")
}

func TestFingerprinterDetectShopifySignatures(t *testing.T) {
	f, err := newFingerprinter()
	require.NoError(t, err)

	headers := make(http.Header)
	headers.Set("X-ShopId", "12345678")
	headers.Set("X-Shopify-Stage", "production")

	body := []byte(`<!DOCTYPE html><html><head><link rel="preconnect" href="https://cdn.shopify.com"></head><body data-shopify="true"></body></html>`)

	technologies := f.Detect(headers, body)

	_, hasShopify := technologies["Shopify"]
	assert.True(t, hasShopify, "Shopify should be detected")
}

func TestFingerprinterDetectConcurrentAccess(t *testing.T) {
	f, err := newFingerprinter()
	require.NoError(t, err)

	headers := make(http.Header)
	headers.Set("Server", "nginx")

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			technologies := f.Detect(headers, []byte("<html></html>"))
			assert.NotNil(t, technologies)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
