package pipeline

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyDNS(t *testing.T) {
	code, transient := Classify(&net.DNSError{Err: "no such host", Name: "x.example", IsNotFound: true})
	assert.Equal(t, CodeDNSUnresolved, code)
	assert.False(t, transient, "DNS_UNRESOLVED is permanent")
}

func TestClassifyHTTPStatus(t *testing.T) {
	code, transient := Classify(StatusToError(404))
	assert.Equal(t, ErrorCode("HTTP_404"), code)
	assert.False(t, transient, "4xx other than 408/429 is permanent")

	code, transient = Classify(StatusToError(429))
	assert.Equal(t, ErrorCode("HTTP_429"), code)
	assert.True(t, transient, "429 is transient")

	code, transient = Classify(StatusToError(503))
	assert.Equal(t, ErrorCode("HTTP_503"), code)
	assert.True(t, transient)
}

func TestClassifyCancelled(t *testing.T) {
	code, transient := Classify(errors.New("context canceled by operator request cancelled"))
	assert.Equal(t, CodeCancelled, code)
	assert.True(t, transient)
}

func TestClassifyUnknownDefaultsToProcessingErrorTransient(t *testing.T) {
	code, transient := Classify(errors.New("something truly unexpected happened"))
	assert.Equal(t, CodeProcessingError, code)
	assert.True(t, transient, "fallback default is transient per §7")
}

func TestClassifyNilIsProcessingError(t *testing.T) {
	code, _ := Classify(nil)
	require.Equal(t, CodeProcessingError, code)
}

func TestRangeSpecSlice(t *testing.T) {
	r := RangeSpec{Start: 2, End: 5}
	lo, hi := r.Slice(10)
	assert.Equal(t, 1, lo)
	assert.Equal(t, 5, hi)

	r = RangeSpec{Start: 11, End: 15}
	lo, hi = r.Slice(10)
	assert.Equal(t, 10, lo)
	assert.Equal(t, 10, hi)
	assert.True(t, r.Empty() == false) // the RangeSpec itself isn't empty, slice is

	empty := RangeSpec{Start: 5, End: 3}
	assert.True(t, empty.Empty())
}

func TestPageDataAddLibraryDedupsPreservesOrder(t *testing.T) {
	p := &PageData{}
	p.AddLibrary("prebid")
	p.AddLibrary("googletag")
	p.AddLibrary("prebid")
	assert.Equal(t, []string{"prebid", "googletag"}, p.Libraries)
}
