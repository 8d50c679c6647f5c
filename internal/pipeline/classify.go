package pipeline

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"strings"
)

// HTTPStatusError wraps a non-2xx HTTP response status so Classify can turn
// it into the matching HTTP_<status> token without string matching.
type HTTPStatusError struct {
	Status int
}

func (e *HTTPStatusError) Error() string {
	return "http status " + itoa(e.Status)
}

// classifyCause implements the §7 taxonomy's single mapping table. It
// replaces the teacher's isRetryableError/isBlockingError string matching
// (§9 "ad-hoc error strings" redesign flag) with typed cause inspection
// first, falling back to substring matching only for opaque driver errors
// that arrive as plain strings (DNS, TLS handshake failures surfaced by
// net/http's transport commonly do).
func classifyCause(cause error) ErrorCode {
	if cause == nil {
		return CodeProcessingError
	}

	if errors.Is(cause, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return CodeTimeout
	}

	var statusErr *HTTPStatusError
	if errors.As(cause, &statusErr) {
		return HTTPCode(statusErr.Status)
	}

	var dnsErr *net.DNSError
	if errors.As(cause, &dnsErr) {
		return CodeDNSUnresolved
	}

	var certErr *x509.CertificateInvalidError
	if errors.As(cause, &certErr) {
		return CodeTLSInvalid
	}
	var unknownAuthErr *x509.UnknownAuthorityError
	if errors.As(cause, &unknownAuthErr) {
		return CodeTLSInvalid
	}
	var hostnameErr *x509.HostnameError
	if errors.As(cause, &hostnameErr) {
		return CodeTLSInvalid
	}

	var opErr *net.OpError
	if errors.As(cause, &opErr) {
		if opErr.Timeout() {
			return CodeTimeout
		}
		if strings.Contains(strings.ToLower(opErr.Error()), "refused") {
			return CodeConnectionRefused
		}
		if strings.Contains(strings.ToLower(opErr.Error()), "reset") {
			return CodeConnectionReset
		}
	}

	lower := strings.ToLower(cause.Error())
	switch {
	case strings.Contains(lower, "certificate has expired"):
		return CodeTLSExpired
	case strings.Contains(lower, "certificate") || strings.Contains(lower, "tls") || strings.Contains(lower, "x509"):
		return CodeTLSInvalid
	case strings.Contains(lower, "no such host") || strings.Contains(lower, "dns"):
		return CodeDNSUnresolved
	case strings.Contains(lower, "connection refused"):
		return CodeConnectionRefused
	case strings.Contains(lower, "reset by peer") || strings.Contains(lower, "broken pipe") || strings.Contains(lower, "connection reset"):
		return CodeConnectionReset
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return CodeTimeout
	case strings.Contains(lower, "cancelled") || strings.Contains(lower, "canceled"):
		return CodeCancelled
	case strings.Contains(lower, "page closed") || strings.Contains(lower, "target closed"):
		return CodePageClosed
	case strings.Contains(lower, "navigation"):
		return CodeNavigationAborted
	case strings.Contains(lower, "probe timed out") || strings.Contains(lower, "probe timeout"):
		return CodeProbeTimeout
	case strings.Contains(lower, "probe eval") || strings.Contains(lower, "evaluate"):
		return CodeProbeEvalError
	case strings.Contains(lower, "acquire") || strings.Contains(lower, "browser"):
		return CodeBrowserPageError
	}

	return CodeProcessingError
}

// StatusToError converts an HTTP response status outside the 2xx range into
// an error carrying the status, in the teacher's style of giving every
// non-2xx class a distinct message (internal/crawler/crawler.go's switch on
// resp.StatusCode).
func StatusToError(status int) error {
	if status >= 200 && status < 300 {
		return nil
	}
	return &HTTPStatusError{Status: status}
}

// IsSuccessStatus reports whether status is in the 2xx range.
func IsSuccessStatus(status int) bool {
	return status >= 200 && status < 300
}
