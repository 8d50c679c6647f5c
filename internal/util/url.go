// Package util holds small normalisation helpers shared by the Loader,
// Content Cache and Orchestrator, adapted from the teacher's
// internal/util/url.go domain-normalisation helpers.
package util

import (
	"net/url"
	"regexp"
	"strings"
)

// domainLike matches a bare domain such as "example.com" or "sub.example.co.uk",
// per spec §6's normalisation rule.
var domainLike = regexp.MustCompile(`(?i)^[a-z0-9.-]+\.[a-z]{2,}(/.*)?$`)

// hasWhitespace reports whether s contains any internal whitespace.
func hasWhitespace(s string) bool {
	return strings.ContainsAny(s, " \t\n\r\v\f")
}

// NormaliseLine applies the §6 URL normalisation rules to a single line from
// a corpus: trim, drop empty/whitespace-containing lines, promote bare
// domains to https://, and drop lines with an unsupported scheme. Returns
// ("", false) when the line should be dropped.
func NormaliseLine(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", false
	}
	if hasWhitespace(trimmed) {
		return "", false
	}

	if strings.Contains(trimmed, "://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", false
		}
		switch strings.ToLower(parsed.Scheme) {
		case "http", "https":
			if parsed.Host == "" {
				return "", false
			}
			return trimmed, true
		default:
			// ftp, htp, and any other scheme are dropped per §6.
			return "", false
		}
	}

	if domainLike.MatchString(trimmed) {
		candidate := "https://" + trimmed
		if _, err := url.Parse(candidate); err != nil {
			return "", false
		}
		return candidate, true
	}

	return "", false
}

// NormaliseDomain removes scheme, "www.", and trailing slash from a domain
// or URL string. Kept for callers that only need the bare host.
func NormaliseDomain(domain string) string {
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "www.")
	domain = strings.TrimSuffix(domain, "/")
	return domain
}

// githubBlobPattern matches https://<host>/<owner>/<repo>/blob/<ref>/<path>.
var githubBlobPattern = regexp.MustCompile(`^https://([^/]+)/([^/]+)/([^/]+)/blob/([^/]+)/(.+)$`)

// NormaliseCodeHostBlobURL transforms a code-host "blob" URL into its raw
// content equivalent per spec §6:
//
//	https://<host>/<owner>/<repo>/blob/<ref>/<path>
//	  → https://raw.<host>/<owner>/<repo>/<ref>/<path>
//
// Returns the input unchanged (and false) if it does not match the pattern.
func NormaliseCodeHostBlobURL(raw string) (string, bool) {
	m := githubBlobPattern.FindStringSubmatch(raw)
	if m == nil {
		return raw, false
	}
	host, owner, repo, ref, path := m[1], m[2], m[3], m[4], m[5]
	return "https://raw." + host + "/" + owner + "/" + repo + "/" + ref + "/" + path, true
}

// SplitLines splits body tolerantly on LF or CRLF line terminators.
func SplitLines(body string) []string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	return strings.Split(body, "\n")
}
