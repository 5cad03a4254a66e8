package citation

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL canonicalizes a target URL for task lookup and creation:
// scheme variance is dropped, the host is lower-cased with a leading "www."
// stripped, trailing slashes are removed, and the fragment is discarded.
// Two spellings of the same page normalize to the same cache key.
func NormalizeURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty url")
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	host = strings.TrimPrefix(host, "www.")

	path := strings.TrimRight(u.Path, "/")

	normalized := host + path
	if u.RawQuery != "" {
		normalized += "?" + u.RawQuery
	}
	return normalized, nil
}

// TargetDomain returns the host portion of a normalized URL, used to exclude
// the target itself from competitor rankings.
func TargetDomain(normalized string) string {
	host := normalized
	if i := strings.IndexAny(host, "/?"); i >= 0 {
		host = host[:i]
	}
	return host
}

// sameDomain compares two hosts ignoring case and a leading "www.".
func sameDomain(a, b string) bool {
	a = strings.TrimPrefix(strings.ToLower(a), "www.")
	b = strings.TrimPrefix(strings.ToLower(b), "www.")
	return a == b
}
