// Package urlutil holds the URL helpers shared by the scheduler, memory store
// and evaluator: domain keys, loop-guard patterns and listing link resolution.
package urlutil

import (
	"net/url"
	"strings"
)

// Domain returns the network location (host[:port]) of raw, lowercased. It
// is the key used for site records and per-site quotas. Inputs without a
// scheme are treated as bare hosts.
func Domain(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// Pattern strips the query string (everything from the first '?') and the
// fragment. Pagination links of the same listing collapse onto one pattern.
func Pattern(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = raw[:i]
	}
	return raw
}

// IsAbsoluteHTTP reports whether raw starts with an http or https scheme.
func IsAbsoluteHTTP(raw string) bool {
	lower := strings.ToLower(strings.TrimSpace(raw))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Resolve turns a listing link into an absolute URL. Root-relative links are
// joined to the scheme and host of base; other relative links are appended to
// base with a single separating slash.
func Resolve(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || IsAbsoluteHTTP(ref) {
		return ref
	}
	if strings.HasPrefix(ref, "//") {
		if u, err := url.Parse(base); err == nil && u.Scheme != "" {
			return u.Scheme + ":" + ref
		}
		return "https:" + ref
	}
	if strings.HasPrefix(ref, "/") {
		u, err := url.Parse(base)
		if err != nil || u.Host == "" {
			return strings.TrimRight(base, "/") + ref
		}
		return u.Scheme + "://" + u.Host + ref
	}
	if strings.HasSuffix(base, "/") {
		return base + ref
	}
	return base + "/" + ref
}

// SearchURL builds the fallback link used when a listing has no URL of its
// own: the portal URL with the title as the q parameter.
func SearchURL(base, title string) string {
	clean := strings.ReplaceAll(strings.TrimSpace(title), " ", "+")
	clean = strings.ReplaceAll(clean, "/", "%2F")
	return base + "?q=" + clean
}

// Canonicalize drops the fragment and fills an empty scheme and path.
func Canonicalize(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	parsed.Fragment = ""
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	return parsed.String(), nil
}
