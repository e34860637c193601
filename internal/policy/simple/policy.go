// Package simple holds the fetch policy: which domains may be fetched at all
// and how many headless renders each domain may cost per session.
package simple

import (
	"strings"
	"sync"

	"github.com/JakeFAU/curious-surfer/internal/urlutil"
)

// Config lists blocked domain patterns ("example.com", "*.example.com" or
// ".example.com") and the per-domain headless budget (0 means unlimited).
type Config struct {
	BlockedDomains       []string
	MaxHeadlessPerDomain int
}

// Policy is safe for concurrent use.
type Policy struct {
	exact       map[string]struct{}
	suffixes    []string
	maxHeadless int

	mu       sync.Mutex
	headless map[string]int
}

// New creates a new Policy.
func New(cfg Config) *Policy {
	p := &Policy{
		exact:       make(map[string]struct{}),
		maxHeadless: cfg.MaxHeadlessPerDomain,
		headless:    make(map[string]int),
	}
	for _, raw := range cfg.BlockedDomains {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			p.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			p.addSuffix(strings.TrimPrefix(value, "."))
		default:
			p.exact[value] = struct{}{}
		}
	}
	return p
}

func (p *Policy) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range p.suffixes {
		if existing == suffix {
			return
		}
	}
	p.suffixes = append(p.suffixes, suffix)
}

// AllowFetch reports whether rawURL's domain is not blocked.
func (p *Policy) AllowFetch(rawURL string) bool {
	return !p.blocked(hostOnly(urlutil.Domain(rawURL)))
}

// AllowHeadless consumes one headless render from the domain's budget and
// reports whether it was available.
func (p *Policy) AllowHeadless(rawURL string) bool {
	if p.maxHeadless <= 0 {
		return true
	}
	domain := urlutil.Domain(rawURL)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.headless[domain] >= p.maxHeadless {
		return false
	}
	p.headless[domain]++
	return true
}

func (p *Policy) blocked(host string) bool {
	if host == "" {
		return false
	}
	if _, ok := p.exact[host]; ok {
		return true
	}
	for _, suffix := range p.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

func hostOnly(domain string) string {
	if i := strings.LastIndexByte(domain, ':'); i >= 0 && !strings.Contains(domain[i:], "]") {
		return domain[:i]
	}
	return domain
}
