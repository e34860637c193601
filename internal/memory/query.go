package memory

import (
	"sort"
	"time"

	"github.com/JakeFAU/curious-surfer/internal/urlutil"
)

// PatternScore is one BestPatterns entry.
type PatternScore struct {
	Pattern       string  `json:"pattern"`
	Effectiveness float64 `json:"effectiveness"`
}

// BestPatterns returns patterns of patternType sorted by effectiveness.
// A non-empty context keeps only patterns that worked there.
func (s *Store) BestPatterns(patternType, context string, limit int) []PatternScore {
	s.mu.RLock()
	out := make([]PatternScore, 0)
	for _, p := range s.doc.Patterns {
		if p.PatternType != patternType {
			continue
		}
		if context != "" && !contains(p.Contexts, context) {
			continue
		}
		out = append(out, PatternScore{Pattern: p.Pattern, Effectiveness: p.Effectiveness})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Effectiveness != out[j].Effectiveness {
			return out[i].Effectiveness > out[j].Effectiveness
		}
		return out[i].Pattern < out[j].Pattern
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SitePriority is one PrioritizedSites entry.
type SitePriority struct {
	URL    string  `json:"url"`
	Domain string  `json:"domain"`
	Score  float64 `json:"score"`
}

// Priority scores a site for exploitation: its success rate, plus up to 0.2
// for not having been visited for five days, plus up to 0.1 for few visits.
func Priority(site SiteRecord, now time.Time) float64 {
	days := 0
	if !site.LastVisit.IsZero() {
		days = int(now.Sub(site.LastVisit.Time).Hours() / 24)
	}
	recency := float64(days) / 5
	if recency > 1 {
		recency = 1
	}
	if recency < 0 {
		recency = 0
	}
	scarcity := 1 - float64(site.Visits)/10
	if scarcity < 0.1 {
		scarcity = 0.1
	}
	return site.SuccessRate + 0.2*recency + 0.1*scarcity
}

// PrioritizedSites returns up to limit sites, best first.
func (s *Store) PrioritizedSites(limit int) []SitePriority {
	now := s.clock.Now()
	s.mu.RLock()
	out := make([]SitePriority, 0, len(s.doc.Sites))
	for domain, site := range s.doc.Sites {
		out = append(out, SitePriority{URL: site.FullURL, Domain: domain, Score: Priority(*site, now)})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Domain < out[j].Domain
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// UnexploredDomains returns the candidates whose domain has no site record,
// in input order.
func (s *Store) UnexploredDomains(candidates []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := s.doc.Sites[urlutil.Domain(c)]; !ok {
			out = append(out, c)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
