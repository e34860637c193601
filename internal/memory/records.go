package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SiteRecord is what the agent knows about one domain.
type SiteRecord struct {
	Domain          string    `json:"domain"`
	FullURL         string    `json:"full_url"`
	Visits          int       `json:"visits"`
	LastVisit       Timestamp `json:"last_visit"`
	SuccessRate     float64   `json:"success_rate"`
	NavigationPaths []string  `json:"navigation_paths"`
	JobListingsPath string    `json:"job_listings_path,omitempty"`
	SearchFormPath  string    `json:"search_form_path,omitempty"`
	KnownJobIDs     []string  `json:"known_job_ids"`
	Notes           string    `json:"notes"`
	CreatedAt       Timestamp `json:"created_at"`
	UpdatedAt       Timestamp `json:"updated_at"`
}

// JobRecord is a relevant job the agent has seen.
type JobRecord struct {
	URL                string    `json:"url"`
	Domain             string    `json:"domain"`
	Title              string    `json:"title"`
	RelevanceScore     int       `json:"relevance_score"`
	IsInterimSuitable  bool      `json:"is_interim_suitable"`
	DescriptionSummary string    `json:"description_summary"`
	Keywords           []string  `json:"keywords"`
	Location           string    `json:"location,omitempty"`
	Requirements       []string  `json:"requirements"`
	StillActive        bool      `json:"still_active"`
	LastChecked        Timestamp `json:"last_checked"`
	CreatedAt          Timestamp `json:"created_at"`
	UpdatedAt          Timestamp `json:"updated_at"`
}

// PatternRecord is a learned cue with a running-mean effectiveness.
type PatternRecord struct {
	PatternType   string    `json:"pattern_type"`
	Pattern       string    `json:"pattern"`
	SuccessCount  int       `json:"success_count"`
	Effectiveness float64   `json:"effectiveness"`
	Contexts      []string  `json:"contexts"`
	CreatedAt     Timestamp `json:"created_at"`
	UpdatedAt     Timestamp `json:"updated_at"`
}

// Pattern types used by the agent.
const (
	PatternNavigation   = "navigation"
	PatternJobIndicator = "job_indicator"
	PatternSearchTerm   = "search_term"
)

// Document is the persisted file layout.
type Document struct {
	Sites    map[string]*SiteRecord    `json:"sites"`
	Jobs     map[string]*JobRecord     `json:"jobs"`
	Patterns map[string]*PatternRecord `json:"patterns"`
}

func newDocument() Document {
	return Document{
		Sites:    make(map[string]*SiteRecord),
		Jobs:     make(map[string]*JobRecord),
		Patterns: make(map[string]*PatternRecord),
	}
}

// Timestamp marshals as RFC 3339 and also accepts ISO-8601 values without a
// zone, which older memory files contain.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognised value %q", raw)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
