// Package navigator analyses the landing page of a site: whether it lists
// jobs, how to reach the listings and how to search them. What it learns is
// written back to the memory store.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/curious-surfer/internal/chunking"
	"github.com/JakeFAU/curious-surfer/internal/crawler"
	"github.com/JakeFAU/curious-surfer/internal/llm"
	"github.com/JakeFAU/curious-surfer/internal/memory"
	"github.com/JakeFAU/curious-surfer/internal/urlutil"
)

// PromptName is the configuration key of the navigation instruction.
const PromptName = "site_navigation"

// Purpose labels navigation calls in usage accounting.
const Purpose = "navigation"

// Outcome scores written to the site record.
const (
	scoreFetchFailed       = 0.1
	effectivenessListings  = 1.0
	effectivenessNoListing = 0.4
	temperature            = 1.0
	knownPatternLimit      = 3
)

// ErrAborted is returned when the gateway aborted the analysis call.
var ErrAborted = errors.New("navigator: llm call aborted")

// DefaultPrompt is used when no site_navigation prompt is configured.
const DefaultPrompt = `You are an expert at analyzing website structure and navigation, especially for corporate career sites.
You are given the content of a webpage. Determine:

1. whether this page contains job listings directly
2. how to navigate to job listings if they are not on this page
3. whether the page has a search form for jobs
4. the general structure of the site for navigation purposes

Many German corporate sites use these terms for job listings: Stellenangebote, Karriere,
Offene Stellen, Bewerbung, Aktuelle Vakanzen.

Be specific about which links to follow or which search terms to use, with a focus on senior
and interim management positions.

Fields:
- has_job_listings: true if this page directly contains job listings
- job_listings_path: how to navigate to job listings (if not on this page)
- search_form_path: how to use the search functionality (if available)
- navigation_pattern: the typical navigation pattern of this site
- site_structure: the general structure of the site
- recommendations: recommendations for exploring this site`

const memoryNote = `

The page may arrive in parts. Each part starts with your notes on the earlier parts between
§§§Memory§§§ and §§§End of Memory§§§. Write updated notes in text_output that keep every earlier
finding and add the navigation cues of this part.`

// Analysis is the structured answer about a site.
type Analysis struct {
	HasJobListings    bool     `json:"has_job_listings"`
	JobListingsPath   string   `json:"job_listings_path"`
	SearchFormPath    string   `json:"search_form_path"`
	NavigationPattern string   `json:"navigation_pattern"`
	SiteStructure     string   `json:"site_structure"`
	Recommendations   []string `json:"recommendations"`
}

var analysisSchema = llm.ObjectSchema("site_navigation", map[string]any{
	"has_job_listings":   llm.BooleanProp(),
	"job_listings_path":  llm.StringProp(),
	"search_form_path":   llm.StringProp(),
	"navigation_pattern": llm.StringProp(),
	"site_structure":     llm.StringProp(),
	"recommendations":    llm.StringArrayProp(),
})

// Exploration is the result of ExploreSite.
type Exploration struct {
	URL    string
	Status crawler.FetchStatus
	// Page is the fetched landing page; the coordinator evaluates its text
	// when the site lists jobs directly.
	Page     crawler.Page
	Analysis Analysis
	// Degraded is set when the analysis call failed and Analysis is empty.
	Degraded bool
}

// OK reports whether the landing page was fetched.
func (e Exploration) OK() bool { return e.Status == crawler.FetchOK }

// Processor runs one instruction over content within a token budget.
type Processor interface {
	Process(ctx context.Context, tmpl chunking.Template, pair chunking.InstructionPair, content string, budget int) (chunking.Result, error)
}

// Memory is the part of the memory store the navigator writes to.
type Memory interface {
	UpdateSite(rawURL string, u memory.SiteUpdate) (memory.SiteRecord, error)
	AddPattern(patternType, pattern string, effectiveness float64, context string) (string, error)
	BestPatterns(patternType, context string, limit int) []memory.PatternScore
}

// Config selects the model and budget of the analysis call.
type Config struct {
	Model         string
	ContextBudget int
}

// Navigator is safe for concurrent use.
type Navigator struct {
	proc    Processor
	fetcher crawler.PageFetcher
	mem     Memory
	cfg     Config
	prompt  string
	logger  *zap.Logger
}

// Option customizes a Navigator.
type Option func(*Navigator)

// WithPrompt replaces the analysis instruction.
func WithPrompt(p string) Option {
	return func(n *Navigator) {
		if strings.TrimSpace(p) != "" {
			n.prompt = p
		}
	}
}

// WithLogger sets the navigator logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *Navigator) {
		if l != nil {
			n.logger = l
		}
	}
}

// New returns a Navigator.
func New(proc Processor, fetcher crawler.PageFetcher, mem Memory, cfg Config, opts ...Option) *Navigator {
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = 128000
	}
	n := &Navigator{
		proc:    proc,
		fetcher: fetcher,
		mem:     mem,
		cfg:     cfg,
		prompt:  DefaultPrompt,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.Named("navigator")
	return n
}

// ExploreSite fetches siteURL, analyses its navigation and records the
// findings. A failed fetch lowers the site score and is reported through
// Exploration.Status; the returned error is reserved for aborts and memory
// write failures.
func (n *Navigator) ExploreSite(ctx context.Context, siteURL string) (Exploration, error) {
	logger := n.logger.With(zap.String("site", siteURL))
	page := n.fetcher.FetchPage(ctx, siteURL)
	exp := Exploration{URL: siteURL, Status: page.Status, Page: page}

	if !page.OK() {
		logger.Info("landing page unavailable", zap.String("status", string(page.Status)), zap.String("reason", page.Reason))
		if exp.Status == crawler.FetchOK {
			exp.Status = crawler.FetchClutter
		}
		score := scoreFetchFailed
		if _, err := n.mem.UpdateSite(siteURL, memory.SiteUpdate{SuccessRate: &score}); err != nil {
			return exp, fmt.Errorf("record failed fetch: %w", err)
		}
		return exp, nil
	}

	analysis, err := n.analyse(ctx, siteURL, page.Text)
	switch {
	case errors.Is(err, ErrAborted):
		return exp, err
	case err != nil:
		logger.Warn("navigation analysis failed", zap.Error(err))
		exp.Degraded = true
	}
	exp.Analysis = analysis

	if err := n.remember(siteURL, analysis); err != nil {
		return exp, err
	}
	logger.Info("site analysed",
		zap.Bool("has_job_listings", analysis.HasJobListings),
		zap.String("job_listings_path", analysis.JobListingsPath),
	)
	return exp, nil
}

func (n *Navigator) analyse(ctx context.Context, siteURL, content string) (Analysis, error) {
	instruction := n.prompt + n.knownPatterns(siteURL)
	pair := chunking.InstructionPair{Plain: instruction, Memory: instruction + memoryNote}
	tmpl := chunking.Template{Model: n.cfg.Model, Temperature: temperature, Schema: analysisSchema, Purpose: Purpose}
	user := fmt.Sprintf("Site URL: %s\n\nPage Content:\n%s", siteURL, content)

	res, err := n.proc.Process(ctx, tmpl, pair, user, n.cfg.ContextBudget)
	if res.Kind == llm.KindAbort {
		return Analysis{}, fmt.Errorf("%w: %s", ErrAborted, res.Detail)
	}
	if !res.OK() {
		if err == nil {
			err = fmt.Errorf("analysis call failed: %s %s", res.Kind, res.Detail)
		}
		return Analysis{}, err
	}
	var out Analysis
	if err := llm.DecodeJSON(res.Response.Content, &out); err != nil {
		return Analysis{}, err
	}
	return out, nil
}

// knownPatterns lists the navigation patterns that worked on this domain before.
func (n *Navigator) knownPatterns(siteURL string) string {
	best := n.mem.BestPatterns(memory.PatternNavigation, urlutil.Domain(siteURL), knownPatternLimit)
	if len(best) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nNavigation patterns that worked on this site before:")
	for _, p := range best {
		fmt.Fprintf(&b, "\n- %s (effectiveness %.2f)", p.Pattern, p.Effectiveness)
	}
	return b.String()
}

func (n *Navigator) remember(siteURL string, a Analysis) error {
	update := memory.SiteUpdate{NavigationPaths: navigationPaths(a)}
	if a.JobListingsPath != "" {
		update.JobListingsPath = &a.JobListingsPath
	}
	if a.SearchFormPath != "" {
		update.SearchFormPath = &a.SearchFormPath
	}
	if a.SiteStructure != "" {
		update.Notes = &a.SiteStructure
	}
	if _, err := n.mem.UpdateSite(siteURL, update); err != nil {
		return fmt.Errorf("update site memory: %w", err)
	}

	if a.NavigationPattern == "" {
		return nil
	}
	eff := effectivenessNoListing
	if a.HasJobListings {
		eff = effectivenessListings
	}
	if _, err := n.mem.AddPattern(memory.PatternNavigation, a.NavigationPattern, eff, urlutil.Domain(siteURL)); err != nil {
		return fmt.Errorf("record navigation pattern: %w", err)
	}
	return nil
}

func navigationPaths(a Analysis) []string {
	var paths []string
	if p := strings.TrimSpace(a.NavigationPattern); p != "" {
		paths = append(paths, p)
	}
	for _, r := range a.Recommendations {
		if r = strings.TrimSpace(r); r != "" {
			paths = append(paths, r)
		}
	}
	return paths
}
