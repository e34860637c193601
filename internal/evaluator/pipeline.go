// Package evaluator turns fetched page text into graded job decisions:
// extraction, relevance scoring, detail-page follow-up and portal fan-out.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/curious-surfer/internal/chunking"
	"github.com/JakeFAU/curious-surfer/internal/crawler"
	"github.com/JakeFAU/curious-surfer/internal/llm"
	"github.com/JakeFAU/curious-surfer/internal/urlutil"
)

// Purposes label the calls of each stage in usage accounting.
const (
	PurposePreFilter = "pre_filter"
	PurposeExtract   = "extract"
	PurposeRelevance = "relevance"
)

const (
	preFilterTemperature = 0.0
	analysisTemperature  = 1.0
	unknownTitle         = "Unknown Position"
	noDescription        = "No description available"
)

// Defaults applied by New to zero config values.
const (
	DefaultRelevanceThreshold = 3
	DefaultMaxURLDuplicates   = 3
	DefaultFanoutParallelism  = 1
	DefaultMaxPortalDepth     = 2
	DefaultContextBudget      = 128000
)

// ErrAborted is returned by a stage when the gateway reported an abort.
var ErrAborted = errors.New("evaluator: llm call aborted")

// Processor runs one instruction over content within a token budget.
// *chunking.Engine implements it.
type Processor interface {
	Process(ctx context.Context, tmpl chunking.Template, pair chunking.InstructionPair, content string, budget int) (chunking.Result, error)
}

// Quota tracks how many listings may still be explored per site.
// *scheduler.Scheduler implements it.
type Quota interface {
	RemainingQuota(rawURL string) int
	RecordJobExploration(rawURL string)
}

// Config holds the models and limits of the pipeline.
type Config struct {
	FastModel          string
	AdvancedModel      string
	ContextBudget      int
	RelevanceThreshold int
	MaxURLDuplicates   int
	FanoutParallelism  int
	MaxPortalDepth     int
}

func (c *Config) defaults() {
	if c.AdvancedModel == "" {
		c.AdvancedModel = c.FastModel
	}
	if c.FastModel == "" {
		c.FastModel = c.AdvancedModel
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = DefaultContextBudget
	}
	if c.RelevanceThreshold < 0 {
		c.RelevanceThreshold = DefaultRelevanceThreshold
	}
	if c.MaxURLDuplicates <= 0 {
		c.MaxURLDuplicates = DefaultMaxURLDuplicates
	}
	if c.FanoutParallelism <= 0 {
		c.FanoutParallelism = DefaultFanoutParallelism
	}
	if c.MaxPortalDepth <= 0 {
		c.MaxPortalDepth = DefaultMaxPortalDepth
	}
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	proc    Processor
	fetcher crawler.PageFetcher
	cfg     Config
	prompts Prompts
	parsers []ListingParser
	quota   Quota
	logger  *zap.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithPrompts replaces the stage instructions.
func WithPrompts(p Prompts) Option {
	return func(pl *Pipeline) { pl.prompts = p }
}

// WithParsers replaces the listing parser chain.
func WithParsers(parsers ...ListingParser) Option {
	return func(pl *Pipeline) {
		if len(parsers) > 0 {
			pl.parsers = parsers
		}
	}
}

// WithQuota wires the per-site exploration quota. Without it every portal may
// explore up to three listings.
func WithQuota(q Quota) Option {
	return func(pl *Pipeline) { pl.quota = q }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *zap.Logger) Option {
	return func(pl *Pipeline) {
		if l != nil {
			pl.logger = l
		}
	}
}

// New builds a pipeline. fetcher downloads detail pages and portal listings.
func New(proc Processor, fetcher crawler.PageFetcher, cfg Config, opts ...Option) *Pipeline {
	cfg.defaults()
	p := &Pipeline{
		proc:    proc,
		fetcher: fetcher,
		cfg:     cfg,
		prompts: DefaultPrompts(),
		parsers: DefaultParsers(),
		quota:   fixedQuota(3),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("evaluator")
	return p
}

// Evaluate grades the content found at rawURL. Extraction and scoring
// failures degrade to empty results; only an abort from the gateway is
// reported, through Evaluation.Aborted.
func (p *Pipeline) Evaluate(ctx context.Context, rawURL, content string) Evaluation {
	ev, err := p.evaluate(ctx, rawURL, content, newLoopGuard(p.cfg.MaxURLDuplicates), 0)
	if err != nil {
		ev.Aborted = true
		ev.AbortDetail = err.Error()
	}
	return ev
}

func (p *Pipeline) evaluate(ctx context.Context, rawURL, content string, guard *loopGuard, depth int) (Evaluation, error) {
	ev := Evaluation{URL: rawURL}
	logger := p.logger.With(zap.String("url", rawURL), zap.Int("depth", depth))

	extraction, err := p.extract(ctx, rawURL, content)
	if err != nil {
		return ev, err
	}
	ev.Extraction = extraction

	if extraction.IsGenericPortal {
		ev.Portal, ev.Relevant = true, true
		logger.Info("generic portal identified", zap.Int("listings", len(extraction.SpecificJobListings)))
		found, err := p.explorePortal(ctx, rawURL, extraction, guard, depth)
		ev.FoundJobs = found
		return ev, err
	}

	relevance, err := p.score(ctx, content)
	if err != nil {
		return ev, err
	}
	ev.Relevance = relevance
	ev.Relevant = relevance.Score >= p.cfg.RelevanceThreshold || relevance.InterimSuitable

	if ev.Relevant {
		if err := p.followDetail(ctx, &ev); err != nil {
			return ev, err
		}
	}
	logger.Info("listing evaluated",
		zap.String("title", ev.Title()),
		zap.Int("score", ev.Relevance.Score),
		zap.Bool("relevant", ev.Relevant),
	)
	return ev, nil
}

// followDetail re-runs extraction and scoring on a distinct, absolute
// "more details" URL. Empty fields are filled and the score only goes up.
func (p *Pipeline) followDetail(ctx context.Context, ev *Evaluation) error {
	detail := strings.TrimSpace(ev.Extraction.URLMoreDetails)
	if detail == "" || detail == ev.URL || !urlutil.IsAbsoluteHTTP(detail) {
		return nil
	}
	page := p.fetcher.FetchPage(ctx, detail)
	if !page.OK() {
		p.logger.Debug("detail page unavailable",
			zap.String("detail_url", detail), zap.String("status", string(page.Status)))
		return nil
	}
	dx, err := p.extract(ctx, detail, page.Text)
	if err != nil {
		return err
	}
	dr, err := p.score(ctx, page.Text)
	if err != nil {
		return err
	}
	ev.Extraction.fillFrom(dx)
	if dr.Score > ev.Relevance.Score {
		ev.Relevance.Score = dr.Score
		ev.Relevance.InterimSuitable = dr.InterimSuitable
		if dr.Explanation != "" {
			ev.Relevance.Explanation = dr.Explanation
		}
	}
	ev.FollowedDetailURL = detail
	return nil
}

type candidate struct {
	URL         string
	Title       string
	Description string
}

// explorePortal pre-filters the sub-listings of a portal, caps them to the
// site quota and evaluates the survivors.
func (p *Pipeline) explorePortal(ctx context.Context, base string, ex Extraction, guard *loopGuard, depth int) ([]FoundJob, error) {
	if depth >= p.cfg.MaxPortalDepth {
		p.logger.Info("portal depth limit reached", zap.String("url", base), zap.Int("depth", depth))
		return nil, nil
	}
	quota := p.quota.RemainingQuota(base)
	if quota <= 0 {
		p.logger.Info("site quota exhausted, skipping listings", zap.String("url", base))
		return nil, nil
	}

	var candidates []candidate
	for _, raw := range ex.SpecificJobListings {
		c, ok := p.candidate(base, raw)
		if !ok {
			continue
		}
		keep, err := p.preFilter(ctx, c.Title, c.Description)
		if err != nil {
			return nil, err
		}
		if !keep {
			p.logger.Debug("listing pre-filtered out", zap.String("title", c.Title))
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) > quota {
		p.logger.Info("limiting listings to site quota",
			zap.Int("candidates", len(candidates)), zap.Int("quota", quota))
		candidates = candidates[:quota]
	}

	results := make([][]FoundJob, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.FanoutParallelism)
	for i, c := range candidates {
		if !guard.admit(c.URL) {
			p.logger.Warn("url pattern repeats, skipping listing",
				zap.String("pattern", urlutil.Pattern(c.URL)))
			continue
		}
		g.Go(func() error {
			found, err := p.exploreListing(gctx, c, guard, depth)
			results[i] = found
			return err
		})
	}
	err := g.Wait()

	var found []FoundJob
	for _, r := range results {
		found = append(found, r...)
	}
	return found, err
}

func (p *Pipeline) exploreListing(ctx context.Context, c candidate, guard *loopGuard, depth int) ([]FoundJob, error) {
	page := p.fetcher.FetchPage(ctx, c.URL)
	p.quota.RecordJobExploration(c.URL)
	if !page.OK() {
		return nil, nil
	}
	sub, err := p.evaluate(ctx, c.URL, page.Text, guard, depth+1)
	if err != nil {
		return nil, err
	}
	switch {
	case sub.Portal:
		return sub.FoundJobs, nil
	case sub.Relevant:
		return []FoundJob{{URL: c.URL, Evaluation: sub}}, nil
	default:
		return nil, nil
	}
}

// candidate parses one raw sub-listing and resolves its URL against base.
func (p *Pipeline) candidate(base, raw string) (candidate, bool) {
	l, parser, err := ParseListing(p.parsers, raw, p.logger)
	if err != nil {
		p.logger.Debug("skipping unparseable listing", zap.String("raw", raw))
		return candidate{}, false
	}
	link := strings.TrimSpace(l.URL)
	switch {
	case link == "" || link == base:
		if l.Title == "" {
			return candidate{}, false
		}
		link = urlutil.SearchURL(base, l.Title)
	case !urlutil.IsAbsoluteHTTP(link):
		link = urlutil.Resolve(base, link)
	}
	title := l.Title
	if title == "" {
		title = unknownTitle
	}
	p.logger.Debug("listing parsed", zap.String("parser", parser), zap.String("url", link))
	return candidate{URL: link, Title: title, Description: l.Description}, true
}

// preFilter asks the fast model whether a listing deserves a closer look.
// Failures count as "no".
func (p *Pipeline) preFilter(ctx context.Context, title, description string) (bool, error) {
	if description == "" {
		description = noDescription
	}
	content := fmt.Sprintf("Job Title: %s\n\nJob Description: %s", title, description)
	var out PreFilter
	if err := p.run(ctx, p.cfg.FastModel, preFilterTemperature, preFilterSchema, PurposePreFilter,
		p.prompts.PreFilter, content, &out); err != nil {
		if errors.Is(err, ErrAborted) {
			return false, err
		}
		return false, nil
	}
	return out.PotentiallyRelevant, nil
}

func (p *Pipeline) extract(ctx context.Context, rawURL, content string) (Extraction, error) {
	var out Extraction
	user := fmt.Sprintf("URL: %s\n\nPage Content:\n%s", rawURL, content)
	if err := p.run(ctx, p.cfg.AdvancedModel, analysisTemperature, extractionSchema, PurposeExtract,
		p.prompts.Extractor, user, &out); err != nil {
		if errors.Is(err, ErrAborted) {
			return Extraction{}, err
		}
		p.logger.Warn("extraction failed", zap.String("url", rawURL), zap.Error(err))
		return Extraction{}, nil
	}
	return out, nil
}

func (p *Pipeline) score(ctx context.Context, content string) (Relevance, error) {
	var out Relevance
	if err := p.run(ctx, p.cfg.AdvancedModel, analysisTemperature, relevanceSchema, PurposeRelevance,
		p.prompts.Relevance, content, &out); err != nil {
		if errors.Is(err, ErrAborted) {
			return Relevance{}, err
		}
		p.logger.Warn("relevance scoring failed", zap.Error(err))
		return Relevance{}, nil
	}
	out.Score = min(max(out.Score, 0), 5)
	return out, nil
}

// run sends one stage through the processor and decodes the structured answer.
func (p *Pipeline) run(ctx context.Context, model string, temperature float64, schema *llm.Schema, purpose, instruction, content string, dst any) error {
	tmpl := chunking.Template{Model: model, Temperature: temperature, Schema: schema, Purpose: purpose}
	res, err := p.proc.Process(ctx, tmpl, pair(instruction), content, p.cfg.ContextBudget)
	if res.Kind == llm.KindAbort {
		return fmt.Errorf("%w: %s", ErrAborted, res.Detail)
	}
	if !res.OK() {
		if err == nil {
			err = fmt.Errorf("%s call failed: %s %s", purpose, res.Kind, res.Detail)
		}
		return fmt.Errorf("%s: %w", purpose, err)
	}
	if err := llm.DecodeJSON(res.Response.Content, dst); err != nil {
		return fmt.Errorf("%s: %w", purpose, err)
	}
	return nil
}

// loopGuard counts explorations per URL pattern (URL without query).
type loopGuard struct {
	mu    sync.Mutex
	limit int
	seen  map[string]int
}

func newLoopGuard(limit int) *loopGuard {
	return &loopGuard{limit: limit, seen: make(map[string]int)}
}

// admit records one exploration of rawURL's pattern and reports whether the
// pattern was still below the limit.
func (g *loopGuard) admit(rawURL string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	pattern := urlutil.Pattern(rawURL)
	if g.seen[pattern] >= g.limit {
		return false
	}
	g.seen[pattern]++
	return true
}

type fixedQuota int

func (q fixedQuota) RemainingQuota(string) int   { return int(q) }
func (fixedQuota) RecordJobExploration(string) {}
