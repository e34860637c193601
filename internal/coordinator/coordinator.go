// Package coordinator runs an exploration session: it asks the scheduler for
// the next site, lets the navigator and the evaluator look at it and folds
// the outcome into memory and the session results.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/curious-surfer/internal/clock/system"
	"github.com/JakeFAU/curious-surfer/internal/crawler"
	"github.com/JakeFAU/curious-surfer/internal/evaluator"
	"github.com/JakeFAU/curious-surfer/internal/id/uuid"
	"github.com/JakeFAU/curious-surfer/internal/memory"
	"github.com/JakeFAU/curious-surfer/internal/metrics"
	"github.com/JakeFAU/curious-surfer/internal/navigator"
	"github.com/JakeFAU/curious-surfer/internal/progress"
	"github.com/JakeFAU/curious-surfer/internal/results"
	"github.com/JakeFAU/curious-surfer/internal/scheduler"
	"github.com/JakeFAU/curious-surfer/internal/urlutil"
	"github.com/JakeFAU/curious-surfer/internal/usage"
)

// Site outcome scores blended into the memory success rate.
const (
	ScoreRelevantJob = 0.9
	ScorePortal      = 0.8
	ScoreNoListings  = 0.4
	ScoreNotRelevant = 0.3
	ScoreFault       = 0.1
)

const (
	unknownPortal   = "Unknown Portal"
	unknownPosition = "Unknown Position"
	maxIndicators   = 10
)

var (
	// ErrNoSites is returned by Run for an empty site list.
	ErrNoSites = errors.New("coordinator: no target sites")
	// ErrAborted marks a site whose LLM calls were aborted.
	ErrAborted = errors.New("coordinator: llm call aborted")
	errPanic   = errors.New("coordinator: recovered panic")
)

// Scheduler picks sites and tracks the session counters.
type Scheduler interface {
	SelectNext(candidates []string) (string, error)
	State() scheduler.State
	RecordFoundJob(jobID string)
	Session() scheduler.Session
}

// Navigator analyses a site's landing page.
type Navigator interface {
	ExploreSite(ctx context.Context, siteURL string) (navigator.Exploration, error)
}

// Evaluator grades page text.
type Evaluator interface {
	Evaluate(ctx context.Context, rawURL, content string) evaluator.Evaluation
}

// Memory is the part of the memory store the coordinator writes to.
type Memory interface {
	UpdateSite(rawURL string, u memory.SiteUpdate) (memory.SiteRecord, error)
	AddJob(ctx context.Context, job memory.JobRecord) (string, error)
	AddPattern(patternType, pattern string, effectiveness float64, context string) (string, error)
}

// Summary describes a finished session.
type Summary struct {
	SessionID string            `json:"session_id"`
	State     string            `json:"state"`
	Results   results.Document  `json:"results"`
	Session   scheduler.Session `json:"session"`
	Usage     usage.Summary     `json:"usage"`
	Duration  time.Duration     `json:"duration"`
	FinalURI  string            `json:"final_uri,omitempty"`
}

// Coordinator runs one session at a time.
type Coordinator struct {
	sched   Scheduler
	nav     Navigator
	eval    Evaluator
	mem     Memory
	results *results.Collector

	usage  *usage.Tracker
	events progress.Emitter
	ids    crawler.IDGenerator
	clock  crawler.Clock
	logger *zap.Logger
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithUsage sets the tracker whose summary is logged at the end.
func WithUsage(t *usage.Tracker) Option { return func(c *Coordinator) { c.usage = t } }

// WithEmitter sends session events to e.
func WithEmitter(e progress.Emitter) Option {
	return func(c *Coordinator) {
		if e != nil {
			c.events = e
		}
	}
}

// WithIDGenerator overrides the session id source.
func WithIDGenerator(g crawler.IDGenerator) Option {
	return func(c *Coordinator) {
		if g != nil {
			c.ids = g
		}
	}
}

// WithClock overrides the event clock.
func WithClock(clk crawler.Clock) Option {
	return func(c *Coordinator) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New wires a coordinator.
func New(sched Scheduler, nav Navigator, eval Evaluator, mem Memory, collector *results.Collector, opts ...Option) *Coordinator {
	c := &Coordinator{
		sched:   sched,
		nav:     nav,
		eval:    eval,
		mem:     mem,
		results: collector,
		events:  progress.Nop{},
		ids:     uuid.New(),
		clock:   system.New(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("coordinator")
	return c
}

// Run explores sites until the scheduler is satisfied or ctx is cancelled.
// Cancellation is not an error: the results gathered so far are written as
// final results and returned.
func (c *Coordinator) Run(ctx context.Context, sites []string) (Summary, error) {
	if len(sites) == 0 {
		return Summary{}, ErrNoSites
	}
	sessionID, err := c.ids.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("new session id: %w", err)
	}
	start := c.clock.Now()
	logger := c.logger.With(zap.String("session_id", sessionID))
	logger.Info("session started", zap.Int("candidate_sites", len(sites)))
	c.emit(progress.Event{SessionID: sessionID, Stage: progress.StageSessionStart})

	state := ""
	var loopErr error
	for {
		if st := c.sched.State(); st != scheduler.Running {
			state = st.String()
			break
		}
		if ctx.Err() != nil {
			state = "cancelled"
			break
		}
		site, err := c.sched.SelectNext(sites)
		if err != nil {
			loopErr = fmt.Errorf("select next site: %w", err)
			state = "failed"
			break
		}
		if cancelled := c.visitSite(ctx, logger, sessionID, site); cancelled {
			state = "cancelled"
			break
		}
		if _, err := c.results.WriteInterim(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("interim results not written", zap.Error(err))
		}
	}

	summary := Summary{
		SessionID: sessionID,
		State:     state,
		Session:   c.sched.Session(),
		Duration:  c.clock.Now().Sub(start),
	}
	uri, err := c.results.WriteFinal(context.WithoutCancel(ctx))
	if err != nil {
		loopErr = errors.Join(loopErr, err)
	}
	summary.FinalURI = uri
	summary.Results = c.results.Snapshot()
	if c.usage != nil {
		summary.Usage = c.usage.Summary()
		c.usage.Log(logger)
	}

	logger.Info("session finished",
		zap.String("state", state),
		zap.Int("visits", summary.Session.Visits),
		zap.Int("found_jobs", len(summary.Results.FoundJobs)),
		zap.Int("portals", len(summary.Results.PotentialPortals)),
		zap.Int("jobs_explored", summary.Session.TotalJobsExplored),
		zap.Duration("duration", summary.Duration),
	)
	c.emit(progress.Event{SessionID: sessionID, Stage: progress.StageSessionDone, Dur: summary.Duration, Note: state})
	return summary, loopErr
}

// visitSite handles one selected site and reports whether the session was
// cancelled while it ran.
func (c *Coordinator) visitSite(ctx context.Context, logger *zap.Logger, sessionID, site string) bool {
	logger = logger.With(zap.String("site", site))
	began := c.clock.Now()
	c.results.Visit(site)
	c.emit(progress.Event{SessionID: sessionID, Stage: progress.StageSiteSelected, Site: site})

	label, score, err := c.safeVisit(ctx, sessionID, site)
	dur := c.clock.Now().Sub(began)
	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			logger.Info("site visit interrupted", zap.Error(err))
			return true
		}
		logger.Warn("site visit failed", zap.Error(err))
		fault := ScoreFault
		if _, mErr := c.mem.UpdateSite(site, memory.SiteUpdate{SuccessRate: &fault}); mErr != nil {
			logger.Error("failed to record site fault", zap.Error(mErr))
		}
		metrics.ObserveSiteVisit("error")
		c.emit(progress.Event{SessionID: sessionID, Stage: progress.StageSiteError, Site: site, Outcome: fault, Dur: dur, Note: err.Error()})
		return false
	}
	metrics.ObserveSiteVisit(label)
	logger.Info("site visited", zap.String("outcome", label), zap.Float64("score", score), zap.Duration("dur", dur))
	c.emit(progress.Event{SessionID: sessionID, Stage: progress.StageSiteDone, Site: site, Outcome: score, Dur: dur, Note: label})
	return false
}

func (c *Coordinator) safeVisit(ctx context.Context, sessionID, site string) (label string, score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return c.visit(ctx, sessionID, site)
}

// visit returns the outcome label and the score written to memory.
func (c *Coordinator) visit(ctx context.Context, sessionID, site string) (string, float64, error) {
	exp, err := c.nav.ExploreSite(ctx, site)
	if err != nil {
		if errors.Is(err, navigator.ErrAborted) {
			return "", 0, fmt.Errorf("%w: %v", ErrAborted, err)
		}
		return "", 0, fmt.Errorf("explore site: %w", err)
	}
	if !exp.OK() {
		// The navigator already lowered the score.
		return string(exp.Status), ScoreFault, nil
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	if exp.Degraded {
		// Nothing was learned about the listings, so this is not a "no listings" observation.
		c.logger.Warn("navigation analysis failed, scoring site as not relevant", zap.String("site", site))
		score := ScoreNotRelevant
		if _, err := c.mem.UpdateSite(site, memory.SiteUpdate{SuccessRate: &score}); err != nil {
			return "", 0, fmt.Errorf("record failed analysis: %w", err)
		}
		return "analysis_failed", score, nil
	}

	if !exp.Analysis.HasJobListings {
		score := ScoreNoListings
		update := memory.SiteUpdate{SuccessRate: &score}
		if p := exp.Analysis.JobListingsPath; p != "" {
			update.JobListingsPath = &p
		}
		if _, err := c.mem.UpdateSite(site, update); err != nil {
			return "", 0, fmt.Errorf("record site without listings: %w", err)
		}
		return "no_listings", score, nil
	}

	ev := c.eval.Evaluate(ctx, site, exp.Page.Text)
	if ev.Aborted {
		return "", 0, fmt.Errorf("%w: %s", ErrAborted, ev.AbortDetail)
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	return c.fold(ctx, sessionID, site, ev)
}

// fold records an evaluation in memory and in the session results.
func (c *Coordinator) fold(ctx context.Context, sessionID, site string, ev evaluator.Evaluation) (string, float64, error) {
	var label string
	var score float64
	switch {
	case !ev.Relevant:
		label, score = "not_relevant", ScoreNotRelevant
	case ev.Portal:
		label, score = "portal", ScorePortal
		title := ev.Title()
		if title == "" {
			title = unknownPortal
		}
		c.results.AddPortal(results.Portal{URL: ev.URL, Title: title, ListingsCount: len(ev.Extraction.SpecificJobListings)})
		for _, fj := range ev.FoundJobs {
			if err := c.recordJob(ctx, sessionID, site, fj.URL, fj.Evaluation); err != nil {
				return "", 0, err
			}
		}
	default:
		label, score = "relevant", ScoreRelevantJob
		if err := c.recordJob(ctx, sessionID, site, ev.URL, ev); err != nil {
			return "", 0, err
		}
	}
	if _, err := c.mem.UpdateSite(site, memory.SiteUpdate{SuccessRate: &score}); err != nil {
		return "", 0, fmt.Errorf("record site outcome: %w", err)
	}
	return label, score, nil
}

func (c *Coordinator) recordJob(ctx context.Context, sessionID, site, jobURL string, ev evaluator.Evaluation) error {
	title := ev.Title()
	if title == "" {
		title = unknownPosition
	}
	id, err := c.mem.AddJob(ctx, memory.JobRecord{
		URL:                jobURL,
		Title:              title,
		RelevanceScore:     ev.Relevance.Score,
		IsInterimSuitable:  ev.Relevance.InterimSuitable,
		DescriptionSummary: ev.Extraction.DescriptionSummary,
		Keywords:           ev.Extraction.Keywords,
		Location:           ev.Extraction.Location,
		Requirements:       ev.Extraction.Requirements,
	})
	if err != nil {
		return fmt.Errorf("store job %s: %w", jobURL, err)
	}

	fresh := c.results.AddJob(results.Job{
		ID:       id,
		URL:      jobURL,
		Title:    title,
		Score:    ev.Relevance.Score,
		Suitable: ev.Relevance.InterimSuitable,
	})
	if fresh {
		c.sched.RecordFoundJob(id)
		metrics.ObserveJobFound()
		c.emit(progress.Event{
			SessionID: sessionID,
			Stage:     progress.StageJobFound,
			Site:      site,
			URL:       jobURL,
			Title:     title,
			Score:     ev.Relevance.Score,
		})
	}
	c.logger.Info("relevant job recorded",
		zap.String("job_id", id),
		zap.String("title", title),
		zap.Int("score", ev.Relevance.Score),
		zap.Bool("new", fresh),
	)

	eff := float64(ev.Relevance.Score) / 5
	domain := urlutil.Domain(jobURL)
	for _, kw := range indicators(ev.Extraction.Keywords) {
		if _, err := c.mem.AddPattern(memory.PatternJobIndicator, kw, eff, domain); err != nil {
			c.logger.Warn("job indicator not recorded", zap.String("pattern", kw), zap.Error(err))
		}
	}
	return nil
}

// indicators normalizes keywords into distinct job_indicator patterns.
func indicators(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	var out []string
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
		if len(out) == maxIndicators {
			break
		}
	}
	return out
}

func (c *Coordinator) emit(evt progress.Event) {
	evt.TS = c.clock.Now()
	c.events.Emit(evt)
}
