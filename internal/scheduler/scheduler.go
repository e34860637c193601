// Package scheduler decides which site the agent visits next and when a
// session is done.
//
// Selection is epsilon-greedy: with probability ExplorationRate (or always,
// while memory is empty) an unvisited domain is picked uniformly; otherwise a
// known domain is drawn with probability proportional to its memory priority.
// Domains that failed recently or used up their job quota are set aside
// first, with the filters relaxed when too few candidates would remain.
package scheduler

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/curious-surfer/internal/memory"
	"github.com/JakeFAU/curious-surfer/internal/urlutil"
)

const (
	recentWindow      = 5
	failedBelow       = 0.2
	minKeptCandidates = 3
	minKeptFraction   = 0.1
	prioritizedLimit  = 10
)

// ErrNoCandidates is returned by SelectNext for an empty candidate list.
var ErrNoCandidates = errors.New("scheduler: no candidate sites")

// Config holds the session limits.
type Config struct {
	ExplorationRate       float64
	SatisfactionThreshold int
	MaxVisits             int
	MaxJobsPerSite        int
	MaxTotalJobsExplored  int
}

// Memory is the subset of the memory store the scheduler reads.
type Memory interface {
	HasSites() bool
	Site(rawURL string) (memory.SiteRecord, bool)
	UnexploredDomains(candidates []string) []string
	PrioritizedSites(limit int) []memory.SitePriority
}

// State is the session lifecycle.
type State int

// Session states. Satisfied and Exhausted are terminal.
const (
	Running State = iota
	Satisfied
	Exhausted
)

func (s State) String() string {
	switch s {
	case Satisfied:
		return "satisfied"
	case Exhausted:
		return "exhausted"
	default:
		return "running"
	}
}

// Session is a snapshot of the per-run counters.
type Session struct {
	Visited           []string       `json:"visited"`
	FoundJobs         []string       `json:"found_jobs"`
	Visits            int            `json:"visits"`
	TotalJobsExplored int            `json:"total_jobs_explored"`
	JobsExplored      map[string]int `json:"jobs_explored"`
	State             string         `json:"state"`
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu     sync.Mutex
	cfg    Config
	mem    Memory
	rng    *rand.Rand
	logger *zap.Logger

	visited      []string
	foundJobs    []string
	visits       int
	totalJobs    int
	jobsExplored map[string]int
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithRand injects the random source (tests use a fixed seed).
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.rng = r
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a scheduler for one session.
func New(cfg Config, mem Memory, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:          cfg,
		mem:          mem,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:       zap.NewNop(),
		jobsExplored: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler")
	return s
}

// SelectNext picks the next site among candidates and counts it as a visit.
func (s *Scheduler) SelectNext(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoCandidates
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := s.filterLocked(candidates)
	pick, mode := s.chooseLocked(filtered)
	s.recordVisitLocked(pick)
	s.logger.Info("selected site",
		zap.String("site", pick),
		zap.String("mode", mode),
		zap.Int("candidates", len(filtered)),
		zap.Int("visit", s.visits),
	)
	return pick, nil
}

func (s *Scheduler) filterLocked(candidates []string) []string {
	failed := make(map[string]bool)
	start := len(s.visited) - recentWindow
	if start < 0 {
		start = 0
	}
	for _, u := range s.visited[start:] {
		if rec, ok := s.mem.Site(u); ok && rec.SuccessRate < failedBelow {
			failed[urlutil.Domain(u)] = true
		}
	}
	atQuota := make(map[string]bool)
	for domain, n := range s.jobsExplored {
		if n >= s.cfg.MaxJobsPerSite {
			atQuota[domain] = true
		}
	}

	keep := func(skipFailed bool) []string {
		out := make([]string, 0, len(candidates))
		for _, c := range candidates {
			d := urlutil.Domain(c)
			if atQuota[d] || (skipFailed && failed[d]) {
				continue
			}
			out = append(out, c)
		}
		return out
	}

	filtered := keep(true)
	floor := math.Max(minKeptCandidates, float64(len(candidates))*minKeptFraction)
	if float64(len(filtered)) < floor {
		s.logger.Debug("too few candidates, allowing recently failed sites", zap.Int("kept", len(filtered)))
		filtered = keep(false)
	}
	if len(filtered) == 0 {
		s.logger.Info("all candidates at job quota, clearing quotas")
		s.jobsExplored = make(map[string]int)
		filtered = append([]string(nil), candidates...)
	}
	return filtered
}

func (s *Scheduler) chooseLocked(filtered []string) (string, string) {
	if s.rng.Float64() < s.cfg.ExplorationRate || !s.mem.HasSites() {
		if fresh := s.mem.UnexploredDomains(filtered); len(fresh) > 0 {
			return fresh[s.rng.Intn(len(fresh))], "explore"
		}
	}

	byDomain := make(map[string]string, len(filtered))
	for _, c := range filtered {
		d := urlutil.Domain(c)
		if _, ok := byDomain[d]; !ok {
			byDomain[d] = c
		}
	}
	var (
		ranked []memory.SitePriority
		total  float64
	)
	for _, p := range s.mem.PrioritizedSites(prioritizedLimit) {
		if _, ok := byDomain[p.Domain]; ok && p.Score > 0 {
			ranked = append(ranked, p)
			total += p.Score
		}
	}
	if len(ranked) > 0 {
		point := s.rng.Float64() * total
		cumulative := 0.0
		for _, p := range ranked {
			cumulative += p.Score
			if cumulative >= point {
				return byDomain[p.Domain], "exploit"
			}
		}
		return byDomain[ranked[len(ranked)-1].Domain], "exploit"
	}

	return filtered[s.rng.Intn(len(filtered))], "random"
}

// RecordVisit counts a visit to rawURL. SelectNext already does this for
// the sites it returns.
func (s *Scheduler) RecordVisit(rawURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordVisitLocked(rawURL)
}

func (s *Scheduler) recordVisitLocked(rawURL string) {
	s.visited = append(s.visited, rawURL)
	s.visits++
}

// RecordFoundJob counts a relevant job.
func (s *Scheduler) RecordFoundJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foundJobs = append(s.foundJobs, jobID)
}

// RecordJobExploration counts one explored job page on the domain of rawURL.
func (s *Scheduler) RecordJobExploration(rawURL string) {
	domain := urlutil.Domain(rawURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobsExplored[domain]++
	s.totalJobs++
	s.logger.Debug("recorded job exploration",
		zap.String("domain", domain),
		zap.Int("domain_total", s.jobsExplored[domain]),
		zap.Int("session_total", s.totalJobs),
	)
}

// RemainingQuota is how many more job pages may be explored on rawURL's domain.
func (s *Scheduler) RemainingQuota(rawURL string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	left := s.cfg.MaxJobsPerSite - s.jobsExplored[urlutil.Domain(rawURL)]
	if left < 0 {
		return 0
	}
	return left
}

// JobsExploredOn returns the explored job count for rawURL's domain.
func (s *Scheduler) JobsExploredOn(rawURL string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobsExplored[urlutil.Domain(rawURL)]
}

// State reports the session state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Scheduler) stateLocked() State {
	switch {
	case len(s.foundJobs) >= s.cfg.SatisfactionThreshold:
		return Satisfied
	case s.visits >= s.cfg.MaxVisits, s.totalJobs >= s.cfg.MaxTotalJobsExplored:
		return Exhausted
	default:
		return Running
	}
}

// IsSatisfied reports whether the session should stop.
func (s *Scheduler) IsSatisfied() bool {
	return s.State() != Running
}

// Session returns a copy of the session counters.
func (s *Scheduler) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	explored := make(map[string]int, len(s.jobsExplored))
	for k, v := range s.jobsExplored {
		explored[k] = v
	}
	return Session{
		Visited:           append([]string(nil), s.visited...),
		FoundJobs:         append([]string(nil), s.foundJobs...),
		Visits:            s.visits,
		TotalJobsExplored: s.totalJobs,
		JobsExplored:      explored,
		State:             s.stateLocked().String(),
	}
}
