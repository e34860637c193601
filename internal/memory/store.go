// Package memory persists what the agent learns across runs: sites, relevant
// jobs and navigation/job patterns.
//
// The whole document is rewritten after every mutation. One Store should own
// a file at a time; concurrent sessions need separate files.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/curious-surfer/internal/clock/system"
	"github.com/JakeFAU/curious-surfer/internal/crawler"
	"github.com/JakeFAU/curious-surfer/internal/hash/sha256"
	"github.com/JakeFAU/curious-surfer/internal/urlutil"
)

const (
	defaultSuccessRate = 0.5
	defaultSmoothing   = 0.5
	idHashLen          = 16
)

// ErrEmptyURL is returned when a job or site has no URL.
var ErrEmptyURL = errors.New("memory: url is required")

// Mirror receives every stored job, e.g. to keep a relational copy.
type Mirror interface {
	UpsertJob(ctx context.Context, id string, job JobRecord) error
}

// SiteUpdate lists the fields an observation may change. Nil fields are left alone.
type SiteUpdate struct {
	// SuccessRate is an outcome in [0,1], blended into the stored rate.
	SuccessRate     *float64
	NavigationPaths []string
	JobListingsPath *string
	SearchFormPath  *string
	Notes           *string
}

// Store is the in-memory view of the memory file. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	path      string
	doc       Document
	clock     crawler.Clock
	hasher    crawler.Hasher
	smoothing float64
	mirror    Mirror
	logger    *zap.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(c crawler.Clock) Option { return func(s *Store) { s.clock = c } }

// WithHasher overrides the id hash.
func WithHasher(h crawler.Hasher) Option { return func(s *Store) { s.hasher = h } }

// WithSmoothing sets the weight a of a new success observation.
func WithSmoothing(a float64) Option {
	return func(s *Store) {
		if a > 0 && a <= 1 {
			s.smoothing = a
		}
	}
}

// WithMirror forwards stored jobs to m.
func WithMirror(m Mirror) Option { return func(s *Store) { s.mirror = m } }

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open loads path. A missing file yields an empty store; an unreadable or
// malformed file is an error.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:      path,
		doc:       newDocument(),
		clock:     system.New(),
		hasher:    sha256.Truncated(idHashLen),
		smoothing: defaultSmoothing,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("memory")

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Info("no memory file, starting fresh", zap.String("path", path))
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read memory file: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("decode memory file %s: %w", path, err)
	}
	if s.doc.Sites == nil {
		s.doc.Sites = make(map[string]*SiteRecord)
	}
	if s.doc.Jobs == nil {
		s.doc.Jobs = make(map[string]*JobRecord)
	}
	if s.doc.Patterns == nil {
		s.doc.Patterns = make(map[string]*PatternRecord)
	}
	s.logger.Info("loaded memory",
		zap.Int("sites", len(s.doc.Sites)),
		zap.Int("jobs", len(s.doc.Jobs)),
		zap.Int("patterns", len(s.doc.Patterns)),
	)
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Site returns the record for the domain of rawURL.
func (s *Store) Site(rawURL string) (SiteRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.doc.Sites[urlutil.Domain(rawURL)]
	if !ok {
		return SiteRecord{}, false
	}
	return copySite(rec), true
}

// HasSites reports whether any site has been recorded.
func (s *Store) HasSites() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.doc.Sites) > 0
}

// UpdateSite records a visit to rawURL and applies u. A new site starts with
// one visit; an existing one gains a visit.
func (s *Store) UpdateSite(rawURL string, u SiteUpdate) (SiteRecord, error) {
	domain := urlutil.Domain(rawURL)
	if domain == "" {
		return SiteRecord{}, ErrEmptyURL
	}
	now := Timestamp{s.clock.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.Sites[domain]
	if !ok {
		rec = &SiteRecord{
			Domain:      domain,
			FullURL:     rawURL,
			Visits:      1,
			SuccessRate: defaultSuccessRate,
			CreatedAt:   now,
		}
		if u.SuccessRate != nil {
			rec.SuccessRate = clamp01(*u.SuccessRate)
		}
		s.doc.Sites[domain] = rec
	} else {
		rec.Visits++
		if u.SuccessRate != nil {
			rec.SuccessRate = clamp01((1-s.smoothing)*rec.SuccessRate + s.smoothing*clamp01(*u.SuccessRate))
		}
	}
	rec.LastVisit = now
	rec.UpdatedAt = now
	rec.NavigationPaths = appendUnique(rec.NavigationPaths, u.NavigationPaths...)
	if u.JobListingsPath != nil {
		rec.JobListingsPath = *u.JobListingsPath
	}
	if u.SearchFormPath != nil {
		rec.SearchFormPath = *u.SearchFormPath
	}
	if u.Notes != nil {
		rec.Notes = *u.Notes
	}

	if err := s.saveLocked(); err != nil {
		return copySite(rec), err
	}
	return copySite(rec), nil
}

// JobID derives the stable id of a job URL.
func (s *Store) JobID(rawURL string) (string, error) {
	return s.derivedID(urlutil.Domain(rawURL), rawURL)
}

// AddJob stores job keyed by its derived id and links it to its site.
// Storing the same URL again updates the record in place.
func (s *Store) AddJob(ctx context.Context, job JobRecord) (string, error) {
	if job.URL == "" {
		return "", ErrEmptyURL
	}
	id, err := s.JobID(job.URL)
	if err != nil {
		return "", err
	}
	now := Timestamp{s.clock.Now()}
	job.Domain = urlutil.Domain(job.URL)
	job.LastChecked = now
	job.UpdatedAt = now
	job.StillActive = true

	s.mu.Lock()
	if prev, ok := s.doc.Jobs[id]; ok {
		job.CreatedAt = prev.CreatedAt
	} else {
		job.CreatedAt = now
	}
	stored := job
	stored.Keywords = append([]string(nil), job.Keywords...)
	stored.Requirements = append([]string(nil), job.Requirements...)
	s.doc.Jobs[id] = &stored
	if site, ok := s.doc.Sites[job.Domain]; ok {
		site.KnownJobIDs = appendUnique(site.KnownJobIDs, id)
	}
	err = s.saveLocked()
	s.mu.Unlock()

	if s.mirror != nil {
		if mErr := s.mirror.UpsertJob(ctx, id, job); mErr != nil {
			s.logger.Warn("job mirror failed", zap.String("job_id", id), zap.Error(mErr))
		}
	}
	return id, err
}

// Job returns a stored job by id.
func (s *Store) Job(id string) (JobRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.doc.Jobs[id]
	if !ok {
		return JobRecord{}, false
	}
	return copyJob(rec), true
}

// AddPattern records one effectiveness observation of pattern in context.
// Repeated observations keep a running mean.
func (s *Store) AddPattern(patternType, pattern string, effectiveness float64, context string) (string, error) {
	id, err := s.derivedID(patternType, pattern)
	if err != nil {
		return "", err
	}
	now := Timestamp{s.clock.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.Patterns[id]
	if !ok {
		rec = &PatternRecord{
			PatternType:   patternType,
			Pattern:       pattern,
			SuccessCount:  1,
			Effectiveness: effectiveness,
			CreatedAt:     now,
		}
		s.doc.Patterns[id] = rec
	} else {
		rec.SuccessCount++
		n := float64(rec.SuccessCount)
		rec.Effectiveness = (rec.Effectiveness*(n-1) + effectiveness) / n
	}
	if context != "" {
		rec.Contexts = appendUnique(rec.Contexts, context)
	}
	rec.UpdatedAt = now

	return id, s.saveLocked()
}

// Snapshot returns a deep copy of the whole document.
func (s *Store) Snapshot() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := newDocument()
	for k, v := range s.doc.Sites {
		c := copySite(v)
		out.Sites[k] = &c
	}
	for k, v := range s.doc.Jobs {
		c := copyJob(v)
		out.Jobs[k] = &c
	}
	for k, v := range s.doc.Patterns {
		c := *v
		c.Contexts = append([]string(nil), v.Contexts...)
		out.Patterns[k] = &c
	}
	return out
}

func (s *Store) derivedID(prefix, text string) (string, error) {
	sum, err := s.hasher.Hash([]byte(text))
	if err != nil {
		return "", fmt.Errorf("hash id: %w", err)
	}
	if len(sum) > idHashLen {
		sum = sum[:idHashLen]
	}
	return prefix + "_" + sum, nil
}

// saveLocked writes the document atomically. Callers hold s.mu.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode memory: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".memory-*.json")
	if err != nil {
		return fmt.Errorf("create temp memory file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write memory: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close memory: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace memory file: %w", err)
	}
	return nil
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		dup := false
		for _, have := range dst {
			if have == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}

func copySite(rec *SiteRecord) SiteRecord {
	c := *rec
	c.NavigationPaths = append([]string(nil), rec.NavigationPaths...)
	c.KnownJobIDs = append([]string(nil), rec.KnownJobIDs...)
	return c
}

func copyJob(rec *JobRecord) JobRecord {
	c := *rec
	c.Keywords = append([]string(nil), rec.Keywords...)
	c.Requirements = append([]string(nil), rec.Requirements...)
	return c
}
