// Package results accumulates what a session found and writes it as dated
// JSON artifacts.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/curious-surfer/internal/clock/system"
	"github.com/JakeFAU/curious-surfer/internal/crawler"
)

const contentType = "application/json"

// Job is a relevant listing found during the session.
type Job struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Score    int    `json:"score"`
	Suitable bool   `json:"suitable"`
}

// Portal is a page that links to several listings.
type Portal struct {
	URL           string `json:"url"`
	Title         string `json:"title"`
	ListingsCount int    `json:"listings_count"`
}

// Document is the serialised form of a session's results.
type Document struct {
	FoundJobs        []Job    `json:"found_jobs"`
	VisitedSites     []string `json:"visited_sites"`
	PotentialPortals []Portal `json:"potential_portals"`
}

// Collector gathers results. Safe for concurrent use.
type Collector struct {
	mu     sync.Mutex
	doc    Document
	jobIDs map[string]struct{}
	sites  map[string]struct{}
	portal map[string]int

	store  crawler.BlobStore
	clock  crawler.Clock
	dir    string
	logger *zap.Logger
}

// Option customizes a Collector.
type Option func(*Collector)

// WithClock overrides the clock used to date the artifacts.
func WithClock(c crawler.Clock) Option {
	return func(col *Collector) {
		if c != nil {
			col.clock = c
		}
	}
}

// WithDir places the artifacts under dir inside the blob store.
func WithDir(dir string) Option { return func(c *Collector) { c.dir = dir } }

// WithLogger sets the collector logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCollector returns an empty collector writing to store.
func NewCollector(store crawler.BlobStore, opts ...Option) *Collector {
	c := &Collector{
		doc:    Document{FoundJobs: []Job{}, VisitedSites: []string{}, PotentialPortals: []Portal{}},
		jobIDs: make(map[string]struct{}),
		sites:  make(map[string]struct{}),
		portal: make(map[string]int),
		store:  store,
		clock:  system.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("results")
	return c
}

// Visit records a visited site once.
func (c *Collector) Visit(site string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sites[site]; ok {
		return
	}
	c.sites[site] = struct{}{}
	c.doc.VisitedSites = append(c.doc.VisitedSites, site)
}

// AddJob records a job. A job already recorded under the same id is
// replaced in place and AddJob reports false.
func (c *Collector) AddJob(j Job) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobIDs[j.ID]; ok {
		for i := range c.doc.FoundJobs {
			if c.doc.FoundJobs[i].ID == j.ID {
				c.doc.FoundJobs[i] = j
			}
		}
		return false
	}
	c.jobIDs[j.ID] = struct{}{}
	c.doc.FoundJobs = append(c.doc.FoundJobs, j)
	return true
}

// AddPortal records a portal; a repeated URL updates its entry.
func (c *Collector) AddPortal(p Portal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := c.portal[p.URL]; ok {
		c.doc.PotentialPortals[i] = p
		return
	}
	c.portal[p.URL] = len(c.doc.PotentialPortals)
	c.doc.PotentialPortals = append(c.doc.PotentialPortals, p)
}

// Snapshot returns a deep copy of the collected results.
func (c *Collector) Snapshot() Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Document{
		FoundJobs:        append([]Job{}, c.doc.FoundJobs...),
		VisitedSites:     append([]string{}, c.doc.VisitedSites...),
		PotentialPortals: append([]Portal{}, c.doc.PotentialPortals...),
	}
}

// WriteInterim writes interim_results_<date>.json and returns its URI.
func (c *Collector) WriteInterim(ctx context.Context) (string, error) {
	return c.write(ctx, "interim")
}

// WriteFinal writes final_results_<date>.json and returns its URI.
func (c *Collector) WriteFinal(ctx context.Context) (string, error) {
	return c.write(ctx, "final")
}

// FileName is the artifact name for kind on day t.
func FileName(kind string, t time.Time) string {
	return fmt.Sprintf("%s_results_%s.json", kind, t.Format(time.DateOnly))
}

func (c *Collector) write(ctx context.Context, kind string) (string, error) {
	data, err := json.MarshalIndent(c.Snapshot(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s results: %w", kind, err)
	}
	name := FileName(kind, c.clock.Now())
	if c.dir != "" {
		name = path.Join(c.dir, name)
	}
	uri, err := c.store.PutObject(ctx, name, contentType, data)
	if err != nil {
		return "", fmt.Errorf("write %s results: %w", kind, err)
	}
	c.logger.Debug("results written", zap.String("kind", kind), zap.String("uri", uri))
	return uri, nil
}
