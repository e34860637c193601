package memory

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingMirror struct {
	mu   sync.Mutex
	ids  []string
	fail bool
}

func (m *recordingMirror) UpsertJob(_ context.Context, id string, _ JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, id)
	if m.fail {
		return errors.New("db down")
	}
	return nil
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *fakeClock, string) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	path := filepath.Join(t.TempDir(), "agent_memory.json")
	s, err := Open(path, append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	return s, clk, path
}

func ptr[T any](v T) *T { return &v }

func TestOpenMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	s, _, path := newTestStore(t)
	assert.False(t, s.HasSites())
	assert.Equal(t, path, s.Path())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestOpenCorruptFileFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := Open(path)
	require.Error(t, err)
}

func TestOpenReadsLegacyTimestamps(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "legacy.json")
	legacy := `{"sites":{"jobs.example.com":{"domain":"jobs.example.com","full_url":"https://jobs.example.com",
"visits":3,"last_visit":"2024-05-01T10:11:12.123456","success_rate":0.7,"navigation_paths":[],
"job_listings_path":null,"search_form_path":null,"known_job_ids":[],"notes":"",
"created_at":"2024-05-01T10:11:12.123456","updated_at":"2024-05-01T10:11:12.123456"}}}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	s, err := Open(path)
	require.NoError(t, err)
	site, ok := s.Site("https://jobs.example.com/careers")
	require.True(t, ok)
	assert.Equal(t, 3, site.Visits)
	assert.Equal(t, 2024, site.LastVisit.Year())
	assert.Empty(t, s.Snapshot().Jobs)
}

func TestUpdateSiteCreatesThenIncrements(t *testing.T) {
	t.Parallel()

	s, clk, path := newTestStore(t)

	rec, err := s.UpdateSite("https://Careers.Example.com/jobs", SiteUpdate{
		SuccessRate:     ptr(0.9),
		NavigationPaths: []string{"/jobs"},
		JobListingsPath: ptr("/jobs"),
	})
	require.NoError(t, err)
	assert.Equal(t, "careers.example.com", rec.Domain)
	assert.Equal(t, 1, rec.Visits)
	assert.InDelta(t, 0.9, rec.SuccessRate, 1e-9)

	clk.Advance(time.Hour)
	rec, err = s.UpdateSite("https://careers.example.com/other", SiteUpdate{
		SuccessRate:     ptr(0.1),
		NavigationPaths: []string{"/jobs", "/search"},
		Notes:           ptr("paginated"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Visits)
	assert.InDelta(t, 0.5, rec.SuccessRate, 1e-9)
	assert.Equal(t, []string{"/jobs", "/search"}, rec.NavigationPaths)
	assert.Equal(t, "/jobs", rec.JobListingsPath)
	assert.Equal(t, "paginated", rec.Notes)
	assert.Equal(t, clk.Now(), rec.LastVisit.Time)

	reopened, err := Open(path)
	require.NoError(t, err)
	if diff := cmp.Diff(s.Snapshot(), reopened.Snapshot()); diff != "" {
		t.Fatalf("persisted snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestSuccessRateStaysInRange(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	for _, v := range []float64{5, -3, 1, 0, 0.4, 7} {
		rec, err := s.UpdateSite("https://a.example", SiteUpdate{SuccessRate: ptr(v)})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, rec.SuccessRate, 0.0)
		assert.LessOrEqual(t, rec.SuccessRate, 1.0)
	}
}

func TestUpdateSiteWithoutRateKeepsDefault(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	rec, err := s.UpdateSite("https://b.example", SiteUpdate{})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, rec.SuccessRate, 1e-9)
}

func TestAddJobIsIdempotentByURL(t *testing.T) {
	t.Parallel()

	mirror := &recordingMirror{}
	s, clk, _ := newTestStore(t, WithMirror(mirror))
	_, err := s.UpdateSite("https://jobs.example.com", SiteUpdate{})
	require.NoError(t, err)

	job := JobRecord{URL: "https://jobs.example.com/1", Title: "Interim CFO", RelevanceScore: 4, Keywords: []string{"finance"}}
	id, err := s.AddJob(context.Background(), job)
	require.NoError(t, err)
	assert.Regexp(t, `^jobs\.example\.com_[0-9a-f]{16}$`, id)

	clk.Advance(time.Minute)
	job.RelevanceScore = 5
	id2, err := s.AddJob(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	snap := s.Snapshot()
	require.Len(t, snap.Jobs, 1)
	stored := snap.Jobs[id]
	assert.Equal(t, 5, stored.RelevanceScore)
	assert.True(t, stored.StillActive)
	assert.True(t, stored.CreatedAt.Before(stored.UpdatedAt.Time))
	assert.Equal(t, []string{id}, snap.Sites["jobs.example.com"].KnownJobIDs)
	assert.Equal(t, []string{id, id}, mirror.ids)
}

func TestAddJobMirrorFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t, WithMirror(&recordingMirror{fail: true}))
	id, err := s.AddJob(context.Background(), JobRecord{URL: "https://x.example/j"})
	require.NoError(t, err)
	_, ok := s.Job(id)
	assert.True(t, ok)
}

func TestAddJobRequiresURL(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	_, err := s.AddJob(context.Background(), JobRecord{Title: "x"})
	require.ErrorIs(t, err, ErrEmptyURL)
}

func TestAddPatternRunningMean(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	observations := []float64{1.0, 0.4, 0.4, 0.7}

	var id string
	want := 0.0
	for i, obs := range observations {
		var err error
		id, err = s.AddPattern(PatternNavigation, "careers -> search", obs, "a.example")
		require.NoError(t, err)
		n := float64(i + 1)
		if i == 0 {
			want = obs
		} else {
			want = (want*(n-1) + obs) / n
		}
	}
	p := s.Snapshot().Patterns[id]
	require.NotNil(t, p)
	assert.Equal(t, 4, p.SuccessCount)
	assert.InDelta(t, want, p.Effectiveness, 1e-12)
	assert.InDelta(t, 0.625, p.Effectiveness, 1e-12)
	assert.Equal(t, []string{"a.example"}, p.Contexts)
	assert.Regexp(t, `^navigation_[0-9a-f]{16}$`, id)
}

func TestAddPatternSameObservationTwiceMatchesFormula(t *testing.T) {
	t.Parallel()

	a, _, _ := newTestStore(t)
	b, _, _ := newTestStore(t)

	for _, s := range []*Store{a, b} {
		_, err := s.AddPattern(PatternJobIndicator, "interim", 0.2, "x")
		require.NoError(t, err)
		_, err = s.AddPattern(PatternJobIndicator, "interim", 0.8, "x")
		require.NoError(t, err)
		_, err = s.AddPattern(PatternJobIndicator, "interim", 0.8, "y")
		require.NoError(t, err)
	}
	if diff := cmp.Diff(a.BestPatterns(PatternJobIndicator, "", 5), b.BestPatterns(PatternJobIndicator, "", 5)); diff != "" {
		t.Fatalf("pattern state diverged:\n%s", diff)
	}
	got := a.BestPatterns(PatternJobIndicator, "y", 5)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.6, got[0].Effectiveness, 1e-12)
}

func TestBestPatternsFiltersAndSorts(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	_, _ = s.AddPattern(PatternNavigation, "low", 0.2, "a.example")
	_, _ = s.AddPattern(PatternNavigation, "high", 0.9, "a.example")
	_, _ = s.AddPattern(PatternNavigation, "elsewhere", 1.0, "b.example")
	_, _ = s.AddPattern(PatternJobIndicator, "cfo", 1.0, "a.example")

	got := s.BestPatterns(PatternNavigation, "a.example", 5)
	assert.Equal(t, []PatternScore{{"high", 0.9}, {"low", 0.2}}, got)

	all := s.BestPatterns(PatternNavigation, "", 2)
	require.Len(t, all, 2)
	assert.Equal(t, "elsewhere", all[0].Pattern)
}

func TestPriority(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		site SiteRecord
		want float64
	}{
		{"fresh single visit", SiteRecord{SuccessRate: 0.5, Visits: 1, LastVisit: Timestamp{now}}, 0.5 + 0 + 0.09},
		{"stale", SiteRecord{SuccessRate: 0.5, Visits: 1, LastVisit: Timestamp{now.AddDate(0, 0, -10)}}, 0.5 + 0.2 + 0.09},
		{"partial recency", SiteRecord{SuccessRate: 0.2, Visits: 5, LastVisit: Timestamp{now.Add(-(2*24 + 5) * time.Hour)}}, 0.2 + 0.2*0.4 + 0.05},
		{"many visits", SiteRecord{SuccessRate: 1, Visits: 40, LastVisit: Timestamp{now}}, 1 + 0.01},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Priority(tt.site, now), 1e-9, tt.name)
	}
}

func TestPrioritizedSitesAndUnexplored(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	_, _ = s.UpdateSite("https://good.example/jobs", SiteUpdate{SuccessRate: ptr(0.9)})
	_, _ = s.UpdateSite("https://bad.example", SiteUpdate{SuccessRate: ptr(0.1)})
	_, _ = s.UpdateSite("https://mid.example", SiteUpdate{SuccessRate: ptr(0.5)})

	top := s.PrioritizedSites(2)
	require.Len(t, top, 2)
	assert.Equal(t, "https://good.example/jobs", top[0].URL)
	assert.Equal(t, "mid.example", top[1].Domain)

	got := s.UnexploredDomains([]string{"https://good.example", "https://new.example/a", "new2.example"})
	assert.Equal(t, []string{"https://new.example/a", "new2.example"}, got)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	_, _ = s.UpdateSite("https://a.example", SiteUpdate{NavigationPaths: []string{"/x"}})
	snap := s.Snapshot()
	snap.Sites["a.example"].NavigationPaths[0] = "mutated"

	site, _ := s.Site("https://a.example")
	assert.Equal(t, []string{"/x"}, site.NavigationPaths)
}

func TestPersistedDocumentLayout(t *testing.T) {
	t.Parallel()

	s, _, path := newTestStore(t)
	_, _ = s.UpdateSite("https://a.example", SiteUpdate{})
	_, _ = s.AddPattern(PatternSearchTerm, "interim", 1, "a.example")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var top map[string]map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &top))
	assert.Contains(t, top, "sites")
	assert.Contains(t, top, "jobs")
	assert.Contains(t, top, "patterns")
	site := top["sites"]["a.example"]
	for _, key := range []string{"domain", "full_url", "visits", "last_visit", "success_rate", "navigation_paths", "known_job_ids", "notes"} {
		assert.Contains(t, site, key)
	}
}

func TestConcurrentMutationsAreSerialized(t *testing.T) {
	t.Parallel()

	s, _, path := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.UpdateSite("https://busy.example", SiteUpdate{})
		}()
	}
	wg.Wait()

	site, ok := s.Site("https://busy.example")
	require.True(t, ok)
	assert.Equal(t, 20, site.Visits)

	reopened, err := Open(path)
	require.NoError(t, err)
	again, _ := reopened.Site("https://busy.example")
	assert.Equal(t, 20, again.Visits)
}
