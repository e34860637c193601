package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/curious-surfer/internal/chunking"
	"github.com/JakeFAU/curious-surfer/internal/crawler"
	"github.com/JakeFAU/curious-surfer/internal/llm"
)

// fakeProc answers extraction by URL, relevance by page text and the
// pre-filter by title. Missing entries yield an empty reply.
type fakeProc struct {
	mu        sync.Mutex
	extract   map[string]string
	relevance map[string]string
	reject    map[string]bool
	abortOn   string
	calls     map[string]int
	templates []chunking.Template
}

func newFakeProc() *fakeProc {
	return &fakeProc{
		extract:   map[string]string{},
		relevance: map[string]string{},
		reject:    map[string]bool{},
		calls:     map[string]int{},
	}
}

func (f *fakeProc) Process(_ context.Context, tmpl chunking.Template, _ chunking.InstructionPair, content string, _ int) (chunking.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[tmpl.Purpose]++
	f.templates = append(f.templates, tmpl)
	if tmpl.Purpose == f.abortOn {
		return chunking.Result{Kind: llm.KindAbort, Detail: "breaker open"}, nil
	}
	first, _, _ := strings.Cut(content, "\n")
	var body string
	switch tmpl.Purpose {
	case PurposeExtract:
		body = f.extract[strings.TrimPrefix(first, "URL: ")]
	case PurposeRelevance:
		body = f.relevance[content]
	case PurposePreFilter:
		title := strings.TrimPrefix(first, "Job Title: ")
		body = fmt.Sprintf(`{"is_potentially_relevant":%t}`, !f.reject[title])
	}
	return chunking.Result{Response: llm.Response{Content: body}}, nil
}

func (f *fakeProc) count(purpose string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[purpose]
}

type fakePages struct {
	mu      sync.Mutex
	pages   map[string]string
	fetched []string
}

func (f *fakePages) FetchPage(_ context.Context, url string) crawler.Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, url)
	text, ok := f.pages[url]
	if !ok {
		return crawler.Page{URL: url, Status: crawler.FetchClutter}
	}
	return crawler.Page{URL: url, Status: crawler.FetchOK, Text: text}
}

func (f *fakePages) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

type fakeQuota struct {
	mu        sync.Mutex
	remaining int
	recorded  []string
}

func (q *fakeQuota) RemainingQuota(string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remaining
}

func (q *fakeQuota) RecordJobExploration(url string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recorded = append(q.recorded, url)
}

func toJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func relevanceJSON(t *testing.T, score int, suitable bool) string {
	t.Helper()
	return toJSON(t, Relevance{Score: score, InterimSuitable: suitable, Explanation: fmt.Sprintf("score %d", score)})
}

func testConfig() Config {
	return Config{FastModel: "fast", AdvancedModel: "advanced", RelevanceThreshold: 3}
}

const listingURL = "https://acme.example.com/jobs/42"

func TestEvaluateRelevantListing(t *testing.T) {
	t.Parallel()

	proc := newFakeProc()
	proc.extract[listingURL] = toJSON(t, Extraction{JobTitle: "Interim CFO", Keywords: []string{"interim"}})
	proc.relevance["cfo page"] = relevanceJSON(t, 4, true)

	p := New(proc, &fakePages{}, testConfig())
	ev := p.Evaluate(context.Background(), listingURL, "cfo page")

	assert.True(t, ev.Relevant)
	assert.False(t, ev.Portal)
	assert.False(t, ev.Aborted)
	assert.Equal(t, 4, ev.Relevance.Score)
	assert.Equal(t, "Interim CFO", ev.Title())
	assert.Empty(t, ev.FollowedDetailURL)
}

func TestEvaluateRelevanceRule(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		score    int
		suitable bool
		want     bool
	}{
		{"below threshold", 2, false, false},
		{"at threshold", 3, false, true},
		{"suitable flag wins", 1, true, true},
		{"zero", 0, false, false},
		{"out of range is clamped", 9, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			proc := newFakeProc()
			proc.extract[listingURL] = toJSON(t, Extraction{JobTitle: "Role"})
			proc.relevance["text"] = relevanceJSON(t, tc.score, tc.suitable)

			ev := New(proc, &fakePages{}, testConfig()).Evaluate(context.Background(), listingURL, "text")
			assert.Equal(t, tc.want, ev.Relevant)
			assert.LessOrEqual(t, ev.Relevance.Score, 5)
		})
	}
}

func TestEvaluateUsesStageModels(t *testing.T) {
	t.Parallel()

	proc := newFakeProc()
	proc.extract[listingURL] = toJSON(t, Extraction{JobTitle: "Role"})
	proc.relevance["text"] = relevanceJSON(t, 1, false)

	New(proc, &fakePages{}, testConfig()).Evaluate(context.Background(), listingURL, "text")

	require.Len(t, proc.templates, 2)
	for _, tmpl := range proc.templates {
		assert.Equal(t, "advanced", tmpl.Model)
		assert.InDelta(t, 1.0, tmpl.Temperature, 1e-9)
		require.NotNil(t, tmpl.Schema)
	}
	assert.Equal(t, "job_extraction", proc.templates[0].Schema.Name)
	assert.Equal(t, "job_relevance", proc.templates[1].Schema.Name)
}

func TestEvaluateFailuresDegradeToEmptyResult(t *testing.T) {
	t.Parallel()

	proc := newFakeProc()
	proc.extract[listingURL] = "not json at all"

	pages := &fakePages{}
	ev := New(proc, pages, testConfig()).Evaluate(context.Background(), listingURL, "text")

	assert.False(t, ev.Relevant)
	assert.False(t, ev.Aborted)
	assert.True(t, ev.Extraction.Empty())
	assert.Zero(t, ev.Relevance.Score)
	assert.Empty(t, pages.urls())
}

func TestEvaluateAbortIsReported(t *testing.T) {
	t.Parallel()

	proc := newFakeProc()
	proc.extract[listingURL] = toJSON(t, Extraction{JobTitle: "Role"})
	proc.abortOn = PurposeRelevance

	ev := New(proc, &fakePages{}, testConfig()).Evaluate(context.Background(), listingURL, "text")
	assert.True(t, ev.Aborted)
	assert.Contains(t, ev.AbortDetail, "breaker open")
	assert.False(t, ev.Relevant)
	assert.Equal(t, "Role", ev.Extraction.JobTitle)
}

func TestEvaluateFollowsDetailURL(t *testing.T) {
	t.Parallel()

	detail := "https://acme.example.com/jobs/42/details"
	proc := newFakeProc()
	proc.extract[listingURL] = toJSON(t, Extraction{JobTitle: "Interim CTO", URLMoreDetails: detail})
	proc.relevance["teaser"] = relevanceJSON(t, 3, false)
	proc.extract[detail] = toJSON(t, Extraction{
		JobTitle:     "Something else",
		Location:     "Berlin",
		Requirements: []string{"10 years"},
	})
	proc.relevance["full text"] = relevanceJSON(t, 5, true)
	pages := &fakePages{pages: map[string]string{detail: "full text"}}

	ev := New(proc, pages, testConfig()).Evaluate(context.Background(), listingURL, "teaser")

	assert.True(t, ev.Relevant)
	assert.Equal(t, detail, ev.FollowedDetailURL)
	assert.Equal(t, "Interim CTO", ev.Extraction.JobTitle, "non-empty fields are kept")
	assert.Equal(t, "Berlin", ev.Extraction.Location)
	assert.Equal(t, []string{"10 years"}, ev.Extraction.Requirements)
	assert.Equal(t, 5, ev.Relevance.Score)
	assert.True(t, ev.Relevance.InterimSuitable)
	assert.Equal(t, "score 5", ev.Relevance.Explanation)
}

func TestEvaluateDetailNeverLowersScore(t *testing.T) {
	t.Parallel()

	detail := "https://acme.example.com/jobs/42/details"
	proc := newFakeProc()
	proc.extract[listingURL] = toJSON(t, Extraction{JobTitle: "Interim CTO", URLMoreDetails: detail})
	proc.relevance["teaser"] = relevanceJSON(t, 4, true)
	proc.extract[detail] = toJSON(t, Extraction{JobTitle: "Interim CTO"})
	proc.relevance["full text"] = relevanceJSON(t, 1, false)
	pages := &fakePages{pages: map[string]string{detail: "full text"}}

	ev := New(proc, pages, testConfig()).Evaluate(context.Background(), listingURL, "teaser")

	assert.Equal(t, 4, ev.Relevance.Score)
	assert.True(t, ev.Relevance.InterimSuitable)
	assert.Equal(t, "score 4", ev.Relevance.Explanation)
	assert.Equal(t, detail, ev.FollowedDetailURL)
}

func TestEvaluateSkipsUnsuitableDetailURLs(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"same url":     listingURL,
		"relative":     "/jobs/42/details",
		"empty":        "",
		"other scheme": "mailto:jobs@acme.example.com",
	}
	for name, detail := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			proc := newFakeProc()
			proc.extract[listingURL] = toJSON(t, Extraction{JobTitle: "Role", URLMoreDetails: detail})
			proc.relevance["text"] = relevanceJSON(t, 5, true)
			pages := &fakePages{}

			ev := New(proc, pages, testConfig()).Evaluate(context.Background(), listingURL, "text")
			assert.True(t, ev.Relevant)
			assert.Empty(t, ev.FollowedDetailURL)
			assert.Empty(t, pages.urls())
		})
	}
}

func TestEvaluateNotRelevantSkipsDetail(t *testing.T) {
	t.Parallel()

	proc := newFakeProc()
	proc.extract[listingURL] = toJSON(t, Extraction{JobTitle: "Junior", URLMoreDetails: "https://acme.example.com/d"})
	proc.relevance["text"] = relevanceJSON(t, 1, false)
	pages := &fakePages{}

	ev := New(proc, pages, testConfig()).Evaluate(context.Background(), listingURL, "text")
	assert.False(t, ev.Relevant)
	assert.Empty(t, pages.urls())
}

const portalURL = "https://jobs.example.com/careers"

func portalExtraction(t *testing.T, listings ...string) string {
	t.Helper()
	return toJSON(t, Extraction{JobTitle: "Careers", IsGenericPortal: true, SpecificJobListings: listings})
}

func TestEvaluatePortalFanOut(t *testing.T) {
	t.Parallel()

	search := portalURL + "?q=Programme+Director"
	proc := newFakeProc()
	proc.extract[portalURL] = portalExtraction(t,
		`{"title":"Head of Finance","description":"Interim mandate","url":"https://jobs.example.com/jobs/1"}`,
		`{'title': 'Interim CTO', 'url': '/jobs/2'}`,
		`"title": "Werkstudent IT", "url": "https://jobs.example.com/jobs/3"`,
		`{"title":"Programme Director","url":""}`,
		`garbage`,
	)
	proc.reject["Werkstudent IT"] = true
	for _, u := range []string{"https://jobs.example.com/jobs/1", "https://jobs.example.com/jobs/2", search} {
		proc.extract[u] = toJSON(t, Extraction{JobTitle: "job at " + u})
	}
	proc.relevance["page 1"] = relevanceJSON(t, 5, true)
	proc.relevance["page 2"] = relevanceJSON(t, 2, false)
	proc.relevance["page 4"] = relevanceJSON(t, 4, false)

	pages := &fakePages{pages: map[string]string{
		"https://jobs.example.com/jobs/1": "page 1",
		"https://jobs.example.com/jobs/2": "page 2",
		search:                            "page 4",
	}}
	quota := &fakeQuota{remaining: 10}

	ev := New(proc, pages, testConfig(), WithQuota(quota)).Evaluate(context.Background(), portalURL, "portal text")

	assert.True(t, ev.Portal)
	assert.True(t, ev.Relevant)
	assert.Equal(t, 3, proc.count(PurposeRelevance), "portals are not scored themselves")
	assert.Equal(t, 4, proc.count(PurposePreFilter))
	assert.ElementsMatch(t, []string{
		"https://jobs.example.com/jobs/1",
		"https://jobs.example.com/jobs/2",
		search,
	}, pages.urls())
	assert.ElementsMatch(t, pages.urls(), quota.recorded)

	require.Len(t, ev.FoundJobs, 2)
	assert.Equal(t, "https://jobs.example.com/jobs/1", ev.FoundJobs[0].URL)
	assert.Equal(t, search, ev.FoundJobs[1].URL)
	assert.Equal(t, 4, ev.FoundJobs[1].Evaluation.Relevance.Score)
}

func TestEvaluatePortalRespectsQuota(t *testing.T) {
	t.Parallel()

	proc := newFakeProc()
	proc.extract[portalURL] = portalExtraction(t,
		`{"title":"A","url":"https://jobs.example.com/a"}`,
		`{"title":"B","url":"https://jobs.example.com/b"}`,
		`{"title":"C","url":"https://jobs.example.com/c"}`,
	)
	pages := &fakePages{}

	quota := &fakeQuota{remaining: 2}
	New(proc, pages, testConfig(), WithQuota(quota)).Evaluate(context.Background(), portalURL, "x")
	assert.Equal(t, []string{"https://jobs.example.com/a", "https://jobs.example.com/b"}, pages.urls())

	none := &fakeQuota{remaining: 0}
	pages = &fakePages{}
	proc = newFakeProc()
	proc.extract[portalURL] = portalExtraction(t, `{"title":"A","url":"https://jobs.example.com/a"}`)
	New(proc, pages, testConfig(), WithQuota(none)).Evaluate(context.Background(), portalURL, "x")
	assert.Empty(t, pages.urls())
	assert.Zero(t, proc.count(PurposePreFilter))
}

func TestEvaluatePortalLoopGuard(t *testing.T) {
	t.Parallel()

	var listings []string
	for i := range 6 {
		listings = append(listings, fmt.Sprintf(`{"title":"Role %d"}`, i))
	}
	proc := newFakeProc()
	proc.extract[portalURL] = portalExtraction(t, listings...)
	pages := &fakePages{}
	quota := &fakeQuota{remaining: 10}

	cfg := testConfig()
	cfg.MaxURLDuplicates = 3
	New(proc, pages, cfg, WithQuota(quota)).Evaluate(context.Background(), portalURL, "x")

	assert.Equal(t, []string{
		portalURL + "?q=Role+0",
		portalURL + "?q=Role+1",
		portalURL + "?q=Role+2",
	}, pages.urls())
	assert.Len(t, quota.recorded, 3)
}

func TestEvaluatePortalDepthCap(t *testing.T) {
	t.Parallel()

	sub := "https://jobs.example.com/region/north"
	leaf := "https://jobs.example.com/jobs/9"
	build := func() (*fakeProc, *fakePages) {
		proc := newFakeProc()
		proc.extract[portalURL] = portalExtraction(t, `{"title":"North","url":"`+sub+`"}`)
		proc.extract[sub] = portalExtraction(t, `{"title":"Interim COO","url":"`+leaf+`"}`)
		proc.extract[leaf] = toJSON(t, Extraction{JobTitle: "Interim COO"})
		proc.relevance["leaf"] = relevanceJSON(t, 5, true)
		return proc, &fakePages{pages: map[string]string{sub: "sub", leaf: "leaf"}}
	}

	proc, pages := build()
	cfg := testConfig()
	cfg.MaxPortalDepth = 1
	ev := New(proc, pages, cfg, WithQuota(&fakeQuota{remaining: 5})).Evaluate(context.Background(), portalURL, "x")
	assert.Equal(t, []string{sub}, pages.urls())
	assert.Empty(t, ev.FoundJobs)

	proc, pages = build()
	cfg.MaxPortalDepth = 2
	ev = New(proc, pages, cfg, WithQuota(&fakeQuota{remaining: 5})).Evaluate(context.Background(), portalURL, "x")
	assert.Equal(t, []string{sub, leaf}, pages.urls())
	require.Len(t, ev.FoundJobs, 1)
	assert.Equal(t, leaf, ev.FoundJobs[0].URL)
}

func TestEvaluatePortalParallelFanOut(t *testing.T) {
	t.Parallel()

	proc := newFakeProc()
	var listings []string
	pages := &fakePages{pages: map[string]string{}}
	for i := range 5 {
		u := fmt.Sprintf("https://jobs.example.com/jobs/%d", i)
		listings = append(listings, fmt.Sprintf(`{"title":"Role %d","url":"%s"}`, i, u))
		text := fmt.Sprintf("page %d", i)
		pages.pages[u] = text
		proc.extract[u] = toJSON(t, Extraction{JobTitle: fmt.Sprintf("Role %d", i)})
		proc.relevance[text] = relevanceJSON(t, i, false)
	}
	proc.extract[portalURL] = portalExtraction(t, listings...)

	cfg := testConfig()
	cfg.FanoutParallelism = 4
	ev := New(proc, pages, cfg, WithQuota(&fakeQuota{remaining: 10})).Evaluate(context.Background(), portalURL, "x")

	assert.Len(t, pages.urls(), 5)
	require.Len(t, ev.FoundJobs, 2)
	assert.Equal(t, "https://jobs.example.com/jobs/3", ev.FoundJobs[0].URL)
	assert.Equal(t, "https://jobs.example.com/jobs/4", ev.FoundJobs[1].URL)
}

func TestEvaluatePortalAbortStopsFanOut(t *testing.T) {
	t.Parallel()

	proc := newFakeProc()
	proc.extract[portalURL] = portalExtraction(t, `{"title":"A","url":"https://jobs.example.com/a"}`)
	proc.abortOn = PurposePreFilter
	pages := &fakePages{}

	ev := New(proc, pages, testConfig(), WithQuota(&fakeQuota{remaining: 5})).Evaluate(context.Background(), portalURL, "x")
	assert.True(t, ev.Aborted)
	assert.True(t, ev.Portal)
	assert.Empty(t, pages.urls())
}

func TestEvaluationTitleFallsBackToRelevance(t *testing.T) {
	t.Parallel()

	ev := Evaluation{
		Extraction: Extraction{JobTitle: "Interim CFO"},
		Relevance:  Relevance{JobTitle: "CFO (interim)"},
	}
	assert.Equal(t, "Interim CFO", ev.Title())

	ev.Extraction.JobTitle = ""
	assert.Equal(t, "CFO (interim)", ev.Title())
}
