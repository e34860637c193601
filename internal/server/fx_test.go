package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/curious-surfer/internal/config"
	"github.com/JakeFAU/curious-surfer/internal/llm"
)

type stubClient struct {
	mu       sync.Mutex
	purposes []string
}

func (s *stubClient) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	s.mu.Lock()
	s.purposes = append(s.purposes, req.Purpose)
	s.mu.Unlock()

	content := "{}"
	if req.Schema != nil && req.Schema.Name == "site_navigation" {
		content = `{"has_job_listings":false,"job_listings_path":"/karriere","search_form_path":"",` +
			`"navigation_pattern":"footer > Karriere","site_structure":"corporate","recommendations":[]}`
	}
	return llm.Response{Content: content, Model: req.Model, PromptTokens: 10, CompletionTokens: 5}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Memory.File = filepath.Join(t.TempDir(), "agent_memory.json")
	cfg.Results.Dir = ""
	cfg.Fetcher.RespectRobots = false
	cfg.Fetcher.RequestsPerSecond = 0
	cfg.Fetcher.MaxRetries = 1
	cfg.Scheduler.MaxVisits = 1
	cfg.Scheduler.Seed = 1
	return cfg
}

func build(t *testing.T, cfg config.Config, client llm.Client) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg,
		WithLogger(zap.NewNop()),
		WithRegisterer(prometheus.NewRegistry()),
		WithLLMClient(client),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return app
}

func TestBuildRunsOneSession(t *testing.T) {
	t.Parallel()

	words := strings.Repeat("Wir suchen einen Interim Manager für Restrukturierung und Führung. ", 20)
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><body><main><h1>Karriere</h1><p>%s</p></main></body></html>", words)
	}))
	t.Cleanup(site.Close)

	cfg := testConfig(t)
	client := &stubClient{}
	app := build(t, cfg, client)

	summary, err := app.Run(context.Background(), []string{site.URL})
	require.NoError(t, err)
	assert.Equal(t, "exhausted", summary.State)
	assert.Equal(t, 1, summary.Session.Visits)
	assert.Equal(t, []string{site.URL}, summary.Results.VisitedSites)
	assert.True(t, strings.HasPrefix(summary.FinalURI, "memory://final_results_"))

	rec, ok := app.memory.Site(site.URL)
	require.True(t, ok)
	assert.GreaterOrEqual(t, rec.Visits, 1)

	_, err = os.Stat(cfg.Memory.File)
	assert.NoError(t, err, "memory document is persisted")
}

func TestRunCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	app := build(t, testConfig(t), &stubClient{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := app.Run(ctx, []string{"https://never.example"})
	require.NoError(t, err)
	assert.Equal(t, "cancelled", summary.State)
	assert.Zero(t, summary.Session.Visits)
}

func TestBuildRequiresAPIKey(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.LLM.APIKeyEnv = "SURFER_TEST_KEY_THAT_IS_NEVER_SET"
	_, err := Build(context.Background(), cfg,
		WithLogger(zap.NewNop()),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestBuildWritesResultsToDir(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Results.Dir = filepath.Join(t.TempDir(), "results")
	app := build(t, cfg, &stubClient{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := app.Run(ctx, []string{"https://never.example"})
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(cfg.Results.Dir, "final_results_*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Contains(t, summary.FinalURI, "final_results_")
}

func TestSeededRandIsDeterministic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, seededRand(42).Int63(), seededRand(42).Int63())
}
