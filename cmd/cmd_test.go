package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/curious-surfer/internal/config"
	"github.com/JakeFAU/curious-surfer/internal/coordinator"
	"github.com/JakeFAU/curious-surfer/internal/memory"
	"github.com/JakeFAU/curious-surfer/internal/results"
	"github.com/JakeFAU/curious-surfer/internal/scheduler"
)

type fakeRunner struct {
	cfg    config.Config
	sites  []string
	err    error
	closed bool
}

func (f *fakeRunner) Run(_ context.Context, sites []string) (coordinator.Summary, error) {
	f.sites = sites
	return coordinator.Summary{
		SessionID: "session-1",
		State:     "satisfied",
		Session:   scheduler.Session{Visits: 3},
		Results: results.Document{
			FoundJobs: []results.Job{{ID: "job_1", URL: "https://a.example/cfo", Title: "Interim CFO", Score: 4, Suitable: true}},
		},
		FinalURI: "file://results/final_results_2025-04-07.json",
	}, f.err
}

func (f *fakeRunner) Close(context.Context) error {
	f.closed = true
	return nil
}

// useFakeApp swaps the application factory. Tests using it must not run in parallel.
func useFakeApp(t *testing.T, runner *fakeRunner) {
	t.Helper()
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config) (Runner, error) {
		runner.cfg = cfg
		return runner, nil
	}
	t.Cleanup(func() { newApp = orig })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunWithCustomSitesAndFlags(t *testing.T) {
	runner := &fakeRunner{}
	useFakeApp(t, runner)

	sites := writeFile(t, "sites.json", `["https://a.example", " ", "https://b.example"]`)
	memFile := filepath.Join(t.TempDir(), "mem.json")
	out, err := execute(t, "run",
		"--custom-sites", sites,
		"--max-visits", "7",
		"--exploration-rate", "0.5",
		"--memory-file", memFile,
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, runner.sites)
	assert.Equal(t, 7, runner.cfg.Scheduler.MaxVisits)
	assert.InDelta(t, 0.5, runner.cfg.Scheduler.ExplorationRate, 1e-9)
	assert.Equal(t, memFile, runner.cfg.Memory.File)
	assert.Equal(t, 10, runner.cfg.Scheduler.SatisfactionThreshold, "unset flags keep the default")
	assert.True(t, runner.closed)

	assert.Contains(t, out, "Session session-1 finished: satisfied")
	assert.Contains(t, out, "[4/5] Interim CFO https://a.example/cfo")
}

func TestRunUsesConfiguredTargetSites(t *testing.T) {
	runner := &fakeRunner{}
	useFakeApp(t, runner)

	cfgFile := writeFile(t, "config.yaml", "target_sites:\n  - https://c.example\nscheduler:\n  max_visits: 4\n")
	_, err := execute(t, "run", "--config", cfgFile, "--verbose")
	require.NoError(t, err)

	assert.Equal(t, []string{"https://c.example"}, runner.sites)
	assert.Equal(t, 4, runner.cfg.Scheduler.MaxVisits)
	assert.True(t, runner.cfg.Logging.Development)
	assert.Equal(t, "debug", runner.cfg.Logging.Level)
}

func TestRunWithoutSites(t *testing.T) {
	useFakeApp(t, &fakeRunner{})

	_, err := execute(t, "run")
	require.ErrorIs(t, err, errNoTargetSites)
}

func TestRunReportsSessionError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("disk full")}
	useFakeApp(t, runner)

	sites := writeFile(t, "sites.json", `{"sites":["https://a.example"]}`)
	out, err := execute(t, "run", "--custom-sites", sites)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session satisfied: disk full")
	assert.Contains(t, out, "finished: satisfied")
	assert.True(t, runner.closed)
}

func TestRunRejectsInvalidFlags(t *testing.T) {
	useFakeApp(t, &fakeRunner{})

	_, err := execute(t, "run", "--exploration-rate", "1.5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.exploration_rate")
}

func TestLoadCustomSites(t *testing.T) {
	t.Parallel()

	sites, err := loadCustomSites(writeFile(t, "list.json", `["https://a.example"]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example"}, sites)

	sites, err = loadCustomSites(writeFile(t, "obj.json", `{"sites":["https://b.example"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://b.example"}, sites)

	_, err = loadCustomSites(writeFile(t, "bad.json", `{"urls":[]}`))
	assert.Error(t, err)

	_, err = loadCustomSites(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestMemoryCommands(t *testing.T) {
	t.Parallel()

	memFile := filepath.Join(t.TempDir(), "mem.json")
	store, err := memory.Open(memFile)
	require.NoError(t, err)
	rate := 0.9
	_, err = store.UpdateSite("https://good.example/jobs", memory.SiteUpdate{SuccessRate: &rate})
	require.NoError(t, err)
	_, err = store.AddPattern(memory.PatternJobIndicator, "interim", 0.8, "good.example")
	require.NoError(t, err)

	out, err := execute(t, "memory", "sites", "--memory-file", memFile)
	require.NoError(t, err)
	var sites []memory.SitePriority
	require.NoError(t, json.Unmarshal([]byte(out), &sites))
	require.Len(t, sites, 1)
	assert.Equal(t, "good.example", sites[0].Domain)

	out, err = execute(t, "memory", "patterns", "--memory-file", memFile, "--context", "good.example")
	require.NoError(t, err)
	var patterns []memory.PatternScore
	require.NoError(t, json.Unmarshal([]byte(out), &patterns))
	require.Len(t, patterns, 1)
	assert.Equal(t, "interim", patterns[0].Pattern)
}
