package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/curious-surfer/internal/coordinator"
)

// errNoTargetSites is returned when neither the config nor --custom-sites names a site.
var errNoTargetSites = errors.New("no target sites: set target_sites or pass --custom-sites")

func newRunCmd(opts *rootOptions) *cobra.Command {
	var customSites string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one exploration session",
		Long: `Runs a session over the configured target_sites, or over the list in the
--custom-sites JSON file, until enough relevant jobs were found or the visit
budget is spent. Interim and final results are written after every site.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sites := opts.cfg.TargetSites
			if customSites != "" {
				loaded, err := loadCustomSites(customSites)
				if err != nil {
					return err
				}
				sites = loaded
			}
			if len(sites) == 0 {
				return errNoTargetSites
			}
			return runSession(cmd.Context(), opts, sites, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&customSites, "custom-sites", "", "path to a JSON file with the sites to visit")
	return cmd
}

func runSession(parent context.Context, opts *rootOptions, sites []string, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, opts.cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer func() { _ = app.Close(context.WithoutCancel(ctx)) }()

	summary, err := app.Run(ctx, sites)
	printSummary(out, summary)
	if err != nil {
		return fmt.Errorf("session %s: %w", summary.State, err)
	}
	return nil
}

// loadCustomSites reads a JSON list of URLs, or an object with a "sites" list.
func loadCustomSites(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read custom sites: %w", err)
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		var wrapped struct {
			Sites []string `json:"sites"`
		}
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil || wrapped.Sites == nil {
			return nil, fmt.Errorf("parse custom sites %s: expected a list or an object with a sites key", path)
		}
		list = wrapped.Sites
	}
	sites := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			sites = append(sites, s)
		}
	}
	return sites, nil
}

func printSummary(w io.Writer, s coordinator.Summary) {
	fmt.Fprintf(w, "Session %s finished: %s\n", s.SessionID, s.State)
	fmt.Fprintf(w, "  visits:         %d\n", s.Session.Visits)
	fmt.Fprintf(w, "  jobs explored:  %d\n", s.Session.TotalJobsExplored)
	fmt.Fprintf(w, "  relevant jobs:  %d\n", len(s.Results.FoundJobs))
	fmt.Fprintf(w, "  portals:        %d\n", len(s.Results.PotentialPortals))
	fmt.Fprintf(w, "  llm calls:      %d (%d failed)\n", s.Usage.TotalCalls, s.Usage.TotalFailures)
	fmt.Fprintf(w, "  duration:       %s\n", s.Duration.Round(time.Millisecond))
	if s.FinalURI != "" {
		fmt.Fprintf(w, "  results:        %s\n", s.FinalURI)
	}
	for _, j := range s.Results.FoundJobs {
		fmt.Fprintf(w, "  - [%d/5] %s %s\n", j.Score, j.Title, j.URL)
	}
}
