package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/curious-surfer/internal/memory"
)

func newMemoryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect the memory file",
	}
	cmd.AddCommand(newMemorySitesCmd(opts), newMemoryPatternsCmd(opts))
	return cmd
}

func newMemorySitesCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "List sites in exploitation order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := memory.Open(opts.cfg.Memory.File)
			if err != nil {
				return fmt.Errorf("open memory: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), store.PrioritizedSites(limit))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of sites to list")
	return cmd
}

func newMemoryPatternsCmd(opts *rootOptions) *cobra.Command {
	var (
		patternType string
		context     string
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "List the most effective patterns of a type",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := memory.Open(opts.cfg.Memory.File)
			if err != nil {
				return fmt.Errorf("open memory: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), store.BestPatterns(patternType, context, limit))
		},
	}
	cmd.Flags().StringVar(&patternType, "type", memory.PatternJobIndicator, "pattern type (job_indicator or navigation)")
	cmd.Flags().StringVar(&context, "context", "", "only patterns that worked in this context, usually a domain")
	cmd.Flags().IntVar(&limit, "limit", 10, "number of patterns to list")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
