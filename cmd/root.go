// Package cmd implements the surfer CLI.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/curious-surfer/internal/config"
	"github.com/JakeFAU/curious-surfer/internal/coordinator"
	"github.com/JakeFAU/curious-surfer/internal/server"
)

// Runner runs one session. *server.App satisfies it.
type Runner interface {
	Run(ctx context.Context, sites []string) (coordinator.Summary, error)
	Close(ctx context.Context) error
}

// newApp is the application factory; tests replace it with a fake.
var newApp = func(ctx context.Context, cfg config.Config) (Runner, error) {
	return server.Build(ctx, cfg)
}

// flagKeys maps persistent flags onto configuration keys.
var flagKeys = map[string]string{
	"exploration-rate":       "scheduler.exploration_rate",
	"satisfaction-threshold": "scheduler.satisfaction_threshold",
	"max-visits":             "scheduler.max_visits",
	"max-jobs-per-site":      "scheduler.max_jobs_per_site",
	"max-total-jobs":         "scheduler.max_total_jobs_explored",
	"memory-file":            "memory.file",
}

type rootOptions struct {
	v       *viper.Viper
	cfgFile string
	verbose bool
	cfg     config.Config
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}
	cmd := &cobra.Command{
		Use:   "surfer",
		Short: "An exploring agent that looks for senior and interim management jobs.",
		Long: `surfer visits company career sites, learns how each site is organised and
asks a language model whether the listings it finds are relevant. What it
learns is kept in a memory file, so later sessions prefer the sites that
paid off before.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd.Flags())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "path to a YAML configuration file")
	flags.Float64("exploration-rate", 0.3, "probability of trying an unexplored site")
	flags.Int("satisfaction-threshold", 10, "number of relevant jobs to find before stopping")
	flags.Int("max-visits", 20, "maximum number of site visits")
	flags.Int("max-jobs-per-site", 5, "maximum number of job listings to explore on a single site")
	flags.Int("max-total-jobs", 15, "maximum total number of job detail pages to explore")
	flags.String("memory-file", "agent_memory.json", "path to the memory file")
	flags.BoolVar(&opts.verbose, "verbose", false, "enable verbose logging")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newMemoryCmd(opts))
	return cmd
}

// load binds the flags that were set and reads the configuration.
func (o *rootOptions) load(flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil && f.Changed {
			if err := o.v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}
	if o.verbose {
		o.v.Set("logging.development", true)
		o.v.Set("logging.level", "debug")
	}
	cfg, err := config.LoadWith(o.v, o.cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	o.cfg = cfg
	return nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
