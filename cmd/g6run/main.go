package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/g6run/g6run/internal/metrics"
)

const (
	appName = "g6run"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	var cfgPath string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Index options collection and analytics engine",
		Version: version,
		Long: `g6run collects index option chains on a market-hours schedule, runs
each expiry through a phased pipeline (resolve, fetch, enrich, validate,
persist) and publishes CSV/Postgres rows, panel artifacts and Prometheus
metrics.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			zerolog.SetGlobalLevel(lvl)
			return nil
		},
	}
	// Accept the env-var spelling on the command line too (--log_level).
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "settings file (default config/g6run.yaml, or G6_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")

	collectCmd := &cobra.Command{
		Use:   "collect",
		Short: "Run the collection loop",
		Long:  "Starts the gated collection loop, the ops HTTP server and the artifact sweepers, and runs until SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollect(cfgPath)
		},
	}

	onceCmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single collection cycle",
		Long:  "Runs exactly one gated collection cycle and exits non-zero if the cycle failed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cfgPath)
		},
	}

	catalogueCmd := &cobra.Command{
		Use:   "catalogue",
		Short: "Print the metrics catalogue",
		Long:  "Prints every metric the engine can emit (name, kind, group, labels) and the catalogue spec hash.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatalogue(cmd.OutOrStdout())
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (metrics spec %s)\n", appName, version, metrics.SpecHash())
		},
	}

	rootCmd.AddCommand(collectCmd, onceCmd, catalogueCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
