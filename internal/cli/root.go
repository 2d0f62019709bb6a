// Package cli implements the backupsync command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/isdelr/backupsync/internal/app"
	"github.com/isdelr/backupsync/internal/config"
	"github.com/isdelr/backupsync/internal/logger"
	"github.com/isdelr/backupsync/internal/metrics"
	"github.com/spf13/cobra"
)

const Version = "0.3.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "backupsync",
	Short: "Encrypted backup staging and sync",
	Long: `backupsync exports an encrypted snapshot of a data directory, stages it
under a temporary name, uploads it to an object store and only then promotes
it to its final name. Leftovers from interrupted runs are cleaned up on the
next attempt.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		logger.Init(cfg.LogLevel)
		loaded = cfg
		return nil
	},
}

// loaded is the configuration resolved before any subcommand runs.
var loaded *config.Config

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (default $"+config.EnvConfigFile+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(serveCmd, runCmd, latestCmd, purgeCmd, tokenCmd)
}

func newApp(ctx context.Context, withMetrics bool) (*app.App, error) {
	var m metrics.Metrics = metrics.Noop{}
	if withMetrics {
		m = metrics.NewProm("backupsync")
	}
	return app.New(ctx, loaded, m)
}
