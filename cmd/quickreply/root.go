package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/quickreply/quickreply/pkg/config"
	"github.com/quickreply/quickreply/pkg/logger"
)

var flagConfig string

var rootCmd = &cobra.Command{
	Use:          "quickreply",
	Short:        "Searchable reply templates with an HTTP API and a terminal front end",
	SilenceUsage: true,
	Long: `quickreply keeps categorised reply templates per audience ("clients",
"colleagues", ...) and finds them by substring as you type.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a YAML config file (defaults apply when empty)")
}

// Execute is called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config and installs the default logger writing to w.
func loadConfig(w io.Writer) (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger.SetupWriter(w, cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}
