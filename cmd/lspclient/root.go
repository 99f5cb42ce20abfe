package main

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/lspclient/internal/config"
	"github.com/dshills/lspclient/internal/logging"
)

// GlobalFlags are the flags shared by every command.
type GlobalFlags struct {
	ConfigPath  string
	Server      string
	LogLevel    string
	Interactive bool
}

var (
	globalFlags GlobalFlags
	cfg         *config.Config
	logger      *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "lspclient",
	Short:         "Drive a language server from the terminal",
	Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(globalFlags.ConfigPath)
		if err != nil {
			return err
		}
		if globalFlags.LogLevel != "" {
			cfg.Log.Level = globalFlags.LogLevel
		}
		logger, _, err = logging.New(cfg.Log)
		if err != nil {
			return err
		}
		if cfg.Log.Level == "debug" {
			pterm.EnableDebugMessages()
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigPath, "config", "c", "", "path to a TOML or YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&globalFlags.Server, "server", "s", "", "name of the configured server (default: the only one)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Interactive, "interactive", "i", false, "answer server message requests interactively")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(capabilitiesCmd)
	rootCmd.AddCommand(serversCmd)
}
