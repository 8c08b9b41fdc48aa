package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/autopilot/internal/config"
	"github.com/corvid-labs/autopilot/internal/lockfile"
)

var version = "v0.3.0"

// Exit codes: 0 clean, 1 fatal error, 2 another instance holds the lock.
const (
	exitOK       = 0
	exitFatal    = 1
	exitLockHeld = 2
)

var rootFlags struct {
	configPath string
	dataDir    string
}

var rootCmd = &cobra.Command{
	Use:           "autopilot",
	Short:         "autopilot runs a task backlog to completion with agent workers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and exits with the appropriate code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, lockfile.ErrLockHeld) {
			os.Exit(exitLockHeld)
		}
		os.Exit(exitFatal)
	}
	os.Exit(exitOK)
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&rootFlags.configPath, "config", "", "path to a config file (overrides project config)")
	rootCmd.PersistentFlags().StringVar(&rootFlags.dataDir, "data-dir", "", "override the data directory")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig resolves configuration with flag overrides applied.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if rootFlags.configPath != "" {
		cfg, err = config.Load("", rootFlags.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if rootFlags.dataDir != "" {
		cfg.DataDir = rootFlags.dataDir
	}
	return cfg, nil
}
