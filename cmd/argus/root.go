package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/argus/internal/config"
)

var (
	version    = "0.1.0"
	configPath string
	logLevel   string

	// cfg is loaded once by the root pre-run hook.
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "argus",
		Short: "Cloud security posture decision engine",
		Long: `Argus - Cloud Security Posture Decision Engine

Argus keeps a temporal graph of cloud resources, identities and the
events that touch them, evaluates declarative policies against every
event and enforces the policies that match.

Run it as a daemon fed from a Redis queue, or use the subcommands to
evaluate events, gate CI/CD plans and query the graph.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadConfig,
	}
)

// errBlocked is returned by check when a plan must not deploy.
var errBlocked = errors.New("deployment blocked by policy")

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errBlocked) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Argus {{.Version}} - Cloud Security Posture Decision Engine
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to argus.toml (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level: debug, info, warn, error")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if configPath == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(configPath); err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return setupLogging(cfg.Log)
}
