// Package main is the entry point of pps-mock. It runs a mock postfix policy
// server that captures every request, and replays captured requests against a
// real policy server.
//
// To capture live traffic, point postfix at the mock server:
//
//	smtpd_recipient_restrictions =
//		[...]
//		check_policy_service inet:127.0.0.1:10040
//		[...]
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wneessen/postfix-policy-mock/internal/config"
	"github.com/wneessen/postfix-policy-mock/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for pps-mock
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pps-mock",
		Short: "Capture and replay postfix policy delegation requests",
		Long: `pps-mock captures the requests postfix sends to a policy service and replays
them later against a real policy server, e.g. to test a postfwd ruleset without
a live mail server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (TOML or YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "Log format (console, json)")

	rootCmd.AddCommand(newServeCmd(), newReplayCmd())
	return rootCmd
}

// loadConfig reads the configuration file, if any, and applies the global flags
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg := config.Default()
	if path != "" {
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if err := stringFlag(cmd, "log-level", &cfg.Log.Level); err != nil {
		return config.Config{}, err
	}
	if err := stringFlag(cmd, "log-format", &cfg.Log.Format); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) zerolog.Logger {
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: logging.ParseFormat(cfg.Log.Format),
		Output: os.Stderr,
	})
}

// stringFlag copies a flag value into dst if it was set on the command line
func stringFlag(cmd *cobra.Command, name string, dst *string) error {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, err := cmd.Flags().GetString(name)
	if err != nil {
		return fmt.Errorf("failed to get %s flag: %w", name, err)
	}
	*dst = v
	return nil
}
