package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	pps "github.com/wneessen/postfix-policy-mock"
	"github.com/wneessen/postfix-policy-mock/internal/config"
)

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay [capture-file]",
		Short: "Replay captured requests against a policy server",
		Long: `Read a capture file written by "pps-mock serve" and send each request to a
policy server, one connection per request, printing the response of each.

Example:
  pps-mock replay captured_requests.jsonl --host postfwd.example.com --port 10040`,
		Args: cobra.MaximumNArgs(1),
		RunE: runReplay,
	}

	cmd.Flags().String("host", pps.DefaultReplayHost, "Hostname or IP of the policy server")
	cmd.Flags().StringP("port", "p", pps.DefaultPort, "Port of the policy server")
	cmd.Flags().Duration("timeout", pps.DefaultReplayTimeout, "Connect and read timeout per request")
	cmd.Flags().Duration("delay", pps.DefaultReplayDelay, "Pause between two requests")

	return cmd
}

// replayConfig resolves the replay configuration from file, flags and args
func replayConfig(cmd *cobra.Command, args []string) (config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return cfg, err
	}
	if len(args) > 0 {
		cfg.Replay.InputFile = args[0]
	}
	if err := stringFlag(cmd, "host", &cfg.Replay.Host); err != nil {
		return cfg, err
	}
	if err := stringFlag(cmd, "port", &cfg.Replay.Port); err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("timeout") {
		if cfg.Replay.Timeout, err = cmd.Flags().GetDuration("timeout"); err != nil {
			return cfg, fmt.Errorf("failed to get timeout flag: %w", err)
		}
	}
	if cmd.Flags().Changed("delay") {
		if cfg.Replay.Delay, err = cmd.Flags().GetDuration("delay"); err != nil {
			return cfg, fmt.Errorf("failed to get delay flag: %w", err)
		}
	}
	return cfg, nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := replayConfig(cmd, args)
	if err != nil {
		return err
	}

	r := pps.NewReplayer(
		pps.WithTarget(cfg.Replay.Host, cfg.Replay.Port),
		pps.WithTimeout(cfg.Replay.Timeout),
		pps.WithDelay(cfg.Replay.Delay),
		pps.WithOutput(cmd.OutOrStdout()),
		pps.WithReplayLogger(newLogger(cfg)),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, err := r.ReplayFile(ctx, cfg.Replay.InputFile)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Done: %d sent, %d failed, %d skipped (run %s)\n",
		sum.Sent, sum.Failed, sum.Skipped, sum.RunID)
	return err
}
