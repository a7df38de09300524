package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	pps "github.com/wneessen/postfix-policy-mock"
	"github.com/wneessen/postfix-policy-mock/internal/config"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capturing mock policy server",
		Long: `Listen for postfix policy requests, append each request as one JSON line to
the output file and answer every request with "action=DUNNO".`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("listen-ip", pps.DefaultAddr, "IP address to listen on")
	cmd.Flags().StringP("port", "p", pps.DefaultPort, "Port to listen on")
	cmd.Flags().StringP("output-file", "o", pps.DefaultCaptureFile, "File the captured requests are appended to")
	cmd.Flags().Int64("max-request-size", pps.DefaultMaxRequestSize, "Maximum size of a single request in bytes (0 = unlimited)")
	cmd.Flags().Duration("read-timeout", pps.DefaultReadTimeout, "Idle timeout while reading a request (0 = none)")
	cmd.Flags().String("metrics-addr", "", "Address to expose Prometheus metrics on, e.g. 127.0.0.1:9100")

	return cmd
}

// serveConfig resolves the server configuration from file and flags
func serveConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return cfg, err
	}
	for name, dst := range map[string]*string{
		"listen-ip":    &cfg.Server.ListenAddr,
		"port":         &cfg.Server.Port,
		"output-file":  &cfg.Server.OutputFile,
		"metrics-addr": &cfg.Server.MetricsAddr,
	} {
		if err := stringFlag(cmd, name, dst); err != nil {
			return cfg, err
		}
	}
	if cmd.Flags().Changed("max-request-size") {
		if cfg.Server.MaxRequestSize, err = cmd.Flags().GetInt64("max-request-size"); err != nil {
			return cfg, fmt.Errorf("failed to get max-request-size flag: %w", err)
		}
	}
	if cmd.Flags().Changed("read-timeout") {
		if cfg.Server.ReadTimeout, err = cmd.Flags().GetDuration("read-timeout"); err != nil {
			return cfg, fmt.Errorf("failed to get read-timeout flag: %w", err)
		}
	}
	return cfg, nil
}

// newMetrics returns the server metrics plus the Go runtime and process
// collectors on the same registry
func newMetrics() *pps.Metrics {
	m := pps.NewMetrics()
	m.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := serveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	st, err := pps.NewStore(cfg.Server.OutputFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close capture log")
		}
	}()

	m := newMetrics()
	s := pps.New(
		pps.WithAddr(cfg.Server.ListenAddr),
		pps.WithPort(cfg.Server.Port),
		pps.WithStore(st),
		pps.WithLogger(logger),
		pps.WithMetrics(m),
		pps.WithMaxRequestSize(cfg.Server.MaxRequestSize),
		pps.WithReadTimeout(cfg.Server.ReadTimeout),
		pps.WithWriteTimeout(cfg.Server.WriteTimeout),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("addr", s.Addr()).Str("output_file", st.Path()).Msg("starting mock policy server")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Run(gctx)
	})

	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		hs := &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", hs.Addr).Msg("serving metrics")
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	return g.Wait()
}
