package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/soaringjerry/persuasion/internal/jobs"
)

func workerCmd(load loader) *cobra.Command {
	var (
		concurrency int
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume message generation jobs from NATS JetStream",
		Long: `Runs message generation outside the HTTP server. Requires
JOB_BACKEND=nats on both the server and the worker.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := load()
			if concurrency > 0 {
				cfg.JobWorkers = concurrency
			}
			if err := cfg.ValidateWorker(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			reg := prometheus.NewRegistry()
			metrics := jobs.NewMetrics(reg)
			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics listener failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			nc, err := connectNATS(cfg.NATSURL, appName+"-worker", logger)
			if err != nil {
				return err
			}
			defer func() { _ = nc.Drain() }()

			q, err := jobs.NewNATSQueue(ctx, nc, jobs.NATSOptions{Timeout: cfg.JobTimeout, Metrics: metrics, Logger: logger})
			if err != nil {
				return err
			}
			gen, err := newGenerator(ctx, cfg, logger)
			if err != nil {
				return err
			}
			w, err := q.NewWorker(ctx, gen.Handler(), cfg.JobWorkers)
			if err != nil {
				return err
			}
			return w.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Concurrent jobs; overrides JOB_WORKERS")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics on this address when set")
	return cmd
}
