package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/soaringjerry/persuasion/internal/api"
	"github.com/soaringjerry/persuasion/internal/config"
	"github.com/soaringjerry/persuasion/internal/db"
	"github.com/soaringjerry/persuasion/internal/jobs"
	"github.com/soaringjerry/persuasion/internal/middleware"
	"github.com/soaringjerry/persuasion/internal/services"
)

func serveCmd(load loader) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the participant-facing HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := load()
			if addr != "" {
				cfg.Addr = addr
			}
			if err := cfg.ValidateServer(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runServer(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address; overrides PERSUASION_ADDR")
	return cmd
}

// openQueue returns the configured job queue and a func releasing it.
func openQueue(ctx context.Context, cfg *config.Config, metrics *jobs.Metrics, logger *slog.Logger) (jobs.Queue, func(), error) {
	switch cfg.JobBackend {
	case config.JobBackendNATS:
		nc, err := connectNATS(cfg.NATSURL, appName+"-server", logger)
		if err != nil {
			return nil, nil, err
		}
		q, err := jobs.NewNATSQueue(ctx, nc, jobs.NATSOptions{Timeout: cfg.JobTimeout, Metrics: metrics, Logger: logger})
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		logger.Info("job queue ready", "backend", cfg.JobBackend, "stream", jobs.StreamName)
		return q, func() { _ = nc.Drain() }, nil
	default:
		gen, err := newGenerator(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		q := jobs.NewMemoryQueue(gen.Handler(), jobs.MemoryOptions{
			Workers: cfg.JobWorkers,
			Timeout: cfg.JobTimeout,
			Metrics: metrics,
			Logger:  logger,
		})
		logger.Info("job queue ready", "backend", cfg.JobBackend, "workers", cfg.JobWorkers)
		return q, func() { _ = q.Close() }, nil
	}
}

func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := jobs.NewMetrics(reg)

	sqlDB, err := db.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	results, err := db.NewResultsStore(sqlDB, cfg.DatabaseDriver, cfg.ResultsTable, logger)
	if err != nil {
		return err
	}
	recorder := services.NewRecorder(results, logger)
	if err := recorder.Validate(ctx); err != nil {
		return fmt.Errorf("results table %q: %w", cfg.ResultsTable, err)
	}

	queue, closeQueue, err := openQueue(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	catalog, err := services.LoadCatalog()
	if err != nil {
		return err
	}
	store := api.NewMemoryStore()
	svc := services.NewSessionService(store, catalog,
		services.NewRandomizer(services.NewRandSource(), catalog.Stances()),
		queue, recorder, services.SessionServiceConfig{
			CompletionURLPass: cfg.CompletionURLPass,
			CompletionURLFail: cfg.CompletionURLFail,
			Logger:            logger,
		})
	cookies, err := middleware.NewSessionCookies(cfg.SessionSecret, cfg.SessionTTL, cfg.SecureCookies)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	api.NewRouter(svc, cookies, logger).Register(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":         true,
			"name":       "Persuasion survey API",
			"sessions":   store.Len(),
			"commit":     cfg.Commit,
			"build_time": cfg.BuildTime,
		})
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"commit":     cfg.Commit,
			"build_time": cfg.BuildTime,
		})
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	mws := []func(http.Handler) http.Handler{cookies.WithSession, middleware.RequestLog(logger)}
	if len(cfg.AllowedOrigins) > 0 {
		mws = append(mws, middleware.CORS(cfg.AllowedOrigins))
	}
	mws = append(mws, middleware.SecureHeaders, middleware.NoStore)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware.Chain(mux, mws...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go sweepSessions(ctx, store, cfg.SessionTTL, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("persuasion server listening", "addr", cfg.Addr, "jobs", cfg.JobBackend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// sweepSessions drops sessions older than ttl, whose cookies can no longer
// reach them.
func sweepSessions(ctx context.Context, store *api.MemoryStore, ttl time.Duration, logger *slog.Logger) {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := store.CleanupBefore(now.Add(-ttl)); n > 0 {
				logger.Info("expired sessions removed", "count", n)
			}
		}
	}
}
