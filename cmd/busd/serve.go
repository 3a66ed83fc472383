package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/agentbus/internal/bus"
	"github.com/oriys/agentbus/internal/config"
	"github.com/oriys/agentbus/internal/logging"
	"github.com/oriys/agentbus/internal/metrics"
	"github.com/oriys/agentbus/internal/roleadapter"
	"github.com/oriys/agentbus/internal/tracing"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		httpAddr   string
		dbPath     string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bus daemon",
		Long:  "Initialize the queue store, wire the router/planner/executor consumers, and serve /healthz and /metrics until signaled to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configPath != "" {
				loaded, err := config.LoadFromFile(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			config.LoadFromEnv(cfg)
			if httpAddr != "" {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if dbPath != "" {
				cfg.Store.DatabasePath = dbPath
			}
			if logLevel != "" {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Daemon.LogLevel)

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := tracing.Init(ctx, tracing.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer tracing.Shutdown(context.Background())

			store, err := bus.OpenSQLiteStore(cfg.Store.DatabasePath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()
			if cfg.Observability.Metrics.Enabled {
				store.WithTelemetrySink(metrics.Sink())
			}

			if err := store.Initialize(ctx); err != nil {
				return fmt.Errorf("initialize store: %w", err)
			}
			// A previous process may have crashed mid-lease; requeue anything
			// left dangling before consumers start polling.
			if _, err := store.RequeueExpired(ctx); err != nil {
				return fmt.Errorf("requeue expired leases: %w", err)
			}

			router := bus.NewRouter(store)

			adapter := roleadapter.New(roleadapter.Config{
				Endpoint: cfg.RoleAdapter.Endpoint,
				Model:    cfg.RoleAdapter.Model,
				APIKey:   cfg.RoleAdapter.APIKey,
			})

			consultMgr := bus.NewConsultManager(store, router, cfg.Store.LeaseDuration)

			routerConsumer := bus.NewRouterConsumer(store, router, adapter.Router(), cfg.Store.LeaseDuration, cfg.Store.MaxAttempts)
			plannerConsumer := bus.NewPlannerConsumer(store, router, adapter.Planner(), cfg.Store.LeaseDuration, cfg.Store.MaxAttempts)
			executorConsumer := bus.NewExecutorConsumer(store, router, adapter.Executor(), cfg.Store.LeaseDuration, cfg.Store.MaxAttempts, bus.ExecutorConsumerOptions{
				Consult:        consultMgr,
				ConsultTimeout: cfg.Consult.Timeout,
			})

			orchestrator := bus.NewOrchestrator(routerConsumer, plannerConsumer, executorConsumer)
			bridge := bus.NewBridge(store, router, cfg.Store.LeaseDuration)
			_ = bridge // exposed to other processes via a future RPC surface; exercised directly by tests for now

			orchestrator.Start(ctx)
			defer orchestrator.Stop()

			mux := http.NewServeMux()
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			if cfg.Observability.Metrics.Enabled {
				mux.Handle("/metrics", metrics.PrometheusHandler())
			}

			httpServer := &http.Server{
				Addr:    cfg.Daemon.HTTPAddr,
				Handler: mux,
			}

			errCh := make(chan error, 1)
			go func() {
				logging.Op().Info("bus daemon started", "addr", cfg.Daemon.HTTPAddr, "db", cfg.Store.DatabasePath)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
				logging.Op().Info("shutdown signal received")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("shutdown http server: %w", err)
				}
				return nil
			case err := <-errCh:
				return fmt.Errorf("http server error: %w", err)
			}
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to a JSON config file")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "Override the metrics/health HTTP address")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "Override the SQLite database path")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the log level")

	return cmd
}
