// Command metricscol runs the Metrics Collector process (§4.6): it
// ingests samples from the bus and HTTP, runs the system sampler and
// alert engine, and serves aggregation queries plus an optional
// Prometheus scrape endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alicia-project/alicia-core/internal/aclfile"
	"github.com/alicia-project/alicia-core/internal/buildinfo"
	"github.com/alicia-project/alicia-core/internal/config"
	"github.com/alicia-project/alicia-core/internal/metrics"
	"github.com/alicia-project/alicia-core/internal/wrapper"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "metricscol",
		Short:         "Alicia Metrics Collector",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(versionCmd())
	root.AddCommand(serveCmd(&configPath))
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(buildinfo.String("metricscol"))
			return nil
		},
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Attach to the bus and serve metrics queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	path, err := config.FindConfig("metricscol", configPath)
	if err != nil {
		return fmt.Errorf("metricscol: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("metricscol: %w", err)
	}
	if cfg.Service.Name == "" {
		cfg.Service.Name = "metrics_collector"
	}

	logger := config.NewLogger("metricscol", cfg.Logging.Level, cfg.Logging.Format)

	mcfg := metrics.DefaultConfig()
	mcfg.RingCapacity = cfg.Metrics.RingCapacity
	mcfg.RetentionWindow = time.Duration(cfg.Metrics.RetentionSeconds) * time.Second
	mcfg.AlertInterval = time.Duration(cfg.Metrics.AlertIntervalS) * time.Second
	mcfg.SamplerInterval = time.Duration(cfg.Metrics.SamplerIntervalS) * time.Second

	sink := metrics.NewPrometheusSink()
	store := metrics.New(mcfg, sink)

	var wrapperOpts []wrapper.Option
	if cfg.MQTT.ACLFile != "" {
		acl, err := aclfile.Load(cfg.MQTT.ACLFile)
		if err != nil {
			logger.Error("load acl file", "error", err)
			os.Exit(1)
		}
		wrapperOpts = append(wrapperOpts, wrapper.WithACL(acl))
	}

	svc := wrapper.New(*cfg, logger, wrapperOpts...)
	if err := metrics.Attach(svc, store); err != nil {
		return fmt.Errorf("metricscol: attach bus ingest: %w", err)
	}

	alerts := metrics.NewAlertEngine(store, metrics.BusPublisher{Svc: svc}, mcfg.AlertInterval, logger)
	sampler := metrics.NewSampler(store, mcfg.SamplerInterval)

	srv := metrics.NewServer(store, alerts, sink)
	httpSrv := &http.Server{
		Addr:    cfg.Metrics.Bind,
		Handler: srv.Handler(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("metricscol: start: %w", err)
	}
	logger.Info("metrics collector attached to bus")

	go alerts.Run(ctx)
	go sampler.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics collector listening", "bind", cfg.Metrics.Bind)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metricscol: serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("metrics collector shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		_ = svc.Shutdown(shutdownCtx, 5*time.Second)
	}
	return nil
}
