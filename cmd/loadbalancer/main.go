// Command loadbalancer runs the Load Balancer process (§4.5):
// it maintains a pool per logical service name synced from the
// registry, probes instance health, and serves selection over HTTP.
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

	"github.com/alicia-project/alicia-core/internal/buildinfo"
	"github.com/alicia-project/alicia-core/internal/config"
	"github.com/alicia-project/alicia-core/internal/loadbalancer"
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
		Use:           "loadbalancer",
		Short:         "Alicia Load Balancer",
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
			fmt.Println(buildinfo.String("loadbalancer"))
			return nil
		},
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the load balancer's HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	path, err := config.FindConfig("loadbalancer", configPath)
	if err != nil {
		return fmt.Errorf("loadbalancer: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loadbalancer: %w", err)
	}

	logger := config.NewLogger("loadbalancer", cfg.Logging.Level, cfg.Logging.Format)

	lbCfg := loadbalancer.DefaultConfig()
	lbCfg.Algorithm = loadbalancer.Algorithm(cfg.LoadBalancer.Algorithm)
	lbCfg.MaxInflightDefault = cfg.LoadBalancer.MaxInflight
	lbCfg.ProbeInterval = time.Duration(cfg.LoadBalancer.ProbeIntervalS) * time.Second
	lbCfg.RecoveryTimeout = time.Duration(cfg.LoadBalancer.RecoveryTimeoutS) * time.Second
	lbCfg.ProbeFailureThreshold = cfg.LoadBalancer.ProbeFailureThreshold
	lbCfg.RequestFailureThreshold = cfg.LoadBalancer.RequestFailureThreshold

	prober := loadbalancer.NewProber()
	bal := loadbalancer.New(lbCfg, logger, prober)

	regClient := loadbalancer.NewRegistryClient(cfg.LoadBalancer.RegistryURL)

	srv := loadbalancer.NewServer(bal)
	httpSrv := &http.Server{
		Addr:    cfg.LoadBalancer.Bind,
		Handler: srv.Handler(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go regClient.RunSyncLoop(ctx, bal, cfg.LoadBalancer.Services, lbCfg.ProbeInterval)
	go bal.RunProbeLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("load balancer listening", "bind", cfg.LoadBalancer.Bind, "services", cfg.LoadBalancer.Services)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("loadbalancer: serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("load balancer shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}
