// Command scheduler runs the Event Scheduler process (§4.7):
// it loads persisted events from its sqlite store, arms their timers,
// and serves CRUD plus manual-trigger over HTTP while dispatching
// firings onto the bus through the wrapper.
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
	"github.com/alicia-project/alicia-core/internal/scheduler"
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
		Use:           "scheduler",
		Short:         "Alicia Event Scheduler",
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
			fmt.Println(buildinfo.String("scheduler"))
			return nil
		},
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Attach to the bus and serve the scheduler's event API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	path, err := config.FindConfig("scheduler", configPath)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if cfg.Service.Name == "" {
		cfg.Service.Name = "scheduler"
	}

	logger := config.NewLogger("scheduler", cfg.Logging.Level, cfg.Logging.Format)

	store, err := scheduler.NewStore(cfg.Scheduler.StorePath, cfg.Scheduler.HistoryLimit)
	if err != nil {
		logger.Error("open scheduler store", "error", err)
		os.Exit(1)
	}

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
	sched := scheduler.New(logger, store, svc, cfg.Service.Name, cfg.Scheduler.Workers)

	srv := scheduler.NewServer(sched)
	httpSrv := &http.Server{
		Addr:    cfg.Scheduler.Bind,
		Handler: srv.Handler(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: start: %w", err)
	}
	logger.Info("scheduler attached to bus")

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: load events: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("scheduler listening", "bind", cfg.Scheduler.Bind)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("scheduler: serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("scheduler shutting down")
		sched.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		_ = svc.Shutdown(shutdownCtx, 5*time.Second)
	}
	return nil
}
