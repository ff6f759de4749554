// Command registry runs the Device/Service Registry process (§4.3):
// the authoritative descriptor store, its HTTP read surface, and the
// Discovery-only write API.
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
	"github.com/alicia-project/alicia-core/internal/registry"
	"github.com/alicia-project/alicia-core/internal/security"
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
		Use:           "registry",
		Short:         "Alicia Device/Service Registry",
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
			fmt.Println(buildinfo.String("registry"))
			return nil
		},
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the registry's HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	path, err := config.FindConfig("registry", configPath)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	logger := config.NewLogger("registry", cfg.Logging.Level, cfg.Logging.Format)

	ttl := registry.DefaultTTLConfig(time.Duration(cfg.Heartbeat.IntervalSeconds) * time.Second)
	ttl.OfflineRetention = time.Duration(cfg.Registry.OfflineRetentionH) * time.Hour
	reg := registry.New(ttl, logger)

	store := registry.FileSnapshotStore{Path: cfg.Registry.SnapshotPath}
	if snap, err := store.Load(); err != nil {
		logger.Warn("registry snapshot load failed, starting empty", "error", err)
	} else {
		reg.Restore(snap)
		logger.Info("registry snapshot restored", "services", len(snap.Services), "devices", len(snap.Devices))
	}

	verify, err := newTokenVerifier(cfg.Security.RootSecretFile)
	if err != nil {
		logger.Error("load root secret for token verification", "error", err)
		os.Exit(1)
	}

	srv := registry.NewServer(reg, verify, "discovery")

	httpSrv := &http.Server{
		Addr:    cfg.Registry.Bind,
		Handler: srv.Handler(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go registry.RunTTLSweepLoop(ctx, reg, time.Duration(cfg.Heartbeat.IntervalSeconds)*time.Second)
	go registry.RunSnapshotLoop(ctx, reg, store, time.Duration(cfg.Registry.SnapshotIntervalS)*time.Second, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("registry listening", "bind", cfg.Registry.Bind)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("registry: serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("registry shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// newTokenVerifier builds a registry.VerifyFunc that checks a bearer
// token's HMAC signature and expiry locally against the same root
// secret the gateway signs with — tokens are self-contained, so the
// registry never has to round-trip to the gateway to verify one (§4.2
// "any process holding the root secret verifies tokens offline").
func newTokenVerifier(rootSecretFile string) (registry.VerifyFunc, error) {
	secret, err := os.ReadFile(rootSecretFile)
	if err != nil {
		return nil, fmt.Errorf("read root secret file: %w", err)
	}
	signer := security.NewTokenSigner(secret)
	return func(token string) (string, error) {
		claims, err := signer.Verify(token, time.Now())
		if err != nil {
			return "", err
		}
		return claims.Subject, nil
	}, nil
}
