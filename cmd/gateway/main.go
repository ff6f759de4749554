// Command gateway runs the Security Gateway process (§4.2): the
// HTTP admission API that authenticates services by X.509 certificate,
// issues bearer tokens, and rotates the symmetric message-encryption
// key ring.
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
		Use:           "gateway",
		Short:         "Alicia Security Gateway",
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
			fmt.Println(buildinfo.String("gateway"))
			for k, v := range buildinfo.Info() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
			return nil
		},
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway's admission HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	path, err := config.FindConfig("gateway", configPath)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	logger := config.NewLogger("gateway", cfg.Logging.Level, cfg.Logging.Format)

	caPEM, err := os.ReadFile(cfg.Security.CAFile)
	if err != nil {
		logger.Error("read ca file", "error", err)
		os.Exit(1)
	}
	ca, err := security.NewCA(caPEM, cfg.Security.Denylist...)
	if err != nil {
		logger.Error("construct CA", "error", err)
		os.Exit(1)
	}

	rootSecret, err := os.ReadFile(cfg.Security.RootSecretFile)
	if err != nil {
		logger.Error("read root secret file", "error", err)
		os.Exit(1)
	}
	signer := security.NewTokenSigner(rootSecret)
	keys := security.NewKeyRing(rootSecret, time.Duration(cfg.Security.KeyGracePeriod)*time.Second)

	gw := security.NewGateway(ca, signer, keys, time.Duration(cfg.Security.TokenTTLSec)*time.Second, logger)

	srv := &http.Server{
		Addr:    cfg.Security.Bind,
		Handler: gw.Handler(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "bind", cfg.Security.Bind)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway: serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}
