// Command discovery runs the Discovery service (§4.3): it
// subscribes to the bus's discovery topics and forwards validated
// register/heartbeat/unregister events to the registry's write API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
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
	"github.com/alicia-project/alicia-core/internal/discovery"
	"github.com/alicia-project/alicia-core/internal/httpkit"
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
		Use:           "discovery",
		Short:         "Alicia Discovery service",
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
			fmt.Println(buildinfo.String("discovery"))
			return nil
		},
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Attach to the bus and forward discovery events to the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	path, err := config.FindConfig("discovery", configPath)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if cfg.Service.Name == "" {
		cfg.Service.Name = "discovery"
	}

	logger := config.NewLogger("discovery", cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	token, err := authenticate(ctx, cfg.Discovery.GatewayURL, cfg.Discovery.CertFile)
	if err != nil {
		logger.Error("discovery: gateway authentication failed", "error", err)
		os.Exit(1)
	}

	fwd := discovery.New(cfg.Discovery.RegistryURL, token, logger)

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
	if err := fwd.Attach(svc); err != nil {
		return fmt.Errorf("discovery: attach handlers: %w", err)
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("discovery: start: %w", err)
	}
	logger.Info("discovery attached to bus")

	<-ctx.Done()
	logger.Info("discovery shutting down")
	return svc.Shutdown(context.Background(), 10*time.Second)
}

type authServiceResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	TokenType string `json:"token_type"`
}

// authenticate presents discovery's service certificate to the
// gateway's POST /auth/service endpoint and returns the bearer token
// it issues, following the same flow every substrate service uses to
// obtain a token (§4.2).
func authenticate(ctx context.Context, gatewayURL, certFile string) (string, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return "", fmt.Errorf("read service certificate: %w", err)
	}

	client := httpkit.NewClient(httpkit.WithTimeout(10 * time.Second))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayURL+"/auth/service", bytes.NewReader(certPEM))
	if err != nil {
		return "", fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-pem-file")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call gateway: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway returned %d", resp.StatusCode)
	}

	var out authServiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode gateway response: %w", err)
	}
	return out.Token, nil
}
