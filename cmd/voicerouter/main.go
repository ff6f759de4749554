// Command voicerouter runs the Voice Router process (§4.4): it
// attaches to the bus, resolves speech_to_text/dialog/text_to_speech
// capabilities from the registry, and drives each voice session's
// multi-hop pipeline to completion or failure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alicia-project/alicia-core/internal/aclfile"
	"github.com/alicia-project/alicia-core/internal/buildinfo"
	"github.com/alicia-project/alicia-core/internal/config"
	"github.com/alicia-project/alicia-core/internal/voicerouter"
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
		Use:           "voicerouter",
		Short:         "Alicia Voice Router",
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
			fmt.Println(buildinfo.String("voicerouter"))
			return nil
		},
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Attach to the bus and route voice sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	path, err := config.FindConfig("voicerouter", configPath)
	if err != nil {
		return fmt.Errorf("voicerouter: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("voicerouter: %w", err)
	}
	if cfg.Service.Name == "" {
		cfg.Service.Name = "voice_router"
	}

	logger := config.NewLogger("voicerouter", cfg.Logging.Level, cfg.Logging.Format)

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

	resolver := voicerouter.NewRegistryResolver(cfg.VoiceRouter.RegistryURL)
	rcfg := voicerouter.DefaultConfig()
	rcfg.DefaultDeadline = time.Duration(cfg.VoiceRouter.DefaultDeadlineMS) * time.Millisecond
	rcfg.MaxDeadline = time.Duration(cfg.VoiceRouter.MaxDeadlineMS) * time.Millisecond
	rcfg.ConfidenceThreshold = cfg.VoiceRouter.ConfidenceFloor

	router := voicerouter.New(svc, resolver, rcfg, logger)
	if err := router.Attach(svc); err != nil {
		return fmt.Errorf("voicerouter: attach handlers: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("voicerouter: start: %w", err)
	}
	logger.Info("voice router attached to bus")

	go router.RunJanitor(ctx)

	<-ctx.Done()
	logger.Info("voice router shutting down")
	return svc.Shutdown(context.Background(), 10*time.Second)
}
