package main

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/warden/internal/config"
	"github.com/haasonsaas/warden/internal/host"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		resetState bool
		runtimeDir string
		model      string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the relay and serve prompts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			if runtimeDir != "" {
				cfg.Runtime.Dir = runtimeDir
			}
			if model != "" {
				cfg.LLM.Model = model
			}
			if cfg.Channel.WebsocketURL == "" || cfg.Channel.BroadcastURL == "" {
				return errors.New("serve requires channel.websocket_url and channel.broadcast_url")
			}

			h, err := host.New(cfg, host.Options{ResetState: resetState})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ch, err := h.NewRelay(ctx)
			if err != nil {
				return err
			}
			defer ch.Close()

			return h.Run(ctx, ch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&resetState, "reset-state", false, "Wipe persisted state and scratch directories before starting")
	cmd.Flags().StringVar(&runtimeDir, "runtime-dir", "", "Override the runtime directory")
	cmd.Flags().StringVar(&model, "model", "", "Override the primary model")
	return cmd
}
