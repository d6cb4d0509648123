package main

import (
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/warden/internal/config"
	"github.com/haasonsaas/warden/internal/host"
)

func buildPromptCmd() *cobra.Command {
	var (
		configPath     string
		conversationID string
	)

	cmd := &cobra.Command{
		Use:   "prompt <text>",
		Short: "Run one local prompt turn without the relay",
		Long: `Runs a single prompt through the full agent stack (model, tools,
containers) and prints the reply. Useful for smoke-testing a setup before
connecting the relay.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return errors.New("prompt text is empty")
			}
			if conversationID == "" {
				conversationID = "local-" + uuid.NewString()[:8]
			}

			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			h, err := host.New(cfg, host.Options{})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			defer h.Close(cmd.Context())

			reply, err := h.Manager.HandlePrompt(ctx, conversationID, text)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&conversationID, "conversation-id", "", "Conversation to continue (default: a fresh local one)")
	return cmd
}
