package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/warden/internal/config"
	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/runtime"
	"github.com/haasonsaas/warden/internal/sandbox"
)

func buildResetCmd() *cobra.Command {
	var (
		configPath string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Destroy all conversations: containers, scratch dirs, and persisted state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			layout, err := runtime.NewLayout(cfg.Runtime.Dir)
			if err != nil {
				return err
			}

			if !force {
				fmt.Fprintf(cmd.OutOrStdout(),
					"This deletes every conversation under %s, including containers and scratch files.\nContinue? [y/N]: ",
					layout.Root())
				reader := bufio.NewReader(cmd.InOrStdin())
				answer, _ := reader.ReadString('\n')
				answer = strings.ToLower(strings.TrimSpace(answer))
				if answer != "y" && answer != "yes" {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})

			convs, err := layout.ListConversations()
			if err != nil {
				return err
			}
			rt := sandbox.NewDockerRuntime(logger)
			for _, id := range convs {
				name := "claude-agent-" + id
				if err := rt.Remove(cmd.Context(), name); err != nil {
					// The container may never have been created.
					logger.Debug(cmd.Context(), "container removal skipped",
						"container", name, "error", err)
				}
			}

			if err := layout.ResetAll(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset complete: %d conversation(s) removed.\n", len(convs))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip the confirmation prompt")
	return cmd
}
