package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/warden/internal/config"
	"github.com/haasonsaas/warden/internal/runtime"
)

func buildStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configured models and local runtime state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			layout, err := runtime.NewLayout(cfg.Runtime.Dir)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Primary model:  %s\n", cfg.LLM.Model)
			fmt.Fprintf(out, "Backup model:   %s\n", cfg.LLM.BackupModel)
			fmt.Fprintf(out, "Provider:       %s\n", cfg.LLM.Provider)
			fmt.Fprintf(out, "Sandbox image:  %s\n", cfg.Sandbox.Image)
			fmt.Fprintf(out, "Runtime dir:    %s\n", layout.Root())

			convs, err := layout.ListConversations()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Conversations:  %d\n", len(convs))
			for _, id := range convs {
				fmt.Fprintf(out, "  - %s (container claude-agent-%s)\n", id, id)
			}

			fmt.Fprintf(out, "State file:     %s\n", describeStateFile(layout.StatePath()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func describeStateFile(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "absent"
		}
		return fmt.Sprintf("unreadable (%v)", err)
	}
	var state struct {
		Global        map[string]any            `json:"global"`
		Conversations map[string]map[string]any `json:"conversations"`
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Sprintf("corrupt (%v)", err)
	}
	return fmt.Sprintf("%d global buckets, %d conversation entries",
		len(state.Global), len(state.Conversations))
}
