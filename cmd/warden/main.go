// Package main is the warden CLI: an LLM agent host that gives every
// conversation its own lazily-provisioned Linux container.
//
// Start the agent:
//
//	warden serve --config warden.yaml
//
// Run a one-shot local prompt without the relay:
//
//	warden prompt "list the files in /mnt"
//
// Environment variables:
//
//   - WARDEN_CONFIG: path to the configuration file
//   - WARDEN_RUNTIME_DIR: overrides the runtime directory
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: provider credentials
//
// A .env file in the working directory is loaded before anything else.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Best effort; a missing .env is the normal case.
	_ = godotenv.Load()

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Warden - LLM agent host with per-conversation containers",
		Long: `Warden hosts an LLM-driven agent that receives prompts over a relay
channel and lets the model run tools, including a stateful bash shell
inside a per-conversation Linux container.

The container is created on the first shell command of a conversation,
not before, and is stopped (never removed) when idle.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildResetCmd(),
		buildPromptCmd(),
	)
	return rootCmd
}

// resolveConfigPath prefers the flag, then WARDEN_CONFIG. Empty means the
// built-in defaults.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv("WARDEN_CONFIG")
}
