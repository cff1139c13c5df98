// Package main provides the CLI entry point for the Threadline messaging
// middleware.
//
// Threadline brokers WhatsApp conversations between organizations and their
// configured AI agents. Inbound messages arrive over the Cloud API webhook,
// an orchestration loop drives the agent protocol (chat completions,
// assistants, or agent-to-agent), and replies go back out over the Graph API.
//
// # Basic Usage
//
// Start the server:
//
//	threadline serve --config threadline.yaml
//
// # Environment Variables
//
//   - THREADLINE_CONFIG: Path to configuration file (default: threadline.yaml)
//   - WHATSAPP_ACCESS_TOKEN, OPENAI_API_KEY and friends can be referenced
//     from the config file with ${VAR} expansion. A .env file in the working
//     directory is loaded first.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// A local .env is optional; missing files are fine.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "threadline",
		Short: "Threadline - WhatsApp to AI agent middleware",
		Long: `Threadline brokers WhatsApp conversations with pluggable AI agent backends.

Supported agent protocols: OpenAI Chat Completions, OpenAI Assistants, A2A (JSON-RPC)
Agent tools: functions, MCP servers, HTTP endpoints, SQL queries`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}
