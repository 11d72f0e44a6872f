// Sandboxd — multi-tenant Python code execution service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "Sandboxd — isolated Python code execution over MCP and REST.",
	Long: `Sandboxd runs untrusted Python code inside per-user Docker sandboxes.
It exposes the sandbox tool surface over MCP (SSE) for AI agents and over a
REST API for direct use, with account-scoped isolation, async package
installs, and published result files.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
