// Package main implements the foundry CLI: it creates projects through the
// pipeline, serves the HTTP and MCP surfaces, and inspects usage, error logs
// and recovery guidance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// configPath is the optional YAML configuration file.
	configPath string
	// serverURL is the base URL of a running foundry API server.
	serverURL string

	// Build information, set via ldflags.
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foundry",
	Short: "Assemble agent teams and build projects from a description",
	Long: `foundry turns a project request into a team of specialist workers,
plans a dependency graph of work units, executes it under shared rate limits
and circuit breakers, and scores the resulting workspace.

Examples:
  # Build a project
  foundry create --type api_service --description "orders REST API"

  # Serve the HTTP API and watch it
  foundry serve
  foundry watch`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8420", "foundry API server URL")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd)
	},
}

// printVersion prints version information
func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "foundry %s\n", version)
	fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(out, "Built:      %s\n", buildDate)
	fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
}
