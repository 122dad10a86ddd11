package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fyrsmithlabs/foundry/internal/catalog"
	api "github.com/fyrsmithlabs/foundry/internal/http"
	"github.com/fyrsmithlabs/foundry/internal/mcp"
	"github.com/fyrsmithlabs/foundry/internal/monitor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchInterval time.Duration

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "refresh interval")
}

// serveCmd runs the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Serve the foundry HTTP API: project creation, status, error logs,
project event streams and Prometheus metrics.

Examples:
  foundry serve
  FOUNDRY_SERVER_PORT=9000 foundry serve --config foundry.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	deps, err := initDependencies(ctx, false)
	if err != nil {
		return err
	}
	defer deps.Close()
	logger := deps.logger.Underlying()

	apiDeps := api.Deps{
		Projects: deps.pipeline,
		Registry: deps.pipeline.Registry(),
		Limiter:  deps.limiter,
		Manager:  deps.manager,
		Breakers: deps.breakers,
		Catalog:  deps.catalog,
		Fs:       deps.fs,
		BaseDir:  deps.cfg.Workspace.BaseDir,
	}
	if deps.nats != nil {
		apiDeps.Events = deps.nats
	}
	srv, err := api.NewServer(apiDeps, logger.Named("http"), &api.Config{
		Host:    deps.cfg.Server.Host,
		Port:    deps.cfg.Server.Port,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	if deps.cfg.Catalog.Watch {
		go func() {
			if err := deps.catalog.Watch(ctx, nil); err != nil && !errors.Is(err, catalog.ErrNoOverride) {
				logger.Warn("catalog watch stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	logger.Info("foundry API listening",
		zap.String("host", deps.cfg.Server.Host),
		zap.Int("port", deps.cfg.Server.Port),
		zap.String("version", version))

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully", zap.Duration("timeout", deps.cfg.Server.ShutdownTimeout.Duration()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), deps.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}
	return nil
}

// mcpCmd serves the MCP tools over stdio
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio",
	Long: `Serve the foundry MCP tools over stdin/stdout for MCP clients.
Logs go to stderr; stdout carries the protocol.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		deps, err := initDependencies(ctx, true)
		if err != nil {
			return err
		}
		defer deps.Close()

		cfg := mcp.DefaultConfig()
		cfg.Version = version
		cfg.Logger = deps.logger.Underlying().Named("mcp")
		srv, err := mcp.NewServer(cfg, mcp.Deps{
			Projects: deps.pipeline,
			Catalog:  deps.catalog,
			Registry: deps.pipeline.Registry(),
			Limiter:  deps.limiter,
			Manager:  deps.manager,
			Breakers: deps.breakers,
			Fs:       deps.fs,
			BaseDir:  deps.cfg.Workspace.BaseDir,
		})
		if err != nil {
			return fmt.Errorf("failed to create MCP server: %w", err)
		}
		return srv.Run(ctx)
	},
}

// watchCmd opens the terminal dashboard against --server
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a running foundry API server",
	Long: `Open a terminal dashboard over a running foundry API server showing
provider rate windows, breaker states, concurrency and projects.

Examples:
  foundry watch
  foundry watch --server http://build-host:8420 --interval 5s`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := tea.NewProgram(monitor.NewModel(serverURL, watchInterval), tea.WithContext(cmd.Context()))
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return fmt.Errorf("dashboard failed: %w", err)
		}
		return nil
	},
}
