package mcp

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/foundry/internal/pipeline"
	"github.com/fyrsmithlabs/foundry/internal/project"
	"github.com/fyrsmithlabs/foundry/internal/ratelimit"
	"github.com/fyrsmithlabs/foundry/internal/resilience"
	"github.com/fyrsmithlabs/foundry/internal/team"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ProjectCreator runs a project request to completion.
type ProjectCreator interface {
	CreateProject(ctx context.Context, req project.Request) *pipeline.ProjectResult
}

// Deps are the components behind the tools. Projects and Catalog are
// required.
type Deps struct {
	Projects ProjectCreator
	Catalog  team.CatalogSource
	Registry *project.Registry
	Limiter  *ratelimit.Limiter
	Manager  *ratelimit.Manager
	Breakers *resilience.Breakers

	// Fs and BaseDir locate workspace error logs.
	Fs      afero.Fs
	BaseDir string
}

// Server is an MCP server over the project pipeline.
type Server struct {
	mcp     *mcp.Server
	deps    Deps
	metrics *Metrics
	logger  *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "foundry")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger must not write to stdout, which carries the protocol.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "foundry",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server and registers its tools.
func NewServer(cfg *Config, deps Deps) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if deps.Projects == nil {
		return nil, fmt.Errorf("project creator is required")
	}
	if deps.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if deps.Registry == nil {
		deps.Registry = project.NewRegistry()
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		deps:    deps,
		metrics: NewMetrics(cfg.Logger),
		logger:  cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// MCPServer exposes the underlying SDK server, for in-process transports.
func (s *Server) MCPServer() *mcp.Server { return s.mcp }

// Run serves the stdio transport until ctx is done or the client leaves.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
