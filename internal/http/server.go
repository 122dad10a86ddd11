// Package http provides the HTTP API for foundry.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/foundry/internal/pipeline"
	"github.com/fyrsmithlabs/foundry/internal/project"
	"github.com/fyrsmithlabs/foundry/internal/ratelimit"
	"github.com/fyrsmithlabs/foundry/internal/recovery"
	"github.com/fyrsmithlabs/foundry/internal/resilience"
	"github.com/fyrsmithlabs/foundry/internal/team"
	"github.com/fyrsmithlabs/foundry/internal/workspace"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ProjectCreator runs a project request to completion.
type ProjectCreator interface {
	CreateProject(ctx context.Context, req project.Request) *pipeline.ProjectResult
}

// Deps are the components the API reports on. Projects and Registry are
// required; the rest are optional and simply omitted from responses.
type Deps struct {
	Projects ProjectCreator
	Registry *project.Registry
	Limiter  *ratelimit.Limiter
	Manager  *ratelimit.Manager
	Breakers *resilience.Breakers
	Catalog  team.CatalogSource
	Events   Subscriber

	// Fs and BaseDir locate workspace error logs. Requests for workspaces
	// outside BaseDir are rejected.
	Fs      afero.Fs
	BaseDir string
}

// Server provides HTTP endpoints for foundry.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *zap.Logger
	config  *Config
	version string
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Projects == nil {
		return nil, fmt.Errorf("project creator cannot be nil")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("project registry cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8420,
		}
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger,
		config:  cfg,
		version: cfg.Version,
	}

	s.registerRoutes()

	return s, nil
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/project-types", s.handleProjectTypes)
	v1.POST("/projects", s.handleCreateProject)
	v1.GET("/projects", s.handleListProjects)
	v1.GET("/projects/:id", s.handleGetProject)
	v1.GET("/projects/:id/errors", s.handleProjectErrors)
	v1.GET("/projects/:id/events", s.handleProjectEvents)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.status())
}

func (s *Server) handleProjectTypes(c echo.Context) error {
	if s.deps.Catalog == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no catalog configured")
	}
	return c.JSON(http.StatusOK, ProjectTypesResponse{Types: s.deps.Catalog.Current().ProjectTypes()})
}

// handleCreateProject runs the pipeline synchronously. A failed project is
// still a 200: the failure is part of the result body.
func (s *Server) handleCreateProject(c echo.Context) error {
	var req project.Request
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid project request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	res := s.deps.Projects.CreateProject(c.Request().Context(), req)
	s.logger.Debug("project finished",
		zap.String("project_id", res.ProjectID),
		zap.Bool("success", res.Success),
	)
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleListProjects(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Registry.List())
}

func (s *Server) handleGetProject(c echo.Context) error {
	st, err := s.deps.Registry.Get(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

// handleProjectErrors returns the persisted error history of a project's
// workspace. The workspace comes from the registry unless given explicitly.
func (s *Server) handleProjectErrors(c echo.Context) error {
	id := c.Param("id")
	dir := c.QueryParam("workspace")
	if dir == "" {
		st, err := s.deps.Registry.Get(id)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		if st.WorkspacePath == "" {
			return echo.NewHTTPError(http.StatusNotFound, "project has no workspace")
		}
		dir = st.WorkspacePath
	}
	if !workspace.Within(s.deps.BaseDir, dir) {
		return echo.NewHTTPError(http.StatusBadRequest, "workspace is outside the base directory")
	}

	records, err := recovery.LoadHistory(s.deps.Fs, dir)
	if err != nil {
		s.logger.Warn("reading error history", zap.String("workspace", dir), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not read error history")
	}
	if records == nil {
		records = []recovery.Record{}
	}
	return c.JSON(http.StatusOK, ErrorsResponse{ProjectID: id, Workspace: dir, Errors: records})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
