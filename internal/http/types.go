package http

import (
	"github.com/fyrsmithlabs/foundry/internal/project"
	"github.com/fyrsmithlabs/foundry/internal/ratelimit"
	"github.com/fyrsmithlabs/foundry/internal/recovery"
	"github.com/fyrsmithlabs/foundry/internal/resilience"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status         string                     `json:"status"` // "ok" or "degraded"
	Version        string                     `json:"version,omitempty"`
	Providers      []ratelimit.ProviderWindow `json:"providers"`
	Breakers       []resilience.BreakerStatus `json:"breakers"`
	InFlight       int                        `json:"in_flight"`
	MaxConcurrent  int                        `json:"max_concurrent"`
	ActiveProjects int                        `json:"active_projects"`
	Projects       []project.Status           `json:"projects"`
}

// ErrorsResponse is the response body for GET /api/v1/projects/:id/errors.
type ErrorsResponse struct {
	ProjectID string            `json:"project_id"`
	Workspace string            `json:"workspace"`
	Errors    []recovery.Record `json:"errors"`
}

// ProjectTypesResponse is the response body for GET /api/v1/project-types.
type ProjectTypesResponse struct {
	Types []string `json:"types"`
}
