package http

import (
	"github.com/fyrsmithlabs/foundry/internal/ratelimit"
	"github.com/fyrsmithlabs/foundry/internal/resilience"
)

// maxListedProjects bounds the project list embedded in status responses.
const maxListedProjects = 20

// status assembles a point-in-time view of limiter windows, breaker states,
// in-flight permits and tracked projects. The API is degraded while any
// breaker is not closed.
func (s *Server) status() StatusResponse {
	resp := StatusResponse{
		Status:    "ok",
		Version:   s.version,
		Providers: []ratelimit.ProviderWindow{},
		Breakers:  []resilience.BreakerStatus{},
	}

	if s.deps.Limiter != nil {
		resp.Providers = s.deps.Limiter.Snapshot()
	}
	if s.deps.Breakers != nil {
		resp.Breakers = s.deps.Breakers.Snapshot()
		for _, b := range resp.Breakers {
			if b.State != resilience.StateClosed.String() {
				resp.Status = "degraded"
			}
		}
	}
	if s.deps.Manager != nil {
		resp.InFlight = s.deps.Manager.InFlight()
		resp.MaxConcurrent = s.deps.Manager.Max()
	}

	projects := s.deps.Registry.List()
	if len(projects) > maxListedProjects {
		projects = projects[:maxListedProjects]
	}
	resp.Projects = projects
	resp.ActiveProjects = s.deps.Registry.Active()
	return resp
}
