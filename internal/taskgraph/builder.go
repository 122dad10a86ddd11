package taskgraph

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/foundry/internal/project"
)

// Builder turns a team and a request into work units.
type Builder interface {
	Build(team []project.Worker, req project.Request, workspaceRoot string, plan project.Plan) ([]project.WorkUnit, error)
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(team []project.Worker, req project.Request, workspaceRoot string, plan project.Plan) ([]project.WorkUnit, error)

// Build implements Builder.
func (f BuilderFunc) Build(team []project.Worker, req project.Request, workspaceRoot string, plan project.Plan) ([]project.WorkUnit, error) {
	return f(team, req, workspaceRoot, plan)
}

// Unit ids produced by TemplateBuilder.
const (
	UnitBackend       = "backend"
	UnitDocumentation = "documentation"
	UnitDevOps        = "devops"
)

var (
	backendKeywords = []string{"backend", "developer", "engineer", "architect"}
	docsKeywords    = []string{"architect", "analyst"}
	devopsKeywords  = []string{"devops"}
)

// TemplateBuilder emits up to three units: a backend unit for the first
// implementation role, a documentation unit for the first architect or
// analyst when the team has more than one worker, and a devops unit for the
// first devops role. Both follow-up units depend on the backend unit and
// are only emitted when it is.
type TemplateBuilder struct{}

// Build implements Builder. The result is validated before it is returned.
func (TemplateBuilder) Build(team []project.Worker, req project.Request, workspaceRoot string, plan project.Plan) ([]project.WorkUnit, error) {
	var units []project.WorkUnit

	backend, ok := firstMatching(team, backendKeywords)
	if ok {
		units = append(units, project.WorkUnit{
			ID:             UnitBackend,
			Description:    backendDescription(req),
			ExpectedOutput: fmt.Sprintf("Backend source in %s", filepath.Join(workspaceRoot, "src")),
			Worker:         backend.Role,
		})

		if len(team) > 1 {
			if doc, ok := firstMatching(team, docsKeywords); ok {
				units = append(units, project.WorkUnit{
					ID:             UnitDocumentation,
					Description:    "Document the architecture, deployment and API of the backend.",
					ExpectedOutput: fmt.Sprintf("Documentation in %s", filepath.Join(workspaceRoot, "docs")),
					Worker:         doc.Role,
					DependsOn:      []string{UnitBackend},
				})
			}
		}

		if ops, ok := firstMatching(team, devopsKeywords); ok {
			units = append(units, project.WorkUnit{
				ID:             UnitDevOps,
				Description:    "Provide container, environment and deployment configuration for the backend.",
				ExpectedOutput: fmt.Sprintf("Deployment files in %s", filepath.Join(workspaceRoot, "config")),
				Worker:         ops.Role,
				DependsOn:      []string{UnitBackend},
			})
		}
	}

	if err := Validate(units, team); err != nil {
		return nil, err
	}
	return units, nil
}

func backendDescription(req project.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement the backend for: %s", req.Description)
	for _, r := range req.CustomRequirements {
		fmt.Fprintf(&b, "\n- %s", r)
	}
	return b.String()
}

// firstMatching returns the first worker whose title or role contains one
// of keywords.
func firstMatching(team []project.Worker, keywords []string) (project.Worker, bool) {
	for _, w := range team {
		haystack := strings.ToLower(w.Title + " " + w.Role)
		for _, k := range keywords {
			if strings.Contains(haystack, k) {
				return w, true
			}
		}
	}
	return project.Worker{}, false
}
