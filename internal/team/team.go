// Package team turns a project request into a list of workers using the
// role catalog.
package team

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/foundry/internal/catalog"
	"github.com/fyrsmithlabs/foundry/internal/project"
	"go.uber.org/zap"
)

// ErrNoWorkers is returned when no requested role exists in the catalog.
var ErrNoWorkers = errors.New("no workers assembled")

// Assembler builds a team for a project.
type Assembler interface {
	Assemble(ctx context.Context, projectType, description string, requirements []string) ([]project.Worker, error)
}

// CatalogSource returns the catalog to assemble from.
type CatalogSource interface {
	Current() *catalog.Catalog
}

// CatalogAssembler assembles teams from a catalog. Unknown roles are
// skipped with a warning.
type CatalogAssembler struct {
	source CatalogSource
	logger *zap.Logger
}

// NewCatalogAssembler returns an Assembler backed by source.
func NewCatalogAssembler(source CatalogSource, logger *zap.Logger) *CatalogAssembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogAssembler{source: source, logger: logger}
}

// Assemble implements Assembler.
func (a *CatalogAssembler) Assemble(ctx context.Context, projectType, description string, requirements []string) ([]project.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := a.source.Current()
	roles := c.TeamRoles(projectType, requirements)

	workers := make([]project.Worker, 0, len(roles))
	for _, name := range roles {
		role, ok := c.Role(name)
		if !ok {
			a.logger.Warn("unknown role, skipping",
				zap.String("role", name), zap.String("project_type", projectType))
			continue
		}
		workers = append(workers, project.Worker{
			Role:            name,
			Title:           role.Title,
			Capabilities:    append([]string(nil), role.Expertise...),
			ModelPreference: role.Preference(),
			Description:     role.Description,
		})
	}

	if len(workers) == 0 {
		return nil, ErrNoWorkers
	}
	a.logger.Debug("team assembled",
		zap.String("project_type", projectType), zap.Int("workers", len(workers)))
	return workers, nil
}

// Static is a fixed catalog source.
type Static struct{ Catalog *catalog.Catalog }

// Current implements CatalogSource.
func (s Static) Current() *catalog.Catalog { return s.Catalog }
