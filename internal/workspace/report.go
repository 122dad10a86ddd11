package workspace

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/foundry/internal/project"
	"github.com/spf13/afero"
)

// ReportInput is everything rendered into PROJECT_REPORT.md.
type ReportInput struct {
	ProjectID   string
	Request     project.Request
	Plan        project.Plan
	Team        []project.Worker
	Execution   *project.ExecutionResult
	Quality     project.QualityReport
	GeneratedAt time.Time
}

// WriteReport renders the project report at the workspace root.
func WriteReport(w *Workspace, in ReportInput) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# Project Report: %s\n\n", in.ProjectID)
	fmt.Fprintf(&b, "- **Type:** %s\n", in.Request.Type)
	fmt.Fprintf(&b, "- **Generated:** %s\n", in.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Complexity:** %s\n", in.Plan.Complexity)
	fmt.Fprintf(&b, "- **Quality score:** %d/100\n\n", in.Quality.Score)

	b.WriteString("## Description\n\n")
	b.WriteString(in.Request.Description)
	b.WriteString("\n\n")

	if len(in.Request.CustomRequirements) > 0 {
		b.WriteString("## Requirements\n\n")
		for _, r := range in.Request.CustomRequirements {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}

	if len(in.Team) > 0 {
		b.WriteString("## Team\n\n")
		for _, wk := range in.Team {
			fmt.Fprintf(&b, "- %s (`%s`, %s)\n", wk.Title, wk.Role, wk.ModelPreference)
		}
		b.WriteString("\n")
	}

	if in.Execution != nil {
		b.WriteString("## Execution\n\n")
		fmt.Fprintf(&b, "%d of %d work units completed in %s.\n\n",
			in.Execution.Completed(), len(in.Execution.Units), in.Execution.Elapsed.Round(time.Second))
		for _, u := range in.Execution.Units {
			status := "ok"
			if !u.Success {
				status = "failed: " + u.Error
			}
			fmt.Fprintf(&b, "- `%s` (%s): %s\n", u.UnitID, u.Worker, status)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Quality\n\n")
	b.WriteString(in.Quality.Summary)
	b.WriteString("\n\n")
	categories := make([]string, 0, len(in.Quality.FileCounts))
	for c := range in.Quality.FileCounts {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		fmt.Fprintf(&b, "- %s: %d\n", c, in.Quality.FileCounts[c])
	}
	b.WriteString("\n")

	if len(in.Plan.QualityGates) > 0 {
		b.WriteString("### Quality gates\n\n")
		for _, g := range in.Plan.QualityGates {
			fmt.Fprintf(&b, "- [ ] %s\n", g)
		}
		b.WriteString("\n")
	}

	if len(in.Quality.SecretFindings) > 0 {
		b.WriteString("## Secret findings\n\n")
		for _, f := range in.Quality.SecretFindings {
			fmt.Fprintf(&b, "- %s:%d (%s)\n", f.File, f.Line, f.RuleID)
		}
		b.WriteString("\n")
	}

	if len(in.Plan.RiskFactors) > 0 {
		b.WriteString("## Risks\n\n")
		for _, r := range in.Plan.RiskFactors {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}

	return afero.WriteFile(w.fs, w.Path(ReportFile), []byte(b.String()), 0o644)
}
