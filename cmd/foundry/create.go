package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fyrsmithlabs/foundry/internal/pipeline"
	"github.com/fyrsmithlabs/foundry/internal/project"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	createType         string
	createDescription  string
	createRequirements []string
	createJSON         bool
)

func init() {
	rootCmd.AddCommand(createCmd)

	createCmd.Flags().StringVar(&createType, "type", "", "project type (see 'foundry types')")
	createCmd.Flags().StringVar(&createDescription, "description", "", "what to build")
	createCmd.Flags().StringArrayVar(&createRequirements, "requirement", nil, "custom requirement (repeatable)")
	createCmd.Flags().BoolVar(&createJSON, "json", false, "print the result as JSON")
	_ = createCmd.MarkFlagRequired("type")
	_ = createCmd.MarkFlagRequired("description")
}

// createCmd runs one project through the pipeline in-process
var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a project",
	Long: `Run a project request through every pipeline phase: analysis, team
assembly, planning, execution and quality assessment.

Examples:
  foundry create --type api_service --description "orders REST API"
  foundry create --type web_application --description "shop" \
    --requirement "stripe payments" --requirement "ai recommendations" --json`,
	RunE: runCreate,
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	deps, err := initDependencies(ctx, true)
	if err != nil {
		return err
	}
	defer deps.Close()

	req := project.Request{
		Type:               createType,
		Description:        createDescription,
		CustomRequirements: createRequirements,
	}
	res := deps.pipeline.CreateProject(ctx, req)
	deps.logger.Underlying().Info("project finished",
		zap.String("project_id", res.ProjectID),
		zap.Bool("success", res.Success))

	out := cmd.OutOrStdout()
	if createJSON {
		if err := printJSON(out, res); err != nil {
			return err
		}
	} else {
		renderResult(out, res)
	}
	if !res.Success {
		return fmt.Errorf("project %s failed in %s: %s", res.ProjectID, res.FailedPhase, res.Error)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderResult prints a project result as a summary table followed by the
// phase timeline.
func renderResult(w io.Writer, res *pipeline.ProjectResult) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle("Project " + res.ProjectID)
	tw.AppendRow(table.Row{"Success", res.Success})
	if res.Success {
		tw.AppendRow(table.Row{"Workspace", res.WorkspacePath})
	} else {
		tw.AppendRow(table.Row{"Failed phase", res.FailedPhase})
		tw.AppendRow(table.Row{"Error", res.Error})
		tw.AppendRow(table.Row{"Error kind", res.ErrorKind})
		if res.PartialWorkspacePath != "" {
			tw.AppendRow(table.Row{"Partial workspace", res.PartialWorkspacePath})
		}
	}
	tw.AppendRow(table.Row{"Workers", res.WorkersUsed})
	tw.AppendRow(table.Row{"Tasks completed", res.TasksCompleted})
	tw.AppendRow(table.Row{"Time", fmt.Sprintf("%.1fs", res.ExecutionTimeSeconds)})
	if res.Plan != nil {
		tw.AppendRow(table.Row{"Complexity", res.Plan.Complexity})
		if len(res.Plan.RiskFactors) > 0 {
			tw.AppendRow(table.Row{"Risks", strings.Join(res.Plan.RiskFactors, "\n")})
		}
	}
	if res.QualityReport != nil {
		tw.AppendRow(table.Row{"Quality", fmt.Sprintf("%d/100", res.QualityReport.Score)})
		tw.AppendRow(table.Row{"Files", res.QualityReport.TotalFiles})
		if n := len(res.QualityReport.SecretFindings); n > 0 {
			tw.AppendRow(table.Row{"Secret findings", n})
		}
	}
	if res.Summary != "" {
		tw.AppendRow(table.Row{"Summary", res.Summary})
	}
	tw.Render()

	if len(res.Phases) == 0 {
		return
	}
	pt := table.NewWriter()
	pt.SetOutputMirror(w)
	pt.AppendHeader(table.Row{"Phase", "Status", "Duration", "Error"})
	for _, p := range res.Phases {
		dur := ""
		if !p.CompletedAt.IsZero() {
			dur = p.CompletedAt.Sub(p.StartedAt).Round(10 * time.Millisecond).String()
		}
		pt.AppendRow(table.Row{p.Phase, p.Status, dur, p.Error})
	}
	pt.Render()
}
