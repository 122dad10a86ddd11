package pipeline

import (
	"strings"

	"github.com/fyrsmithlabs/foundry/internal/project"
)

// complexityTiers are checked in order; the first tier with a matching
// keyword wins.
var complexityTiers = []struct {
	complexity project.Complexity
	keywords   []string
}{
	{project.ComplexitySimple, []string{"basic", "simple", "crud"}},
	{project.ComplexityMedium, []string{"authentication", "api", "database"}},
	{project.ComplexityComplex, []string{"microservices", "scalable"}},
	{project.ComplexityAdvanced, []string{"ai", "blockchain", "machine learning"}},
}

// minutesPerTask is the duration estimate per work unit by complexity.
var minutesPerTask = map[project.Complexity]int{
	project.ComplexitySimple:   2,
	project.ComplexityMedium:   5,
	project.ComplexityComplex:  10,
	project.ComplexityAdvanced: 15,
}

var riskKeywords = []struct {
	keyword string
	risk    string
}{
	{"blockchain", "Smart contract security"},
	{"ai", "Model performance"},
	{"real-time", "Performance and latency"},
}

// SuccessCriteria are attached to every plan.
var SuccessCriteria = []string{
	"All features implemented",
	"Code follows best practices",
	"Documentation provided",
	"Tests included",
	"Deployment ready",
}

// QualityGates are listed in every plan and report.
var QualityGates = []string{
	"Code syntax check",
	"Documentation completeness",
	"Security best practices",
	"Performance considerations",
}

// AssessComplexity matches the lowercase description and requirements
// against the complexity tiers. No match yields medium.
func AssessComplexity(description string, requirements []string) project.Complexity {
	text := strings.ToLower(description + " " + strings.Join(requirements, " "))
	for _, tier := range complexityTiers {
		for _, k := range tier.keywords {
			if strings.Contains(text, k) {
				return tier.complexity
			}
		}
	}
	return project.ComplexityMedium
}

// EstimateDuration returns minutes for tasks units of the given complexity.
func EstimateDuration(c project.Complexity, tasks int) int {
	m, ok := minutesPerTask[c]
	if !ok {
		m = minutesPerTask[project.ComplexityMedium]
	}
	return m * tasks
}

// RiskFactors matches the project type and requirements against known risks.
func RiskFactors(projectType string, requirements []string) []string {
	text := strings.ToLower(projectType + " " + strings.Join(requirements, " "))
	risks := []string{}
	for _, r := range riskKeywords {
		if strings.Contains(text, r.keyword) {
			risks = append(risks, r.risk)
		}
	}
	return risks
}

// Analyze builds the plan for req given the expected team and task counts.
func Analyze(req project.Request, workers, tasks int) project.Plan {
	c := AssessComplexity(req.Description, req.CustomRequirements)
	return project.Plan{
		Complexity:               c,
		EstimatedWorkers:         workers,
		EstimatedTasks:           tasks,
		EstimatedDurationMinutes: EstimateDuration(c, tasks),
		RiskFactors:              RiskFactors(req.Type, req.CustomRequirements),
		SuccessCriteria:          append([]string(nil), SuccessCriteria...),
		QualityGates:             append([]string(nil), QualityGates...),
	}
}
