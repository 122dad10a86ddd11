// Package project holds the data that flows through one project build:
// the request, its plan, the team, the work graph and the results.
package project

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Request validation errors.
var (
	ErrEmptyProjectType = errors.New("project type cannot be empty")
	ErrEmptyDescription = errors.New("project description cannot be empty")
)

// Request is an immutable build request.
type Request struct {
	Type               string   `json:"project_type"`
	Description        string   `json:"description"`
	CustomRequirements []string `json:"custom_requirements,omitempty"`
}

// Validate checks required fields.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Type) == "" {
		return ErrEmptyProjectType
	}
	if strings.TrimSpace(r.Description) == "" {
		return ErrEmptyDescription
	}
	return nil
}

// NewID returns "<type[:10]>_<unix seconds>". The type is reduced to
// lowercase [a-z0-9_-] first so the id is always a safe path component.
func NewID(projectType string, now time.Time) string {
	slug := Slug(projectType)
	if slug == "" {
		slug = "custom"
	}
	if len(slug) > 10 {
		slug = slug[:10]
	}
	return fmt.Sprintf("%s_%d", slug, now.Unix())
}

// Slug lowercases s and replaces every rune outside [a-z0-9_-] with an
// underscore. Leading and trailing underscores and dashes are dropped.
func Slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_-")
}

// Complexity is the plan tier chosen during analysis.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityMedium   Complexity = "medium"
	ComplexityComplex  Complexity = "complex"
	ComplexityAdvanced Complexity = "advanced"
)

// Plan is produced once by analysis and read-only afterwards.
type Plan struct {
	Complexity               Complexity `json:"complexity"`
	EstimatedWorkers         int        `json:"estimated_workers"`
	EstimatedTasks           int        `json:"estimated_tasks"`
	EstimatedDurationMinutes int        `json:"estimated_duration_minutes"`
	RiskFactors              []string   `json:"risk_factors"`
	SuccessCriteria          []string   `json:"success_criteria"`
	QualityGates             []string   `json:"quality_gates"`
}

// ModelPreference steers which provider model a worker's units use.
type ModelPreference string

const (
	PreferReasoning ModelPreference = "reasoning"
	PreferCoding    ModelPreference = "coding"
	PreferBalanced  ModelPreference = "balanced"
)

// Worker is one team member built from the role catalog.
type Worker struct {
	Role            string          `json:"role"`
	Title           string          `json:"title"`
	Capabilities    []string        `json:"capabilities"`
	ModelPreference ModelPreference `json:"model_preference"`
	Description     string          `json:"description"`
}

// WorkUnit is one node of the task graph. DependsOn holds ids of units
// declared earlier in the graph.
type WorkUnit struct {
	ID             string   `json:"id"`
	Description    string   `json:"description"`
	ExpectedOutput string   `json:"expected_output"`
	Worker         string   `json:"worker"`
	DependsOn      []string `json:"depends_on,omitempty"`
}

// UnitResult is the outcome of one work unit.
type UnitResult struct {
	UnitID   string        `json:"unit_id"`
	Worker   string        `json:"worker"`
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Tokens   int           `json:"tokens,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
	Attempts int           `json:"attempts,omitempty"`
}

// ExecutionResult aggregates unit results.
type ExecutionResult struct {
	RawOutput string        `json:"raw_output"`
	Success   bool          `json:"success"`
	Elapsed   time.Duration `json:"elapsed"`
	Units     []UnitResult  `json:"units"`
}

// Completed counts successful units.
func (r *ExecutionResult) Completed() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, u := range r.Units {
		if u.Success {
			n++
		}
	}
	return n
}

// SecretFinding locates a credential found in generated output.
type SecretFinding struct {
	File   string `json:"file"`
	RuleID string `json:"rule_id"`
	Line   int    `json:"line"`
}

// QualityReport is derived from the workspace file set and never mutated.
type QualityReport struct {
	Score          int             `json:"score"`
	TotalFiles     int             `json:"files_generated"`
	FileCounts     map[string]int  `json:"file_counts"`
	Summary        string          `json:"summary"`
	SecretFindings []SecretFinding `json:"secret_findings,omitempty"`
}
