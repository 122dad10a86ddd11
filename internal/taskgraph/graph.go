// Package taskgraph validates work-unit dependency graphs and orders them
// into waves that can run concurrently.
package taskgraph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/foundry/internal/project"
	"github.com/fyrsmithlabs/foundry/internal/recovery"
)

// Graph validation errors. All of them classify as invalid configuration.
var (
	ErrEmptyGraph        = errors.New("task graph is empty")
	ErrDuplicateUnit     = errors.New("duplicate work unit id")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrForwardDependency = errors.New("dependency on a later work unit")
	ErrCycle             = errors.New("dependency cycle")
	ErrUnknownWorker     = errors.New("work unit assigned to unknown worker")
	ErrMissingUnitID     = errors.New("work unit has no id")
)

// GraphError carries the offending unit alongside the sentinel.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

// ErrorKind implements recovery.Kinded.
func (e *GraphError) ErrorKind() recovery.Kind { return recovery.KindInvalidConfiguration }

func graphErr(kind error, format string, args ...any) error {
	return &GraphError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Validate checks that units form a non-empty DAG in which every unit
// depends only on units declared before it. When team is non-nil every unit
// must be assigned to one of its roles.
func Validate(units []project.WorkUnit, team []project.Worker) error {
	if len(units) == 0 {
		return &GraphError{Kind: ErrEmptyGraph}
	}

	var roles map[string]bool
	if team != nil {
		roles = make(map[string]bool, len(team))
		for _, w := range team {
			roles[w.Role] = true
		}
	}

	index := make(map[string]int, len(units))
	for i, u := range units {
		if u.ID == "" {
			return graphErr(ErrMissingUnitID, "position %d", i)
		}
		if _, dup := index[u.ID]; dup {
			return graphErr(ErrDuplicateUnit, "%s", u.ID)
		}
		if roles != nil && !roles[u.Worker] {
			return graphErr(ErrUnknownWorker, "%s -> %s", u.ID, u.Worker)
		}
		index[u.ID] = i
	}

	for _, u := range units {
		for _, dep := range u.DependsOn {
			if _, ok := index[dep]; !ok {
				return graphErr(ErrUnknownDependency, "%s -> %s", u.ID, dep)
			}
		}
	}

	if path := findCycle(units, index); path != nil {
		return graphErr(ErrCycle, "%s", strings.Join(path, " -> "))
	}

	for i, u := range units {
		for _, dep := range u.DependsOn {
			if index[dep] >= i {
				return graphErr(ErrForwardDependency, "%s -> %s", u.ID, dep)
			}
		}
	}
	return nil
}

// findCycle returns one cycle as a path of ids, or nil.
func findCycle(units []project.WorkUnit, index map[string]int) []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(units))
	var stack []int
	var cycle []string

	var visit func(i int) bool
	visit = func(i int) bool {
		color[i] = gray
		stack = append(stack, i)
		for _, dep := range units[i].DependsOn {
			j := index[dep]
			switch color[j] {
			case white:
				if visit(j) {
					return true
				}
			case gray:
				start := len(stack) - 1
				for stack[start] != j {
					start--
				}
				for _, k := range stack[start:] {
					cycle = append(cycle, units[k].ID)
				}
				cycle = append(cycle, units[j].ID)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		return false
	}

	for i := range units {
		if color[i] == white && visit(i) {
			return cycle
		}
	}
	return nil
}

// Waves groups a valid graph into layers: every unit's dependencies sit in
// earlier waves. Units keep their declaration order within a wave.
func Waves(units []project.WorkUnit) ([][]project.WorkUnit, error) {
	if err := Validate(units, nil); err != nil {
		return nil, err
	}

	depth := make(map[string]int, len(units))
	maxDepth := 0
	for _, u := range units {
		d := 0
		for _, dep := range u.DependsOn {
			d = max(d, depth[dep]+1)
		}
		depth[u.ID] = d
		maxDepth = max(maxDepth, d)
	}

	waves := make([][]project.WorkUnit, maxDepth+1)
	for _, u := range units {
		waves[depth[u.ID]] = append(waves[depth[u.ID]], u)
	}
	return waves, nil
}
