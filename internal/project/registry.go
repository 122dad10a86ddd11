package project

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrProjectNotFound is returned for ids the registry has never seen.
var ErrProjectNotFound = errors.New("project not found")

// Status is the live view of a project build.
type Status struct {
	ID            string    `json:"project_id"`
	Type          string    `json:"project_type"`
	Phase         string    `json:"phase"`
	WorkspacePath string    `json:"workspace_path,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Done          bool      `json:"done"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
}

// Registry tracks builds in this process, in memory.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]*Status
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		projects: make(map[string]*Status),
		now:      time.Now,
	}
}

// Claim tracks a new build under id, or under the first free "<id>_<n>"
// (n from 2) when id is already tracked, and returns the id used.
func (r *Registry) Claim(id, projectType string) string {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	claimed := id
	for n := 2; ; n++ {
		if _, taken := r.projects[claimed]; !taken {
			break
		}
		claimed = fmt.Sprintf("%s_%d", id, n)
	}
	r.projects[claimed] = &Status{
		ID:        claimed,
		Type:      projectType,
		Phase:     "requested",
		StartedAt: now,
		UpdatedAt: now,
	}
	return claimed
}

func (r *Registry) update(id string, fn func(*Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.projects[id]; ok {
		fn(s)
		s.UpdatedAt = r.now()
	}
}

// SetPhase records the phase a build entered.
func (r *Registry) SetPhase(id, phase string) {
	r.update(id, func(s *Status) { s.Phase = phase })
}

// SetWorkspace records the workspace path once it is known.
func (r *Registry) SetWorkspace(id, path string) {
	r.update(id, func(s *Status) { s.WorkspacePath = path })
}

// Finish marks a build done.
func (r *Registry) Finish(id string, success bool, errMsg string) {
	r.update(id, func(s *Status) {
		s.Done = true
		s.Success = success
		s.Error = errMsg
	})
}

// Get returns a copy of a build's status.
func (r *Registry) Get(id string) (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.projects[id]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	return *s, nil
}

// List returns all builds, most recently started first.
func (r *Registry) List() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.projects))
	for _, s := range r.projects {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Active counts builds not yet done.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.projects {
		if !s.Done {
			n++
		}
	}
	return n
}
