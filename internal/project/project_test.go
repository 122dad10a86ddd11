package project

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{"valid", Request{Type: "api_service", Description: "basic crud api"}, nil},
		{"missing type", Request{Description: "x"}, ErrEmptyProjectType},
		{"blank description", Request{Type: "cli_tool", Description: "  "}, ErrEmptyDescription},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewID(t *testing.T) {
	now := time.Unix(1700000000, 0)
	assert.Equal(t, "web_applic_1700000000", NewID("web_application", now))
	assert.Equal(t, "cli_tool_1700000000", NewID("cli_tool", now))
	assert.Equal(t, "custom_1700000000", NewID("", now))
	assert.Equal(t, "x_1700000000", NewID("../../../x", now))
	assert.Equal(t, "custom_1700000000", NewID("/..", now))
	assert.Equal(t, "caf__servi_1700000000", NewID("Café Service", now))
}

func TestSlug(t *testing.T) {
	tests := []struct{ in, want string }{
		{"web_application", "web_application"},
		{"API Service", "api_service"},
		{"../etc/passwd", "etc_passwd"},
		{`..\\windows`, "windows"},
		{"日本語", ""},
		{"ml-pipeline v2", "ml-pipeline_v2"},
		{"  trailing space ", "trailing_space"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := Slug(tt.in)
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, "/")
			assert.NotContains(t, got, "..")
		})
	}
}

func TestRegistry_ClaimIsUnique(t *testing.T) {
	r := NewRegistry()

	const n = 20
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- r.Claim("web_applic_1700000000", "web_application")
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.True(t, seen["web_applic_1700000000"])
	assert.True(t, seen["web_applic_1700000000_2"])
	assert.Equal(t, n, r.Active())
}

func TestExecutionResult_Completed(t *testing.T) {
	var nilResult *ExecutionResult
	assert.Equal(t, 0, nilResult.Completed())

	r := &ExecutionResult{Units: []UnitResult{{Success: true}, {Success: false}, {Success: true}}}
	assert.Equal(t, 2, r.Completed())
}

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry()
	clock := time.Unix(100, 0)
	r.now = func() time.Time { return clock }

	r.Claim("a_1", "api_service")
	clock = clock.Add(time.Second)
	r.Claim("b_2", "cli_tool")

	r.SetPhase("a_1", "executing")
	r.SetWorkspace("a_1", "/ws/a_1_x")
	assert.Equal(t, 2, r.Active())

	r.Finish("a_1", true, "")
	s, err := r.Get("a_1")
	require.NoError(t, err)
	assert.Equal(t, "executing", s.Phase)
	assert.Equal(t, "/ws/a_1_x", s.WorkspacePath)
	assert.True(t, s.Done)
	assert.True(t, s.Success)
	assert.Equal(t, 1, r.Active())

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b_2", list[0].ID)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	r.SetPhase("missing", "executing")
	assert.Len(t, r.List(), 2)
}
