package monitor

import (
	"fmt"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	api "github.com/fyrsmithlabs/foundry/internal/http"
	"github.com/fyrsmithlabs/foundry/internal/project"
	"github.com/fyrsmithlabs/foundry/internal/ratelimit"
	"github.com/fyrsmithlabs/foundry/internal/resilience"
	"github.com/stretchr/testify/assert"
)

var fixedNow = time.Date(2026, 3, 14, 12, 34, 56, 0, time.UTC)

func newTestModel() Model {
	m := NewModel("http://localhost:8420", 5*time.Second)
	m.now = func() time.Time { return fixedNow }
	return m
}

func sampleStatus() api.StatusResponse {
	return api.StatusResponse{
		Status:  "degraded",
		Version: "v0.3.0",
		Providers: []ratelimit.ProviderWindow{
			{Provider: "openrouter", Limit: 50, InWindow: 12, Available: 38},
			{Provider: "anthropic", Limit: 10, InWindow: 10, WaitFor: 12500 * time.Millisecond},
		},
		Breakers: []resilience.BreakerStatus{
			{Provider: "anthropic", State: "open", Failures: 5},
		},
		InFlight:       2,
		MaxConcurrent:  5,
		ActiveProjects: 1,
		Projects: []project.Status{
			{ID: "web_applic_1", Phase: "executing", StartedAt: fixedNow.Add(-5 * time.Minute)},
			{ID: "cli_tool_2", Phase: "completed", Done: true, Success: true, StartedAt: fixedNow.Add(-2 * time.Hour)},
		},
	}
}

func TestNewModel(t *testing.T) {
	model := NewModel("http://localhost:8420", 5*time.Second)
	assert.Equal(t, "http://localhost:8420", model.baseURL)
	assert.Equal(t, 5*time.Second, model.interval)
	assert.NotNil(t, model.client)
	assert.False(t, model.quitting)
}

func TestModel_Init(t *testing.T) {
	assert.NotNil(t, newTestModel().Init())
}

func TestModel_Update_QuitKey(t *testing.T) {
	updated, cmd := newTestModel().Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})

	m := updated.(Model)
	assert.True(t, m.quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, m.View())
}

func TestModel_Update_RefreshKey(t *testing.T) {
	updated, cmd := newTestModel().Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})

	assert.False(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
}

func TestModel_Update_TickMsg(t *testing.T) {
	updated, cmd := newTestModel().Update(tickMsg(fixedNow))

	assert.False(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
}

func TestModel_Update_StatusMsg(t *testing.T) {
	model := newTestModel()
	model.err = fmt.Errorf("stale")

	updated, cmd := model.Update(statusMsg(sampleStatus()))

	m := updated.(Model)
	assert.Nil(t, cmd)
	assert.NoError(t, m.err)
	assert.Equal(t, fixedNow, m.lastUpdate)
	assert.Equal(t, []float64{2}, m.inFlightHistory)
	assert.Equal(t, []float64{1}, m.activeHistory)
}

func TestModel_History_IsBounded(t *testing.T) {
	var m tea.Model = newTestModel()
	for i := 0; i < historySize+5; i++ {
		s := sampleStatus()
		s.InFlight = i
		m, _ = m.Update(statusMsg(s))
	}

	got := m.(Model).inFlightHistory
	assert.Len(t, got, historySize)
	assert.Equal(t, float64(historySize+4), got[len(got)-1])
}

func TestModel_Update_ErrMsg(t *testing.T) {
	updated, cmd := newTestModel().Update(errMsg(fmt.Errorf("connection refused")))

	m := updated.(Model)
	assert.Nil(t, cmd)
	assert.Contains(t, m.err.Error(), "connection refused")
}

func TestModel_View_WithStatus(t *testing.T) {
	updated, _ := newTestModel().Update(statusMsg(sampleStatus()))

	view := updated.(Model).View()

	assert.Contains(t, view, "foundry Monitor")
	assert.Contains(t, view, "DEGRADED")
	assert.Contains(t, view, "v0.3.0")
	assert.Contains(t, view, "12:34:56")
	assert.Contains(t, view, "openrouter")
	assert.Contains(t, view, "12/50")
	assert.Contains(t, view, "wait 12.5s")
	assert.Contains(t, view, "open]")
	assert.Contains(t, view, "2/5")
	assert.Contains(t, view, "web_applic_1")
	assert.Contains(t, view, "executing")
	assert.Contains(t, view, "2h 0m")
	assert.Contains(t, view, "[q]")
	assert.Contains(t, view, "[r]")
}

func TestModel_View_WithError(t *testing.T) {
	model := newTestModel()
	model.err = fmt.Errorf("connection refused")

	view := model.View()

	assert.Contains(t, view, "Cannot reach the foundry API server")
	assert.Contains(t, view, "connection refused")
	assert.Contains(t, view, "http://localhost:8420")
	assert.Contains(t, view, "[r] retry")
}

func TestModel_View_NoData(t *testing.T) {
	view := newTestModel().View()

	assert.Contains(t, view, "foundry Monitor")
	assert.Contains(t, view, "waiting for data")
	assert.Contains(t, view, "no provider traffic yet")
	assert.Contains(t, view, "no data")
}

func TestBreakerBadge(t *testing.T) {
	assert.Contains(t, breakerBadge("closed"), "closed")
	assert.Contains(t, breakerBadge("half_open"), "half-open")
	assert.Contains(t, breakerBadge("open"), "open")
}
