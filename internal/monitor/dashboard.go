// Package monitor is a terminal dashboard over a running foundry API server:
// provider rate windows, breaker states, in-flight requests and projects.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	api "github.com/fyrsmithlabs/foundry/internal/http"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	maxProjectRows  = 5
)

// Model represents the BubbleTea dashboard model
type Model struct {
	baseURL    string
	interval   time.Duration
	client     *StatusClient
	now        func() time.Time
	lastUpdate time.Time
	status     api.StatusResponse
	err        error
	quitting   bool

	inFlightHistory []float64
	activeHistory   []float64

	windowProgress progress.Model
	permitProgress progress.Model
}

// k9s-inspired color scheme
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard polling the API server at baseURL.
func NewModel(baseURL string, interval time.Duration) Model {
	return Model{
		baseURL:         baseURL,
		interval:        interval,
		client:          NewStatusClient(baseURL),
		now:             time.Now,
		inFlightHistory: make([]float64, 0, historySize),
		activeHistory:   make([]float64, 0, historySize),
		windowProgress: progress.New(
			progress.WithGradient("#00ff00", "#ff0000"),
			progress.WithWidth(30),
			progress.WithoutPercentage(),
		),
		permitProgress: progress.New(
			progress.WithGradient("#00ffff", "#ff00ff"),
			progress.WithWidth(30),
			progress.WithoutPercentage(),
		),
	}
}

// breakerBadge renders a breaker state.
func breakerBadge(state string) string {
	switch state {
	case "closed":
		return healthyStyle.Render("[✓ closed]")
	case "half_open":
		return warningStyle.Render("[⚠ half-open]")
	default:
		return errorStyle.Render("[✗ " + state + "]")
	}
}

func statusBadge(status string) string {
	if status == "ok" {
		return healthyStyle.Render("✓ HEALTHY")
	}
	return warningStyle.Render("⚠ DEGRADED")
}

func projectBadge(done, success bool) string {
	switch {
	case !done:
		return warningStyle.Render("…")
	case success:
		return healthyStyle.Render("✓")
	default:
		return errorStyle.Render("✗")
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

func ratio(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	r := float64(n) / float64(d)
	if r > 1 {
		r = 1
	}
	return r
}

type tickMsg time.Time
type statusMsg api.StatusResponse
type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchStatus(m.client),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchStatus(client *StatusClient) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		status, err := client.Status(ctx)
		if err != nil {
			return errMsg(err)
		}
		return statusMsg(status)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchStatus(m.client)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchStatus(m.client),
		)

	case statusMsg:
		m.status = api.StatusResponse(msg)
		m.inFlightHistory = appendToHistory(m.inFlightHistory, float64(m.status.InFlight))
		m.activeHistory = appendToHistory(m.activeHistory, float64(m.status.ActiveProjects))
		m.lastUpdate = m.now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" foundry Monitor ") + "\n\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach the foundry API server") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.baseURL) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(dimStyle.Render("Start it with: foundry serve") + "\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry") + "\n")
	return containerStyle.Render(b.String())
}

func (m Model) renderDashboard() string {
	var b strings.Builder

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	header := headerStyle.Render(" foundry Monitor ")
	badge := dimStyle.Render("waiting for data")
	if m.status.Status != "" {
		badge = statusBadge(m.status.Status)
	}
	b.WriteString(header + "\n")
	fmt.Fprintf(&b, "%s   %s   %s\n", badge, dimStyle.Render(m.status.Version), dimStyle.Render(lastUpdateStr))

	b.WriteString("\n" + sectionStyle.Render("┃ Providers") + "\n")
	breakers := make(map[string]string, len(m.status.Breakers))
	for _, br := range m.status.Breakers {
		breakers[br.Provider] = br.State
	}
	if len(m.status.Providers) == 0 {
		b.WriteString(dimStyle.Render("  no provider traffic yet") + "\n")
	}
	for _, p := range m.status.Providers {
		state, ok := breakers[p.Provider]
		if !ok {
			state = "closed"
		}
		b.WriteString(labelStyle.Render(fmt.Sprintf("  %-12s ", p.Provider)) +
			m.windowProgress.ViewAs(ratio(p.InWindow, p.Limit)) + " " +
			valueStyle.Render(FormatWindow(p.InWindow, p.Limit)) + " " +
			dimStyle.Render("wait "+FormatWait(p.WaitFor)) + " " +
			breakerBadge(state) + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Concurrency") + "\n")
	b.WriteString(labelStyle.Render("  In flight: ") +
		m.permitProgress.ViewAs(ratio(m.status.InFlight, m.status.MaxConcurrent)) + " " +
		valueStyle.Render(FormatWindow(m.status.InFlight, m.status.MaxConcurrent)) + "\n")
	b.WriteString("  " + createSparkline(m.inFlightHistory) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Projects") + "\n")
	b.WriteString(labelStyle.Render("  Active: ") + valueStyle.Render(fmt.Sprintf("%d", m.status.ActiveProjects)) +
		"   " + createSparkline(m.activeHistory) + "\n")
	rows := m.status.Projects
	if len(rows) > maxProjectRows {
		rows = rows[:maxProjectRows]
	}
	for _, p := range rows {
		age := int64(m.now().Sub(p.StartedAt).Seconds())
		fmt.Fprintf(&b, "  %s %s %s %s\n",
			projectBadge(p.Done, p.Success),
			valueStyle.Render(p.ID),
			labelStyle.Render(p.Phase),
			dimStyle.Render(FormatDuration(age)))
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}
