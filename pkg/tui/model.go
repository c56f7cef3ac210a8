// Package tui is a compact status dashboard for a running jobtel agent:
// it polls /statsz and renders per-backend breaker state and
// per-source buffer depth.
//
// Grounded loosely on the teacher's internal/tui/model.go Model/Update/View
// shape (a bubbletea model driven by a refresh tick and an HTTP fetch
// command), trimmed to the two bubbletea/lipgloss dependencies this
// domain actually needs — the teacher's dashboard also pulls in
// charmbracelet/bubbles and mistakenelf/teacup for queue tables and
// help screens that have no analogue here, so those are not carried
// over.
package tui

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/coredump-systems/jobtel/internal/admin"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

type statsMsg struct {
	stats admin.StatsResult
	err   error
}

type tickMsg time.Time

// Model is the bubbletea model driving the dashboard.
type Model struct {
	client       *admin.Client
	refreshEvery time.Duration

	lastStats admin.StatsResult
	errText   string
	loading   bool
	quitting  bool
}

// New builds a Model polling agentBase's /statsz every refreshEvery.
func New(agentBase, queryBase string, refreshEvery time.Duration) Model {
	if refreshEvery <= 0 {
		refreshEvery = 2 * time.Second
	}
	return Model{
		client:       admin.NewClient(agentBase, queryBase, &http.Client{Timeout: 3 * time.Second}),
		refreshEvery: refreshEvery,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), tick(m.refreshEvery))
}

func (m Model) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		stats, err := m.client.Stats(ctx)
		return statsMsg{stats: stats, err: err}
	}
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case tickMsg:
		m.loading = true
		return m, tea.Batch(m.fetch(), tick(m.refreshEvery))
	case statsMsg:
		m.loading = false
		if msg.err != nil {
			m.errText = msg.err.Error()
		} else {
			m.errText = ""
			m.lastStats = msg.stats
		}
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render("jobtel agent status"))
	b.WriteString("\n\n")

	if m.errText != "" {
		b.WriteString(badStyle.Render("error: "+m.errText) + "\n\n")
	}

	b.WriteString(headerStyle.Render("listener") + "\n")
	fmt.Fprintf(&b, "  active connections: %d\n", m.lastStats.Listener.ActiveConnections)
	fmt.Fprintf(&b, "  goodbyes=%d eofs=%d parse_errors=%d rejected=%d\n\n",
		m.lastStats.Listener.Goodbyes, m.lastStats.Listener.EOFs, m.lastStats.Listener.ParseErrors, m.lastStats.Listener.Rejected)

	b.WriteString(headerStyle.Render("backend breakers") + "\n")
	for _, name := range sortedKeys(m.lastStats.Breakers) {
		b.WriteString("  " + name + ": " + renderBreakerState(m.lastStats.Breakers[name]) + "\n")
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("buffer depths") + "\n")
	for _, name := range sortedKeys(m.lastStats.Buffers) {
		fmt.Fprintf(&b, "  %s: %d\n", name, m.lastStats.Buffers[name])
	}

	b.WriteString("\n" + dimStyle.Render("q to quit"))
	return b.String()
}

func renderBreakerState(state string) string {
	switch state {
	case "closed":
		return okStyle.Render(state)
	case "degraded", "half_open":
		return warnStyle.Render(state)
	case "open":
		return badStyle.Render(state)
	default:
		return dimStyle.Render(state)
	}
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Run blocks running the dashboard as a standalone terminal program.
func Run(agentBase, queryBase string, refreshEvery time.Duration) error {
	p := tea.NewProgram(New(agentBase, queryBase, refreshEvery))
	_, err := p.Run()
	return err
}
