package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	orbStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	headerTextStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Padding(1, 2)

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("220"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	failureStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	statusLineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

type settledEntry struct {
	name    string
	success bool
}

// DashboardModel renders the scheduler's live state: admitted runs, settled
// features, and the runtime knobs.
type DashboardModel struct {
	scheduler *Scheduler

	// admitted feature names by id, so settle messages can render a name.
	names      map[string]string
	settled    []settledEntry
	lastStatus string
	isIdle     bool
	quitting   bool
	width      int
	height     int
	err        error
}

func NewDashboardModel(s *Scheduler) *DashboardModel {
	return &DashboardModel{
		scheduler: s,
		names:     make(map[string]string),
	}
}

func (m *DashboardModel) Init() tea.Cmd {
	return tea.Batch(m.pollMessages(), tickCmd())
}

func (m *DashboardModel) pollMessages() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-m.scheduler.Messages()
		if !ok {
			return nil
		}
		return msg
	}
}

type redrawMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return redrawMsg(t)
	})
}

func (m *DashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			m.scheduler.Stop()
			return m, tea.Quit
		case "+", "=":
			cfg := m.scheduler.Config()
			cfg.SetMaxConcurrency(cfg.MaxConcurrency() + 1)
		case "-", "_":
			cfg := m.scheduler.Config()
			cfg.SetMaxConcurrency(cfg.MaxConcurrency() - 1)
		case "b":
			cfg := m.scheduler.Config()
			cfg.SetBlockingEnabled(!cfg.BlockingEnabled())
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case redrawMsg:
		return m, tickCmd()

	case FeatureAdmittedMsg:
		m.names[msg.FeatureID] = msg.Name
		return m, m.pollMessages()

	case FeatureRunningMsg:
		return m, m.pollMessages()

	case FeatureSettledMsg:
		name := m.names[msg.FeatureID]
		if name == "" {
			name = msg.FeatureID
		}
		m.settled = append(m.settled, settledEntry{name: name, success: msg.Success})
		if len(m.settled) > 50 {
			m.settled = m.settled[len(m.settled)-50:]
		}
		return m, m.pollMessages()

	case StatusMsg:
		m.lastStatus = msg.Message
		return m, m.pollMessages()

	case IdleStateMsg:
		m.isIdle = msg.Idle
		return m, m.pollMessages()

	case error:
		m.err = msg
		return m, tea.Quit
	}

	return m, nil
}

func (m *DashboardModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("Error: %v\n", m.err)
	}
	if m.quitting {
		return "Shutting down...\n"
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderRuns())
	b.WriteString("\n")
	b.WriteString(m.renderSettled())
	if m.lastStatus != "" {
		b.WriteString("\n")
		b.WriteString(statusLineStyle.Render(m.lastStatus))
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("Press 'q' to quit • '+'/'-' adjust concurrency • 'b' toggle dependency blocking"))
	return b.String()
}

func (m *DashboardModel) renderHeader() string {
	cfg := m.scheduler.Config()
	records := m.scheduler.RunRecords()
	started, settled, failed := m.scheduler.Stats()

	status := "Active"
	if m.isIdle {
		status = "Waiting for features..."
	}

	blocking := "on"
	if !cfg.BlockingEnabled() {
		blocking = "off"
	}

	headerText := fmt.Sprintf("Foreman | %s | Slots: %d/%d | Blocking: %s | Started: %d Settled: %d Failed: %d",
		status,
		len(records),
		cfg.MaxConcurrency(),
		blocking,
		started,
		settled,
		failed,
	)

	orb := orbStyle.Render("⬤")
	text := headerTextStyle.Render(headerText)

	header := lipgloss.JoinHorizontal(lipgloss.Center, orb, "  ", text)
	width := m.width - 4
	if width < 0 {
		width = 0
	}
	return headerStyle.Width(width).Render(header)
}

func (m *DashboardModel) renderRuns() string {
	records := m.scheduler.RunRecords()
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})

	if len(records) == 0 {
		return pendingStyle.Render("  no active runs")
	}

	var b strings.Builder
	for _, rec := range records {
		name := m.names[rec.FeatureID]
		if name == "" {
			name = rec.FeatureID
		}
		elapsed := time.Since(rec.StartedAt).Round(time.Second)
		line := fmt.Sprintf("  %-30s %-8s %s", name, rec.State, elapsed)
		if rec.State == RunStateRunning {
			b.WriteString(runningStyle.Render(line))
		} else {
			b.WriteString(pendingStyle.Render(line))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *DashboardModel) renderSettled() string {
	if len(m.settled) == 0 {
		return ""
	}

	// Newest first, capped to keep the header visible.
	limit := 10
	var b strings.Builder
	for i := len(m.settled) - 1; i >= 0 && limit > 0; i, limit = i-1, limit-1 {
		entry := m.settled[i]
		if entry.success {
			b.WriteString(successStyle.Render("  ✓ " + entry.name))
		} else {
			b.WriteString(failureStyle.Render("  ✗ " + entry.name))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// RunTUI drives the scheduler under the dashboard until the user quits or
// the context is canceled.
func RunTUI(ctx context.Context, s *Scheduler) error {
	m := NewDashboardModel(s)
	p := tea.NewProgram(m, tea.WithAltScreen())

	schedDone := make(chan struct{})
	var schedErr error

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	go func() {
		defer close(schedDone)
		schedErr = s.Run(context.Background())
		time.Sleep(100 * time.Millisecond)
		p.Quit()
	}()

	_, err := p.Run()

	s.Stop()
	<-schedDone

	if schedErr != nil && schedErr != context.Canceled {
		return schedErr
	}
	return err
}
