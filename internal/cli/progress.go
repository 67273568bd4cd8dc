package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/communiday/eventcore-go/internal/client"
	jobprogress "github.com/communiday/eventcore-go/internal/progress"
	"github.com/communiday/eventcore-go/internal/queue"
)

const pollInterval = time.Second

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

// Style functions for dynamic theming
func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// tickMsg triggers polling the job progress
type tickMsg time.Time

// progressUpdateMsg carries the updated progress context
type progressUpdateMsg struct {
	pc  *jobprogress.Context
	err error
}

// progressModel is the bubbletea model for job progress.
type progressModel struct {
	client   *client.Client
	jobID    string
	pc       *jobprogress.Context
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

// newProgressModel creates a new progress model.
func newProgressModel(c *client.Client, jobID string) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		client:   c,
		jobID:    jobID,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command (start polling).
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.fetchProgress(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetchProgress()

	case progressUpdateMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("failed to fetch job progress: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}

		m.pc = msg.pc

		switch m.pc.Status {
		case queue.StatusCompleted:
			m.done = true
			return m, tea.Quit
		case queue.StatusFailed:
			m.done = true
			if m.pc.Error != "" {
				m.err = fmt.Errorf("%s", m.pc.Error)
			} else {
				m.err = fmt.Errorf("job failed with unknown error")
			}
			return m, tea.Quit
		}

		// Continue polling for running jobs
		return m, tickCmd()

	case progress.FrameMsg:
		// Update progress bar animation
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	if m.pc == nil {
		return "Loading job progress...\n"
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.pc.Status))
	progressBar := m.progress.ViewAs(float64(m.pc.Progress) / 100)
	counts := fmt.Sprintf("step %d/%d", m.pc.CurrentStep, m.pc.TotalSteps)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n", status, progressBar, counts)
	b.WriteString(m.renderSteps())
	b.WriteString(m.theme.hintStyle().Render("Press Ctrl+C to continue in background"))
	b.WriteString("\n")
	return b.String()
}

// renderSteps lists the per-step breakdown.
func (m progressModel) renderSteps() string {
	if m.pc == nil || len(m.pc.Steps) == 0 {
		return ""
	}

	var b strings.Builder
	for i, step := range m.pc.Steps {
		marker := " "
		switch {
		case step.Error != "":
			marker = m.theme.errorStyle().Render("✗")
		case step.Progress >= 100:
			marker = m.theme.completedStyle().Render("✓")
		case step.Progress > 0:
			marker = m.theme.statusStyle().Render("›")
		}
		fmt.Fprintf(&b, "  %s %d. %-30s %3d%%\n", marker, i+1, step.Description, step.Progress)
	}
	return b.String()
}

// finalView renders the completion message.
func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nJob %s continues in background.\nUse 'eventcore jobs %s' to check status.\n",
			m.jobID, m.jobID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Job failed: %s\n", m.err))
	}

	var b strings.Builder
	b.WriteString(m.theme.completedStyle().Render("✓ Completed") + "\n\n")
	b.WriteString(m.renderSteps())
	if m.pc != nil && len(m.pc.Result) > 0 {
		fmt.Fprintf(&b, "\nResult:\n  %s\n", string(m.pc.Result))
	}
	return b.String()
}

// fetchProgress fetches the current progress context from the server.
// Runs in a separate goroutine (command) to avoid blocking Update().
func (m progressModel) fetchProgress() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pc, err := m.client.GetProgress(ctx, m.jobID)
		return progressUpdateMsg{pc: pc, err: err}
	}
}

// tickCmd returns a command that sends a tick after the poll interval.
func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// RunJobProgress runs the interactive progress UI for a job.
// Returns nil on success or Ctrl+C (background), error on job failure.
func RunJobProgress(c *client.Client, jobID string) error {
	model := newProgressModel(c, jobID)
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(progressModel); ok {
		// If user quit with Ctrl+C, job continues in background - not an error
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}

	return nil
}
