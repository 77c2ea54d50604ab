package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/skillalign/internal/client"
	"github.com/raphaelgruber/skillalign/internal/models"
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

var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

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

type tickMsg time.Time

type jobUpdateMsg struct {
	job *models.BatchJob
	err error
}

// progressModel is the bubbletea model for batch job progress.
type progressModel struct {
	client   *client.Client
	jobType  string
	jobName  string
	job      *models.BatchJob
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

func newProgressModel(c *client.Client, jobType, jobName string) progressModel {
	return progressModel{
		client:  c,
		jobType: jobType,
		jobName: jobName,
		progress: progress.New(
			progress.WithDefaultBlend(),
			progress.WithWidth(40),
		),
		theme: defaultTheme,
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.fetchJob(),
		m.progress.Init(),
	)
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetchJob()

	case jobUpdateMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("failed to fetch job status: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}

		m.job = msg.job
		switch m.job.Status {
		case models.JobStatusSucceeded:
			m.done = true
			return m, tea.Quit
		case models.JobStatusFailed:
			m.done = true
			m.err = jobError(m.job)
			return m, tea.Quit
		case models.JobStatusAborted:
			m.done = true
			return m, tea.Quit
		}
		return m, tickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}
	if m.job == nil {
		return "Loading job status...\n"
	}

	var pct float64
	if m.job.Total > 0 {
		pct = float64(m.job.Progress) / float64(m.job.Total)
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.job.Status))
	counts := fmt.Sprintf("%d/%d entities", m.job.Progress, m.job.Total)
	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")

	return fmt.Sprintf("%s %s %s\n%s\n", status, m.progress.ViewAs(pct), counts, hint)
}

func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nJob %s continues in background.\nUse 'skillalign jobs %s' to check status.\n",
			m.jobName, m.jobName)
		return m.theme.hintStyle().Render(msg)
	}
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Job failed: %s\n", m.err))
	}
	if m.job != nil && m.job.Status == models.JobStatusAborted {
		return m.theme.hintStyle().Render(fmt.Sprintf("\nJob %s aborted after %d/%d entities.\n",
			m.jobName, m.job.Progress, m.job.Total))
	}
	if m.job == nil {
		return m.theme.completedStyle().Render("✓ Completed\n")
	}
	return jobSummary(m.theme, m.job)
}

// jobSummary renders the outcome counters of a succeeded job.
func jobSummary(t Theme, job *models.BatchJob) string {
	var b strings.Builder
	b.WriteString(t.completedStyle().Render("✓ Completed") + "\n\n")
	fmt.Fprintf(&b, "  Entities processed: %d\n", metaInt(job.Metadata, "processed"))
	fmt.Fprintf(&b, "  Succeeded:          %d\n", metaInt(job.Metadata, "succeeded"))
	if failed := metaInt(job.Metadata, "failed"); failed > 0 {
		b.WriteString(t.errorStyle().Render(fmt.Sprintf("  Failed:             %d", failed)) + "\n")
	}
	if job.OutputGCSPath != nil {
		fmt.Fprintf(&b, "  Results:            %s\n", *job.OutputGCSPath)
	}
	return b.String()
}

func jobError(job *models.BatchJob) error {
	if len(job.Errors) == 0 {
		return errors.New("job failed with unknown error")
	}
	return errors.New(strings.Join(job.Errors, "; "))
}

// metaInt reads a counter from job metadata. JSON numbers arrive as float64.
func metaInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// fetchJob runs in a command so Update never blocks on the network.
func (m progressModel) fetchJob() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		job, err := m.client.GetJob(ctx, m.jobType, m.jobName)
		return jobUpdateMsg{job: job, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// RunJobProgress runs the interactive progress UI for a job.
// Returns nil on success, abort or Ctrl+C (job continues in background), the job error on failure.
func RunJobProgress(c *client.Client, jobType, jobName string) error {
	p := tea.NewProgram(newProgressModel(c, jobType, jobName))

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}
	if m, ok := finalModel.(progressModel); ok {
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}
	return nil
}
