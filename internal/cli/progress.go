package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/mediaflow/internal/client"
	"golang.org/x/term"
)

// pollInterval is how often job progress is fetched.
var pollInterval = time.Second

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
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
	job *client.JobProgress
	err error
}

// progressModel is the bubbletea model for job progress.
type progressModel struct {
	client   *client.Client
	jobID    string
	job      *client.JobProgress
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

func newProgressModel(c *client.Client, jobID string) progressModel {
	return progressModel{
		client: c,
		jobID:  jobID,
		progress: progress.New(
			progress.WithDefaultBlend(),
			progress.WithWidth(40),
		),
		theme: defaultTheme,
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(m.fetchJob(), m.progress.Init())
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
			// The job is registered once routing starts; keep waiting.
			if client.IsNotFound(msg.err) {
				return m, tickCmd()
			}
			m.err = fmt.Errorf("fetch job progress: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}

		m.job = msg.job
		if m.job.Complete {
			m.done = true
			m.err = jobError(m.job)
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
	if m.done || m.quitting {
		return m.finalView()
	}
	if m.job == nil {
		return "Waiting for job " + shortID(m.jobID) + "...\n"
	}

	var pct float64
	if m.job.Total > 0 {
		pct = float64(m.job.Done()) / float64(m.job.Total)
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", jobPhase(m.job)))
	counts := fmt.Sprintf("%d/%d items", m.job.Done(), m.job.Total)
	if m.job.Failed > 0 {
		counts += m.theme.errorStyle().Render(fmt.Sprintf(" (%d failed)", m.job.Failed))
	}
	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")

	return fmt.Sprintf("%s %s %s\n%s\n", status, m.progress.ViewAs(pct), counts, hint)
}

func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nJob %s continues in background.\nUse 'mediaflow jobs %s' to check status.\n",
			m.jobID, m.jobID)
		return m.theme.hintStyle().Render(msg)
	}
	if m.job == nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ %s\n", m.err))
	}

	var b strings.Builder
	if m.err != nil {
		b.WriteString(m.theme.errorStyle().Render("✗ " + m.err.Error()))
	} else {
		b.WriteString(m.theme.completedStyle().Render("✓ Completed"))
	}
	b.WriteString("\n\n")
	writeSummary(&b, m.job)
	return b.String()
}

// fetchJob runs as a command so polling never blocks Update.
func (m progressModel) fetchJob() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		job, err := m.client.Job(ctx, m.jobID)
		return jobUpdateMsg{job: job, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// RunJobProgress runs the interactive progress UI for a job.
// Returns nil on success or Ctrl+C (background), error when items failed.
func RunJobProgress(ctx context.Context, c *client.Client, jobID string, out io.Writer) error {
	p := tea.NewProgram(newProgressModel(c, jobID), tea.WithContext(ctx), tea.WithOutput(out))

	finalModel, err := p.Run()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(progressModel); ok && !m.quitting {
		return m.err
	}
	return nil
}

// pollJob is the plain-text progress display used when out is not a
// terminal. It prints one line per change and a summary at the end.
func pollJob(ctx context.Context, c *client.Client, jobID string, out io.Writer) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	last := -1
	for {
		job, err := c.Job(ctx, jobID)
		switch {
		case client.IsNotFound(err):
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch job progress: %w", err)
		default:
			if job.Complete {
				fmt.Fprintf(out, "Job %s finished: %d processed, %d failed\n", shortID(jobID), job.Processed, job.Failed)
				var b strings.Builder
				writeFailures(&b, job)
				io.WriteString(out, b.String())
				return jobError(job)
			}
			if d := job.Done(); d != last {
				last = d
				fmt.Fprintf(out, "[%s] %d/%d items\n", jobPhase(job), d, job.Total)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// followJob shows job progress until it completes, interactively when
// stdout is a terminal.
func followJob(ctx context.Context, out io.Writer, jobID string) error {
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return RunJobProgress(ctx, apiClient, jobID, f)
	}
	return pollJob(ctx, apiClient, jobID, out)
}

func jobPhase(p *client.JobProgress) string {
	switch {
	case p.Complete:
		return "complete"
	case p.HandedOff+p.Done() < p.Total:
		return "routing"
	default:
		return "processing"
	}
}

func jobError(p *client.JobProgress) error {
	if p.Failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d items failed", p.Failed, p.Total)
}

func writeSummary(b *strings.Builder, p *client.JobProgress) {
	fmt.Fprintf(b, "  Items:      %d\n", p.Total)
	fmt.Fprintf(b, "  Processed:  %d\n", p.Processed)
	if p.Failed > 0 {
		fmt.Fprintf(b, "  Failed:     %d\n", p.Failed)
	}
	if !p.StartedAt.IsZero() && !p.UpdatedAt.IsZero() {
		fmt.Fprintf(b, "  Duration:   %s\n", p.UpdatedAt.Sub(p.StartedAt).Round(time.Second))
	}
	writeFailures(b, p)
}

func writeFailures(b *strings.Builder, p *client.JobProgress) {
	for _, it := range p.Items {
		if it.State == "failed" {
			fmt.Fprintf(b, "  • %s: %s\n", it.FileName, it.Message)
		}
	}
}
