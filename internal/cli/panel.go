package cli

import (
	"context"
	"fmt"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/trainwatch/internal/service"
	"github.com/raphaelgruber/trainwatch/internal/training"
)

// maxPanelLines is how many recent log lines the panel keeps on screen.
const maxPanelLines = 8

// Theme holds the color scheme for the progress panel.
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

// logMsg carries one line from the log channel.
type logMsg training.LogLine

// epochMsg carries the metrics of a finished epoch.
type epochMsg training.EpochMetrics

// finishedMsg carries the final state of the run.
type finishedMsg struct {
	run service.Run
}

// panelModel is the bubbletea model for a training run. It never touches
// the model or the runner; every update arrives as a message.
type panelModel struct {
	name     string
	epochs   int
	epoch    int // completed epochs
	metrics  *training.EpochMetrics
	lines    []string
	progress progress.Model
	theme    Theme
	final    *service.Run
	detached bool
}

func newPanelModel(name string, epochs int) panelModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)
	return panelModel{
		name:     name,
		epochs:   epochs,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command.
func (m panelModel) Init() tea.Cmd {
	return m.progress.Init()
}

// Update handles messages and returns the updated model.
func (m panelModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.detached = true
			return m, tea.Quit
		}

	case logMsg:
		m.lines = append(m.lines, msg.Text)
		if len(m.lines) > maxPanelLines {
			m.lines = m.lines[len(m.lines)-maxPanelLines:]
		}
		return m, nil

	case epochMsg:
		metrics := training.EpochMetrics(msg)
		m.metrics = &metrics
		m.epoch = metrics.Epoch + 1
		return m, nil

	case finishedMsg:
		m.final = &msg.run
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the panel.
func (m panelModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m panelModel) renderContent() string {
	if m.detached || m.final != nil {
		return m.finalView()
	}

	var pct float64
	if m.epochs > 0 {
		pct = float64(m.epoch) / float64(m.epochs)
	}

	var b strings.Builder
	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.name))
	fmt.Fprintf(&b, "%s %s %d/%d epochs\n", status, m.progress.ViewAs(pct), m.epoch, m.epochs)
	if m.metrics != nil {
		fmt.Fprintf(&b, "loss %.4f  acc %.4f  val_loss %.4f  val_acc %.4f\n",
			m.metrics.Loss, m.metrics.Accuracy, m.metrics.ValLoss, m.metrics.ValAccuracy)
	}
	b.WriteString("\n")
	for _, l := range m.lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
	b.WriteString(m.theme.hintStyle().Render("Press Ctrl+C to hide the panel; training keeps running"))
	b.WriteString("\n")
	return b.String()
}

func (m panelModel) finalView() string {
	if m.detached {
		msg := fmt.Sprintf("\nPanel closed. Run %s keeps training; waiting for it to finish.\n", m.name)
		return m.theme.hintStyle().Render(msg)
	}

	var b strings.Builder
	for _, l := range m.lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
	if m.final.Status == service.RunStatusCompleted {
		b.WriteString(m.theme.completedStyle().Render(fmt.Sprintf("✓ Completed %d/%d epochs", m.final.Epoch, m.final.Epochs)))
	} else {
		b.WriteString(m.theme.errorStyle().Render("✗ Failed: " + m.final.Error))
	}
	b.WriteString("\n\n")
	return b.String()
}

// trainWithPanel starts the run and shows the panel until the run finishes
// or the operator hides it. Either way it returns once the run is done.
func trainWithPanel(ctx context.Context, mgr *service.RunManager, req service.StartRequest) (service.Run, error) {
	p := tea.NewProgram(newPanelModel(req.Name, req.Epochs))

	// hooks run on the run's delivery goroutine; Send returns once the
	// program has exited, so a hidden panel never blocks delivery
	hooks := service.Hooks{
		OnLog:      func(line training.LogLine) { p.Send(logMsg(line)) },
		OnProgress: func(e training.EpochMetrics) { p.Send(epochMsg(e)) },
		OnFinish:   func(r service.Run) { p.Send(finishedMsg{run: r}) },
	}
	run, err := mgr.Start(ctx, req, hooks)
	if err != nil {
		return service.Run{}, err
	}

	if _, err := p.Run(); err != nil {
		logger.Warn("progress panel failed", "error", err)
	}
	return run.Wait(context.WithoutCancel(ctx))
}
