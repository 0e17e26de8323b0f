package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"localscope/internal/scan"
)

// ProgressMsg carries a progress update into the model.
type ProgressMsg scan.Progress

type updatesClosedMsg struct{}

var stageLabels = map[scan.Stage]string{
	scan.StageIdle:      "Idle",
	scan.StageResolving: "Resolving",
	scan.StageSweeping:  "Sweeping",
	scan.StageParsing:   "Parsing",
	scan.StageProbing:   "Probing",
	scan.StageMerging:   "Merging",
	scan.StageFailed:    "Failed",
}

// ScanModel renders a progress bar for one scan and quits when the scan
// leaves the busy stages. Pressing q cancels the scan.
type ScanModel struct {
	updates  <-chan scan.Progress
	cancel   func()
	bar      progress.Model
	progress scan.Progress
	done     bool
	quitting bool
}

// NewScanModel creates a model fed by updates. cancel is called when the user
// quits while the scan is still running.
func NewScanModel(updates <-chan scan.Progress, cancel func(), initial scan.Progress) ScanModel {
	return ScanModel{
		updates:  updates,
		cancel:   cancel,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		progress: initial,
	}
}

func (m ScanModel) listen() tea.Cmd {
	return func() tea.Msg {
		p, ok := <-m.updates
		if !ok {
			return updatesClosedMsg{}
		}
		return ProgressMsg(p)
	}
}

// Init implements tea.Model
func (m ScanModel) Init() tea.Cmd {
	return m.listen()
}

// Update implements tea.Model
func (m ScanModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			if m.progress.Stage.Busy() && m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		width := msg.Width - 20
		if width < 20 {
			width = 20
		}
		if width > 60 {
			width = 60
		}
		m.bar.Width = width
	case ProgressMsg:
		m.progress = scan.Progress(msg)
		if !m.progress.Stage.Busy() {
			m.done = true
			return m, tea.Quit
		}
		return m, m.listen()
	case updatesClosedMsg:
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model
func (m ScanModel) View() string {
	var b strings.Builder

	title := "LocalScope"
	if m.progress.Subnet != "" {
		title += " " + MutedStyle.Render(m.progress.Subnet)
	}
	b.WriteString(TitleStyle.Render(title))
	b.WriteString("\n\n")

	b.WriteString("  ")
	b.WriteString(m.bar.ViewAs(m.progress.Fraction))
	b.WriteString(fmt.Sprintf("  %3.0f%%", m.progress.Fraction*100))
	b.WriteString("\n\n")

	line := stageLabels[m.progress.Stage]
	if m.progress.Message != "" {
		line += "  " + MutedStyle.Render(m.progress.Message)
	}
	b.WriteString(LabelStyle.Render(line))
	b.WriteString("\n")

	if m.progress.Warning != "" {
		b.WriteString(WarningStyle.Render("warning: " + m.progress.Warning))
		b.WriteString("\n")
	}
	if m.progress.Stage == scan.StageFailed {
		b.WriteString(ErrorStyle.Render("error: " + m.progress.Error))
		b.WriteString("\n")
	}
	if !m.done && !m.quitting {
		b.WriteString("\n")
		b.WriteString(LabelStyle.Render(MutedStyle.Render("Press q to cancel")))
		b.WriteString("\n")
	}
	return b.String()
}

// Progress returns the last progress the model received.
func (m ScanModel) Progress() scan.Progress {
	return m.progress
}

// Done reports whether the scan left the busy stages.
func (m ScanModel) Done() bool {
	return m.done
}
