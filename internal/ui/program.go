package ui

import (
	"context"
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"localscope/internal/model"
	"localscope/internal/scan"
)

const updateBuffer = 64

// RunScan starts a scan on manager and renders its progress to out until the
// scan finishes or the user cancels it. It returns the final progress.
func RunScan(ctx context.Context, manager *scan.Manager, out io.Writer) (scan.Progress, error) {
	updates := make(chan scan.Progress, updateBuffer)
	unsubscribe := manager.Subscribe(func(p scan.Progress) {
		forward(updates, p)
	})
	defer unsubscribe()

	initial, err := manager.StartScan(ctx)
	if err != nil {
		return initial, err
	}

	cancel := func() { _, _ = manager.Cancel() }
	p := tea.NewProgram(NewScanModel(updates, cancel, initial), tea.WithOutput(out), tea.WithContext(ctx))
	_, runErr := p.Run()
	manager.Wait()

	final := manager.CurrentProgress()
	if runErr != nil {
		return final, fmt.Errorf("render progress: %w", runErr)
	}
	return final, nil
}

// forward never blocks the manager. A full buffer drops progress updates, but
// an update that ends the scan replaces the oldest queued one.
func forward(updates chan scan.Progress, p scan.Progress) {
	select {
	case updates <- p:
		return
	default:
	}
	if p.Stage.Busy() {
		return
	}
	select {
	case <-updates:
	default:
	}
	select {
	case updates <- p:
	default:
	}
}

// RenderSummary renders the final scan message followed by the device table.
func RenderSummary(progress scan.Progress, devices []model.Device) string {
	var b strings.Builder
	switch {
	case progress.Stage == scan.StageFailed:
		b.WriteString(ErrorStyle.Render("Scan failed: " + progress.Error))
		b.WriteString("\n")
		return b.String()
	case progress.Message != "":
		b.WriteString(TitleStyle.Render(progress.Message))
		b.WriteString("\n")
	}
	if progress.Warning != "" {
		b.WriteString(WarningStyle.Render("warning: " + progress.Warning))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(RenderDeviceTable(devices))
	return b.String()
}
