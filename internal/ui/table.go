package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"localscope/internal/model"
)

var tableColumns = []string{"IP", "NAME", "MAC", "VENDOR", "SERVICES", "LAST SEEN"}

// RenderDeviceTable renders devices as an aligned table. Favorite services are
// marked with FavoriteMarker.
func RenderDeviceTable(devices []model.Device) string {
	if len(devices) == 0 {
		return LabelStyle.Render(MutedStyle.Render("No devices found."))
	}

	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		name := d.Name
		if d.Hostname != "" {
			name = fmt.Sprintf("%s (%s)", d.Name, d.Hostname)
		}
		if d.Manual {
			name += " *"
		}
		rows = append(rows, []string{
			d.IP,
			name,
			orDash(d.MAC),
			orDash(d.Vendor),
			renderServices(d),
			d.LastSeen.Local().Format("2006-01-02 15:04"),
		})
	}

	widths := make([]int, len(tableColumns))
	for i, col := range tableColumns {
		widths[i] = lipgloss.Width(col)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	header := make([]string, len(tableColumns))
	for i, col := range tableColumns {
		header[i] = TableHeaderStyle.Render(pad(col, widths[i]))
	}
	b.WriteString("  " + strings.Join(header, "  ") + "\n")
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = pad(cell, widths[i])
		}
		b.WriteString("  " + strings.Join(cells, "  ") + "\n")
	}
	return b.String()
}

func renderServices(d model.Device) string {
	if len(d.AvailableServices) == 0 && len(d.FavoriteServices) == 0 {
		return "-"
	}
	var parts []string
	for _, s := range model.AllServices {
		switch {
		case d.IsFavorite(s):
			parts = append(parts, FavoriteStyle.Render(FavoriteMarker+string(s)))
		case d.HasService(s):
			parts = append(parts, ServiceStyle.Render(string(s)))
		}
	}
	return strings.Join(parts, " ")
}

// pad right-pads s to width visible cells, ignoring ANSI sequences.
func pad(s string, width int) string {
	if gap := width - lipgloss.Width(s); gap > 0 {
		return s + strings.Repeat(" ", gap)
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
