package ui

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	PrimaryColor = lipgloss.Color("#7D56F4") // Purple - headers, borders
	SuccessColor = lipgloss.Color("#43BF6D") // Green - open services
	ErrorColor   = lipgloss.Color("#FF5555") // Red - failures
	WarningColor = lipgloss.Color("#FFA500") // Orange - warnings, favorites
	MutedColor   = lipgloss.Color("#626262") // Gray - secondary info
	TextColor    = lipgloss.Color("#FFFFFF") // White - main content
)

// FavoriteMarker prefixes favorite services in the device table.
const FavoriteMarker = "★"

// Shared styles
var (
	TitleStyle       = lipgloss.NewStyle().Foreground(TextColor).Bold(true).PaddingLeft(2)
	LabelStyle       = lipgloss.NewStyle().Foreground(TextColor).PaddingLeft(2)
	MutedStyle       = lipgloss.NewStyle().Foreground(MutedColor)
	WarningStyle     = lipgloss.NewStyle().Foreground(WarningColor).PaddingLeft(2)
	ErrorStyle       = lipgloss.NewStyle().Foreground(ErrorColor).Bold(true).PaddingLeft(2)
	TableHeaderStyle = lipgloss.NewStyle().Foreground(PrimaryColor).Bold(true)
	ServiceStyle     = lipgloss.NewStyle().Foreground(SuccessColor)
	FavoriteStyle    = lipgloss.NewStyle().Foreground(WarningColor).Bold(true)
)
