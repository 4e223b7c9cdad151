// Package theme provides the Lip Gloss color palette and reusable styles
// for the render-bridge TUI. It is a leaf package with no internal imports
// to avoid import cycles.
package theme

import "github.com/charmbracelet/lipgloss"

// Session state colors.
var (
	ColorIdle          = lipgloss.Color("#4b5563")
	ColorExporting     = lipgloss.Color("#7c3aed")
	ColorRendering     = lipgloss.Color("#2563eb")
	ColorLive          = lipgloss.Color("#06b6d4")
	ColorBlocking      = lipgloss.Color("#d97706")
	ColorStopping      = lipgloss.Color("#854d0e")
	ColorLicenseFailed = lipgloss.Color("#f59e0b")
	ColorErrored       = lipgloss.Color("#dc2626")
	ColorDefault       = lipgloss.Color("#9ca3af")
)

// Round outcome colors.
var (
	ColorCompleted = lipgloss.Color("#16a34a")
	ColorCancelled = lipgloss.Color("#9ca3af")
)

// Progress bar gradient.
var (
	ColorProgressLow  = "#3b82f6"
	ColorProgressHigh = "#22c55e"
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorBg      = lipgloss.Color("#111827")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// StateColor returns the Lip Gloss color for a session state name.
func StateColor(state string) lipgloss.Color {
	switch state {
	case "idle":
		return ColorIdle
	case "exporting":
		return ColorExporting
	case "rendering":
		return ColorRendering
	case "live":
		return ColorLive
	case "blocking":
		return ColorBlocking
	case "stopping":
		return ColorStopping
	case "license_failed":
		return ColorLicenseFailed
	case "errored":
		return ColorErrored
	default:
		return ColorDefault
	}
}

// OutcomeColor returns the color for a round outcome.
func OutcomeColor(outcome string) lipgloss.Color {
	switch outcome {
	case "completed":
		return ColorCompleted
	case "cancelled":
		return ColorCancelled
	case "license_failed":
		return ColorLicenseFailed
	case "errored":
		return ColorErrored
	default:
		return ColorDefault
	}
}

// StateGlyph returns a Unicode glyph representing a session state.
func StateGlyph(state string) string {
	switch state {
	case "idle":
		return "○"
	case "exporting":
		return "⇪"
	case "rendering", "blocking":
		return "●>"
	case "live":
		return "◉"
	case "stopping":
		return "◌"
	case "license_failed":
		return "!"
	case "errored":
		return "✗"
	default:
		return "·"
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
		Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)
)
