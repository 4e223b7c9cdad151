package status

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/render-bridge/bridge/internal/session"
	"github.com/render-bridge/bridge/internal/stats"
	"github.com/render-bridge/bridge/internal/tui/theme"
)

// Model holds the status bar state.
type Model struct {
	Source    string // "local" or the server address
	Connected bool
	Status    session.Status
	Stats     stats.Payload
	Width     int
}

func New(source string) Model {
	return Model{Source: source}
}

// View renders the status bar.
func (m Model) View() string {
	width := max(m.Width, 40)

	var conn string
	if m.Connected {
		conn = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● " + m.Source)
	} else {
		conn = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Connecting...")
	}

	name := m.Status.State.String()
	state := lipgloss.NewStyle().Foreground(theme.StateColor(name)).Bold(true).
		Render(theme.StateGlyph(name) + " " + name)
	if m.Status.State != session.Idle {
		state += " " + theme.StyleDimmed.Render(m.Status.Mode.String())
	}

	parts := []string{conn, state}
	if flags := flagList(m.Status); flags != "" {
		parts = append(parts, theme.StyleDimmed.Render(flags))
	}
	if s := m.Stats.Latest; s != nil && m.Stats.Connected {
		parts = append(parts, fmt.Sprintf("cpu %.0f%%  rss %s  thr %d",
			s.CPUPercent, formatBytes(s.RSSBytes), s.Threads))
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(strings.Join(parts, sep))
}

func flagList(st session.Status) string {
	var out []string
	for _, f := range []struct {
		on   bool
		name string
	}{
		{st.Exporting, "exporting"},
		{st.Running, "running"},
		{st.Live, "live"},
		{st.Viewport, "viewport"},
		{st.Swatch, "swatch"},
	} {
		if f.on {
			out = append(out, f.name)
		}
	}
	return strings.Join(out, " ")
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
