// Package report builds the markdown shown in the TUI overlays and renders
// it with glamour.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/glamour"

	"github.com/render-bridge/bridge/internal/session"
	"github.com/render-bridge/bridge/internal/stats"
)

// History returns a markdown report of finished rounds, newest first, with
// lifetime totals when known.
func History(rounds []*session.RoundSummary, totals *stats.Totals) string {
	var b strings.Builder
	b.WriteString("# Rounds\n\n")
	if len(rounds) == 0 {
		b.WriteString("_No rounds finished yet._\n")
	} else {
		b.WriteString("| Round | Mode | Outcome | Duration | Progress |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, r := range rounds {
			fmt.Fprintf(&b, "| `%s` | %s | %s | %s | %d%% |\n",
				shortID(r.ID), r.Mode, r.Outcome, r.Duration.Round(time.Millisecond), r.Progress)
		}
		for _, r := range rounds {
			if r.Error == "" && len(r.Outputs) == 0 {
				continue
			}
			fmt.Fprintf(&b, "\n## `%s`\n\n", shortID(r.ID))
			if r.Error != "" {
				fmt.Fprintf(&b, "> %s\n", r.Error)
			}
			for _, o := range r.Outputs {
				fmt.Fprintf(&b, "- %s\n", o)
			}
		}
	}

	if totals != nil {
		b.WriteString("\n# Lifetime\n\n")
		fmt.Fprintf(&b, "- **Rounds:** %d (%d completed, %d cancelled, %d errored, %d license failures)\n",
			totals.TotalRounds, totals.Completed, totals.Cancelled, totals.Errors, totals.LicenseFailures)
		fmt.Fprintf(&b, "- **Render time:** %.1fs (longest %.1fs)\n", totals.RenderSeconds, totals.MaxRoundSeconds)
		fmt.Fprintf(&b, "- **Outputs written:** %d\n", totals.OutputsWritten)
		modes := make([]string, 0, len(totals.RoundsPerMode))
		for m := range totals.RoundsPerMode {
			modes = append(modes, m)
		}
		sort.Strings(modes)
		for _, m := range modes {
			fmt.Fprintf(&b, "- %s: %d\n", m, totals.RoundsPerMode[m])
		}
	}
	return b.String()
}

// Help returns a markdown table describing the given bindings.
func Help(bindings []key.Binding) string {
	var b strings.Builder
	b.WriteString("# Keys\n\n| Key | Action |\n|---|---|\n")
	for _, k := range bindings {
		if !k.Enabled() {
			continue
		}
		h := k.Help()
		fmt.Fprintf(&b, "| `%s` | %s |\n", h.Key, h.Desc)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Renderer caches a glamour renderer for the last used width.
type Renderer struct {
	style string
	width int
	tr    *glamour.TermRenderer
}

// NewRenderer returns a renderer using a glamour standard style such as
// "dark", "light" or "notty".
func NewRenderer(style string) *Renderer {
	return &Renderer{style: style}
}

// Render renders md wrapped to width. On failure the raw markdown is
// returned.
func (r *Renderer) Render(md string, width int) string {
	if width < 20 {
		width = 20
	}
	if r.tr == nil || r.width != width {
		tr, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle(r.style),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			return md
		}
		r.tr, r.width = tr, width
	}
	out, err := r.tr.Render(md)
	if err != nil {
		return md
	}
	return out
}
