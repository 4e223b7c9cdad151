package app

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/render-bridge/bridge/internal/framebuffer"
	"github.com/render-bridge/bridge/internal/session"
	"github.com/render-bridge/bridge/internal/tui/client"
	"github.com/render-bridge/bridge/internal/tui/preview"
	"github.com/render-bridge/bridge/internal/tui/report"
	"github.com/render-bridge/bridge/internal/tui/theme"
	"github.com/render-bridge/bridge/internal/tui/views/debug"
	"github.com/render-bridge/bridge/internal/tui/views/status"
)

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayHelp
	OverlayHistory
	OverlayLog
)

const (
	maxRounds = 50
	// status bar (3) + progress line + last event + help line
	chromeLines = 6
)

// cropPresets are cycled by the crop key, starting from the full frame.
var cropPresets = []framebuffer.Rect{
	{MinX: 0, MaxX: 1, MinY: 0, MaxY: 1},
	{MinX: 0.25, MaxX: 0.75, MinY: 0.25, MaxY: 0.75},
	{MinX: 0, MaxX: 0.5, MinY: 0, MaxY: 0.5},
	{MinX: 0.5, MaxX: 1, MinY: 0.5, MaxY: 1},
}

// Model is the root Bubble Tea model.
type Model struct {
	driver Driver
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	help   help.Model
	bar    progress.Model
	md     *report.Renderer
	width  int
	height int

	overlay   Overlay
	statusBar status.Model
	log       debug.Model

	connected bool
	status    session.Status
	progress  int
	frame     image.Image
	rounds    []*session.RoundSummary // newest first
	crop      int
}

// New creates the root model. style is a glamour standard style name.
func New(d Driver, style string) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		driver:    d,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		help:      help.New(),
		bar:       progress.New(progress.WithGradient(theme.ColorProgressLow, theme.ColorProgressHigh)),
		md:        report.NewRenderer(style),
		statusBar: status.New(d.Name()),
		log:       debug.New(),
	}
}

// Init connects the driver.
func (m Model) Init() tea.Cmd {
	return m.driver.Connect(m.ctx)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.help.Width = msg.Width
		m.bar.Width = max(msg.Width-24, 10)
		m.driver.Resize(m.previewArea())
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case client.ConnectedMsg:
		m.connected = true
		m.statusBar.Connected = true
		m.log.Add(debug.KindNet, "connected to %s", m.driver.Name())
		m.driver.Resize(m.previewArea())
		return m, m.driver.Next(m.ctx)

	case client.DisconnectedMsg:
		m.connected = false
		m.statusBar.Connected = false
		m.log.Add(debug.KindNet, "disconnected: %v", msg.Err)
		return m, m.driver.Connect(m.ctx)

	case client.SnapshotMsg:
		m.setStatus(msg.Payload.Status)
		m.rounds = capRounds(msg.Payload.Rounds)
		if msg.Payload.Stats != nil {
			m.statusBar.Stats = *msg.Payload.Stats
		}
		return m, m.driver.Next(m.ctx)

	case client.StateMsg:
		if msg.Status.State != m.status.State {
			m.log.Add(debug.KindEvent, "%s → %s (%s)", m.status.State, msg.Status.State, msg.Status.Mode)
		}
		m.setStatus(msg.Status)
		return m, m.driver.Next(m.ctx)

	case client.ProgressMsg:
		m.progress = msg.Payload.Progress
		return m, m.driver.Next(m.ctx)

	case client.StatsMsg:
		m.statusBar.Stats = msg.Payload
		if msg.Payload.Connected {
			m.progress = msg.Payload.Progress
		}
		return m, m.driver.Next(m.ctx)

	case client.FrameMsg:
		m.frame = msg.Image
		if msg.Progress >= 0 {
			m.progress = msg.Progress
		}
		return m, m.driver.Next(m.ctx)

	case client.RoundMsg:
		if msg.Round != nil {
			m.rounds = capRounds(append([]*session.RoundSummary{msg.Round}, m.rounds...))
			m.log.Add(debug.KindEvent, "round %s %s: %s in %s",
				shortID(msg.Round.ID), msg.Round.Mode, msg.Round.Outcome, msg.Round.Duration)
		}
		return m, m.driver.Next(m.ctx)

	case client.ErrorMsg:
		m.log.Add(debug.KindError, "%s", msg.Payload.Message)
		return m, m.driver.Next(m.ctx)

	case client.ResultMsg:
		r := msg.Payload
		switch {
		case !r.OK:
			m.log.Add(debug.KindError, "%s failed: %s", r.Type, r.Error)
		case r.Path != "":
			m.log.Add(debug.KindCommand, "%s saved %s", r.Type, r.Path)
		default:
			m.log.Add(debug.KindCommand, "%s ok", r.Type)
		}
		return m, m.driver.Next(m.ctx)
	}

	return m, nil
}

func (m *Model) setStatus(st session.Status) {
	if st.RoundID != m.status.RoundID {
		m.progress = 0
	}
	m.status = st
	m.statusBar.Status = st
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		m.cancel()
		m.driver.Close()
		return m, tea.Quit
	}

	if m.overlay != OverlayNone {
		switch {
		case key.Matches(msg, m.keys.Escape):
			m.overlay = OverlayNone
		case m.overlay == OverlayLog && key.Matches(msg, m.keys.Up):
			m.log.ScrollUp(1)
		case m.overlay == OverlayLog && key.Matches(msg, m.keys.Down):
			m.log.ScrollDown(1)
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Final):
		m.act("render final", m.driver.Render(session.ModeFinal))
	case key.Matches(msg, m.keys.Interactive):
		m.act("render interactive", m.driver.Render(session.ModeInteractive))
	case key.Matches(msg, m.keys.Swatch):
		m.act("render swatch", m.driver.Render(session.ModeSwatch))
	case key.Matches(msg, m.keys.Bake):
		m.act("render bake", m.driver.Render(session.ModeBake))
	case key.Matches(msg, m.keys.Export):
		m.act("export", m.driver.Render(session.ModeExport))
	case key.Matches(msg, m.keys.Stop):
		m.act("stop", m.driver.Stop())
	case key.Matches(msg, m.keys.Interrupt):
		m.act("interrupt", m.driver.Interrupt())
	case key.Matches(msg, m.keys.Crop):
		m.crop = (m.crop + 1) % len(cropPresets)
		r := cropPresets[m.crop]
		m.act(fmt.Sprintf("crop %.2f,%.2f,%.2f,%.2f", r.MinX, r.MaxX, r.MinY, r.MaxY), m.driver.Crop(r))
	case key.Matches(msg, m.keys.PrevFrame):
		m.act("previous frame", m.driver.StepFrame(-1))
	case key.Matches(msg, m.keys.NextFrame):
		m.act("next frame", m.driver.StepFrame(1))
	case key.Matches(msg, m.keys.Snapshot):
		m.act("snapshot", m.driver.Snapshot())
	case key.Matches(msg, m.keys.History):
		m.overlay = OverlayHistory
	case key.Matches(msg, m.keys.Log):
		m.overlay = OverlayLog
	case key.Matches(msg, m.keys.Help):
		m.overlay = OverlayHelp
	}
	return m, nil
}

// act logs the outcome of a user action.
func (m *Model) act(what string, err error) {
	switch {
	case err == nil:
		m.log.Add(debug.KindCommand, "%s", what)
	case errors.Is(err, errors.ErrUnsupported):
		m.log.Add(debug.KindCommand, "%s: not available on %s", what, m.driver.Name())
	default:
		m.log.Add(debug.KindError, "%s: %v", what, err)
	}
}

// previewArea returns the cells available to the frame preview.
func (m Model) previewArea() (cols, rows int) {
	return max(m.width, 1), max(m.height-chromeLines, 1)
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	cols, rows := m.previewArea()
	var body string
	switch m.overlay {
	case OverlayHelp:
		body = m.md.Render(report.Help(m.keys.all()), cols)
	case OverlayHistory:
		body = m.md.Render(report.History(m.rounds, m.driver.Totals()), cols)
	case OverlayLog:
		body = m.log.View(cols, rows)
	default:
		body = m.renderPreview(cols, rows)
	}
	body = lipgloss.NewStyle().MaxHeight(rows).Render(body)

	var last string
	if e, ok := m.log.Last(); ok {
		last = theme.StyleDimmed.Render("  " + e.Message)
	}

	sections := []string{
		m.statusBar.View(),
		body,
		m.renderProgress(),
		last,
		m.help.View(m.keys),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderPreview(cols, rows int) string {
	if !m.connected {
		return preview.Placeholder("DISCONNECTED · Reconnecting...", cols, rows)
	}
	if m.frame == nil {
		return preview.Placeholder("No frame yet · f: final  i: interactive  ?: help", cols, rows)
	}
	b := m.frame.Bounds()
	c, r := preview.Fit(b.Dx(), b.Dy(), cols, rows)
	return lipgloss.PlaceHorizontal(cols, lipgloss.Center, preview.Render(m.frame, c, r))
}

func (m Model) renderProgress() string {
	if !m.status.State.Active() {
		return theme.StyleDimmed.Render("  idle")
	}
	label := lipgloss.NewStyle().Foreground(theme.StateColor(m.status.State.String())).
		Render(fmt.Sprintf("  %-8s %-11s", shortID(m.status.RoundID), m.status.Mode))
	return label + " " + m.bar.ViewAs(float64(m.progress)/100)
}

func capRounds(rs []*session.RoundSummary) []*session.RoundSummary {
	if len(rs) > maxRounds {
		return rs[:maxRounds]
	}
	return rs
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
