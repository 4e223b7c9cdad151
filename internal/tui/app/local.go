package app

import (
	"context"
	"fmt"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/render-bridge/bridge/internal/controller"
	"github.com/render-bridge/bridge/internal/framebuffer"
	"github.com/render-bridge/bridge/internal/host"
	"github.com/render-bridge/bridge/internal/scene"
	"github.com/render-bridge/bridge/internal/session"
	"github.com/render-bridge/bridge/internal/stats"
	"github.com/render-bridge/bridge/internal/tui/client"
	"github.com/render-bridge/bridge/internal/tui/preview"
	"github.com/render-bridge/bridge/internal/ws"
)

const feedSize = 64

// LocalOptions configures an in-process driver.
type LocalOptions struct {
	Controller   *controller.Controller
	Host         *host.Headless
	Scene        *scene.Snapshot
	Options      session.Options
	Stats        *stats.Manager // optional
	Tracker      *stats.Tracker // optional
	SnapshotPath string
}

// Local drives an in-process controller through a headless host. Controller
// events, host frames and stats redraws all arrive on one feed.
type Local struct {
	ctl          *controller.Controller
	host         *host.Headless
	opts         session.Options
	sm           *stats.Manager
	tracker      *stats.Tracker
	snapshotPath string

	events chan session.Event
	feed   chan tea.Msg

	mu    sync.Mutex
	base  *scene.Snapshot
	frame int
	ctx   context.Context
}

// NewLocal wires the host callbacks and registers for controller events.
// Extra event channels are registered alongside the driver's own.
func NewLocal(o LocalOptions, extra ...chan<- session.Event) *Local {
	l := &Local{
		ctl:          o.Controller,
		host:         o.Host,
		opts:         o.Options,
		sm:           o.Stats,
		tracker:      o.Tracker,
		snapshotPath: o.SnapshotPath,
		events:       make(chan session.Event, feedSize),
		feed:         make(chan tea.Msg, feedSize),
		base:         o.Scene,
		frame:        o.Scene.Frame,
		ctx:          context.Background(),
	}
	l.ctl.SetEvents(append([]chan<- session.Event{l.events}, extra...)...)
	l.host.OnFrame(func(f *controller.Frame) {
		l.push(client.FrameMsg{Image: f.Image, Progress: f.Progress})
	})
	if l.sm != nil {
		l.host.OnStatsRedraw(func() {
			l.push(client.StatsMsg{Payload: l.sm.Payload()})
		})
	}
	return l
}

func (l *Local) Name() string { return "local" }

// Connect remembers ctx for rounds started later and queues the initial
// snapshot.
func (l *Local) Connect(ctx context.Context) tea.Cmd {
	l.mu.Lock()
	l.ctx = ctx
	l.mu.Unlock()
	snap := ws.SnapshotPayload{Status: l.ctl.Status(), Rounds: l.ctl.Rounds().GetAll()}
	if l.sm != nil {
		p := l.sm.Payload()
		snap.Stats = &p
	}
	l.push(client.SnapshotMsg{Payload: snap})
	return func() tea.Msg { return client.ConnectedMsg{} }
}

func (l *Local) Next(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-l.feed:
			return msg
		case ev := <-l.events:
			return eventMsg(ev)
		}
	}
}

// eventMsg converts a controller event to the message a display server
// would have sent for it.
func eventMsg(ev session.Event) tea.Msg {
	switch ev.Type {
	case session.EventState:
		return client.StateMsg{Status: ev.Status}
	case session.EventProgress:
		return client.ProgressMsg{Payload: ws.ProgressPayload{RoundID: ev.Status.RoundID, Progress: ev.Progress}}
	case session.EventRound:
		return client.RoundMsg{Round: ev.Round}
	default:
		return client.ErrorMsg{Payload: ws.ErrorPayload{RoundID: ev.Status.RoundID, Message: ev.Message}}
	}
}

// push queues msg without blocking; it is dropped when the feed is full.
func (l *Local) push(msg tea.Msg) {
	select {
	case l.feed <- msg:
	default:
	}
}

// Render starts a round in the background. Blocking modes run until done
// or interrupted.
func (l *Local) Render(mode session.Mode) error {
	if st := l.ctl.Status(); st.State != session.Idle {
		return fmt.Errorf("%w (%s)", controller.ErrSessionBusy, st.State)
	}
	l.mu.Lock()
	ctx := l.ctx
	snap := l.base.AtFrame(l.frame)
	l.mu.Unlock()

	l.host.ResetBreak()
	l.host.SetVisible(true)
	req := session.RenderRequest{Mode: mode, Scene: snap, Options: l.opts}
	go func() {
		if err := l.ctl.Start(ctx, l.host, req); err != nil {
			l.push(client.ErrorMsg{Payload: ws.ErrorPayload{Message: fmt.Sprintf("%s: %v", mode, err)}})
		}
	}()
	return nil
}

// Stop tears the round down without waiting for its goroutines.
func (l *Local) Stop() error {
	_, err := l.ctl.StopAndDetach()
	return err
}

// Interrupt breaks a blocking render at the next check and closes the
// viewport so an interactive round ends too.
func (l *Local) Interrupt() error {
	l.host.Interrupt()
	l.host.SetVisible(false)
	return nil
}

func (l *Local) Crop(r framebuffer.Rect) error {
	return l.ctl.UpdateCropWindow(r)
}

// StepFrame moves the scene by delta frames within its range and pushes
// the change into a live interactive round.
func (l *Local) StepFrame(delta int) error {
	l.mu.Lock()
	next := min(max(l.frame+delta, l.base.FrameStart), l.base.FrameEnd)
	l.frame = next
	snap := l.base.AtFrame(next)
	ctx := l.ctx
	l.mu.Unlock()
	return l.ctl.UpdateScene(ctx, snap)
}

// Frame returns the current scene frame.
func (l *Local) Frame() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frame
}

func (l *Local) Snapshot() error {
	path, err := l.ctl.SaveViewportSnapshot(l.snapshotPath, l.Frame())
	if err != nil {
		return err
	}
	l.push(client.ResultMsg{Payload: ws.ResultPayload{Type: ws.CmdSnapshot, OK: true, Path: path}})
	return nil
}

// Resize fits the scene's aspect into the preview area and redraws.
func (l *Local) Resize(cols, rows int) {
	w, h := l.base.Resolution.Size()
	c, r := preview.Fit(w, h, cols, rows)
	if c == 0 || r == 0 {
		return
	}
	l.host.Resize(c, r*2)
	if l.ctl.Status().Viewport {
		l.host.TagRedraw()
	}
}

func (l *Local) Totals() *stats.Totals {
	if l.tracker == nil {
		return nil
	}
	return l.tracker.Totals()
}

func (l *Local) Close() error { return nil }
