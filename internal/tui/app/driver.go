package app

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/render-bridge/bridge/internal/framebuffer"
	"github.com/render-bridge/bridge/internal/session"
	"github.com/render-bridge/bridge/internal/stats"
	"github.com/render-bridge/bridge/internal/tui/client"
	"github.com/render-bridge/bridge/internal/ws"
)

// Driver runs rounds on behalf of the TUI and feeds it client messages.
// Connect yields client.ConnectedMsg; Next yields one feed message and is
// reissued by the model after each one.
type Driver interface {
	Name() string
	Connect(ctx context.Context) tea.Cmd
	Next(ctx context.Context) tea.Cmd

	Render(mode session.Mode) error
	Stop() error
	Interrupt() error
	Crop(r framebuffer.Rect) error
	StepFrame(delta int) error
	Snapshot() error

	// Resize tells the driver how many cells the preview may use.
	Resize(cols, rows int)
	// Totals returns lifetime totals, or nil when unknown.
	Totals() *stats.Totals
	Close() error
}

// Remote drives a render-bridge display server over its WebSocket.
type Remote struct {
	ws   *client.WSClient
	addr string
}

func NewRemote(c *client.WSClient, addr string) *Remote {
	return &Remote{ws: c, addr: addr}
}

func (r *Remote) Name() string                        { return r.addr }
func (r *Remote) Connect(ctx context.Context) tea.Cmd { return r.ws.Listen(ctx) }
func (r *Remote) Next(ctx context.Context) tea.Cmd    { return r.ws.Next(ctx) }

func (r *Remote) Render(mode session.Mode) error {
	return r.send(ws.Command{Type: ws.CmdRender, Mode: mode.String()})
}

func (r *Remote) Stop() error { return r.send(ws.Command{Type: ws.CmdStop}) }

// Interrupt stops the round; the server has no separate break.
func (r *Remote) Interrupt() error { return r.Stop() }

func (r *Remote) Crop(rect framebuffer.Rect) error {
	return r.send(ws.Command{Type: ws.CmdCrop, Crop: &rect})
}

func (r *Remote) StepFrame(int) error { return errors.ErrUnsupported }

func (r *Remote) Snapshot() error { return r.send(ws.Command{Type: ws.CmdSnapshot}) }

func (r *Remote) Resize(int, int)       {}
func (r *Remote) Totals() *stats.Totals { return nil }
func (r *Remote) Close() error          { return r.ws.Close() }

func (r *Remote) send(cmd ws.Command) error {
	_, err := r.ws.Send(cmd)
	return err
}
