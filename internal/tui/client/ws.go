// Package client connects the TUI to a running render-bridge display server
// and turns its broadcasts into Bubble Tea messages.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/render-bridge/bridge/internal/logx"
	"github.com/render-bridge/bridge/internal/session"
	"github.com/render-bridge/bridge/internal/stats"
	"github.com/render-bridge/bridge/internal/ws"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// ErrNotConnected is returned by Send while no connection is up.
var ErrNotConnected = errors.New("not connected")

// WSClient manages the WebSocket connection to the display server.
type WSClient struct {
	url   string
	token string

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes (ping, commands)
	conn    *websocket.Conn
	seq     uint64
	pingCtx context.CancelFunc // cancels the active ping goroutine
}

// NewWSClient creates a client that connects to the given WebSocket URL.
func NewWSClient(url, token string) *WSClient {
	return &WSClient{url: url, token: token}
}

// --- Bubble Tea messages ---

// ConnectedMsg is sent when the feed is up.
type ConnectedMsg struct{}

// DisconnectedMsg is sent when the connection drops.
type DisconnectedMsg struct{ Err error }

// SnapshotMsg delivers the full session view.
type SnapshotMsg struct{ Payload ws.SnapshotPayload }

// StateMsg carries a session state change.
type StateMsg struct{ Status session.Status }

// ProgressMsg carries round progress.
type ProgressMsg struct{ Payload ws.ProgressPayload }

// StatsMsg carries backend process stats.
type StatsMsg struct{ Payload stats.Payload }

// FrameMsg carries the latest viewport frame.
type FrameMsg struct {
	Image    image.Image
	Progress int
}

// RoundMsg is sent when a round finishes.
type RoundMsg struct{ Round *session.RoundSummary }

// ErrorMsg wraps an error reported by a round.
type ErrorMsg struct{ Payload ws.ErrorPayload }

// ResultMsg answers a command.
type ResultMsg struct{ Payload ws.ResultPayload }

type envelope struct {
	Type    ws.MessageType  `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// Listen returns a Bubble Tea command that connects to the server. It keeps
// retrying with exponential backoff until it connects or ctx is done.
func (c *WSClient) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		delay := reconnectBaseDelay
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			hdr := http.Header{}
			if c.token != "" {
				hdr.Set("X-Render-Bridge-Token", c.token)
			}
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, hdr)
			if err != nil {
				logx.Logger().Debug("ws dial failed", "url", c.url, "error", err, "retry", delay)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(delay):
				}
				delay = min(delay*2, reconnectMaxDelay)
				continue
			}

			// Cancel any previous ping goroutine.
			c.mu.Lock()
			if c.pingCtx != nil {
				c.pingCtx()
			}
			pingCtx, pingCancel := context.WithCancel(ctx)
			c.conn = conn
			c.seq = 0
			c.pingCtx = pingCancel
			c.mu.Unlock()

			go c.pingLoop(pingCtx, conn)

			return ConnectedMsg{}
		}
	}
}

// Next returns a Bubble Tea command that reads until the next message the
// TUI cares about. Issue it again after every message it yields.
func (c *WSClient) Next(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return DisconnectedMsg{Err: ErrNotConnected}
		}

		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongTimeout))
			return nil
		})
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
				conn.Close()
				if ctx.Err() != nil {
					return nil
				}
				return DisconnectedMsg{Err: err}
			}

			var msg envelope
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}

			c.mu.Lock()
			c.seq = msg.Seq
			c.mu.Unlock()

			if teaMsg := dispatch(msg); teaMsg != nil {
				return teaMsg
			}
		}
	}
}

// pingLoop sends periodic pings on the given connection. It exits when the
// context is cancelled or the connection changes.
func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send writes cmd to the server, assigning an ID when it has none. The
// answer arrives later as a ResultMsg.
func (c *WSClient) Send(cmd ws.Command) (string, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return "", ErrNotConnected
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(cmd); err != nil {
		return "", fmt.Errorf("sending %s: %w", cmd.Type, err)
	}
	return cmd.ID, nil
}

// Close drops the connection and stops pinging.
func (c *WSClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.pingCtx != nil {
		c.pingCtx()
		c.pingCtx = nil
	}
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Seq returns the last seen sequence number.
func (c *WSClient) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

func dispatch(msg envelope) tea.Msg {
	switch msg.Type {
	case ws.MsgSnapshot:
		var p ws.SnapshotPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return SnapshotMsg{Payload: p}
		}
	case ws.MsgState:
		var p session.Status
		if json.Unmarshal(msg.Payload, &p) == nil {
			return StateMsg{Status: p}
		}
	case ws.MsgProgress:
		var p ws.ProgressPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return ProgressMsg{Payload: p}
		}
	case ws.MsgStats:
		var p stats.Payload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return StatsMsg{Payload: p}
		}
	case ws.MsgFrame:
		var p ws.FramePayload
		if json.Unmarshal(msg.Payload, &p) != nil {
			return nil
		}
		img, err := png.Decode(bytes.NewReader(p.PNG))
		if err != nil {
			logx.Logger().Debug("bad frame", "error", err)
			return nil
		}
		return FrameMsg{Image: img, Progress: p.Progress}
	case ws.MsgRound:
		var p session.RoundSummary
		if json.Unmarshal(msg.Payload, &p) == nil {
			return RoundMsg{Round: &p}
		}
	case ws.MsgError:
		var p ws.ErrorPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return ErrorMsg{Payload: p}
		}
	case ws.MsgResult:
		var p ws.ResultPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return ResultMsg{Payload: p}
		}
	}
	return nil
}
