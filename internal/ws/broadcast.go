package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/render-bridge/bridge/internal/logx"
	"github.com/render-bridge/bridge/internal/session"
	"github.com/render-bridge/bridge/internal/stats"
)

// ErrTooManyConnections is returned by AddClient when maxConns is reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			if c.b != nil {
				c.b.RemoveClient(c)
			}
			return
		}
	}
}

// Sources are the read-only views the broadcaster pulls from. Nil funcs
// are skipped.
type Sources struct {
	Snapshot func() SnapshotPayload
	// Frame returns the latest composited frame and the round progress.
	Frame func() (image.Image, int, bool)
	Stats func() stats.Payload
}

// Broadcaster fans controller events out to display clients. State and
// progress are coalesced over the throttle window; round results and
// errors go out immediately.
type Broadcaster struct {
	mu             sync.RWMutex
	clients        map[*client]bool
	src            Sources
	throttle       time.Duration
	maxConns       int
	snapshotTicker *time.Ticker
	seq            atomic.Uint64

	// active is set while a round is running so the live loop pushes
	// frames; finalFrame requests one more push after the round ends.
	active     atomic.Bool
	finalFrame atomic.Bool

	flushMu         sync.Mutex
	pendingState    *session.Status
	pendingProgress *ProgressPayload
	flushTimer      *time.Timer

	stop     chan struct{}
	stopOnce sync.Once
}

func NewBroadcaster(src Sources, throttle, snapshotInterval time.Duration, maxConns int) *Broadcaster {
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		src:      src,
		throttle: throttle,
		maxConns: maxConns,
		stop:     make(chan struct{}),
	}

	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()

	return b
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, 64),
	}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	b.mu.Unlock()

	go c.writePump()
	b.Send(c, WSMessage{Type: MsgSnapshot, Payload: b.snapshot()})

	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

// Send queues msg for a single client, dropping it if the client is behind.
func (b *Broadcaster) Send(c *client, msg WSMessage) {
	data, err := b.encode(msg)
	if err != nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// Run forwards controller events until ctx is done or events is closed.
func (b *Broadcaster) Run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.Publish(ev)
		}
	}
}

func (b *Broadcaster) Publish(ev session.Event) {
	switch ev.Type {
	case session.EventState:
		b.active.Store(ev.Status.State.Active())
		st := ev.Status
		b.queue(func() { b.pendingState = &st })
	case session.EventProgress:
		p := &ProgressPayload{RoundID: ev.Status.RoundID, Progress: ev.Progress}
		b.queue(func() { b.pendingProgress = p })
	case session.EventRound:
		b.flush()
		b.finalFrame.Store(true)
		b.broadcast(WSMessage{Type: MsgRound, Payload: ev.Round})
	case session.EventError:
		b.broadcast(WSMessage{Type: MsgError, Payload: ErrorPayload{
			RoundID: ev.Status.RoundID,
			Message: ev.Message,
		}})
	}
}

func (b *Broadcaster) queue(set func()) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	set()
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	st, p := b.pendingState, b.pendingProgress
	b.pendingState, b.pendingProgress = nil, nil
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.flushMu.Unlock()

	if st != nil {
		b.broadcast(WSMessage{Type: MsgState, Payload: st})
	}
	if p != nil {
		b.broadcast(WSMessage{Type: MsgProgress, Payload: p})
	}
}

// StartLive pushes frames and stats every interval while a round is
// active and anyone is listening.
func (b *Broadcaster) StartLive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go b.liveLoop(interval)
}

func (b *Broadcaster) liveLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-t.C:
		}
		if b.ClientCount() == 0 {
			continue
		}
		final := b.finalFrame.Swap(false)
		if !b.active.Load() && !final {
			continue
		}
		if b.src.Stats != nil {
			b.broadcast(WSMessage{Type: MsgStats, Payload: b.src.Stats()})
		}
		if msg, ok := b.frameMessage(); ok {
			b.broadcast(msg)
		}
	}
}

func (b *Broadcaster) frameMessage() (WSMessage, bool) {
	if b.src.Frame == nil {
		return WSMessage{}, false
	}
	img, progress, ok := b.src.Frame()
	if !ok || img == nil {
		return WSMessage{}, false
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		logx.Logger().Debug("frame encode failed", "error", err)
		return WSMessage{}, false
	}
	bounds := img.Bounds()
	return WSMessage{Type: MsgFrame, Payload: FramePayload{
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Progress: progress,
		PNG:      buf.Bytes(),
	}}, true
}

func (b *Broadcaster) snapshot() SnapshotPayload {
	if b.src.Snapshot == nil {
		return SnapshotPayload{}
	}
	return b.src.Snapshot()
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.snapshotTicker.C:
			b.broadcast(WSMessage{Type: MsgSnapshot, Payload: b.snapshot()})
		}
	}
}

func (b *Broadcaster) encode(msg WSMessage) ([]byte, error) {
	msg.Seq = b.seq.Add(1)
	data, err := json.Marshal(msg)
	if err != nil {
		logx.Logger().Error("broadcast marshal error", "type", msg.Type, "error", err)
	}
	return data, err
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := b.encode(msg)
	if err != nil {
		return
	}

	// Sends happen under the read lock so RemoveClient cannot close a
	// channel mid-send.
	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		// Client can't keep up, disconnect it
		logx.Logger().Warn("ws client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop ends the background loops and disconnects every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
		b.snapshotTicker.Stop()

		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.flushMu.Unlock()

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
	})
}
