package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/render-bridge/bridge/internal/session"
	"github.com/render-bridge/bridge/internal/stats"
)

// dialPair creates a test HTTP server that upgrades to WebSocket and returns
// the server-side and client-side connections. Everything is closed on
// test cleanup.
func dialPair(t *testing.T) (server, clientConn *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	select {
	case server = <-connCh:
		t.Cleanup(func() { server.Close() })
		return server, clientConn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil
	}
}

// dialTestWS returns only the server side. The client side stays open
// until cleanup so writes to it succeed.
func dialTestWS(t *testing.T) *websocket.Conn {
	t.Helper()
	server, _ := dialPair(t)
	return server
}

type rawMessage struct {
	Type    MessageType     `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// readUntil reads messages until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want MessageType) rawMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		var msg rawMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decoding message: %v", err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func TestAddClient_MaxConnections(t *testing.T) {
	const maxConns = 2
	b := NewBroadcaster(Sources{}, 100*time.Millisecond, time.Hour, maxConns)
	defer b.Stop()

	var clients []*client
	for i := 0; i < maxConns; i++ {
		c, err := b.AddClient(dialTestWS(t))
		if err != nil {
			t.Fatalf("AddClient[%d]: unexpected error: %v", i, err)
		}
		clients = append(clients, c)
	}

	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients, got %d", maxConns, got)
	}

	_, err := b.AddClient(dialTestWS(t))
	if !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("expected ErrTooManyConnections, got %v", err)
	}

	// Remove one client, then adding should succeed again.
	b.RemoveClient(clients[0])

	if _, err := b.AddClient(dialTestWS(t)); err != nil {
		t.Fatalf("AddClient after removal: unexpected error: %v", err)
	}
	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients after re-add, got %d", maxConns, got)
	}
}

func TestAddClient_ZeroMaxConnections_Unlimited(t *testing.T) {
	b := NewBroadcaster(Sources{}, 100*time.Millisecond, time.Hour, 0)
	defer b.Stop()

	for i := 0; i < 10; i++ {
		if _, err := b.AddClient(dialTestWS(t)); err != nil {
			t.Fatalf("AddClient[%d]: unexpected error with maxConns=0: %v", i, err)
		}
	}

	if got := b.ClientCount(); got != 10 {
		t.Fatalf("expected 10 clients, got %d", got)
	}
}

// TestWritePump_RemovesClientOnWriteError verifies that a write error
// removes the dead client from the broadcaster.
func TestWritePump_RemovesClientOnWriteError(t *testing.T) {
	serverConn := dialTestWS(t)

	b := NewBroadcaster(Sources{}, time.Hour, time.Hour, 0)
	defer b.Stop()

	// Build a client directly so we control when writePump starts.
	c := &client{
		conn: serverConn,
		b:    b,
		send: make(chan []byte, 64),
	}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	serverConn.Close()
	c.send <- []byte(`{"type":"test"}`)
	go c.writePump()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.ClientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("client not removed after write error; ClientCount = %d", b.ClientCount())
}

func TestAddClient_SendsSnapshot(t *testing.T) {
	src := Sources{Snapshot: func() SnapshotPayload {
		return SnapshotPayload{
			Status: session.Status{State: session.Live, RoundID: "r1"},
			Rounds: []*session.RoundSummary{{ID: "r0", Outcome: session.OutcomeCompleted}},
		}
	}}
	b := NewBroadcaster(src, time.Hour, time.Hour, 0)
	defer b.Stop()

	server, clientConn := dialPair(t)
	if _, err := b.AddClient(server); err != nil {
		t.Fatal(err)
	}

	msg := readUntil(t, clientConn, MsgSnapshot)
	var p SnapshotPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Status.State != session.Live || p.Status.RoundID != "r1" {
		t.Errorf("status = %+v", p.Status)
	}
	if len(p.Rounds) != 1 || p.Rounds[0].ID != "r0" {
		t.Errorf("rounds = %+v", p.Rounds)
	}
}

func TestPublish_CoalescesProgress(t *testing.T) {
	b := NewBroadcaster(Sources{}, 30*time.Millisecond, time.Hour, 0)
	defer b.Stop()

	server, clientConn := dialPair(t)
	if _, err := b.AddClient(server); err != nil {
		t.Fatal(err)
	}
	readUntil(t, clientConn, MsgSnapshot)

	st := session.Status{State: session.Blocking, RoundID: "r1"}
	for _, p := range []int{10, 20, 30} {
		b.Publish(session.Event{Type: session.EventProgress, Status: st, Progress: p})
	}

	msg := readUntil(t, clientConn, MsgProgress)
	var p ProgressPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Progress != 30 || p.RoundID != "r1" {
		t.Errorf("progress = %+v, want the latest value only", p)
	}
}

func TestPublish_RoundFlushesPendingState(t *testing.T) {
	b := NewBroadcaster(Sources{}, time.Hour, time.Hour, 0)
	defer b.Stop()

	server, clientConn := dialPair(t)
	if _, err := b.AddClient(server); err != nil {
		t.Fatal(err)
	}
	readUntil(t, clientConn, MsgSnapshot)

	b.Publish(session.Event{Type: session.EventState, Status: session.Status{State: session.Stopping}})
	b.Publish(session.Event{Type: session.EventRound, Round: &session.RoundSummary{ID: "r9", Outcome: session.OutcomeCancelled}})

	// The throttle is an hour, so the state only arrives because the round
	// result flushed it first.
	state := readUntil(t, clientConn, MsgState)
	var st session.Status
	if err := json.Unmarshal(state.Payload, &st); err != nil {
		t.Fatal(err)
	}
	if st.State != session.Stopping {
		t.Errorf("state = %v, want stopping", st.State)
	}

	round := readUntil(t, clientConn, MsgRound)
	if round.Seq <= state.Seq {
		t.Errorf("round seq %d not after state seq %d", round.Seq, state.Seq)
	}
	var r session.RoundSummary
	if err := json.Unmarshal(round.Payload, &r); err != nil {
		t.Fatal(err)
	}
	if r.ID != "r9" || r.Outcome != session.OutcomeCancelled {
		t.Errorf("round = %+v", r)
	}
}

func TestPublish_ErrorIsImmediate(t *testing.T) {
	b := NewBroadcaster(Sources{}, time.Hour, time.Hour, 0)
	defer b.Stop()

	server, clientConn := dialPair(t)
	if _, err := b.AddClient(server); err != nil {
		t.Fatal(err)
	}
	readUntil(t, clientConn, MsgSnapshot)

	b.Publish(session.Event{Type: session.EventError, Status: session.Status{RoundID: "r2"}, Message: "Export failed: boom"})

	msg := readUntil(t, clientConn, MsgError)
	var p ErrorPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Message != "Export failed: boom" || p.RoundID != "r2" {
		t.Errorf("error payload = %+v", p)
	}
}

func TestLiveLoop_PushesFramesWhileActive(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	src := Sources{
		Frame: func() (image.Image, int, bool) { return img, 42, true },
		Stats: func() stats.Payload { return stats.Payload{Connected: true, Progress: 42} },
	}
	b := NewBroadcaster(src, time.Millisecond, time.Hour, 0)
	defer b.Stop()

	server, clientConn := dialPair(t)
	if _, err := b.AddClient(server); err != nil {
		t.Fatal(err)
	}
	readUntil(t, clientConn, MsgSnapshot)

	b.Publish(session.Event{Type: session.EventState, Status: session.Status{State: session.Live}})
	b.StartLive(5 * time.Millisecond)

	st := readUntil(t, clientConn, MsgStats)
	var sp stats.Payload
	if err := json.Unmarshal(st.Payload, &sp); err != nil {
		t.Fatal(err)
	}
	if !sp.Connected || sp.Progress != 42 {
		t.Errorf("stats = %+v", sp)
	}

	msg := readUntil(t, clientConn, MsgFrame)
	var fp FramePayload
	if err := json.Unmarshal(msg.Payload, &fp); err != nil {
		t.Fatal(err)
	}
	if fp.Width != 4 || fp.Height != 2 || fp.Progress != 42 {
		t.Errorf("frame = %dx%d at %d%%", fp.Width, fp.Height, fp.Progress)
	}
	decoded, err := png.Decode(bytes.NewReader(fp.PNG))
	if err != nil {
		t.Fatalf("decoding frame: %v", err)
	}
	if r, _, _, _ := decoded.At(1, 1).RGBA(); r>>8 != 255 {
		t.Errorf("pixel (1,1) red = %d, want 255", r>>8)
	}
}

func TestBroadcaster_SequenceNumberIncrement(t *testing.T) {
	b := NewBroadcaster(Sources{}, time.Hour, time.Hour, 0)
	defer b.Stop()

	var last uint64
	for i := 0; i < 5; i++ {
		data, err := b.encode(WSMessage{Type: MsgState})
		if err != nil {
			t.Fatal(err)
		}
		var msg rawMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Seq != last+1 {
			t.Fatalf("seq = %d, want %d", msg.Seq, last+1)
		}
		last = msg.Seq
	}
}

func TestStop_DisconnectsClients(t *testing.T) {
	b := NewBroadcaster(Sources{}, time.Hour, time.Hour, 0)
	for i := 0; i < 3; i++ {
		if _, err := b.AddClient(dialTestWS(t)); err != nil {
			t.Fatal(err)
		}
	}
	b.Stop()
	b.Stop()

	if got := b.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients after Stop, got %d", got)
	}
	// Publishing after Stop must not panic.
	b.Publish(session.Event{Type: session.EventError, Message: "late"})
}
