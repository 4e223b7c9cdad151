package ws

import (
	"github.com/render-bridge/bridge/internal/framebuffer"
	"github.com/render-bridge/bridge/internal/session"
	"github.com/render-bridge/bridge/internal/stats"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgState    MessageType = "state"
	MsgProgress MessageType = "progress"
	MsgStats    MessageType = "stats"
	MsgFrame    MessageType = "frame"
	MsgRound    MessageType = "round"
	MsgError    MessageType = "error"
	MsgResult   MessageType = "result"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

type SnapshotPayload struct {
	Status session.Status          `json:"status"`
	Rounds []*session.RoundSummary `json:"rounds"`
	Stats  *stats.Payload          `json:"stats,omitempty"`
}

type ProgressPayload struct {
	RoundID  string `json:"roundId"`
	Progress int    `json:"progress"`
}

type ErrorPayload struct {
	RoundID string `json:"roundId,omitempty"`
	Message string `json:"message"`
}

// FramePayload carries the latest composited frame as PNG. encoding/json
// base64-encodes the bytes.
type FramePayload struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Progress int    `json:"progress"`
	PNG      []byte `json:"png"`
}

// Inbound command types sent by display clients.
const (
	CmdStop     = "stop"
	CmdCrop     = "crop"
	CmdRender   = "render"
	CmdSnapshot = "snapshot"
)

type Command struct {
	Type  string            `json:"type"`
	ID    string            `json:"id,omitempty"`
	Crop  *framebuffer.Rect `json:"crop,omitempty"`
	Mode  string            `json:"mode,omitempty"`
	Path  string            `json:"path,omitempty"`
	Frame int               `json:"frame,omitempty"`
}

// ResultPayload answers one Command, echoing its ID.
type ResultPayload struct {
	ID    string `json:"id,omitempty"`
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Path  string `json:"path,omitempty"`
}
