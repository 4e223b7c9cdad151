// Package renderer defines the contract between the session controller and
// a render backend. The backend is opaque: the controller creates a scene,
// populates it through an exporter, issues a command string, and receives
// progress through registered event callbacks.
package renderer

import (
	"errors"
	"fmt"
	"image"

	"github.com/render-bridge/bridge/internal/framebuffer"
)

// EventKind is a backend event a callback can be registered for.
type EventKind int

const (
	// EventProgress carries a percentage in 0..100.
	EventProgress EventKind = iota
	// EventRender carries a status code; 0 means the renderer exited.
	EventRender

	NumEventKinds
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventRender:
		return "render"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	return k >= 0 && k < NumEventKinds
}

// Handler receives backend events. It runs on a backend goroutine and must
// not block.
type Handler func(kind EventKind, payload int)

var (
	ErrUnknownEvent = errors.New("unknown event kind")
	ErrSceneDeleted = errors.New("scene has been deleted")
	ErrNoSuchOutput = errors.New("no such display output")
)

// Dispatcher is the backend's event callback table.
type Dispatcher interface {
	RegisterCallback(kind EventKind, fn Handler) error
	UnregisterCallback(kind EventKind)
}

// Params configures a new backend scene.
type Params struct {
	// ID is echoed back by Scene.ID.
	ID    string
	Label string
	// Threads bounds backend parallelism; 0 lets the backend decide.
	Threads int
}

// Option names understood by backends, with the value type each expects.
const (
	OptionCamera     = "camera"     // Camera
	OptionBackground = "background" // [3]float32
	OptionFrame      = "frame"      // int
	OptionLayer      = "layer"      // string
)

// Camera is a pinhole camera in world space.
type Camera struct {
	Position [3]float64
	LookAt   [3]float64
	FOV      float64 // vertical, degrees
}

// DisplaySpec declares one output image on a scene.
type DisplaySpec struct {
	Name     string
	Width    int
	Height   int
	Channels int
	Semantic framebuffer.Semantic
}

// Primitive is a renderable object handed to the backend.
type Primitive struct {
	Name   string
	Kind   string
	Center [3]float64
	Radius float64
	Color  [3]float32
}

// Scene is a backend scene handle, valid for one round.
type Scene interface {
	ID() string
	SetOption(name string, value any) error
	AddDisplay(spec DisplaySpec) (int, error)
	SetPrimitive(p Primitive) error
	RemovePrimitive(name string) error
	SetCrop(r framebuffer.Rect) error
	Render(cmd string) error
	Stop() error
}

// Display exposes the float buffers of the running scene.
type Display interface {
	// NumChannels returns -1 while output i is not ready.
	NumChannels(i int) int
	FloatBuffer(i int) (framebuffer.View, bool)
	// ActiveRegion returns the bucket the backend is currently working
	// on, in buffer coordinates (row 0 at the bottom).
	ActiveRegion(i int) (image.Rectangle, bool)
}

// Backend is a render backend process or library.
type Backend interface {
	CreateScene(p Params) (Scene, error)
	DeleteScene(s Scene) error
	Events() Dispatcher
	Display() Display
	// SetDisplayServer toggles the backend's own display server, used
	// when rendering to an external viewer instead of the host viewport.
	SetDisplayServer(enabled bool)
	// PID is the process id stats are sampled from.
	PID() int32
}
