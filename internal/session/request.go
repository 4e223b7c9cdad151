package session

import (
	"encoding/json"
	"fmt"

	"github.com/render-bridge/bridge/internal/framebuffer"
	"github.com/render-bridge/bridge/internal/renderer"
	"github.com/render-bridge/bridge/internal/scene"
)

type Mode int

const (
	ModeFinal Mode = iota
	ModeInteractive
	ModeSwatch
	ModeBake
	ModeBackground
	ModeExport
)

var modeNames = map[Mode]string{
	ModeFinal:       "final",
	ModeInteractive: "interactive",
	ModeSwatch:      "swatch",
	ModeBake:        "bake",
	ModeBackground:  "background",
	ModeExport:      "export",
}

func (m Mode) String() string {
	if n, ok := modeNames[m]; ok {
		return n
	}
	return "unknown"
}

func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Mode) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	v, err := ParseMode(n)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func ParseMode(name string) (Mode, error) {
	for m, n := range modeNames {
		if n == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown render mode %q", name)
}

// Blocks reports whether entry points for this mode return only once the
// round has finished.
func (m Mode) Blocks() bool {
	return m != ModeInteractive
}

// Render targets for Options.RenderInto.
const (
	IntoViewport = "viewport"
	IntoExternal = "external"
)

// Options are the per-request knobs that are not part of the scene.
type Options struct {
	// OutputPath is the archive path pattern for export rounds. <F4> and
	// <F> expand to the frame number.
	OutputPath  string                 `json:"outputPath,omitempty"`
	Crop        *framebuffer.Rect      `json:"crop,omitempty"`
	Format      renderer.ArchiveFormat `json:"format,omitempty"`
	Compression string                 `json:"compression,omitempty"`
	AllFrames   bool                   `json:"allFrames,omitempty"`
	// Bake turns background and export rounds into their bake variants.
	Bake          bool   `json:"bake,omitempty"`
	SelectionOnly bool   `json:"selectionOnly,omitempty"`
	RenderInto    string `json:"renderInto,omitempty"`
}

// RenderRequest describes one round. It is passed by value and never
// modified after the round starts.
type RenderRequest struct {
	Mode      Mode            `json:"mode"`
	Scene     *scene.Snapshot `json:"-"`
	ViewLayer string          `json:"viewLayer,omitempty"`
	Options   Options         `json:"options"`
}

// Validate checks the request shape before a round is claimed.
func (r RenderRequest) Validate() error {
	if _, ok := modeNames[r.Mode]; !ok {
		return fmt.Errorf("unknown render mode %d", int(r.Mode))
	}
	if r.Scene == nil {
		return fmt.Errorf("%s render: no scene", r.Mode)
	}
	if r.Options.Crop != nil {
		if err := r.Options.Crop.Validate(); err != nil {
			return fmt.Errorf("%s render: %w", r.Mode, err)
		}
	}
	if r.Mode == ModeExport && r.Options.OutputPath == "" {
		return fmt.Errorf("export render: no output path")
	}
	switch r.Options.Format {
	case "", renderer.FormatASCII, renderer.FormatBinary:
	default:
		return fmt.Errorf("%s render: unknown archive format %q", r.Mode, r.Options.Format)
	}
	switch r.Options.Compression {
	case "", "gzip":
	default:
		return fmt.Errorf("%s render: unknown compression %q", r.Mode, r.Options.Compression)
	}
	return nil
}
