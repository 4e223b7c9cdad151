// Package framebuffer converts the render backend's native float pixel
// buffers into the layouts the host consumes: a flat RGBA sequence for
// on-screen preview, and per-pixel channel tuples for final image assembly.
package framebuffer

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
)

// Semantic describes how an output's channels should be interpreted.
type Semantic int

const (
	Color Semantic = iota
	Data
	Vector
)

var semanticNames = map[Semantic]string{
	Color:  "color",
	Data:   "data",
	Vector: "vector",
}

func (s Semantic) String() string {
	if n, ok := semanticNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Semantic) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ParseSemantic maps a display channel type onto a Semantic. Unknown names
// are treated as raw data.
func ParseSemantic(name string) Semantic {
	for k, v := range semanticNames {
		if v == name {
			return k
		}
	}
	return Data
}

// Rect is a border or crop window in normalized [0,1] image coordinates.
type Rect struct {
	MinX float64 `json:"minX" yaml:"min_x"`
	MaxX float64 `json:"maxX" yaml:"max_x"`
	MinY float64 `json:"minY" yaml:"min_y"`
	MaxY float64 `json:"maxY" yaml:"max_y"`
}

// Validate rejects windows that are empty or fall outside [0,1].
func (r Rect) Validate() error {
	for _, v := range []float64{r.MinX, r.MaxX, r.MinY, r.MaxY} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("crop value %v outside [0,1]", v)
		}
	}
	if r.MinX >= r.MaxX || r.MinY >= r.MaxY {
		return fmt.Errorf("empty crop window %+v", r)
	}
	return nil
}

// Descriptor identifies one backend output image.
type Descriptor struct {
	Index    int      `json:"index"`
	Name     string   `json:"name"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	Channels int      `json:"channels"`
	Semantic Semantic `json:"semantic"`
	Border   *Rect    `json:"border,omitempty"`
}

// Bounds returns the pixel-space region covered by the descriptor's border.
func (d Descriptor) Bounds() image.Rectangle {
	return Bounds(d.Border, d.Width, d.Height)
}

// Layout names the channel layout a host result pass should use.
func (d Descriptor) Layout() string {
	switch d.Channels {
	case 4:
		return "RGBA"
	case 3:
		if d.Semantic == Color {
			return "RGB"
		}
		return "XYZ"
	case 2:
		return "XY"
	default:
		return "X"
	}
}

// Bounds converts a normalized border into pixel bounds. A nil border
// covers the full image. The result is clamped to the image.
func Bounds(border *Rect, width, height int) image.Rectangle {
	full := image.Rect(0, 0, width, height)
	if border == nil {
		return full
	}
	r := image.Rect(
		int(math.Floor(float64(width)*border.MinX)),
		int(math.Floor(float64(height)*border.MinY)),
		int(math.Floor(float64(width)*border.MaxX)),
		int(math.Floor(float64(height)*border.MaxY)),
	)
	return r.Intersect(full)
}
