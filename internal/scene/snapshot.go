// Package scene holds the host-side scene description and translates it
// into backend scene calls.
package scene

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/render-bridge/bridge/internal/framebuffer"
)

type Vec3 [3]float64

type Color [3]float32

// Snapshot is an immutable copy of the host scene taken when a round
// starts or the user edits the scene.
type Snapshot struct {
	Name       string            `yaml:"name" json:"name"`
	Frame      int               `yaml:"frame" json:"frame"`
	FrameStart int               `yaml:"frame_start" json:"frameStart"`
	FrameEnd   int               `yaml:"frame_end" json:"frameEnd"`
	Resolution Resolution        `yaml:"resolution" json:"resolution"`
	Camera     Camera            `yaml:"camera" json:"camera"`
	Background Color             `yaml:"background" json:"background"`
	Objects    []Object          `yaml:"objects" json:"objects"`
	Outputs    []Output          `yaml:"outputs" json:"outputs"`
	Border     *framebuffer.Rect `yaml:"border,omitempty" json:"border,omitempty"`
}

type Resolution struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
	// Percent scales Width and Height; 0 means 100.
	Percent int `yaml:"percent,omitempty" json:"percent,omitempty"`
}

// Size returns the pixel dimensions after applying Percent.
func (r Resolution) Size() (int, int) {
	p := r.Percent
	if p <= 0 {
		p = 100
	}
	return max(1, r.Width*p/100), max(1, r.Height*p/100)
}

type Camera struct {
	Position Vec3    `yaml:"position" json:"position"`
	LookAt   Vec3    `yaml:"look_at" json:"lookAt"`
	FOV      float64 `yaml:"fov" json:"fov"`
}

type Object struct {
	Name   string  `yaml:"name" json:"name"`
	Kind   string  `yaml:"kind" json:"kind"`
	Center Vec3    `yaml:"center" json:"center"`
	Radius float64 `yaml:"radius" json:"radius"`
	Color  Color   `yaml:"color" json:"color"`
	// Motion is added to Center once per frame past FrameStart.
	Motion   Vec3 `yaml:"motion,omitempty" json:"motion,omitempty"`
	Selected bool `yaml:"selected,omitempty" json:"selected,omitempty"`
	Bake     bool `yaml:"bake,omitempty" json:"bake,omitempty"`
	Hidden   bool `yaml:"hidden,omitempty" json:"hidden,omitempty"`
}

// Output is one requested display. The first output is the beauty pass.
type Output struct {
	Name     string `yaml:"name" json:"name"`
	Channels int    `yaml:"channels" json:"channels"`
	Semantic string `yaml:"semantic" json:"semantic"`
}

// Kinds the exporter knows how to translate.
const (
	KindSphere = "sphere"
)

// DefaultOutputs is used when a snapshot declares none.
var DefaultOutputs = []Output{{Name: "beauty", Channels: 4, Semantic: "color"}}

// LoadSnapshot reads a YAML scene file.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := ParseSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseSnapshot decodes and validates a YAML scene.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	s := &Snapshot{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, err
	}
	if len(s.Outputs) == 0 {
		s.Outputs = append([]Output(nil), DefaultOutputs...)
	}
	if s.FrameEnd < s.FrameStart {
		s.FrameEnd = s.FrameStart
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Marshal encodes the snapshot as YAML.
func (s *Snapshot) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

func (s *Snapshot) Validate() error {
	if s.Resolution.Width <= 0 || s.Resolution.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", s.Resolution.Width, s.Resolution.Height)
	}
	seen := make(map[string]bool, len(s.Objects))
	for _, o := range s.Objects {
		if o.Name == "" {
			return fmt.Errorf("object without a name")
		}
		if seen[o.Name] {
			return fmt.Errorf("duplicate object %q", o.Name)
		}
		seen[o.Name] = true
	}
	for _, o := range s.Outputs {
		if o.Channels < 1 || o.Channels > 4 {
			return fmt.Errorf("output %q: %d channels, want 1..4", o.Name, o.Channels)
		}
	}
	if s.Border != nil {
		if err := s.Border.Validate(); err != nil {
			return fmt.Errorf("border: %w", err)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Objects = append([]Object(nil), s.Objects...)
	c.Outputs = append([]Output(nil), s.Outputs...)
	if s.Border != nil {
		b := *s.Border
		c.Border = &b
	}
	return &c
}

// AtFrame returns a copy positioned at frame, with object motion applied.
func (s *Snapshot) AtFrame(frame int) *Snapshot {
	c := s.Clone()
	c.Frame = frame
	steps := float64(frame - s.FrameStart)
	for i := range c.Objects {
		o := &c.Objects[i]
		for k := 0; k < 3; k++ {
			o.Center[k] += o.Motion[k] * steps
		}
	}
	return c
}

// Frames returns the inclusive frame range to export.
func (s *Snapshot) Frames(all bool) []int {
	if !all {
		return []int{s.Frame}
	}
	frames := make([]int, 0, s.FrameEnd-s.FrameStart+1)
	for f := s.FrameStart; f <= s.FrameEnd; f++ {
		frames = append(frames, f)
	}
	return frames
}

// Default returns a small built-in scene: three spheres on a large ground
// sphere.
func Default() *Snapshot {
	return &Snapshot{
		Name:       "default",
		Frame:      1,
		FrameStart: 1,
		FrameEnd:   1,
		Resolution: Resolution{Width: 320, Height: 180},
		Camera: Camera{
			Position: Vec3{0, 0.75, 3},
			LookAt:   Vec3{0, 0.5, -1},
			FOV:      40,
		},
		Background: Color{0.55, 0.7, 0.9},
		Objects: []Object{
			{Name: "ground", Kind: KindSphere, Center: Vec3{0, -100, -1}, Radius: 100, Color: Color{0.8, 0.8, 0.8}},
			{Name: "left", Kind: KindSphere, Center: Vec3{-1, 0.5, -1}, Radius: 0.5, Color: Color{0.8, 0.3, 0.3}},
			{Name: "center", Kind: KindSphere, Center: Vec3{0, 0.5, -1}, Radius: 0.5, Color: Color{0.3, 0.8, 0.3}, Selected: true},
			{Name: "right", Kind: KindSphere, Center: Vec3{1, 0.5, -1}, Radius: 0.5, Color: Color{0.3, 0.3, 0.8}, Bake: true},
		},
		Outputs: []Output{
			{Name: "beauty", Channels: 4, Semantic: "color"},
			{Name: "depth", Channels: 1, Semantic: "data"},
			{Name: "normal", Channels: 3, Semantic: "vector"},
		},
	}
}
