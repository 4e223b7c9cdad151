package scene

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/render-bridge/bridge/internal/framebuffer"
	"github.com/render-bridge/bridge/internal/renderer"
)

// SwatchSize caps the resolution of material preview renders.
const SwatchSize = 128

var ErrNothingSelected = errors.New("no objects selected")

// Exporter translates snapshots into backend scene calls and keeps enough
// state to push incremental edits into a running interactive round.
type Exporter struct {
	mu       sync.Mutex
	scene    renderer.Scene
	current  *Snapshot
	displays []framebuffer.Descriptor
	resMult  float64
}

func NewExporter() *Exporter {
	return &Exporter{resMult: 1.0}
}

// SetResMult sets the viewport resolution multiplier applied to
// interactive exports.
func (e *Exporter) SetResMult(m float64) {
	if m <= 0 {
		m = 1.0
	}
	e.mu.Lock()
	e.resMult = m
	e.mu.Unlock()
}

func (e *Exporter) ResMult() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resMult
}

type exportKind int

const (
	exportFinal exportKind = iota
	exportInteractive
	exportBake
	exportSwatch
	exportSelection
)

func (e *Exporter) ExportForFinal(ctx context.Context, snap *Snapshot, sc renderer.Scene, layer string) error {
	return e.export(ctx, snap, sc, layer, exportFinal)
}

func (e *Exporter) ExportForInteractive(ctx context.Context, snap *Snapshot, sc renderer.Scene, layer string) error {
	return e.export(ctx, snap, sc, layer, exportInteractive)
}

func (e *Exporter) ExportForBake(ctx context.Context, snap *Snapshot, sc renderer.Scene, layer string) error {
	return e.export(ctx, snap, sc, layer, exportBake)
}

func (e *Exporter) ExportForSwatch(ctx context.Context, snap *Snapshot, sc renderer.Scene, layer string) error {
	return e.export(ctx, snap, sc, layer, exportSwatch)
}

func (e *Exporter) ExportForSelection(ctx context.Context, snap *Snapshot, sc renderer.Scene, layer string) error {
	return e.export(ctx, snap, sc, layer, exportSelection)
}

func (e *Exporter) export(ctx context.Context, snap *Snapshot, sc renderer.Scene, layer string, kind exportKind) error {
	if snap == nil || sc == nil {
		return errors.New("export: nil scene")
	}
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	width, height := snap.Resolution.Size()
	switch kind {
	case exportInteractive:
		width = max(1, int(float64(width)*e.resMult))
		height = max(1, int(float64(height)*e.resMult))
	case exportSwatch:
		width, height = min(width, SwatchSize), min(height, SwatchSize)
	}

	options := []struct {
		name  string
		value any
	}{
		{renderer.OptionFrame, snap.Frame},
		{renderer.OptionLayer, layer},
		{renderer.OptionCamera, cameraOption(snap.Camera)},
		{renderer.OptionBackground, [3]float32(snap.Background)},
	}
	for _, o := range options {
		if err := sc.SetOption(o.name, o.value); err != nil {
			return fmt.Errorf("setting %s: %w", o.name, err)
		}
	}

	outputs := snap.Outputs
	switch kind {
	case exportInteractive, exportSwatch:
		outputs = outputs[:1]
	case exportBake:
		outputs = []Output{{Name: "bake_albedo", Channels: 3, Semantic: "color"}}
	}

	displays := make([]framebuffer.Descriptor, 0, len(outputs))
	for _, o := range outputs {
		spec := renderer.DisplaySpec{
			Name:     o.Name,
			Width:    width,
			Height:   height,
			Channels: o.Channels,
			Semantic: framebuffer.ParseSemantic(o.Semantic),
		}
		idx, err := sc.AddDisplay(spec)
		if err != nil {
			return fmt.Errorf("adding display %q: %w", o.Name, err)
		}
		d := framebuffer.Descriptor{
			Index:    idx,
			Name:     o.Name,
			Width:    width,
			Height:   height,
			Channels: o.Channels,
			Semantic: spec.Semantic,
		}
		if snap.Border != nil {
			b := *snap.Border
			d.Border = &b
		}
		displays = append(displays, d)
	}

	objects, err := selectObjects(snap, kind)
	if err != nil {
		return err
	}
	for _, o := range objects {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := primitive(o)
		if err != nil {
			return err
		}
		if err := sc.SetPrimitive(p); err != nil {
			return fmt.Errorf("exporting %q: %w", o.Name, err)
		}
	}

	if snap.Border != nil {
		if err := sc.SetCrop(*snap.Border); err != nil {
			return fmt.Errorf("setting crop: %w", err)
		}
	}

	e.scene = sc
	e.current = snap.Clone()
	e.displays = displays
	return nil
}

func selectObjects(snap *Snapshot, kind exportKind) ([]Object, error) {
	var out []Object
	for _, o := range snap.Objects {
		if o.Hidden {
			continue
		}
		switch kind {
		case exportSelection:
			if !o.Selected {
				continue
			}
		case exportBake:
			if !o.Bake {
				continue
			}
		}
		out = append(out, o)
	}
	if kind == exportSelection && len(out) == 0 {
		return nil, ErrNothingSelected
	}
	// A bake with nothing flagged bakes the whole scene.
	if kind == exportBake && len(out) == 0 {
		return selectObjects(snap, exportFinal)
	}
	return out, nil
}

func primitive(o Object) (renderer.Primitive, error) {
	switch o.Kind {
	case KindSphere, "":
		if o.Radius <= 0 {
			return renderer.Primitive{}, fmt.Errorf("object %q: radius must be positive", o.Name)
		}
		return renderer.Primitive{
			Name:   o.Name,
			Kind:   KindSphere,
			Center: [3]float64(o.Center),
			Radius: o.Radius,
			Color:  [3]float32(o.Color),
		}, nil
	}
	return renderer.Primitive{}, fmt.Errorf("object %q: unsupported kind %q", o.Name, o.Kind)
}

func cameraOption(c Camera) renderer.Camera {
	fov := c.FOV
	if fov <= 0 {
		fov = 40
	}
	return renderer.Camera{Position: [3]float64(c.Position), LookAt: [3]float64(c.LookAt), FOV: fov}
}

// UpdateScene pushes object edits into the running scene. Objects that
// changed are re-sent, objects that vanished are removed.
func (e *Exporter) UpdateScene(ctx context.Context, snap *Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scene == nil || e.current == nil {
		return nil
	}

	prev := make(map[string]Object, len(e.current.Objects))
	for _, o := range e.current.Objects {
		if !o.Hidden {
			prev[o.Name] = o
		}
	}

	for _, o := range snap.Objects {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.Hidden {
			continue
		}
		old, ok := prev[o.Name]
		delete(prev, o.Name)
		if ok && old == o {
			continue
		}
		p, err := primitive(o)
		if err != nil {
			return err
		}
		if err := e.scene.SetPrimitive(p); err != nil {
			return fmt.Errorf("updating %q: %w", o.Name, err)
		}
	}
	for name := range prev {
		if err := e.scene.RemovePrimitive(name); err != nil {
			return fmt.Errorf("removing %q: %w", name, err)
		}
	}

	if snap.Background != e.current.Background {
		if err := e.scene.SetOption(renderer.OptionBackground, [3]float32(snap.Background)); err != nil {
			return err
		}
	}

	next := e.current.Clone()
	next.Objects = append([]Object(nil), snap.Objects...)
	next.Background = snap.Background
	e.current = next
	return nil
}

// UpdateView pushes camera and border changes into the running scene.
func (e *Exporter) UpdateView(ctx context.Context, snap *Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scene == nil || e.current == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if snap.Camera != e.current.Camera {
		if err := e.scene.SetOption(renderer.OptionCamera, cameraOption(snap.Camera)); err != nil {
			return err
		}
		e.current.Camera = snap.Camera
	}
	if snap.Border != nil && (e.current.Border == nil || *snap.Border != *e.current.Border) {
		if err := e.setCropLocked(*snap.Border); err != nil {
			return err
		}
	}
	return nil
}

// UpdateCropWindow changes the render region of the running scene.
func (e *Exporter) UpdateCropWindow(r framebuffer.Rect) error {
	if err := r.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scene == nil {
		return nil
	}
	return e.setCropLocked(r)
}

func (e *Exporter) setCropLocked(r framebuffer.Rect) error {
	if err := e.scene.SetCrop(r); err != nil {
		return fmt.Errorf("setting crop: %w", err)
	}
	b := r
	e.current.Border = &b
	for i := range e.displays {
		rb := r
		e.displays[i].Border = &rb
	}
	return nil
}

// Displays returns the descriptors of the last export.
func (e *Exporter) Displays() []framebuffer.Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]framebuffer.Descriptor, len(e.displays))
	copy(out, e.displays)
	return out
}

// Reset drops the cached scene so the next round starts fresh.
func (e *Exporter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scene = nil
	e.current = nil
	e.displays = nil
}
