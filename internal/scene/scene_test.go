package scene

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/render-bridge/bridge/internal/framebuffer"
	"github.com/render-bridge/bridge/internal/renderer"
)

type recordingScene struct {
	options    map[string]any
	displays   []renderer.DisplaySpec
	primitives map[string]renderer.Primitive
	removed    []string
	crop       *framebuffer.Rect
	setCalls   int
	failPrim   error
}

func newRecordingScene() *recordingScene {
	return &recordingScene{
		options:    make(map[string]any),
		primitives: make(map[string]renderer.Primitive),
	}
}

func (s *recordingScene) ID() string { return "rec" }

func (s *recordingScene) SetOption(name string, value any) error {
	s.options[name] = value
	return nil
}

func (s *recordingScene) AddDisplay(spec renderer.DisplaySpec) (int, error) {
	s.displays = append(s.displays, spec)
	return len(s.displays) - 1, nil
}

func (s *recordingScene) SetPrimitive(p renderer.Primitive) error {
	if s.failPrim != nil {
		return s.failPrim
	}
	s.setCalls++
	s.primitives[p.Name] = p
	return nil
}

func (s *recordingScene) RemovePrimitive(name string) error {
	s.removed = append(s.removed, name)
	delete(s.primitives, name)
	return nil
}

func (s *recordingScene) SetCrop(r framebuffer.Rect) error {
	s.crop = &r
	return nil
}

func (s *recordingScene) Render(string) error { return nil }
func (s *recordingScene) Stop() error         { return nil }

func primitiveNames(s *recordingScene) []string {
	var names []string
	for n := range s.primitives {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func TestParseSnapshot(t *testing.T) {
	data := []byte(`
name: shot
frame: 3
frame_start: 1
frame_end: 4
resolution: {width: 640, height: 360, percent: 50}
camera: {position: [0, 1, 5], look_at: [0, 0, 0], fov: 35}
objects:
  - {name: ball, kind: sphere, center: [0, 0, 0], radius: 1, color: [1, 0, 0], motion: [1, 0, 0]}
border: {min_x: 0.25, max_x: 0.75, min_y: 0, max_y: 1}
`)
	s, err := ParseSnapshot(data)
	require.NoError(t, err)

	w, h := s.Resolution.Size()
	assert.Equal(t, 320, w)
	assert.Equal(t, 180, h)
	assert.Equal(t, DefaultOutputs, s.Outputs)
	assert.Equal(t, []int{1, 2, 3, 4}, s.Frames(true))
	assert.Equal(t, []int{3}, s.Frames(false))

	at := s.AtFrame(4)
	assert.Equal(t, 3.0, at.Objects[0].Center[0])
	assert.Equal(t, 0.0, s.Objects[0].Center[0], "AtFrame must not mutate the original")

	out, err := s.Marshal()
	require.NoError(t, err)
	back, err := ParseSnapshot(out)
	require.NoError(t, err)
	assert.Equal(t, s, back)
}

func TestParseSnapshotInvalid(t *testing.T) {
	tests := map[string]string{
		"no resolution":   `name: x`,
		"duplicate names": "resolution: {width: 1, height: 1}\nobjects: [{name: a}, {name: a}]",
		"bad channels":    "resolution: {width: 1, height: 1}\noutputs: [{name: a, channels: 5}]",
		"bad border":      "resolution: {width: 1, height: 1}\nborder: {min_x: 0.5, max_x: 0.2, max_y: 1}",
		"bad yaml":        "resolution: [",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSnapshot([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scene.yaml")
	data, err := Default().Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s, err := LoadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, "default", s.Name)
	assert.Len(t, s.Objects, 4)

	_, err = LoadSnapshot(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestExportForFinal(t *testing.T) {
	e := NewExporter()
	sc := newRecordingScene()
	snap := Default()

	require.NoError(t, e.ExportForFinal(context.Background(), snap, sc, "main"))

	assert.Equal(t, "main", sc.options[renderer.OptionLayer])
	assert.Equal(t, 1, sc.options[renderer.OptionFrame])
	require.Len(t, sc.displays, 3)
	assert.Equal(t, framebuffer.Data, sc.displays[1].Semantic)
	assert.Equal(t, []string{"center", "ground", "left", "right"}, primitiveNames(sc))

	d := e.Displays()
	require.Len(t, d, 3)
	assert.Equal(t, 320, d[0].Width)
	assert.Equal(t, "normal", d[2].Name)
	assert.Equal(t, 3, d[2].Channels)
}

func TestExportVariants(t *testing.T) {
	tests := []struct {
		name      string
		export    func(*Exporter, context.Context, *Snapshot, renderer.Scene, string) error
		wantPrims []string
		wantW     int
		displays  int
	}{
		{"interactive", (*Exporter).ExportForInteractive, []string{"center", "ground", "left", "right"}, 160, 1},
		{"swatch", (*Exporter).ExportForSwatch, []string{"center", "ground", "left", "right"}, SwatchSize, 1},
		{"bake", (*Exporter).ExportForBake, []string{"right"}, 320, 1},
		{"selection", (*Exporter).ExportForSelection, []string{"center"}, 320, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExporter()
			e.SetResMult(0.5)
			sc := newRecordingScene()
			require.NoError(t, tt.export(e, context.Background(), Default(), sc, ""))
			assert.Equal(t, tt.wantPrims, primitiveNames(sc))
			require.Len(t, sc.displays, tt.displays)
			assert.Equal(t, tt.wantW, sc.displays[0].Width)
		})
	}
}

func TestExportSelectionEmpty(t *testing.T) {
	snap := Default()
	for i := range snap.Objects {
		snap.Objects[i].Selected = false
	}
	err := NewExporter().ExportForSelection(context.Background(), snap, newRecordingScene(), "")
	assert.ErrorIs(t, err, ErrNothingSelected)
}

func TestExportErrors(t *testing.T) {
	ctx := context.Background()

	snap := Default()
	snap.Objects[0].Kind = "volume"
	assert.ErrorContains(t, NewExporter().ExportForFinal(ctx, snap, newRecordingScene(), ""), "unsupported kind")

	sc := newRecordingScene()
	sc.failPrim = errors.New("backend refused")
	assert.ErrorContains(t, NewExporter().ExportForFinal(ctx, Default(), sc, ""), "backend refused")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, NewExporter().ExportForFinal(cancelled, Default(), newRecordingScene(), ""), context.Canceled)

	assert.Error(t, NewExporter().ExportForFinal(ctx, nil, newRecordingScene(), ""))
}

func TestUpdateSceneDiffs(t *testing.T) {
	ctx := context.Background()
	e := NewExporter()
	sc := newRecordingScene()
	require.NoError(t, e.ExportForInteractive(ctx, Default(), sc, ""))
	sc.setCalls = 0

	edit := Default()
	edit.Objects[1].Color = Color{1, 1, 0} // left changed
	edit.Objects = edit.Objects[:3]        // right removed
	edit.Background = Color{0, 0, 0}

	require.NoError(t, e.UpdateScene(ctx, edit))
	assert.Equal(t, 1, sc.setCalls)
	assert.Equal(t, []string{"right"}, sc.removed)
	assert.Equal(t, [3]float32{1, 1, 0}, sc.primitives["left"].Color)
	assert.Equal(t, [3]float32{0, 0, 0}, sc.options[renderer.OptionBackground])

	// A second identical update sends nothing.
	require.NoError(t, e.UpdateScene(ctx, edit))
	assert.Equal(t, 1, sc.setCalls)
}

func TestUpdateViewAndCrop(t *testing.T) {
	ctx := context.Background()
	e := NewExporter()
	sc := newRecordingScene()

	// No scene exported yet: updates are ignored.
	require.NoError(t, e.UpdateView(ctx, Default()))
	require.NoError(t, e.UpdateCropWindow(framebuffer.Rect{MaxX: 1, MaxY: 1}))
	assert.Nil(t, sc.crop)

	require.NoError(t, e.ExportForInteractive(ctx, Default(), sc, ""))

	moved := Default()
	moved.Camera.Position = Vec3{5, 5, 5}
	require.NoError(t, e.UpdateView(ctx, moved))
	cam := sc.options[renderer.OptionCamera].(renderer.Camera)
	assert.Equal(t, [3]float64{5, 5, 5}, cam.Position)

	crop := framebuffer.Rect{MinX: 0.1, MaxX: 0.9, MinY: 0.2, MaxY: 0.8}
	require.NoError(t, e.UpdateCropWindow(crop))
	require.NotNil(t, sc.crop)
	assert.Equal(t, crop, *sc.crop)
	assert.Equal(t, crop, *e.Displays()[0].Border)

	assert.Error(t, e.UpdateCropWindow(framebuffer.Rect{MinX: 2}))

	e.Reset()
	assert.Empty(t, e.Displays())
}

func TestExpandFrame(t *testing.T) {
	tests := []struct {
		pattern string
		frame   int
		want    string
	}{
		{"out/shot.<F4>.rib", 7, "out/shot.0007.rib"},
		{"out/shot_<F>.rib", 12, "out/shot_12.rib"},
		{"<F4>/<F>", 3, "0003/3"},
		{"plain.rib", 5, "plain.rib"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpandFrame(tt.pattern, tt.frame), tt.pattern)
	}
}
