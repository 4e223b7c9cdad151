package local

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/render-bridge/bridge/internal/framebuffer"
	"github.com/render-bridge/bridge/internal/logx"
	"github.com/render-bridge/bridge/internal/renderer"
)

var ErrAlreadyRendering = errors.New("scene is already rendering")

// buffer is one display. accum is written by tile workers; pix is the
// published copy readers see.
type buffer struct {
	spec  renderer.DisplaySpec
	accum []float32
	pix   []float32
	ready bool
}

// Scene implements renderer.Scene.
type Scene struct {
	id      string
	backend *Backend
	workers int

	mu         sync.Mutex
	camera     renderer.Camera
	background [3]float32
	frame      int
	layer      string
	extra      map[string]any
	displays   []*buffer
	prims      map[string]renderer.Primitive
	crop       *framebuffer.Rect
	region     image.Rectangle
	version    uint64
	deleted    bool

	edited   chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	running  atomic.Bool
	progress atomic.Int32
}

func newScene(id string, b *Backend, workers int) *Scene {
	return &Scene{
		id:      id,
		backend: b,
		workers: workers,
		camera:  renderer.Camera{Position: [3]float64{0, 0, 3}, FOV: 40},
		extra:   make(map[string]any),
		prims:   make(map[string]renderer.Primitive),
		edited:  make(chan struct{}, 1),
	}
}

func (s *Scene) ID() string { return s.id }

// Running reports whether a render is in flight.
func (s *Scene) Running() bool { return s.running.Load() }

func (s *Scene) markDeleted() {
	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()
}

// touch records an edit so a live render restarts its passes. Caller holds mu.
func (s *Scene) touch() {
	s.version++
	select {
	case s.edited <- struct{}{}:
	default:
	}
}

func (s *Scene) SetOption(name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return renderer.ErrSceneDeleted
	}

	switch name {
	case renderer.OptionCamera:
		c, ok := value.(renderer.Camera)
		if !ok {
			return fmt.Errorf("option %s: want renderer.Camera, got %T", name, value)
		}
		s.camera = c
	case renderer.OptionBackground:
		c, ok := value.([3]float32)
		if !ok {
			return fmt.Errorf("option %s: want [3]float32, got %T", name, value)
		}
		s.background = c
	case renderer.OptionFrame:
		f, ok := value.(int)
		if !ok {
			return fmt.Errorf("option %s: want int, got %T", name, value)
		}
		s.frame = f
	case renderer.OptionLayer:
		l, ok := value.(string)
		if !ok {
			return fmt.Errorf("option %s: want string, got %T", name, value)
		}
		s.layer = l
	default:
		s.extra[name] = value
	}
	s.touch()
	return nil
}

func (s *Scene) AddDisplay(spec renderer.DisplaySpec) (int, error) {
	if spec.Width <= 0 || spec.Height <= 0 {
		return 0, fmt.Errorf("display %q: invalid size %dx%d", spec.Name, spec.Width, spec.Height)
	}
	if spec.Channels < 1 || spec.Channels > 4 {
		return 0, fmt.Errorf("display %q: %d channels", spec.Name, spec.Channels)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return 0, renderer.ErrSceneDeleted
	}
	if s.running.Load() {
		return 0, ErrAlreadyRendering
	}
	if len(s.displays) > 0 {
		first := s.displays[0].spec
		if first.Width != spec.Width || first.Height != spec.Height {
			return 0, fmt.Errorf("display %q: size %dx%d differs from %dx%d",
				spec.Name, spec.Width, spec.Height, first.Width, first.Height)
		}
	}
	n := spec.Width * spec.Height * spec.Channels
	s.displays = append(s.displays, &buffer{
		spec:  spec,
		accum: make([]float32, n),
		pix:   make([]float32, n),
	})
	return len(s.displays) - 1, nil
}

func (s *Scene) SetPrimitive(p renderer.Primitive) error {
	if p.Name == "" {
		return errors.New("primitive without a name")
	}
	if p.Kind != "sphere" {
		return fmt.Errorf("primitive %q: unsupported kind %q", p.Name, p.Kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return renderer.ErrSceneDeleted
	}
	s.prims[p.Name] = p
	s.touch()
	return nil
}

func (s *Scene) RemovePrimitive(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return renderer.ErrSceneDeleted
	}
	if _, ok := s.prims[name]; !ok {
		return fmt.Errorf("no primitive %q", name)
	}
	delete(s.prims, name)
	s.touch()
	return nil
}

func (s *Scene) SetCrop(r framebuffer.Rect) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return renderer.ErrSceneDeleted
	}
	s.crop = &r
	s.touch()
	return nil
}

// Render runs cmd. Render commands start asynchronously and report through
// the backend's event callbacks; archive commands complete before returning.
func (s *Scene) Render(cmd string) error {
	c, err := renderer.ParseCommand(cmd)
	if err != nil {
		return err
	}

	s.mu.Lock()
	deleted := s.deleted
	s.mu.Unlock()
	if deleted {
		return renderer.ErrSceneDeleted
	}

	if c.Verb == "archive" {
		return s.writeArchive(c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.displays) == 0 {
		return errors.New("render: scene has no displays")
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRendering
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.progress.Store(0)
	s.backend.setActive(s)

	go s.run(ctx, c.Kind, s.done)
	return nil
}

// Stop cancels a running render and waits for its workers to exit.
func (s *Scene) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (s *Scene) run(ctx context.Context, kind renderer.RenderKind, done chan struct{}) {
	events := s.backend.events
	log := logx.Logger().With("scene", s.id, "kind", string(kind))
	defer func() {
		s.running.Store(false)
		close(done)
		events.emit(renderer.EventRender, 0)
	}()

	passes := s.backend.cfg.Passes
	for {
		select {
		case <-s.edited:
		default:
		}
		s.mu.Lock()
		version := s.version
		s.mu.Unlock()

		restarted := false
		for pass := 1; pass <= passes; pass++ {
			if err := s.renderPass(ctx, pass, kind == renderer.RenderBake); err != nil {
				log.Debug("render pass aborted", "pass", pass, "error", err)
				return
			}
			p := pass * 100 / passes
			s.progress.Store(int32(p))
			events.emit(renderer.EventProgress, p)

			s.mu.Lock()
			changed := s.version != version
			s.mu.Unlock()
			if changed && kind == renderer.RenderLive {
				restarted = true
				break
			}
			if pass < passes && !sleepCtx(ctx, s.backend.cfg.PassDelay) {
				return
			}
		}

		if kind != renderer.RenderLive {
			log.Debug("render complete", "passes", passes)
			return
		}
		if restarted {
			continue
		}

		// Live renders stay resident until the scene is edited or stopped.
		select {
		case <-ctx.Done():
			return
		case <-s.edited:
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Scene) numChannels(i int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.displays) || !s.displays[i].ready {
		return -1
	}
	return s.displays[i].spec.Channels
}

func (s *Scene) floatBuffer(i int) (framebuffer.View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.displays) || !s.displays[i].ready {
		return framebuffer.View{}, false
	}
	d := s.displays[i]
	pix := make([]float32, len(d.pix))
	copy(pix, d.pix)
	v, err := framebuffer.NewView(pix, d.spec.Width, d.spec.Height, d.spec.Channels)
	if err != nil {
		return framebuffer.View{}, false
	}
	return v, true
}

func (s *Scene) activeRegion(i int) (image.Rectangle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.displays) || !s.running.Load() || s.region.Empty() {
		return image.Rectangle{}, false
	}
	return s.region, true
}

// sortedPrimitives returns primitives in name order. Caller holds mu.
func (s *Scene) sortedPrimitives() []renderer.Primitive {
	out := make([]renderer.Primitive, 0, len(s.prims))
	for _, p := range s.prims {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
