// Package local is an in-process render backend. It shades spheres with a
// single directional light over progressive tiled passes, which is enough
// to drive the session controller end to end without an external renderer.
package local

import (
	"fmt"
	"image"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/render-bridge/bridge/internal/config"
	"github.com/render-bridge/bridge/internal/framebuffer"
	"github.com/render-bridge/bridge/internal/logx"
	"github.com/render-bridge/bridge/internal/renderer"
)

// Backend implements renderer.Backend.
type Backend struct {
	cfg    config.BackendConfig
	events *dispatcher

	mu     sync.Mutex
	scenes map[string]*Scene
	active *Scene

	displayServer atomic.Bool
}

func New(cfg config.BackendConfig) *Backend {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 32
	}
	if cfg.Passes <= 0 {
		cfg.Passes = 1
	}
	return &Backend{
		cfg:    cfg,
		events: &dispatcher{},
		scenes: make(map[string]*Scene),
	}
}

func (b *Backend) CreateScene(p renderer.Params) (renderer.Scene, error) {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.scenes[id]; ok {
		return nil, fmt.Errorf("scene %s already exists", id)
	}
	workers := b.cfg.Workers
	if p.Threads > 0 {
		workers = p.Threads
	}
	s := newScene(id, b, workers)
	b.scenes[id] = s
	logx.Logger().Debug("backend: scene created", "scene", id, "label", p.Label)
	return s, nil
}

func (b *Backend) DeleteScene(rs renderer.Scene) error {
	s, ok := rs.(*Scene)
	if !ok || s == nil {
		return fmt.Errorf("not a local scene: %T", rs)
	}

	b.mu.Lock()
	if _, ok := b.scenes[s.id]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", renderer.ErrSceneDeleted, s.id)
	}
	delete(b.scenes, s.id)
	if b.active == s {
		b.active = nil
	}
	b.mu.Unlock()

	s.Stop()
	s.markDeleted()
	logx.Logger().Debug("backend: scene deleted", "scene", s.id)
	return nil
}

// Scenes returns the number of live scenes.
func (b *Backend) Scenes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.scenes)
}

func (b *Backend) Events() renderer.Dispatcher { return b.events }

func (b *Backend) Display() renderer.Display { return display{b} }

func (b *Backend) SetDisplayServer(enabled bool) { b.displayServer.Store(enabled) }

// DisplayServerEnabled reports the last SetDisplayServer value.
func (b *Backend) DisplayServerEnabled() bool { return b.displayServer.Load() }

func (b *Backend) PID() int32 { return int32(os.Getpid()) }

// Progress reports the progress of the scene currently rendering.
func (b *Backend) Progress() (int, bool) {
	s := b.activeScene()
	if s == nil || !s.Running() {
		return 0, false
	}
	return int(s.progress.Load()), true
}

func (b *Backend) setActive(s *Scene) {
	b.mu.Lock()
	b.active = s
	b.mu.Unlock()
}

func (b *Backend) activeScene() *Scene {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// display reads the buffers of the active scene.
type display struct{ b *Backend }

func (d display) NumChannels(i int) int {
	s := d.b.activeScene()
	if s == nil {
		return -1
	}
	return s.numChannels(i)
}

func (d display) FloatBuffer(i int) (framebuffer.View, bool) {
	s := d.b.activeScene()
	if s == nil {
		return framebuffer.View{}, false
	}
	return s.floatBuffer(i)
}

func (d display) ActiveRegion(i int) (image.Rectangle, bool) {
	s := d.b.activeScene()
	if s == nil {
		return image.Rectangle{}, false
	}
	return s.activeRegion(i)
}

// dispatcher is the backend event callback table.
type dispatcher struct {
	mu       sync.RWMutex
	handlers [renderer.NumEventKinds]renderer.Handler
}

func (d *dispatcher) RegisterCallback(kind renderer.EventKind, fn renderer.Handler) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %d", renderer.ErrUnknownEvent, int(kind))
	}
	d.mu.Lock()
	d.handlers[kind] = fn
	d.mu.Unlock()
	return nil
}

func (d *dispatcher) UnregisterCallback(kind renderer.EventKind) {
	if !kind.Valid() {
		return
	}
	d.mu.Lock()
	d.handlers[kind] = nil
	d.mu.Unlock()
}

func (d *dispatcher) emit(kind renderer.EventKind, payload int) {
	d.mu.RLock()
	fn := d.handlers[kind]
	d.mu.RUnlock()
	if fn != nil {
		fn(kind, payload)
	}
}
