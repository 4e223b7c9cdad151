// Package host provides a controller host without a window. Its viewport
// is an offscreen image redrawn on request, and blocking-render results
// are collected in memory.
package host

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/render-bridge/bridge/internal/controller"
	"github.com/render-bridge/bridge/internal/framebuffer"
	"github.com/render-bridge/bridge/internal/logx"
)

// ErrSurfaceClosed is returned by TagRedraw once Run has exited.
var ErrSurfaceClosed = errors.New("viewport surface closed")

const maxErrors = 32

// Drawer composites the viewport. *controller.Controller implements it.
type Drawer interface {
	DrawPixels(width, height int) *controller.Frame
}

// Result is one output delivered by a blocking render.
type Result struct {
	Desc   framebuffer.Descriptor
	Pixels [][]float32
	At     time.Time
}

type Headless struct {
	drawer Drawer

	visible atomic.Bool
	brk     atomic.Bool
	closed  atomic.Bool
	redraw  chan struct{}

	redraws      atomic.Int64
	statsRedraws atomic.Int64

	mu            sync.Mutex
	width, height int
	frame         *controller.Frame
	results       map[string]Result
	errs          []string
	onStats       func()
	onFrame       func(*controller.Frame)
}

// NewHeadless returns a visible host whose viewport is width x height.
func NewHeadless(d Drawer, width, height int) *Headless {
	h := &Headless{
		drawer:  d,
		width:   width,
		height:  height,
		redraw:  make(chan struct{}, 1),
		results: make(map[string]Result),
	}
	h.visible.Store(true)
	return h
}

// OnStatsRedraw registers fn to run on every TagStatsRedraw. fn runs on a
// controller goroutine and must not block.
func (h *Headless) OnStatsRedraw(fn func()) {
	h.mu.Lock()
	h.onStats = fn
	h.mu.Unlock()
}

// OnFrame registers fn to receive every composited frame.
func (h *Headless) OnFrame(fn func(*controller.Frame)) {
	h.mu.Lock()
	h.onFrame = fn
	h.mu.Unlock()
}

// Run redraws the viewport whenever one is requested, until ctx is done.
// After Run returns the surface counts as gone.
func (h *Headless) Run(ctx context.Context) {
	defer h.closed.Store(true)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.redraw:
			h.draw()
		}
	}
}

// Resize changes the viewport size used by the next redraw.
func (h *Headless) Resize(width, height int) {
	h.mu.Lock()
	h.width, h.height = width, height
	h.mu.Unlock()
}

// Size returns the current viewport size.
func (h *Headless) Size() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.width, h.height
}

func (h *Headless) draw() {
	if h.drawer == nil {
		return
	}
	w, ht := h.Size()
	f := h.drawer.DrawPixels(w, ht)
	if f == nil {
		return
	}
	h.mu.Lock()
	h.frame = f
	fn := h.onFrame
	h.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

func (h *Headless) ReportError(msg string) {
	logx.Logger().Error("render error", "message", msg)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, msg)
	if over := len(h.errs) - maxErrors; over > 0 {
		h.errs = append(h.errs[:0:0], h.errs[over:]...)
	}
}

func (h *Headless) ViewportsVisible() bool { return h.visible.Load() }

// SetVisible simulates the last viewport closing or reopening.
func (h *Headless) SetVisible(v bool) { h.visible.Store(v) }

func (h *Headless) TagRedraw() error {
	if h.closed.Load() {
		return ErrSurfaceClosed
	}
	h.redraws.Add(1)
	select {
	case h.redraw <- struct{}{}:
	default:
	}
	return nil
}

func (h *Headless) TagStatsRedraw() {
	h.statsRedraws.Add(1)
	h.mu.Lock()
	fn := h.onStats
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (h *Headless) TestBreak() bool { return h.brk.Load() }

// Interrupt makes TestBreak report true until ResetBreak.
func (h *Headless) Interrupt() { h.brk.Store(true) }

func (h *Headless) ResetBreak() { h.brk.Store(false) }

func (h *Headless) UpdateResult(desc framebuffer.Descriptor, pixels [][]float32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results[desc.Name] = Result{Desc: desc, Pixels: pixels, At: time.Now()}
}

// Frame returns the last composited viewport frame.
func (h *Headless) Frame() (*controller.Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frame, h.frame != nil
}

// Results returns the latest result per output, in display order.
func (h *Headless) Results() []Result {
	h.mu.Lock()
	out := make([]Result, 0, len(h.results))
	for _, r := range h.results {
		out = append(out, r)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Desc.Index < out[j].Desc.Index })
	return out
}

func (h *Headless) Errors() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.errs...)
}

func (h *Headless) Redraws() int64      { return h.redraws.Load() }
func (h *Headless) StatsRedraws() int64 { return h.statsRedraws.Load() }
