package controller

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strconv"
	"strings"
	"sync"

	"github.com/render-bridge/bridge/internal/framebuffer"
	"github.com/render-bridge/bridge/internal/logx"
	"github.com/render-bridge/bridge/internal/renderer"
	"github.com/render-bridge/bridge/internal/scene"
	"github.com/render-bridge/bridge/internal/session"
)

// Frame is one composited viewport image.
type Frame struct {
	Image *image.RGBA
	// Buckets are the recently active render regions in viewport
	// coordinates, newest first.
	Buckets []image.Rectangle
	// Progress is the percentage drawn along the bottom edge, or -1.
	Progress int
}

type viewport struct {
	mu            sync.Mutex
	width, height int
	buckets       []image.Rectangle
	last          image.Image
}

func (v *viewport) clearBuckets() {
	v.mu.Lock()
	v.buckets = nil
	v.mu.Unlock()
}

// push records b as the newest bucket, keeping at most limit.
func (v *viewport) push(b image.Rectangle, limit int) {
	if len(v.buckets) > 0 && v.buckets[0] == b {
		return
	}
	v.buckets = append([]image.Rectangle{b}, v.buckets...)
	if limit > 0 && len(v.buckets) > limit {
		v.buckets = v.buckets[:limit]
	}
}

// keep stores the beauty output of d as the last frame.
func (v *viewport) keep(d renderer.Display) {
	buf, ok := d.FloatBuffer(0)
	if !ok {
		return
	}
	img, ok := framebuffer.Image(buf)
	if !ok {
		return
	}
	v.mu.Lock()
	v.last = img
	v.mu.Unlock()
}

// DrawPixels composes the current beauty output at width x height with the
// bucket and progress overlays. It returns nil when no round is rendering
// into the viewport or no pixels are ready yet.
func (c *Controller) DrawPixels(width, height int) *Frame {
	if width <= 0 || height <= 0 || !c.sess.Viewport.Load() {
		return nil
	}
	disp := c.backend.Display()
	buf, ok := disp.FloatBuffer(0)
	if !ok {
		return nil
	}
	src, ok := framebuffer.Image(buf)
	if !ok {
		return nil
	}
	img := framebuffer.Scale(src, width, height)
	cfg := c.config().Viewport
	f := &Frame{Image: img, Progress: -1}

	c.vp.mu.Lock()
	defer c.vp.mu.Unlock()
	c.vp.width, c.vp.height = width, height

	if cfg.DrawBuckets {
		if region, ok := disp.ActiveRegion(0); ok {
			c.vp.push(bucketRect(region, buf.Width, buf.Height, width, height), cfg.MaxBuckets)
		}
		col := parseHexColor(cfg.BucketColor)
		for _, b := range c.vp.buckets {
			strokeRect(img, b, col)
		}
		f.Buckets = append([]image.Rectangle(nil), c.vp.buckets...)
	}
	if cfg.DrawProgress && c.stats.IsConnected() {
		if p := c.stats.Progress(); p < 100 {
			drawProgress(img, p, parseHexColor(cfg.ProgressColor))
			f.Progress = p
		}
	}
	c.vp.last = img
	return f
}

// bucketRect maps a backend region (row 0 at the bottom) of a bw x bh
// buffer into a top-down vw x vh viewport.
func bucketRect(r image.Rectangle, bw, bh, vw, vh int) image.Rectangle {
	sx := float64(vw) / float64(bw)
	sy := float64(vh) / float64(bh)
	return image.Rect(
		int(float64(r.Min.X)*sx),
		int(float64(bh-r.Max.Y)*sy),
		int(float64(r.Max.X)*sx),
		int(float64(bh-r.Min.Y)*sy),
	)
}

func strokeRect(img *image.RGBA, r image.Rectangle, col color.RGBA) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	for x := r.Min.X; x < r.Max.X; x++ {
		img.SetRGBA(x, r.Min.Y, col)
		img.SetRGBA(x, r.Max.Y-1, col)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		img.SetRGBA(r.Min.X, y, col)
		img.SetRGBA(r.Max.X-1, y, col)
	}
}

// drawProgress draws a one pixel line one row above the bottom edge.
func drawProgress(img *image.RGBA, p int, col color.RGBA) {
	b := img.Bounds()
	if b.Dy() < 2 {
		return
	}
	y := b.Max.Y - 2
	end := b.Min.X + b.Dx()*p/100
	for x := b.Min.X; x < end; x++ {
		img.SetRGBA(x, y, col)
	}
}

var defaultOverlay = color.RGBA{R: 0x00, G: 0x7f, B: 0xff, A: 0xff}

// parseHexColor parses #rrggbb, falling back to the default overlay color.
func parseHexColor(s string) color.RGBA {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return defaultOverlay
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return defaultOverlay
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}

// SaveViewportSnapshot writes the viewport's beauty output to a TIFF at
// path, with <F4> and <F> replaced by frame. It returns the written path.
func (c *Controller) SaveViewportSnapshot(path string, frame int) (string, error) {
	if !c.sess.Viewport.Load() {
		return "", ErrNoViewport
	}
	buf, ok := c.backend.Display().FloatBuffer(0)
	if !ok {
		logx.Logger().Error("Could not save snapshot.")
		return "", errors.New("snapshot: no pixels yet")
	}
	img, ok := framebuffer.Image64(buf)
	if !ok {
		logx.Logger().Error("Could not save snapshot.")
		return "", errors.New("snapshot: unreadable buffer")
	}
	out := scene.ExpandFrame(path, frame)
	if err := framebuffer.WriteTIFF(out, img); err != nil {
		return "", err
	}
	logx.Logger().Info("Saved viewport snapshot", "path", out)
	return out, nil
}

// FrameImage returns the newest image the session produced: the live
// beauty output if there is one, otherwise the last composited or kept
// frame.
func (c *Controller) FrameImage() (image.Image, bool) {
	if buf, ok := c.backend.Display().FloatBuffer(0); ok {
		if img, ok := framebuffer.Image(buf); ok {
			return img, true
		}
	}
	c.vp.mu.Lock()
	defer c.vp.mu.Unlock()
	return c.vp.last, c.vp.last != nil
}

func (c *Controller) liveInteractive() bool {
	return c.sess.Interactive.Load() && c.sess.State() == session.Live
}

// UpdateScene pushes scene edits into a live interactive round. It does
// nothing otherwise.
func (c *Controller) UpdateScene(ctx context.Context, snap *scene.Snapshot) error {
	if !c.liveInteractive() {
		return nil
	}
	return c.exporter.UpdateScene(ctx, snap)
}

// UpdateView pushes camera and border changes into a live interactive
// round. It does nothing otherwise.
func (c *Controller) UpdateView(ctx context.Context, snap *scene.Snapshot) error {
	if !c.liveInteractive() {
		return nil
	}
	return c.exporter.UpdateView(ctx, snap)
}

// UpdateCropWindow changes the crop of a live interactive round.
func (c *Controller) UpdateCropWindow(r framebuffer.Rect) error {
	if !c.liveInteractive() {
		return nil
	}
	return c.exporter.UpdateCropWindow(r)
}
