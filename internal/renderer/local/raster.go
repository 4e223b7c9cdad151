package local

import (
	"context"
	"image"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/render-bridge/bridge/internal/framebuffer"
	"github.com/render-bridge/bridge/internal/renderer"
)

type vec3 [3]float64

func (a vec3) add(b vec3) vec3      { return vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }
func (a vec3) sub(b vec3) vec3      { return vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func (a vec3) scale(f float64) vec3 { return vec3{a[0] * f, a[1] * f, a[2] * f} }
func (a vec3) dot(b vec3) float64   { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func (a vec3) cross(b vec3) vec3 {
	return vec3{a[1]*b[2] - a[2]*b[1], a[2]*b[0] - a[0]*b[2], a[0]*b[1] - a[1]*b[0]}
}

func (a vec3) norm() vec3 {
	l := math.Sqrt(a.dot(a))
	if l == 0 {
		return a
	}
	return a.scale(1 / l)
}

var lightDir = vec3{1, 1, 1}.norm()

// frame is the immutable geometry a pass renders against.
type frame struct {
	width, height int
	origin        vec3
	forward       vec3
	right         vec3
	up            vec3
	halfH         float64
	aspect        float64
	background    [3]float32
	prims         []renderer.Primitive
}

func newFrame(cam renderer.Camera, bg [3]float32, prims []renderer.Primitive, w, h int) frame {
	fwd := vec3(cam.LookAt).sub(vec3(cam.Position)).norm()
	if fwd == (vec3{}) {
		fwd = vec3{0, 0, -1}
	}
	worldUp := vec3{0, 1, 0}
	if math.Abs(fwd.dot(worldUp)) > 0.999 {
		worldUp = vec3{0, 0, 1}
	}
	right := fwd.cross(worldUp).norm()
	return frame{
		width:      w,
		height:     h,
		origin:     vec3(cam.Position),
		forward:    fwd,
		right:      right,
		up:         right.cross(fwd),
		halfH:      math.Tan(cam.FOV * math.Pi / 360),
		aspect:     float64(w) / float64(h),
		background: bg,
		prims:      prims,
	}
}

// hit is the shading result for one camera sample.
type hit struct {
	color  [3]float32
	albedo [3]float32
	depth  float32
	normal [3]float32
}

// trace shades image position (fx, fy), with fy measured from the top.
func (f *frame) trace(fx, fy float64) hit {
	u := (2*fx/float64(f.width) - 1) * f.aspect * f.halfH
	v := (1 - 2*fy/float64(f.height)) * f.halfH
	dir := f.forward.add(f.right.scale(u)).add(f.up.scale(v)).norm()

	best := math.Inf(1)
	var bestP *renderer.Primitive
	for i := range f.prims {
		p := &f.prims[i]
		oc := f.origin.sub(vec3(p.Center))
		b := oc.dot(dir)
		c := oc.dot(oc) - p.Radius*p.Radius
		disc := b*b - c
		if disc < 0 {
			continue
		}
		sq := math.Sqrt(disc)
		t := -b - sq
		if t < 1e-4 {
			t = -b + sq
		}
		if t > 1e-4 && t < best {
			best, bestP = t, p
		}
	}

	if bestP == nil {
		return hit{color: f.background, albedo: f.background}
	}
	pos := f.origin.add(dir.scale(best))
	n := pos.sub(vec3(bestP.Center)).norm()
	shade := float32(0.2 + 0.8*math.Max(0, n.dot(lightDir)))
	return hit{
		color:  [3]float32{bestP.Color[0] * shade, bestP.Color[1] * shade, bestP.Color[2] * shade},
		albedo: bestP.Color,
		depth:  float32(best),
		normal: [3]float32{float32(n[0]), float32(n[1]), float32(n[2])},
	}
}

// sampleValues returns the four candidate channel values for a display.
func sampleValues(h hit, sem framebuffer.Semantic, bake bool) [4]float32 {
	switch sem {
	case framebuffer.Data:
		return [4]float32{h.depth, h.depth, h.depth, 1}
	case framebuffer.Vector:
		return [4]float32{h.normal[0], h.normal[1], h.normal[2], 1}
	}
	c := h.color
	if bake {
		c = h.albedo
	}
	return [4]float32{c[0], c[1], c[2], 1}
}

// jitter returns a deterministic sub-pixel offset for a pass. The first
// pass samples pixel centers.
func jitter(x, y, pass int) (float64, float64) {
	if pass <= 1 {
		return 0.5, 0.5
	}
	h := uint32(x)*73856093 ^ uint32(y)*19349663 ^ uint32(pass)*83492791
	h ^= h >> 13
	h *= 0x5bd1e995
	h ^= h >> 15
	return float64(h&0xffff) / 65536, float64(h>>16) / 65536
}

// tileGrid splits the image into tileSize squares, row by row.
func tileGrid(width, height, tileSize int) []image.Rectangle {
	var tiles []image.Rectangle
	tilesX := (width + tileSize - 1) / tileSize
	tilesY := (height + tileSize - 1) / tileSize
	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			x0, y0 := tx*tileSize, ty*tileSize
			tiles = append(tiles, image.Rect(x0, y0, min(x0+tileSize, width), min(y0+tileSize, height)))
		}
	}
	return tiles
}

// renderPass accumulates one sample per pixel into every display, tile by
// tile in parallel, publishing each tile as it completes.
func (s *Scene) renderPass(ctx context.Context, pass int, bake bool) error {
	s.mu.Lock()
	if len(s.displays) == 0 {
		s.mu.Unlock()
		return nil
	}
	w, h := s.displays[0].spec.Width, s.displays[0].spec.Height
	fr := newFrame(s.camera, s.background, s.sortedPrimitives(), w, h)
	bounds := framebuffer.Bounds(s.crop, w, h)
	displays := append([]*buffer(nil), s.displays...)
	s.mu.Unlock()

	workers := s.workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, tile := range tileGrid(w, h, s.backend.cfg.TileSize) {
		tile = tile.Intersect(bounds)
		if tile.Empty() {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s.setRegion(tile)
			weight := 1 / float32(pass)
			for by := tile.Min.Y; by < tile.Max.Y; by++ {
				// Buffer row 0 is the bottom of the image.
				iy := h - 1 - by
				for x := tile.Min.X; x < tile.Max.X; x++ {
					jx, jy := jitter(x, by, pass)
					smp := fr.trace(float64(x)+jx, float64(iy)+jy)
					for _, d := range displays {
						vals := sampleValues(smp, d.spec.Semantic, bake)
						base := (by*w + x) * d.spec.Channels
						for c := 0; c < d.spec.Channels; c++ {
							acc := &d.accum[base+c]
							if pass <= 1 {
								*acc = vals[c]
							} else {
								*acc += (vals[c] - *acc) * weight
							}
						}
					}
				}
			}
			s.publish(tile, displays)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	for _, d := range displays {
		d.ready = true
	}
	s.mu.Unlock()
	return nil
}

func (s *Scene) setRegion(r image.Rectangle) {
	s.mu.Lock()
	s.region = r
	s.mu.Unlock()
}

// publish copies a finished tile from the accumulation buffers into the
// buffers readers see.
func (s *Scene) publish(tile image.Rectangle, displays []*buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range displays {
		ch := d.spec.Channels
		w := d.spec.Width
		for y := tile.Min.Y; y < tile.Max.Y; y++ {
			lo := (y*w + tile.Min.X) * ch
			hi := (y*w + tile.Max.X) * ch
			copy(d.pix[lo:hi], d.accum[lo:hi])
		}
	}
}
