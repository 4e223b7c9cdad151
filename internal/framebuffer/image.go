package framebuffer

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

func clamp01(f float32) float32 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// ToRGBA packs flat RGBA floats (top row first) into an 8-bit image.
func ToRGBA(flat []float32, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	n := min(len(flat), len(img.Pix))
	for i := 0; i < n; i++ {
		img.Pix[i] = uint8(clamp01(flat[i])*255.0 + 0.5)
	}
	return img
}

// ToRGBA64 packs flat RGBA floats into a 16-bit image for file output.
func ToRGBA64(flat []float32, width, height int) *image.RGBA64 {
	img := image.NewRGBA64(image.Rect(0, 0, width, height))
	for i := 0; i+3 < len(flat) && i/4 < width*height; i += 4 {
		p := i / 4
		img.SetRGBA64(p%width, p/width, color.RGBA64{
			R: uint16(clamp01(flat[i])*65535.0 + 0.5),
			G: uint16(clamp01(flat[i+1])*65535.0 + 0.5),
			B: uint16(clamp01(flat[i+2])*65535.0 + 0.5),
			A: uint16(clamp01(flat[i+3])*65535.0 + 0.5),
		})
	}
	return img
}

// Image extracts the view in flat mode and returns it as an 8-bit image.
func Image(v View) (*image.RGBA, bool) {
	flat, ok := ExtractFlat(v)
	if !ok {
		return nil, false
	}
	if v.Channels == 4 {
		flat = flipRows(flat, v.Width, v.Height)
	}
	return ToRGBA(flat, v.Width, v.Height), true
}

// Image64 is Image at 16 bits per channel, for files.
func Image64(v View) (*image.RGBA64, bool) {
	flat, ok := ExtractFlat(v)
	if !ok {
		return nil, false
	}
	if v.Channels == 4 {
		flat = flipRows(flat, v.Width, v.Height)
	}
	return ToRGBA64(flat, v.Width, v.Height), true
}

// flipRows reverses the row order of a flat RGBA buffer. ExtractFlat hands
// 4-channel buffers through in backend order, so image conversion has to
// flip them itself.
func flipRows(flat []float32, width, height int) []float32 {
	out := make([]float32, len(flat))
	rowLen := width * 4
	for y := 0; y < height; y++ {
		copy(out[(height-1-y)*rowLen:(height-y)*rowLen], flat[y*rowLen:(y+1)*rowLen])
	}
	return out
}

// Scale resamples src to width x height.
func Scale(src image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if src.Bounds().Dx() == width && src.Bounds().Dy() == height {
		xdraw.Copy(dst, image.Point{}, src, src.Bounds(), xdraw.Src, nil)
		return dst
	}
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// WriteTIFF encodes img to path, creating parent directories.
func WriteTIFF(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		f.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
