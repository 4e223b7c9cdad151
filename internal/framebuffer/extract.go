package framebuffer

import "github.com/render-bridge/bridge/internal/logx"

// ExtractFlat returns the view as interleaved RGBA floats. A 4-channel
// buffer is passed through unchanged. Buffers with 1 to 3 channels are
// expanded to RGBA with alpha forced to 1.0 and rows emitted top first, so
// backend row 0 lands in the last output row.
//
// A view that cannot be read yields nil, false; callers skip the frame.
func ExtractFlat(v View) ([]float32, bool) {
	if !v.Valid() {
		logx.Logger().Debug("could not get buffer", "channels", v.Channels, "width", v.Width, "height", v.Height)
		return nil, false
	}

	if v.Channels == 4 {
		out := make([]float32, v.Width*v.Height*4)
		for y := 0; y < v.Height; y++ {
			copy(out[y*v.Width*4:], v.Row(y))
		}
		return out, true
	}

	out := make([]float32, 0, v.Width*v.Height*4)
	for y := v.Height - 1; y >= 0; y-- {
		row := v.Row(y)
		for x := 0; x < v.Width; x++ {
			j := x * v.Channels
			switch v.Channels {
			case 3:
				out = append(out, row[j], row[j+1], row[j+2], 1.0)
			case 2:
				out = append(out, row[j], row[j+1], 1.0, 1.0)
			case 1:
				out = append(out, row[j], row[j], row[j], 1.0)
			}
		}
	}
	return out, true
}

// ExtractStructured returns one channel tuple per pixel inside border, in
// backend row order. With backFill unset, or when the buffer already has 4
// channels, tuples are copied verbatim with the native channel count.
// Otherwise each tuple is widened to 4 channels, missing channels set to
// 1.0 (single-channel luminance is duplicated into RGB).
func ExtractStructured(v View, border *Rect, backFill bool) ([][]float32, bool) {
	if !v.Valid() {
		logx.Logger().Debug("could not get buffer", "channels", v.Channels, "width", v.Width, "height", v.Height)
		return nil, false
	}

	b := Bounds(border, v.Width, v.Height)
	pixels := make([][]float32, 0, b.Dx()*b.Dy())
	verbatim := !backFill || v.Channels == 4

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			src := v.Pixel(x, y)
			if verbatim {
				px := make([]float32, len(src))
				copy(px, src)
				pixels = append(pixels, px)
				continue
			}

			px := []float32{1, 1, 1, 1}
			px[0] = src[0]
			switch v.Channels {
			case 3:
				px[1], px[2] = src[1], src[2]
			case 2:
				px[1] = src[1]
			case 1:
				px[1], px[2] = src[0], src[0]
			}
			pixels = append(pixels, px)
		}
	}
	return pixels, true
}
