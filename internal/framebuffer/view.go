package framebuffer

import (
	"errors"
	"fmt"
)

var ErrShortBuffer = errors.New("pixel buffer shorter than view dimensions")

// View is a bounded window onto a backend float buffer. Row 0 is the bottom
// row of the image, as the backend writes it. Stride is in floats.
type View struct {
	Pix      []float32
	Width    int
	Height   int
	Stride   int
	Channels int
}

// NewView wraps pix as a tightly packed width x height image with the
// given channel count.
func NewView(pix []float32, width, height, channels int) (View, error) {
	if width < 0 || height < 0 || channels < 0 {
		return View{}, fmt.Errorf("invalid view %dx%dx%d", width, height, channels)
	}
	v := View{
		Pix:      pix,
		Width:    width,
		Height:   height,
		Stride:   width * channels,
		Channels: channels,
	}
	if len(pix) < v.Stride*height {
		return View{}, fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(pix), v.Stride*height)
	}
	return v, nil
}

// Valid reports whether the view can be read: channels within 1..4 and a
// backing slice large enough for every row.
func (v View) Valid() bool {
	if v.Pix == nil || v.Channels < 1 || v.Channels > 4 {
		return false
	}
	if v.Width <= 0 || v.Height <= 0 || v.Stride < v.Width*v.Channels {
		return false
	}
	return len(v.Pix) >= v.Stride*(v.Height-1)+v.Width*v.Channels
}

// Row returns the floats of backend row y.
func (v View) Row(y int) []float32 {
	start := y * v.Stride
	return v.Pix[start : start+v.Width*v.Channels]
}

// Pixel returns the channel tuple at backend coordinates (x, y). The slice
// aliases the view.
func (v View) Pixel(x, y int) []float32 {
	i := y*v.Stride + x*v.Channels
	return v.Pix[i : i+v.Channels : i+v.Channels]
}

// Clone returns a view over a private copy of the pixels.
func (v View) Clone() View {
	c := v
	c.Pix = make([]float32, len(v.Pix))
	copy(c.Pix, v.Pix)
	return c
}
