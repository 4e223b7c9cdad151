// Package preview draws viewport frames in the terminal with half-block
// cells: each cell shows two vertically stacked pixels.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/render-bridge/bridge/internal/framebuffer"
)

const upperHalf = "▀"

// Fit returns the largest cols x rows cell area within maxCols x maxRows
// that keeps the width/height aspect of the frame.
func Fit(width, height, maxCols, maxRows int) (cols, rows int) {
	if width <= 0 || height <= 0 || maxCols <= 0 || maxRows <= 0 {
		return 0, 0
	}
	cols = maxCols
	rows = (cols*height/width + 1) / 2
	if rows > maxRows {
		rows = maxRows
		cols = rows * 2 * width / height
	}
	return max(cols, 1), max(rows, 1)
}

// Render scales img to cols x rows*2 pixels and draws it.
func Render(img image.Image, cols, rows int) string {
	if img == nil || cols <= 0 || rows <= 0 {
		return ""
	}
	px := framebuffer.Scale(img, cols, rows*2)

	var b strings.Builder
	for y := 0; y < rows; y++ {
		if y > 0 {
			b.WriteByte('\n')
		}
		for x := 0; x < cols; x++ {
			top := px.RGBAAt(x, 2*y)
			bottom := px.RGBAAt(x, 2*y+1)
			b.WriteString(lipgloss.NewStyle().
				Foreground(hex(top)).
				Background(hex(bottom)).
				Render(upperHalf))
		}
	}
	return b.String()
}

// Placeholder fills cols x rows with a dimmed message centered in it.
func Placeholder(msg string, cols, rows int) string {
	return lipgloss.Place(cols, rows, lipgloss.Center, lipgloss.Center,
		lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280")).Render(msg))
}

func hex(c color.RGBA) lipgloss.Color {
	return lipgloss.Color(fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B))
}
