package scene

import (
	"fmt"
	"strings"
)

// ExpandFrame substitutes the frame tokens in an output path pattern:
// <F4> becomes the zero-padded four digit frame number and <F> the plain
// number.
func ExpandFrame(pattern string, frame int) string {
	return strings.NewReplacer(
		"<F4>", fmt.Sprintf("%04d", frame),
		"<F>", fmt.Sprintf("%d", frame),
	).Replace(pattern)
}
