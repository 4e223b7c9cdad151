//go:build !embed

package frontend

import "net/http"

// Handler returns nil when the viewer is not compiled in; the server then
// falls back to the filesystem.
func Handler() http.Handler { return nil }
