//go:build !embed

package frontend

import "net/http"

// Handler returns nil when the frontend is not embedded; the server
// serves from the filesystem instead.
func Handler() http.Handler {
	return nil
}
