// Package wiring composes the decoder registry at process start. The
// registry is built once and passed explicitly to the entry points; no
// package holds global mutable state.
package wiring

import (
	"navex/adapters/honda"
	"navex/adapters/onstar"
	"navex/adapters/toyota"
	"navex/internal/decoder"
)

// NewRegistry registers every built-in decoder. Discovery warnings are
// kept on the registry for the caller to surface.
func NewRegistry() *decoder.Registry {
	return decoder.Discover(
		onstar.Provider,
		toyota.Provider,
		honda.Provider,
	)
}
