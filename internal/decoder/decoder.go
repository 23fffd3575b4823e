// Package decoder defines the capability contract every vehicle-specific
// decoder implements, and the registry that holds them.
package decoder

import (
	"context"

	"navex/internal/progress"
	"navex/internal/record"
)

// Decoder turns an opaque byte buffer into a normalized sequence of
// geolocation records. Extract must be callable concurrently on distinct
// instances; implementations hold no shared mutable state. Every
// user-visible failure is expressed in the outcome as a diagnostic with
// a code, never as a bare fault.
type Decoder interface {
	// Name is the unique display name, e.g. "OnStar v10, v11".
	Name() string
	// Extensions lists supported file suffixes, case-insensitive.
	Extensions() []string
	// Extract decodes src. The sink may be nil. On context cancellation
	// the outcome status is cancelled with the records accumulated so far.
	Extract(ctx context.Context, src []byte, sink progress.Sink) record.Outcome
}

// RowExporter is the export boundary declared alongside a decoder: an
// ordered header list plus, per record, a value list of matching length
// and order. The engines never format rows themselves.
type RowExporter interface {
	ExportHeaders() []string
	ExportRow(r record.GeoRecord) []string
}
