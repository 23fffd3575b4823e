package decoder

import (
	"errors"
	"fmt"

	"navex/internal/record"
)

// ErrNotFound is returned by Get for an unregistered decoder name.
var ErrNotFound = errors.New("decoder not found")

// Descriptor describes one registered decoder. Immutable once the
// registry is built.
type Descriptor struct {
	Name       string
	Extensions []string
	New        func() (Decoder, error)
}

// Provider yields candidate descriptors from one plugin location.
type Provider func() ([]Descriptor, error)

// Registry is the immutable decoder table. It is built once before any
// extraction begins and is read-only thereafter, so lookups need no
// synchronization.
type Registry struct {
	order    []string
	table    map[string]Descriptor
	warnings []record.Diagnostic
}

// Discover enumerates all providers and registers every candidate that
// satisfies the full contract. A provider failure or an invalid
// candidate is recorded as a discovery warning; it never aborts
// discovery of the remaining candidates.
func Discover(providers ...Provider) *Registry {
	r := &Registry{table: make(map[string]Descriptor)}
	for _, p := range providers {
		descs, err := p()
		if err != nil {
			r.warnings = append(r.warnings,
				record.Warningf(record.CodeIOFailure, "provider failed: %v", err))
			continue
		}
		for _, d := range descs {
			r.add(d)
		}
	}
	return r
}

func (r *Registry) add(d Descriptor) {
	switch {
	case d.Name == "":
		r.warnings = append(r.warnings,
			record.Warningf(record.CodeCorruption, "descriptor with empty name skipped"))
		return
	case d.New == nil:
		r.warnings = append(r.warnings,
			record.Warningf(record.CodeCorruption, "decoder %q has no factory", d.Name))
		return
	}
	if _, dup := r.table[d.Name]; dup {
		r.warnings = append(r.warnings,
			record.Warningf(record.CodeCorruption, "duplicate decoder name %q skipped", d.Name))
		return
	}
	// Probe the factory once so a broken candidate surfaces at discovery
	// time instead of on first use.
	inst, err := d.New()
	if err != nil || inst == nil {
		r.warnings = append(r.warnings,
			record.Warningf(record.CodeCorruption, "decoder %q failed to initialize: %v", d.Name, err))
		return
	}
	r.order = append(r.order, d.Name)
	r.table[d.Name] = d
}

// Get returns a fresh decoder instance by name.
func (r *Registry) Get(name string) (Decoder, error) {
	d, ok := r.table[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	dec, err := d.New()
	if err != nil {
		return nil, fmt.Errorf("instantiate decoder %q: %w", name, err)
	}
	return dec, nil
}

// Describe returns the descriptor for name.
func (r *Registry) Describe(name string) (Descriptor, bool) {
	d, ok := r.table[name]
	return d, ok
}

// Names returns decoder names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Warnings returns the diagnostics recorded during discovery.
func (r *Registry) Warnings() []record.Diagnostic {
	out := make([]record.Diagnostic, len(r.warnings))
	copy(out, r.warnings)
	return out
}
