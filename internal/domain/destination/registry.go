package destination

import (
	"fmt"
	"sort"
)

// Registry is the immutable-after-load table of destinations keyed by name.
// It is built once at startup and never mutated, so lookups need no locking.
type Registry struct {
	byName map[string]*Destination
}

// NewRegistry validates every destination and builds the registry.
// The first invalid entry aborts the load; configuration errors are fatal.
func NewRegistry(dests []*Destination) (*Registry, error) {
	byName := make(map[string]*Destination, len(dests))
	for _, d := range dests {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate destination %q", d.Name)
		}
		byName[d.Name] = d
	}
	return &Registry{byName: byName}, nil
}

// Lookup returns the destination for name, or ErrNotFound.
func (r *Registry) Lookup(name string) (*Destination, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return d, nil
}

// All returns every destination in name order, for eager startup and
// diagnostics.
func (r *Registry) All() []*Destination {
	out := make([]*Destination, 0, len(r.byName))
	for _, d := range r.byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of configured destinations.
func (r *Registry) Len() int {
	return len(r.byName)
}
