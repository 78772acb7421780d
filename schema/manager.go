package schema

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownFamily is returned by Registry.Lookup for unregistered families.
var ErrUnknownFamily = errors.New("unknown dataset family")

// Registry maps dataset family names to their logical schemas. It is built
// once at startup and never mutated, so concurrent readers need no locking.
type Registry struct {
	schemas map[string]*LogicalSchema
}

func NewRegistry(schemas ...*LogicalSchema) (*Registry, error) {
	r := &Registry{schemas: make(map[string]*LogicalSchema, len(schemas))}
	for _, s := range schemas {
		if s == nil {
			return nil, fmt.Errorf("nil schema")
		}
		if _, dup := r.schemas[s.Family()]; dup {
			return nil, fmt.Errorf("duplicate dataset family %q", s.Family())
		}
		r.schemas[s.Family()] = s
	}
	return r, nil
}

// Lookup returns the schema registered for family.
func (r *Registry) Lookup(family string) (*LogicalSchema, error) {
	s, ok := r.schemas[family]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
	return s, nil
}

// Families returns the registered family names, sorted.
func (r *Registry) Families() []string {
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
