package table

import (
	"sort"
	"strings"

	"phenokit/internal/domain"
)

// Set is a named collection of tables: the working state a computation
// threads through its stages. Tables are immutable, so Clone is a cheap
// map copy and sets can be handed to concurrent readers.
type Set map[string]*Table

// Get returns the named table.
func (s Set) Get(name string) (*Table, error) {
	t, ok := s[name]
	if !ok {
		return nil, domain.ErrNotFound("table %q not found (have %s)", name, strings.Join(s.Names(), ", "))
	}
	return t, nil
}

// With returns a copy of the set with one table added or replaced.
func (s Set) With(name string, t *Table) Set {
	out := s.Clone()
	out[name] = t
	return out
}

// Clone returns a shallow copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for name, t := range s {
		out[name] = t
	}
	return out
}

// Names returns the table names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
