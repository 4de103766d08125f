// Package graph implements the dependency-graph runtime the engine
// schedules computations on. Nodes declare dependencies on other nodes,
// compute one table each, and memoize the result so shared nodes run once.
package graph

import (
	"context"
	"fmt"

	"phenokit/internal/table"
)

// Node is a unit of computation in the dependency graph. Execute derives
// the node's table from the working table set, which already contains the
// outputs of every dependency under their node names.
type Node interface {
	Name() string
	Dependencies() []Node
	Table() *table.Table
	SetTable(*table.Table)
	Execute(ctx context.Context, tables table.Set) (*table.Table, error)
}

// DuplicateNodeError reports two distinct node objects sharing one name
// inside a dependency closure.
type DuplicateNodeError struct {
	Name string
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("duplicate node name %q in dependency graph", e.Name)
}

// Base carries the common node state: name, dependencies, and the
// memoized result table. Concrete nodes embed *Base and implement Execute.
type Base struct {
	name string
	deps []Node
	tbl  *table.Table
}

// NewBase creates the base state for a named node.
func NewBase(name string) *Base {
	return &Base{name: name}
}

// Name returns the node name.
func (b *Base) Name() string { return b.name }

// Dependencies returns the direct dependencies.
func (b *Base) Dependencies() []Node { return b.deps }

// Table returns the memoized result, or nil before the node has run.
func (b *Base) Table() *table.Table { return b.tbl }

// SetTable memoizes the result table.
func (b *Base) SetTable(t *table.Table) { b.tbl = t }

// ResetTable clears the memoized result so the node recomputes on the
// next run.
func (b *Base) ResetTable() { b.tbl = nil }

// AddDependencies appends dependencies and re-validates that the node's
// transitive closure holds no two distinct nodes with equal names. The
// same node object reachable along several paths is allowed.
func (b *Base) AddDependencies(deps ...Node) error {
	candidate := append(append([]Node(nil), b.deps...), deps...)
	byName := map[string]Node{}
	for _, n := range closure(candidate) {
		if n.Name() == b.name {
			return &DuplicateNodeError{Name: b.name}
		}
		if prev, ok := byName[n.Name()]; ok && prev != n {
			return &DuplicateNodeError{Name: n.Name()}
		}
		byName[n.Name()] = n
	}
	b.deps = candidate
	return nil
}

// Closure returns the transitive closure of the given roots, including
// the roots, deduplicated by node identity, in depth-first pre-order.
func Closure(roots ...Node) []Node {
	return closure(roots)
}

func closure(roots []Node) []Node {
	var out []Node
	seen := map[Node]bool{}
	var visit func(n Node)
	visit = func(n Node) {
		if seen[n] {
			return
		}
		seen[n] = true
		out = append(out, n)
		for _, dep := range n.Dependencies() {
			visit(dep)
		}
	}
	for _, r := range roots {
		visit(r)
	}
	return out
}

// ValidateUnique checks the closure of the given roots for distinct nodes
// sharing a name.
func ValidateUnique(roots ...Node) error {
	byName := map[string]Node{}
	for _, n := range closure(roots) {
		if prev, ok := byName[n.Name()]; ok && prev != n {
			return &DuplicateNodeError{Name: n.Name()}
		}
		byName[n.Name()] = n
	}
	return nil
}
