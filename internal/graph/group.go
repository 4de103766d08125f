package graph

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"phenokit/internal/table"
)

// Group executes a set of root nodes and their shared closure against a
// working table set.
type Group struct {
	name   string
	nodes  []Node
	limit  int
	logger *slog.Logger
}

// NewGroup creates an execution group. A nil logger falls back to
// slog.Default.
func NewGroup(name string, logger *slog.Logger, nodes ...Node) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	return &Group{name: name, nodes: nodes, logger: logger}
}

// SetLimit bounds how many nodes of one level run concurrently. Zero or
// negative restores the default of runtime.NumCPU.
func (g *Group) SetLimit(n int) { g.limit = n }

// Name returns the group name.
func (g *Group) Name() string { return g.name }

// Nodes returns the root nodes.
func (g *Group) Nodes() []Node { return g.nodes }

// Execute runs the closure of the group's roots level by level. Nodes in
// one level run concurrently against a snapshot of the working set; after
// the level completes, results merge into the set under the node names in
// level order. Nodes that already carry a table are not re-executed but
// their tables still merge, so groups sharing nodes agree on results.
// The input set is not mutated.
func (g *Group) Execute(ctx context.Context, tables table.Set) (table.Set, error) {
	levels, err := Levels(g.nodes...)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", g.name, err)
	}

	logger := g.logger.With("group", g.name)
	limit := g.limit
	if limit <= 0 {
		limit = runtime.NumCPU()
	}

	working := tables.Clone()
	for depth, level := range levels {
		snapshot := working.Clone()

		eg, egctx := errgroup.WithContext(ctx)
		eg.SetLimit(limit)
		for i := range level {
			n := level[i]
			if n.Table() != nil {
				continue
			}
			eg.Go(func() error {
				logger.Debug("executing node", "node", n.Name(), "level", depth)
				tbl, err := n.Execute(egctx, snapshot)
				if err != nil {
					return fmt.Errorf("node %s: %w", n.Name(), err)
				}
				n.SetTable(tbl)
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, fmt.Errorf("group %s: %w", g.name, err)
		}

		for _, n := range level {
			working[n.Name()] = n.Table()
		}
	}

	logger.Debug("group complete", "nodes", len(Closure(g.nodes...)), "levels", len(levels))
	return working, nil
}

// Reset clears the memoized tables of every node in the group's closure.
func (g *Group) Reset() {
	for _, n := range Closure(g.nodes...) {
		n.SetTable(nil)
	}
}
