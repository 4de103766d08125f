package graph

import (
	"sort"
	"strings"

	"phenokit/internal/domain"
)

// Levels computes a topological ordering of the closure of the given
// roots using Kahn's algorithm. It returns levels of nodes where every
// level only depends on earlier levels, so nodes within one level can
// execute in parallel. Each level is sorted by node name to keep
// execution order deterministic. A dependency cycle is an error.
func Levels(roots ...Node) ([][]Node, error) {
	if err := ValidateUnique(roots...); err != nil {
		return nil, err
	}
	nodes := closure(roots)
	if len(nodes) == 0 {
		return nil, nil
	}

	byName := make(map[string]Node, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string)

	for _, n := range nodes {
		byName[n.Name()] = n
		inDegree[n.Name()] = 0
	}
	for _, n := range nodes {
		counted := map[string]bool{}
		for _, dep := range n.Dependencies() {
			if counted[dep.Name()] {
				continue
			}
			counted[dep.Name()] = true
			dependents[dep.Name()] = append(dependents[dep.Name()], n.Name())
			inDegree[n.Name()]++
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	var levels [][]Node
	processed := 0
	for len(queue) > 0 {
		level := make([]Node, len(queue))
		for i, name := range queue {
			level[i] = byName[name]
		}
		levels = append(levels, level)
		processed += len(level)

		var next []string
		for _, name := range queue {
			for _, dep := range dependents[name] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		queue = next
	}

	if processed != len(nodes) {
		var stuck []string
		for name, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, domain.ErrValidation("cycle detected among nodes: %s", strings.Join(stuck, ", "))
	}
	return levels, nil
}
