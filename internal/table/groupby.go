package table

import "phenokit/internal/domain"

// Grouped is a table partitioned by key columns, groups ordered by first
// occurrence.
type Grouped struct {
	t      *Table
	keys   []*Series
	groups [][]int
	err    error
}

// GroupBy partitions the table by the named key columns.
func (t *Table) GroupBy(keys ...string) *Grouped {
	g := &Grouped{t: t}
	for _, name := range keys {
		c, err := t.Column(name)
		if err != nil {
			g.err = err
			return g
		}
		g.keys = append(g.keys, c)
	}
	if len(g.keys) == 0 {
		g.err = domain.ErrValidation("group by: no key columns")
		return g
	}
	pos := make(map[string]int, t.rows)
	for i := 0; i < t.rows; i++ {
		k := rowKey(g.keys, i)
		p, ok := pos[k]
		if !ok {
			p = len(g.groups)
			pos[k] = p
			g.groups = append(g.groups, nil)
		}
		g.groups[p] = append(g.groups[p], i)
	}
	return g
}

// NumGroups returns the group count.
func (g *Grouped) NumGroups() int { return len(g.groups) }

// Each calls fn once per group with the key row index (first row of the
// group) and all member row indices, in group order.
func (g *Grouped) Each(fn func(first int, rows []int)) error {
	if g.err != nil {
		return g.err
	}
	for _, rows := range g.groups {
		fn(rows[0], rows)
	}
	return nil
}

// Count returns one row per group: the key columns plus a count column.
func (g *Grouped) Count(as string) (*Table, error) {
	if g.err != nil {
		return nil, g.err
	}
	firsts := make([]int, len(g.groups))
	counts := make([]int64, len(g.groups))
	for p, rows := range g.groups {
		firsts[p] = rows[0]
		counts[p] = int64(len(rows))
	}
	out := g.keyTable(firsts)
	return out.WithColumn(NewInt(as, counts))
}

// Min returns one row per group: the key columns plus the minimum of the
// named column. Null rows are skipped; an all-null group yields null.
func (g *Grouped) Min(col, as string) (*Table, error) {
	return g.extreme(col, as, -1)
}

// Max is Min's counterpart for the maximum.
func (g *Grouped) Max(col, as string) (*Table, error) {
	return g.extreme(col, as, 1)
}

func (g *Grouped) extreme(col, as string, want int) (*Table, error) {
	if g.err != nil {
		return nil, g.err
	}
	c, err := g.t.Column(col)
	if err != nil {
		return nil, err
	}
	firsts := make([]int, len(g.groups))
	picked := make([]int, len(g.groups))
	for p, rows := range g.groups {
		firsts[p] = rows[0]
		best := -1
		for _, i := range rows {
			if c.nulls[i] {
				continue
			}
			if best < 0 || c.compare(i, best) == want {
				best = i
			}
		}
		picked[p] = best
	}
	agg := c.rename(as).empty()
	for _, i := range picked {
		if i < 0 {
			agg.appendNull()
		} else {
			agg.appendFrom(c, i)
		}
	}
	return g.keyTable(firsts).WithColumn(agg)
}

// Sum returns one row per group: the key columns plus the sum of the named
// numeric column. Null rows are skipped; an all-null group sums to 0.
func (g *Grouped) Sum(col, as string) (*Table, error) {
	if g.err != nil {
		return nil, g.err
	}
	c, err := g.t.Column(col)
	if err != nil {
		return nil, err
	}
	if !c.IsNumeric() {
		return nil, domain.ErrValidation("sum: column %q is %s, want a numeric column", col, c.kind)
	}
	firsts := make([]int, len(g.groups))
	sums := make([]float64, len(g.groups))
	for p, rows := range g.groups {
		firsts[p] = rows[0]
		for _, i := range rows {
			if !c.nulls[i] {
				sums[p] += c.NumberAt(i)
			}
		}
	}
	return g.keyTable(firsts).WithColumn(NewFloat(as, sums))
}

// keyTable gathers the key columns at the given representative rows.
func (g *Grouped) keyTable(firsts []int) *Table {
	cols := make([]*Series, len(g.keys))
	for i, k := range g.keys {
		cols[i] = k.take(firsts)
	}
	return MustNew(cols...)
}
