package table

import "phenokit/internal/domain"

// JoinKind selects the join semantics.
type JoinKind uint8

const (
	InnerJoin JoinKind = iota
	LeftJoin
)

// Join hash-joins two tables on the named key columns. Output rows follow
// left row order, then right match order, so joins are deterministic.
// Non-key column names must not collide; rename or Prefix one side first.
// A LeftJoin fills right columns with nulls for unmatched left rows.
func Join(left, right *Table, on []string, kind JoinKind) (*Table, error) {
	if len(on) == 0 {
		return nil, domain.ErrValidation("join: no key columns")
	}
	lkeys := make([]*Series, len(on))
	rkeys := make([]*Series, len(on))
	for i, name := range on {
		lc, err := left.Column(name)
		if err != nil {
			return nil, err
		}
		rc, err := right.Column(name)
		if err != nil {
			return nil, err
		}
		if lc.kind != rc.kind {
			return nil, domain.ErrValidation("join: key %q is %s on the left and %s on the right", name, lc.kind, rc.kind)
		}
		lkeys[i] = lc
		rkeys[i] = rc
	}
	keySet := make(map[string]bool, len(on))
	for _, name := range on {
		keySet[name] = true
	}
	var rightExtra []*Series
	for _, c := range right.cols {
		if keySet[c.name] {
			continue
		}
		if left.HasColumn(c.name) {
			return nil, domain.ErrValidation("join: column %q exists on both sides", c.name)
		}
		rightExtra = append(rightExtra, c)
	}

	buckets := make(map[string][]int, right.rows)
	for i := 0; i < right.rows; i++ {
		k := rowKey(rkeys, i)
		buckets[k] = append(buckets[k], i)
	}

	var lIdx []int
	var rIdx []int // -1 marks a null-filled right row
	for i := 0; i < left.rows; i++ {
		matches := buckets[rowKey(lkeys, i)]
		if len(matches) == 0 {
			if kind == LeftJoin {
				lIdx = append(lIdx, i)
				rIdx = append(rIdx, -1)
			}
			continue
		}
		for _, r := range matches {
			lIdx = append(lIdx, i)
			rIdx = append(rIdx, r)
		}
	}

	out := left.Take(lIdx)
	for _, c := range rightExtra {
		gathered := c.empty()
		for _, r := range rIdx {
			if r < 0 {
				gathered.appendNull()
			} else {
				gathered.appendFrom(c, r)
			}
		}
		var err error
		out, err = out.WithColumn(gathered)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
