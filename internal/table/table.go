package table

import (
	"sort"
	"strings"

	"phenokit/internal/domain"
)

// Table is an ordered collection of equal-length columns.
type Table struct {
	cols  []*Series
	index map[string]int
	rows  int
}

// New builds a table from columns. All columns must have the same length
// and distinct names.
func New(cols ...*Series) (*Table, error) {
	t := &Table{index: make(map[string]int, len(cols))}
	for i, c := range cols {
		if _, dup := t.index[c.name]; dup {
			return nil, domain.ErrValidation("duplicate column %q", c.name)
		}
		if i == 0 {
			t.rows = c.Len()
		} else if c.Len() != t.rows {
			return nil, domain.ErrValidation("column %q has %d rows, want %d", c.name, c.Len(), t.rows)
		}
		t.index[c.name] = i
		t.cols = append(t.cols, c)
	}
	return t, nil
}

// MustNew is New for statically known-good schemas, typically tests and
// literal fixtures.
func MustNew(cols ...*Series) *Table {
	t, err := New(cols...)
	if err != nil {
		panic(err)
	}
	return t
}

// Empty returns a zero-row table with the same schema.
func (t *Table) Empty() *Table {
	cols := make([]*Series, len(t.cols))
	for i, c := range t.cols {
		cols[i] = c.empty()
	}
	return MustNew(cols...)
}

// NumRows returns the row count.
func (t *Table) NumRows() int { return t.rows }

// NumCols returns the column count.
func (t *Table) NumCols() int { return len(t.cols) }

// ColumnNames returns column names in table order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.cols))
	for i, c := range t.cols {
		names[i] = c.name
	}
	return names
}

// HasColumn reports whether a column exists.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Column returns the named column.
func (t *Table) Column(name string) (*Series, error) {
	i, ok := t.index[name]
	if !ok {
		return nil, domain.ErrNotFound("column %q not found (have %s)", name, strings.Join(t.ColumnNames(), ", "))
	}
	return t.cols[i], nil
}

// Select returns a table with only the named columns, in the given order.
func (t *Table) Select(names ...string) (*Table, error) {
	cols := make([]*Series, 0, len(names))
	for _, name := range names {
		c, err := t.Column(name)
		if err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return New(cols...)
}

// Drop returns a table without the named columns. Unknown names are
// ignored.
func (t *Table) Drop(names ...string) *Table {
	dropped := make(map[string]bool, len(names))
	for _, n := range names {
		dropped[n] = true
	}
	cols := make([]*Series, 0, len(t.cols))
	for _, c := range t.cols {
		if !dropped[c.name] {
			cols = append(cols, c)
		}
	}
	return MustNew(cols...)
}

// WithColumn returns a table with the column appended, or replaced when a
// column of the same name already exists.
func (t *Table) WithColumn(s *Series) (*Table, error) {
	if t.rows != s.Len() && len(t.cols) > 0 {
		return nil, domain.ErrValidation("column %q has %d rows, want %d", s.name, s.Len(), t.rows)
	}
	cols := append([]*Series(nil), t.cols...)
	if i, ok := t.index[s.name]; ok {
		cols[i] = s
		return New(cols...)
	}
	return New(append(cols, s)...)
}

// Rename returns a table with one column renamed.
func (t *Table) Rename(from, to string) (*Table, error) {
	i, ok := t.index[from]
	if !ok {
		return nil, domain.ErrNotFound("column %q not found", from)
	}
	if _, clash := t.index[to]; clash && to != from {
		return nil, domain.ErrValidation("rename %q: column %q already exists", from, to)
	}
	cols := append([]*Series(nil), t.cols...)
	cols[i] = cols[i].rename(to)
	return New(cols...)
}

// Prefix returns a table with every column except the listed keys renamed
// to prefix+name. Used to disambiguate join sides.
func (t *Table) Prefix(prefix string, keep ...string) *Table {
	kept := make(map[string]bool, len(keep))
	for _, k := range keep {
		kept[k] = true
	}
	cols := make([]*Series, len(t.cols))
	for i, c := range t.cols {
		if kept[c.name] {
			cols[i] = c
		} else {
			cols[i] = c.rename(prefix + c.name)
		}
	}
	return MustNew(cols...)
}

// Take gathers the given row indices into a new table. Indices may repeat
// and reorder rows.
func (t *Table) Take(idx []int) *Table {
	cols := make([]*Series, len(t.cols))
	for i, c := range t.cols {
		cols[i] = c.take(idx)
	}
	out := MustNew(cols...)
	out.rows = len(idx)
	return out
}

// Filter keeps rows where mask is true. The mask length must match the
// row count.
func (t *Table) Filter(mask []bool) *Table {
	idx := make([]int, 0, len(mask))
	for i, keep := range mask {
		if keep {
			idx = append(idx, i)
		}
	}
	return t.Take(idx)
}

// SortKey names a sort column and direction.
type SortKey struct {
	Column string
	Desc   bool
}

// Asc is a convenience ascending sort key.
func Asc(column string) SortKey { return SortKey{Column: column} }

// Desc is a convenience descending sort key.
func Desc(column string) SortKey { return SortKey{Column: column, Desc: true} }

// Sort returns a stably sorted table. Nulls order last regardless of
// direction.
func (t *Table) Sort(keys ...SortKey) (*Table, error) {
	series := make([]*Series, len(keys))
	for i, k := range keys {
		c, err := t.Column(k.Column)
		if err != nil {
			return nil, err
		}
		series[i] = c
	}
	idx := make([]int, t.rows)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		for i, s := range series {
			cmp := s.compare(idx[a], idx[b])
			if cmp == 0 {
				continue
			}
			if keys[i].Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return t.Take(idx), nil
}

// Distinct keeps the first row for each distinct combination of the named
// columns, preserving row order. With no columns it deduplicates whole rows.
func (t *Table) Distinct(cols ...string) (*Table, error) {
	if len(cols) == 0 {
		cols = t.ColumnNames()
	}
	series := make([]*Series, len(cols))
	for i, name := range cols {
		c, err := t.Column(name)
		if err != nil {
			return nil, err
		}
		series[i] = c
	}
	seen := make(map[string]bool, t.rows)
	idx := make([]int, 0, t.rows)
	for i := 0; i < t.rows; i++ {
		k := rowKey(series, i)
		if seen[k] {
			continue
		}
		seen[k] = true
		idx = append(idx, i)
	}
	return t.Take(idx), nil
}

// Append concatenates another table with an identical schema (same names,
// kinds, and order).
func (t *Table) Append(other *Table) (*Table, error) {
	if len(t.cols) != len(other.cols) {
		return nil, domain.ErrValidation("append: schema mismatch: %d vs %d columns", len(t.cols), len(other.cols))
	}
	cols := make([]*Series, len(t.cols))
	for i, c := range t.cols {
		oc := other.cols[i]
		if c.name != oc.name || c.kind != oc.kind {
			return nil, domain.ErrValidation("append: column %d is %s %s, want %s %s", i, oc.kind, oc.name, c.kind, c.name)
		}
		merged := c.take(identity(t.rows))
		for r := 0; r < other.rows; r++ {
			merged.appendFrom(oc, r)
		}
		cols[i] = merged
	}
	return New(cols...)
}

// rowKey renders one row of the given columns as a composite key.
func rowKey(series []*Series, i int) string {
	if len(series) == 1 {
		return series[0].KeyAt(i)
	}
	var b strings.Builder
	for j, s := range series {
		if j > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(s.KeyAt(i))
	}
	return b.String()
}

func identity(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
