package phenotype

import (
	"time"

	"phenokit/internal/domain"
	"phenokit/internal/table"
)

// ValueFilter bounds a numeric column between optional Min and Max
// comparators. A nil bound is open.
type ValueFilter struct {
	Min    *Comparator
	Max    *Comparator
	Column string
}

// NewValueFilter builds a filter on the VALUE column.
func NewValueFilter(min, max *Comparator) *ValueFilter {
	return &ValueFilter{Min: min, Max: max, Column: domain.ColValue}
}

// Validate checks the comparator operators.
func (f *ValueFilter) Validate() error {
	for _, c := range []*Comparator{f.Min, f.Max} {
		if c == nil {
			continue
		}
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Holds reports whether x satisfies both bounds. Null values never
// satisfy a filter.
func (f *ValueFilter) Holds(x float64, null bool) bool {
	if null {
		return false
	}
	if f.Min != nil && !f.Min.Holds(x) {
		return false
	}
	if f.Max != nil && !f.Max.Holds(x) {
		return false
	}
	return true
}

// Mask evaluates the filter against its column of t.
func (f *ValueFilter) Mask(t *table.Table) ([]bool, error) {
	col := f.Column
	if col == "" {
		col = domain.ColValue
	}
	s, err := t.Column(col)
	if err != nil {
		return nil, err
	}
	if !s.IsNumeric() {
		return nil, domain.ErrValidation("value filter: column %q is %s, want a numeric column", col, s.Kind())
	}
	mask := make([]bool, t.NumRows())
	for i := range mask {
		mask[i] = f.Holds(s.NumberAt(i), s.IsNull(i))
	}
	return mask, nil
}

// DateFilter bounds a date column between optional Min and Max date
// comparators. A nil bound is open.
type DateFilter struct {
	Min    *DateComparator
	Max    *DateComparator
	Column string
}

// NewDateFilter builds a filter on the EVENT_DATE column.
func NewDateFilter(min, max *DateComparator) *DateFilter {
	return &DateFilter{Min: min, Max: max, Column: domain.ColEventDate}
}

// Validate checks the comparator operators.
func (f *DateFilter) Validate() error {
	for _, c := range []*DateComparator{f.Min, f.Max} {
		if c == nil {
			continue
		}
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Mask evaluates the filter against its column of t. Null dates never
// satisfy the filter.
func (f *DateFilter) Mask(t *table.Table) ([]bool, error) {
	col := f.Column
	if col == "" {
		col = domain.ColEventDate
	}
	s, err := t.Column(col)
	if err != nil {
		return nil, err
	}
	if s.Kind() != table.Date {
		return nil, domain.ErrValidation("date filter: column %q is %s, want a date column", col, s.Kind())
	}
	mask := make([]bool, t.NumRows())
	for i := range mask {
		if s.IsNull(i) {
			continue
		}
		d := s.DateAt(i)
		ok := true
		if f.Min != nil && !f.Min.Holds(d) {
			ok = false
		}
		if f.Max != nil && !f.Max.Holds(d) {
			ok = false
		}
		mask[i] = ok
	}
	return mask, nil
}

// Categorical is a boolean predicate tree over string-valued columns.
// Leaves are CategoricalFilter; interior nodes are BooleanFilter.
type Categorical interface {
	Mask(t *table.Table) ([]bool, error)
	categoricalNode()
}

// CategoricalFilter keeps rows whose column value is in the allowed set.
type CategoricalFilter struct {
	Column  string
	Allowed []string
	// Domain names the source table the column lives in, for phenotypes
	// that pull categorical context from a table other than their own.
	Domain string
}

func (f *CategoricalFilter) categoricalNode() {}

// Validate rejects an empty column or allowed set.
func (f *CategoricalFilter) Validate() error {
	if f.Column == "" {
		return domain.ErrValidation("categorical filter: no column")
	}
	if len(f.Allowed) == 0 {
		return domain.ErrValidation("categorical filter on %q: no allowed values", f.Column)
	}
	return nil
}

// Mask keeps rows whose column value is in the allowed set. Null rows
// never match.
func (f *CategoricalFilter) Mask(t *table.Table) ([]bool, error) {
	s, err := t.Column(f.Column)
	if err != nil {
		return nil, err
	}
	if s.Kind() != table.String {
		return nil, domain.ErrValidation("categorical filter: column %q is %s, want a string column", f.Column, s.Kind())
	}
	allowed := make(map[string]bool, len(f.Allowed))
	for _, v := range f.Allowed {
		allowed[v] = true
	}
	mask := make([]bool, t.NumRows())
	for i := range mask {
		mask[i] = !s.IsNull(i) && allowed[s.StringAt(i)]
	}
	return mask, nil
}

// BooleanFilter combines categorical predicates with and/or/not.
type BooleanFilter struct {
	Op       string // "and", "or", "not"
	Operands []Categorical
}

func (f *BooleanFilter) categoricalNode() {}

// AndFilter requires every operand to hold.
func AndFilter(operands ...Categorical) *BooleanFilter {
	return &BooleanFilter{Op: "and", Operands: operands}
}

// OrFilter requires at least one operand to hold.
func OrFilter(operands ...Categorical) *BooleanFilter {
	return &BooleanFilter{Op: "or", Operands: operands}
}

// NotFilter inverts a single operand.
func NotFilter(operand Categorical) *BooleanFilter {
	return &BooleanFilter{Op: "not", Operands: []Categorical{operand}}
}

// Validate checks operator arity and recurses into operands.
func (f *BooleanFilter) Validate() error {
	switch f.Op {
	case "and", "or":
		if len(f.Operands) < 2 {
			return domain.ErrValidation("categorical %s: want at least 2 operands, have %d", f.Op, len(f.Operands))
		}
	case "not":
		if len(f.Operands) != 1 {
			return domain.ErrValidation("categorical not: want exactly 1 operand, have %d", len(f.Operands))
		}
	default:
		return domain.ErrValidation("unknown categorical operator %q", f.Op)
	}
	for _, op := range f.Operands {
		if err := validateCategorical(op); err != nil {
			return err
		}
	}
	return nil
}

func validateCategorical(c Categorical) error {
	switch v := c.(type) {
	case *CategoricalFilter:
		return v.Validate()
	case *BooleanFilter:
		return v.Validate()
	default:
		return domain.ErrValidation("unknown categorical filter type %T", c)
	}
}

// Mask evaluates the tree against t.
func (f *BooleanFilter) Mask(t *table.Table) ([]bool, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	masks := make([][]bool, len(f.Operands))
	for i, op := range f.Operands {
		m, err := op.Mask(t)
		if err != nil {
			return nil, err
		}
		masks[i] = m
	}
	out := make([]bool, t.NumRows())
	switch f.Op {
	case "and":
		for i := range out {
			out[i] = true
			for _, m := range masks {
				out[i] = out[i] && m[i]
			}
		}
	case "or":
		for i := range out {
			for _, m := range masks {
				out[i] = out[i] || m[i]
			}
		}
	case "not":
		for i := range out {
			out[i] = !masks[0][i]
		}
	}
	return out, nil
}

// Window directions for RelativeTimeRangeFilter.
const (
	WhenBefore = "before"
	WhenAfter  = "after"
)

// RelativeTimeRangeFilter constrains an event to a day-offset window
// relative to a reference date. With a nil Anchor the reference is the
// cohort's index date; with an Anchor it is that phenotype's EVENT_DATE,
// which introduces a dependency edge. MinDays defaults to >= 0; a nil
// MaxDays leaves the window open-ended. When several filters are supplied
// on one phenotype, all must hold.
type RelativeTimeRangeFilter struct {
	When    string // "before" or "after"
	MinDays *Comparator
	MaxDays *Comparator
	Anchor  Phenotype
}

// NewRelativeTimeRange builds a window with the default MinDays >= 0.
func NewRelativeTimeRange(when string, opts ...TimeRangeOption) *RelativeTimeRangeFilter {
	f := &RelativeTimeRangeFilter{When: when, MinDays: GreaterThanOrEqualTo(0)}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// TimeRangeOption adjusts a RelativeTimeRangeFilter under construction.
type TimeRangeOption func(*RelativeTimeRangeFilter)

// MinDays overrides the minimum day-distance bound.
func MinDays(c *Comparator) TimeRangeOption {
	return func(f *RelativeTimeRangeFilter) { f.MinDays = c }
}

// MaxDays sets the maximum day-distance bound.
func MaxDays(c *Comparator) TimeRangeOption {
	return func(f *RelativeTimeRangeFilter) { f.MaxDays = c }
}

// AnchoredTo measures the window against the given phenotype's EVENT_DATE
// instead of the index date.
func AnchoredTo(p Phenotype) TimeRangeOption {
	return func(f *RelativeTimeRangeFilter) { f.Anchor = p }
}

// Validate checks the direction and comparator operators.
func (f *RelativeTimeRangeFilter) Validate() error {
	if f.When != WhenBefore && f.When != WhenAfter {
		return domain.ErrValidation("relative time range: unknown direction %q", f.When)
	}
	for _, c := range []*Comparator{f.MinDays, f.MaxDays} {
		if c == nil {
			continue
		}
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// HoldsBetween reports whether an event on eventDate falls in the window
// relative to refDate. The day distance is measured in the filter's
// direction, so events on the wrong side of the reference never qualify.
func (f *RelativeTimeRangeFilter) HoldsBetween(eventDate, refDate time.Time) bool {
	var dist int
	switch f.When {
	case WhenBefore:
		dist = table.DaysBetween(eventDate, refDate)
	case WhenAfter:
		dist = table.DaysBetween(refDate, eventDate)
	default:
		return false
	}
	if dist < 0 {
		return false
	}
	d := float64(dist)
	if f.MinDays != nil && !f.MinDays.Holds(d) {
		return false
	}
	if f.MaxDays != nil && !f.MaxDays.Holds(d) {
		return false
	}
	return true
}
