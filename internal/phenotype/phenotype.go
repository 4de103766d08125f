package phenotype

import (
	"sort"
	"time"

	"phenokit/internal/domain"
	"phenokit/internal/graph"
	"phenokit/internal/table"
)

// ReturnPolicy selects which qualifying event per patient becomes the
// phenotype's reported row.
type ReturnPolicy string

const (
	ReturnFirst   ReturnPolicy = "first"
	ReturnLast    ReturnPolicy = "last"
	ReturnNearest ReturnPolicy = "nearest"
	ReturnAll     ReturnPolicy = "all"
)

// Validate rejects unknown policies.
func (p ReturnPolicy) Validate() error {
	switch p {
	case ReturnFirst, ReturnLast, ReturnNearest, ReturnAll:
		return nil
	}
	return domain.ErrValidation("unknown return date policy %q", string(p))
}

// DateSelect picks which component of a multi-event match (a pair, a
// chain) is reported as the EVENT_DATE.
type DateSelect string

const (
	SelectFirst  DateSelect = "first"
	SelectSecond DateSelect = "second"
	SelectLast   DateSelect = "last"
)

// Validate rejects unknown selectors.
func (s DateSelect) Validate() error {
	switch s {
	case SelectFirst, SelectSecond, SelectLast:
		return nil
	}
	return domain.ErrValidation("unknown component date selector %q", string(s))
}

// Phenotype is a named predicate/measurement over patient data: a graph
// node whose table holds one row per matching patient event with
// PERSON_ID, BOOLEAN (always true on produced rows), EVENT_DATE, VALUE.
// Patients absent from the table are false downstream.
type Phenotype interface {
	graph.Node

	// ClassName is the codec tag identifying the concrete variant.
	ClassName() string
	// Domain is the primary source table the phenotype reads, empty for
	// composites.
	Domain() string
	// Domains lists every source table the phenotype and its owned
	// components read, deduplicated.
	Domains() []string
	// Reset drops memoized state (result table, codelist resolutions)
	// so the next execution recomputes from scratch.
	Reset()
}

// TimeRanged is implemented by phenotypes carrying relative time-range
// filters; the orchestrator uses it to validate entry criteria.
type TimeRanged interface {
	TimeRanges() []*RelativeTimeRangeFilter
}

// base carries the state shared by all phenotype variants.
type base struct {
	*graph.Base
	domain     string
	returnDate ReturnPolicy
}

func newBase(name, domainName string, returnDate ReturnPolicy) base {
	return base{Base: graph.NewBase(name), domain: domainName, returnDate: returnDate}
}

func (b *base) Domain() string { return b.domain }

// ReturnDate returns the event-selection policy fixed at construction.
func (b *base) ReturnDate() ReturnPolicy { return b.returnDate }

func (b *base) Reset() { b.ResetTable() }

// options collects the optional constructor arguments shared across
// phenotype variants. Each constructor consumes the fields it supports
// and rejects the rest.
type options struct {
	returnDate   ReturnPolicy
	dateSelect   DateSelect
	categorical  Categorical
	timeRanges   []*RelativeTimeRangeFilter
	dateFilter   *DateFilter
	valueFilter  *ValueFilter
	minDaysApart *Comparator
	maxDaysApart *Comparator
	maxGapDays   int
	daysUntilGap bool
	anchor       Phenotype
}

// Option configures a phenotype under construction.
type Option func(*options)

// WithReturnDate overrides the default "first" return policy.
func WithReturnDate(p ReturnPolicy) Option {
	return func(o *options) { o.returnDate = p }
}

// WithDateSelect overrides the default "first" component date selector.
func WithDateSelect(s DateSelect) Option {
	return func(o *options) { o.dateSelect = s }
}

// WithCategorical constrains matches with a categorical predicate tree.
func WithCategorical(c Categorical) Option {
	return func(o *options) { o.categorical = c }
}

// WithTimeRange adds a relative time-range constraint. Repeated options
// accumulate; all must hold.
func WithTimeRange(f *RelativeTimeRangeFilter) Option {
	return func(o *options) { o.timeRanges = append(o.timeRanges, f) }
}

// WithDateFilter constrains matches to an absolute date window.
func WithDateFilter(f *DateFilter) Option {
	return func(o *options) { o.dateFilter = f }
}

// WithValueFilter constrains the phenotype's numeric value.
func WithValueFilter(f *ValueFilter) Option {
	return func(o *options) { o.valueFilter = f }
}

// WithMinDaysApart bounds the day gap between paired or chained events
// from below.
func WithMinDaysApart(c *Comparator) Option {
	return func(o *options) { o.minDaysApart = c }
}

// WithMaxDaysApart bounds the day gap between paired or chained events
// from above.
func WithMaxDaysApart(c *Comparator) Option {
	return func(o *options) { o.maxDaysApart = c }
}

// WithMaxGapDays treats coverage ranges separated by at most this many
// days as continuous.
func WithMaxGapDays(days int) Option {
	return func(o *options) { o.maxGapDays = days }
}

// WithDaysUntilGap reports days from the reference date to the end of
// continuous coverage instead of days covered so far.
func WithDaysUntilGap() Option {
	return func(o *options) { o.daysUntilGap = true }
}

// WithAnchorPhenotype measures the phenotype at the anchor's EVENT_DATE
// instead of the index date.
func WithAnchorPhenotype(p Phenotype) Option {
	return func(o *options) { o.anchor = p }
}

func buildOptions(opts []Option) options {
	o := options{returnDate: ReturnFirst, dateSelect: SelectFirst}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// validateCommon checks the option fields every variant shares.
func (o *options) validateCommon() error {
	if err := o.returnDate.Validate(); err != nil {
		return err
	}
	if err := o.dateSelect.Validate(); err != nil {
		return err
	}
	if o.categorical != nil {
		if err := validateCategorical(o.categorical); err != nil {
			return err
		}
	}
	if o.dateFilter != nil {
		if err := o.dateFilter.Validate(); err != nil {
			return err
		}
	}
	for _, tr := range o.timeRanges {
		if err := tr.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// anchors returns the anchor phenotypes referenced by the time ranges,
// in option order. These become dependency edges.
func anchors(timeRanges []*RelativeTimeRangeFilter) []graph.Node {
	var out []graph.Node
	for _, tr := range timeRanges {
		if tr.Anchor != nil {
			out = append(out, tr.Anchor)
		}
	}
	return out
}

// event is one qualifying patient row during result assembly.
type event struct {
	person   string
	date     time.Time
	hasDate  bool
	value    float64
	hasValue bool
}

// collectEvents reads the matched rows of t into events. dateCol and
// valueCol may be empty when the table carries no date or value.
func collectEvents(t *table.Table, dateCol, valueCol string) ([]event, error) {
	persons, err := t.Column(domain.ColPersonID)
	if err != nil {
		return nil, err
	}
	var dates, values *table.Series
	if dateCol != "" && t.HasColumn(dateCol) {
		if dates, err = t.Column(dateCol); err != nil {
			return nil, err
		}
	}
	if valueCol != "" && t.HasColumn(valueCol) {
		if values, err = t.Column(valueCol); err != nil {
			return nil, err
		}
	}
	events := make([]event, 0, t.NumRows())
	for i := 0; i < t.NumRows(); i++ {
		if persons.IsNull(i) {
			continue
		}
		e := event{person: persons.StringAt(i)}
		if dates != nil && !dates.IsNull(i) {
			e.date = dates.DateAt(i)
			e.hasDate = true
		}
		if values != nil && !values.IsNull(i) {
			e.value = values.NumberAt(i)
			e.hasValue = true
		}
		events = append(events, e)
	}
	return events, nil
}

// groupEvents buckets events per person, deduplicating identical
// (date, value) rows, and returns the persons in sorted order.
func groupEvents(events []event) ([]string, map[string][]event) {
	byPerson := map[string][]event{}
	seen := map[event]bool{}
	for _, e := range events {
		if seen[e] {
			continue
		}
		seen[e] = true
		byPerson[e.person] = append(byPerson[e.person], e)
	}
	persons := make([]string, 0, len(byPerson))
	for p := range byPerson {
		persons = append(persons, p)
	}
	sort.Strings(persons)
	for _, p := range persons {
		sortEvents(byPerson[p])
	}
	return persons, byPerson
}

// sortEvents orders by date (dated rows first), then value, so ranking
// is deterministic even on date ties.
func sortEvents(events []event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.hasDate != b.hasDate {
			return a.hasDate
		}
		if a.hasDate && !a.date.Equal(b.date) {
			return a.date.Before(b.date)
		}
		if a.hasValue != b.hasValue {
			return a.hasValue
		}
		return a.value < b.value
	})
}

// buildResult assembles the standard result table from qualifying events
// under the return-date policy. nearestRefs supplies per-person reference
// dates for ReturnNearest; persons without a reference cannot be ranked
// and are dropped.
func buildResult(events []event, policy ReturnPolicy, nearestRefs map[string][]time.Time) (*table.Table, error) {
	persons, byPerson := groupEvents(events)

	var out []event
	for _, p := range persons {
		group := byPerson[p]
		switch policy {
		case ReturnAll:
			out = append(out, group...)
		case ReturnFirst:
			out = append(out, group[0])
		case ReturnLast:
			out = append(out, group[len(group)-1])
		case ReturnNearest:
			refs := nearestRefs[p]
			if len(refs) == 0 {
				continue
			}
			best, bestDist := -1, 0
			for i, e := range group {
				if !e.hasDate {
					continue
				}
				dist := -1
				for _, ref := range refs {
					d := table.DaysBetween(e.date, ref)
					if d < 0 {
						d = -d
					}
					if dist < 0 || d < dist {
						dist = d
					}
				}
				if dist >= 0 && (best < 0 || dist < bestDist) {
					best, bestDist = i, dist
				}
			}
			if best >= 0 {
				out = append(out, group[best])
			}
		default:
			return nil, domain.ErrValidation("unknown return date policy %q", string(policy))
		}
	}
	return eventsTable(out), nil
}

// eventsTable renders events as the standard PERSON_ID, BOOLEAN,
// EVENT_DATE, VALUE table.
func eventsTable(events []event) *table.Table {
	n := len(events)
	persons := make([]string, n)
	bools := make([]bool, n)
	dates := make([]time.Time, n)
	dateNulls := make([]bool, n)
	values := make([]float64, n)
	valueNulls := make([]bool, n)
	for i, e := range events {
		persons[i] = e.person
		bools[i] = true
		if e.hasDate {
			dates[i] = e.date
		} else {
			dateNulls[i] = true
		}
		if e.hasValue {
			values[i] = e.value
		} else {
			valueNulls[i] = true
		}
	}
	return table.MustNew(
		table.NewString(domain.ColPersonID, persons),
		table.NewBool(domain.ColBoolean, bools),
		table.NewDate(domain.ColEventDate, dates).WithNulls(dateNulls),
		table.NewFloat(domain.ColValue, values).WithNulls(valueNulls),
	)
}

// personDates collects non-null dates per person from a table, typically
// a phenotype output or an INDEX_DATE-bearing domain table.
func personDates(t *table.Table, dateCol string) (map[string][]time.Time, error) {
	persons, err := t.Column(domain.ColPersonID)
	if err != nil {
		return nil, err
	}
	dates, err := t.Column(dateCol)
	if err != nil {
		return nil, err
	}
	out := map[string][]time.Time{}
	for i := 0; i < t.NumRows(); i++ {
		if persons.IsNull(i) || dates.IsNull(i) {
			continue
		}
		out[persons.StringAt(i)] = append(out[persons.StringAt(i)], dates.DateAt(i))
	}
	return out, nil
}

// timeRangeMask evaluates relative time-range filters against the rows
// of t. An anchorless filter measures against the table's INDEX_DATE
// column, which exists only after the entry stage; an anchored filter
// measures against the anchor phenotype's output in the working set. A
// row qualifies for one filter when any of the person's reference dates
// satisfies the window; all filters must hold.
func timeRangeMask(tables table.Set, t *table.Table, dateCol string, filters []*RelativeTimeRangeFilter) ([]bool, error) {
	persons, err := t.Column(domain.ColPersonID)
	if err != nil {
		return nil, err
	}
	dates, err := t.Column(dateCol)
	if err != nil {
		return nil, err
	}

	mask := make([]bool, t.NumRows())
	for i := range mask {
		mask[i] = true
	}
	for _, f := range filters {
		refs, err := referenceDates(tables, t, f.Anchor)
		if err != nil {
			return nil, err
		}
		for i := range mask {
			if !mask[i] {
				continue
			}
			if persons.IsNull(i) || dates.IsNull(i) {
				mask[i] = false
				continue
			}
			ok := false
			for _, ref := range refs[persons.StringAt(i)] {
				if f.HoldsBetween(dates.DateAt(i), ref) {
					ok = true
					break
				}
			}
			mask[i] = ok
		}
	}
	return mask, nil
}

// referenceDates resolves the per-person reference dates a window
// measures against: the anchor phenotype's output dates, or the table's
// attached INDEX_DATE column when no anchor is set.
func referenceDates(tables table.Set, t *table.Table, anchor Phenotype) (map[string][]time.Time, error) {
	if anchor == nil {
		if !t.HasColumn(domain.ColIndexDate) {
			return nil, domain.ErrValidation("relative time range without anchor needs an index date; the table has no %s column", domain.ColIndexDate)
		}
		return personDates(t, domain.ColIndexDate)
	}
	anchorTable, err := tables.Get(anchor.Name())
	if err != nil {
		return nil, err
	}
	return personDates(anchorTable, domain.ColEventDate)
}

// nearestReference picks the reference dates used to rank events under
// ReturnNearest: the attached index date when present, else the first
// anchored window's dates.
func nearestReference(tables table.Set, t *table.Table, filters []*RelativeTimeRangeFilter) (map[string][]time.Time, error) {
	if t.HasColumn(domain.ColIndexDate) {
		return personDates(t, domain.ColIndexDate)
	}
	for _, f := range filters {
		if f.Anchor != nil {
			return referenceDates(tables, t, f.Anchor)
		}
	}
	return nil, domain.ErrValidation("return date %q needs an index date or an anchored time range", string(ReturnNearest))
}

// trueMask is the identity row mask.
func trueMask(n int) []bool {
	mask := make([]bool, n)
	for i := range mask {
		mask[i] = true
	}
	return mask
}

// andMask folds b into a in place.
func andMask(a, b []bool) []bool {
	for i := range a {
		a[i] = a[i] && b[i]
	}
	return a
}

// sortResult orders a result table by person then event date for
// deterministic output.
func sortResult(t *table.Table) (*table.Table, error) {
	keys := []table.SortKey{table.Asc(domain.ColPersonID)}
	if t.HasColumn(domain.ColEventDate) {
		keys = append(keys, table.Asc(domain.ColEventDate))
	}
	return t.Sort(keys...)
}
