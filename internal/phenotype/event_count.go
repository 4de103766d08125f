package phenotype

import (
	"context"
	"sort"
	"time"

	"phenokit/internal/domain"
	"phenokit/internal/table"
)

// EventCountPhenotype counts a patient's qualifying events in the nested
// phenotype, which must use return date "all". Without a day-gap bound
// the count is the number of distinct event dates; with bounds the count
// is the length of the greedy chain starting at the earliest date where
// each next chained date's gap from the previous satisfies the bounds.
// VALUE is the count, bounded by the value filter; the component date
// selector picks which chain date becomes the EVENT_DATE.
type EventCountPhenotype struct {
	base
	inner       Phenotype
	minDays     *Comparator
	maxDays     *Comparator
	countFilter *ValueFilter
	dateSelect  DateSelect
}

// NewEventCountPhenotype builds a count phenotype over a nested
// phenotype. The nested phenotype becomes a dependency.
func NewEventCountPhenotype(name string, inner Phenotype, opts ...Option) (*EventCountPhenotype, error) {
	o := buildOptions(opts)
	if name == "" {
		return nil, domain.ErrValidation("event count phenotype: no name")
	}
	if inner == nil {
		return nil, domain.ErrValidation("event count phenotype %q: no nested phenotype", name)
	}
	rd, ok := inner.(interface{ ReturnDate() ReturnPolicy })
	if !ok || rd.ReturnDate() != ReturnAll {
		return nil, domain.ErrValidation("event count phenotype %q: nested phenotype %q must use return date %q",
			name, inner.Name(), string(ReturnAll))
	}
	if err := o.validateCommon(); err != nil {
		return nil, err
	}
	if o.valueFilter != nil {
		if err := o.valueFilter.Validate(); err != nil {
			return nil, err
		}
	}
	for _, c := range []*Comparator{o.minDaysApart, o.maxDaysApart} {
		if c == nil {
			continue
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	if len(o.timeRanges) > 0 {
		return nil, domain.ErrValidation("event count phenotype %q: put relative time ranges on the nested phenotype", name)
	}
	if o.anchor != nil {
		return nil, domain.ErrValidation("event count phenotype %q does not take an anchor phenotype", name)
	}

	p := &EventCountPhenotype{
		base:        newBase(name, "", o.returnDate),
		inner:       inner,
		minDays:     o.minDaysApart,
		maxDays:     o.maxDaysApart,
		countFilter: o.valueFilter,
		dateSelect:  o.dateSelect,
	}
	if err := p.AddDependencies(inner); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *EventCountPhenotype) ClassName() string { return "EventCountPhenotype" }

func (p *EventCountPhenotype) Domains() []string { return p.inner.Domains() }

func (p *EventCountPhenotype) Execute(ctx context.Context, tables table.Set) (*table.Table, error) {
	innerTable, err := tables.Get(p.inner.Name())
	if err != nil {
		return nil, err
	}
	dates, err := personDates(innerTable, domain.ColEventDate)
	if err != nil {
		return nil, err
	}

	persons := make([]string, 0, len(dates))
	for person := range dates {
		persons = append(persons, person)
	}
	sort.Strings(persons)

	var out []event
	for _, person := range persons {
		chain := p.chain(distinctSorted(dates[person]))
		if len(chain) == 0 {
			continue
		}
		count := float64(len(chain))
		if p.countFilter != nil && !p.countFilter.Holds(count, false) {
			continue
		}
		e := event{person: person, value: count, hasValue: true}
		switch p.dateSelect {
		case SelectFirst:
			e.date, e.hasDate = chain[0], true
		case SelectSecond:
			if len(chain) > 1 {
				e.date, e.hasDate = chain[1], true
			}
		case SelectLast:
			e.date, e.hasDate = chain[len(chain)-1], true
		}
		out = append(out, e)
	}
	return eventsTable(out), nil
}

// chain walks the distinct sorted dates greedily: the earliest date
// starts the chain, and each following date joins when its gap from the
// previous chained date satisfies the bounds. With no bounds every
// distinct date chains.
func (p *EventCountPhenotype) chain(dates []time.Time) []time.Time {
	if len(dates) == 0 {
		return nil
	}
	if p.minDays == nil && p.maxDays == nil {
		return dates
	}
	chain := []time.Time{dates[0]}
	prev := dates[0]
	for _, d := range dates[1:] {
		gap := float64(table.DaysBetween(prev, d))
		if p.minDays != nil && !p.minDays.Holds(gap) {
			continue
		}
		if p.maxDays != nil && !p.maxDays.Holds(gap) {
			continue
		}
		chain = append(chain, d)
		prev = d
	}
	return chain
}

// distinctSorted deduplicates and orders a date list.
func distinctSorted(dates []time.Time) []time.Time {
	seen := make(map[time.Time]bool, len(dates))
	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
