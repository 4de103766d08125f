package phenotype

import (
	"context"
	"sort"
	"time"

	"phenokit/internal/domain"
	"phenokit/internal/table"
)

// TimeRangePhenotype detects continuous coverage around a reference
// date. Coverage rows (START_DATE, END_DATE) merge when the gap between
// consecutive ranges is at most MaxGapDays; a patient matches when a
// merged range contains the reference date (the index date, or an anchor
// phenotype's dates). VALUE is the days of coverage before the reference
// date, or the days from the reference date to the coverage end when
// DaysUntilGap is set. EVENT_DATE is the reference date.
type TimeRangePhenotype struct {
	base
	maxGapDays   int
	daysUntilGap bool
	valueFilter  *ValueFilter
	anchor       Phenotype
}

// NewTimeRangePhenotype builds a coverage phenotype over the named
// source domain, typically OBSERVATION_PERIOD.
func NewTimeRangePhenotype(name, domainName string, opts ...Option) (*TimeRangePhenotype, error) {
	o := buildOptions(opts)
	if name == "" {
		return nil, domain.ErrValidation("time range phenotype: no name")
	}
	if domainName == "" {
		domainName = domain.DomainObservationPeriod
	}
	if err := o.validateCommon(); err != nil {
		return nil, err
	}
	if o.valueFilter != nil {
		if err := o.valueFilter.Validate(); err != nil {
			return nil, err
		}
	}
	if o.maxGapDays < 0 {
		return nil, domain.ErrValidation("time range phenotype %q: negative max gap %d", name, o.maxGapDays)
	}
	if len(o.timeRanges) > 0 {
		return nil, domain.ErrValidation("time range phenotype %q does not take relative time ranges", name)
	}

	p := &TimeRangePhenotype{
		base:         newBase(name, domainName, o.returnDate),
		maxGapDays:   o.maxGapDays,
		daysUntilGap: o.daysUntilGap,
		valueFilter:  o.valueFilter,
		anchor:       o.anchor,
	}
	if o.anchor != nil {
		if err := p.AddDependencies(o.anchor); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *TimeRangePhenotype) ClassName() string { return "TimeRangePhenotype" }

func (p *TimeRangePhenotype) Domains() []string { return []string{p.domain} }

func (p *TimeRangePhenotype) Execute(ctx context.Context, tables table.Set) (*table.Table, error) {
	t, err := tables.Get(p.domain)
	if err != nil {
		return nil, err
	}
	refs, err := referenceDates(tables, t, p.anchor)
	if err != nil {
		return nil, err
	}
	ranges, err := coverageRanges(t)
	if err != nil {
		return nil, err
	}

	persons := make([]string, 0, len(ranges))
	for person := range ranges {
		persons = append(persons, person)
	}
	sort.Strings(persons)

	var out []event
	for _, person := range persons {
		merged := mergeRanges(ranges[person], p.maxGapDays)
		for _, ref := range distinctSorted(refs[person]) {
			for _, r := range merged {
				if ref.Before(r.start) || ref.After(r.end) {
					continue
				}
				days := float64(table.DaysBetween(r.start, ref))
				if p.daysUntilGap {
					days = float64(table.DaysBetween(ref, r.end))
				}
				if p.valueFilter != nil && !p.valueFilter.Holds(days, false) {
					continue
				}
				out = append(out, event{person: person, date: ref, hasDate: true, value: days, hasValue: true})
			}
		}
	}
	return buildResult(out, p.returnDate, refs)
}

type coverage struct {
	start time.Time
	end   time.Time
}

// coverageRanges reads per-person (START_DATE, END_DATE) rows, dropping
// rows with a null bound or an end before its start.
func coverageRanges(t *table.Table) (map[string][]coverage, error) {
	persons, err := t.Column(domain.ColPersonID)
	if err != nil {
		return nil, err
	}
	starts, err := t.Column(domain.ColStartDate)
	if err != nil {
		return nil, err
	}
	ends, err := t.Column(domain.ColEndDate)
	if err != nil {
		return nil, err
	}
	out := map[string][]coverage{}
	for i := 0; i < t.NumRows(); i++ {
		if persons.IsNull(i) || starts.IsNull(i) || ends.IsNull(i) {
			continue
		}
		c := coverage{start: starts.DateAt(i), end: ends.DateAt(i)}
		if c.end.Before(c.start) {
			continue
		}
		out[persons.StringAt(i)] = append(out[persons.StringAt(i)], c)
	}
	return out, nil
}

// mergeRanges coalesces ranges whose gap is at most maxGapDays.
func mergeRanges(ranges []coverage, maxGapDays int) []coverage {
	if len(ranges) == 0 {
		return nil
	}
	sort.Slice(ranges, func(i, j int) bool {
		if !ranges[i].start.Equal(ranges[j].start) {
			return ranges[i].start.Before(ranges[j].start)
		}
		return ranges[i].end.Before(ranges[j].end)
	})
	merged := []coverage{ranges[0]}
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if table.DaysBetween(last.end, r.start) <= maxGapDays {
			if r.end.After(last.end) {
				last.end = r.end
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}
