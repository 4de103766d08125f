package phenotype

import (
	"context"
	"time"

	"phenokit/internal/domain"
	"phenokit/internal/table"
)

// MeasurementPhenotype matches measurement rows by codelist and bounds
// the measured VALUE with a value filter. Matched rows keep their value.
type MeasurementPhenotype struct {
	base
	codelist    *Codelist
	valueFilter *ValueFilter
	categorical Categorical
	dateFilter  *DateFilter
	timeRanges  []*RelativeTimeRangeFilter
}

// NewMeasurementPhenotype builds a measurement phenotype over the named
// source domain.
func NewMeasurementPhenotype(name, domainName string, codes *Codelist, opts ...Option) (*MeasurementPhenotype, error) {
	o := buildOptions(opts)
	if name == "" {
		return nil, domain.ErrValidation("measurement phenotype: no name")
	}
	if domainName == "" {
		return nil, domain.ErrValidation("measurement phenotype %q: no domain", name)
	}
	if codes == nil {
		return nil, domain.ErrValidation("measurement phenotype %q: no codelist", name)
	}
	if err := codes.Validate(); err != nil {
		return nil, err
	}
	if err := o.validateCommon(); err != nil {
		return nil, err
	}
	if o.valueFilter != nil {
		if err := o.valueFilter.Validate(); err != nil {
			return nil, err
		}
	}
	if o.anchor != nil {
		return nil, domain.ErrValidation("measurement phenotype %q does not take an anchor phenotype", name)
	}

	p := &MeasurementPhenotype{
		base:        newBase(name, domainName, o.returnDate),
		codelist:    codes,
		valueFilter: o.valueFilter,
		categorical: o.categorical,
		dateFilter:  o.dateFilter,
		timeRanges:  o.timeRanges,
	}
	if err := p.AddDependencies(anchors(o.timeRanges)...); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *MeasurementPhenotype) ClassName() string { return "MeasurementPhenotype" }

func (p *MeasurementPhenotype) Domains() []string {
	domains := []string{p.domain}
	if cf, ok := p.categorical.(*CategoricalFilter); ok && cf.Domain != "" && cf.Domain != p.domain {
		domains = append(domains, cf.Domain)
	}
	return domains
}

// TimeRanges returns the relative time-range constraints.
func (p *MeasurementPhenotype) TimeRanges() []*RelativeTimeRangeFilter { return p.timeRanges }

func (p *MeasurementPhenotype) Reset() {
	p.base.Reset()
	p.codelist.Invalidate()
}

func (p *MeasurementPhenotype) Execute(ctx context.Context, tables table.Set) (*table.Table, error) {
	t, err := tables.Get(p.domain)
	if err != nil {
		return nil, err
	}

	mask, err := codelistMask(t, p.codelist)
	if err != nil {
		return nil, err
	}
	if p.valueFilter != nil {
		m, err := p.valueFilter.Mask(t)
		if err != nil {
			return nil, err
		}
		mask = andMask(mask, m)
	}
	if p.categorical != nil {
		m, err := p.categorical.Mask(t)
		if err != nil {
			return nil, err
		}
		mask = andMask(mask, m)
	}
	if p.dateFilter != nil {
		m, err := p.dateFilter.Mask(t)
		if err != nil {
			return nil, err
		}
		mask = andMask(mask, m)
	}
	if len(p.timeRanges) > 0 {
		m, err := timeRangeMask(tables, t, domain.ColEventDate, p.timeRanges)
		if err != nil {
			return nil, err
		}
		mask = andMask(mask, m)
	}

	matched := t.Filter(mask)
	events, err := collectEvents(matched, domain.ColEventDate, domain.ColValue)
	if err != nil {
		return nil, err
	}
	if p.returnDate == ReturnNearest {
		nr, err := nearestReference(tables, t, p.timeRanges)
		if err != nil {
			return nil, err
		}
		return buildResult(events, p.returnDate, nr)
	}
	return buildResult(events, p.returnDate, nil)
}

// MeasurementChangePhenotype scans a patient's measurement stream for a
// pair of observations whose day gap and value delta satisfy the
// configured bounds: a self-join over the nested measurement phenotype,
// which must use return date "all". VALUE is the signed delta
// (second minus first); the component date selector picks which side of
// the pair is reported.
type MeasurementChangePhenotype struct {
	base
	inner      *MeasurementPhenotype
	minDays    *Comparator
	maxDays    *Comparator
	change     *ValueFilter
	dateSelect DateSelect
}

// NewMeasurementChangePhenotype builds a change phenotype over a nested
// measurement stream. The nested phenotype becomes a dependency and must
// return all events.
func NewMeasurementChangePhenotype(name string, inner *MeasurementPhenotype, opts ...Option) (*MeasurementChangePhenotype, error) {
	o := buildOptions(opts)
	if name == "" {
		return nil, domain.ErrValidation("measurement change phenotype: no name")
	}
	if inner == nil {
		return nil, domain.ErrValidation("measurement change phenotype %q: no nested measurement phenotype", name)
	}
	if inner.ReturnDate() != ReturnAll {
		return nil, domain.ErrValidation("measurement change phenotype %q: nested phenotype %q must use return date %q, has %q",
			name, inner.Name(), string(ReturnAll), string(inner.ReturnDate()))
	}
	if err := o.validateCommon(); err != nil {
		return nil, err
	}
	if o.returnDate != ReturnFirst && o.returnDate != ReturnLast {
		return nil, domain.ErrValidation("measurement change phenotype %q: return date must be %q or %q",
			name, string(ReturnFirst), string(ReturnLast))
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
	if o.anchor != nil {
		return nil, domain.ErrValidation("measurement change phenotype %q does not take an anchor phenotype", name)
	}

	p := &MeasurementChangePhenotype{
		base:       newBase(name, "", o.returnDate),
		inner:      inner,
		minDays:    o.minDaysApart,
		maxDays:    o.maxDaysApart,
		change:     o.valueFilter,
		dateSelect: o.dateSelect,
	}
	if err := p.AddDependencies(inner); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *MeasurementChangePhenotype) ClassName() string { return "MeasurementChangePhenotype" }

func (p *MeasurementChangePhenotype) Domains() []string { return p.inner.Domains() }

func (p *MeasurementChangePhenotype) Execute(ctx context.Context, tables table.Set) (*table.Table, error) {
	innerTable, err := tables.Get(p.inner.Name())
	if err != nil {
		return nil, err
	}
	events, err := collectEvents(innerTable, domain.ColEventDate, domain.ColValue)
	if err != nil {
		return nil, err
	}
	persons, byPerson := groupEvents(events)

	var out []event
	for _, person := range persons {
		stream := byPerson[person]
		pair, ok := p.pickPair(stream)
		if !ok {
			continue
		}
		reported := event{person: person, value: pair.delta, hasValue: true, hasDate: true}
		if p.dateSelect == SelectFirst {
			reported.date = pair.first
		} else {
			reported.date = pair.second
		}
		out = append(out, reported)
	}
	return eventsTable(out), nil
}

type measurementPair struct {
	first  time.Time
	second time.Time
	delta  float64
}

// pickPair returns the qualifying observation pair per the return-date
// policy: the earliest pair under "first", the latest under "last",
// ordered by (first date, second date). Exactly one pair per patient.
func (p *MeasurementChangePhenotype) pickPair(stream []event) (measurementPair, bool) {
	var best measurementPair
	found := false
	better := func(a, b measurementPair) bool {
		if !a.first.Equal(b.first) {
			if p.returnDate == ReturnLast {
				return a.first.After(b.first)
			}
			return a.first.Before(b.first)
		}
		if p.returnDate == ReturnLast {
			return a.second.After(b.second)
		}
		return a.second.Before(b.second)
	}
	for i := 0; i < len(stream); i++ {
		a := stream[i]
		if !a.hasDate || !a.hasValue {
			continue
		}
		for j := i + 1; j < len(stream); j++ {
			b := stream[j]
			if !b.hasDate || !b.hasValue || !a.date.Before(b.date) {
				continue
			}
			gap := float64(table.DaysBetween(a.date, b.date))
			if p.minDays != nil && !p.minDays.Holds(gap) {
				continue
			}
			if p.maxDays != nil && !p.maxDays.Holds(gap) {
				continue
			}
			delta := b.value - a.value
			if p.change != nil && !p.change.Holds(delta, false) {
				continue
			}
			cand := measurementPair{first: a.date, second: b.date, delta: delta}
			if !found || better(cand, best) {
				best, found = cand, true
			}
		}
	}
	return best, found
}
