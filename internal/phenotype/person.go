package phenotype

import (
	"context"
	"time"

	"phenokit/internal/domain"
	"phenokit/internal/table"
)

// AgePhenotype computes each patient's whole-year age at the index date
// from DATE_OF_BIRTH and bounds it with a value filter. It can only run
// after the entry stage has attached the index date.
type AgePhenotype struct {
	base
	valueFilter *ValueFilter
}

// NewAgePhenotype builds an age-at-index phenotype over the PERSON
// domain.
func NewAgePhenotype(name string, opts ...Option) (*AgePhenotype, error) {
	o := buildOptions(opts)
	if name == "" {
		return nil, domain.ErrValidation("age phenotype: no name")
	}
	if err := o.validateCommon(); err != nil {
		return nil, err
	}
	if o.valueFilter != nil {
		if err := o.valueFilter.Validate(); err != nil {
			return nil, err
		}
	}
	if len(o.timeRanges) > 0 {
		return nil, domain.ErrValidation("age phenotype %q does not take relative time ranges", name)
	}
	if o.anchor != nil {
		return nil, domain.ErrValidation("age phenotype %q does not take an anchor phenotype", name)
	}
	return &AgePhenotype{
		base:        newBase(name, domain.DomainPerson, o.returnDate),
		valueFilter: o.valueFilter,
	}, nil
}

func (p *AgePhenotype) ClassName() string { return "AgePhenotype" }

func (p *AgePhenotype) Domains() []string { return []string{p.domain} }

func (p *AgePhenotype) Execute(ctx context.Context, tables table.Set) (*table.Table, error) {
	t, err := tables.Get(p.domain)
	if err != nil {
		return nil, err
	}
	if !t.HasColumn(domain.ColIndexDate) {
		return nil, domain.ErrValidation("age phenotype %q needs an index date; the %s table has no %s column",
			p.Name(), p.domain, domain.ColIndexDate)
	}
	persons, err := t.Column(domain.ColPersonID)
	if err != nil {
		return nil, err
	}
	births, err := t.Column(domain.ColDateOfBirth)
	if err != nil {
		return nil, err
	}
	index, err := t.Column(domain.ColIndexDate)
	if err != nil {
		return nil, err
	}

	var out []event
	for i := 0; i < t.NumRows(); i++ {
		if persons.IsNull(i) || births.IsNull(i) || index.IsNull(i) {
			continue
		}
		age := float64(ageAt(births.DateAt(i), index.DateAt(i)))
		if p.valueFilter != nil && !p.valueFilter.Holds(age, false) {
			continue
		}
		out = append(out, event{
			person:   persons.StringAt(i),
			date:     index.DateAt(i),
			hasDate:  true,
			value:    age,
			hasValue: true,
		})
	}
	return buildResult(out, ReturnFirst, nil)
}

// ageAt returns whole years between birth and reference, floored to the
// last completed birthday.
func ageAt(birth, ref time.Time) int {
	birth, ref = table.Day(birth), table.Day(ref)
	years := ref.Year() - birth.Year()
	if ref.Month() < birth.Month() || (ref.Month() == birth.Month() && ref.Day() < birth.Day()) {
		years--
	}
	return years
}

// SexPhenotype matches patients whose SEX column value is in the allowed
// set. Matched rows carry no date and no value.
type SexPhenotype struct {
	base
	allowed []string
}

// NewSexPhenotype builds a sex phenotype over the PERSON domain.
func NewSexPhenotype(name string, allowed []string, opts ...Option) (*SexPhenotype, error) {
	o := buildOptions(opts)
	if name == "" {
		return nil, domain.ErrValidation("sex phenotype: no name")
	}
	if len(allowed) == 0 {
		return nil, domain.ErrValidation("sex phenotype %q: no allowed values", name)
	}
	if err := o.validateCommon(); err != nil {
		return nil, err
	}
	if o.valueFilter != nil || len(o.timeRanges) > 0 || o.anchor != nil {
		return nil, domain.ErrValidation("sex phenotype %q only takes allowed values", name)
	}
	return &SexPhenotype{
		base:    newBase(name, domain.DomainPerson, o.returnDate),
		allowed: allowed,
	}, nil
}

func (p *SexPhenotype) ClassName() string { return "SexPhenotype" }

func (p *SexPhenotype) Domains() []string { return []string{p.domain} }

func (p *SexPhenotype) Execute(ctx context.Context, tables table.Set) (*table.Table, error) {
	t, err := tables.Get(p.domain)
	if err != nil {
		return nil, err
	}
	f := &CategoricalFilter{Column: domain.ColSex, Allowed: p.allowed}
	mask, err := f.Mask(t)
	if err != nil {
		return nil, err
	}
	events, err := collectEvents(t.Filter(mask), "", "")
	if err != nil {
		return nil, err
	}
	return buildResult(events, ReturnFirst, nil)
}

// DeathPhenotype matches patients with a death record, optionally inside
// relative time-range windows. EVENT_DATE is the death date.
type DeathPhenotype struct {
	base
	timeRanges []*RelativeTimeRangeFilter
}

// NewDeathPhenotype builds a death phenotype over the DEATH domain.
func NewDeathPhenotype(name string, opts ...Option) (*DeathPhenotype, error) {
	o := buildOptions(opts)
	if name == "" {
		return nil, domain.ErrValidation("death phenotype: no name")
	}
	if err := o.validateCommon(); err != nil {
		return nil, err
	}
	if o.valueFilter != nil {
		return nil, domain.ErrValidation("death phenotype %q does not take a value filter", name)
	}
	if o.anchor != nil {
		return nil, domain.ErrValidation("death phenotype %q does not take an anchor phenotype", name)
	}

	p := &DeathPhenotype{
		base:       newBase(name, domain.DomainDeath, o.returnDate),
		timeRanges: o.timeRanges,
	}
	if err := p.AddDependencies(anchors(o.timeRanges)...); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *DeathPhenotype) ClassName() string { return "DeathPhenotype" }

func (p *DeathPhenotype) Domains() []string { return []string{p.domain} }

// TimeRanges returns the relative time-range constraints.
func (p *DeathPhenotype) TimeRanges() []*RelativeTimeRangeFilter { return p.timeRanges }

func (p *DeathPhenotype) Execute(ctx context.Context, tables table.Set) (*table.Table, error) {
	t, err := tables.Get(p.domain)
	if err != nil {
		return nil, err
	}
	mask := trueMask(t.NumRows())
	if len(p.timeRanges) > 0 {
		m, err := timeRangeMask(tables, t, domain.ColEventDate, p.timeRanges)
		if err != nil {
			return nil, err
		}
		mask = andMask(mask, m)
	}
	events, err := collectEvents(t.Filter(mask), domain.ColEventDate, "")
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
