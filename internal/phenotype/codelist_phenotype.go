package phenotype

import (
	"context"

	"phenokit/internal/domain"
	"phenokit/internal/table"
)

// CodelistPhenotype matches domain-table rows whose code is in a
// resolved codelist, optionally constrained by categorical, absolute
// date, and relative time-range filters.
type CodelistPhenotype struct {
	base
	codelist    *Codelist
	categorical Categorical
	dateFilter  *DateFilter
	timeRanges  []*RelativeTimeRangeFilter
}

// NewCodelistPhenotype builds a codelist phenotype over the named source
// domain.
func NewCodelistPhenotype(name, domainName string, codes *Codelist, opts ...Option) (*CodelistPhenotype, error) {
	o := buildOptions(opts)
	if name == "" {
		return nil, domain.ErrValidation("codelist phenotype: no name")
	}
	if domainName == "" {
		return nil, domain.ErrValidation("codelist phenotype %q: no domain", name)
	}
	if codes == nil {
		return nil, domain.ErrValidation("codelist phenotype %q: no codelist", name)
	}
	if err := codes.Validate(); err != nil {
		return nil, err
	}
	if err := o.validateCommon(); err != nil {
		return nil, err
	}
	if o.valueFilter != nil {
		return nil, domain.ErrValidation("codelist phenotype %q does not take a value filter", name)
	}

	p := &CodelistPhenotype{
		base:        newBase(name, domainName, o.returnDate),
		codelist:    codes,
		categorical: o.categorical,
		dateFilter:  o.dateFilter,
		timeRanges:  o.timeRanges,
	}
	if err := p.AddDependencies(anchors(o.timeRanges)...); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *CodelistPhenotype) ClassName() string { return "CodelistPhenotype" }

func (p *CodelistPhenotype) Domains() []string {
	domains := []string{p.domain}
	if cf, ok := p.categorical.(*CategoricalFilter); ok && cf.Domain != "" && cf.Domain != p.domain {
		domains = append(domains, cf.Domain)
	}
	return domains
}

// TimeRanges returns the relative time-range constraints.
func (p *CodelistPhenotype) TimeRanges() []*RelativeTimeRangeFilter { return p.timeRanges }

// Codelist returns the matched codelist.
func (p *CodelistPhenotype) Codelist() *Codelist { return p.codelist }

func (p *CodelistPhenotype) Reset() {
	p.base.Reset()
	p.codelist.Invalidate()
}

func (p *CodelistPhenotype) Execute(ctx context.Context, tables table.Set) (*table.Table, error) {
	t, err := tables.Get(p.domain)
	if err != nil {
		return nil, err
	}

	mask, err := codelistMask(t, p.codelist)
	if err != nil {
		return nil, err
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
	events, err := collectEvents(matched, domain.ColEventDate, "")
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

// codelistMask matches the CODE column (and CODE_TYPE when the list
// distinguishes types) against the resolved codelist.
func codelistMask(t *table.Table, cl *Codelist) ([]bool, error) {
	codes, err := t.Column(domain.ColCode)
	if err != nil {
		return nil, err
	}
	var codeTypes *table.Series
	if cl.UseCodeType {
		if codeTypes, err = t.Column(domain.ColCodeType); err != nil {
			return nil, err
		}
	}
	if _, err := cl.Resolve(); err != nil {
		return nil, err
	}

	mask := make([]bool, t.NumRows())
	for i := range mask {
		if codes.IsNull(i) {
			continue
		}
		codeType := ""
		if codeTypes != nil {
			if codeTypes.IsNull(i) {
				continue
			}
			codeType = codeTypes.StringAt(i)
		}
		ok, err := cl.Contains(codes.StringAt(i), codeType)
		if err != nil {
			return nil, err
		}
		mask[i] = ok
	}
	return mask, nil
}
