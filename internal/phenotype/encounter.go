package phenotype

import (
	"context"

	"phenokit/internal/domain"
	"phenokit/internal/table"
)

// WithinSameEncounterPhenotype restricts a target phenotype to rows
// sharing an encounter key with an anchor phenotype's matched events: the
// anchor's output joins back to its raw domain rows by person and event
// date to recover the key values, the target's domain table is subset to
// rows carrying one of those keys, and the target runs on the subset.
// The anchor is a dependency; the target is owned and runs inline.
type WithinSameEncounterPhenotype struct {
	base
	anchor    Phenotype
	target    Phenotype
	keyColumn string
}

// NewWithinSameEncounterPhenotype builds a same-encounter phenotype
// joining anchor and target on the given key column.
func NewWithinSameEncounterPhenotype(name string, anchor, target Phenotype, keyColumn string, opts ...Option) (*WithinSameEncounterPhenotype, error) {
	o := buildOptions(opts)
	if name == "" {
		return nil, domain.ErrValidation("within same encounter phenotype: no name")
	}
	if anchor == nil || target == nil {
		return nil, domain.ErrValidation("within same encounter phenotype %q: needs an anchor and a target phenotype", name)
	}
	if keyColumn == "" {
		return nil, domain.ErrValidation("within same encounter phenotype %q: no key column", name)
	}
	if anchor.Domain() == "" {
		return nil, domain.ErrValidation("within same encounter phenotype %q: anchor %q has no source domain", name, anchor.Name())
	}
	if target.Domain() == "" {
		return nil, domain.ErrValidation("within same encounter phenotype %q: target %q has no source domain", name, target.Name())
	}
	if len(target.Dependencies()) > 0 {
		return nil, domain.ErrValidation("within same encounter phenotype %q: target %q must not carry dependencies", name, target.Name())
	}
	if err := o.validateCommon(); err != nil {
		return nil, err
	}
	if o.valueFilter != nil || len(o.timeRanges) > 0 || o.anchor != nil {
		return nil, domain.ErrValidation("within same encounter phenotype %q: constrain the anchor or target instead", name)
	}

	p := &WithinSameEncounterPhenotype{
		base:      newBase(name, "", o.returnDate),
		anchor:    anchor,
		target:    target,
		keyColumn: keyColumn,
	}
	if err := p.AddDependencies(anchor); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *WithinSameEncounterPhenotype) ClassName() string { return "WithinSameEncounterPhenotype" }

func (p *WithinSameEncounterPhenotype) Domains() []string {
	domains := []string{p.anchor.Domain()}
	for _, d := range p.target.Domains() {
		if d != p.anchor.Domain() {
			domains = append(domains, d)
		}
	}
	return domains
}

func (p *WithinSameEncounterPhenotype) Reset() {
	p.base.Reset()
	p.target.Reset()
}

func (p *WithinSameEncounterPhenotype) Execute(ctx context.Context, tables table.Set) (*table.Table, error) {
	anchorOut, err := tables.Get(p.anchor.Name())
	if err != nil {
		return nil, err
	}
	anchorDomain, err := tables.Get(p.anchor.Domain())
	if err != nil {
		return nil, err
	}
	targetDomain, err := tables.Get(p.target.Domain())
	if err != nil {
		return nil, err
	}
	if !anchorDomain.HasColumn(p.keyColumn) {
		return nil, domain.ErrNotFound("within same encounter %q: %s table has no %s column", p.Name(), p.anchor.Domain(), p.keyColumn)
	}
	if !targetDomain.HasColumn(p.keyColumn) {
		return nil, domain.ErrNotFound("within same encounter %q: %s table has no %s column", p.Name(), p.target.Domain(), p.keyColumn)
	}

	// Recover the anchor's raw rows to read their encounter keys.
	anchorEvents, err := anchorOut.Select(domain.ColPersonID, domain.ColEventDate)
	if err != nil {
		return nil, err
	}
	anchorEvents, err = anchorEvents.Distinct()
	if err != nil {
		return nil, err
	}
	matchedRaw, err := table.Join(anchorEvents, anchorDomain, []string{domain.ColPersonID, domain.ColEventDate}, table.InnerJoin)
	if err != nil {
		return nil, err
	}

	keys, err := encounterKeys(matchedRaw, p.keyColumn)
	if err != nil {
		return nil, err
	}
	mask, err := encounterMask(targetDomain, p.keyColumn, keys)
	if err != nil {
		return nil, err
	}

	sub := tables.With(p.target.Domain(), targetDomain.Filter(mask))
	return p.target.Execute(ctx, sub)
}

// encounterKeys collects the distinct (person, key) pairs of a table.
func encounterKeys(t *table.Table, keyColumn string) (map[string]map[string]bool, error) {
	persons, err := t.Column(domain.ColPersonID)
	if err != nil {
		return nil, err
	}
	keys, err := t.Column(keyColumn)
	if err != nil {
		return nil, err
	}
	out := map[string]map[string]bool{}
	for i := 0; i < t.NumRows(); i++ {
		if persons.IsNull(i) || keys.IsNull(i) {
			continue
		}
		person := persons.StringAt(i)
		if out[person] == nil {
			out[person] = map[string]bool{}
		}
		out[person][keys.KeyAt(i)] = true
	}
	return out, nil
}

// encounterMask keeps rows whose (person, key) pair is in the set.
func encounterMask(t *table.Table, keyColumn string, keys map[string]map[string]bool) ([]bool, error) {
	persons, err := t.Column(domain.ColPersonID)
	if err != nil {
		return nil, err
	}
	col, err := t.Column(keyColumn)
	if err != nil {
		return nil, err
	}
	mask := make([]bool, t.NumRows())
	for i := range mask {
		if persons.IsNull(i) || col.IsNull(i) {
			continue
		}
		mask[i] = keys[persons.StringAt(i)][col.KeyAt(i)]
	}
	return mask, nil
}
