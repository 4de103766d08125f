package cohort

import (
	"context"

	"phenokit/internal/domain"
	"phenokit/internal/graph"
	"phenokit/internal/table"
)

// DerivedTable is a computed domain table: it runs before any phenotype
// and its output joins the working set under the derived name, so
// phenotypes can declare it as their source domain like any raw table.
type DerivedTable interface {
	graph.Node
	// Sources lists the raw domain tables the derivation reads.
	Sources() []string
}

// UnionDerivedTable stacks several source domains into one table, so a
// single codelist phenotype can match codes across, say, conditions and
// procedures. Only the columns common to all sources survive, and
// PERSON_ID must be among them.
type UnionDerivedTable struct {
	*graph.Base
	sources []string
}

// NewUnionDerivedTable builds a union over the given source domains.
func NewUnionDerivedTable(name string, sources []string) (*UnionDerivedTable, error) {
	if name == "" {
		return nil, domain.ErrValidation("union derived table: no name")
	}
	if len(sources) < 2 {
		return nil, domain.ErrValidation("union derived table %q: needs at least two source domains, has %d", name, len(sources))
	}
	seen := map[string]bool{}
	for _, s := range sources {
		if s == "" {
			return nil, domain.ErrValidation("union derived table %q: empty source domain", name)
		}
		if s == name {
			return nil, domain.ErrValidation("union derived table %q: unions itself", name)
		}
		if seen[s] {
			return nil, domain.ErrValidation("union derived table %q: duplicate source domain %q", name, s)
		}
		seen[s] = true
	}
	return &UnionDerivedTable{Base: graph.NewBase(name), sources: append([]string(nil), sources...)}, nil
}

// ClassName tags the type for serialization.
func (u *UnionDerivedTable) ClassName() string { return "UnionDerivedTable" }

func (u *UnionDerivedTable) Sources() []string { return u.sources }

func (u *UnionDerivedTable) Execute(ctx context.Context, tables table.Set) (*table.Table, error) {
	shared, err := u.sharedColumns(tables)
	if err != nil {
		return nil, err
	}

	var out *table.Table
	for _, name := range u.sources {
		t, err := tables.Get(name)
		if err != nil {
			return nil, err
		}
		part, err := t.Select(shared...)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = part
			continue
		}
		if out, err = out.Append(part); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// sharedColumns intersects the source schemas in first-source column
// order.
func (u *UnionDerivedTable) sharedColumns(tables table.Set) ([]string, error) {
	first, err := tables.Get(u.sources[0])
	if err != nil {
		return nil, err
	}
	shared := first.ColumnNames()
	for _, name := range u.sources[1:] {
		t, err := tables.Get(name)
		if err != nil {
			return nil, err
		}
		kept := shared[:0]
		for _, col := range shared {
			if t.HasColumn(col) {
				kept = append(kept, col)
			}
		}
		shared = kept
	}
	hasPerson := false
	for _, col := range shared {
		if col == domain.ColPersonID {
			hasPerson = true
		}
	}
	if !hasPerson {
		return nil, domain.ErrValidation("union derived table %q: sources share no %s column", u.Name(), domain.ColPersonID)
	}
	return shared, nil
}
