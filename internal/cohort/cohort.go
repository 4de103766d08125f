// Package cohort assembles phenotypes into a staged study definition
// and executes it against a patient-level database.
//
// A cohort names one entry criterion whose event dates become the index
// dates, inclusion and exclusion criteria evaluated relative to index,
// and characteristics and outcomes reported over the final population.
// Execution runs in fixed stages: optional data-period trimming,
// derived tables, entry, index-relative criteria, then reporting, with
// the domain tables re-anchored to the index dates between stages.
package cohort

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"phenokit/internal/domain"
	"phenokit/internal/graph"
	"phenokit/internal/phenotype"
	"phenokit/internal/source"
	"phenokit/internal/table"
)

// Stage names, in pipeline order.
const (
	StageDataPeriod = "data_period"
	StageDerived    = "derived_tables"
	StageEntry      = "entry"
	StageIndex      = "index"
	StageReporting  = "reporting"
)

// Cohort is an executable study definition.
type Cohort struct {
	name            string
	entry           phenotype.Phenotype
	inclusions      []phenotype.Phenotype
	exclusions      []phenotype.Phenotype
	characteristics []phenotype.Phenotype
	outcomes        []phenotype.Phenotype
	derived         []DerivedTable
	dataPeriod      *phenotype.DateFilter
}

// Option configures a Cohort under construction.
type Option func(*Cohort)

// WithInclusions adds criteria a patient must satisfy to stay in the
// cohort.
func WithInclusions(ps ...phenotype.Phenotype) Option {
	return func(c *Cohort) { c.inclusions = append(c.inclusions, ps...) }
}

// WithExclusions adds criteria that remove a patient from the cohort.
func WithExclusions(ps ...phenotype.Phenotype) Option {
	return func(c *Cohort) { c.exclusions = append(c.exclusions, ps...) }
}

// WithCharacteristics adds phenotypes reported over the final cohort,
// typically baseline covariates.
func WithCharacteristics(ps ...phenotype.Phenotype) Option {
	return func(c *Cohort) { c.characteristics = append(c.characteristics, ps...) }
}

// WithOutcomes adds outcome phenotypes reported over the final cohort.
func WithOutcomes(ps ...phenotype.Phenotype) Option {
	return func(c *Cohort) { c.outcomes = append(c.outcomes, ps...) }
}

// WithDerivedTables adds computed domain tables built before any
// phenotype runs.
func WithDerivedTables(ts ...DerivedTable) Option {
	return func(c *Cohort) { c.derived = append(c.derived, ts...) }
}

// WithDataPeriod trims every loaded table that carries the filter's
// date column before anything else executes.
func WithDataPeriod(f *phenotype.DateFilter) Option {
	return func(c *Cohort) { c.dataPeriod = f }
}

// NewCohort builds a cohort around its entry criterion and validates
// the whole definition: node names must be unique across every
// criterion graph, no node may shadow a source domain table, and the
// entry criterion must yield a single index date per patient.
func NewCohort(name string, entry phenotype.Phenotype, opts ...Option) (*Cohort, error) {
	if name == "" {
		return nil, domain.ErrValidation("cohort: no name")
	}
	if entry == nil {
		return nil, domain.ErrValidation("cohort %s: no entry criterion", name)
	}
	c := &Cohort{name: name, entry: entry}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Name returns the cohort name.
func (c *Cohort) Name() string { return c.name }

// Subcohort derives a narrower cohort: the parent's whole definition
// with additional criteria appended after the parent's own. The
// subcohort re-runs the full pipeline on Execute, nothing carries over
// from a parent execution.
func (c *Cohort) Subcohort(name string, opts ...Option) (*Cohort, error) {
	if name == "" {
		return nil, domain.ErrValidation("subcohort of %s: no name", c.name)
	}
	sub := &Cohort{
		name:            name,
		entry:           c.entry,
		inclusions:      append([]phenotype.Phenotype(nil), c.inclusions...),
		exclusions:      append([]phenotype.Phenotype(nil), c.exclusions...),
		characteristics: append([]phenotype.Phenotype(nil), c.characteristics...),
		outcomes:        append([]phenotype.Phenotype(nil), c.outcomes...),
		derived:         append([]DerivedTable(nil), c.derived...),
		dataPeriod:      c.dataPeriod,
	}
	for _, opt := range opts {
		opt(sub)
	}
	if err := sub.validate(); err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *Cohort) validate() error {
	lists := []struct {
		kind string
		ps   []phenotype.Phenotype
	}{
		{"inclusion", c.inclusions},
		{"exclusion", c.exclusions},
		{"characteristic", c.characteristics},
		{"outcome", c.outcomes},
	}
	for _, l := range lists {
		for i, p := range l.ps {
			if p == nil {
				return domain.ErrValidation("cohort %s: %s %d is nil", c.name, l.kind, i)
			}
		}
	}
	for i, d := range c.derived {
		if d == nil {
			return domain.ErrValidation("cohort %s: derived table %d is nil", c.name, i)
		}
	}
	if c.dataPeriod != nil {
		if err := c.dataPeriod.Validate(); err != nil {
			return fmt.Errorf("cohort %s: data period: %w", c.name, err)
		}
	}
	if rd, ok := c.entry.(interface{ ReturnDate() phenotype.ReturnPolicy }); ok {
		if rd.ReturnDate() == phenotype.ReturnAll {
			return domain.ErrValidation("cohort %s: entry criterion %s returns all event dates, want one index date per patient", c.name, c.entry.Name())
		}
	}
	// Everything reachable from the entry criterion runs before index
	// dates exist, so index-relative time ranges cannot be satisfied
	// there.
	for _, n := range graph.Closure(c.entry) {
		tr, ok := n.(phenotype.TimeRanged)
		if !ok {
			continue
		}
		for _, r := range tr.TimeRanges() {
			if r.Anchor == nil {
				return domain.ErrValidation("cohort %s: %s runs in the entry stage but has an index-relative time range", c.name, n.Name())
			}
		}
	}
	if err := graph.ValidateUnique(c.roots()...); err != nil {
		return fmt.Errorf("cohort %s: %w", c.name, err)
	}
	required, _ := c.sourceDomains()
	for _, n := range graph.Closure(c.roots()...) {
		if required[n.Name()] {
			return domain.ErrValidation("cohort %s: node %s shares its name with a source domain table", c.name, n.Name())
		}
	}
	return nil
}

// roots lists every node the cohort executes, in declaration order.
func (c *Cohort) roots() []graph.Node {
	nodes := make([]graph.Node, 0, 1+len(c.derived)+len(c.inclusions)+len(c.exclusions)+len(c.characteristics)+len(c.outcomes))
	for _, d := range c.derived {
		nodes = append(nodes, d)
	}
	nodes = append(nodes, c.entry)
	for _, lists := range [][]phenotype.Phenotype{c.inclusions, c.exclusions, c.characteristics, c.outcomes} {
		for _, p := range lists {
			nodes = append(nodes, p)
		}
	}
	return nodes
}

// sourceDomains returns the raw domain tables the cohort reads and the
// set of derived table names. Domains served by a derived table are not
// raw reads.
func (c *Cohort) sourceDomains() (required, derivedNames map[string]bool) {
	derivedNames = make(map[string]bool, len(c.derived))
	for _, d := range c.derived {
		derivedNames[d.Name()] = true
	}
	required = map[string]bool{}
	for _, d := range c.derived {
		for _, s := range d.Sources() {
			required[s] = true
		}
	}
	for _, n := range graph.Closure(c.roots()...) {
		p, ok := n.(phenotype.Phenotype)
		if !ok {
			continue
		}
		for _, dn := range p.Domains() {
			if dn != "" && !derivedNames[dn] {
				required[dn] = true
			}
		}
	}
	return required, derivedNames
}

// Stage is one step of the execution plan.
type Stage struct {
	Name   string
	Levels [][]string
}

// BuildStages returns the execution plan: for each stage, the node
// names grouped into levels that run concurrently. A node appears in
// the earliest stage that executes it, so an anchor shared between the
// entry criterion and an inclusion shows up under entry only.
func (c *Cohort) BuildStages() ([]Stage, error) {
	var stages []Stage
	seen := map[string]bool{}
	add := func(stage string, roots []graph.Node) error {
		levels, err := graph.Levels(roots...)
		if err != nil {
			return fmt.Errorf("cohort %s: stage %s: %w", c.name, stage, err)
		}
		var lv [][]string
		for _, level := range levels {
			var names []string
			for _, n := range level {
				if seen[n.Name()] {
					continue
				}
				seen[n.Name()] = true
				names = append(names, n.Name())
			}
			if len(names) > 0 {
				lv = append(lv, names)
			}
		}
		stages = append(stages, Stage{Name: stage, Levels: lv})
		return nil
	}

	if c.dataPeriod != nil {
		stages = append(stages, Stage{Name: StageDataPeriod})
	}
	if len(c.derived) > 0 {
		if err := add(StageDerived, derivedNodes(c.derived)); err != nil {
			return nil, err
		}
	}
	if err := add(StageEntry, []graph.Node{c.entry}); err != nil {
		return nil, err
	}
	if len(c.inclusions)+len(c.exclusions) > 0 {
		if err := add(StageIndex, phenotypeNodes(c.inclusions, c.exclusions)); err != nil {
			return nil, err
		}
	}
	if len(c.characteristics)+len(c.outcomes) > 0 {
		if err := add(StageReporting, phenotypeNodes(c.characteristics, c.outcomes)); err != nil {
			return nil, err
		}
	}
	return stages, nil
}

// Options tunes a single execution.
type Options struct {
	// Workers bounds how many nodes of one level run concurrently.
	// Zero means one worker per CPU.
	Workers int
	// Logger receives execution progress. Nil means slog.Default.
	Logger *slog.Logger
}

// AttritionStep records the patient count remaining after one
// criterion is applied.
type AttritionStep struct {
	Stage string `json:"stage"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Result holds everything one execution produced.
type Result struct {
	RunID           string
	Index           *table.Table
	Inclusions      *table.Table
	Exclusions      *table.Table
	Characteristics *table.Table
	Outcomes        *table.Table
	Attrition       []AttritionStep

	// PostEntry holds the domain tables joined to the index dates of
	// every entry patient; PostIndex the same for the final cohort.
	PostEntry table.Set
	PostIndex table.Set
}

// Execute runs the cohort against db and returns the result tables.
// The cohort itself is left unchanged: every run resets node state
// first, so the same definition can execute repeatedly.
func (c *Cohort) Execute(ctx context.Context, db source.Database, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := domain.NewRunID()
	logger = logger.With("cohort", c.name, "run", runID)
	start := time.Now()

	c.reset()

	working, domains, err := c.loadTables(ctx, db)
	if err != nil {
		return nil, err
	}
	logger.Info("executing cohort", "domains", len(working))

	if c.dataPeriod != nil {
		working, err = applyDataPeriod(working, domains, c.dataPeriod)
		if err != nil {
			return nil, fmt.Errorf("cohort %s: %w", c.name, err)
		}
		logger.Debug("data period applied")
	}

	if len(c.derived) > 0 {
		working, err = c.runStage(ctx, StageDerived, derivedNodes(c.derived), working, logger, opts.Workers)
		if err != nil {
			return nil, err
		}
		for _, d := range c.derived {
			domains[d.Name()] = true
		}
	}

	working, err = c.runStage(ctx, StageEntry, []graph.Node{c.entry}, working, logger, opts.Workers)
	if err != nil {
		return nil, err
	}
	entryOut, err := working.Get(c.entry.Name())
	if err != nil {
		return nil, fmt.Errorf("cohort %s: %w", c.name, err)
	}
	index, err := indexTable(entryOut)
	if err != nil {
		return nil, fmt.Errorf("cohort %s: index table: %w", c.name, err)
	}
	logger.Info("entry criterion evaluated", "patients", index.NumRows())

	postEntry, err := attachIndex(working, domains, index)
	if err != nil {
		return nil, fmt.Errorf("cohort %s: %w", c.name, err)
	}
	working = postEntry

	if len(c.inclusions)+len(c.exclusions) > 0 {
		working, err = c.runStage(ctx, StageIndex, phenotypeNodes(c.inclusions, c.exclusions), working, logger, opts.Workers)
		if err != nil {
			return nil, err
		}
	}

	entryPersons, err := personList(index)
	if err != nil {
		return nil, fmt.Errorf("cohort %s: %w", c.name, err)
	}
	attrition, final, err := c.attrition(entryPersons, working)
	if err != nil {
		return nil, fmt.Errorf("cohort %s: %w", c.name, err)
	}
	inclusions, err := reportTable(entryPersons, working, c.inclusions)
	if err != nil {
		return nil, fmt.Errorf("cohort %s: inclusions table: %w", c.name, err)
	}
	exclusions, err := reportTable(entryPersons, working, c.exclusions)
	if err != nil {
		return nil, fmt.Errorf("cohort %s: exclusions table: %w", c.name, err)
	}

	finalIndex, err := filterPersons(index, final)
	if err != nil {
		return nil, fmt.Errorf("cohort %s: %w", c.name, err)
	}
	logger.Info("cohort selected", "patients", finalIndex.NumRows())

	postIndex, err := attachIndex(working, domains, finalIndex)
	if err != nil {
		return nil, fmt.Errorf("cohort %s: %w", c.name, err)
	}
	working = postIndex

	if len(c.characteristics)+len(c.outcomes) > 0 {
		working, err = c.runStage(ctx, StageReporting, phenotypeNodes(c.characteristics, c.outcomes), working, logger, opts.Workers)
		if err != nil {
			return nil, err
		}
	}
	finalPersons, err := personList(finalIndex)
	if err != nil {
		return nil, fmt.Errorf("cohort %s: %w", c.name, err)
	}
	characteristics, err := reportTable(finalPersons, working, c.characteristics)
	if err != nil {
		return nil, fmt.Errorf("cohort %s: characteristics table: %w", c.name, err)
	}
	outcomes, err := reportTable(finalPersons, working, c.outcomes)
	if err != nil {
		return nil, fmt.Errorf("cohort %s: outcomes table: %w", c.name, err)
	}

	logger.Info("cohort execution complete", "patients", finalIndex.NumRows(), "elapsed", time.Since(start))
	return &Result{
		RunID:           runID,
		Index:           finalIndex,
		Inclusions:      inclusions,
		Exclusions:      exclusions,
		Characteristics: characteristics,
		Outcomes:        outcomes,
		Attrition:       attrition,
		PostEntry:       postEntry,
		PostIndex:       postIndex,
	}, nil
}

func (c *Cohort) reset() {
	for _, n := range graph.Closure(c.roots()...) {
		if p, ok := n.(phenotype.Phenotype); ok {
			p.Reset()
			continue
		}
		n.SetTable(nil)
	}
}

func (c *Cohort) loadTables(ctx context.Context, db source.Database) (table.Set, map[string]bool, error) {
	required, _ := c.sourceDomains()
	names := make([]string, 0, len(required))
	for name := range required {
		names = append(names, name)
	}
	sort.Strings(names)

	working := make(table.Set, len(names))
	for _, name := range names {
		t, err := db.Table(ctx, name)
		if err != nil {
			return nil, nil, fmt.Errorf("cohort %s: load domain %s: %w", c.name, name, err)
		}
		working[name] = t
	}
	return working, required, nil
}

func (c *Cohort) runStage(ctx context.Context, stage string, roots []graph.Node, tables table.Set, logger *slog.Logger, workers int) (table.Set, error) {
	g := graph.NewGroup(stage, logger, roots...)
	g.SetLimit(workers)
	out, err := g.Execute(ctx, tables)
	if err != nil {
		return nil, fmt.Errorf("cohort %s: %w", c.name, err)
	}
	return out, nil
}

// attrition walks the inclusion then exclusion criteria in declaration
// order, recording the surviving patient count after each, and returns
// the final person set.
func (c *Cohort) attrition(entryPersons []string, tables table.Set) ([]AttritionStep, map[string]bool, error) {
	remaining := make(map[string]bool, len(entryPersons))
	for _, p := range entryPersons {
		remaining[p] = true
	}
	steps := []AttritionStep{{Stage: StageEntry, Name: c.entry.Name(), Count: len(remaining)}}
	for _, p := range c.inclusions {
		matched, err := matchedPersons(tables, p.Name())
		if err != nil {
			return nil, nil, err
		}
		for person := range remaining {
			if !matched[person] {
				delete(remaining, person)
			}
		}
		steps = append(steps, AttritionStep{Stage: "inclusion", Name: p.Name(), Count: len(remaining)})
	}
	for _, p := range c.exclusions {
		matched, err := matchedPersons(tables, p.Name())
		if err != nil {
			return nil, nil, err
		}
		for person := range matched {
			delete(remaining, person)
		}
		steps = append(steps, AttritionStep{Stage: "exclusion", Name: p.Name(), Count: len(remaining)})
	}
	return steps, remaining, nil
}

func derivedNodes(ts []DerivedTable) []graph.Node {
	nodes := make([]graph.Node, len(ts))
	for i, t := range ts {
		nodes[i] = t
	}
	return nodes
}

func phenotypeNodes(lists ...[]phenotype.Phenotype) []graph.Node {
	var nodes []graph.Node
	for _, list := range lists {
		for _, p := range list {
			nodes = append(nodes, p)
		}
	}
	return nodes
}

// indexTable projects the entry output to PERSON_ID and INDEX_DATE.
func indexTable(entry *table.Table) (*table.Table, error) {
	t, err := entry.Select(domain.ColPersonID, domain.ColEventDate)
	if err != nil {
		return nil, err
	}
	t, err = t.Rename(domain.ColEventDate, domain.ColIndexDate)
	if err != nil {
		return nil, err
	}
	return t.Sort(table.Asc(domain.ColPersonID))
}

// attachIndex joins every domain table against the index table, keeping
// only rows of indexed patients. A stale INDEX_DATE from an earlier
// join is replaced.
func attachIndex(tables table.Set, domains map[string]bool, index *table.Table) (table.Set, error) {
	out := tables.Clone()
	for name := range domains {
		t, err := tables.Get(name)
		if err != nil {
			return nil, err
		}
		if t.HasColumn(domain.ColIndexDate) {
			t = t.Drop(domain.ColIndexDate)
		}
		joined, err := table.Join(t, index, []string{domain.ColPersonID}, table.InnerJoin)
		if err != nil {
			return nil, fmt.Errorf("attach index to %s: %w", name, err)
		}
		out[name] = joined
	}
	return out, nil
}

func applyDataPeriod(tables table.Set, domains map[string]bool, filter *phenotype.DateFilter) (table.Set, error) {
	col := filter.Column
	if col == "" {
		col = domain.ColEventDate
	}
	out := tables.Clone()
	for name := range domains {
		t := out[name]
		if !t.HasColumn(col) {
			continue
		}
		mask, err := filter.Mask(t)
		if err != nil {
			return nil, fmt.Errorf("data period on %s: %w", name, err)
		}
		out[name] = t.Filter(mask)
	}
	return out, nil
}

func personList(t *table.Table) ([]string, error) {
	col, err := t.Column(domain.ColPersonID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, t.NumRows())
	persons := make([]string, 0, t.NumRows())
	for i := 0; i < t.NumRows(); i++ {
		p := col.StringAt(i)
		if seen[p] {
			continue
		}
		seen[p] = true
		persons = append(persons, p)
	}
	sort.Strings(persons)
	return persons, nil
}

func filterPersons(t *table.Table, keep map[string]bool) (*table.Table, error) {
	col, err := t.Column(domain.ColPersonID)
	if err != nil {
		return nil, err
	}
	mask := make([]bool, t.NumRows())
	for i := range mask {
		mask[i] = keep[col.StringAt(i)]
	}
	return t.Filter(mask), nil
}

func matchedPersons(tables table.Set, name string) (map[string]bool, error) {
	t, err := tables.Get(name)
	if err != nil {
		return nil, err
	}
	col, err := t.Column(domain.ColPersonID)
	if err != nil {
		return nil, err
	}
	matched := make(map[string]bool, t.NumRows())
	for i := 0; i < t.NumRows(); i++ {
		matched[col.StringAt(i)] = true
	}
	return matched, nil
}

// reportTable builds one wide row per person: for each phenotype a
// _BOOLEAN match flag plus the _VALUE and _EVENT_DATE of its first
// event row, null where the phenotype did not match.
func reportTable(persons []string, tables table.Set, phenotypes []phenotype.Phenotype) (*table.Table, error) {
	cols := []*table.Series{table.NewString(domain.ColPersonID, persons)}
	for _, p := range phenotypes {
		t, err := tables.Get(p.Name())
		if err != nil {
			return nil, err
		}
		idCol, err := t.Column(domain.ColPersonID)
		if err != nil {
			return nil, err
		}
		valCol, err := t.Column(domain.ColValue)
		if err != nil {
			return nil, err
		}
		dateCol, err := t.Column(domain.ColEventDate)
		if err != nil {
			return nil, err
		}

		type first struct {
			value    float64
			hasValue bool
			date     time.Time
			hasDate  bool
		}
		firsts := make(map[string]first, t.NumRows())
		for i := 0; i < t.NumRows(); i++ {
			person := idCol.StringAt(i)
			if _, ok := firsts[person]; ok {
				continue
			}
			f := first{}
			if !valCol.IsNull(i) {
				f.value, f.hasValue = valCol.FloatAt(i), true
			}
			if !dateCol.IsNull(i) {
				f.date, f.hasDate = dateCol.DateAt(i), true
			}
			firsts[person] = f
		}

		bools := make([]bool, len(persons))
		values := make([]float64, len(persons))
		valueNulls := make([]bool, len(persons))
		dates := make([]time.Time, len(persons))
		dateNulls := make([]bool, len(persons))
		for i, person := range persons {
			f, ok := firsts[person]
			bools[i] = ok
			if ok && f.hasValue {
				values[i] = f.value
			} else {
				valueNulls[i] = true
			}
			if ok && f.hasDate {
				dates[i] = f.date
			} else {
				dateNulls[i] = true
			}
		}
		cols = append(cols,
			table.NewBool(p.Name()+"_BOOLEAN", bools),
			table.NewFloat(p.Name()+"_VALUE", values).WithNulls(valueNulls),
			table.NewDate(p.Name()+"_EVENT_DATE", dates).WithNulls(dateNulls),
		)
	}
	return table.New(cols...)
}
