package cohort

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phenokit/internal/domain"
	"phenokit/internal/graph"
	"phenokit/internal/phenotype"
	"phenokit/internal/source"
	"phenokit/internal/table"
)

func quietOpts() Options {
	return Options{Workers: 2, Logger: slog.New(slog.DiscardHandler)}
}

// studyTables holds two diabetes patients: P1 clean, P2 with a C00
// cancer code 200 days before the index date.
func studyTables() table.Set {
	return table.Set{
		domain.DomainPerson: table.MustNew(
			table.NewString(domain.ColPersonID, []string{"P1", "P2"}),
			table.NewDate(domain.ColDateOfBirth, []time.Time{day(1979, 6, 1), day(1979, 12, 31)}),
			table.NewString(domain.ColSex, []string{"F", "M"}),
		),
		domain.DomainConditionOccurrence: table.MustNew(
			table.NewString(domain.ColPersonID, []string{"P1", "P2", "P2"}),
			table.NewString(domain.ColCode, []string{"E11", "E11", "C00"}),
			table.NewString(domain.ColCodeType, []string{"ICD10", "ICD10", "ICD10"}),
			table.NewDate(domain.ColEventDate, []time.Time{day(2020, 1, 1), day(2020, 1, 1), day(2019, 6, 15)}),
		),
	}
}

func entryDiabetes(t *testing.T) *phenotype.CodelistPhenotype {
	t.Helper()
	p, err := phenotype.NewCodelistPhenotype("diabetes", domain.DomainConditionOccurrence,
		phenotype.NewCodelist("diabetes_codes", map[string][]string{"ICD10": {"E11", "E11.0"}}))
	require.NoError(t, err)
	return p
}

func inclusionAdult(t *testing.T) *phenotype.AgePhenotype {
	t.Helper()
	p, err := phenotype.NewAgePhenotype("adult",
		phenotype.WithValueFilter(phenotype.NewValueFilter(
			phenotype.GreaterThanOrEqualTo(18), phenotype.LessThanOrEqualTo(65))))
	require.NoError(t, err)
	return p
}

func exclusionPriorCancer(t *testing.T) *phenotype.CodelistPhenotype {
	t.Helper()
	p, err := phenotype.NewCodelistPhenotype("prior_cancer", domain.DomainConditionOccurrence,
		phenotype.NewCodelist("cancer_codes", map[string][]string{"ICD10": {"C00"}}),
		phenotype.WithTimeRange(phenotype.NewRelativeTimeRange(phenotype.WhenBefore,
			phenotype.MaxDays(phenotype.LessThanOrEqualTo(365)))))
	require.NoError(t, err)
	return p
}

func TestNewCohortRequiresNameAndEntry(t *testing.T) {
	var verr *domain.ValidationError

	_, err := NewCohort("", entryDiabetes(t))
	require.ErrorAs(t, err, &verr)
	assert.ErrorContains(t, err, "no name")

	_, err = NewCohort("study", nil)
	require.ErrorAs(t, err, &verr)
	assert.ErrorContains(t, err, "no entry criterion")
}

func TestNewCohortRejectsDuplicateNames(t *testing.T) {
	entry := entryDiabetes(t)
	twin, err := phenotype.NewAgePhenotype("diabetes")
	require.NoError(t, err)

	_, err = NewCohort("study", entry, WithInclusions(twin))
	var derr *graph.DuplicateNodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "diabetes", derr.Name)
}

func TestNewCohortRejectsReturnAllEntry(t *testing.T) {
	entry, err := phenotype.NewCodelistPhenotype("diabetes", domain.DomainConditionOccurrence,
		phenotype.NewCodelist("diabetes_codes", map[string][]string{"ICD10": {"E11"}}),
		phenotype.WithReturnDate(phenotype.ReturnAll))
	require.NoError(t, err)

	_, err = NewCohort("study", entry)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorContains(t, err, "one index date per patient")
}

func TestNewCohortRejectsIndexRelativeEntry(t *testing.T) {
	entry, err := phenotype.NewCodelistPhenotype("diabetes", domain.DomainConditionOccurrence,
		phenotype.NewCodelist("diabetes_codes", map[string][]string{"ICD10": {"E11"}}),
		phenotype.WithTimeRange(phenotype.NewRelativeTimeRange(phenotype.WhenBefore,
			phenotype.MaxDays(phenotype.LessThanOrEqualTo(365)))))
	require.NoError(t, err)

	_, err = NewCohort("study", entry)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorContains(t, err, "entry stage")

	// Anchored to another phenotype the range needs no index date, so
	// the same shape is fine.
	anchor, err := phenotype.NewCodelistPhenotype("first_visit", domain.DomainVisitOccurrence,
		phenotype.NewCodelist("visit_codes", map[string][]string{"CPT": {"99213"}}))
	require.NoError(t, err)
	anchored, err := phenotype.NewCodelistPhenotype("diabetes_after_visit", domain.DomainConditionOccurrence,
		phenotype.NewCodelist("diabetes_codes", map[string][]string{"ICD10": {"E11"}}),
		phenotype.WithTimeRange(phenotype.NewRelativeTimeRange(phenotype.WhenAfter,
			phenotype.AnchoredTo(anchor))))
	require.NoError(t, err)

	_, err = NewCohort("study", anchored)
	require.NoError(t, err)
}

func TestNewCohortRejectsDomainNameCollision(t *testing.T) {
	entry := entryDiabetes(t)
	person, err := phenotype.NewAgePhenotype(domain.DomainPerson)
	require.NoError(t, err)

	_, err = NewCohort("study", entry, WithInclusions(person))
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorContains(t, err, "shares its name with a source domain table")
}

func TestNewCohortRejectsDerivedShadowingRawDomain(t *testing.T) {
	entry := entryDiabetes(t)
	shadow, err := NewUnionDerivedTable(domain.DomainConditionOccurrence,
		[]string{domain.DomainDrugExposure, domain.DomainProcedureOccurrence})
	require.NoError(t, err)
	reader, err := NewUnionDerivedTable("all_events",
		[]string{domain.DomainConditionOccurrence, domain.DomainDrugExposure})
	require.NoError(t, err)

	_, err = NewCohort("study", entry, WithDerivedTables(shadow, reader))
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorContains(t, err, "shares its name with a source domain table")
}

func TestNewCohortRejectsNilCriteria(t *testing.T) {
	_, err := NewCohort("study", entryDiabetes(t), WithInclusions(nil))
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorContains(t, err, "inclusion 0 is nil")
}

func TestBuildStages(t *testing.T) {
	entry := entryDiabetes(t)
	adult := inclusionAdult(t)
	cancer, err := phenotype.NewCodelistPhenotype("prior_cancer", domain.DomainConditionOccurrence,
		phenotype.NewCodelist("cancer_codes", map[string][]string{"ICD10": {"C00"}}),
		phenotype.WithTimeRange(phenotype.NewRelativeTimeRange(phenotype.WhenBefore,
			phenotype.MaxDays(phenotype.LessThanOrEqualTo(365)),
			phenotype.AnchoredTo(entry))))
	require.NoError(t, err)
	female, err := phenotype.NewSexPhenotype("female", []string{"F"})
	require.NoError(t, err)
	meds, err := NewUnionDerivedTable("med_events",
		[]string{domain.DomainDrugExposure, domain.DomainProcedureOccurrence})
	require.NoError(t, err)

	c, err := NewCohort("plan", entry,
		WithInclusions(adult),
		WithExclusions(cancer),
		WithCharacteristics(female),
		WithDerivedTables(meds),
		WithDataPeriod(phenotype.NewDateFilter(phenotype.AfterOrOn(day(2015, 1, 1)), nil)))
	require.NoError(t, err)

	got, err := c.BuildStages()
	require.NoError(t, err)

	// The anchor is the entry criterion itself, so the index stage
	// lists only the two new criteria, with the anchored exclusion a
	// level behind the inclusion.
	want := []Stage{
		{Name: StageDataPeriod},
		{Name: StageDerived, Levels: [][]string{{"med_events"}}},
		{Name: StageEntry, Levels: [][]string{{"diabetes"}}},
		{Name: StageIndex, Levels: [][]string{{"adult"}, {"prior_cancer"}}},
		{Name: StageReporting, Levels: [][]string{{"female"}}},
	}
	assert.Equal(t, want, got)
}

func TestCohortExecuteEndToEnd(t *testing.T) {
	c, err := NewCohort("diabetes_study", entryDiabetes(t),
		WithInclusions(inclusionAdult(t)),
		WithExclusions(exclusionPriorCancer(t)))
	require.NoError(t, err)

	db := source.NewInMemory(studyTables())
	res, err := c.Execute(context.Background(), db, quietOpts())
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)

	wantIndex := table.MustNew(
		table.NewString(domain.ColPersonID, []string{"P1"}),
		table.NewDate(domain.ColIndexDate, []time.Time{day(2020, 1, 1)}),
	)
	assert.Equal(t, wantIndex, res.Index)

	wantInclusions := table.MustNew(
		table.NewString(domain.ColPersonID, []string{"P1", "P2"}),
		table.NewBool("adult_BOOLEAN", []bool{true, true}),
		table.NewFloat("adult_VALUE", []float64{40, 40}).WithNulls([]bool{false, false}),
		table.NewDate("adult_EVENT_DATE", []time.Time{day(2020, 1, 1), day(2020, 1, 1)}).WithNulls([]bool{false, false}),
	)
	assert.Equal(t, wantInclusions, res.Inclusions)

	wantExclusions := table.MustNew(
		table.NewString(domain.ColPersonID, []string{"P1", "P2"}),
		table.NewBool("prior_cancer_BOOLEAN", []bool{false, true}),
		table.NewFloat("prior_cancer_VALUE", []float64{0, 0}).WithNulls([]bool{true, true}),
		table.NewDate("prior_cancer_EVENT_DATE", []time.Time{{}, day(2019, 6, 15)}).WithNulls([]bool{true, false}),
	)
	assert.Equal(t, wantExclusions, res.Exclusions)

	assert.Equal(t, []AttritionStep{
		{Stage: "entry", Name: "diabetes", Count: 2},
		{Stage: "inclusion", Name: "adult", Count: 2},
		{Stage: "exclusion", Name: "prior_cancer", Count: 1},
	}, res.Attrition)
}

func TestCohortCheckpoints(t *testing.T) {
	c, err := NewCohort("diabetes_study", entryDiabetes(t),
		WithExclusions(exclusionPriorCancer(t)))
	require.NoError(t, err)

	db := source.NewInMemory(studyTables())
	res, err := c.Execute(context.Background(), db, quietOpts())
	require.NoError(t, err)

	// Post-entry: every domain table joined to the index dates of both
	// entry patients.
	postEntry, err := res.PostEntry.Get(domain.DomainConditionOccurrence)
	require.NoError(t, err)
	assert.True(t, postEntry.HasColumn(domain.ColIndexDate))
	assert.Equal(t, 3, postEntry.NumRows())

	idx, err := postEntry.Column(domain.ColIndexDate)
	require.NoError(t, err)
	for i := 0; i < postEntry.NumRows(); i++ {
		assert.Equal(t, day(2020, 1, 1), idx.DateAt(i))
	}

	// Post-index: only the final cohort's rows survive.
	postIndex, err := res.PostIndex.Get(domain.DomainConditionOccurrence)
	require.NoError(t, err)
	require.Equal(t, 1, postIndex.NumRows())
	ids, err := postIndex.Column(domain.ColPersonID)
	require.NoError(t, err)
	assert.Equal(t, "P1", ids.StringAt(0))
}

func TestCohortReportingStage(t *testing.T) {
	female, err := phenotype.NewSexPhenotype("female", []string{"F"})
	require.NoError(t, err)
	death, err := phenotype.NewDeathPhenotype("death_1y",
		phenotype.WithTimeRange(phenotype.NewRelativeTimeRange(phenotype.WhenAfter,
			phenotype.MaxDays(phenotype.LessThanOrEqualTo(365)))))
	require.NoError(t, err)

	c, err := NewCohort("diabetes_study", entryDiabetes(t),
		WithExclusions(exclusionPriorCancer(t)),
		WithCharacteristics(female),
		WithOutcomes(death))
	require.NoError(t, err)

	tables := studyTables()
	tables[domain.DomainDeath] = table.MustNew(
		table.NewString(domain.ColPersonID, []string{"P1", "P2"}),
		table.NewDate(domain.ColEventDate, []time.Time{day(2020, 6, 30), day(2020, 2, 1)}),
	)
	db := source.NewInMemory(tables)
	res, err := c.Execute(context.Background(), db, quietOpts())
	require.NoError(t, err)

	// Reporting tables cover the final cohort only: P2 was excluded,
	// so neither its sex nor its death shows up.
	wantCharacteristics := table.MustNew(
		table.NewString(domain.ColPersonID, []string{"P1"}),
		table.NewBool("female_BOOLEAN", []bool{true}),
		table.NewFloat("female_VALUE", []float64{0}).WithNulls([]bool{true}),
		table.NewDate("female_EVENT_DATE", []time.Time{{}}).WithNulls([]bool{true}),
	)
	assert.Equal(t, wantCharacteristics, res.Characteristics)

	wantOutcomes := table.MustNew(
		table.NewString(domain.ColPersonID, []string{"P1"}),
		table.NewBool("death_1y_BOOLEAN", []bool{true}),
		table.NewFloat("death_1y_VALUE", []float64{0}).WithNulls([]bool{true}),
		table.NewDate("death_1y_EVENT_DATE", []time.Time{day(2020, 6, 30)}).WithNulls([]bool{false}),
	)
	assert.Equal(t, wantOutcomes, res.Outcomes)
}

func TestCohortDataPeriod(t *testing.T) {
	tables := studyTables()
	tables[domain.DomainConditionOccurrence] = table.MustNew(
		table.NewString(domain.ColPersonID, []string{"P1", "P2"}),
		table.NewString(domain.ColCode, []string{"E11", "E11"}),
		table.NewString(domain.ColCodeType, []string{"ICD10", "ICD10"}),
		table.NewDate(domain.ColEventDate, []time.Time{day(2020, 1, 1), day(2010, 5, 5)}),
	)
	c, err := NewCohort("diabetes_study", entryDiabetes(t),
		WithDataPeriod(phenotype.NewDateFilter(phenotype.AfterOrOn(day(2015, 1, 1)), nil)))
	require.NoError(t, err)

	db := source.NewInMemory(tables)
	res, err := c.Execute(context.Background(), db, quietOpts())
	require.NoError(t, err)

	// P2's only diabetes code predates the study period.
	ids, err := res.Index.Column(domain.ColPersonID)
	require.NoError(t, err)
	require.Equal(t, 1, res.Index.NumRows())
	assert.Equal(t, "P1", ids.StringAt(0))
	assert.Equal(t, []AttritionStep{{Stage: "entry", Name: "diabetes", Count: 1}}, res.Attrition)
}

func TestCohortDerivedTableExecution(t *testing.T) {
	tables := table.Set{
		domain.DomainConditionOccurrence: table.MustNew(
			table.NewString(domain.ColPersonID, []string{"P1"}),
			table.NewString(domain.ColCode, []string{"E11"}),
			table.NewString(domain.ColCodeType, []string{"ICD10"}),
			table.NewDate(domain.ColEventDate, []time.Time{day(2020, 1, 10)}),
		),
		domain.DomainProcedureOccurrence: table.MustNew(
			table.NewString(domain.ColPersonID, []string{"P9"}),
			table.NewString(domain.ColCode, []string{"X50"}),
			table.NewString(domain.ColCodeType, []string{"ICD10PCS"}),
			table.NewDate(domain.ColEventDate, []time.Time{day(2020, 2, 2)}),
		),
	}
	union, err := NewUnionDerivedTable("all_events",
		[]string{domain.DomainConditionOccurrence, domain.DomainProcedureOccurrence})
	require.NoError(t, err)
	entry, err := phenotype.NewCodelistPhenotype("any_event", "all_events",
		phenotype.NewCodelist("codes", map[string][]string{"ICD10": {"E11"}, "ICD10PCS": {"X50"}}))
	require.NoError(t, err)

	c, err := NewCohort("union_study", entry, WithDerivedTables(union))
	require.NoError(t, err)

	db := source.NewInMemory(tables)
	res, err := c.Execute(context.Background(), db, quietOpts())
	require.NoError(t, err)

	wantIndex := table.MustNew(
		table.NewString(domain.ColPersonID, []string{"P1", "P9"}),
		table.NewDate(domain.ColIndexDate, []time.Time{day(2020, 1, 10), day(2020, 2, 2)}),
	)
	assert.Equal(t, wantIndex, res.Index)

	// The derived table is checkpointed like a raw domain.
	derived, err := res.PostIndex.Get("all_events")
	require.NoError(t, err)
	assert.True(t, derived.HasColumn(domain.ColIndexDate))
	assert.Equal(t, 2, derived.NumRows())
}

func TestCohortExecuteDeterminism(t *testing.T) {
	c, err := NewCohort("diabetes_study", entryDiabetes(t),
		WithInclusions(inclusionAdult(t)),
		WithExclusions(exclusionPriorCancer(t)))
	require.NoError(t, err)
	db := source.NewInMemory(studyTables())

	first, err := c.Execute(context.Background(), db, Options{Workers: 4, Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	second, err := c.Execute(context.Background(), db, Options{Workers: 4, Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.Index, second.Index)
	assert.Equal(t, first.Inclusions, second.Inclusions)
	assert.Equal(t, first.Exclusions, second.Exclusions)
	assert.Equal(t, first.Attrition, second.Attrition)
	assert.Equal(t, first.PostEntry, second.PostEntry)
	assert.Equal(t, first.PostIndex, second.PostIndex)

	// No caching across runs: new data means new results.
	smaller := studyTables()
	smaller[domain.DomainConditionOccurrence] = table.MustNew(
		table.NewString(domain.ColPersonID, []string{"P2", "P2"}),
		table.NewString(domain.ColCode, []string{"E11", "C00"}),
		table.NewString(domain.ColCodeType, []string{"ICD10", "ICD10"}),
		table.NewDate(domain.ColEventDate, []time.Time{day(2020, 1, 1), day(2019, 6, 15)}),
	)
	third, err := c.Execute(context.Background(), source.NewInMemory(smaller), quietOpts())
	require.NoError(t, err)
	assert.Equal(t, 0, third.Index.NumRows())
	assert.Equal(t, []AttritionStep{
		{Stage: "entry", Name: "diabetes", Count: 1},
		{Stage: "inclusion", Name: "adult", Count: 1},
		{Stage: "exclusion", Name: "prior_cancer", Count: 0},
	}, third.Attrition)
}

func TestCohortMissingDomain(t *testing.T) {
	c, err := NewCohort("diabetes_study", entryDiabetes(t))
	require.NoError(t, err)

	db := source.NewInMemory(table.Set{domain.DomainPerson: studyTables()[domain.DomainPerson]})
	_, err = c.Execute(context.Background(), db, quietOpts())
	var nerr *domain.NotFoundError
	require.ErrorAs(t, err, &nerr)
	assert.ErrorContains(t, err, "load domain CONDITION_OCCURRENCE")
}

func TestSubcohort(t *testing.T) {
	parent, err := NewCohort("diabetes_study", entryDiabetes(t),
		WithInclusions(inclusionAdult(t)))
	require.NoError(t, err)

	sub, err := parent.Subcohort("no_prior_cancer", WithExclusions(exclusionPriorCancer(t)))
	require.NoError(t, err)
	assert.Equal(t, "no_prior_cancer", sub.Name())
	assert.Empty(t, parent.exclusions)

	db := source.NewInMemory(studyTables())
	subRes, err := sub.Execute(context.Background(), db, quietOpts())
	require.NoError(t, err)
	require.Equal(t, 1, subRes.Index.NumRows())

	// The parent pipeline is untouched and still admits both patients.
	parentRes, err := parent.Execute(context.Background(), db, quietOpts())
	require.NoError(t, err)
	assert.Equal(t, 2, parentRes.Index.NumRows())
	assert.Len(t, parentRes.Attrition, 2)
}

func TestSubcohortValidation(t *testing.T) {
	parent, err := NewCohort("diabetes_study", entryDiabetes(t),
		WithInclusions(inclusionAdult(t)))
	require.NoError(t, err)

	_, err = parent.Subcohort("")
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	twin, err := phenotype.NewSexPhenotype("adult", []string{"F"})
	require.NoError(t, err)
	_, err = parent.Subcohort("narrow", WithInclusions(twin))
	var derr *graph.DuplicateNodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "adult", derr.Name)
}
