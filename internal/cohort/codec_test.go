package cohort

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phenokit/internal/domain"
	"phenokit/internal/graph"
	"phenokit/internal/phenotype"
	"phenokit/internal/table"
)

func TestCohortRoundTrip(t *testing.T) {
	entry := entryDiabetes(t)
	recent, err := phenotype.NewCodelistPhenotype("recent_visit", domain.DomainVisitOccurrence,
		phenotype.NewCodelist("visit_codes", map[string][]string{"CPT": {"99213"}}),
		phenotype.WithTimeRange(phenotype.NewRelativeTimeRange(phenotype.WhenBefore,
			phenotype.MaxDays(phenotype.LessThanOrEqualTo(365)),
			phenotype.AnchoredTo(entry))))
	require.NoError(t, err)
	female, err := phenotype.NewSexPhenotype("female", []string{"F"})
	require.NoError(t, err)
	death, err := phenotype.NewDeathPhenotype("death_1y",
		phenotype.WithTimeRange(phenotype.NewRelativeTimeRange(phenotype.WhenAfter,
			phenotype.MaxDays(phenotype.LessThanOrEqualTo(365)))))
	require.NoError(t, err)
	union, err := NewUnionDerivedTable("all_procedures",
		[]string{domain.DomainProcedureOccurrence, domain.DomainDrugExposure})
	require.NoError(t, err)

	c, err := NewCohort("diabetes_study", entry,
		WithInclusions(inclusionAdult(t), recent),
		WithExclusions(exclusionPriorCancer(t)),
		WithCharacteristics(female),
		WithOutcomes(death),
		WithDerivedTables(union),
		WithDataPeriod(phenotype.NewDateFilter(phenotype.AfterOrOn(day(2015, 1, 1)), nil)))
	require.NoError(t, err)

	encoded, err := Encode(c)
	require.NoError(t, err)
	got, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, c, got)

	// The anchored inclusion embeds the entry document; decoding links
	// it back to the one entry instance.
	anchored := got.inclusions[1].(*phenotype.CodelistPhenotype)
	assert.Same(t, got.entry, anchored.TimeRanges()[0].Anchor)

	again, err := Encode(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(encoded), string(again))
}

func TestCohortDocumentShape(t *testing.T) {
	entry, err := phenotype.NewCodelistPhenotype("diabetes", domain.DomainConditionOccurrence,
		phenotype.NewCodelist("diabetes", map[string][]string{"ICD10": {"E11"}}))
	require.NoError(t, err)
	union, err := NewUnionDerivedTable("all_events",
		[]string{domain.DomainConditionOccurrence, domain.DomainProcedureOccurrence})
	require.NoError(t, err)

	c, err := NewCohort("tiny", entry,
		WithDerivedTables(union),
		WithDataPeriod(phenotype.NewDateFilter(phenotype.AfterOrOn(day(2015, 1, 1)), nil)))
	require.NoError(t, err)

	doc, err := Encode(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"class_name": "Cohort",
		"name": "tiny",
		"entry_criterion": {
			"class_name": "CodelistPhenotype",
			"name": "diabetes",
			"domain": "CONDITION_OCCURRENCE",
			"codelist": {
				"class_name": "Codelist",
				"name": "diabetes",
				"codelist": {"ICD10": ["E11"]},
				"use_code_type": true,
				"remove_punctuation": false
			},
			"return_date": "first"
		},
		"derived_tables": [{
			"class_name": "UnionDerivedTable",
			"name": "all_events",
			"domains": ["CONDITION_OCCURRENCE", "PROCEDURE_OCCURRENCE"]
		}],
		"data_period": {
			"class_name": "DateFilter",
			"min_value": {"class_name": "AfterOrOn", "operator": ">=", "value": "2015-01-01"},
			"column_name": "EVENT_DATE"
		}
	}`, string(doc))
}

func TestCohortDecodeYAML(t *testing.T) {
	got, err := DecodeYAML([]byte(`
class_name: Cohort
name: diabetes_study
entry_criterion:
  class_name: CodelistPhenotype
  name: diabetes
  domain: CONDITION_OCCURRENCE
  codelist:
    class_name: Codelist
    name: diabetes_codes
    codelist:
      ICD10: ["E11", "E11.0"]
inclusions:
  - class_name: AgePhenotype
    name: adult
    value_filter:
      class_name: ValueFilter
      min_value: {class_name: GreaterThanOrEqualTo, operator: ">=", value: 18}
      max_value: {class_name: LessThanOrEqualTo, operator: "<=", value: 65}
exclusions:
  - class_name: CodelistPhenotype
    name: prior_cancer
    domain: CONDITION_OCCURRENCE
    codelist:
      class_name: Codelist
      name: cancer_codes
      codelist:
        ICD10: ["C00"]
    relative_time_ranges:
      - class_name: RelativeTimeRangeFilter
        when: before
        max_days: {class_name: LessThanOrEqualTo, operator: "<=", value: 365}
data_period:
  class_name: DateFilter
  min_value: {class_name: AfterOrOn, operator: ">=", value: "2015-01-01"}
`))
	require.NoError(t, err)

	want, err := NewCohort("diabetes_study", entryDiabetes(t),
		WithInclusions(inclusionAdult(t)),
		WithExclusions(exclusionPriorCancer(t)),
		WithDataPeriod(phenotype.NewDateFilter(phenotype.AfterOrOn(day(2015, 1, 1)), nil)))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCohortDecodeSharedAnchor(t *testing.T) {
	anchorDoc := `{
		"class_name": "CodelistPhenotype",
		"name": "transplant",
		"domain": "PROCEDURE_OCCURRENCE",
		"codelist": {"class_name": "Codelist", "name": "transplant_codes", "codelist": {"ICD10PCS": ["0TY00Z0"]}}
	}`
	got, err := Decode([]byte(`{
		"class_name": "Cohort",
		"name": "transplant_study",
		"entry_criterion": ` + anchorDoc + `,
		"inclusions": [{
			"class_name": "CodelistPhenotype",
			"name": "immunosuppressant",
			"domain": "DRUG_EXPOSURE",
			"codelist": {"class_name": "Codelist", "name": "is_codes", "codelist": {"NDC": ["00004-0248"]}},
			"relative_time_ranges": [{
				"class_name": "RelativeTimeRangeFilter",
				"when": "after",
				"anchor_phenotype": ` + anchorDoc + `
			}]
		}],
		"exclusions": [{
			"class_name": "CodelistPhenotype",
			"name": "rejection",
			"domain": "CONDITION_OCCURRENCE",
			"codelist": {"class_name": "Codelist", "name": "rej_codes", "codelist": {"ICD10": ["T86.10"]}},
			"relative_time_ranges": [{
				"class_name": "RelativeTimeRangeFilter",
				"when": "after",
				"anchor_phenotype": ` + anchorDoc + `
			}]
		}]
	}`))
	require.NoError(t, err)

	// All three references to the transplant document resolve to one
	// instance, so the duplicate-name check sees a single node.
	incl := got.inclusions[0].(*phenotype.CodelistPhenotype)
	excl := got.exclusions[0].(*phenotype.CodelistPhenotype)
	assert.Same(t, got.entry, incl.TimeRanges()[0].Anchor)
	assert.Same(t, got.entry, excl.TimeRanges()[0].Anchor)
}

func TestCohortDecodeErrors(t *testing.T) {
	validEntry := `{
		"class_name": "CodelistPhenotype",
		"name": "diabetes",
		"domain": "CONDITION_OCCURRENCE",
		"codelist": {"class_name": "Codelist", "name": "d", "codelist": {"ICD10": ["E11"]}}
	}`
	tests := []struct {
		name      string
		doc       string
		wantField string
	}{
		{"invalid_json", `{`, ""},
		{"missing_name", `{"class_name":"Cohort"}`, "name"},
		{"missing_entry", `{"class_name":"Cohort","name":"x"}`, "entry_criterion"},
		{"wrong_class", `{"class_name":"Codelist","name":"x","entry_criterion":` + validEntry + `}`, "class_name"},
		{"unknown_derived", `{"class_name":"Cohort","name":"x","entry_criterion":` + validEntry + `,
			"derived_tables":[{"class_name":"IntersectDerivedTable","name":"i","domains":["A","B"]}]}`, "class_name"},
		{"data_period_wrong_type", `{"class_name":"Cohort","name":"x","entry_criterion":` + validEntry + `,
			"data_period":{"class_name":"AgePhenotype","name":"adult"}}`, "data_period"},
		{"bad_inclusion", `{"class_name":"Cohort","name":"x","entry_criterion":` + validEntry + `,
			"inclusions":[{"class_name":"AgePhenotype"}]}`, "name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc))
			var derr *domain.DecodeError
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, tt.wantField, derr.Field)
		})
	}
}

func TestCohortDecodeRunsValidation(t *testing.T) {
	codelist := `{"class_name": "Codelist", "name": "d", "codelist": {"ICD10": ["E11"]}}`

	_, err := Decode([]byte(`{
		"class_name": "Cohort",
		"name": "dups",
		"entry_criterion": {"class_name":"CodelistPhenotype","name":"dup","domain":"CONDITION_OCCURRENCE","codelist":` + codelist + `},
		"inclusions": [{"class_name":"AgePhenotype","name":"dup"}]
	}`))
	var dupErr *graph.DuplicateNodeError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, "dup", dupErr.Name)

	_, err = Decode([]byte(`{
		"class_name": "Cohort",
		"name": "all_dates",
		"entry_criterion": {"class_name":"CodelistPhenotype","name":"e","domain":"CONDITION_OCCURRENCE","codelist":` + codelist + `,"return_date":"all"}
	}`))
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorContains(t, err, "one index date per patient")
}

type scriptedDerived struct{ *graph.Base }

func (scriptedDerived) Sources() []string { return []string{"A", "B"} }

func (scriptedDerived) Execute(context.Context, table.Set) (*table.Table, error) {
	return nil, nil
}

func TestEncodeUnknownDerivedTable(t *testing.T) {
	c, err := NewCohort("study", entryDiabetes(t),
		WithDerivedTables(scriptedDerived{graph.NewBase("custom")}))
	require.NoError(t, err)

	_, err = Encode(c)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorContains(t, err, "cannot encode derived table")
}

func TestCohortDecodeYAMLInvalid(t *testing.T) {
	_, err := DecodeYAML([]byte("entry_criterion: [unclosed"))
	var derr *domain.DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "Cohort", derr.Type)
}
