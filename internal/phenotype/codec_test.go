package phenotype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phenokit/internal/domain"
)

func TestComparatorEncoding(t *testing.T) {
	doc, err := Encode(GreaterThanOrEqualTo(30))
	require.NoError(t, err)
	assert.JSONEq(t, `{"class_name":"GreaterThanOrEqualTo","operator":">=","value":30}`, string(doc))

	doc, err = Encode(On(day(2020, 1, 1)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"class_name":"On","operator":"=","value":"2020-01-01"}`, string(doc))
}

func TestComparatorDecoding(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want *Comparator
	}{
		{
			name: "constructor_tag",
			doc:  `{"class_name":"LessThan","value":5}`,
			want: LessThan(5),
		},
		{
			name: "generic_tag_with_operator",
			doc:  `{"class_name":"Value","operator":">=","value":30}`,
			want: GreaterThanOrEqualTo(30),
		},
		{
			name: "operator_overrides_tag",
			doc:  `{"class_name":"GreaterThan","operator":">=","value":1}`,
			want: GreaterThanOrEqualTo(1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.doc))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComparatorDecodeErrors(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		wantField string
	}{
		{"missing_value", `{"class_name":"GreaterThan"}`, "value"},
		{"missing_operator", `{"class_name":"Value","value":3}`, "operator"},
		{"unknown_operator", `{"class_name":"Value","operator":"!=","value":3}`, "operator"},
		{"bad_date", `{"class_name":"After","value":"not-a-date"}`, "value"},
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

func TestFilterRoundTrips(t *testing.T) {
	tests := []struct {
		name string
		v    any
	}{
		{"value_filter", NewValueFilter(GreaterThanOrEqualTo(18), LessThanOrEqualTo(65))},
		{"value_filter_custom_column", &ValueFilter{Min: GreaterThan(0), Column: "DAYS_SUPPLY"}},
		{"date_filter", NewDateFilter(AfterOrOn(day(2019, 1, 1)), Before(day(2020, 1, 1)))},
		{"categorical_filter", &CategoricalFilter{Column: domain.ColCodeType, Allowed: []string{"ICD10", "ICD9"}}},
		{"categorical_filter_foreign_domain", &CategoricalFilter{
			Column: "ENCOUNTER_TYPE", Allowed: []string{"inpatient"}, Domain: domain.DomainVisitOccurrence,
		}},
		{"boolean_filter", AndFilter(
			&CategoricalFilter{Column: domain.ColCodeType, Allowed: []string{"ICD10"}},
			NotFilter(&CategoricalFilter{Column: "STATUS", Allowed: []string{"entered-in-error"}}),
		)},
		{"relative_time_range", NewRelativeTimeRange(WhenBefore,
			MinDays(GreaterThan(30)), MaxDays(LessThanOrEqualTo(365)))},
		{"codelist", NewCodelist("diabetes", map[string][]string{"ICD10": {"E11", "E11.0"}})},
		{"file_codelist", &Codelist{Name: "hypertension", Path: "codelists/htn.csv", Format: "csv", UseCodeType: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Encode(tt.v)
			require.NoError(t, err)
			got, err := Decode(doc)
			require.NoError(t, err)
			require.Equal(t, tt.v, got)

			again, err := Encode(got)
			require.NoError(t, err)
			assert.JSONEq(t, string(doc), string(again))
		})
	}
}

func TestValueFilterColumnDefault(t *testing.T) {
	got, err := Decode([]byte(`{"class_name":"ValueFilter","min_value":{"class_name":"GreaterThan","value":0}}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ColValue, got.(*ValueFilter).Column)

	got, err = Decode([]byte(`{"class_name":"DateFilter","min_value":{"class_name":"After","value":"2020-01-01"}}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ColEventDate, got.(*DateFilter).Column)
}

func TestRelativeTimeRangeDecodeDefaults(t *testing.T) {
	got, err := Decode([]byte(`{"class_name":"RelativeTimeRangeFilter","when":"before"}`))
	require.NoError(t, err)
	f := got.(*RelativeTimeRangeFilter)
	assert.Equal(t, GreaterThanOrEqualTo(0), f.MinDays)
	assert.Nil(t, f.MaxDays)

	_, err = Decode([]byte(`{"class_name":"RelativeTimeRangeFilter"}`))
	var derr *domain.DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "when", derr.Field)
}

func TestCodelistPhenotypeWireFormat(t *testing.T) {
	codes := NewCodelist("diabetes", map[string][]string{"ICD10": {"E11"}})
	p, err := NewCodelistPhenotype("diabetes", domain.DomainConditionOccurrence, codes)
	require.NoError(t, err)

	doc, err := EncodePhenotype(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{
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
	}`, string(doc))
}

func codecFixtures(t *testing.T) map[string]Phenotype {
	t.Helper()
	fix := map[string]Phenotype{}
	add := func(name string, p Phenotype, err error) {
		require.NoError(t, err, name)
		fix[name] = p
	}

	codes := NewCodelist("diabetes", map[string][]string{"ICD10": {"E11", "E11.0"}})
	anchor, err := NewCodelistPhenotype("entry", domain.DomainConditionOccurrence, codes)
	require.NoError(t, err)

	var p Phenotype
	p, err = NewCodelistPhenotype("codelist_minimal", domain.DomainConditionOccurrence, codes)
	add("codelist_minimal", p, err)

	p, err = NewCodelistPhenotype("codelist_full", domain.DomainConditionOccurrence, codes,
		WithReturnDate(ReturnLast),
		WithCategorical(AndFilter(
			&CategoricalFilter{Column: domain.ColCodeType, Allowed: []string{"ICD10"}},
			NotFilter(&CategoricalFilter{Column: "STATUS", Allowed: []string{"entered-in-error"}}),
		)),
		WithDateFilter(NewDateFilter(AfterOrOn(day(2018, 1, 1)), nil)),
		WithTimeRange(NewRelativeTimeRange(WhenBefore, MaxDays(LessThanOrEqualTo(365)), AnchoredTo(anchor))),
		WithTimeRange(NewRelativeTimeRange(WhenAfter, MinDays(GreaterThan(0)))),
	)
	add("codelist_full", p, err)

	m, err := NewMeasurementPhenotype("hba1c", domain.DomainMeasurement,
		NewCodelist("hba1c", map[string][]string{"LOINC": {"4548-4"}}),
		WithValueFilter(NewValueFilter(GreaterThanOrEqualTo(6.5), nil)))
	add("measurement", m, err)

	inner, err := NewMeasurementPhenotype("glucose_all", domain.DomainMeasurement,
		NewCodelist("glucose", map[string][]string{"LOINC": {"2345-7"}}),
		WithReturnDate(ReturnAll))
	require.NoError(t, err)
	p, err = NewMeasurementChangePhenotype("glucose_rise", inner,
		WithValueFilter(NewValueFilter(GreaterThanOrEqualTo(1.5), nil)),
		WithMinDaysApart(GreaterThanOrEqualTo(30)),
		WithDateSelect(SelectSecond))
	add("measurement_change", p, err)

	p, err = NewAgePhenotype("age_18_65",
		WithValueFilter(NewValueFilter(GreaterThanOrEqualTo(18), LessThanOrEqualTo(65))))
	add("age", p, err)

	p, err = NewSexPhenotype("female", []string{"F"})
	add("sex", p, err)

	p, err = NewDeathPhenotype("death_within_year",
		WithTimeRange(NewRelativeTimeRange(WhenAfter, MaxDays(LessThanOrEqualTo(365)))))
	add("death", p, err)

	countInner, err := NewCodelistPhenotype("diabetes_all", domain.DomainConditionOccurrence, codes,
		WithReturnDate(ReturnAll))
	require.NoError(t, err)
	p, err = NewEventCountPhenotype("two_diagnoses", countInner,
		WithValueFilter(NewValueFilter(GreaterThanOrEqualTo(2), nil)),
		WithMaxDaysApart(LessThanOrEqualTo(90)),
		WithDateSelect(SelectLast))
	add("event_count", p, err)

	p, err = NewTimeRangePhenotype("continuous_coverage", "",
		WithMaxGapDays(30),
		WithValueFilter(NewValueFilter(GreaterThanOrEqualTo(365), nil)),
		WithAnchorPhenotype(anchor))
	add("time_range", p, err)

	target, err := NewCodelistPhenotype("pci", domain.DomainProcedureOccurrence,
		NewCodelist("pci", map[string][]string{"ICD10": {"PCI"}}))
	require.NoError(t, err)
	p, err = NewWithinSameEncounterPhenotype("pci_during_entry", anchor, target, "VISIT_OCCURRENCE_ID")
	add("encounter", p, err)

	htn, err := NewCodelistPhenotype("hypertension", domain.DomainConditionOccurrence,
		NewCodelist("htn", map[string][]string{"ICD10": {"I10"}}))
	require.NoError(t, err)
	p, err = NewLogicPhenotype("diabetes_without_htn", And(Ref(anchor), Not(Ref(htn))))
	add("logic", p, err)

	p, err = NewScorePhenotype("risk_score", Add(Ref(anchor), Mul(Num(2), Ref(htn))))
	add("score", p, err)

	p, err = NewArithmeticPhenotype("half_hba1c", Div(Ref(m), Num(2)))
	add("arithmetic", p, err)

	return fix
}

func TestPhenotypeRoundTrips(t *testing.T) {
	for name, p := range codecFixtures(t) {
		t.Run(name, func(t *testing.T) {
			doc, err := EncodePhenotype(p)
			require.NoError(t, err)

			got, err := DecodePhenotype(doc)
			require.NoError(t, err)
			require.Equal(t, p, got)

			again, err := EncodePhenotype(got)
			require.NoError(t, err)
			assert.JSONEq(t, string(doc), string(again))
		})
	}
}

func TestDecodePhenotypeDefaults(t *testing.T) {
	got, err := DecodePhenotype([]byte(`{
		"class_name": "CodelistPhenotype",
		"name": "diabetes",
		"domain": "CONDITION_OCCURRENCE",
		"codelist": {"class_name": "Codelist", "name": "diabetes", "codelist": {"ICD10": ["E11"]}}
	}`))
	require.NoError(t, err)
	p := got.(*CodelistPhenotype)
	assert.Equal(t, ReturnFirst, p.ReturnDate())
	assert.True(t, p.Codelist().UseCodeType, "absent use_code_type keeps the constructor default")
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		wantType  string
		wantField string
	}{
		{
			name:     "unknown_class_name",
			doc:      `{"class_name":"FrobnicatorPhenotype","name":"x"}`,
			wantType: "FrobnicatorPhenotype",
		},
		{
			name:      "missing_class_name",
			doc:       `{"name":"x"}`,
			wantType:  "Phenotype",
			wantField: "class_name",
		},
		{
			name:      "codelist_phenotype_missing_name",
			doc:       `{"class_name":"CodelistPhenotype","domain":"CONDITION_OCCURRENCE"}`,
			wantType:  "CodelistPhenotype",
			wantField: "name",
		},
		{
			name:      "codelist_phenotype_missing_domain",
			doc:       `{"class_name":"CodelistPhenotype","name":"x"}`,
			wantType:  "CodelistPhenotype",
			wantField: "domain",
		},
		{
			name:      "codelist_phenotype_missing_codelist",
			doc:       `{"class_name":"CodelistPhenotype","name":"x","domain":"CONDITION_OCCURRENCE"}`,
			wantType:  "CodelistPhenotype",
			wantField: "codelist",
		},
		{
			name: "measurement_change_wrong_inner",
			doc: `{"class_name":"MeasurementChangePhenotype","name":"x","phenotype":
				{"class_name":"CodelistPhenotype","name":"y","domain":"CONDITION_OCCURRENCE",
				 "codelist":{"class_name":"Codelist","name":"c","codelist":{"ICD10":["E11"]},"use_code_type":true},
				 "return_date":"all"}}`,
			wantType:  "MeasurementChangePhenotype",
			wantField: "phenotype",
		},
		{
			name: "expression_missing_right_operand",
			doc: `{"class_name":"LogicPhenotype","name":"x","expression":
				{"class_name":"ComputationGraph","operator":"&"}}`,
			wantType:  "ComputationGraph",
			wantField: "right",
		},
		{
			name:      "encounter_missing_column",
			doc:       `{"class_name":"WithinSameEncounterPhenotype","name":"x","anchor_phenotype":{},"phenotype":{}}`,
			wantType:  "WithinSameEncounterPhenotype",
			wantField: "column_name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePhenotype([]byte(tt.doc))
			var derr *domain.DecodeError
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, tt.wantType, derr.Type)
			assert.Equal(t, tt.wantField, derr.Field)
		})
	}
}

func TestDecodeRunsConstructorValidation(t *testing.T) {
	// Structurally valid JSON still goes through the constructors.
	_, err := DecodePhenotype([]byte(`{
		"class_name": "CodelistPhenotype",
		"name": "x",
		"domain": "CONDITION_OCCURRENCE",
		"codelist": {"class_name": "Codelist", "name": "c", "codelist": {"ICD10": ["E11"]}, "use_code_type": true},
		"return_date": "sometimes"
	}`))
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestDecodeInternsRepeatedDocuments(t *testing.T) {
	anchorDoc := `{
		"class_name": "CodelistPhenotype",
		"name": "entry",
		"domain": "CONDITION_OCCURRENCE",
		"codelist": {"class_name": "Codelist", "name": "diabetes", "codelist": {"ICD10": ["E11"]}, "use_code_type": true},
		"return_date": "first"
	}`

	got, err := DecodePhenotype([]byte(`{
		"class_name": "CodelistPhenotype",
		"name": "outcome",
		"domain": "CONDITION_OCCURRENCE",
		"codelist": {"class_name": "Codelist", "name": "mi", "codelist": {"ICD10": ["I21"]}, "use_code_type": true},
		"relative_time_ranges": [
			{"class_name": "RelativeTimeRangeFilter", "when": "after", "anchor_phenotype": ` + anchorDoc + `},
			{"class_name": "RelativeTimeRangeFilter", "when": "before", "max_days":
				{"class_name": "LessThanOrEqualTo", "value": 3650}, "anchor_phenotype": ` + anchorDoc + `}
		]
	}`))
	require.NoError(t, err)

	trs := got.(*CodelistPhenotype).TimeRanges()
	require.Len(t, trs, 2)
	assert.Same(t, trs[0].Anchor, trs[1].Anchor,
		"identical anchor documents decode to one shared instance")
}

func TestDecodeInternsExpressionLeaves(t *testing.T) {
	leafDoc := `{
		"class_name": "CodelistPhenotype",
		"name": "diabetes",
		"domain": "CONDITION_OCCURRENCE",
		"codelist": {"class_name": "Codelist", "name": "diabetes", "codelist": {"ICD10": ["E11"]}, "use_code_type": true}
	}`

	got, err := DecodePhenotype([]byte(`{
		"class_name": "ScorePhenotype",
		"name": "doubled",
		"expression": {"class_name": "ComputationGraph", "operator": "+",
			"left": ` + leafDoc + `, "right": ` + leafDoc + `}
	}`))
	require.NoError(t, err)

	leaves := Leaves(got.(*ScorePhenotype).Expr())
	assert.Len(t, leaves, 1, "repeated leaf documents decode to one node")
}

func TestEncodeRejectsUnknownValue(t *testing.T) {
	_, err := Encode(struct{ X int }{1})
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestConstEncodesAsBareNumber(t *testing.T) {
	a, err := NewCodelistPhenotype("a", domain.DomainConditionOccurrence,
		NewCodelist("a", map[string][]string{"ICD10": {"E11"}}))
	require.NoError(t, err)

	p, err := NewScorePhenotype("weighted", Mul(Num(2.5), Ref(a)))
	require.NoError(t, err)

	doc, err := EncodePhenotype(p)
	require.NoError(t, err)
	assert.Contains(t, string(doc), `"left":2.5`)
}
