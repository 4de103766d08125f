package phenotype

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phenokit/internal/domain"
	"phenokit/internal/table"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestComparatorHolds(t *testing.T) {
	tests := []struct {
		name string
		cmp  *Comparator
		x    float64
		want bool
	}{
		{name: "greater_than_holds", cmp: GreaterThan(5), x: 6, want: true},
		{name: "greater_than_boundary", cmp: GreaterThan(5), x: 5, want: false},
		{name: "greater_or_equal_boundary", cmp: GreaterThanOrEqualTo(5), x: 5, want: true},
		{name: "less_than_holds", cmp: LessThan(5), x: 4.5, want: true},
		{name: "less_or_equal_boundary", cmp: LessThanOrEqualTo(5), x: 5, want: true},
		{name: "equal_to_holds", cmp: EqualTo(2), x: 2, want: true},
		{name: "equal_to_misses", cmp: EqualTo(2), x: 2.5, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cmp.Holds(tt.x))
		})
	}
}

func TestDateComparatorHolds(t *testing.T) {
	ref := day(2020, 6, 15)
	tests := []struct {
		name string
		cmp  *DateComparator
		x    time.Time
		want bool
	}{
		{name: "after_holds", cmp: After(ref), x: day(2020, 6, 16), want: true},
		{name: "after_boundary", cmp: After(ref), x: ref, want: false},
		{name: "after_or_on_boundary", cmp: AfterOrOn(ref), x: ref, want: true},
		{name: "before_holds", cmp: Before(ref), x: day(2020, 6, 14), want: true},
		{name: "before_or_on_boundary", cmp: BeforeOrOn(ref), x: ref, want: true},
		{name: "on_holds", cmp: On(ref), x: day(2020, 6, 15), want: true},
		{name: "on_misses", cmp: On(ref), x: day(2020, 6, 16), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cmp.Holds(tt.x))
		})
	}
}

func TestValueFilterMask(t *testing.T) {
	tbl := table.MustNew(
		table.NewString(domain.ColPersonID, []string{"P1", "P2", "P3", "P4"}),
		table.NewFloat(domain.ColValue, []float64{10, 50, 0, 30}).WithNulls([]bool{false, false, true, false}),
	)

	f := NewValueFilter(GreaterThanOrEqualTo(10), LessThan(40))
	mask, err := f.Mask(tbl)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, false, true}, mask)
}

func TestValueFilterRejectsNonNumericColumn(t *testing.T) {
	tbl := table.MustNew(table.NewString(domain.ColValue, []string{"a"}))

	_, err := NewValueFilter(GreaterThan(0), nil).Mask(tbl)
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestDateFilterMask(t *testing.T) {
	tbl := table.MustNew(
		table.NewDate(domain.ColEventDate, []time.Time{
			day(2020, 1, 1), day(2020, 6, 1), day(2021, 1, 1), day(2020, 3, 1),
		}).WithNulls([]bool{false, false, false, true}),
	)

	f := NewDateFilter(AfterOrOn(day(2020, 2, 1)), Before(day(2021, 1, 1)))
	mask, err := f.Mask(tbl)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false, false}, mask)
}

func TestCategoricalFilterMask(t *testing.T) {
	tbl := table.MustNew(
		table.NewString("STATUS", []string{"inpatient", "outpatient", "inpatient", ""}).
			WithNulls([]bool{false, false, false, true}),
	)

	tests := []struct {
		name   string
		filter Categorical
		want   []bool
	}{
		{
			name:   "single_allowed_value",
			filter: &CategoricalFilter{Column: "STATUS", Allowed: []string{"inpatient"}},
			want:   []bool{true, false, true, false},
		},
		{
			name: "or_combines_values",
			filter: OrFilter(
				&CategoricalFilter{Column: "STATUS", Allowed: []string{"inpatient"}},
				&CategoricalFilter{Column: "STATUS", Allowed: []string{"outpatient"}},
			),
			want: []bool{true, true, true, false},
		},
		{
			name:   "not_inverts_including_null_rows",
			filter: NotFilter(&CategoricalFilter{Column: "STATUS", Allowed: []string{"inpatient"}}),
			want:   []bool{false, true, false, true},
		},
		{
			name: "and_intersects",
			filter: AndFilter(
				&CategoricalFilter{Column: "STATUS", Allowed: []string{"inpatient", "outpatient"}},
				NotFilter(&CategoricalFilter{Column: "STATUS", Allowed: []string{"outpatient"}}),
			),
			want: []bool{true, false, true, false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mask, err := tt.filter.Mask(tbl)
			require.NoError(t, err)
			assert.Equal(t, tt.want, mask)
		})
	}
}

func TestBooleanFilterValidate(t *testing.T) {
	leaf := &CategoricalFilter{Column: "STATUS", Allowed: []string{"x"}}

	tests := []struct {
		name    string
		filter  *BooleanFilter
		wantErr bool
	}{
		{name: "and_two_operands", filter: AndFilter(leaf, leaf), wantErr: false},
		{name: "and_no_operands", filter: AndFilter(), wantErr: true},
		{name: "not_single_operand", filter: NotFilter(leaf), wantErr: false},
		{name: "not_two_operands", filter: &BooleanFilter{Op: "not", Operands: []Categorical{leaf, leaf}}, wantErr: true},
		{name: "unknown_operator", filter: &BooleanFilter{Op: "xor", Operands: []Categorical{leaf, leaf}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.filter.Validate()
			if tt.wantErr {
				var verr *domain.ValidationError
				assert.ErrorAs(t, err, &verr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRelativeTimeRangeHoldsBetween(t *testing.T) {
	ref := day(2020, 6, 1)
	tests := []struct {
		name   string
		filter *RelativeTimeRangeFilter
		event  time.Time
		want   bool
	}{
		{
			name:   "before_within_max",
			filter: NewRelativeTimeRange(WhenBefore, MaxDays(LessThanOrEqualTo(365))),
			event:  day(2019, 12, 1),
			want:   true,
		},
		{
			name:   "before_beyond_max",
			filter: NewRelativeTimeRange(WhenBefore, MaxDays(LessThanOrEqualTo(90))),
			event:  day(2019, 12, 1),
			want:   false,
		},
		{
			name:   "before_rejects_events_after_reference",
			filter: NewRelativeTimeRange(WhenBefore, MaxDays(LessThanOrEqualTo(365))),
			event:  day(2020, 6, 2),
			want:   false,
		},
		{
			name:   "same_day_counts_for_either_direction",
			filter: NewRelativeTimeRange(WhenAfter),
			event:  ref,
			want:   true,
		},
		{
			name:   "after_with_min_days_excludes_near_events",
			filter: NewRelativeTimeRange(WhenAfter, MinDays(GreaterThan(30))),
			event:  day(2020, 6, 15),
			want:   false,
		},
		{
			name:   "after_with_min_days_keeps_far_events",
			filter: NewRelativeTimeRange(WhenAfter, MinDays(GreaterThan(30))),
			event:  day(2020, 8, 1),
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.HoldsBetween(tt.event, ref))
		})
	}
}

func TestRelativeTimeRangeValidate(t *testing.T) {
	assert.NoError(t, NewRelativeTimeRange(WhenBefore).Validate())

	var verr *domain.ValidationError
	err := NewRelativeTimeRange("sideways").Validate()
	assert.ErrorAs(t, err, &verr)
}
