// Package table implements the column-oriented table model the engine
// computes on. Tables are immutable: every operation returns a new Table,
// so pipeline stages substitute tables instead of mutating them.
package table

import (
	"fmt"
	"strconv"
	"time"
)

// Kind identifies the value type of a Series.
type Kind uint8

const (
	String Kind = iota
	Bool
	Float
	Int
	Date
)

// String returns the kind name for error messages.
func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Bool:
		return "bool"
	case Float:
		return "float"
	case Int:
		return "int"
	case Date:
		return "date"
	default:
		return "unknown"
	}
}

// Series is a named, typed column with a null mask. Dates are civil dates
// normalized to midnight UTC; day arithmetic is whole-day.
type Series struct {
	name string
	kind Kind

	str   []string
	bools []bool
	f64   []float64
	i64   []int64
	dates []time.Time

	nulls []bool
}

// NewString creates a string column.
func NewString(name string, values []string) *Series {
	return &Series{name: name, kind: String, str: values, nulls: make([]bool, len(values))}
}

// NewBool creates a boolean column.
func NewBool(name string, values []bool) *Series {
	return &Series{name: name, kind: Bool, bools: values, nulls: make([]bool, len(values))}
}

// NewFloat creates a float64 column.
func NewFloat(name string, values []float64) *Series {
	return &Series{name: name, kind: Float, f64: values, nulls: make([]bool, len(values))}
}

// NewInt creates an int64 column.
func NewInt(name string, values []int64) *Series {
	return &Series{name: name, kind: Int, i64: values, nulls: make([]bool, len(values))}
}

// NewDate creates a date column. Values should be civil dates; they are
// normalized to midnight UTC.
func NewDate(name string, values []time.Time) *Series {
	norm := make([]time.Time, len(values))
	for i, v := range values {
		norm[i] = Day(v)
	}
	return &Series{name: name, kind: Date, dates: norm, nulls: make([]bool, len(values))}
}

// WithNulls returns a copy of the series with the given null mask.
// The mask length must match the series length.
func (s *Series) WithNulls(nulls []bool) *Series {
	if len(nulls) != s.Len() {
		panic(fmt.Sprintf("table: null mask length %d != series length %d", len(nulls), s.Len()))
	}
	c := *s
	c.nulls = append([]bool(nil), nulls...)
	return &c
}

// Name returns the column name.
func (s *Series) Name() string { return s.name }

// Kind returns the column kind.
func (s *Series) Kind() Kind { return s.kind }

// Len returns the number of rows.
func (s *Series) Len() int {
	switch s.kind {
	case String:
		return len(s.str)
	case Bool:
		return len(s.bools)
	case Float:
		return len(s.f64)
	case Int:
		return len(s.i64)
	case Date:
		return len(s.dates)
	}
	return 0
}

// IsNull reports whether row i is null.
func (s *Series) IsNull(i int) bool { return s.nulls[i] }

// StringAt returns the string value at row i (zero value when null).
func (s *Series) StringAt(i int) string { return s.str[i] }

// BoolAt returns the bool value at row i (false when null).
func (s *Series) BoolAt(i int) bool { return s.bools[i] }

// FloatAt returns the float value at row i (0 when null).
func (s *Series) FloatAt(i int) float64 { return s.f64[i] }

// IntAt returns the int value at row i (0 when null).
func (s *Series) IntAt(i int) int64 { return s.i64[i] }

// DateAt returns the date value at row i (zero time when null).
func (s *Series) DateAt(i int) time.Time { return s.dates[i] }

// NumberAt returns the numeric value at row i, coercing Int to float64.
// Only valid for Float and Int series.
func (s *Series) NumberAt(i int) float64 {
	if s.kind == Int {
		return float64(s.i64[i])
	}
	return s.f64[i]
}

// IsNumeric reports whether the series holds Float or Int values.
func (s *Series) IsNumeric() bool { return s.kind == Float || s.kind == Int }

// rename returns a copy with a new column name, sharing value storage.
func (s *Series) rename(name string) *Series {
	c := *s
	c.name = name
	return &c
}

// take gathers the given row indices into a new series.
func (s *Series) take(idx []int) *Series {
	out := &Series{name: s.name, kind: s.kind, nulls: make([]bool, len(idx))}
	switch s.kind {
	case String:
		out.str = make([]string, len(idx))
		for j, i := range idx {
			out.str[j] = s.str[i]
		}
	case Bool:
		out.bools = make([]bool, len(idx))
		for j, i := range idx {
			out.bools[j] = s.bools[i]
		}
	case Float:
		out.f64 = make([]float64, len(idx))
		for j, i := range idx {
			out.f64[j] = s.f64[i]
		}
	case Int:
		out.i64 = make([]int64, len(idx))
		for j, i := range idx {
			out.i64[j] = s.i64[i]
		}
	case Date:
		out.dates = make([]time.Time, len(idx))
		for j, i := range idx {
			out.dates[j] = s.dates[i]
		}
	}
	for j, i := range idx {
		out.nulls[j] = s.nulls[i]
	}
	return out
}

// appendFrom appends row i of src (same kind) to the series in place.
// Used only by table concatenation while building a fresh series.
func (s *Series) appendFrom(src *Series, i int) {
	switch s.kind {
	case String:
		s.str = append(s.str, src.str[i])
	case Bool:
		s.bools = append(s.bools, src.bools[i])
	case Float:
		s.f64 = append(s.f64, src.f64[i])
	case Int:
		s.i64 = append(s.i64, src.i64[i])
	case Date:
		s.dates = append(s.dates, src.dates[i])
	}
	s.nulls = append(s.nulls, src.nulls[i])
}

// appendNull appends a null row of the series kind in place.
func (s *Series) appendNull() {
	switch s.kind {
	case String:
		s.str = append(s.str, "")
	case Bool:
		s.bools = append(s.bools, false)
	case Float:
		s.f64 = append(s.f64, 0)
	case Int:
		s.i64 = append(s.i64, 0)
	case Date:
		s.dates = append(s.dates, time.Time{})
	}
	s.nulls = append(s.nulls, true)
}

// empty returns a zero-length series of the same name and kind.
func (s *Series) empty() *Series {
	return &Series{name: s.name, kind: s.kind}
}

// KeyAt renders row i as a canonical key fragment for hashing and
// equality. Null rows render distinctly from any real value.
func (s *Series) KeyAt(i int) string {
	if s.nulls[i] {
		return "\x00"
	}
	switch s.kind {
	case String:
		return s.str[i]
	case Bool:
		if s.bools[i] {
			return "t"
		}
		return "f"
	case Float:
		return strconv.FormatFloat(s.f64[i], 'g', -1, 64)
	case Int:
		return strconv.FormatInt(s.i64[i], 10)
	case Date:
		return s.dates[i].Format("2006-01-02")
	}
	return ""
}

// compare orders rows i and j of the series. Nulls sort last.
func (s *Series) compare(i, j int) int {
	ni, nj := s.nulls[i], s.nulls[j]
	if ni || nj {
		switch {
		case ni && nj:
			return 0
		case ni:
			return 1
		default:
			return -1
		}
	}
	switch s.kind {
	case String:
		switch {
		case s.str[i] < s.str[j]:
			return -1
		case s.str[i] > s.str[j]:
			return 1
		}
	case Bool:
		switch {
		case !s.bools[i] && s.bools[j]:
			return -1
		case s.bools[i] && !s.bools[j]:
			return 1
		}
	case Float:
		switch {
		case s.f64[i] < s.f64[j]:
			return -1
		case s.f64[i] > s.f64[j]:
			return 1
		}
	case Int:
		switch {
		case s.i64[i] < s.i64[j]:
			return -1
		case s.i64[i] > s.i64[j]:
			return 1
		}
	case Date:
		switch {
		case s.dates[i].Before(s.dates[j]):
			return -1
		case s.dates[i].After(s.dates[j]):
			return 1
		}
	}
	return 0
}

// Day normalizes a timestamp to its civil date at midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole-day difference b - a for two civil dates.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)) / (24 * time.Hour))
}
