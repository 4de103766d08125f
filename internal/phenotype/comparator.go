// Package phenotype implements the phenotype hierarchy: filters and
// codelists, the concrete phenotype variants, their boolean/arithmetic
// composition algebra, and the tagged JSON codec that round-trips the
// whole object graph.
package phenotype

import (
	"time"

	"phenokit/internal/domain"
	"phenokit/internal/table"
)

// Comparator is a single bound on a numeric quantity: an operator symbol
// and a literal.
type Comparator struct {
	Operator string
	Value    float64
}

// GreaterThan builds a strict > bound.
func GreaterThan(v float64) *Comparator { return &Comparator{Operator: ">", Value: v} }

// GreaterThanOrEqualTo builds a >= bound.
func GreaterThanOrEqualTo(v float64) *Comparator { return &Comparator{Operator: ">=", Value: v} }

// LessThan builds a strict < bound.
func LessThan(v float64) *Comparator { return &Comparator{Operator: "<", Value: v} }

// LessThanOrEqualTo builds a <= bound.
func LessThanOrEqualTo(v float64) *Comparator { return &Comparator{Operator: "<=", Value: v} }

// EqualTo builds an equality bound.
func EqualTo(v float64) *Comparator { return &Comparator{Operator: "=", Value: v} }

// Holds reports whether x satisfies the bound.
func (c *Comparator) Holds(x float64) bool {
	switch c.Operator {
	case ">":
		return x > c.Value
	case ">=":
		return x >= c.Value
	case "<":
		return x < c.Value
	case "<=":
		return x <= c.Value
	case "=":
		return x == c.Value
	}
	return false
}

// Validate rejects unknown operator symbols.
func (c *Comparator) Validate() error {
	switch c.Operator {
	case ">", ">=", "<", "<=", "=":
		return nil
	}
	return domain.ErrValidation("unknown comparator operator %q", c.Operator)
}

// DateComparator is a single bound on a civil date.
type DateComparator struct {
	Operator string
	Value    time.Time
}

// After builds a strict > bound on a date.
func After(v time.Time) *DateComparator {
	return &DateComparator{Operator: ">", Value: table.Day(v)}
}

// AfterOrOn builds a >= bound on a date.
func AfterOrOn(v time.Time) *DateComparator {
	return &DateComparator{Operator: ">=", Value: table.Day(v)}
}

// Before builds a strict < bound on a date.
func Before(v time.Time) *DateComparator {
	return &DateComparator{Operator: "<", Value: table.Day(v)}
}

// BeforeOrOn builds a <= bound on a date.
func BeforeOrOn(v time.Time) *DateComparator {
	return &DateComparator{Operator: "<=", Value: table.Day(v)}
}

// On builds an equality bound on a date.
func On(v time.Time) *DateComparator {
	return &DateComparator{Operator: "=", Value: table.Day(v)}
}

// Holds reports whether date x satisfies the bound.
func (c *DateComparator) Holds(x time.Time) bool {
	x = table.Day(x)
	switch c.Operator {
	case ">":
		return x.After(c.Value)
	case ">=":
		return !x.Before(c.Value)
	case "<":
		return x.Before(c.Value)
	case "<=":
		return !x.After(c.Value)
	case "=":
		return x.Equal(c.Value)
	}
	return false
}

// Validate rejects unknown operator symbols.
func (c *DateComparator) Validate() error {
	switch c.Operator {
	case ">", ">=", "<", "<=", "=":
		return nil
	}
	return domain.ErrValidation("unknown date comparator operator %q", c.Operator)
}
