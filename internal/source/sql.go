package source

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"phenokit/internal/domain"
	"phenokit/internal/table"
)

// SQL reads domain tables from a database/sql handle. The scan layer
// coerces driver values to the engine's column kinds: date columns
// accept native dates or ISO strings (SQLite stores dates as TEXT),
// identifier columns always come back as strings.
type SQL struct {
	db        *sql.DB
	mapping   map[string]string
	listQuery string
}

// SQLOption configures a SQL connector.
type SQLOption func(*SQL)

// WithTableMapping maps domain names to physical table names. Domains
// absent from the mapping use their own name.
func WithTableMapping(m map[string]string) SQLOption {
	return func(s *SQL) { s.mapping = m }
}

// NewSQL wraps an opened handle. Close closes the handle.
func NewSQL(db *sql.DB, opts ...SQLOption) *SQL {
	s := &SQL{
		db:        db,
		listQuery: `SELECT table_name FROM information_schema.tables WHERE table_schema = 'main'`,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadTableMapping reads a YAML file of domain: table pairs.
func LoadTableMapping(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("table mapping %s: %w", path, err)
	}
	return m, nil
}

func (s *SQL) Table(ctx context.Context, domainName string) (*table.Table, error) {
	name := domainName
	if mapped, ok := s.mapping[domainName]; ok {
		name = mapped
	}
	if name == "" {
		return nil, domain.ErrValidation("sql source: empty domain name")
	}
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(name))
	if err != nil {
		return nil, fmt.Errorf("query domain %s: %w", domainName, err)
	}
	defer rows.Close()
	t, err := scanTable(rows)
	if err != nil {
		return nil, fmt.Errorf("read domain %s: %w", domainName, err)
	}
	return t, nil
}

func (s *SQL) Domains(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.listQuery)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	present := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for dom, tbl := range s.mapping {
		if present[tbl] {
			delete(present, tbl)
			present[dom] = true
		}
	}
	names := make([]string, 0, len(present))
	for name := range present {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *SQL) Close() error { return s.db.Close() }

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteString(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func scanTable(rows *sql.Rows) (*table.Table, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	raw := make([][]any, len(cols))
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			raw[i] = append(raw[i], v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	series := make([]*table.Series, len(cols))
	for i, name := range cols {
		s, err := buildSeries(name, raw[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		series[i] = s
	}
	return table.New(series...)
}

func buildSeries(name string, values []any) (*table.Series, error) {
	n := len(values)
	nulls := make([]bool, n)
	switch kindFor(name, values) {
	case table.Date:
		dates := make([]time.Time, n)
		for i, v := range values {
			d, null, err := coerceDate(v)
			if err != nil {
				return nil, err
			}
			dates[i], nulls[i] = d, null
		}
		return table.NewDate(name, dates).WithNulls(nulls), nil
	case table.Float:
		floats := make([]float64, n)
		for i, v := range values {
			f, null, err := coerceFloat(v)
			if err != nil {
				return nil, err
			}
			floats[i], nulls[i] = f, null
		}
		return table.NewFloat(name, floats).WithNulls(nulls), nil
	case table.Bool:
		bools := make([]bool, n)
		for i, v := range values {
			b, null, err := coerceBool(v)
			if err != nil {
				return nil, err
			}
			bools[i], nulls[i] = b, null
		}
		return table.NewBool(name, bools).WithNulls(nulls), nil
	case table.Int:
		ints := make([]int64, n)
		for i, v := range values {
			x, null, err := coerceInt(v)
			if err != nil {
				return nil, err
			}
			ints[i], nulls[i] = x, null
		}
		return table.NewInt(name, ints).WithNulls(nulls), nil
	default:
		strs := make([]string, n)
		for i, v := range values {
			if v == nil {
				nulls[i] = true
				continue
			}
			strs[i] = coerceString(v)
		}
		return table.NewString(name, strs).WithNulls(nulls), nil
	}
}

// kindFor picks the engine kind for a column: the contract's named
// columns decide by name, anything else by the first non-null value.
func kindFor(name string, values []any) table.Kind {
	switch {
	case strings.HasSuffix(name, "_ID") || name == domain.ColCode || name == domain.ColCodeType || name == domain.ColSex:
		return table.String
	case strings.HasSuffix(name, "_DATE") || name == domain.ColDateOfBirth:
		return table.Date
	case name == domain.ColValue || strings.HasSuffix(name, "_VALUE"):
		return table.Float
	case name == domain.ColBoolean || strings.HasSuffix(name, "_BOOLEAN"):
		return table.Bool
	}
	for _, v := range values {
		switch v.(type) {
		case nil:
		case time.Time:
			return table.Date
		case float64, float32:
			return table.Float
		case bool:
			return table.Bool
		case int64, int32, int:
			return table.Int
		default:
			return table.String
		}
	}
	return table.String
}

var dateLayouts = []string{"2006-01-02", "2006-01-02 15:04:05", time.RFC3339}

func coerceDate(v any) (time.Time, bool, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, true, nil
	case time.Time:
		return x, false, nil
	case string:
		if x == "" {
			return time.Time{}, true, nil
		}
		for _, layout := range dateLayouts {
			if d, err := time.Parse(layout, x); err == nil {
				return d, false, nil
			}
		}
		return time.Time{}, false, fmt.Errorf("cannot parse %q as a date", x)
	default:
		return time.Time{}, false, fmt.Errorf("cannot read %T as a date", v)
	}
}

func coerceFloat(v any) (float64, bool, error) {
	switch x := v.(type) {
	case nil:
		return 0, true, nil
	case float64:
		return x, false, nil
	case float32:
		return float64(x), false, nil
	case int64:
		return float64(x), false, nil
	case int32:
		return float64(x), false, nil
	case int:
		return float64(x), false, nil
	case string:
		if x == "" {
			return 0, true, nil
		}
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false, fmt.Errorf("cannot parse %q as a number", x)
		}
		return f, false, nil
	default:
		return 0, false, fmt.Errorf("cannot read %T as a number", v)
	}
}

func coerceBool(v any) (bool, bool, error) {
	switch x := v.(type) {
	case nil:
		return false, true, nil
	case bool:
		return x, false, nil
	case int64:
		return x != 0, false, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, false, fmt.Errorf("cannot parse %q as a boolean", x)
		}
		return b, false, nil
	default:
		return false, false, fmt.Errorf("cannot read %T as a boolean", v)
	}
}

func coerceInt(v any) (int64, bool, error) {
	switch x := v.(type) {
	case nil:
		return 0, true, nil
	case int64:
		return x, false, nil
	case int32:
		return int64(x), false, nil
	case int:
		return int64(x), false, nil
	case string:
		i, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("cannot parse %q as an integer", x)
		}
		return i, false, nil
	default:
		return 0, false, fmt.Errorf("cannot read %T as an integer", v)
	}
}

func coerceString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case time.Time:
		return x.Format("2006-01-02")
	default:
		return fmt.Sprintf("%v", x)
	}
}
