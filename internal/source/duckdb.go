package source

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
)

// NewDuckDB opens a DuckDB database as a cohort source. An empty path
// opens an in-memory instance.
func NewDuckDB(path string, opts ...SQLOption) (*SQL, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %s: %w", path, err)
	}
	return NewSQL(db, opts...), nil
}

// NewCSVDir serves a directory of CSV files as domain tables: each
// file becomes a read_csv_auto view in an in-memory DuckDB instance,
// named after the file without its extension. Column types come from
// DuckDB's CSV sniffer, so date columns arrive as native dates.
func NewCSVDir(dir string, opts ...SQLOption) (*SQL, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		stmt := fmt.Sprintf("CREATE VIEW %s AS SELECT * FROM read_csv_auto(%s)",
			quoteIdent(name), quoteString(filepath.Join(dir, e.Name())))
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("register %s: %w", e.Name(), err)
		}
	}
	return NewSQL(db, opts...), nil
}
