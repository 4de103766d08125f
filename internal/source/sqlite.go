package source

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// NewSQLite opens a SQLite database file as a cohort source. SQLite
// has no date type; TEXT dates in ISO form decode through the scan
// layer's string coercion.
func NewSQLite(path string, opts ...SQLOption) (*SQL, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	s := NewSQL(db, opts...)
	s.listQuery = `SELECT name FROM sqlite_master WHERE type = 'table'`
	return s, nil
}
