// Package source provides the connectors the engine reads patient data
// through. A connector maps domain names to column-oriented tables; the
// engine issues no SQL itself, so any backend that can hand over a table
// per domain works. Connections are owned by the caller and passed per
// execution, never pooled by the engine.
package source

import (
	"context"

	"phenokit/internal/table"
)

// Database hands out one table per domain name.
type Database interface {
	// Table loads the named domain table.
	Table(ctx context.Context, domain string) (*table.Table, error)
	// Domains lists the domain names the connector can serve.
	Domains(ctx context.Context) ([]string, error)
	// Close releases the underlying connection.
	Close() error
}

// InMemory serves prebuilt tables. It backs tests and fixtures and any
// caller that already holds its data in memory.
type InMemory struct {
	tables table.Set
}

// NewInMemory wraps a table set as a connector.
func NewInMemory(tables table.Set) *InMemory {
	return &InMemory{tables: tables.Clone()}
}

func (m *InMemory) Table(ctx context.Context, domain string) (*table.Table, error) {
	return m.tables.Get(domain)
}

func (m *InMemory) Domains(ctx context.Context) ([]string, error) {
	return m.tables.Names(), nil
}

func (m *InMemory) Close() error { return nil }
