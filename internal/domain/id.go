package domain

import "github.com/google/uuid"

// NewRunID generates a time-sortable UUIDv7 string identifying a single
// cohort execution.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}
