// Package uuid generates the identifiers attached to lifecycle events and
// HTTP requests.
package uuid

import (
	"github.com/google/uuid"
)

// NewID returns a UUIDv7 string. v7 IDs sort by creation time, so consumers
// can order events by ID. It falls back to a random v4 ID if the v7
// generator fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
