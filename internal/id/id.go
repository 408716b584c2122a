// Package id generates job identifiers.
package id

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// UUID creates time-ordered UUID v7 strings, so job ids sort by submission.
type UUID struct{}

// NewID returns a UUID v7 string.
func (UUID) NewID() (string, error) {
	v, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return v.String(), nil
}

// Sequence yields predictable ids ("<prefix>-1", "<prefix>-2", ...).
type Sequence struct {
	Prefix string
	n      atomic.Int64
}

// NewID returns the next id in the sequence.
func (s *Sequence) NewID() (string, error) {
	return fmt.Sprintf("%s-%d", s.Prefix, s.n.Add(1)), nil
}
