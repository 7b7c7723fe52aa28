package id

import "github.com/google/uuid"

// New returns a random identifier safe to use as a single path segment.
func New() string {
	return uuid.NewString()
}
