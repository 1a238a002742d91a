package es

import (
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// IDGenerator produces unique ids for event streams and events.
type IDGenerator func() string

// DefaultIDGenerator returns the default ID generator using nanoid.
func DefaultIDGenerator() IDGenerator {
	return func() string { return gonanoid.Must() }
}

// UUIDGenerator returns random (v4) UUIDs.
func UUIDGenerator() IDGenerator {
	return func() string { return uuid.NewString() }
}
