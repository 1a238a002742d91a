package es

import "errors"

var (
	ErrAggregateNotFound    = errors.New("aggregate not found")
	ErrMissingAggregateID   = errors.New("missing aggregate id")
	ErrAggregateIDChanged   = errors.New("aggregate id cannot change")
	ErrUnknownAggregateType = errors.New("unknown aggregate type")
	ErrDuplicateEventType   = errors.New("event type already applied in this command")
	ErrVersionMismatch      = errors.New("version mismatch")
	ErrNonContiguousReplay  = errors.New("non contiguous replay")
	ErrUnknownEventType     = errors.New("unknown event type")
	ErrStreamNotFound       = errors.New("event stream not found")
	ErrInvalidStream        = errors.New("invalid event stream")
	ErrVersionConflict      = errors.New("version conflict")
)
