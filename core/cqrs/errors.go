package cqrs

import (
	"errors"
	"fmt"
)

var (
	ErrNoHandler                  = errors.New("no handler for command")
	ErrAmbiguousHandler           = errors.New("more than one handler for command")
	ErrMultipleAggregatesChanged  = errors.New("command changed more than one aggregate")
	ErrDuplicateAggregateCreation = errors.New("aggregate was already created by another command")
	ErrTooManyConflicts           = errors.New("too many version conflicts")
	ErrAggregateAlreadyTracked    = errors.New("aggregate already tracked by this command")
	ErrProcessorClosed            = errors.New("command processor closed")
	ErrQueueClosed                = errors.New("command queue closed")
	ErrUnknownCommand             = errors.New("unknown command type")
	ErrHandlerPanic               = errors.New("command handler panicked")
	ErrMissingCommandID           = errors.New("missing command id")
	ErrNoResultWaiter             = errors.New("command bus has no result waiter")
)

// RoutingError means a command could not be delivered to exactly one
// handler. It is fatal for that command: retrying cannot help.
type RoutingError struct {
	CommandType string
	Err         error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("route %s: %v", e.CommandType, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }
