package consumer

import "errors"

var (
	ErrProcessorClosed = errors.New("processor closed")
	ErrHandlerPanic    = errors.New("handler panicked")
	ErrUnknownMessage  = errors.New("unknown message type")
	ErrMissingKey      = errors.New("missing routing key")
	ErrMissingID       = errors.New("missing message id")
)
