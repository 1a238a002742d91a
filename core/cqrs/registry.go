package cqrs

import (
	"fmt"
	"sync"

	"github.com/codewandler/sequent/core/codec"
)

// HandlerFunc handles one command.
type HandlerFunc func(cc *CommandContext, cmd Command) error

// Registry maps command types to their handler. It also knows how to
// decode every registered command type from the wire. Registries are built
// once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]HandlerFunc
	types    *codec.Registry
}

func NewRegistry(opts ...codec.RegistryOption) *Registry {
	return &Registry{
		handlers: map[string][]HandlerFunc{},
		types:    codec.NewRegistry(opts...),
	}
}

// Handle registers fn for commands of type C and returns the type tag.
// C should be a struct type; commands arrive either as C or as *C.
//
//	cqrs.Handle(reg, func(cc *cqrs.CommandContext, c CreateNote) error { ... })
//
// Registering a second handler for the same type is not an error here;
// dispatching such a command fails with ErrAmbiguousHandler.
func Handle[C Command](r *Registry, fn func(cc *CommandContext, cmd C) error) string {
	cmdType := codec.TagFor[C]()
	r.types.Register(cmdType, func() any { return new(C) })
	r.add(cmdType, func(cc *CommandContext, cmd Command) error {
		switch c := any(cmd).(type) {
		case C:
			return fn(cc, c)
		case *C:
			return fn(cc, *c)
		default:
			return fmt.Errorf("%w: handler for %s got %T", ErrUnknownCommand, cmdType, cmd)
		}
	})
	return cmdType
}

func (r *Registry) add(cmdType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[cmdType] = append(r.handlers[cmdType], h)
}

// Lookup returns the single handler of cmdType.
func (r *Registry) Lookup(cmdType string) (HandlerFunc, error) {
	r.mu.RLock()
	hs := r.handlers[cmdType]
	r.mu.RUnlock()
	switch len(hs) {
	case 0:
		return nil, &RoutingError{CommandType: cmdType, Err: ErrNoHandler}
	case 1:
		return hs[0], nil
	default:
		return nil, &RoutingError{CommandType: cmdType, Err: ErrAmbiguousHandler}
	}
}

// Types lists the registered command types.
func (r *Registry) Types() []string { return r.types.Tags() }

// Encode returns the type tag and wire form of cmd.
func (r *Registry) Encode(cmd Command) (string, []byte, error) {
	return r.types.Encode(cmd)
}

// Decode rebuilds a command from its type tag and wire form.
func (r *Registry) Decode(cmdType string, data []byte) (Command, error) {
	v, err := r.types.Decode(cmdType, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownCommand, err)
	}
	cmd, ok := v.(Command)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a command", ErrUnknownCommand, cmdType)
	}
	return cmd, nil
}
