package consumer

import (
	"context"
	"fmt"
	"sync"

	"github.com/codewandler/sequent/core/es"
)

// EventHandlerFunc handles one event of a stream.
type EventHandlerFunc func(ctx context.Context, ev es.DomainEvent) error

// EventHandler is a named handler. The name shows up in logs and errors.
type EventHandler struct {
	Name string
	Fn   EventHandlerFunc
}

// Registry maps event types to their handlers. An event type may have any
// number of handlers; they run in registration order.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string][]EventHandler{}}
}

// HandleFunc registers fn for eventType.
func (r *Registry) HandleFunc(eventType, name string, fn EventHandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = append(r.handlers[eventType], EventHandler{Name: name, Fn: fn})
}

// Handle registers fn for events of type *T and returns the event type.
//
//	consumer.Handle(reg, "titles", func(ctx context.Context, e *NoteRenamed) error { ... })
func Handle[T any, PT interface {
	*T
	es.DomainEvent
}](r *Registry, name string, fn func(ctx context.Context, ev PT) error) string {
	eventType := es.EventTypeOf(PT(new(T)))
	r.HandleFunc(eventType, name, func(ctx context.Context, ev es.DomainEvent) error {
		e, ok := ev.(PT)
		if !ok {
			return fmt.Errorf("%w: handler %s for %s got %T", es.ErrUnknownEventType, name, eventType, ev)
		}
		return fn(ctx, e)
	})
	return eventType
}

// Handlers returns the handlers of eventType in registration order.
func (r *Registry) Handlers(eventType string) []EventHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[eventType]
}

// Types lists the event types that have at least one handler.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

type streamKey struct{}

func withStream(ctx context.Context, s *es.EventStream) context.Context {
	return context.WithValue(ctx, streamKey{}, s)
}

// StreamFrom returns the stream whose events are being handled.
func StreamFrom(ctx context.Context) (*es.EventStream, bool) {
	s, ok := ctx.Value(streamKey{}).(*es.EventStream)
	return s, ok
}
