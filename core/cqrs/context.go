package cqrs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewandler/sequent/core/es"
)

// AggregateSource hands out aggregates for command handling. The
// es.AggregateCache is the usual implementation.
type AggregateSource interface {
	Get(ctx context.Context, aggType, aggID string) (es.AggregateRoot, error)
	Set(a es.AggregateRoot)
	Refresh(ctx context.Context, aggType, aggID string) (es.AggregateRoot, error)
	Remove(aggType, aggID string)
}

var _ AggregateSource = (*es.AggregateCache)(nil)

// CommandContext is what a handler sees of the world: the aggregates it
// loads or creates are tracked, and whatever they record as uncommitted
// events after the handler returned becomes the command's event stream.
type CommandContext struct {
	context.Context
	log        *slog.Logger
	command    Command
	source     AggregateSource
	aggregates *es.AggregateRegistry

	tracked map[string]es.AggregateRoot
	order   []es.AggregateRoot
	result  string
	loadErr error
}

func newCommandContext(ctx context.Context, log *slog.Logger, cmd Command, source AggregateSource, aggregates *es.AggregateRegistry) *CommandContext {
	return &CommandContext{
		Context:    ctx,
		log:        log,
		command:    cmd,
		source:     source,
		aggregates: aggregates,
		tracked:    map[string]es.AggregateRoot{},
	}
}

func (cc *CommandContext) Log() *slog.Logger { return cc.log }
func (cc *CommandContext) Command() Command  { return cc.command }

// SetResult attaches a payload to the command result.
func (cc *CommandContext) SetResult(result string) { cc.result = result }

// Get returns the aggregate aggType/aggID. It returns
// es.ErrAggregateNotFound when the aggregate has no history.
func (cc *CommandContext) Get(aggType, aggID string) (es.AggregateRoot, error) {
	if aggID == "" {
		return nil, es.ErrMissingAggregateID
	}
	if a, ok := cc.tracked[trackKey(aggType, aggID)]; ok {
		return a, nil
	}
	a, err := cc.source.Get(cc, aggType, aggID)
	if err != nil {
		if !errors.Is(err, es.ErrAggregateNotFound) {
			cc.loadErr = err
		}
		return nil, err
	}
	cc.track(a)
	return a, nil
}

// Add tracks a new aggregate. It must have an id and no history.
func (cc *CommandContext) Add(a es.AggregateRoot) error {
	if a.GetID() == "" {
		return es.ErrMissingAggregateID
	}
	if _, ok := cc.tracked[trackKey(a.AggregateType(), a.GetID())]; ok {
		return fmt.Errorf("%w: %s/%s", ErrAggregateAlreadyTracked, a.AggregateType(), a.GetID())
	}
	cc.track(a)
	return nil
}

// New creates and tracks an empty aggregate of aggType.
func (cc *CommandContext) New(aggType, aggID string) (es.AggregateRoot, error) {
	a, err := cc.aggregates.New(aggType, aggID)
	if err != nil {
		return nil, err
	}
	if err := cc.Add(a); err != nil {
		return nil, err
	}
	return a, nil
}

// GetOrCreate returns the existing aggregate or a new empty one.
func (cc *CommandContext) GetOrCreate(aggType, aggID string) (es.AggregateRoot, error) {
	a, err := cc.Get(aggType, aggID)
	if errors.Is(err, es.ErrAggregateNotFound) {
		return cc.New(aggType, aggID)
	}
	return a, err
}

func (cc *CommandContext) track(a es.AggregateRoot) {
	cc.tracked[trackKey(a.AggregateType(), a.GetID())] = a
	cc.order = append(cc.order, a)
}

// changed returns the tracked aggregates with uncommitted events.
func (cc *CommandContext) changed() []es.AggregateRoot {
	var out []es.AggregateRoot
	for _, a := range cc.order {
		if es.HasChanges(a) {
			out = append(out, a)
		}
	}
	return out
}

// discard drops every change made under this context and evicts the
// touched aggregates from the source, since their state is now dirty.
func (cc *CommandContext) discard() {
	for _, a := range cc.changed() {
		es.DiscardChanges(a)
		cc.source.Remove(a.AggregateType(), a.GetID())
	}
}

func trackKey(aggType, aggID string) string { return aggType + "/" + aggID }

// Load returns the aggregate aggType/aggID as T.
func Load[T es.AggregateRoot](cc *CommandContext, aggType, aggID string) (T, error) {
	a, err := cc.Get(aggType, aggID)
	if err != nil {
		var zero T
		return zero, err
	}
	return as[T](a)
}

// LoadOrCreate returns the aggregate aggType/aggID as T, creating it when
// it has no history yet.
func LoadOrCreate[T es.AggregateRoot](cc *CommandContext, aggType, aggID string) (T, error) {
	a, err := cc.GetOrCreate(aggType, aggID)
	if err != nil {
		var zero T
		return zero, err
	}
	return as[T](a)
}

func as[T es.AggregateRoot](a es.AggregateRoot) (T, error) {
	t, ok := a.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s is %T", es.ErrUnknownAggregateType, a.AggregateType(), a)
	}
	return t, nil
}
