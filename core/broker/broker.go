// Package broker defines the message broker contracts the runtime needs
// (at-least-once Producer, group-based Consumer, explicitly acknowledged
// Message) and ships an in-process implementation.
//
// No ordering guarantee is assumed: consumers restore per-aggregate order
// themselves from sequence numbers and versions.
package broker

import (
	"context"
	"errors"
	"maps"
)

var (
	ErrClosed   = errors.New("broker closed")
	ErrNoTopics = errors.New("no topics given")
	ErrNoGroup  = errors.New("consumer group is required")
)

// Well-known envelope headers.
const (
	HeaderMessageID   = "x-sequent-message-id"
	HeaderCommandID   = "x-sequent-command-id"
	HeaderAggregateID = "x-sequent-aggregate-id"
	HeaderReplyTopic  = "x-sequent-reply-topic"
)

// Envelope is the unit a broker moves: opaque content plus the type tag
// needed to decode it and the routing key it was partitioned by.
type Envelope struct {
	Content []byte            `json:"content"`
	Tag     string            `json:"tag"`
	Key     string            `json:"key,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Header returns the value of header k, or "".
func (e Envelope) Header(k string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[k]
}

// WithHeader returns a copy of e with header k set.
func (e Envelope) WithHeader(k, v string) Envelope {
	h := make(map[string]string, len(e.Headers)+1)
	maps.Copy(h, e.Headers)
	h[k] = v
	e.Headers = h
	return e
}

// Acker settles a delivery. Commit and Reject are idempotent; only the
// first call of either has an effect.
type Acker interface {
	// Commit acknowledges the delivery; it will not be redelivered.
	Commit() error
	// Reject negatively acknowledges; the broker redelivers later.
	Reject() error
}

// Message is one delivery of an Envelope.
type Message interface {
	Acker
	Envelope() Envelope
	Topic() string
}

// Sequenced is implemented by deliveries that know the broker sequence of
// the message they carry. Redeliveries of one message report the same
// sequence; zero means unknown.
type Sequenced interface {
	Sequence() uint64
}

// MessageHandler receives deliveries. It must settle every message
// eventually, but it may do so after returning.
type MessageHandler func(ctx context.Context, msg Message)

type Producer interface {
	// Produce hands env to the broker. Delivery is at-least-once.
	Produce(ctx context.Context, topic string, env Envelope) error
}

type Consumer interface {
	// Subscribe delivers messages of topics to h. Subscribers sharing a
	// group split the messages between them. The subscription ends when
	// ctx is done or Unsubscribe is called.
	Subscribe(ctx context.Context, group string, topics []string, h MessageHandler) (Subscription, error)
}

type Subscription interface {
	Unsubscribe() error
}

// Broker is a Producer and Consumer on the same backend.
type Broker interface {
	Producer
	Consumer
	Close() error
}

// AckFunc adapts two functions to Acker.
type AckFunc struct {
	OnCommit func() error
	OnReject func() error
}

func (a AckFunc) Commit() error {
	if a.OnCommit == nil {
		return nil
	}
	return a.OnCommit()
}

func (a AckFunc) Reject() error {
	if a.OnReject == nil {
		return nil
	}
	return a.OnReject()
}

// NopAcker ignores acknowledgements, for in-process callers that have no
// delivery to settle.
var NopAcker Acker = AckFunc{}
