// Package codec turns values into (tag, bytes) pairs and back. The tag is
// the fully qualified Go type name unless the type names itself via Tagged,
// so a receiver can rebuild the concrete type from a static registry.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/codewandler/sequent/internal/reflector"
)

var (
	ErrUnknownType = errors.New("unknown type")
	ErrEmptyTag    = errors.New("empty type tag")
)

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// Tagged lets a type choose its own tag instead of the Go type name.
type Tagged interface {
	Tag() string
}

// TagOf returns the tag of v.
func TagOf(v any) string {
	if t, ok := v.(Tagged); ok {
		return t.Tag()
	}
	return reflector.NameOf(v)
}

// TagFor returns the tag of T.
func TagFor[T any]() string {
	return TagOf(new(T))
}

// Registry maps tags to constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]func() any
	codec Codec
}

type RegistryOption func(*Registry)

// WithCodec replaces the default JSONCodec.
func WithCodec(c Codec) RegistryOption {
	return func(r *Registry) { r.codec = c }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{ctors: map[string]func() any{}, codec: JSONCodec{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Register(tag string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[tag] = ctor
}

// Register adds *T to r and returns its tag.
func Register[T any](r *Registry) string {
	tag := TagFor[T]()
	r.Register(tag, func() any { return new(T) })
	return tag
}

func (r *Registry) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[tag]
	return ok
}

// Tags lists all registered tags, sorted.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for t := range r.ctors {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Encode marshals v. The type does not need to be registered.
func (r *Registry) Encode(v any) (tag string, data []byte, err error) {
	tag = TagOf(v)
	if tag == "" || tag == "." {
		return "", nil, ErrEmptyTag
	}
	data, err = r.codec.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", tag, err)
	}
	return tag, data, nil
}

// Decode builds a fresh value for tag and unmarshals data into it.
func (r *Registry) Decode(tag string, data []byte) (any, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, tag)
	}
	v := ctor()
	if len(data) > 0 {
		if err := r.codec.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", tag, err)
		}
	}
	return v, nil
}
