package cache

// Cache is an untyped, concurrency safe key-value cache.
type Cache interface {
	Get(key string) (any, bool)
	Put(key string, val any)
	Delete(key string)
}

// TypedCache is a type-safe view on a Cache.
type TypedCache[T any] interface {
	Get(key string) (T, bool)
	Put(key string, val T)
	Delete(key string)
}

type typedCache[T any] struct {
	c Cache
}

// NewTyped wraps c. Entries of a different type read as misses.
func NewTyped[T any](c Cache) TypedCache[T] { return &typedCache[T]{c: c} }

func (t *typedCache[T]) Get(key string) (out T, ok bool) {
	v, ok := t.c.Get(key)
	if !ok {
		return out, false
	}
	out, ok = v.(T)
	return out, ok
}

func (t *typedCache[T]) Put(key string, val T) { t.c.Put(key, val) }
func (t *typedCache[T]) Delete(key string)     { t.c.Delete(key) }

var _ TypedCache[any] = (*typedCache[any])(nil)
