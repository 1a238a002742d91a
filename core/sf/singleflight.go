package sf

import "golang.org/x/sync/singleflight"

// Singleflight deduplicates concurrent calls with the same key.
type Singleflight[T any] struct {
	group singleflight.Group
}

// Do executes fn for key unless a call for key is already in flight, in
// which case it waits for that call and returns its result. The result is
// shared, so callers must treat it as read-only.
func (s *Singleflight[T]) Do(key string, fn func() (T, error)) (out T, shared bool, err error) {
	v, err, shared := s.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return out, shared, err
	}
	return v.(T), shared, nil
}

// Forget drops an in-flight key so the next Do starts a fresh call.
func (s *Singleflight[T]) Forget(key string) { s.group.Forget(key) }

func New[T any]() *Singleflight[T] {
	return &Singleflight[T]{}
}
