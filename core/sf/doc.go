// Package sf is a typed wrapper around golang.org/x/sync/singleflight.
//
// Concurrent cache misses for the same aggregate collapse into one store
// read:
//
//	streams, _, err := loads.Do(aggID, func() ([]*es.EventStream, error) {
//	    return store.GetAll(ctx, aggType, aggID, 1, es.MaxVersion)
//	})
package sf
