// Package cache provides small in-process caches behind a common interface.
//
// [Memory] keeps entries in access order and evicts those idle for longer
// than the configured expiration, either lazily on access, from a periodic
// background sweep, or when an optional capacity bound is exceeded.
//
//	c := cache.NewMemory(cache.MemoryOpts{
//	    Expiration:    time.Minute,
//	    SweepInterval: 10 * time.Second,
//	})
//	defer c.Close()
//
// [NewTyped] adds compile-time typing on top of any [Cache]; [Nop] disables
// caching without touching call sites.
package cache
