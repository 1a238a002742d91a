// Package reflector resolves stable, fully qualified type names for Go types.
// The names are used as envelope tags and registry keys, so they must not
// change between processes that share a broker or a store.
package reflector

import (
	"reflect"
	"sync"
)

var (
	muCache sync.RWMutex
	cache   = make(map[reflect.Type]TypeInfo)
)

// TypeInfo holds the resolved name of a type.
type TypeInfo struct {
	Name string       // "pkg/path.TypeName"
	Type reflect.Type // element type for pointers
}

// TypeInfoOf returns the TypeInfo for the dynamic type of x.
func TypeInfoOf(x any) TypeInfo {
	return TypeInfoForType(reflect.TypeOf(x))
}

// TypeInfoFor returns the TypeInfo for T.
func TypeInfoFor[T any]() TypeInfo {
	return TypeInfoForType(reflect.TypeFor[T]())
}

// NameOf is a shortcut for TypeInfoOf(x).Name.
func NameOf(x any) string { return TypeInfoOf(x).Name }

// NameFor is a shortcut for TypeInfoFor[T]().Name.
func NameFor[T any]() string { return TypeInfoFor[T]().Name }

// TypeInfoForType resolves t. Pointer types resolve to their element type so
// that T and *T share one name. Results are cached.
func TypeInfoForType(t reflect.Type) TypeInfo {
	if t == nil {
		return TypeInfo{}
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	muCache.RLock()
	ti, ok := cache[t]
	muCache.RUnlock()
	if ok {
		return ti
	}

	ti = TypeInfo{Name: t.PkgPath() + "." + t.Name(), Type: t}

	muCache.Lock()
	cache[t] = ti
	muCache.Unlock()
	return ti
}
