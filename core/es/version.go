package es

import (
	"log/slog"
	"math"
)

// Version is the position of an event stream within its aggregate.
// The first stream of an aggregate has version 1; a freshly created
// aggregate that has not committed anything is at version 0.
type Version uint64

// MaxVersion is the open upper bound for range queries.
const MaxVersion = Version(math.MaxUint64)

func (v Version) Uint64() uint64                         { return uint64(v) }
func (v Version) Next() Version                          { return v + 1 }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Uint64(key, uint64(v)) }
