// Package es holds the event-sourcing model: aggregates, events, event
// streams, and the contracts and in-memory implementations of the stores
// that persist them.
//
// # Aggregates
//
// An aggregate embeds [BaseAggregateRoot] and implements Apply as a type
// switch over its events. New events go through [ApplyEvent], which stamps
// them with the aggregate id and the next version and buffers them until
// [CommitEvents] confirms they were persisted. [ReplayEvents] rebuilds state
// from history.
//
//	type Note struct {
//	    es.BaseAggregateRoot
//	    Title string
//	}
//
//	func (n *Note) Rename(title string) error {
//	    return es.ApplyEvent(n, &NoteRenamed{Title: title})
//	}
//
// One command produces at most one event of each type; all of them form a
// single [EventStream] with one version.
//
// # Stores
//
// [EventStore] persists streams and enforces uniqueness of (aggregate id,
// version) and (aggregate id, command id); a Save reports which of the two
// was violated through [AppendResult]. [VersionStore] records how far a
// consumer got per aggregate using compare-and-set. [InMemoryEventStore]
// and [KVVersionStore] are the in-process implementations; adapters
// provide SQLite, Postgres, Redis and NATS variants.
//
// # Loading
//
// [Repository] rebuilds aggregates from the store. [AggregateCache] keeps
// recently used aggregates in memory, evicting them once idle.
package es
