// Package cqrs is the command side of the runtime.
//
// Commands reach a [CommandProcessor], which keeps one
// [ProcessingCommandQueue] per aggregate id. Each queue hands its commands,
// strictly one at a time and in arrival order, to a [CommandDispatcher],
// normally the [CommandHandler]. The handler runs the registered handler
// function inside a [CommandContext], collects the uncommitted events of the
// one aggregate it changed into an [es.EventStream] and passes it to the
// [EventCommitter].
//
// The committer appends the stream and interprets the store's answer:
//
//   - Success: the aggregate is committed and cached, the stream is
//     published and the command acknowledged.
//   - DuplicatedCommand: the command was persisted before. The stored
//     stream is published again and the command acknowledged.
//   - DuplicatedEvent on version 1: either a repeated creation by the same
//     command (treated like a duplicated command) or a creation race with a
//     different command (the command fails).
//   - DuplicatedEvent on a later version: the cached aggregate was stale.
//     It is rebuilt and the command runs again, up to MaxConflictRetries.
//   - Failed: the command is rejected so the broker redelivers it.
//
// Registering handlers:
//
//	reg := cqrs.NewRegistry()
//	cqrs.Handle(reg, func(cc *cqrs.CommandContext, c RenameNote) error {
//	    n, err := cqrs.Load[*Note](cc, "note", c.AggregateRootID())
//	    if err != nil {
//	        return err
//	    }
//	    return es.ApplyEvent(n, &NoteRenamed{Title: c.Title})
//	})
package cqrs
