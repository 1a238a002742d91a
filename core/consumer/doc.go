// Package consumer is the read side of the runtime: it applies published
// event streams to handlers, and runs application messages.
//
// An [EventProcessor] keeps one [ProcessingEventQueue] per aggregate id.
// Streams may arrive out of order and more than once; the queue applies
// them strictly by version. A stream whose version directly follows the
// last recorded one is handed to every registered handler of each of its
// events, then its version is recorded in the [es.VersionStore] and the
// delivery committed. Later versions wait for their predecessor, earlier
// ones are acknowledged without being handled again. A failing handler
// rejects the delivery, so the broker hands the stream out again.
//
//	reg := consumer.NewRegistry()
//	consumer.Handle(reg, "titles", func(ctx context.Context, e *NoteRenamed) error {
//	    return titles.Put(ctx, e.AggregateRootID, e.Title)
//	})
//	p := consumer.NewEventProcessor("titles", reg, versions)
//	c := consumer.NewDomainEventConsumer(broker, topics.All(), events, p, log)
//
// Application messages take the same route without versions: a
// [MessageProcessor] handles the messages of one routing key one at a
// time, in arrival order.
package consumer
