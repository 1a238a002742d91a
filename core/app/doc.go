// Package app assembles a complete sequent engine: the command pipeline
// (command consumer, per-aggregate processor, handler, committer, event
// publisher) plus event and application-message processors, all on one
// broker and one set of stores.
//
// # Basic Usage
//
//	regs := ... // command, event and aggregate registries of the domain
//	engine, err := app.New(app.Config{
//	    Engine:     config.Engine{Name: "node-1"},
//	    Broker:     app.BrokerConfig{Producer: js, Consumer: js},
//	    Store:      app.StoreConfig{Events: pg, Versions: redis},
//	    Registries: regs,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// read models
//	projections := consumer.NewRegistry()
//	consumer.Handle(projections, "titles", onNoteCreated)
//	engine.HandleEvents("titles", projections)
//
//	if err := engine.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	res, err := engine.Execute(ctx, CreateNote{...})
//
//	// graceful shutdown
//	engine.Shutdown(ctx)
//
// Without a broker or stores the engine runs on an in-memory broker and
// in-memory stores, which is what tests and the load test use.
//
// # Multiple Nodes
//
// All nodes must use the same topic names, partition count and seed.
// Commands are partitioned by aggregate id and consumed in one group
// (config.Engine.Group) shared by all nodes. Two nodes handling commands of
// the same aggregate are safe: the commit conflict protocol retries the
// loser. Event processors of the same name form one consumer group across
// nodes and share the work.
package app
