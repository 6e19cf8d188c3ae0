// Package parley implements a local actor/RPC test harness.
//
// parley lets a test program describe a service as a Go interface, spin up
// many independent implementations of it as in-process actors — each on its
// own goroutine, each running its own single-threaded task domain — and call
// them as if they were remote peers. A control plane layered on top lets a
// test force a given actor to sleep, drop requests, or fail a specific
// method on demand, to rehearse latency, outage, and partial failure without
// any real socket.
//
// # Actors
//
// The core type is [Actor]. [Spawn] starts a new actor on its own goroutine,
// constructing it from a table of [Handler] functions keyed by [MethodTag]:
//
//	actor, err := parley.Spawn(handlers, logger)
//
// The actor runs until [Shutdown] is called on its endpoint, or its three
// control channels are closed from outside. Use [Actor.Wait] to block until
// it exits.
//
// # Calls
//
// A [ClientStub] is the caller-side façade for one client identity. It
// correlates outbound requests to inbound responses by id, independent of
// any other ClientStub:
//
//	client := parley.NewClientStub()
//	defer client.Close()
//
//	data, err := client.Call(actor.Endpoint, "do-a-thing", argBytes, 2*time.Second)
//
// Errors returned by Call have concrete type [*CallError], except for a
// timeout, which has concrete type [*TimeoutError].
//
// # Control plane
//
// [Sleep], [Filter], [ClearFilter], and [Shutdown] act on a [*ServerEndpoint]
// from any goroutine, and are themselves ordinary messages delivered through
// the actor's sleep and filter channels (and, for Shutdown, its request
// channel):
//
//	parley.Sleep(actor.Endpoint, 250*time.Millisecond, false) // defer
//	parley.Sleep(actor.Endpoint, 250*time.Millisecond, true)  // drop
//	parley.Filter(actor.Endpoint, "flaky-method", "FlakyMethod")
//	parley.ClearFilter(actor.Endpoint)
//	parley.Shutdown(actor.Endpoint)
//
// # Metrics
//
// Actors maintain a shared collection of metrics exported via [Metrics], an
// [expvar.Map]. It is safe for a caller to add additional entries to the map.
package parley
