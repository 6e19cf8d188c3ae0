package parley

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// Actor is one spawned, running service instance: a [*ServerEndpoint] other
// code can address, paired with the goroutine driving its [*ServerLoop].
type Actor struct {
	Endpoint *ServerEndpoint

	loop *ServerLoop
	sch  *Scheduler
	done chan struct{}
}

var actorSeq atomic.Uint64

// Spawn starts a new actor backed by handlers, keyed by method tag. It
// returns immediately; the actor runs on its own goroutine until
// [Shutdown] is called on its endpoint. log may be nil, in which case the
// actor logs nothing.
func Spawn(handlers map[MethodTag]Handler, log *zap.Logger) (*Actor, error) {
	if _, ok := handlers[ReservedShutdownTag]; ok {
		return nil, fmt.Errorf("parley: %q is a reserved method tag and may not be registered", ReservedShutdownTag)
	}

	id := fmt.Sprintf("actor-%d", actorSeq.Add(1))
	endpoint := newServerEndpoint(id)

	sch, err := NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("parley: spawning actor: %w", err)
	}

	loop := newServerLoop(endpoint, handlers, sch, log)
	a := &Actor{
		Endpoint: endpoint,
		loop:     loop,
		sch:      sch,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(a.done)
		defer sch.Release()
		loop.Run()
	}()
	return a, nil
}

// Wait blocks until the actor has fully shut down: its request loop has
// observed the shutdown sentinel (or its channels were closed out from
// under it) and every dispatched handler has returned.
func (a *Actor) Wait() {
	<-a.done
}

// Metrics returns the actor's own metrics map, the same one published
// under its id in [Metrics].
func (a *Actor) Metrics() *actorMetrics { return a.loop.metrics }
