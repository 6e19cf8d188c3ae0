package parley

import "expvar"

// actorMetrics record one actor's activity counters, exported under its
// own id in the shared [Metrics] map.
type actorMetrics struct {
	requests      expvar.Int // requests received, including the shutdown sentinel
	succeeded     expvar.Int // responses sent with StatusSuccess
	failed        expvar.Int // responses sent with StatusFailed
	dropped       expvar.Int // requests discarded by a drop-sleep window
	filtered      expvar.Int // requests short-circuited by an active filter
	active        expvar.Int // handler invocations currently running
	panics        expvar.Int // handler panics recovered into a Failed response
	sleeps        expvar.Int // sleep commands applied
	filterChanges expvar.Int // filter commands applied, including clears

	emap *expvar.Map
}

func newActorMetrics(id string) *actorMetrics {
	am := &actorMetrics{emap: new(expvar.Map)}
	am.emap.Set("requests", &am.requests)
	am.emap.Set("succeeded", &am.succeeded)
	am.emap.Set("failed", &am.failed)
	am.emap.Set("dropped", &am.dropped)
	am.emap.Set("filtered", &am.filtered)
	am.emap.Set("active", &am.active)
	am.emap.Set("panics", &am.panics)
	am.emap.Set("sleeps", &am.sleeps)
	am.emap.Set("filter_changes", &am.filterChanges)
	rootMetrics.actors.Set(id, am.emap)
	return am
}

// rootMetrics collects every actor's metrics under one expvar.Map, keyed
// by actor id, plus harness-wide counters that aren't specific to any one
// actor.
var rootMetrics = newHarnessMetrics()

type harnessMetrics struct {
	actors    expvar.Map // id -> *expvar.Map of actorMetrics
	callsOut  expvar.Int // calls initiated by any ClientStub
	callsFail expvar.Int // calls that resolved to an error, including timeouts
	timeouts  expvar.Int // calls that resolved specifically to a timeout

	top *expvar.Map
}

func newHarnessMetrics() *harnessMetrics {
	hm := &harnessMetrics{top: new(expvar.Map)}
	hm.actors.Init()
	hm.top.Set("actors", &hm.actors)
	hm.top.Set("calls_out", &hm.callsOut)
	hm.top.Set("calls_out_failed", &hm.callsFail)
	hm.top.Set("calls_out_timeout", &hm.timeouts)
	return hm
}

// Metrics returns the harness-wide expvar.Map. Every actor spawned in this
// process publishes its own counters under "actors" keyed by its id; a
// caller may add further entries to the returned map without disturbing
// those.
func Metrics() *expvar.Map {
	return rootMetrics.top
}
