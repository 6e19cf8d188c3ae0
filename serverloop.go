package parley

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// Handler answers one request. ctx carries the actor's ambient Scheduler,
// recoverable with [SchedulerFromContext]. A Handler that panics has its
// panic recovered into a Failed response by the ServerLoop; it does not
// need to recover its own panics.
type Handler func(ctx context.Context, req *WireRequest) ([]byte, error)

// ServerLoop is the running form of one actor: it owns a [*ServerEndpoint],
// a table of [Handler]s keyed by [MethodTag], and the sleep/filter control
// state those handlers are dispatched through. Construct one with
// [Spawn] rather than directly.
type ServerLoop struct {
	endpoint *ServerEndpoint
	handlers map[MethodTag]Handler
	sched    *Scheduler
	log      *zap.Logger
	metrics  *actorMetrics

	μ          sync.Mutex
	sleepUntil time.Time
	sleepDrop  bool
	filter     FilterCmd
}

// newServerLoop constructs a ServerLoop bound to endpoint, ready to Run.
func newServerLoop(endpoint *ServerEndpoint, handlers map[MethodTag]Handler, sched *Scheduler, log *zap.Logger) *ServerLoop {
	if log == nil {
		log = zap.NewNop()
	}
	return &ServerLoop{
		endpoint: endpoint,
		handlers: handlers,
		sched:    sched,
		log:      log.Named("serverloop").With(zap.String("actor", endpoint.id)),
		metrics:  newActorMetrics(endpoint.id),
	}
}

// Run drives the three control loops — requests, sleep commands, and
// filter commands — until the request loop observes the shutdown sentinel
// or the request channel closes out from under it. Run blocks until all
// three loops have exited and every dispatched handler has returned.
// Grounded on chirp's Peer.Start, which supervises its one receive loop
// the same way.
func (l *ServerLoop) Run() {
	g := taskgroup.New(nil)
	g.Go(func() error { l.runSleep(); return nil })
	g.Go(func() error { l.runFilter(); return nil })
	g.Go(func() error { l.runRequests(); return nil })
	g.Wait()

	if err := l.sched.Wait(); err != nil {
		l.log.Error("handler tasks reported an error", zap.Error(err))
	}
}

// runSleep applies incoming sleep commands to the shared control state
// until the sleep channel closes.
func (l *ServerLoop) runSleep() {
	for {
		cmd, err := l.endpoint.Sleep.Receive()
		if err != nil {
			return
		}
		l.μ.Lock()
		l.sleepUntil = time.Now().Add(cmd.Duration)
		l.sleepDrop = cmd.Drop
		l.μ.Unlock()
		l.log.Debug("sleep window installed", zap.Duration("duration", cmd.Duration), zap.Bool("drop", cmd.Drop))
		l.metrics.sleeps.Add(1)
	}
}

// runFilter applies incoming filter commands to the shared control state
// until the filter channel closes.
func (l *ServerLoop) runFilter() {
	for {
		cmd, err := l.endpoint.Filter.Receive()
		if err != nil {
			return
		}
		l.μ.Lock()
		l.filter = cmd
		l.μ.Unlock()
		if cmd.Empty() {
			l.log.Debug("filter cleared")
		} else {
			l.log.Debug("filter installed", zap.String("method", string(cmd.Method)))
		}
		l.metrics.filterChanges.Add(1)
	}
}

// currentSleep reads the sleep window under lock.
func (l *ServerLoop) currentSleep() (until time.Time, drop bool) {
	l.μ.Lock()
	defer l.μ.Unlock()
	return l.sleepUntil, l.sleepDrop
}

// currentFilter reads the active filter under lock.
func (l *ServerLoop) currentFilter() FilterCmd {
	l.μ.Lock()
	defer l.μ.Unlock()
	return l.filter
}

// runRequests is the main intake loop. It never blocks waiting for a
// single request to resolve: a request that lands inside a sleep window
// is hived off to its own cooperative task by deferRequest, so this loop
// keeps pulling from the request channel — and will observe the shutdown
// sentinel promptly — regardless of how long some other request's wait
// turns out to be. Requests that don't land in a sleep window still
// dispatch, and therefore still complete, out of arrival order once their
// handlers fan out onto the Scheduler.
func (l *ServerLoop) runRequests() {
	for {
		req, err := l.endpoint.Req.Receive()
		if err != nil {
			return
		}
		l.metrics.requests.Add(1)

		if req.Method == ReservedShutdownTag {
			l.log.Info("shutdown sentinel received")
			return
		}

		until, drop := l.currentSleep()
		if wait := time.Until(until); wait > 0 {
			if drop {
				l.log.Debug("dropping request during sleep window", zap.Uint64("id", req.ID))
				l.metrics.dropped.Add(1)
				continue
			}
			l.deferRequest(req)
			continue
		}

		l.dispatchFiltered(req)
	}
}

// deferRequest spawns a cooperative Scheduler task that polls the sleep
// window every millisecond until it lifts, then applies the filter and
// dispatches req. Polling instead of blocking runRequests on one timer
// keeps later requests, and in particular the shutdown sentinel, flowing
// through intake while this request waits; re-reading the window on every
// tick also means a window extended mid-wait is honored, rather than
// dispatching against the stale snapshot that was current when the wait
// began.
func (l *ServerLoop) deferRequest(req Request) {
	err := l.sched.Go(func() {
		for {
			until, drop := l.currentSleep()
			wait := time.Until(until)
			if wait <= 0 {
				break
			}
			if drop {
				l.log.Debug("dropping deferred request, sleep window switched to drop", zap.Uint64("id", req.ID))
				l.metrics.dropped.Add(1)
				return
			}
			time.Sleep(min(wait, time.Millisecond))
		}
		l.dispatchFiltered(req)
	})
	if err != nil {
		l.log.Error("failed to schedule deferred request", zap.Error(err), zap.Uint64("id", req.ID))
		l.reply(req, Response{
			Status: StatusFailed,
			ID:     req.ID,
			Data:   ErrorData{Message: err.Error()}.Encode(),
		})
	}
}

// dispatchFiltered applies the active filter to req, if any, short-
// circuiting to a synthetic Failed response on a match; otherwise it hands
// req to dispatch.
func (l *ServerLoop) dispatchFiltered(req Request) {
	if f := l.currentFilter(); !f.Empty() && f.Method == req.Method {
		l.metrics.filtered.Add(1)
		l.reply(req, Response{
			Status: StatusFailed,
			ID:     req.ID,
			Data:   ErrorData{Message: fmt.Sprintf("Filtered method %q", f.Pretty)}.Encode(),
		})
		return
	}
	l.dispatch(req)
}

// dispatch looks up req's handler and runs it on the Scheduler. An unknown
// method tag is a programmer error in how the actor was wired, not a
// client mistake, and is reported by letting the dispatch goroutine panic
// unrecovered rather than synthesizing a response.
func (l *ServerLoop) dispatch(req Request) {
	handler, ok := l.handlers[req.Method]
	if !ok {
		panic(fmt.Sprintf("parley: actor %s has no handler registered for method %q", l.endpoint.id, req.Method))
	}

	l.metrics.active.Add(1)
	err := l.sched.Go(func() {
		defer l.metrics.active.Add(-1)
		l.invoke(handler, req)
	})
	if err != nil {
		l.metrics.active.Add(-1)
		l.log.Error("failed to schedule handler", zap.Error(err), zap.Uint64("id", req.ID))
		l.reply(req, Response{
			Status: StatusFailed,
			ID:     req.ID,
			Data:   ErrorData{Message: err.Error()}.Encode(),
		})
	}
}

// invoke runs handler for req, recovering any panic into a Failed
// response, and delivers the result to req's reply route.
func (l *ServerLoop) invoke(handler Handler, req Request) {
	ctx := WithScheduler(context.Background(), l.sched)

	data, err := func() (data []byte, err error) {
		defer func() {
			if x := recover(); x != nil {
				l.metrics.panics.Add(1)
				err = fmt.Errorf("handler panicked (recovered): %v", x)
			}
		}()
		return handler(ctx, &req.WireRequest)
	}()

	resp := Response{ID: req.ID}
	switch {
	case err == nil:
		resp.Status = StatusSuccess
		resp.Data = data
	case isErrorData(err):
		resp.Status = StatusFailed
		resp.Data = asErrorData(err).Encode()
	default:
		resp.Status = StatusFailed
		resp.Data = ErrorData{Message: err.Error()}.Encode()
	}
	l.reply(req, resp)
}

// reply delivers resp to req's originating client, counting the outcome
// and swallowing the case where the client has already gone away.
func (l *ServerLoop) reply(req Request, resp Response) {
	switch resp.Status {
	case StatusSuccess:
		l.metrics.succeeded.Add(1)
	default:
		l.metrics.failed.Add(1)
	}
	if req.ReplyTo == nil {
		return
	}
	if err := req.ReplyTo.PutResponse(resp); err != nil {
		l.log.Debug("reply dropped, client gone", zap.Uint64("id", req.ID), zap.Error(err))
	}
}

// isErrorData reports whether err carries a caller-controlled ErrorData
// payload rather than a plain error string.
func isErrorData(err error) bool {
	switch err.(type) {
	case ErrorData, *ErrorData:
		return true
	default:
		return false
	}
}

// asErrorData extracts the ErrorData from err; isErrorData(err) must be true.
func asErrorData(err error) ErrorData {
	switch e := err.(type) {
	case ErrorData:
		return e
	case *ErrorData:
		return *e
	default:
		panic("parley: asErrorData called on non-ErrorData error")
	}
}
