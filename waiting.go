package parley

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RussellLuo/timingwheel"
)

// waiter is the bookkeeping WaitingManager keeps for one outstanding call.
type waiter struct {
	done  chan Response
	timer *timingwheel.Timer
}

// WaitingManager correlates outbound requests with their eventual
// responses by request ID, on behalf of one [ClientStub]. Each ClientStub
// owns exactly one WaitingManager; nothing about it is shared across
// stubs, so ids only need to be unique within one manager's lifetime.
type WaitingManager struct {
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*waiter
}

// NewWaitingManager constructs an empty WaitingManager.
func NewWaitingManager() *WaitingManager {
	return &WaitingManager{pending: make(map[uint64]*waiter)}
}

// AllocID returns a fresh request ID, unique for the life of this manager.
// Unlike a call-table keyed allocator that resets once the table empties,
// this counter is monotonic for as long as the manager exists, so an ID
// can never be reused even after its call has completed and been reaped.
func (w *WaitingManager) AllocID() uint64 {
	return w.nextID.Add(1)
}

// register installs a waiter for id and returns it immediately, before any
// request naming id has been sent. Callers must register before handing
// the request to its ServerEndpoint, closing the window in which a
// response could arrive before anything is listening for it. Registering
// an id that already has a waiter is a programmer error and panics.
func (w *WaitingManager) register(id uint64) *waiter {
	wt := &waiter{done: make(chan Response, 1)}
	w.mu.Lock()
	if _, dup := w.pending[id]; dup {
		w.mu.Unlock()
		panic(fmt.Sprintf("parley: request id %d already has a parked waiter", id))
	}
	w.pending[id] = wt
	w.mu.Unlock()
	return wt
}

// awaitResponse blocks until either a response for wt's call arrives, or
// timeout elapses, whichever comes first. A timeout of zero means wait
// indefinitely — no timer is armed, since the shared timer wheel treats an
// already-elapsed duration as due immediately rather than never. On a
// timeout it returns a locally synthesized StatusTimeout response together
// with a *TimeoutError, and the caller's id is unregistered so a late
// response is discarded by Deliver.
func (w *WaitingManager) awaitResponse(id uint64, wt *waiter, timeout time.Duration) (Response, error) {
	if timeout <= 0 {
		return <-wt.done, nil
	}

	timedOut := make(chan struct{})
	wt.timer = AfterFunc(timeout, func() { close(timedOut) })
	defer wt.timer.Stop()

	select {
	case resp := <-wt.done:
		return resp, nil
	case <-timedOut:
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		// A response may have raced the timer and already been queued on
		// wt.done between the timer firing and the lock above; prefer it
		// over reporting a spurious timeout.
		select {
		case resp := <-wt.done:
			return resp, nil
		default:
			return Response{Status: StatusTimeout, ID: id}, &TimeoutError{ID: id}
		}
	}
}

// Deliver routes resp to the waiter registered for resp.ID, if any. An
// unknown ID — a response for a call that has already timed out and been
// reaped, or a forged ID — is discarded silently, the same way a stale
// response on a real wire would be.
func (w *WaitingManager) Deliver(resp Response) {
	w.mu.Lock()
	wt, ok := w.pending[resp.ID]
	if ok {
		delete(w.pending, resp.ID)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	wt.done <- resp
}

// cancel removes the waiter registered for id without delivering a
// response, for when a request could never be sent in the first place.
func (w *WaitingManager) cancel(id uint64) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

// Exists reports whether id currently has a registered waiter.
func (w *WaitingManager) Exists(id uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pending[id]
	return ok
}

// Len reports how many calls are currently outstanding.
func (w *WaitingManager) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Close reports every outstanding waiter as failed with cause and empties
// the manager. It is called when a ClientStub is closed with calls still
// in flight.
func (w *WaitingManager) Close(cause error) {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[uint64]*waiter)
	w.mu.Unlock()

	for id, wt := range pending {
		if wt.timer != nil {
			wt.timer.Stop()
		}
		wt.done <- Response{Status: StatusFailed, ID: id, Data: ErrorData{Message: cause.Error()}.Encode()}
	}
}
