package parley

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RussellLuo/timingwheel"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
)

// defaultPoolSize bounds how many concurrent handler invocations a single
// Scheduler will run at once. Actors are expected to be numerous and
// individually light, so this is generous rather than tight.
const defaultPoolSize = 1 << 12

// sharedWheel backs [AfterFunc], and through it every call timeout a
// WaitingManager arms. A timing wheel amortizes
// timer bookkeeping across however many actors and in-flight calls a test
// spins up, which a fresh time.Timer per call does not.
var sharedWheel = func() *timingwheel.TimingWheel {
	tw := timingwheel.NewTimingWheel(10*time.Millisecond, 3600)
	tw.Start()
	return tw
}()

// Scheduler is the cooperative task domain an [Actor] runs its handlers in.
// Where the harness this package imitates ran each actor as a green thread
// with its own run queue, here an actor's "cooperative tasks" are ordinary
// goroutines confined to a bounded [ants.Pool]; Go's runtime already
// multiplexes goroutines onto a fixed number of OS threads, so a second
// micro-scheduler on top would only duplicate what's already there. What
// the Scheduler actually contributes is the bounded pool (so a pathological
// actor can't spawn unbounded goroutines), completion tracking for Wait,
// and an ambient handle reachable from any handler via
// [SchedulerFromContext].
type Scheduler struct {
	pool *ants.Pool
	wg   sync.WaitGroup

	panics atomic.Uint64
}

// NewScheduler constructs a Scheduler with a pool sized for a single actor's
// workload.
func NewScheduler() (*Scheduler, error) {
	pool, err := ants.NewPool(defaultPoolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, errors.Wrap(err, "parley: creating scheduler pool")
	}
	return &Scheduler{pool: pool}, nil
}

// Go submits fn to run as a cooperative task confined to the pool. It
// returns an error only if the pool has been released or is saturated
// beyond its blocking queue. A panic inside fn is counted and re-raised
// rather than swallowed, so a bug that escapes a Handler's own recovery
// still surfaces instead of vanishing inside a pool worker.
func (s *Scheduler) Go(fn func()) error {
	s.wg.Add(1)
	err := s.pool.Submit(func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.panics.Add(1)
				panic(r)
			}
		}()
		fn()
	})
	if err != nil {
		s.wg.Done()
	}
	return err
}

// Wait blocks until every task submitted through Go has returned.
func (s *Scheduler) Wait() error {
	s.wg.Wait()
	return nil
}

// Release frees the Scheduler's pool. Callers must have already waited for
// outstanding tasks.
func (s *Scheduler) Release() {
	s.pool.Release()
}

// PanicCount reports how many submitted tasks panicked over the Scheduler's
// lifetime.
func (s *Scheduler) PanicCount() uint64 {
	return s.panics.Load()
}

// AfterFunc schedules f to run after d elapses, using the package-wide
// timer wheel. The returned Timer's Stop cancels the pending callback.
func AfterFunc(d time.Duration, f func()) *timingwheel.Timer {
	return sharedWheel.AfterFunc(d, f)
}

type schedulerContextKey struct{}

// WithScheduler returns a copy of ctx carrying sch as the ambient
// scheduler, recoverable with [SchedulerFromContext]. A Handler invoked by
// a ServerLoop always receives a context built this way.
func WithScheduler(ctx context.Context, sch *Scheduler) context.Context {
	return context.WithValue(ctx, schedulerContextKey{}, sch)
}

// SchedulerFromContext returns the Scheduler associated with ctx, or nil if
// none was attached. This is the substitute for the thread-local "current
// scheduler" pointer a green-thread implementation would keep: Go has no
// such per-goroutine storage, so the ambient value travels explicitly on
// the context instead, the same way [ContextPeer] works for a chirp Peer.
func SchedulerFromContext(ctx context.Context) *Scheduler {
	if v := ctx.Value(schedulerContextKey{}); v != nil {
		return v.(*Scheduler)
	}
	return nil
}
