package parley

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func echoHandlers() map[MethodTag]Handler {
	return map[MethodTag]Handler{
		"echo": func(_ context.Context, req *WireRequest) ([]byte, error) {
			return req.Args, nil
		},
	}
}

func spawnEcho(t *testing.T) *Actor {
	t.Helper()
	a, err := Spawn(echoHandlers(), nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() {
		Shutdown(a.Endpoint)
		a.Wait()
	})
	return a
}

// TestCallRoundTrip covers spec property #1: a call's response data
// matches what the handler returned.
func TestCallRoundTrip(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after spawnEcho's shutdown cleanup

	a := spawnEcho(t)
	c := NewClientStub()
	defer c.Close()

	got, err := c.Call(a.Endpoint, "echo", []byte("hello"), time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if diff := cmp.Diff([]byte("hello"), got); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
}

// TestHandlerConcurrency covers spec property #2: independent calls to a
// single actor run concurrently rather than serializing behind each other.
func TestHandlerConcurrency(t *testing.T) {
	defer leaktest.Check(t)()

	release := make(chan struct{})
	var inFlight atomic.Int32
	var maxInFlight atomic.Int32

	handlers := map[MethodTag]Handler{
		"block": func(_ context.Context, _ *WireRequest) ([]byte, error) {
			n := inFlight.Add(1)
			for {
				old := maxInFlight.Load()
				if n <= old || maxInFlight.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return nil, nil
		},
	}
	a, err := Spawn(handlers, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer func() { Shutdown(a.Endpoint); a.Wait() }()

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewClientStub()
			defer c.Close()
			if _, err := c.Call(a.Endpoint, "block", nil, 5*time.Second); err != nil {
				t.Errorf("Call: %v", err)
			}
		}()
	}

	deadline := time.After(2 * time.Second)
	for maxInFlight.Load() < n {
		select {
		case <-deadline:
			t.Fatalf("only %d calls ever ran concurrently, want %d", maxInFlight.Load(), n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(release)
	wg.Wait()
}

// TestSleepDefersRequests covers spec property #3: a non-drop sleep window
// delays responses but still answers every request once it ends.
func TestSleepDefersRequests(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after spawnEcho's shutdown cleanup

	a := spawnEcho(t)
	if err := Sleep(a.Endpoint, 150*time.Millisecond, false); err != nil {
		t.Fatalf("Sleep: %v", err)
	}

	c := NewClientStub()
	defer c.Close()

	start := time.Now()
	got, err := c.Call(a.Endpoint, "echo", []byte("x"), 2*time.Second)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(got) != "x" {
		t.Fatalf("got %q, want %q", got, "x")
	}
	if elapsed < 100*time.Millisecond {
		t.Fatalf("call returned after %v, expected it to wait out the sleep window", elapsed)
	}
}

// TestSleepDropsRequests covers spec property #4: a drop sleep window
// discards matching requests, and the caller observes a timeout, not an
// error response.
func TestSleepDropsRequests(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after spawnEcho's shutdown cleanup

	a := spawnEcho(t)
	if err := Sleep(a.Endpoint, 5*time.Second, true); err != nil {
		t.Fatalf("Sleep: %v", err)
	}

	c := NewClientStub()
	defer c.Close()

	_, err := c.Call(a.Endpoint, "echo", []byte("x"), 100*time.Millisecond)
	if err == nil {
		t.Fatal("Call: expected a timeout, got nil error")
	}
	var timeoutErr *TimeoutError
	if !asTimeoutError(err, &timeoutErr) {
		t.Fatalf("Call: got %v (%T), want *TimeoutError", err, err)
	}
}

func asTimeoutError(err error, out **TimeoutError) bool {
	if te, ok := err.(*TimeoutError); ok {
		*out = te
		return true
	}
	return false
}

// TestFilterShortCircuitsMethod covers spec property #5: an active filter
// fails only its targeted method, leaving others unaffected, until cleared.
func TestFilterShortCircuitsMethod(t *testing.T) {
	defer leaktest.Check(t)()

	handlers := map[MethodTag]Handler{
		"echo": func(_ context.Context, req *WireRequest) ([]byte, error) { return req.Args, nil },
		"other": func(_ context.Context, req *WireRequest) ([]byte, error) { return req.Args, nil },
	}
	a, err := Spawn(handlers, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer func() { Shutdown(a.Endpoint); a.Wait() }()

	if err := Filter(a.Endpoint, "echo", "simulated outage"); err != nil {
		t.Fatalf("Filter: %v", err)
	}

	c := NewClientStub()
	defer c.Close()

	if _, err := c.Call(a.Endpoint, "echo", nil, time.Second); err == nil {
		t.Fatal("Call(echo): expected a filtered failure, got nil")
	} else if ce, ok := err.(*CallError); !ok {
		t.Fatalf("Call(echo): got %v (%T), want *CallError", err, err)
	} else if want := `Filtered method "simulated outage"`; ce.Message != want {
		t.Fatalf("Call(echo): got message %q, want %q", ce.Message, want)
	}

	if got, err := c.Call(a.Endpoint, "other", []byte("ok"), time.Second); err != nil {
		t.Fatalf("Call(other): %v", err)
	} else if string(got) != "ok" {
		t.Fatalf("Call(other): got %q, want %q", got, "ok")
	}

	if err := ClearFilter(a.Endpoint); err != nil {
		t.Fatalf("ClearFilter: %v", err)
	}
	if got, err := c.Call(a.Endpoint, "echo", []byte("back"), time.Second); err != nil {
		t.Fatalf("Call(echo) after clear: %v", err)
	} else if string(got) != "back" {
		t.Fatalf("Call(echo) after clear: got %q, want %q", got, "back")
	}
}

// TestRequestIDsAreUniqueAndMonotonic covers spec property #6.
func TestRequestIDsAreUniqueAndMonotonic(t *testing.T) {
	wm := NewWaitingManager()
	seen := make(map[uint64]bool)
	var last uint64
	for i := 0; i < 1000; i++ {
		id := wm.AllocID()
		if seen[id] {
			t.Fatalf("id %d allocated twice", id)
		}
		seen[id] = true
		if id <= last {
			t.Fatalf("id %d did not increase past previous id %d", id, last)
		}
		last = id
	}
}

// TestCallTimeoutIsBounded covers spec property #7: a call to an actor
// that never responds fails close to its requested timeout, not much
// later.
func TestCallTimeoutIsBounded(t *testing.T) {
	defer leaktest.Check(t)()

	block := make(chan struct{})
	handlers := map[MethodTag]Handler{
		"stall": func(_ context.Context, _ *WireRequest) ([]byte, error) {
			<-block
			return nil, nil
		},
	}
	a, err := Spawn(handlers, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer func() {
		close(block)
		Shutdown(a.Endpoint)
		a.Wait()
	}()

	c := NewClientStub()
	defer c.Close()

	start := time.Now()
	_, err = c.Call(a.Endpoint, "stall", nil, 100*time.Millisecond)
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("Call: expected timeout error, got nil")
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("Call: took %v to time out, want close to 100ms", elapsed)
	}
}

// TestShutdownExitsPromptly covers spec property #8: after a completed
// call, Shutdown makes the actor exit within a bounded time.
func TestShutdownExitsPromptly(t *testing.T) {
	defer leaktest.Check(t)()

	a := spawnEcho(t)
	c := NewClientStub()
	defer c.Close()

	got, err := c.Call(a.Endpoint, "echo", []byte("last"), time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(got) != "last" {
		t.Fatalf("got %q, want %q", got, "last")
	}

	if err := Shutdown(a.Endpoint); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	done := make(chan struct{})
	go func() {
		a.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not exit after Shutdown")
	}
}

// TestUnknownMethodAbortsLoudly checks that dispatching a request for a
// method with no registered handler is a programmer error, not a graceful
// failure: it panics the dispatch goroutine rather than synthesizing a
// Failed response.
func TestUnknownMethodAbortsLoudly(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after mustScheduler's Release cleanup

	loop := newServerLoop(newServerEndpoint("t"), map[MethodTag]Handler{}, mustScheduler(t), nil)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("dispatch: expected a panic for an unregistered method, got none")
		}
	}()
	loop.dispatch(Request{WireRequest: WireRequest{ID: 1, Method: "nope"}})
}

func mustScheduler(t *testing.T) *Scheduler {
	t.Helper()
	sch, err := NewScheduler()
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	t.Cleanup(sch.Release)
	return sch
}

// TestClosedChannelDrainsBacklogBeforeReportingClosed covers spec
// property #10, exercised at the Channel level that both ServerLoop and
// ClientStub are built on.
func TestClosedChannelDrainsBacklogBeforeReportingClosed(t *testing.T) {
	defer leaktest.Check(t)()

	ch := NewChannel[int]()
	for i := 0; i < 3; i++ {
		if err := ch.Send(i); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i := 0; i < 3; i++ {
		v, err := ch.Receive()
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if v != i {
			t.Fatalf("got %d, want %d", v, i)
		}
	}
	if _, err := ch.Receive(); err != ErrClosed {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}

// TestHandlerPanicBecomesFailedResponse exercises the recovered-panic path
// distinct from the unrecovered unknown-method path above.
func TestHandlerPanicBecomesFailedResponse(t *testing.T) {
	defer leaktest.Check(t)()

	handlers := map[MethodTag]Handler{
		"boom": func(_ context.Context, _ *WireRequest) ([]byte, error) {
			panic("simulated handler failure")
		},
	}
	a, err := Spawn(handlers, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer func() { Shutdown(a.Endpoint); a.Wait() }()

	c := NewClientStub()
	defer c.Close()

	_, err = c.Call(a.Endpoint, "boom", nil, time.Second)
	if err == nil {
		t.Fatal("Call: expected an error from the panicking handler, got nil")
	}
	if _, ok := err.(*CallError); !ok {
		t.Fatalf("Call: got %v (%T), want *CallError", err, err)
	}
}

// TestErrorDataRoundTrip verifies a handler that returns ErrorData
// controls the caller-visible error code and message.
func TestErrorDataRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()

	handlers := map[MethodTag]Handler{
		"fail": func(_ context.Context, _ *WireRequest) ([]byte, error) {
			return nil, ErrorData{Code: 42, Message: "nope"}
		},
	}
	a, err := Spawn(handlers, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer func() { Shutdown(a.Endpoint); a.Wait() }()

	c := NewClientStub()
	defer c.Close()

	_, err = c.Call(a.Endpoint, "fail", nil, time.Second)
	ce, ok := err.(*CallError)
	if !ok {
		t.Fatalf("Call: got %v (%T), want *CallError", err, err)
	}
	if ce.Code != 42 || ce.Message != "nope" {
		t.Fatalf("got ErrorData{%d,%q}, want {42,nope}", ce.Code, ce.Message)
	}
}

// TestSpawnRejectsReservedMethod guards the invariant that user handler
// tables may never shadow the shutdown sentinel.
func TestSpawnRejectsReservedMethod(t *testing.T) {
	handlers := map[MethodTag]Handler{
		ReservedShutdownTag: func(_ context.Context, _ *WireRequest) ([]byte, error) { return nil, nil },
	}
	if _, err := Spawn(handlers, nil); err == nil {
		t.Fatal("Spawn: expected an error for a reserved method tag, got nil")
	}
}

// TestMultipleClientsAreIndependent confirms id spaces and in-flight calls
// of separate ClientStubs never interfere with each other.
func TestMultipleClientsAreIndependent(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after spawnEcho's shutdown cleanup

	a := spawnEcho(t)
	c1 := NewClientStub()
	defer c1.Close()
	c2 := NewClientStub()
	defer c2.Close()

	var wg sync.WaitGroup
	for i, c := range []*ClientStub{c1, c2} {
		wg.Add(1)
		go func(i int, c *ClientStub) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				payload := []byte(fmt.Sprintf("client-%d-%d", i, j))
				got, err := c.Call(a.Endpoint, "echo", payload, time.Second)
				if err != nil {
					t.Errorf("Call: %v", err)
					return
				}
				if string(got) != string(payload) {
					t.Errorf("got %q, want %q", got, payload)
					return
				}
			}
		}(i, c)
	}
	wg.Wait()
}

// TestReentrantCallCrossesBackIntoCaller checks that a handler on one actor
// can call out to a second actor whose own handler calls back into the
// first actor, all while the first actor's original request is still
// in-flight awaiting that round trip. Each call gets its own id, waiter,
// and ClientStub, so nothing about the outer call's bookkeeping blocks or
// interferes with the nested one.
func TestReentrantCallCrossesBackIntoCaller(t *testing.T) {
	t.Cleanup(leaktest.Check(t)) // runs after both actors' shutdown cleanups

	var bEndpoint *ServerEndpoint

	a, err := Spawn(map[MethodTag]Handler{
		"ping": func(_ context.Context, req *WireRequest) ([]byte, error) {
			return append([]byte("pong-"), req.Args...), nil
		},
		"start": func(_ context.Context, req *WireRequest) ([]byte, error) {
			c := NewClientStub()
			defer c.Close()
			return c.Call(bEndpoint, "relay", req.Args, time.Second)
		},
	}, nil)
	if err != nil {
		t.Fatalf("Spawn a: %v", err)
	}
	t.Cleanup(func() { Shutdown(a.Endpoint); a.Wait() })

	b, err := Spawn(map[MethodTag]Handler{
		"relay": func(_ context.Context, req *WireRequest) ([]byte, error) {
			c := NewClientStub()
			defer c.Close()
			return c.Call(a.Endpoint, "ping", req.Args, time.Second)
		},
	}, nil)
	if err != nil {
		t.Fatalf("Spawn b: %v", err)
	}
	t.Cleanup(func() { Shutdown(b.Endpoint); b.Wait() })
	bEndpoint = b.Endpoint

	client := NewClientStub()
	defer client.Close()

	got, err := client.Call(a.Endpoint, "start", []byte("hi"), time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if want := "pong-hi"; string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
