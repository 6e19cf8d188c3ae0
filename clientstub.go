package parley

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ClientStub is the caller-side façade for one client identity. It owns a
// [*ClientEndpoint] and a [*WaitingManager], and correlates outbound
// requests to inbound responses by request ID independently of any other
// ClientStub. The zero value is not usable; construct one with
// [NewClientStub].
//
// Where a literal per-call algorithm would spawn a fresh receiver task for
// every call to race against its own response channel, a ClientStub
// instead runs one long-lived pump goroutine for its whole lifetime,
// started lazily on the first Call. This mirrors how a chirp Peer runs a
// single receive loop for its entire lifetime rather than one per call.
type ClientStub struct {
	endpoint *ClientEndpoint
	waiting  *WaitingManager
	log      *zap.Logger

	once     sync.Once
	closed   atomic.Bool
	pumpDone chan struct{}
}

// clientSeq gives every ClientStub a distinct id for logging and metrics,
// independent of any particular actor.
var clientSeq atomic.Uint64

// NewClientStub constructs a ready-to-use ClientStub. Callers must Close
// it when done to release its response channel and pump goroutine.
func NewClientStub() *ClientStub {
	return NewClientStubWithLogger(nil)
}

// NewClientStubWithLogger is like NewClientStub but logs through log
// instead of a no-op logger.
func NewClientStubWithLogger(log *zap.Logger) *ClientStub {
	if log == nil {
		log = zap.NewNop()
	}
	id := fmt.Sprintf("client-%d", clientSeq.Add(1))
	return &ClientStub{
		endpoint: newClientEndpoint(id),
		waiting:  NewWaitingManager(),
		log:      log.Named("clientstub").With(zap.String("client", id)),
		pumpDone: make(chan struct{}),
	}
}

// Endpoint returns the stub's own client endpoint, primarily for tests
// that want to address it directly.
func (c *ClientStub) Endpoint() *ClientEndpoint { return c.endpoint }

// ensureStarted launches the response pump exactly once.
func (c *ClientStub) ensureStarted() {
	c.once.Do(func() {
		go c.pump()
	})
}

// pump drains the stub's response channel for its entire lifetime,
// delivering each response to its matching waiter.
func (c *ClientStub) pump() {
	defer close(c.pumpDone)
	for {
		resp, err := c.endpoint.Res.Receive()
		if err != nil {
			return
		}
		c.waiting.Deliver(resp)
	}
}

// Call sends a request for method to server, with args as its payload, and
// blocks until either a response arrives or timeout elapses. A timeout of
// zero or less means wait indefinitely. A remote failure is reported as
// *CallError; a local timeout is reported as *TimeoutError.
func (c *ClientStub) Call(server *ServerEndpoint, method MethodTag, args []byte, timeout time.Duration) ([]byte, error) {
	if c.closed.Load() {
		return nil, &CallError{Err: fmt.Errorf("parley: client stub is closed")}
	}
	c.ensureStarted()
	rootMetrics.callsOut.Add(1)

	id := c.waiting.AllocID()
	wt := c.waiting.register(id)

	req := Request{
		WireRequest: WireRequest{ID: id, Method: method, Args: args},
		ReplyTo:     c.endpoint,
	}
	if err := server.PutRequest(req); err != nil {
		c.waiting.cancel(id)
		rootMetrics.callsFail.Add(1)
		return nil, &CallError{Err: fmt.Errorf("parley: delivering request: %w", err)}
	}

	resp, err := c.waiting.awaitResponse(id, wt, timeout)
	if err != nil {
		rootMetrics.callsFail.Add(1)
		rootMetrics.timeouts.Add(1)
		return nil, err
	}

	switch resp.Status {
	case StatusSuccess:
		return resp.Data, nil
	default:
		rootMetrics.callsFail.Add(1)
		ce := &CallError{Response: &resp}
		if uerr := (&ce.ErrorData).UnmarshalBinary(resp.Data); uerr != nil {
			ce.ErrorData = ErrorData{Message: string(resp.Data)}
		}
		return nil, ce
	}
}

// Close closes the stub's response channel, stops its pump goroutine, and
// fails every call still awaiting a response. Close is idempotent.
func (c *ClientStub) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.endpoint.Close()
	c.waiting.Close(fmt.Errorf("parley: client stub closed"))
	c.ensureStarted() // in case Call was never invoked, so something closes pumpDone
	<-c.pumpDone
	return err
}
