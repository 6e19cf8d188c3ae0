package parley

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// MethodTag is a stable, opaque identifier for one overload of one service
// method. Tags are not required to be human readable; [FilterCmd] carries a
// separate human-readable name for diagnostics.
type MethodTag string

// ReservedShutdownTag is the method tag reserved for the shutdown sentinel.
// No user method may be registered under this tag.
const ReservedShutdownTag MethodTag = "shutdown@command"

// ResponseStatus describes the outcome of a completed or abandoned call.
type ResponseStatus byte

const (
	// StatusSuccess means the handler returned a value.
	StatusSuccess ResponseStatus = iota
	// StatusFailed means the handler returned an error, a filter matched, or
	// the codec rejected the request.
	StatusFailed
	// StatusTimeout means the client's deadline elapsed before a response
	// arrived. A Timeout response is synthesized locally and never appears
	// on a channel.
	StatusTimeout
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailed:
		return "FAILED"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("status(%d)", byte(s))
	}
}

// WireRequest is the part of a request that round-trips as bytes. The reply
// route is not part of the wire encoding: it is an in-process channel
// reference, not a transmissible value, and real wire requests don't carry
// a sender's own address either — only which method and id the recipient
// should act on.
type WireRequest struct {
	ID     uint64
	Method MethodTag
	Args   []byte
}

// Encode encodes r in binary format.
func (r WireRequest) Encode() []byte {
	b, err := msgpack.Marshal(r)
	if err != nil {
		panic(fmt.Errorf("parley: encoding request: %w", err))
	}
	return b
}

// UnmarshalBinary decodes data into a WireRequest. It implements
// encoding.BinaryUnmarshaler. Decoding goes through a method-free copy of
// the type, so msgpack decodes the struct itself instead of calling back
// into this method.
func (r *WireRequest) UnmarshalBinary(data []byte) error {
	type plain WireRequest
	return msgpack.Unmarshal(data, (*plain)(r))
}

// String returns a human-friendly rendering of the request.
func (r WireRequest) String() string {
	return fmt.Sprintf("Request(ID=%d, Method=%q, Args=%d bytes)", r.ID, r.Method, len(r.Args))
}

// Request is a request as it travels through a ServerLoop's intake channel:
// the wire payload plus the in-process reply route. Created by a
// ClientStub per call, immutable in flight, consumed by exactly one
// dispatch task.
type Request struct {
	WireRequest
	ReplyTo *ClientEndpoint
}

// Response is the reply to a single request, delivered to the client
// endpoint named by the originating request's ReplyTo field.
type Response struct {
	Status ResponseStatus
	ID     uint64
	Data   []byte
}

// Encode encodes r in binary format.
func (r Response) Encode() []byte {
	b, err := msgpack.Marshal(r)
	if err != nil {
		panic(fmt.Errorf("parley: encoding response: %w", err))
	}
	return b
}

// UnmarshalBinary decodes data into a Response. It implements
// encoding.BinaryUnmarshaler.
func (r *Response) UnmarshalBinary(data []byte) error {
	type plain Response
	return msgpack.Unmarshal(data, (*plain)(r))
}

// String returns a human-friendly rendering of the response.
func (r Response) String() string {
	if len(r.Data) > 16 {
		return fmt.Sprintf("Response(ID=%d, Status=%v, Data=%+v ...)", r.ID, r.Status, r.Data[:16])
	}
	return fmt.Sprintf("Response(ID=%d, Status=%v, Data=%+v)", r.ID, r.Status, r.Data)
}

// SleepCmd instructs an actor's ServerLoop to enter a sleep window: while
// active, incoming requests are deferred (Drop == false) or discarded
// (Drop == true).
type SleepCmd struct {
	Duration time.Duration
	Drop     bool
}

// Encode encodes c in binary format.
func (c SleepCmd) Encode() []byte {
	b, err := msgpack.Marshal(c)
	if err != nil {
		panic(fmt.Errorf("parley: encoding sleep command: %w", err))
	}
	return b
}

// UnmarshalBinary decodes data into a SleepCmd. It implements
// encoding.BinaryUnmarshaler.
func (c *SleepCmd) UnmarshalBinary(data []byte) error {
	type plain SleepCmd
	return msgpack.Unmarshal(data, (*plain)(c))
}

// FilterCmd instructs an actor's ServerLoop to short-circuit a method to a
// synthetic failure. A zero value (Method == "") clears any active filter.
type FilterCmd struct {
	Method MethodTag
	Pretty string
}

// Empty reports whether c clears the filter rather than installing one.
func (c FilterCmd) Empty() bool { return c.Method == "" }

// Encode encodes c in binary format.
func (c FilterCmd) Encode() []byte {
	b, err := msgpack.Marshal(c)
	if err != nil {
		panic(fmt.Errorf("parley: encoding filter command: %w", err))
	}
	return b
}

// UnmarshalBinary decodes data into a FilterCmd. It implements
// encoding.BinaryUnmarshaler.
func (c *FilterCmd) UnmarshalBinary(data []byte) error {
	type plain FilterCmd
	return msgpack.Unmarshal(data, (*plain)(c))
}

// ErrorData is the response data format for a service error response. A
// Handler may return a value of this type (or a pointer to it) to control
// the error code and auxiliary data reported to the caller, rather than a
// plain error whose text becomes the Message.
type ErrorData struct {
	Code    uint16
	Message string
	Data    []byte
}

// Error implements the error interface, letting an ErrorData be returned
// directly from a Handler.
func (e ErrorData) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// Encode encodes e in binary format.
func (e ErrorData) Encode() []byte {
	b, err := msgpack.Marshal(e)
	if err != nil {
		panic(fmt.Errorf("parley: encoding error data: %w", err))
	}
	return b
}

// UnmarshalBinary decodes data into an ErrorData. It implements
// encoding.BinaryUnmarshaler. An empty input decodes to the zero value.
func (e *ErrorData) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		*e = ErrorData{}
		return nil
	}
	type plain ErrorData
	return msgpack.Unmarshal(data, (*plain)(e))
}

// CallError is the concrete type of a remote failure reported by
// [ClientStub.Call]: the handler returned an error, a filter matched, or
// the server vanished before a response arrived.
type CallError struct {
	ErrorData
	Err      error     // non-nil only for local errors (e.g. the server vanished)
	Response *Response // the response that produced this error, if any
}

// Unwrap reports the underlying local error, or nil for a remote failure.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return c.Err.Error()
	}
	return fmt.Sprintf("remote failure: %v", c.ErrorData.Error())
}

// TimeoutError is reported by [ClientStub.Call] when the caller's deadline
// elapses before a matching response arrives. The server is not notified
// and may still complete the work; any response it eventually sends is
// discarded.
type TimeoutError struct {
	ID uint64
}

// Error satisfies the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %d: timed out waiting for response", e.ID)
}
