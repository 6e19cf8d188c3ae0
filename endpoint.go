package parley

import (
	"fmt"
	"strings"
)

// channelHex renders ch's pointer identity as a bare hex string (no "0x"
// prefix), for the STR/CTR debug labels below. Go has no stable handle
// narrower than a pointer to hang a channel's identity on, so the pointer
// value itself stands in for it; it is stable for the life of the channel
// and unique the way the format requires, even though it carries no
// meaning once the channel is garbage collected.
func channelHex(ch any) string {
	return strings.TrimPrefix(fmt.Sprintf("%p", ch), "0x")
}

// ServerEndpoint is the address a caller uses to reach one actor. It
// bundles the actor's three intake channels — requests, sleep commands,
// and filter commands — so a caller never needs to know which goroutine,
// if any, is currently servicing them.
type ServerEndpoint struct {
	id     string
	Req    *Channel[Request]
	Sleep  *Channel[SleepCmd]
	Filter *Channel[FilterCmd]
}

// newServerEndpoint constructs an endpoint with fresh, open channels.
func newServerEndpoint(id string) *ServerEndpoint {
	return &ServerEndpoint{
		id:     id,
		Req:    NewChannel[Request](),
		Sleep:  NewChannel[SleepCmd](),
		Filter: NewChannel[FilterCmd](),
	}
}

// String returns a stable debug rendering of the endpoint, identifying it
// by its request channel's address rather than its human-assigned id, so
// two endpoints are never confused even if they share an id string.
func (e *ServerEndpoint) String() string {
	if e == nil {
		return "<nil server endpoint>"
	}
	return fmt.Sprintf("STR(%s:0)", channelHex(e.Req))
}

// PutRequest enqueues req on the endpoint's request channel. It fails with
// ErrClosed once the endpoint's owning actor has shut down.
func (e *ServerEndpoint) PutRequest(req Request) error {
	return e.Req.Send(req)
}

// PutSleep enqueues a sleep command on the endpoint's sleep channel.
func (e *ServerEndpoint) PutSleep(cmd SleepCmd) error {
	return e.Sleep.Send(cmd)
}

// PutFilter enqueues a filter command on the endpoint's filter channel.
func (e *ServerEndpoint) PutFilter(cmd FilterCmd) error {
	return e.Filter.Send(cmd)
}

// ClientEndpoint is the address a ServerLoop uses to deliver a response
// back to whichever ClientStub originated the request. One ClientEndpoint
// is shared by every outstanding call a given ClientStub has in flight.
type ClientEndpoint struct {
	id  string
	Res *Channel[Response]
}

// newClientEndpoint constructs an endpoint with a fresh, open response
// channel.
func newClientEndpoint(id string) *ClientEndpoint {
	return &ClientEndpoint{id: id, Res: NewChannel[Response]()}
}

// String returns a stable debug rendering of the endpoint, identifying it
// by its response channel's address rather than its human-assigned id.
func (e *ClientEndpoint) String() string {
	if e == nil {
		return "<nil client endpoint>"
	}
	return fmt.Sprintf("CTR(0:%s)", channelHex(e.Res))
}

// PutResponse delivers resp to the client's response channel. It fails
// with ErrClosed if the client has already closed its stub; a ServerLoop
// treats that as "the caller stopped listening" and discards the response.
func (e *ClientEndpoint) PutResponse(resp Response) error {
	return e.Res.Send(resp)
}

// Close closes the client endpoint's response channel, waking any pump
// goroutine still blocked in Receive.
func (e *ClientEndpoint) Close() error {
	return e.Res.Close()
}
