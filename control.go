package parley

import "time"

// Sleep instructs server to enter a sleep window lasting duration. While
// the window is active, incoming requests are deferred until it ends
// (drop == false) or silently discarded with no response at all
// (drop == true). Deferred requests each wait on their own task, so they
// are not guaranteed to complete in arrival order. A later Sleep call replaces the window rather than
// stacking with it.
func Sleep(server *ServerEndpoint, duration time.Duration, drop bool) error {
	return server.PutSleep(SleepCmd{Duration: duration, Drop: drop})
}

// Filter instructs server to short-circuit every subsequent request for
// method to a Failed response whose message is Filtered method "<pretty>", until
// cleared by [ClearFilter] or replaced by another Filter call.
func Filter(server *ServerEndpoint, method MethodTag, pretty string) error {
	if method == "" {
		return ClearFilter(server)
	}
	return server.PutFilter(FilterCmd{Method: method, Pretty: pretty})
}

// ClearFilter removes any filter currently installed on server.
func ClearFilter(server *ServerEndpoint) error {
	return server.PutFilter(FilterCmd{})
}

// Shutdown tells server's actor to stop accepting new requests and exit
// once its current backlog has drained. It enqueues the shutdown sentinel
// on the request channel first, then closes the sleep, filter, and
// request channels in that order — sleep and filter close first because
// neither loop has any further control state to apply once shutdown
// begins, and the request channel closes last, after the sentinel, so the
// request loop is guaranteed to observe the sentinel before it could ever
// observe the channel as closed.
func Shutdown(server *ServerEndpoint) error {
	sentinel := Request{WireRequest: WireRequest{Method: ReservedShutdownTag}}
	if err := server.PutRequest(sentinel); err != nil {
		return err
	}
	server.Sleep.Close()
	server.Filter.Close()
	server.Req.Close()
	return nil
}
