package client

import (
	"errors"

	"github.com/wiremesh/hub/arena"
	"github.com/wiremesh/hub/handle"
	"github.com/wiremesh/hub/registry"
	"github.com/wiremesh/hub/transport"
	"github.com/wiremesh/hub/wire"
)

// ErrStopped is returned by control calls made after the manager loop
// has exited.
var ErrStopped = errors.New("client: manager stopped")

type opKind int

const (
	opStop opKind = iota
	opSetReq
	opSetStream
	opAddRequestHandle
	opAddStreamHandle
)

type ctrlRequest struct {
	kind opKind

	reqSpecs       []transport.SocketSpec
	outSpecs       []transport.SocketSpec
	outStreamSpecs []transport.SocketSpec
	inSpecs        []transport.SocketSpec
	prefix         []byte

	// Add* requests carry the raw channels the caller already built via
	// handle.New*Handle; the manager only needs to register them with
	// the registry, never to construct or hand back a handle itself.
	reqHandleOut chan *arena.Message
	reqHandleIn  chan []byte

	streamHandleOut     chan *arena.Message
	streamHandleInAny   chan []byte
	streamHandleInAddr  chan registry.Addressed

	reply chan ctrlReply
}

// ctrlReply only carries an error: Set* is the only control message
// that blocks for an acknowledgement. Add* enqueues its already-built
// handle's channels and returns immediately (spec §5/§6).
type ctrlReply struct {
	err error
}

// Control is the mutex-free, channel-based control surface a caller uses
// from any goroutine to drive the manager; every call is serialized onto
// the manager's own goroutine via ctrl.
type Control struct {
	mgr *Manager
}

// Stop requests the loop exit on its next iteration; it does not wait
// for the goroutine to finish (callers that need that should use
// Manager.Wait).
func (c *Control) Stop() {
	c.mgr.send(ctrlRequest{kind: opStop})
}

// SetReq installs new specs for the req socket.
func (c *Control) SetReq(specs []transport.SocketSpec) error {
	reply := c.mgr.sendWithReply(ctrlRequest{kind: opSetReq, reqSpecs: specs})
	return reply.err
}

// SetStream installs new specs for out, out_stream and in.
func (c *Control) SetStream(out, outStream, in []transport.SocketSpec) error {
	reply := c.mgr.sendWithReply(ctrlRequest{kind: opSetStream, outSpecs: out, outStreamSpecs: outStream, inSpecs: in})
	return reply.err
}

// AddRequestHandle registers a new client-request handle filtered by
// prefix. Per spec §5/§6, handle-add calls enqueue and return: the
// handle is built here on the caller's goroutine and its raw channels
// are handed to the manager fire-and-forget, with no acknowledgement
// round trip. A registration that the manager later drops (handles
// bound exceeded) is only logged there, never surfaced here — this
// call can only fail the synchronous prefix-length check.
func (c *Control) AddRequestHandle(prefix string) (*handle.RequestHandle, error) {
	p := []byte(prefix)
	if len(p) > wire.MaxPrefixLen {
		return nil, wire.ErrPrefixTooLong
	}
	h, out, in := handle.NewRequestHandle(c.mgr.cfg.HandleBound)
	c.mgr.send(ctrlRequest{kind: opAddRequestHandle, prefix: p, reqHandleOut: out, reqHandleIn: in})
	return h, nil
}

// AddStreamHandle registers a new client-stream handle filtered by
// prefix, with the same enqueue-and-return contract as AddRequestHandle.
func (c *Control) AddStreamHandle(prefix string) (*handle.StreamHandle, error) {
	p := []byte(prefix)
	if len(p) > wire.MaxPrefixLen {
		return nil, wire.ErrPrefixTooLong
	}
	h, out, inAny, inAddr := handle.NewStreamHandle(c.mgr.cfg.HandleBound)
	c.mgr.send(ctrlRequest{kind: opAddStreamHandle, prefix: p, streamHandleOut: out, streamHandleInAny: inAny, streamHandleInAddr: inAddr})
	return h, nil
}
