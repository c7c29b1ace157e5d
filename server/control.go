package server

import (
	"errors"

	"github.com/wiremesh/hub/arena"
	"github.com/wiremesh/hub/handle"
	"github.com/wiremesh/hub/registry"
	"github.com/wiremesh/hub/transport"
)

// ErrStopped is returned by control calls made after the manager loop
// has exited.
var ErrStopped = errors.New("server: manager stopped")

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

	reqSpecs      []transport.SocketSpec
	inSpecs       []transport.SocketSpec
	inStreamSpecs []transport.SocketSpec
	outSpecs      []transport.SocketSpec

	// Add* requests carry the raw channels the caller already built via
	// handle.New*Handle; the manager only registers them.
	reqHandleOut chan registry.ServerDispatch
	reqHandleIn  chan registry.ServerReply

	streamHandleOut chan *arena.Message
	streamHandleIn  chan []byte

	reply chan ctrlReply
}

// ctrlReply only carries an error: Set* is the only control message
// that blocks for an acknowledgement (spec §5/§6).
type ctrlReply struct {
	err error
}

// Control is the channel-based control surface for a server Manager.
type Control struct {
	mgr *Manager
}

// Stop requests the loop exit on its next iteration.
func (c *Control) Stop() {
	c.mgr.send(ctrlRequest{kind: opStop})
}

// SetReq installs new specs for the routed request socket.
func (c *Control) SetReq(specs []transport.SocketSpec) error {
	reply := c.mgr.sendWithReply(ctrlRequest{kind: opSetReq, reqSpecs: specs})
	return reply.err
}

// SetStream installs new specs for in, in_stream and out. Once this has
// been called successfully, stream-handle registration is frozen
// (spec.md §4.4 ordering rule).
func (c *Control) SetStream(in, inStream, out []transport.SocketSpec) error {
	reply := c.mgr.sendWithReply(ctrlRequest{kind: opSetStream, inSpecs: in, inStreamSpecs: inStream, outSpecs: out})
	return reply.err
}

// AddRequestHandle registers a new server-request handle; remains
// allowed even after stream specs have been applied. Per spec §5/§6,
// handle-add calls enqueue and return: the handle is built here, on the
// caller's goroutine, and its raw channels are handed to the manager
// fire-and-forget with no acknowledgement round trip.
func (c *Control) AddRequestHandle() (*handle.ServerRequestHandle, error) {
	h, out, in := handle.NewServerRequestHandle(c.mgr.cfg.HandleBound)
	c.mgr.send(ctrlRequest{kind: opAddRequestHandle, reqHandleOut: out, reqHandleIn: in})
	return h, nil
}

// AddStreamHandle registers a new server-stream handle, with the same
// enqueue-and-return contract as AddRequestHandle. Once stream specs
// have been applied the manager silently drops the registration
// (logged at error level, per the §7 capacity-exceeded taxonomy entry)
// rather than returning registry.ErrStreamHandlesFrozen here — Add*
// never replies, so the returned handle simply never receives traffic.
func (c *Control) AddStreamHandle() (*handle.RequestHandle, error) {
	h, out, in := handle.NewRequestHandle(c.mgr.cfg.HandleBound)
	c.mgr.send(ctrlRequest{kind: opAddStreamHandle, streamHandleOut: out, streamHandleIn: in})
	return h, nil
}
