// Package handle exposes a worker's view of the hub: non-blocking and
// suspending channel pairs plus readiness registrations, bridging the
// bounded channels a registry entry holds (which move *arena.Message
// values on the hub side) to the plain []byte API a worker sees. Each
// handle owns one small forwarder goroutine for the hub-to-worker
// direction so it can offer a read readiness channel without requiring
// the registry to know about handle-local bookkeeping; worker writes go
// straight onto the registry entry's channel.
package handle

import (
	"context"
	"errors"
	"sync"

	"github.com/wiremesh/hub/arena"
	"github.com/wiremesh/hub/registry"
	"github.com/wiremesh/hub/wire"
)

// ErrWouldBlock is returned by the non-blocking API when no data is
// available (TryRecv) or no room is available (TryWrite).
var ErrWouldBlock = errors.New("handle: would block")

// ErrHandleClosed is returned once the handle's peer side (the manager,
// or the worker itself) has gone away.
var ErrHandleClosed = errors.New("handle: closed")

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// RequestHandle is a worker's view of a client- or server-request
// registry entry restricted to the plain-message shape (client side).
type RequestHandle struct {
	localOut chan []byte
	localIn  chan []byte
	readyR   chan struct{}
	readyW   chan struct{}
	done     chan struct{}
	closeOnce sync.Once
}

// NewRequestHandle builds a RequestHandle plus the two raw channels to
// register with a registry.ClientRequest entry (out: hub->worker,
// in: worker->hub).
func NewRequestHandle(bound int) (h *RequestHandle, out chan *arena.Message, in chan []byte) {
	out = make(chan *arena.Message, bound)
	in = make(chan []byte, bound)
	h = &RequestHandle{
		localOut: make(chan []byte, bound),
		localIn:  in,
		readyR:   make(chan struct{}, 1),
		readyW:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go h.pumpOut(out)
	signal(h.readyW)
	return h, out, in
}

func (h *RequestHandle) pumpOut(out chan *arena.Message) {
	for {
		select {
		case msg, ok := <-out:
			if !ok {
				close(h.localOut)
				return
			}
			payload := append([]byte(nil), msg.Bytes()...)
			msg.Release()
			select {
			case h.localOut <- payload:
				signal(h.readyR)
			case <-h.done:
				return
			}
		case <-h.done:
			return
		}
	}
}

// TryRecv returns the next message without blocking.
func (h *RequestHandle) TryRecv() ([]byte, error) {
	select {
	case p, ok := <-h.localOut:
		if !ok {
			return nil, ErrHandleClosed
		}
		return p, nil
	default:
		return nil, ErrWouldBlock
	}
}

// Recv blocks until a message is available or ctx is done.
func (h *RequestHandle) Recv(ctx context.Context) ([]byte, error) {
	select {
	case p, ok := <-h.localOut:
		if !ok {
			return nil, ErrHandleClosed
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryWrite enqueues a reply without blocking.
func (h *RequestHandle) TryWrite(p []byte) error {
	select {
	case h.localIn <- p:
		return nil
	default:
		return ErrWouldBlock
	}
}

// Write blocks until the reply is enqueued or ctx is done.
func (h *RequestHandle) Write(ctx context.Context, p []byte) error {
	select {
	case h.localIn <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadinessChan fires whenever a message may be available to TryRecv.
func (h *RequestHandle) ReadinessChan() <-chan struct{} { return h.readyR }

// WriteReadinessChan is signalled once, when the handle is created; it is
// not signalled again after a TryWrite reports ErrWouldBlock.
func (h *RequestHandle) WriteReadinessChan() <-chan struct{} { return h.readyW }

// Close stops the handle; the hub observes the closed `in` channel on
// its next registry Recv and flips the entry invalid.
func (h *RequestHandle) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		close(h.localIn)
	})
}

// StreamHandle is a worker's view of a client-stream registry entry: one
// read path, two write paths (any-peer and addressed).
type StreamHandle struct {
	localOut  chan []byte
	localAny  chan []byte
	localAddr chan registry.Addressed
	readyR    chan struct{}
	readyAny  chan struct{}
	readyAddr chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewStreamHandle builds a StreamHandle plus the three raw channels to
// register with a registry.ClientStream entry.
func NewStreamHandle(bound int) (h *StreamHandle, out chan *arena.Message, inAny chan []byte, inAddr chan registry.Addressed) {
	out = make(chan *arena.Message, bound)
	inAny = make(chan []byte, bound)
	inAddr = make(chan registry.Addressed, bound)
	h = &StreamHandle{
		localOut:  make(chan []byte, bound),
		localAny:  inAny,
		localAddr: inAddr,
		readyR:    make(chan struct{}, 1),
		readyAny:  make(chan struct{}, 1),
		readyAddr: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go h.pumpOut(out)
	signal(h.readyAny)
	signal(h.readyAddr)
	return h, out, inAny, inAddr
}

func (h *StreamHandle) pumpOut(out chan *arena.Message) {
	for {
		select {
		case msg, ok := <-out:
			if !ok {
				close(h.localOut)
				return
			}
			payload := append([]byte(nil), msg.Bytes()...)
			msg.Release()
			select {
			case h.localOut <- payload:
				signal(h.readyR)
			case <-h.done:
				return
			}
		case <-h.done:
			return
		}
	}
}

func (h *StreamHandle) TryRecv() ([]byte, error) {
	select {
	case p, ok := <-h.localOut:
		if !ok {
			return nil, ErrHandleClosed
		}
		return p, nil
	default:
		return nil, ErrWouldBlock
	}
}

func (h *StreamHandle) Recv(ctx context.Context) ([]byte, error) {
	select {
	case p, ok := <-h.localOut:
		if !ok {
			return nil, ErrHandleClosed
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryWriteAny enqueues a fire-and-forget outbound message.
func (h *StreamHandle) TryWriteAny(p []byte) error {
	select {
	case h.localAny <- p:
		return nil
	default:
		return ErrWouldBlock
	}
}

func (h *StreamHandle) WriteAny(ctx context.Context, p []byte) error {
	select {
	case h.localAny <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryWriteAddr enqueues a mandatory-routed outbound message to addr.
func (h *StreamHandle) TryWriteAddr(addr, p []byte) error {
	if len(addr) > wire.MaxAddressLen {
		return wire.ErrAddressTooLong
	}
	select {
	case h.localAddr <- registry.Addressed{Addr: addr, Payload: p}:
		return nil
	default:
		return ErrWouldBlock
	}
}

func (h *StreamHandle) WriteAddr(ctx context.Context, addr, p []byte) error {
	if len(addr) > wire.MaxAddressLen {
		return wire.ErrAddressTooLong
	}
	select {
	case h.localAddr <- registry.Addressed{Addr: addr, Payload: p}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *StreamHandle) ReadinessChan() <-chan struct{}          { return h.readyR }
func (h *StreamHandle) WriteAnyReadinessChan() <-chan struct{}  { return h.readyAny }
func (h *StreamHandle) WriteAddrReadinessChan() <-chan struct{} { return h.readyAddr }

func (h *StreamHandle) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		close(h.localAny)
		close(h.localAddr)
	})
}

// ServerRequestHandle is a worker's view of a server-request registry
// entry: recv/send both carry the opaque reply envelope captured when
// the request arrived.
type ServerRequestHandle struct {
	localOut chan registry.ServerDispatch
	localIn  chan registry.ServerReply
	readyR   chan struct{}
	readyW   chan struct{}
	done     chan struct{}
	closeOnce sync.Once
}

// NewServerRequestHandle builds a ServerRequestHandle plus the two raw
// channels to register with a registry.ServerRequest entry.
func NewServerRequestHandle(bound int) (h *ServerRequestHandle, out chan registry.ServerDispatch, in chan registry.ServerReply) {
	out = make(chan registry.ServerDispatch, bound)
	in = make(chan registry.ServerReply, bound)
	h = &ServerRequestHandle{
		localOut: make(chan registry.ServerDispatch, bound),
		localIn:  in,
		readyR:   make(chan struct{}, 1),
		readyW:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go h.pumpOut(out)
	signal(h.readyW)
	return h, out, in
}

func (h *ServerRequestHandle) pumpOut(out chan registry.ServerDispatch) {
	for {
		select {
		case d, ok := <-out:
			if !ok {
				close(h.localOut)
				return
			}
			select {
			case h.localOut <- d:
				signal(h.readyR)
			case <-h.done:
				d.Msg.Release()
				return
			}
		case <-h.done:
			return
		}
	}
}

// TryRecv returns the next request and its reply envelope without
// blocking.
func (h *ServerRequestHandle) TryRecv() (wire.ReplyEnvelope, []byte, error) {
	select {
	case d, ok := <-h.localOut:
		if !ok {
			return wire.ReplyEnvelope{}, nil, ErrHandleClosed
		}
		payload := append([]byte(nil), d.Msg.Bytes()...)
		d.Msg.Release()
		return d.Env, payload, nil
	default:
		return wire.ReplyEnvelope{}, nil, ErrWouldBlock
	}
}

func (h *ServerRequestHandle) Recv(ctx context.Context) (wire.ReplyEnvelope, []byte, error) {
	select {
	case d, ok := <-h.localOut:
		if !ok {
			return wire.ReplyEnvelope{}, nil, ErrHandleClosed
		}
		payload := append([]byte(nil), d.Msg.Bytes()...)
		d.Msg.Release()
		return d.Env, payload, nil
	case <-ctx.Done():
		return wire.ReplyEnvelope{}, nil, ctx.Err()
	}
}

// TryWrite sends a reply using the envelope captured from the matching
// Recv, without blocking.
func (h *ServerRequestHandle) TryWrite(env wire.ReplyEnvelope, payload []byte) error {
	select {
	case h.localIn <- registry.ServerReply{Env: env, Payload: payload}:
		return nil
	default:
		return ErrWouldBlock
	}
}

func (h *ServerRequestHandle) Write(ctx context.Context, env wire.ReplyEnvelope, payload []byte) error {
	select {
	case h.localIn <- registry.ServerReply{Env: env, Payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *ServerRequestHandle) ReadinessChan() <-chan struct{}      { return h.readyR }
func (h *ServerRequestHandle) WriteReadinessChan() <-chan struct{} { return h.readyW }

func (h *ServerRequestHandle) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		close(h.localIn)
	})
}
