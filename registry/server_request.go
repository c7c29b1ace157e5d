package registry

import (
	"context"
	"reflect"

	"github.com/wiremesh/hub/arena"
	"github.com/wiremesh/hub/wire"
)

// ServerDispatch is one outbound item delivered to a server-request
// worker: the opaque reply envelope captured on receive, plus the
// shared message carrying the request body.
type ServerDispatch struct {
	Env wire.ReplyEnvelope
	Msg *arena.Message
}

// ServerReply is what a worker sends back: the same envelope it
// received, paired with the reply bytes.
type ServerReply struct {
	Env     wire.ReplyEnvelope
	Payload []byte
}

type srEntry struct {
	link
	valid bool
	out   chan ServerDispatch
	in    chan ServerReply
}

// ServerRequest is the SR registry variant: round-robin-with-fallback
// dispatch over worker handles, used for the server's req socket.
type ServerRequest struct {
	entries     []srEntry
	free        []int
	head, tail  int
	needCleanup bool
	rrCursor    int

	recvCases []reflect.SelectCase
	recvKeys  []int
}

// NewServerRequest returns an empty SR registry.
func NewServerRequest() *ServerRequest {
	return &ServerRequest{head: listEnd, tail: listEnd}
}

func (r *ServerRequest) Add(out chan ServerDispatch, in chan ServerReply) (int, error) {
	if r.Len() >= HandlesMax {
		return 0, ErrHandlesFull
	}
	idx := r.alloc()
	r.entries[idx] = srEntry{link: link{prev: r.tail, next: listEnd}, valid: true, out: out, in: in}
	if r.tail == listEnd {
		r.head = idx
	} else {
		r.entries[r.tail].next = idx
	}
	r.tail = idx
	return idx, nil
}

func (r *ServerRequest) alloc() int {
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		return idx
	}
	r.entries = append(r.entries, srEntry{})
	return len(r.entries) - 1
}

func (r *ServerRequest) Len() int {
	n := 0
	for i := r.head; i != listEnd; i = r.entries[i].next {
		n++
	}
	return n
}

// Send dispatches one request via round-robin-with-fallback (P3): the
// cursor advances modulo the *total* slab length, including entries
// that went invalid but have not yet been cleaned up, and walks the
// list tracking the most recently seen valid entry up to that
// position — not the live-entry count alone. If the cursor runs off
// the end of the list (or every entry up to that point is invalid),
// the walk's fallback finds no candidate and the dispatch is dropped,
// matching the original zhttpsocket.rs ServerReqHandles::send exactly
// rather than indexing only into the currently-valid subset. An empty
// registry silently drops the dispatch.
func (r *ServerRequest) Send(ctx context.Context, env wire.ReplyEnvelope, msg *arena.Message) bool {
	total := r.Len()
	if total == 0 {
		msg.Release()
		return false
	}
	skip := r.rrCursor
	r.rrCursor = (skip + 1) % total

	selected := listEnd
	for i := r.head; i != listEnd; i = r.entries[i].next {
		if r.entries[i].valid {
			selected = i
		}
		if skip == 0 {
			break
		}
		skip--
	}

	if selected == listEnd {
		msg.Release()
		return false
	}

	ok, closed := safeSendDispatch(r.entries[selected].out, ServerDispatch{Env: env, Msg: msg}, ctx)
	if !ok {
		if closed {
			r.entries[selected].valid = false
			r.needCleanup = true
		}
		msg.Release()
		return false
	}
	return true
}

// Recv drains one reply from any valid entry.
func (r *ServerRequest) Recv(ctx context.Context) (ServerReply, error) {
	for {
		r.recvCases = r.recvCases[:0]
		r.recvKeys = r.recvKeys[:0]
		for i := r.head; i != listEnd; i = r.entries[i].next {
			if !r.entries[i].valid {
				continue
			}
			r.recvCases = append(r.recvCases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.entries[i].in)})
			r.recvKeys = append(r.recvKeys, i)
		}
		r.recvCases = append(r.recvCases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

		chosen, val, recvOK := selectOne(r.recvCases)
		if chosen == len(r.recvCases)-1 {
			return ServerReply{}, ctx.Err()
		}
		if !recvOK {
			r.entries[r.recvKeys[chosen]].valid = false
			r.needCleanup = true
			continue
		}
		return val.Interface().(ServerReply), nil
	}
}

func (r *ServerRequest) NeedCleanup() bool { return r.needCleanup }

func (r *ServerRequest) Cleanup(onDrop func(idx int)) {
	prev := listEnd
	for i := r.head; i != listEnd; {
		next := r.entries[i].next
		if !r.entries[i].valid {
			if prev == listEnd {
				r.head = next
			} else {
				r.entries[prev].next = next
			}
			if next == listEnd {
				r.tail = prev
			} else {
				r.entries[next].prev = prev
			}
			r.free = append(r.free, i)
			if onDrop != nil {
				onDrop(i)
			}
		} else {
			prev = i
		}
		i = next
	}
	r.needCleanup = false
}

// safeSendDispatch mirrors safeSendMessage's ok/closed split: ctx firing
// before the worker accepts the dispatch means the manager is shutting
// down, not that the peer is gone.
func safeSendDispatch(ch chan ServerDispatch, d ServerDispatch, ctx context.Context) (ok, closed bool) {
	defer func() {
		if recover() != nil {
			ok, closed = false, true
		}
	}()
	select {
	case ch <- d:
		return true, false
	case <-ctx.Done():
		return false, false
	}
}
