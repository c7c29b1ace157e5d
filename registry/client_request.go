package registry

import (
	"bytes"
	"context"
	"reflect"

	"github.com/wiremesh/hub/arena"
)

// crEntry is one worker's view inside a ClientRequest registry: out
// carries SharedMessages to the worker, in carries plain replies from
// the worker back to the manager for the req socket.
type crEntry struct {
	link
	valid  bool
	prefix []byte
	out    chan *arena.Message
	in     chan []byte
}

// ClientRequest is the CR registry variant (spec.md §4.2): prefix-filter
// dispatch on outbound delivery, round-trip-free inbound collection for
// the client req socket.
type ClientRequest struct {
	entries     []crEntry
	free        []int
	head, tail  int
	needCleanup bool

	recvCases []reflect.SelectCase
	recvKeys  []int
}

// NewClientRequest returns an empty CR registry.
func NewClientRequest() *ClientRequest {
	return &ClientRequest{head: listEnd, tail: listEnd}
}

// Add registers a new handle with the given prefix filter, returning its
// stable index.
func (r *ClientRequest) Add(prefix []byte, out chan *arena.Message, in chan []byte) (int, error) {
	if r.Len() >= HandlesMax {
		return 0, ErrHandlesFull
	}
	idx := r.alloc()
	r.entries[idx] = crEntry{link: link{prev: r.tail, next: listEnd}, valid: true, prefix: append([]byte(nil), prefix...), out: out, in: in}
	if r.tail == listEnd {
		r.head = idx
	} else {
		r.entries[r.tail].next = idx
	}
	r.tail = idx
	return idx, nil
}

func (r *ClientRequest) alloc() int {
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		return idx
	}
	r.entries = append(r.entries, crEntry{})
	return len(r.entries) - 1
}

// Len reports the number of live entries, including any awaiting
// cleanup.
func (r *ClientRequest) Len() int {
	n := 0
	for i := r.head; i != listEnd; i = r.entries[i].next {
		n++
	}
	return n
}

// Recv drains one reply from any valid entry's inbound channel.
func (r *ClientRequest) Recv(ctx context.Context) ([]byte, error) {
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
			return nil, ctx.Err()
		}
		if !recvOK {
			r.entries[r.recvKeys[chosen]].valid = false
			r.needCleanup = true
			continue
		}
		return val.Bytes(), nil
	}
}

// Send fans a shared message out to every valid entry whose prefix
// matches one of ids (P1: prefix fan-out).
func (r *ClientRequest) Send(ctx context.Context, msg *arena.Message, ids [][]byte) int {
	delivered := 0
	for i := r.head; i != listEnd; i = r.entries[i].next {
		e := &r.entries[i]
		if !e.valid || !matchesAny(e.prefix, ids) {
			continue
		}
		clone := msg.Clone()
		ok, closed := safeSendMessage(e.out, clone, ctx)
		if !ok {
			clone.Release()
			if closed {
				e.valid = false
				r.needCleanup = true
			}
			continue
		}
		delivered++
	}
	return delivered
}

// NeedCleanup reports whether any entry was flipped invalid since the
// last Cleanup.
func (r *ClientRequest) NeedCleanup() bool { return r.needCleanup }

// Cleanup removes invalid entries from the list and slab, calling
// onDrop with each removed index.
func (r *ClientRequest) Cleanup(onDrop func(idx int)) {
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

func matchesAny(prefix []byte, ids [][]byte) bool {
	if len(prefix) == 0 {
		return true
	}
	for _, id := range ids {
		if bytes.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}

// safeSendMessage attempts a blocking send, reporting whether it
// actually delivered and, separately, whether the channel turned out to
// be closed (recover-wrapped panic on send-on-closed-channel, grounded
// on the teacher's handler-panic recovery idiom). ctx firing before the
// peer accepts the message is neither delivery nor peer-gone — it means
// the manager loop itself is shutting down — so the caller must release
// the message without flipping the entry invalid.
func safeSendMessage(ch chan *arena.Message, msg *arena.Message, ctx context.Context) (ok, closed bool) {
	defer func() {
		if recover() != nil {
			ok, closed = false, true
		}
	}()
	select {
	case ch <- msg:
		return true, false
	case <-ctx.Done():
		return false, false
	}
}
