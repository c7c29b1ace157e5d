package registry

import (
	"context"
	"hash/fnv"
	"reflect"

	"github.com/wiremesh/hub/arena"
)

type ssEntry struct {
	link
	valid bool
	out   chan *arena.Message
	in    chan []byte
}

// ServerStream is the SS registry variant: consistent-hash dispatch
// (FNV-1a 32-bit, the only hashing idiom the example pack reaches for —
// no third-party hash library appears anywhere in it) over worker
// handles for the server's in/in_stream fan-in.
type ServerStream struct {
	entries     []ssEntry
	free        []int
	head, tail  int
	needCleanup bool
	frozen      bool

	recvCases []reflect.SelectCase
	recvKeys  []int
}

// NewServerStream returns an empty SS registry.
func NewServerStream() *ServerStream {
	return &ServerStream{head: listEnd, tail: listEnd}
}

// Freeze makes every later Add fail with ErrStreamHandlesFrozen; the
// server manager calls it once server-stream specs have been applied
// (spec.md §4.4). Entries that go invalid are still removed by Cleanup,
// which lowers the hash modulus for later sends.
func (r *ServerStream) Freeze() { r.frozen = true }

func (r *ServerStream) Add(out chan *arena.Message, in chan []byte) (int, error) {
	if r.frozen {
		return 0, ErrStreamHandlesFrozen
	}
	if r.Len() >= HandlesMax {
		return 0, ErrHandlesFull
	}
	idx := r.alloc()
	r.entries[idx] = ssEntry{link: link{prev: r.tail, next: listEnd}, valid: true, out: out, in: in}
	if r.tail == listEnd {
		r.head = idx
	} else {
		r.entries[r.tail].next = idx
	}
	r.tail = idx
	return idx, nil
}

func (r *ServerStream) alloc() int {
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		return idx
	}
	r.entries = append(r.entries, ssEntry{})
	return len(r.entries) - 1
}

func (r *ServerStream) Len() int {
	n := 0
	for i := r.head; i != listEnd; i = r.entries[i].next {
		n++
	}
	return n
}

func (r *ServerStream) liveIndices() []int {
	var out []int
	for i := r.head; i != listEnd; i = r.entries[i].next {
		if r.entries[i].valid {
			out = append(out, i)
		}
	}
	return out
}

// HashIndex returns hash(id) mod n (Send passes the registry's entry
// count, Len), exposed so tests can pick ids that land on a chosen index
// (P2).
func HashIndex(id []byte, n int) int {
	if n == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(id)
	return int(h.Sum32()) % n
}

// Send fans a shared message out to the entry selected by hash(id) for
// each id in ids; a message with multiple ids may reach multiple
// entries. The modulus counts every entry in the list, including ones
// awaiting cleanup. Dispatch to an index whose entry went invalid is
// dropped silently, matching the registry's no-retry backpressure stance.
func (r *ServerStream) Send(ctx context.Context, msg *arena.Message, ids [][]byte) int {
	var slots []int
	for i := r.head; i != listEnd; i = r.entries[i].next {
		slots = append(slots, i)
	}
	if len(slots) == 0 {
		return 0
	}
	delivered := 0
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		target := slots[HashIndex(id, len(slots))]
		if seen[target] || !r.entries[target].valid {
			continue
		}
		seen[target] = true
		clone := msg.Clone()
		ok, closed := safeSendMessage(r.entries[target].out, clone, ctx)
		if !ok {
			clone.Release()
			if closed {
				r.entries[target].valid = false
				r.needCleanup = true
			}
			continue
		}
		delivered++
	}
	return delivered
}

// Recv drains one outbound item from any valid entry's inbound
// channel.
func (r *ServerStream) Recv(ctx context.Context) ([]byte, error) {
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

func (r *ServerStream) NeedCleanup() bool { return r.needCleanup }

func (r *ServerStream) Cleanup(onDrop func(idx int)) {
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
