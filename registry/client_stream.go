package registry

import (
	"context"
	"reflect"

	"github.com/wiremesh/hub/arena"
)

// Addressed is one item popped off a stream handle's addressed write
// path: a destination peer id plus the payload to deliver there.
type Addressed struct {
	Addr    []byte
	Payload []byte
}

type csEntry struct {
	link
	valid     bool
	prefix    []byte
	out       chan *arena.Message
	inAny     chan []byte
	inAddr    chan Addressed
}

// ClientStream is the CS registry variant: one outbound channel fed by
// prefix-filtered dispatch, two inbound sub-channels (any-peer and
// addressed) scattered over independently so the manager loop can arm
// "out" and "out_stream" readiness separately (spec.md §4.3 branches
// 5 and 7).
type ClientStream struct {
	entries    []csEntry
	free       []int
	head, tail int
	needCleanup bool

	anyCases  []reflect.SelectCase
	anyKeys   []int
	addrCases []reflect.SelectCase
	addrKeys  []int
}

// NewClientStream returns an empty CS registry.
func NewClientStream() *ClientStream {
	return &ClientStream{head: listEnd, tail: listEnd}
}

func (r *ClientStream) Add(prefix []byte, out chan *arena.Message, inAny chan []byte, inAddr chan Addressed) (int, error) {
	if r.Len() >= HandlesMax {
		return 0, ErrHandlesFull
	}
	idx := r.alloc()
	r.entries[idx] = csEntry{link: link{prev: r.tail, next: listEnd}, valid: true, prefix: append([]byte(nil), prefix...), out: out, inAny: inAny, inAddr: inAddr}
	if r.tail == listEnd {
		r.head = idx
	} else {
		r.entries[r.tail].next = idx
	}
	r.tail = idx
	return idx, nil
}

func (r *ClientStream) alloc() int {
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		return idx
	}
	r.entries = append(r.entries, csEntry{})
	return len(r.entries) - 1
}

func (r *ClientStream) Len() int {
	n := 0
	for i := r.head; i != listEnd; i = r.entries[i].next {
		n++
	}
	return n
}

// RecvAny scatters over every valid entry's any-peer outbound channel.
func (r *ClientStream) RecvAny(ctx context.Context) ([]byte, error) {
	for {
		r.anyCases = r.anyCases[:0]
		r.anyKeys = r.anyKeys[:0]
		for i := r.head; i != listEnd; i = r.entries[i].next {
			if !r.entries[i].valid {
				continue
			}
			r.anyCases = append(r.anyCases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.entries[i].inAny)})
			r.anyKeys = append(r.anyKeys, i)
		}
		r.anyCases = append(r.anyCases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

		chosen, val, recvOK := selectOne(r.anyCases)
		if chosen == len(r.anyCases)-1 {
			return nil, ctx.Err()
		}
		if !recvOK {
			r.entries[r.anyKeys[chosen]].valid = false
			r.needCleanup = true
			continue
		}
		return val.Bytes(), nil
	}
}

// RecvAddressed scatters over every valid entry's addressed outbound
// channel.
func (r *ClientStream) RecvAddressed(ctx context.Context) (Addressed, error) {
	for {
		r.addrCases = r.addrCases[:0]
		r.addrKeys = r.addrKeys[:0]
		for i := r.head; i != listEnd; i = r.entries[i].next {
			if !r.entries[i].valid {
				continue
			}
			r.addrCases = append(r.addrCases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.entries[i].inAddr)})
			r.addrKeys = append(r.addrKeys, i)
		}
		r.addrCases = append(r.addrCases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

		chosen, val, recvOK := selectOne(r.addrCases)
		if chosen == len(r.addrCases)-1 {
			return Addressed{}, ctx.Err()
		}
		if !recvOK {
			r.entries[r.addrKeys[chosen]].valid = false
			r.needCleanup = true
			continue
		}
		return val.Interface().(Addressed), nil
	}
}

// Send fans an inbound shared message out to every valid entry whose
// prefix matches one of ids.
func (r *ClientStream) Send(ctx context.Context, msg *arena.Message, ids [][]byte) int {
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

func (r *ClientStream) NeedCleanup() bool { return r.needCleanup }

func (r *ClientStream) Cleanup(onDrop func(idx int)) {
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
