// Package arena implements the fixed-capacity, reference-counted message
// pool shared by every manager loop. A single inbound frame is fanned out
// to up to HANDLES_MAX handles with zero copies; the arena guarantees that
// allocating the next inbound message never blocks and never fails while
// the caller sizes capacity per the hub.Config sizing rule
// (handles*hwm + retainedMax + 1).
package arena

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrExhausted is returned by Allocate when the caller violated the
// sizing invariant; it should never occur in a correctly sized arena.
var ErrExhausted = errors.New("arena: exhausted")

// Message is an arena-allocated, reference-counted immutable byte buffer.
// Clone must be called by every additional holder; Release must be called
// exactly once per holder, including the one returned by Allocate.
// Release is the only method safe to call from outside the manager
// goroutine that allocated the Message.
type Message struct {
	data  []byte
	refs  int32
	slot  int32
	arena *Arena
}

// Bytes returns the underlying payload. The returned slice must not be
// retained past Release.
func (m *Message) Bytes() []byte { return m.data }

// Clone increments the refcount and returns the same pointer: arena
// messages are shared, never copied.
func (m *Message) Clone() *Message {
	atomic.AddInt32(&m.refs, 1)
	return m
}

// Release decrements the refcount, returning the slot to the arena's free
// list when it reaches zero.
func (m *Message) Release() {
	if atomic.AddInt32(&m.refs, -1) == 0 {
		m.arena.free(m.slot)
	}
}

// Arena is a fixed-capacity pool of Message slots whose free slot indices
// are kept on a mutex-guarded stack (freeIdx), grounded on the slab+ring idiom used for promise bookkeeping in the
// eventloop registry reviewed from the example pack (see DESIGN.md).
type Arena struct {
	mu      sync.Mutex
	slots   []Message
	freeIdx []int32
}

// New creates an Arena with the given fixed capacity. capacity must equal
// handles*hwm + retainedMax + 1 per the sizing invariant.
func New(capacity int) *Arena {
	if capacity <= 0 {
		capacity = 1
	}
	a := &Arena{
		slots:   make([]Message, capacity),
		freeIdx: make([]int32, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		a.freeIdx = append(a.freeIdx, int32(i))
	}
	return a
}

// Cap returns the arena's fixed capacity.
func (a *Arena) Cap() int { return len(a.slots) }

// Allocate claims a free slot and stores data (not copied) in it. It never
// blocks. If the sizing invariant was violated and no slot is free, it
// returns ErrExhausted rather than silently growing, since growth would
// defeat the point of a bounded arena.
func (a *Arena) Allocate(data []byte) (*Message, error) {
	a.mu.Lock()
	if len(a.freeIdx) == 0 {
		a.mu.Unlock()
		return nil, ErrExhausted
	}
	idx := a.freeIdx[len(a.freeIdx)-1]
	a.freeIdx = a.freeIdx[:len(a.freeIdx)-1]
	a.mu.Unlock()

	m := &a.slots[idx]
	m.data = data
	m.refs = 1
	m.slot = idx
	m.arena = a
	return m, nil
}

// InUse reports how many slots are currently checked out, for diagnostics.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots) - len(a.freeIdx)
}

func (a *Arena) free(slot int32) {
	a.mu.Lock()
	a.freeIdx = append(a.freeIdx, slot)
	a.mu.Unlock()
}
