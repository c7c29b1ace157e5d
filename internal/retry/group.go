package retry

import (
	"context"
	"sync"
	"time"
)

// LoopConfig configures one named managed loop inside a Group.
type LoopConfig struct {
	Key          string
	Threshold    int
	ResetTimeout time.Duration
	Interval     time.Duration
	Operation    func(ctx context.Context) error
	OnError      func(error)
}

// Group tracks a set of named Routine-backed loops, so a process can start
// a retryable background loop per subsystem (transport reconnects, socket
// spec re-application) without every caller managing its own goroutine.
type Group struct {
	mu      sync.Mutex
	active  map[string]*Routine
	cancels map[string]context.CancelFunc
}

var (
	groupOnce sync.Once
	groupInst *Group
)

// GetGroup returns the process-wide Group singleton.
func GetGroup() *Group {
	groupOnce.Do(func() {
		groupInst = &Group{
			active:  make(map[string]*Routine),
			cancels: make(map[string]context.CancelFunc),
		}
	})
	return groupInst
}

// StartLoop starts (or restarts) a named managed loop. If a loop with the
// same Key is already active, it is stopped first.
func (g *Group) StartLoop(ctx context.Context, cfg *LoopConfig) {
	if cfg.OnError == nil {
		cfg.OnError = func(error) {}
	}
	g.mu.Lock()
	if cancel, ok := g.cancels[cfg.Key]; ok {
		cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r := NewRoutine(cfg.Threshold, cfg.ResetTimeout)
	g.active[cfg.Key] = r
	g.cancels[cfg.Key] = cancel
	g.mu.Unlock()

	go r.Loop(loopCtx, cfg.Interval, nil, cfg.Operation, cfg.OnError)
}

// IsLoopActive reports whether a loop with the given key is currently tracked.
func (g *Group) IsLoopActive(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[key]
	return ok
}

// Stop cancels and forgets the named loop.
func (g *Group) Stop(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cancel, ok := g.cancels[key]; ok {
		cancel()
		delete(g.cancels, key)
		delete(g.active, key)
	}
}
