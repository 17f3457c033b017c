package replay

import "sync"

// gate coordinates the single writer with concurrent readers. Two
// implementations form a closed set: mutexGate for same-process
// threads, EpochBarrier for the shared-memory configuration where
// publish ordering matters.
type gate interface {
	BeginWrite()
	Publish()
	BeginRead()
	EndRead()
	Generation() uint64
}

// mutexGate is the plain coarse lock: an append or a priority update
// holds the write side, batch assembly holds the read side.
type mutexGate struct {
	mu  sync.RWMutex
	gen uint64
}

func (g *mutexGate) BeginWrite() {
	g.mu.Lock()
	g.gen++
}

func (g *mutexGate) Publish() {
	g.gen++
	g.mu.Unlock()
}

func (g *mutexGate) BeginRead() { g.mu.RLock() }
func (g *mutexGate) EndRead()   { g.mu.RUnlock() }

func (g *mutexGate) Generation() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.gen
}
