package replay

import (
	"sync"
	"sync/atomic"
)

// EpochBarrier is the coarse synchronization for the shared-memory
// configuration: one writer, any number of readers. The writer mutates
// only between BeginWrite and Publish; an entire append becomes
// visible atomically at Publish. Readers are counted in and out so the
// writer never mutates a region while a sampled batch is mid-copy, and
// a pending writer blocks new readers so it cannot starve.
//
// The generation counter is odd exactly while an append is in flight
// and strictly increases, so a reader can snapshot it and detect an
// intervening write. This is double-buffering discipline, not per-slot
// locking.
type EpochBarrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	gen     atomic.Uint64
	readers int
	writing bool
	pending bool
}

// NewEpochBarrier returns a barrier at generation zero (published).
func NewEpochBarrier() *EpochBarrier {
	b := &EpochBarrier{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// BeginWrite blocks until all in-flight readers drain, then opens an
// odd (unpublished) generation.
func (b *EpochBarrier) BeginWrite() {
	b.mu.Lock()
	b.pending = true
	for b.readers > 0 || b.writing {
		b.cond.Wait()
	}
	b.writing = true
	b.pending = false
	b.gen.Add(1)
	b.mu.Unlock()
}

// Publish closes the write epoch: the generation becomes even and all
// writes made since BeginWrite are visible to subsequent readers.
func (b *EpochBarrier) Publish() {
	b.mu.Lock()
	b.gen.Add(1)
	b.writing = false
	b.cond.Broadcast()
	b.mu.Unlock()
}

// BeginRead blocks while a write is in flight or pending, then counts
// the reader in.
func (b *EpochBarrier) BeginRead() {
	b.mu.Lock()
	for b.writing || b.pending {
		b.cond.Wait()
	}
	b.readers++
	b.mu.Unlock()
}

// EndRead counts the reader out, waking a waiting writer when the last
// one leaves.
func (b *EpochBarrier) EndRead() {
	b.mu.Lock()
	b.readers--
	if b.readers == 0 {
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

// Generation returns the current epoch; even values are published
// states.
func (b *EpochBarrier) Generation() uint64 {
	return b.gen.Load()
}
