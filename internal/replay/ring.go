package replay

import (
	"fmt"
	"math/rand"
	"sync"
)

// anchorRetries bounds rejection sampling before falling back to the
// conservative anchor region.
const anchorRetries = 64

// ring holds the deduplicated frame store, the parallel transition
// arrays, and the write cursor. It is the shared core of both sampler
// variants. All methods assume the caller holds the appropriate side
// of the gate.
type ring struct {
	cfg Config

	frames  []float32 // [T*B*FrameLen], one raw frame per slot
	actions []int32   // [T*B]
	rewards []float32 // [T*B]
	dones   []bool    // [T*B]

	t        int   // next write time slot
	wrapped  bool  // ring has completed at least one lap
	appended int64 // absolute time steps ever appended

	// rng has its own lock: concurrent readers draw anchors in
	// parallel under the epoch barrier.
	rngMu sync.Mutex
	rng   *rand.Rand

	gate gate
}

func (r *ring) intn(n int) int {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Intn(n)
}

func (r *ring) float64() float64 {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Float64()
}

func newRing(cfg Config, rng *rand.Rand, g gate) *ring {
	n := cfg.RingDepth * cfg.EnvSlots
	return &ring{
		cfg:     cfg,
		frames:  make([]float32, n*cfg.FrameLen),
		actions: make([]int32, n),
		rewards: make([]float32, n),
		dones:   make([]bool, n),
		rng:     rng,
		gate:    g,
	}
}

func (r *ring) slot(t, b int) int { return t*r.cfg.EnvSlots + b }

func (r *ring) frameAt(t, b int) []float32 {
	off := r.slot(t, b) * r.cfg.FrameLen
	return r.frames[off : off+r.cfg.FrameLen]
}

// dist returns the number of written steps from slot t up to the
// cursor: slots t..cursor-1 (mod T). Zero means t is the cursor slot.
func (r *ring) dist(t int) int {
	d := r.t - t
	if d < 0 {
		d += r.cfg.RingDepth
	}
	return d
}

// writtenDepth is the count of distinct time slots holding live data.
func (r *ring) writtenDepth() int {
	if r.wrapped {
		return r.cfg.RingDepth
	}
	return r.t
}

func (r *ring) writtenSlot(t int) bool {
	if t < 0 || t >= r.cfg.RingDepth {
		return false
	}
	if r.wrapped {
		return true
	}
	return t < r.t
}

// backMargin is the exclusion distance behind the cursor: anchors
// closer than this either sit in the hot just-written region or lack
// room to read the bootstrap frame.
func (r *ring) backMargin() int {
	m := r.cfg.FrameStack - 1
	if r.cfg.NStep > m {
		m = r.cfg.NStep
	}
	return m
}

// excluded reports whether t falls in the band around the cursor that
// is never sampled: the cursor slot itself, the hot just-written
// region behind it, and (after wrap) the slots ahead whose backward
// frame history was just overwritten.
func (r *ring) excluded(t int) bool {
	d := r.dist(t)
	if d == 0 {
		return true
	}
	hot := r.cfg.FrameStack - 1
	if d <= hot {
		return true
	}
	if r.wrapped && d >= r.cfg.RingDepth-hot {
		return true
	}
	return false
}

// roomForNStep reports whether the n-step window starting at (t, b)
// either lies fully in written data (including the bootstrap frame at
// t+n) or terminates early at a done flag inside the written prefix.
func (r *ring) roomForNStep(t, b int) bool {
	d := r.dist(t)
	if d >= r.cfg.NStep+1 {
		return true
	}
	limit := d
	if limit > r.cfg.NStep {
		limit = r.cfg.NStep
	}
	for k := 0; k < limit; k++ {
		if r.dones[r.slot((t+k)%r.cfg.RingDepth, b)] {
			return true
		}
	}
	return false
}

func (r *ring) validAnchor(t, b int) bool {
	if b < 0 || b >= r.cfg.EnvSlots || !r.writtenSlot(t) {
		return false
	}
	if !r.wrapped && t < r.cfg.FrameStack-1 {
		return false
	}
	if r.excluded(t) {
		return false
	}
	return r.roomForNStep(t, b)
}

// validateChunk checks every row against the construction template
// before any mutation, so a rejected append leaves the ring untouched.
func (r *ring) validateChunk(chunk Chunk) error {
	steps := chunk.Steps()
	if steps > r.cfg.RingDepth {
		return fmt.Errorf("%w: %d steps > ring depth %d",
			ErrChunkTooLarge, steps, r.cfg.RingDepth)
	}
	if len(chunk.Actions) != steps || len(chunk.Rewards) != steps || len(chunk.Dones) != steps {
		return fmt.Errorf("%w: field lengths disagree (obs=%d actions=%d rewards=%d dones=%d)",
			ErrShapeMismatch, steps, len(chunk.Actions), len(chunk.Rewards), len(chunk.Dones))
	}
	B := r.cfg.EnvSlots
	for i := 0; i < steps; i++ {
		if len(chunk.Observations[i]) != B || len(chunk.Actions[i]) != B ||
			len(chunk.Rewards[i]) != B || len(chunk.Dones[i]) != B {
			return fmt.Errorf("%w: step %d does not span %d env slots",
				ErrShapeMismatch, i, B)
		}
		for b := 0; b < B; b++ {
			if len(chunk.Observations[i][b]) != r.cfg.FrameLen {
				return fmt.Errorf("%w: step %d slot %d frame length %d, want %d",
					ErrShapeMismatch, i, b, len(chunk.Observations[i][b]), r.cfg.FrameLen)
			}
		}
	}
	return nil
}

// append writes the chunk at the cursor and advances it. A write
// spanning the ring boundary is split into two contiguous spans.
// The caller holds the write side of the gate and has validated the
// chunk.
func (r *ring) append(chunk Chunk) {
	steps := chunk.Steps()
	first := steps
	if rem := r.cfg.RingDepth - r.t; first > rem {
		first = rem
	}
	r.writeSpan(chunk, 0, first, r.t)
	if first < steps {
		r.writeSpan(chunk, first, steps, 0)
	}
	r.t = (r.t + steps) % r.cfg.RingDepth
	if !r.wrapped && r.appended+int64(steps) >= int64(r.cfg.RingDepth) {
		r.wrapped = true
	}
	r.appended += int64(steps)
}

func (r *ring) writeSpan(chunk Chunk, from, to, at int) {
	B := r.cfg.EnvSlots
	for i := from; i < to; i++ {
		t := at + i - from
		for b := 0; b < B; b++ {
			copy(r.frameAt(t, b), chunk.Observations[i][b])
			idx := r.slot(t, b)
			r.actions[idx] = chunk.Actions[i][b]
			r.rewards[idx] = chunk.Rewards[i][b]
			r.dones[idx] = chunk.Dones[i][b]
		}
	}
}

// absStep returns the absolute step index currently occupying slot t,
// or -1 if the slot was never written. Single-writer cursors make this
// exact: slot contents change only when the cursor laps them.
func (r *ring) absStep(t int) int64 {
	if !r.writtenSlot(t) {
		return -1
	}
	offset := r.t - 1 - t
	if offset < 0 {
		offset += r.cfg.RingDepth
	}
	return r.appended - 1 - int64(offset)
}

// randomValidAnchor draws one valid (t, b) pair, or reports that the
// valid set is empty. Rejection sampling covers the early-termination
// anchors near the cursor; the conservative region (full n-step room)
// is the fallback.
func (r *ring) randomValidAnchor() (int, int, bool) {
	T, B := r.cfg.RingDepth, r.cfg.EnvSlots
	lo, span := 0, T
	if !r.wrapped {
		lo = r.cfg.FrameStack - 1
		span = r.t - lo
		if span <= 0 {
			return 0, 0, false
		}
	}
	for i := 0; i < anchorRetries; i++ {
		t := lo + r.intn(span)
		b := r.intn(B)
		if r.validAnchor(t, b) {
			return t, b, true
		}
	}
	// Conservative region: distance in [backMargin+1, writtenDepth],
	// clear of the forward exclusion band after wrap.
	minD := r.backMargin() + 1
	maxD := r.writtenDepth()
	if !r.wrapped {
		maxD = r.t - lo // anchors below lo lack stack history
	} else if hot := r.cfg.FrameStack - 1; maxD > T-1-hot {
		maxD = T - 1 - hot
	}
	if maxD >= minD {
		d := minD + r.intn(maxD-minD+1)
		t := r.t - d
		if t < 0 {
			t += T
		}
		return t, r.intn(B), true
	}
	// Tiny or cold buffer: scan for early-termination anchors.
	var ts, bs []int
	for t := lo; t < lo+span; t++ {
		for b := 0; b < B; b++ {
			if r.validAnchor(t%T, b) {
				ts = append(ts, t%T)
				bs = append(bs, b)
			}
		}
	}
	if len(ts) == 0 {
		return 0, 0, false
	}
	i := r.intn(len(ts))
	return ts[i], bs[i], true
}

// assemble builds a batch snapshot for the given anchors. Caller holds
// the read side of the gate.
func (r *ring) assemble(ts, bs []int) *Batch {
	n := len(ts)
	batch := &Batch{
		Size:             n,
		Observations:     make([][]float32, n),
		Actions:          make([]int32, n),
		Rewards:          make([]float32, n),
		Returns:          make([]float32, n),
		Dones:            make([]bool, n),
		DoneNs:           make([]bool, n),
		NextObservations: make([][]float32, n),
	}
	for i := 0; i < n; i++ {
		t, b := ts[i], bs[i]
		idx := r.slot(t, b)
		batch.Observations[i] = r.stackedObservation(t, b)
		batch.Actions[i] = r.actions[idx]
		batch.Rewards[i] = r.rewards[idx]
		ret, done, doneN, bootT := r.nStepReturn(t, b)
		batch.Returns[i] = ret
		batch.Dones[i] = done
		batch.DoneNs[i] = doneN
		batch.NextObservations[i] = r.stackedObservation(bootT, b)
	}
	return batch
}

func (r *ring) stats(prioritized bool, beta float64) Stats {
	depth := r.writtenDepth()
	return Stats{
		RingDepth:   r.cfg.RingDepth,
		EnvSlots:    r.cfg.EnvSlots,
		Capacity:    r.cfg.RingDepth * r.cfg.EnvSlots,
		Steps:       r.appended,
		Transitions: r.appended * int64(r.cfg.EnvSlots),
		Wrapped:     r.wrapped,
		FillRatio:   float64(depth) / float64(r.cfg.RingDepth),
		Prioritized: prioritized,
		Beta:        beta,
	}
}
