package replay

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/cartridge/replaybuf/internal/sumtree"
)

// segmentRetries bounds per-segment redraws when a tree-sampled leaf
// races into the exclusion band.
const segmentRetries = 4

// PrioritizedReplay samples anchors proportionally to sum-tree
// priorities and computes importance-sampling correction weights.
// Leaves for slots inside the exclusion band hold zero priority, so
// they are structurally unreachable by tree descent.
type PrioritizedReplay struct {
	*ring
	tree *sumtree.Tree

	defaultLeaf float64 // DefaultPriority ** Alpha, precomputed
	beta        atomic.Uint64
}

var _ Prioritized = (*PrioritizedReplay)(nil)

func newPrioritizedReplay(r *ring) *PrioritizedReplay {
	p := &PrioritizedReplay{
		ring:        r,
		tree:        sumtree.New(r.cfg.RingDepth * r.cfg.EnvSlots),
		defaultLeaf: math.Pow(r.cfg.DefaultPriority, r.cfg.Alpha),
	}
	p.beta.Store(math.Float64bits(r.cfg.Beta))
	return p
}

// Beta returns the current importance-weight exponent.
func (p *PrioritizedReplay) Beta() float64 {
	return math.Float64frombits(p.beta.Load())
}

// SetBeta replaces the annealed importance-weight exponent. Repeated
// calls with the same value are idempotent.
func (p *PrioritizedReplay) SetBeta(beta float64) {
	p.beta.Store(math.Float64bits(beta))
}

// AppendSamples writes the chunk and realigns the priority tree: newly
// written slots receive the default priority once they gain full
// n-step clearance, and slots entering the exclusion band are zeroed.
func (p *PrioritizedReplay) AppendSamples(chunk Chunk) error {
	steps := chunk.Steps()
	if steps == 0 {
		return nil
	}
	if err := p.validateChunk(chunk); err != nil {
		return err
	}
	p.gate.BeginWrite()
	defer p.gate.Publish()
	p.append(chunk)
	p.realignPriorities(steps)
	return nil
}

// realignPriorities runs after the cursor advanced by steps. Work is
// proportional to steps plus the margin widths, not to ring size.
func (p *PrioritizedReplay) realignPriorities(steps int) {
	T, B := p.cfg.RingDepth, p.cfg.EnvSlots
	back := int64(p.backMargin())
	hot := p.cfg.FrameStack - 1

	// Slots whose n-step window just became fully written.
	for a := p.appended - back - int64(steps); a < p.appended-back; a++ {
		if a < int64(p.cfg.FrameStack-1) {
			continue // no stack history before the first frames
		}
		t := int(a % int64(T))
		for b := 0; b < B; b++ {
			p.tree.Update(p.slot(t, b), p.defaultLeaf)
		}
	}

	// The band around the new cursor: just-written slots without
	// clearance yet, plus (after wrap) the overwritten-history slots
	// ahead.
	for d := 0; int64(d) <= back; d++ {
		t := p.t - d
		if t < 0 {
			if !p.wrapped {
				break
			}
			t += T
		}
		for b := 0; b < B; b++ {
			p.tree.Update(p.slot(t, b), 0)
		}
	}
	if p.wrapped {
		for k := 1; k <= hot; k++ {
			t := (p.t + k) % T
			for b := 0; b < B; b++ {
				p.tree.Update(p.slot(t, b), 0)
			}
		}
	}
}

// SampleBatch draws size anchors by stratified proportional sampling
// and attaches importance weights normalized so the minimum-priority
// leaf weighs exactly 1, plus a handle for the later priority update.
func (p *PrioritizedReplay) SampleBatch(size int) (*Batch, error) {
	if size == 0 {
		return p.assemble(nil, nil), nil
	}
	p.gate.BeginRead()
	defer p.gate.EndRead()

	ts := make([]int, size)
	bs := make([]int, size)
	leaves := make([]int, size)
	priorities := make([]float64, size)

	total := p.tree.Total()
	if total <= 0 {
		// Warm anchors exist before any leaf gains clearance (early
		// terminations near the cursor). Fall back to uniform draws
		// at the default priority so warmup still serves batches.
		for i := 0; i < size; i++ {
			t, b, ok := p.randomValidAnchor()
			if !ok {
				return nil, ErrInsufficientData
			}
			ts[i], bs[i] = t, b
			leaves[i] = p.slot(t, b)
			priorities[i] = p.defaultLeaf
		}
		return p.finish(ts, bs, leaves, priorities, p.defaultLeaf), nil
	}

	segment := total / float64(size)
	p.rngMu.Lock()
	drawn, drawnP := p.tree.Sample(size, p.rng)
	p.rngMu.Unlock()
	for i := 0; i < size; i++ {
		leaf, pr := drawn[i], drawnP[i]
		t, b := leaf/p.cfg.EnvSlots, leaf%p.cfg.EnvSlots
		ok := p.validAnchor(t, b)
		for try := 1; !ok && try < segmentRetries; try++ {
			// Redraw within the same segment.
			v := (float64(i) + p.float64()) * segment
			leaf = p.tree.Find(v)
			pr = p.tree.Leaf(leaf)
			t, b = leaf/p.cfg.EnvSlots, leaf%p.cfg.EnvSlots
			ok = p.validAnchor(t, b)
		}
		if !ok {
			// Leaf raced into the exclusion band; recover with a
			// uniform valid anchor carrying its own leaf priority.
			t, b, ok = p.randomValidAnchor()
			if !ok {
				return nil, ErrInsufficientData
			}
			leaf = p.slot(t, b)
			pr = p.tree.Leaf(leaf)
		}
		ts[i], bs[i] = t, b
		leaves[i] = leaf
		if pr > 0 {
			priorities[i] = pr
		} else {
			priorities[i] = p.defaultLeaf
		}
	}
	minP := p.tree.MinPositive()
	if math.IsInf(minP, 1) {
		minP = p.defaultLeaf
	}
	return p.finish(ts, bs, leaves, priorities, minP), nil
}

func (p *PrioritizedReplay) finish(ts, bs, leaves []int, priorities []float64, minP float64) *Batch {
	batch := p.assemble(ts, bs)
	beta := p.Beta()
	batch.Weights = make([]float32, len(ts))
	steps := make([]int64, len(ts))
	for i := range ts {
		// minP normalizes the smallest-priority sample to weight 1;
		// a fallback priority below it must not exceed that bound.
		w := math.Pow(priorities[i]/minP, -beta)
		if w > 1 {
			w = 1
		}
		batch.Weights[i] = float32(w)
		steps[i] = p.absStep(ts[i])
	}
	batch.Handle = &Handle{leaves: leaves, steps: steps}
	return batch
}

// UpdateBatchPriorities applies |err| + floor (raised to alpha) to the
// sampled leaves. A leaf whose slot was overwritten since sampling, or
// that has since entered the exclusion band, is silently skipped:
// staleness is an expected race under concurrent writers, not an
// error. Returns applied and skipped counts.
func (p *PrioritizedReplay) UpdateBatchPriorities(h *Handle, errors []float32) (applied, stale int, err error) {
	if h == nil {
		return 0, 0, fmt.Errorf("priority update requires a sample handle")
	}
	if len(errors) != len(h.leaves) {
		return 0, 0, fmt.Errorf("%d errors for %d sampled leaves", len(errors), len(h.leaves))
	}
	p.gate.BeginWrite()
	defer p.gate.Publish()
	for i, leaf := range h.leaves {
		t := leaf / p.cfg.EnvSlots
		if p.absStep(t) != h.steps[i] || p.tree.Leaf(leaf) == 0 {
			stale++
			continue
		}
		mag := float64(errors[i])
		if mag < 0 {
			mag = -mag
		}
		p.tree.Update(leaf, math.Pow(mag+p.cfg.PriorityFloor, p.cfg.Alpha))
		applied++
	}
	return applied, stale, nil
}

// Stats reports buffer occupancy and the current beta.
func (p *PrioritizedReplay) Stats() Stats {
	p.gate.BeginRead()
	defer p.gate.EndRead()
	return p.stats(true, p.Beta())
}
