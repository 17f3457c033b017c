package replay

// stackedObservation reconstructs the observation at (t, b) by
// concatenating FrameStack consecutive frames ending at t, oldest
// first. Positions before the first written slot, and positions on or
// before a done=true boundary, are zero-filled: a stack never crosses
// an episode boundary backward. Caller holds the read gate.
func (r *ring) stackedObservation(t, b int) []float32 {
	fs, fl, T := r.cfg.FrameStack, r.cfg.FrameLen, r.cfg.RingDepth
	out := make([]float32, fs*fl)

	copy(out[(fs-1)*fl:], r.frameAt(t, b))
	blocked := false
	for k := 1; k < fs; k++ {
		u := t - k
		if u < 0 {
			if !r.wrapped {
				break // history before the first write stays zero
			}
			u += T
		}
		if blocked {
			continue
		}
		if r.dones[r.slot(u, b)] {
			// The done at u ends the previous episode; frames at
			// and before u belong to it.
			blocked = true
			continue
		}
		copy(out[(fs-1-k)*fl:], r.frameAt(u, b))
	}
	return out
}

// StackedObservation is the locked public read of a stacked
// observation; it requires the slot to have been written and never
// mutates state.
func (r *ring) StackedObservation(t, b int) ([]float32, error) {
	r.gate.BeginRead()
	defer r.gate.EndRead()
	if b < 0 || b >= r.cfg.EnvSlots || !r.writtenSlot(t) {
		return nil, ErrNotWritten
	}
	return r.stackedObservation(t, b), nil
}
