package replay

// nStepReturn walks forward from anchor (t, b), accumulating
// discounted rewards for up to NStep steps and stopping at the first
// done=true inclusive. It returns the discounted sum, the anchor's own
// done flag, whether any step in the window terminated (doneN), and
// the bootstrap time slot (anchor + accumulated steps, mod T).
//
// Arithmetic stays in float32, the precision rewards arrive in.
// Caller holds the read gate and has established validity, so the walk
// never crosses the cursor.
func (r *ring) nStepReturn(t, b int) (ret float32, done, doneN bool, bootT int) {
	T := r.cfg.RingDepth
	disc := float32(1)
	k := 0
	terminated := false
	for ; k < r.cfg.NStep; k++ {
		idx := r.slot((t+k)%T, b)
		ret += disc * r.rewards[idx]
		if r.dones[idx] {
			terminated = true
			k++
			break
		}
		disc *= r.cfg.Discount
	}
	done = r.dones[r.slot(t, b)]
	doneN = terminated
	if terminated {
		// Bootstrap index is the terminal step itself; the learner
		// masks the bootstrap term when doneN is set.
		bootT = (t + k - 1) % T
	} else {
		bootT = (t + r.cfg.NStep) % T
	}
	return ret, done, doneN, bootT
}
