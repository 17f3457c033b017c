package replay

// UniformReplay samples anchors uniformly at random (with replacement)
// from the currently valid set.
type UniformReplay struct {
	*ring
}

var _ Buffer = (*UniformReplay)(nil)

// AppendSamples validates the chunk against the construction template,
// then writes it at the cursor under the write gate. The whole chunk
// becomes visible to samplers atomically at publish.
func (u *UniformReplay) AppendSamples(chunk Chunk) error {
	if chunk.Steps() == 0 {
		return nil
	}
	if err := u.validateChunk(chunk); err != nil {
		return err
	}
	u.gate.BeginWrite()
	defer u.gate.Publish()
	u.append(chunk)
	return nil
}

// SampleBatch draws size anchors and assembles their transitions. A
// zero-size request returns an empty batch; ErrInsufficientData is
// returned only when no anchor is valid at all.
func (u *UniformReplay) SampleBatch(size int) (*Batch, error) {
	if size == 0 {
		return u.assemble(nil, nil), nil
	}
	u.gate.BeginRead()
	defer u.gate.EndRead()
	ts := make([]int, size)
	bs := make([]int, size)
	for i := 0; i < size; i++ {
		t, b, ok := u.randomValidAnchor()
		if !ok {
			return nil, ErrInsufficientData
		}
		ts[i], bs[i] = t, b
	}
	return u.assemble(ts, bs), nil
}

// Stats reports buffer occupancy.
func (u *UniformReplay) Stats() Stats {
	u.gate.BeginRead()
	defer u.gate.EndRead()
	return u.stats(false, 0)
}
