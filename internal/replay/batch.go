package replay

// Chunk is one append call's worth of rollout data: L time steps
// across all B environment slots, laid out [L][B]. Every frame must
// have the flattened length declared at construction.
type Chunk struct {
	Observations [][][]float32 `json:"observations"`
	Actions      [][]int32     `json:"actions"`
	Rewards      [][]float32   `json:"rewards"`
	Dones        [][]bool      `json:"dones"`
}

// Steps returns the number of time steps in the chunk.
func (c Chunk) Steps() int { return len(c.Observations) }

// Batch is a read-only snapshot assembled from sampled anchors. All
// fields are copied out of the ring; nothing aliases mutable slots.
//
// NextObservations holds the stacked observation at the bootstrap
// index (anchor + accumulated steps); it is meaningful only where
// DoneNs is false, which is exactly when a learner bootstraps.
type Batch struct {
	Size             int
	Observations     [][]float32
	Actions          []int32
	Rewards          []float32
	Returns          []float32
	Dones            []bool
	DoneNs           []bool
	NextObservations [][]float32

	// Prioritized variant only.
	Weights []float32
	Handle  *Handle
}

// Handle identifies a sampled batch's tree leaves for a later priority
// update. Slot identity is the absolute step index at sample time, so
// an update targeting a since-overwritten slot is detected and skipped.
type Handle struct {
	leaves []int
	steps  []int64
}

// Len returns the number of samples the handle covers.
func (h *Handle) Len() int {
	if h == nil {
		return 0
	}
	return len(h.leaves)
}
