package replay

import "errors"

var (
	// ErrShapeMismatch is returned when an appended chunk does not
	// match the shapes declared at construction. Nothing is written.
	ErrShapeMismatch = errors.New("chunk shape does not match buffer template")

	// ErrChunkTooLarge is returned when a single append spans more
	// time steps than the ring holds.
	ErrChunkTooLarge = errors.New("append chunk exceeds ring depth")

	// ErrInsufficientData is returned by SampleBatch when no anchor
	// is yet valid. Callers retry after more data arrives.
	ErrInsufficientData = errors.New("no valid transitions to sample")

	// ErrNotWritten is returned when reading an observation at a slot
	// that has never been written.
	ErrNotWritten = errors.New("slot has not been written")
)
