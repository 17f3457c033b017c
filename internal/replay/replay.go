// Package replay implements a frame-deduplicating circular experience
// buffer for off-policy reinforcement learning. Raw observation frames
// are stored once per (time, environment-slot) coordinate; stacked
// observations and n-step returns are reconstructed lazily at sample
// time. Uniform and prioritized sampling variants share the same ring,
// and a coarse epoch barrier coordinates one writer with concurrent
// readers.
package replay

import (
	"fmt"
	"math/rand"
	"time"
)

// Config is the construction surface for a buffer. All fields are
// explicit; there is no global state.
type Config struct {
	RingDepth  int // T: circular time slots
	EnvSlots   int // B: parallel environment slots
	FrameLen   int // flattened length of one raw frame
	FrameStack int // frames concatenated into one observation
	NStep      int // n-step return horizon
	Discount   float32

	// Prioritized selects the sum-tree sampler; the remaining fields
	// apply only to that variant.
	Prioritized     bool
	Alpha           float64 // priority exponent, applied once at write
	Beta            float64 // initial importance-weight exponent
	DefaultPriority float64 // priority for newly written, unscored slots
	PriorityFloor   float64 // epsilon added to reported errors

	// Shared selects the epoch-barrier gate for the configuration
	// where writer and readers run with true parallelism over the
	// same memory. The default gate is a plain RWMutex.
	Shared bool

	// Seed fixes the sampling RNG; 0 seeds from the clock.
	Seed int64
}

func (c Config) validate() error {
	if c.RingDepth <= 0 || c.EnvSlots <= 0 || c.FrameLen <= 0 {
		return fmt.Errorf("ring depth, env slots and frame length must be positive")
	}
	if c.FrameStack < 1 {
		return fmt.Errorf("frame stack must be at least 1")
	}
	if c.NStep < 1 {
		return fmt.Errorf("n-step horizon must be at least 1")
	}
	if c.Discount < 0 || c.Discount > 1 {
		return fmt.Errorf("discount must be in [0, 1]")
	}
	margin := c.FrameStack - 1
	if c.NStep > margin {
		margin = c.NStep
	}
	if c.RingDepth <= 2*margin+1 {
		return fmt.Errorf("ring depth %d too small for frame stack %d and n-step %d",
			c.RingDepth, c.FrameStack, c.NStep)
	}
	if c.Prioritized {
		if c.Alpha < 0 {
			return fmt.Errorf("alpha must be non-negative")
		}
		if c.Beta < 0 || c.Beta > 1 {
			return fmt.Errorf("beta must be in [0, 1]")
		}
		if c.DefaultPriority <= 0 {
			return fmt.Errorf("default priority must be positive")
		}
		if c.PriorityFloor < 0 {
			return fmt.Errorf("priority floor must be non-negative")
		}
	}
	return nil
}

// Buffer is the capability common to all variants: the writer appends
// fixed-shape chunks, readers sample batches.
type Buffer interface {
	AppendSamples(chunk Chunk) error
	SampleBatch(size int) (*Batch, error)
	StackedObservation(t, b int) ([]float32, error)
	Stats() Stats
}

// Prioritized extends Buffer with the learner-side priority feedback
// loop of the sum-tree variant.
type Prioritized interface {
	Buffer
	UpdateBatchPriorities(h *Handle, errors []float32) (applied, stale int, err error)
	SetBeta(beta float64)
	Beta() float64
}

// Stats is a point-in-time snapshot of buffer occupancy.
type Stats struct {
	RingDepth   int     `json:"ring_depth"`
	EnvSlots    int     `json:"env_slots"`
	Capacity    int     `json:"capacity"` // RingDepth * EnvSlots
	Steps       int64   `json:"steps"`    // total time steps ever appended
	Transitions int64   `json:"transitions"`
	Wrapped     bool    `json:"wrapped"`
	FillRatio   float64 `json:"fill_ratio"`
	Prioritized bool    `json:"prioritized"`
	Beta        float64 `json:"beta,omitempty"`
}

// New constructs the buffer variant selected by cfg. The variant set
// is closed: {uniform, prioritized} x {mutex-gated, epoch-barrier}.
func New(cfg Config) (Buffer, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("replay config: %w", err)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	var g gate
	if cfg.Shared {
		g = NewEpochBarrier()
	} else {
		g = &mutexGate{}
	}
	r := newRing(cfg, rand.New(rand.NewSource(seed)), g)
	if cfg.Prioritized {
		return newPrioritizedReplay(r), nil
	}
	return &UniformReplay{ring: r}, nil
}
