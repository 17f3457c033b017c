package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cartridge/replaybuf/internal/metrics"
	"github.com/cartridge/replaybuf/internal/replay"
)

// maxHandles bounds the sample-handle registry; the oldest handle is
// evicted first. A learner that updates priorities promptly never
// comes close to the bound.
const maxHandles = 64

var (
	// ErrUnknownHandle means the referenced sample batch was never
	// issued or has been evicted from the registry.
	ErrUnknownHandle = errors.New("unknown sample handle")

	// ErrNotPrioritized means a priority operation reached a uniform
	// buffer.
	ErrNotPrioritized = errors.New("buffer is not prioritized")
)

// Sampled pairs a batch with the registry ID a learner uses to report
// priorities back.
type Sampled struct {
	Batch    *replay.Batch
	HandleID uuid.UUID
}

// Stats extends the buffer snapshot with the serving state of the
// service.
type Stats struct {
	replay.Stats
	MinWritten int64 `json:"min_written"`
	Warm       bool  `json:"warm"`
}

// Replay owns the buffer and mediates every operation the transport
// layer exposes: appends, sampling behind the warmup gate, and the
// priority feedback loop with its annealed beta.
type Replay struct {
	buf        replay.Buffer
	pri        replay.Prioritized // nil for the uniform variant
	sched      replay.BetaSchedule
	minWritten int64
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu      sync.Mutex
	handles map[uuid.UUID]*replay.Handle
	order   []uuid.UUID
	lastID  uuid.UUID
	updates int64 // completed priority updates, drives the schedule
}

// NewReplay wires a buffer into a service. The schedule is consulted
// only when the buffer is prioritized.
func NewReplay(buf replay.Buffer, sched replay.BetaSchedule, minWritten int64, m *metrics.Metrics, logger zerolog.Logger) *Replay {
	s := &Replay{
		buf:        buf,
		sched:      sched,
		minWritten: minWritten,
		metrics:    m,
		logger:     logger,
		handles:    make(map[uuid.UUID]*replay.Handle),
	}
	if pri, ok := buf.(replay.Prioritized); ok {
		s.pri = pri
	}
	return s
}

// Append writes one chunk and returns the number of time steps
// accepted.
func (s *Replay) Append(ctx context.Context, chunk replay.Chunk) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	start := time.Now()
	if err := s.buf.AppendSamples(chunk); err != nil {
		s.metrics.RejectedAppends.Inc()
		return 0, err
	}
	steps := chunk.Steps()
	stats := s.buf.Stats()
	s.metrics.AppendsTotal.Inc()
	s.metrics.TransitionsTotal.Add(float64(steps * stats.EnvSlots))
	s.metrics.AppendDur.Observe(time.Since(start).Seconds())
	s.metrics.FillRatio.Set(stats.FillRatio)
	s.logger.Debug().
		Int("steps", steps).
		Int64("total_steps", stats.Steps).
		Msg("chunk appended")
	return steps, nil
}

// Sample draws a batch once the warmup gate is open. For prioritized
// buffers the returned handle ID stays valid until evicted or
// consumed by an overwrite.
func (s *Replay) Sample(ctx context.Context, size int) (*Sampled, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("batch size must be non-negative")
	}
	if stats := s.buf.Stats(); stats.Steps < s.minWritten {
		s.metrics.InsufficientSamples.Inc()
		return nil, fmt.Errorf("%w: %d of %d warmup steps written",
			replay.ErrInsufficientData, stats.Steps, s.minWritten)
	}
	start := time.Now()
	batch, err := s.buf.SampleBatch(size)
	if err != nil {
		if errors.Is(err, replay.ErrInsufficientData) {
			s.metrics.InsufficientSamples.Inc()
		}
		return nil, err
	}
	s.metrics.SampleBatchesTotal.Inc()
	s.metrics.SampledTransitions.Add(float64(batch.Size))
	s.metrics.SampleDur.Observe(time.Since(start).Seconds())

	out := &Sampled{Batch: batch}
	if batch.Handle != nil {
		out.HandleID = s.register(batch.Handle)
	}
	return out, nil
}

func (s *Replay) register(h *replay.Handle) uuid.UUID {
	id := uuid.New()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[id] = h
	s.order = append(s.order, id)
	s.lastID = id
	for len(s.order) > maxHandles {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.handles, evict)
	}
	return id
}

func (s *Replay) lookup(id uuid.UUID) (*replay.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == uuid.Nil {
		id = s.lastID
	}
	h, ok := s.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, id)
	}
	return h, nil
}

// UpdatePriorities applies learner errors to the batch identified by
// id (uuid.Nil means the most recent batch), then advances the beta
// schedule one step. Stale slots are skipped, not failed.
func (s *Replay) UpdatePriorities(ctx context.Context, id uuid.UUID, errs []float32) (applied, stale int, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if s.pri == nil {
		return 0, 0, ErrNotPrioritized
	}
	h, err := s.lookup(id)
	if err != nil {
		return 0, 0, err
	}
	applied, stale, err = s.pri.UpdateBatchPriorities(h, errs)
	if err != nil {
		return 0, 0, err
	}
	s.metrics.PriorityUpdatesTotal.Add(float64(applied))
	s.metrics.StalePriorityUpdates.Add(float64(stale))

	s.mu.Lock()
	s.updates++
	step := s.updates
	s.mu.Unlock()
	beta := s.sched.At(step)
	s.pri.SetBeta(beta)
	s.metrics.Beta.Set(beta)

	if stale > 0 {
		s.logger.Debug().
			Int("applied", applied).
			Int("stale", stale).
			Msg("priority update skipped overwritten slots")
	}
	return applied, stale, nil
}

// SetBeta overrides the annealed exponent directly.
func (s *Replay) SetBeta(ctx context.Context, beta float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.pri == nil {
		return ErrNotPrioritized
	}
	if beta < 0 || beta > 1 {
		return fmt.Errorf("beta must be in [0, 1]")
	}
	s.pri.SetBeta(beta)
	s.metrics.Beta.Set(beta)
	return nil
}

// Stats reports buffer occupancy plus the warmup state.
func (s *Replay) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	bs := s.buf.Stats()
	return Stats{
		Stats:      bs,
		MinWritten: s.minWritten,
		Warm:       bs.Steps >= s.minWritten,
	}, nil
}
