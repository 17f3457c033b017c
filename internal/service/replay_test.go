package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/replaybuf/internal/metrics"
	"github.com/cartridge/replaybuf/internal/replay"
)

func testChunk(steps, envSlots, frameLen, step0 int) replay.Chunk {
	chunk := replay.Chunk{
		Observations: make([][][]float32, steps),
		Actions:      make([][]int32, steps),
		Rewards:      make([][]float32, steps),
		Dones:        make([][]bool, steps),
	}
	for i := 0; i < steps; i++ {
		chunk.Observations[i] = make([][]float32, envSlots)
		chunk.Actions[i] = make([]int32, envSlots)
		chunk.Rewards[i] = make([]float32, envSlots)
		chunk.Dones[i] = make([]bool, envSlots)
		for b := 0; b < envSlots; b++ {
			frame := make([]float32, frameLen)
			for j := range frame {
				frame[j] = float32(step0 + i + 1)
			}
			chunk.Observations[i][b] = frame
			chunk.Actions[i][b] = int32(step0 + i)
			chunk.Rewards[i][b] = float32(step0 + i)
		}
	}
	return chunk
}

func newTestService(t *testing.T, prioritized bool, minWritten int64) *Replay {
	t.Helper()
	buf, err := replay.New(replay.Config{
		RingDepth: 128, EnvSlots: 1, FrameLen: 2,
		FrameStack: 2, NStep: 2, Discount: 0.99,
		Prioritized: prioritized, Alpha: 0.6, Beta: 0.4,
		DefaultPriority: 1, PriorityFloor: 1e-6, Seed: 3,
	})
	require.NoError(t, err)
	sched := replay.BetaSchedule{Init: 0.4, Final: 1.0, Steps: 10}
	m := metrics.New(prometheus.NewRegistry())
	return NewReplay(buf, sched, minWritten, m, zerolog.Nop())
}

func TestReplay_WarmupGate(t *testing.T) {
	svc := newTestService(t, false, 50)
	ctx := context.Background()

	steps, err := svc.Append(ctx, testChunk(20, 1, 2, 0))
	require.NoError(t, err)
	assert.Equal(t, 20, steps)

	_, err = svc.Sample(ctx, 8)
	assert.ErrorIs(t, err, replay.ErrInsufficientData)

	_, err = svc.Append(ctx, testChunk(40, 1, 2, 20))
	require.NoError(t, err)

	out, err := svc.Sample(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, 8, out.Batch.Size)
}

func TestReplay_AppendRejectsBadShape(t *testing.T) {
	svc := newTestService(t, false, 0)
	chunk := testChunk(4, 1, 2, 0)
	chunk.Observations[2][0] = []float32{1} // wrong frame length

	_, err := svc.Append(context.Background(), chunk)
	assert.ErrorIs(t, err, replay.ErrShapeMismatch)
}

func TestReplay_PriorityFeedbackLoop(t *testing.T) {
	svc := newTestService(t, true, 0)
	ctx := context.Background()

	_, err := svc.Append(ctx, testChunk(60, 1, 2, 0))
	require.NoError(t, err)

	out, err := svc.Sample(ctx, 8)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, out.HandleID)
	require.Len(t, out.Batch.Weights, 8)

	errs := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	applied, stale, err := svc.UpdatePriorities(ctx, out.HandleID, errs)
	require.NoError(t, err)
	assert.Equal(t, 8, applied)
	assert.Equal(t, 0, stale)

	// uuid.Nil addresses the most recent batch.
	out2, err := svc.Sample(ctx, 4)
	require.NoError(t, err)
	_, _, err = svc.UpdatePriorities(ctx, uuid.Nil, []float32{1, 1, 1, 1})
	require.NoError(t, err)
	_ = out2

	// One schedule step per completed update.
	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	sched := replay.BetaSchedule{Init: 0.4, Final: 1.0, Steps: 10}
	assert.InDelta(t, sched.At(2), stats.Beta, 1e-12)
}

func TestReplay_UnknownHandle(t *testing.T) {
	svc := newTestService(t, true, 0)
	ctx := context.Background()
	_, err := svc.Append(ctx, testChunk(60, 1, 2, 0))
	require.NoError(t, err)

	_, _, err = svc.UpdatePriorities(ctx, uuid.New(), []float32{1})
	assert.ErrorIs(t, err, ErrUnknownHandle)

	// No batch sampled yet: the implicit most-recent lookup also
	// misses.
	_, _, err = svc.UpdatePriorities(ctx, uuid.Nil, []float32{1})
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestReplay_HandleEviction(t *testing.T) {
	svc := newTestService(t, true, 0)
	ctx := context.Background()
	_, err := svc.Append(ctx, testChunk(60, 1, 2, 0))
	require.NoError(t, err)

	first, err := svc.Sample(ctx, 2)
	require.NoError(t, err)
	for i := 0; i < maxHandles; i++ {
		_, err := svc.Sample(ctx, 2)
		require.NoError(t, err)
	}

	_, _, err = svc.UpdatePriorities(ctx, first.HandleID, []float32{1, 1})
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestReplay_UniformRejectsPriorityOps(t *testing.T) {
	svc := newTestService(t, false, 0)
	ctx := context.Background()
	_, err := svc.Append(ctx, testChunk(60, 1, 2, 0))
	require.NoError(t, err)

	out, err := svc.Sample(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, out.HandleID)
	assert.Nil(t, out.Batch.Weights)

	_, _, err = svc.UpdatePriorities(ctx, uuid.Nil, []float32{1})
	assert.ErrorIs(t, err, ErrNotPrioritized)
	assert.ErrorIs(t, svc.SetBeta(ctx, 0.5), ErrNotPrioritized)
}

func TestReplay_SetBetaBounds(t *testing.T) {
	svc := newTestService(t, true, 0)
	ctx := context.Background()
	assert.Error(t, svc.SetBeta(ctx, -0.1))
	assert.Error(t, svc.SetBeta(ctx, 1.1))
	assert.NoError(t, svc.SetBeta(ctx, 0.8))

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.8, stats.Beta)
}

func TestReplay_StatsWarmFlag(t *testing.T) {
	svc := newTestService(t, false, 10)
	ctx := context.Background()

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.False(t, stats.Warm)
	assert.Equal(t, int64(10), stats.MinWritten)

	_, err = svc.Append(ctx, testChunk(12, 1, 2, 0))
	require.NoError(t, err)
	stats, err = svc.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Warm)
	assert.Equal(t, int64(12), stats.Steps)
}
