package experience

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/internal/config"
	"github.com/tidemark-io/tidemark/internal/domain"
)

func testBufferCfg() config.BufferCfg {
	return config.BufferCfg{
		Capacity:  100,
		HalfLife:  48 * time.Hour,
		AnchorMix: 0.1,
	}
}

func makeTransition(step int64, recordedAt time.Time, valid bool) *domain.Transition {
	return &domain.Transition{
		EpisodeID:    "ep-1",
		StepIndex:    step,
		Observations: map[string][]float64{"AAA": {0.01, 0.02}},
		Action:       map[string]float64{"AAA": 0.25},
		Reward:       float64(step),
		RecordedAt:   recordedAt,
		Valid:        valid,
	}
}

func TestDecayWeight_HalvesAtHalfLife(t *testing.T) {
	b := NewBuffer(testBufferCfg(), nil, zerolog.Nop())

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 1.0, b.decayWeight(now, now))
	assert.InDelta(t, 0.5, b.decayWeight(now.Add(-48*time.Hour), now), 1e-9)
	assert.InDelta(t, 0.25, b.decayWeight(now.Add(-96*time.Hour), now), 1e-9)
	assert.Equal(t, 1.0, b.decayWeight(now.Add(time.Hour), now), "future timestamps clamp to full weight")
}

func TestAdd_InvalidTransitionsNeverSampled(t *testing.T) {
	b := NewBuffer(testBufferCfg(), nil, zerolog.Nop())

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	require.NoError(t, b.Add(context.Background(), makeTransition(0, now, true)))
	require.NoError(t, b.Add(context.Background(), makeTransition(1, now, false)))
	require.NoError(t, b.Add(context.Background(), makeTransition(2, now, true)))

	assert.Equal(t, 2, b.Len())

	b.Seed(1)
	batch, err := b.SampleBatch(64, now)
	require.NoError(t, err)
	for _, wt := range batch {
		assert.True(t, wt.Transition.Valid)
		assert.NotEqual(t, int64(1), wt.Transition.StepIndex)
	}
}

func TestSampleBatch_FavorsRecent(t *testing.T) {
	b := NewBuffer(config.BufferCfg{Capacity: 100, HalfLife: time.Hour}, nil, zerolog.Nop())
	b.Seed(7)

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	// One fresh transition against one ten-half-lives-old one.
	require.NoError(t, b.Add(context.Background(), makeTransition(0, now.Add(-10*time.Hour), true)))
	require.NoError(t, b.Add(context.Background(), makeTransition(1, now, true)))

	batch, err := b.SampleBatch(1000, now)
	require.NoError(t, err)

	recent := 0
	for _, wt := range batch {
		if wt.Transition.StepIndex == 1 {
			recent++
		}
	}
	// The stale entry keeps ~1/1024 of the fresh weight; nearly every
	// weighted draw lands on the fresh one.
	assert.Greater(t, recent, 900)
}

func TestSampleBatch_WeightsReflectRecency(t *testing.T) {
	b := NewBuffer(testBufferCfg(), nil, zerolog.Nop())
	b.Seed(3)

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	require.NoError(t, b.Add(context.Background(), makeTransition(0, now.Add(-48*time.Hour), true)))

	batch, err := b.SampleBatch(4, now)
	require.NoError(t, err)
	require.Len(t, batch, 4)
	for _, wt := range batch {
		assert.InDelta(t, 0.5, wt.Weight, 1e-9)
	}
}

func TestSampleBatch_EmptyBufferErrors(t *testing.T) {
	b := NewBuffer(testBufferCfg(), nil, zerolog.Nop())

	_, err := b.SampleBatch(8, time.Now().UTC())
	assert.Error(t, err)
}

func TestHoldout_NewestOldestFirst(t *testing.T) {
	b := NewBuffer(testBufferCfg(), nil, zerolog.Nop())

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	for i := int64(0); i < 10; i++ {
		require.NoError(t, b.Add(context.Background(), makeTransition(i, now.Add(time.Duration(i)*time.Minute), true)))
	}

	holdout := b.Holdout(3)
	require.Len(t, holdout, 3)
	assert.Equal(t, int64(7), holdout[0].StepIndex)
	assert.Equal(t, int64(8), holdout[1].StepIndex)
	assert.Equal(t, int64(9), holdout[2].StepIndex)

	// Asking for more than exists returns everything.
	assert.Len(t, b.Holdout(50), 10)
}

func TestAdd_CapacityEvictsOldest(t *testing.T) {
	b := NewBuffer(config.BufferCfg{Capacity: 5, HalfLife: 48 * time.Hour}, nil, zerolog.Nop())

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	for i := int64(0); i < 8; i++ {
		require.NoError(t, b.Add(context.Background(), makeTransition(i, now.Add(time.Duration(i)*time.Minute), true)))
	}

	assert.Equal(t, 5, b.Len())
	holdout := b.Holdout(5)
	assert.Equal(t, int64(3), holdout[0].StepIndex, "the oldest entries are evicted first")
}
