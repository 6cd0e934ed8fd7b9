package learning

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/internal/config"
	"github.com/tidemark-io/tidemark/internal/domain"
)

// fixedSource always answers with the same weights.
type fixedSource struct {
	weights map[string]float64
	err     error
}

func (s *fixedSource) Act(_ map[string]domain.Observation, hidden domain.HiddenState) (map[string]float64, domain.HiddenState, error) {
	return s.weights, hidden, s.err
}

func testGate() *Gate {
	return NewGate(
		config.LearningCfg{HoldoutSteps: 10},
		config.Constraints{MaxWeightPerAsset: 0.25, MinCashBuffer: 0.1, WeightIncrement: 0.05},
	)
}

func holdoutWindow(n int, reward float64) []*domain.Transition {
	out := make([]*domain.Transition, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &domain.Transition{
			StepIndex:    int64(i),
			Observations: map[string][]float64{"AAA": {0.01, -0.02}},
			Reward:       reward,
			RecordedAt:   time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC).Add(time.Duration(i) * 10 * time.Minute),
			Valid:        true,
		})
	}
	return out
}

func TestValidate_PassesSaneCandidate(t *testing.T) {
	metrics, ok := testGate().Validate(&fixedSource{weights: map[string]float64{"AAA": 0.2}}, holdoutWindow(8, 1.5))

	require.True(t, ok)
	assert.Empty(t, metrics.Reason)
	assert.Equal(t, 8, metrics.HoldoutSteps)
	assert.InDelta(t, 1.5, metrics.MeanReward, 1e-9)
	assert.InDelta(t, 0.2, metrics.MaxActionMagnitude, 1e-9)
}

func TestValidate_EmptyHoldoutFails(t *testing.T) {
	_, ok := testGate().Validate(&fixedSource{weights: map[string]float64{"AAA": 0.2}}, nil)
	assert.False(t, ok)
}

func TestValidate_ActionMagnitudeBound(t *testing.T) {
	// No explicit bound in cfg: the per-asset constraint is the bound.
	metrics, ok := testGate().Validate(&fixedSource{weights: map[string]float64{"AAA": 0.4}}, holdoutWindow(8, 1))

	assert.False(t, ok)
	assert.Contains(t, metrics.Reason, "action magnitude")
}

func TestValidate_WeightSumBound(t *testing.T) {
	gate := NewGate(
		config.LearningCfg{MaxActionMagnitude: 1},
		config.Constraints{MaxWeightPerAsset: 1},
	)
	weights := map[string]float64{"AAA": 0.6, "BBB": 0.6}
	metrics, ok := gate.Validate(&fixedSource{weights: weights}, holdoutWindow(8, 1))

	assert.False(t, ok)
	assert.Contains(t, metrics.Reason, "weight sum")
}

func TestValidate_NonFiniteWeightFails(t *testing.T) {
	metrics, ok := testGate().Validate(&fixedSource{weights: map[string]float64{"AAA": math.NaN()}}, holdoutWindow(8, 1))

	assert.False(t, ok)
	assert.Contains(t, metrics.Reason, "non-finite")
}

func TestValidate_MeanRewardSanityBound(t *testing.T) {
	gate := NewGate(
		config.LearningCfg{MaxAbsMeanReward: 100},
		config.Constraints{MaxWeightPerAsset: 0.25},
	)
	metrics, ok := gate.Validate(&fixedSource{weights: map[string]float64{"AAA": 0.2}}, holdoutWindow(8, 5_000))

	assert.False(t, ok)
	assert.Contains(t, metrics.Reason, "mean reward")
}
