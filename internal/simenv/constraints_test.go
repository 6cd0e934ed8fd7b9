package simenv

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tidemark-io/tidemark/internal/config"
)

func defaultConstraints() config.Constraints {
	return config.Constraints{
		MaxWeightPerAsset: 0.25,
		MinCashBuffer:     0.10,
		WeightIncrement:   0.05,
	}
}

func TestEnforce_ClipsPerAsset(t *testing.T) {
	p := NewConstraintPipeline(defaultConstraints())

	out := p.Enforce(map[string]float64{"AAA": 0.80, "BBB": -0.30})

	assert.Equal(t, 0.25, out["AAA"])
	assert.Equal(t, 0.0, out["BBB"], "negative requests clip to zero, never short")
}

func TestEnforce_ScalesToCashBuffer(t *testing.T) {
	p := NewConstraintPipeline(config.Constraints{
		MaxWeightPerAsset: 0.50,
		MinCashBuffer:     0.10,
		WeightIncrement:   0.01,
	})

	out := p.Enforce(map[string]float64{"AAA": 0.50, "BBB": 0.50, "CCC": 0.50})

	sum := out["AAA"] + out["BBB"] + out["CCC"]
	assert.LessOrEqual(t, sum, 0.90+1e-9)
	// Uniform scaling preserves relative sizing.
	assert.InDelta(t, out["AAA"], out["BBB"], 1e-9)
	assert.InDelta(t, out["BBB"], out["CCC"], 1e-9)
}

func TestEnforce_QuantizesToIncrement(t *testing.T) {
	p := NewConstraintPipeline(defaultConstraints())

	out := p.Enforce(map[string]float64{"AAA": 0.13})

	assert.InDelta(t, 0.15, out["AAA"], 1e-9)
}

func TestEnforce_RepairAfterRoundingUp(t *testing.T) {
	// Nine requests that each round up to 0.10 would sum to 0.90 against an
	// 0.85 limit; repair shaves increments until the buffer holds.
	p := NewConstraintPipeline(config.Constraints{
		MaxWeightPerAsset: 0.25,
		MinCashBuffer:     0.15,
		WeightIncrement:   0.10,
	})

	requested := map[string]float64{}
	for _, sym := range []string{"A", "B", "C", "D", "E", "F", "G", "H", "I"} {
		requested[sym] = 0.095
	}
	out := p.Enforce(requested)

	sum := 0.0
	for _, w := range out {
		assert.GreaterOrEqual(t, w, 0.0)
		sum += w
	}
	assert.LessOrEqual(t, sum, 0.85+1e-9)
}

func TestEnforce_IsDeterministic(t *testing.T) {
	p := NewConstraintPipeline(defaultConstraints())
	requested := map[string]float64{"AAA": 0.31, "BBB": 0.29, "CCC": 0.33, "DDD": 0.27}

	first := p.Enforce(requested)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, p.Enforce(requested))
	}
}

func TestTurnover(t *testing.T) {
	prev := map[string]float64{"AAA": 0.20, "BBB": 0.10}
	next := map[string]float64{"AAA": 0.10, "CCC": 0.15}

	// |0.1-0.2| + |0-0.1| + |0.15-0| = 0.35
	assert.InDelta(t, 0.35, Turnover(prev, next), 1e-9)
	assert.Equal(t, 0.0, Turnover(prev, prev))
}
