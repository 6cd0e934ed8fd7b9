package simenv

import (
	"math"
	"sort"

	"github.com/tidemark-io/tidemark/internal/config"
)

// weightEpsilon absorbs float error when checking the cash-buffer bound.
const weightEpsilon = 1e-9

// ConstraintPipeline applies the deterministic action-space repair in fixed
// order: clip, cash-buffer scale, quantize. Weight requests outside limits
// are recovered here, never surfaced as failures.
type ConstraintPipeline struct {
	cfg config.Constraints
}

// NewConstraintPipeline creates the pipeline for a constraint set.
func NewConstraintPipeline(cfg config.Constraints) *ConstraintPipeline {
	return &ConstraintPipeline{cfg: cfg}
}

// Enforce returns post-constraint target weights. Guarantees:
// every weight in [0, MaxWeightPerAsset], quantized to WeightIncrement,
// and sum(weights) <= 1 - MinCashBuffer.
func (p *ConstraintPipeline) Enforce(weights map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(weights))

	// 1. Clip per-asset.
	for sym, w := range weights {
		out[sym] = clamp(w, 0, p.cfg.MaxWeightPerAsset)
	}

	// 2. Enforce the cash buffer by scaling all weights down uniformly.
	limit := 1 - p.cfg.MinCashBuffer
	if sum := weightSum(out); sum > limit {
		scale := limit / sum
		for sym := range out {
			out[sym] *= scale
		}
	}

	// 3. Quantize to the tradable increment.
	inc := p.cfg.WeightIncrement
	for sym, w := range out {
		out[sym] = math.Round(w/inc) * inc
	}

	// Rounding up can nudge the sum back over the limit; shave increments
	// off the largest weights until the buffer holds again.
	p.repair(out, limit)

	return out
}

// repair deterministically reduces the largest weights by one increment at a
// time until sum <= limit.
func (p *ConstraintPipeline) repair(weights map[string]float64, limit float64) {
	inc := p.cfg.WeightIncrement
	for weightSum(weights) > limit+weightEpsilon {
		largest := ""
		for sym, w := range weights {
			if largest == "" || w > weights[largest] || (w == weights[largest] && sym < largest) {
				largest = sym
			}
		}
		if largest == "" || weights[largest] < inc {
			return
		}
		weights[largest] -= inc
	}
}

// Turnover is the L1 distance between two weight vectors.
func Turnover(prev, next map[string]float64) float64 {
	symbols := map[string]struct{}{}
	for sym := range prev {
		symbols[sym] = struct{}{}
	}
	for sym := range next {
		symbols[sym] = struct{}{}
	}

	keys := make([]string, 0, len(symbols))
	for sym := range symbols {
		keys = append(keys, sym)
	}
	sort.Strings(keys)

	total := 0.0
	for _, sym := range keys {
		total += math.Abs(next[sym] - prev[sym])
	}
	return total
}

func weightSum(weights map[string]float64) float64 {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	return sum
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
