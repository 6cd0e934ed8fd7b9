// Package policy holds the environment's action sources: the equal-weight
// warm-up baseline, the live-policy holder that swaps on checkpoint
// promotion, and a simulated learner stand-in for the external gradient
// collaborator.
package policy

import (
	"github.com/tidemark-io/tidemark/internal/config"
	"github.com/tidemark-io/tidemark/internal/domain"
)

// EqualWeight is the warm-up action source used until the first checkpoint
// is promoted. It spreads investable capital evenly across the universe,
// respecting the per-asset cap and the cash buffer, and carries no hidden
// state.
type EqualWeight struct {
	universe    []string
	constraints config.Constraints
}

// NewEqualWeight creates the warm-up baseline for a fixed universe.
func NewEqualWeight(universe []string, constraints config.Constraints) *EqualWeight {
	return &EqualWeight{universe: universe, constraints: constraints}
}

// Act implements domain.ActionSource.
func (b *EqualWeight) Act(_ map[string]domain.Observation, hidden domain.HiddenState) (map[string]float64, domain.HiddenState, error) {
	weights := make(map[string]float64, len(b.universe))
	if len(b.universe) == 0 {
		return weights, hidden, nil
	}

	per := (1 - b.constraints.MinCashBuffer) / float64(len(b.universe))
	if per > b.constraints.MaxWeightPerAsset {
		per = b.constraints.MaxWeightPerAsset
	}
	for _, symbol := range b.universe {
		weights[symbol] = per
	}
	return weights, hidden, nil
}
