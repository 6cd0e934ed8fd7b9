package learning

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/tidemark-io/tidemark/internal/config"
	"github.com/tidemark-io/tidemark/internal/domain"
)

// Gate is the validation step between a pending checkpoint and promotion.
// It replays the candidate action source over a held-out window of the most
// recent transitions and checks sanity bounds on action magnitudes and
// reward. A gate failure is an expected outcome, not an error.
type Gate struct {
	cfg         config.LearningCfg
	constraints config.Constraints
}

// NewGate creates a validation gate.
func NewGate(cfg config.LearningCfg, constraints config.Constraints) *Gate {
	return &Gate{cfg: cfg, constraints: constraints}
}

// Validate runs the candidate against the holdout window and returns the
// metrics plus pass/fail. The holdout must be non-empty.
func (g *Gate) Validate(candidate domain.ActionSource, holdout []*domain.Transition) (domain.ValidationMetrics, bool) {
	metrics := domain.ValidationMetrics{HoldoutSteps: len(holdout)}
	if len(holdout) == 0 {
		metrics.Reason = "empty holdout window"
		return metrics, false
	}

	rewards := make([]float64, 0, len(holdout))
	var hidden domain.HiddenState
	for _, t := range holdout {
		rewards = append(rewards, t.Reward)

		obs := make(map[string]domain.Observation, len(t.Observations))
		for sym, values := range t.Observations {
			obs[sym] = domain.Observation{Symbol: sym, Values: values}
		}
		weights, next, err := candidate.Act(obs, hidden)
		if err != nil {
			metrics.Reason = fmt.Sprintf("candidate act failed: %v", err)
			return metrics, false
		}
		hidden = next

		sum := 0.0
		for _, w := range weights {
			if math.IsNaN(w) || math.IsInf(w, 0) {
				metrics.Reason = "non-finite action weight"
				return metrics, false
			}
			if math.Abs(w) > metrics.MaxActionMagnitude {
				metrics.MaxActionMagnitude = math.Abs(w)
			}
			sum += w
		}
		if sum > metrics.MaxWeightSum {
			metrics.MaxWeightSum = sum
		}
	}

	metrics.MeanReward = stat.Mean(rewards, nil)
	if len(rewards) > 1 {
		metrics.RewardStdDev = stat.StdDev(rewards, nil)
	}

	maxMagnitude := g.cfg.MaxActionMagnitude
	if maxMagnitude == 0 {
		maxMagnitude = g.constraints.MaxWeightPerAsset
	}
	switch {
	case metrics.MaxActionMagnitude > maxMagnitude+1e-9:
		metrics.Reason = fmt.Sprintf("action magnitude %.4f exceeds bound %.4f", metrics.MaxActionMagnitude, maxMagnitude)
	case metrics.MaxWeightSum > 1+1e-9:
		metrics.Reason = fmt.Sprintf("weight sum %.4f exceeds 1", metrics.MaxWeightSum)
	case g.cfg.MaxAbsMeanReward > 0 && math.Abs(metrics.MeanReward) > g.cfg.MaxAbsMeanReward:
		metrics.Reason = fmt.Sprintf("holdout mean reward %.4f outside sanity bound %.4f", metrics.MeanReward, g.cfg.MaxAbsMeanReward)
	case math.IsNaN(metrics.MeanReward):
		metrics.Reason = "non-finite holdout reward"
	default:
		return metrics, true
	}
	return metrics, false
}
