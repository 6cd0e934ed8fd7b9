package policy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/tidemark-io/tidemark/internal/config"
	"github.com/tidemark-io/tidemark/internal/domain"
)

// SimulatedLearner is the stand-in for the external gradient collaborator.
// It keeps a linear scoring vector per parameter reference and nudges it
// toward reward-weighted feature averages on each update. Good enough to
// exercise the full update/validate/promote cycle; not a real learner.
type SimulatedLearner struct {
	mu          sync.Mutex
	params      map[string][]float64
	latestRef   string
	dim         int
	stepSize    float64
	constraints config.Constraints
}

// NewSimulatedLearner creates a learner producing dim-length scoring vectors.
func NewSimulatedLearner(dim int, constraints config.Constraints) *SimulatedLearner {
	return &SimulatedLearner{
		params:      make(map[string][]float64),
		dim:         dim,
		stepSize:    0.05,
		constraints: constraints,
	}
}

// Update implements domain.PolicyLearner.
func (l *SimulatedLearner) Update(ctx context.Context, batch []domain.WeightedTransition) (string, domain.TrainingDiagnostics, error) {
	started := time.Now()
	if len(batch) == 0 {
		return "", domain.TrainingDiagnostics{}, fmt.Errorf("empty batch")
	}
	if err := ctx.Err(); err != nil {
		return "", domain.TrainingDiagnostics{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	base := make([]float64, l.dim)
	if prev, ok := l.params[l.latestRef]; ok {
		copy(base, prev)
	}

	// Reward-weighted feature direction over the batch.
	grad := make([]float64, l.dim)
	rewards := make([]float64, 0, len(batch))
	weights := make([]float64, 0, len(batch))
	for _, wt := range batch {
		rewards = append(rewards, wt.Transition.Reward)
		weights = append(weights, wt.Weight)
		for _, values := range wt.Transition.Observations {
			for i, v := range values {
				if i >= l.dim {
					break
				}
				grad[i] += wt.Weight * wt.Transition.Reward * v
			}
		}
	}

	var norm float64
	for i := range base {
		g := grad[i] / float64(len(batch))
		base[i] += l.stepSize * g
		norm += g * g
	}

	ref := uuid.NewString()
	l.params[ref] = base
	l.latestRef = ref

	meanReward := stat.Mean(rewards, weights)
	diag := domain.TrainingDiagnostics{
		Loss:       -meanReward,
		GradNorm:   math.Sqrt(norm),
		BatchSize:  len(batch),
		DurationMs: time.Since(started).Milliseconds(),
	}
	return ref, diag, nil
}

// Source returns an action source evaluating the parameter set behind ref.
func (l *SimulatedLearner) Source(ref string) (domain.ActionSource, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	params, ok := l.params[ref]
	if !ok {
		return nil, fmt.Errorf("unknown parameters reference %s", ref)
	}
	vec := make([]float64, len(params))
	copy(vec, params)
	return &linearSource{params: vec, constraints: l.constraints}, nil
}

// linearSource scores each symbol by a dot product over its observation and
// allocates investable capital proportionally to positive scores.
type linearSource struct {
	params      []float64
	constraints config.Constraints
}

func (s *linearSource) Act(obs map[string]domain.Observation, hidden domain.HiddenState) (map[string]float64, domain.HiddenState, error) {
	symbols := make([]string, 0, len(obs))
	for sym := range obs {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	scores := make(map[string]float64, len(symbols))
	total := 0.0
	for _, sym := range symbols {
		var score float64
		for i, v := range obs[sym].Values {
			if i >= len(s.params) {
				break
			}
			score += s.params[i] * v
		}
		if score > 0 {
			scores[sym] = score
			total += score
		}
	}

	weights := make(map[string]float64, len(symbols))
	if total == 0 {
		return weights, hidden, nil // no conviction: hold cash
	}
	investable := 1 - s.constraints.MinCashBuffer
	for sym, score := range scores {
		w := investable * score / total
		if w > s.constraints.MaxWeightPerAsset {
			w = s.constraints.MaxWeightPerAsset
		}
		weights[sym] = w
	}
	return weights, hidden, nil
}
