package domain

import (
	"context"
	"time"
)

// HiddenState is the recurrent state an action source threads across steps
// within an episode. It is reset deterministically at episode boundaries.
type HiddenState []float64

// ActionSource produces target portfolio weights for a step. Implemented by
// the live policy (via the policy learner's act surface) and by the warm-up
// baseline. Weights are one scalar per symbol in [0, max_weight_per_asset];
// implicit cash is 1 - sum(weights).
type ActionSource interface {
	Act(obs map[string]Observation, hidden HiddenState) (weights map[string]float64, next HiddenState, err error)
}

// WeightedTransition pairs a transition with its sampling importance weight.
type WeightedTransition struct {
	Transition *Transition
	Weight     float64
}

// TrainingDiagnostics is returned by the policy learner after an update.
type TrainingDiagnostics struct {
	Loss       float64
	GradNorm   float64
	BatchSize  int
	DurationMs int64
}

// PolicyLearner is the external gradient-update collaborator. It consumes a
// weighted transition batch and returns a reference to updated parameters.
type PolicyLearner interface {
	Update(ctx context.Context, batch []WeightedTransition) (parametersRef string, diag TrainingDiagnostics, err error)
}

// Order is a signed integer share delta for one symbol. EffectiveAt is the
// earliest time the order may fill (the next bar boundary).
type Order struct {
	Symbol      string
	ShareDelta  int64
	EffectiveAt time.Time
}

// Fill is the gateway's report of a (possibly partial) execution. The
// environment treats a partial fill as the realized trade; no retry within
// a step.
type Fill struct {
	Symbol         string
	FilledQuantity int64
	FillPrice      float64
	FillTimestamp  time.Time
}

// ExecutionGateway turns share deltas into fills. Live implementations talk
// to a broker; the simulation gateway fills at the next bar's open.
type ExecutionGateway interface {
	Execute(ctx context.Context, orders []Order) ([]Fill, error)
}
