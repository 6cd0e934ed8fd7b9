// Package episode drives the simulation environment across a fixed
// 10-minute step grid: observe, act, step, record. One runner owns one
// environment; PortfolioState mutation stays confined to that single
// step-owner.
package episode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tidemark-io/tidemark/internal/domain"
	"github.com/tidemark-io/tidemark/internal/experience"
	"github.com/tidemark-io/tidemark/internal/simenv"
)

// HaltChecker reports when live decisioning must fail safe to holding
// current positions. The learning scheduler implements it.
type HaltChecker interface {
	Halted() bool
}

// Summary is what one finished episode amounts to.
type Summary struct {
	EpisodeID    string
	Steps        int
	ValidSteps   int
	SkippedSteps int
	FinalEquity  float64
	TotalReward  float64
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Runner executes episodes against the environment.
type Runner struct {
	env          *simenv.Environment
	source       domain.ActionSource
	buffer       *experience.Buffer
	halt         HaltChecker
	startingCash float64
	stepInterval time.Duration
	log          zerolog.Logger
}

// NewRunner creates an episode runner. halt may be nil when no learning
// scheduler is attached (pure backtests).
func NewRunner(
	env *simenv.Environment,
	source domain.ActionSource,
	buffer *experience.Buffer,
	halt HaltChecker,
	startingCash float64,
	stepInterval time.Duration,
	log zerolog.Logger,
) *Runner {
	return &Runner{
		env:          env,
		source:       source,
		buffer:       buffer,
		halt:         halt,
		startingCash: startingCash,
		stepInterval: stepInterval,
		log:          log.With().Str("component", "episode_runner").Logger(),
	}
}

// LatestKnowableStart returns the newest grid-aligned start for an episode
// of steps decisions that is fully markable at now: a decision at t fills at
// the open of the bar at t+Δ and marks at that bar's close, knowable at
// t+2Δ. Decisions therefore trail the wall clock, never lead it.
func LatestKnowableStart(now time.Time, steps int, interval time.Duration) time.Time {
	return now.Add(-time.Duration(steps+1) * interval).Truncate(interval)
}

// KnowableAt returns the wall-clock time at which an episode starting at
// start becomes fully markable.
func KnowableAt(start time.Time, steps int, interval time.Duration) time.Time {
	return start.Add(time.Duration(steps+1) * interval)
}

// Run executes one episode of steps decisions starting at start. Recurrent
// hidden state is threaded through the action source within the episode and
// dropped at the boundary. A data gap skips the step rather than aborting
// the episode; a data-integrity error aborts.
func (r *Runner) Run(ctx context.Context, start time.Time, steps int) (*Summary, error) {
	episodeID := uuid.NewString()
	r.env.Reset(episodeID, r.startingCash)
	defer r.env.EndEpisode()

	summary := &Summary{EpisodeID: episodeID, StartedAt: start}
	var hidden domain.HiddenState

	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if r.halt != nil && r.halt.Halted() {
			r.log.Error().Str("episode", episodeID).Msg("decisioning halted, holding positions")
			return summary, fmt.Errorf("episode %s stopped at step %d: scheduler halted", episodeID, i)
		}

		t := start.Add(time.Duration(i) * r.stepInterval)

		obs, err := r.env.Observe(ctx, t)
		if err != nil {
			if errors.Is(err, domain.ErrObservationGap) {
				summary.SkippedSteps++
				continue
			}
			return summary, err
		}

		weights, next, err := r.source.Act(obs, hidden)
		if err != nil {
			return summary, fmt.Errorf("action source at step %d: %w", i, err)
		}
		hidden = next

		transition, diag, err := r.env.Step(ctx, t, weights, obs)
		if err != nil {
			if domain.IsDataIntegrity(err) {
				return summary, err
			}
			if errors.Is(err, domain.ErrObservationGap) {
				summary.SkippedSteps++
				continue
			}
			return summary, err
		}

		summary.Steps++
		summary.TotalReward += transition.Reward
		if transition.Valid {
			summary.ValidSteps++
		}
		summary.FinalEquity = diag.EquityAfter
		summary.FinishedAt = t.Add(r.stepInterval)

		if r.buffer != nil {
			if err := r.buffer.Add(ctx, transition); err != nil {
				return summary, err
			}
		}
	}

	r.log.Info().
		Str("episode", episodeID).
		Int("steps", summary.Steps).
		Int("skipped", summary.SkippedSteps).
		Float64("final_equity", summary.FinalEquity).
		Float64("total_reward", summary.TotalReward).
		Msg("episode finished")
	return summary, nil
}
