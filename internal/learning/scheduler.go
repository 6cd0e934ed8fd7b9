package learning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tidemark-io/tidemark/internal/config"
	"github.com/tidemark-io/tidemark/internal/domain"
	"github.com/tidemark-io/tidemark/internal/experience"
	"github.com/tidemark-io/tidemark/internal/policy"
)

// ErrSchedulerHalted is returned once repeated learner failures exhaust the
// retry budget; live decisioning fails safe to holding positions.
var ErrSchedulerHalted = errors.New("update scheduler halted after repeated learner failures")

// SourceFactory resolves a parameters reference into a usable action
// source. The simulated learner implements it; a real learner collaborator
// would load the referenced weights.
type SourceFactory interface {
	Source(parametersRef string) (domain.ActionSource, error)
}

// Scheduler runs cron-cadenced policy update cycles. Cycles are exclusive:
// at most one in flight, at most one deferred trigger retained.
type Scheduler struct {
	cfg     config.LearningCfg
	buffer  *experience.Buffer
	learner domain.PolicyLearner
	sources SourceFactory
	gate    *Gate

	checkpoints *CheckpointRepository
	history     *CycleHistory
	active      *policy.Active

	cron *cron.Cron
	log  zerolog.Logger

	mu       sync.Mutex
	running  bool
	deferred bool
	failures int
	halted   bool
}

// NewScheduler wires the continual-learning loop.
func NewScheduler(
	cfg config.LearningCfg,
	constraints config.Constraints,
	buffer *experience.Buffer,
	learner domain.PolicyLearner,
	sources SourceFactory,
	checkpoints *CheckpointRepository,
	history *CycleHistory,
	active *policy.Active,
	log zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		buffer:      buffer,
		learner:     learner,
		sources:     sources,
		gate:        NewGate(cfg, constraints),
		checkpoints: checkpoints,
		history:     history,
		active:      active,
		cron:        cron.New(),
		log:         log.With().Str("component", "update_scheduler").Logger(),
	}
}

// Start registers the cadence and begins triggering cycles.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.cfg.UpdateSchedule, func() {
		if err := s.Trigger(context.Background()); err != nil &&
			!errors.Is(err, domain.ErrUpdateInFlight) && !errors.Is(err, ErrSchedulerHalted) {
			s.log.Error().Err(err).Msg("scheduled update cycle failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid update schedule %q: %w", s.cfg.UpdateSchedule, err)
	}
	s.cron.Start()
	s.log.Info().Str("schedule", s.cfg.UpdateSchedule).Msg("update scheduler started")
	return nil
}

// Stop halts the cadence; an in-flight cycle finishes on its own.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// Halted reports whether the retry budget is exhausted. The episode runner
// checks this and falls back to holding current positions.
func (s *Scheduler) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Trigger requests an update cycle now. If one is already running, the
// trigger is deferred; at most one deferred trigger is kept, the rest are
// dropped.
func (s *Scheduler) Trigger(ctx context.Context) error {
	s.mu.Lock()
	if s.halted {
		s.mu.Unlock()
		return ErrSchedulerHalted
	}
	if s.running {
		s.deferred = true
		s.mu.Unlock()
		return domain.ErrUpdateInFlight
	}
	s.running = true
	s.mu.Unlock()

	for {
		err := s.runCycle(ctx)

		s.mu.Lock()
		rerun := s.deferred && !s.halted && ctx.Err() == nil
		s.deferred = false
		if !rerun {
			s.running = false
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()
	}
}

// runCycle performs one complete update: sample, learn, gate, finalize.
func (s *Scheduler) runCycle(ctx context.Context) error {
	started := time.Now().UTC()
	outcome, versionID, detail := s.executeCycle(ctx, started)

	if s.history != nil {
		record := UpdateCycle{
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
			VersionID:  versionID,
			Outcome:    outcome,
			Detail:     detail,
		}
		if err := s.history.Record(context.WithoutCancel(ctx), record); err != nil {
			s.log.Error().Err(err).Msg("failed to record update cycle")
		}
	}

	if outcome == CycleFailed {
		return &domain.LearnerUpdateError{Cause: errors.New(detail)}
	}
	return nil
}

func (s *Scheduler) executeCycle(ctx context.Context, started time.Time) (CycleOutcome, string, string) {
	batch, err := s.buffer.SampleBatch(s.cfg.BatchSize, started)
	if err != nil {
		s.log.Warn().Err(err).Msg("update cycle aborted: no batch")
		return CycleAborted, "", err.Error()
	}

	learnCtx, cancel := context.WithTimeout(ctx, s.cfg.LearnerTimeout)
	parametersRef, diag, err := s.learner.Update(learnCtx, batch)
	cancel()
	if err != nil {
		return s.recordFailure(err), "", err.Error()
	}

	// The only clean cancellation point: after the learner call, before the
	// checkpoint write. Past this point the cycle runs to a final status.
	if ctx.Err() != nil {
		s.log.Warn().Msg("update cycle cancelled before checkpoint write, pending checkpoint discarded")
		return CycleAborted, "", ctx.Err().Error()
	}

	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()

	checkpoint := &domain.PolicyCheckpoint{
		VersionID:     uuid.NewString(),
		ParametersRef: parametersRef,
		CreatedAt:     time.Now().UTC(),
		Status:        domain.CheckpointPending,
	}
	if err := s.checkpoints.Create(ctx, checkpoint); err != nil {
		s.log.Error().Err(err).Msg("failed to persist pending checkpoint")
		return CycleAborted, "", err.Error()
	}

	candidate, err := s.sources.Source(parametersRef)
	if err != nil {
		metrics := domain.ValidationMetrics{Reason: err.Error()}
		s.finalize(ctx, checkpoint.VersionID, domain.CheckpointRejected, metrics)
		return CycleRejected, checkpoint.VersionID, err.Error()
	}

	metrics, ok := s.gate.Validate(candidate, s.buffer.Holdout(s.cfg.HoldoutSteps))
	if !ok {
		s.finalize(ctx, checkpoint.VersionID, domain.CheckpointRejected, metrics)
		s.log.Info().
			Str("version", checkpoint.VersionID).
			Str("reason", metrics.Reason).
			Msg("checkpoint rejected by validation gate")
		return CycleRejected, checkpoint.VersionID, metrics.Reason
	}

	s.finalize(ctx, checkpoint.VersionID, domain.CheckpointPromoted, metrics)
	s.active.Promote(checkpoint.VersionID, candidate)
	s.log.Info().
		Str("version", checkpoint.VersionID).
		Int("batch_size", diag.BatchSize).
		Float64("loss", diag.Loss).
		Msg("checkpoint promoted")
	return CyclePromoted, checkpoint.VersionID, ""
}

func (s *Scheduler) finalize(ctx context.Context, versionID string, status domain.PromotionStatus, metrics domain.ValidationMetrics) {
	if err := s.checkpoints.Finalize(context.WithoutCancel(ctx), versionID, status, metrics); err != nil {
		s.log.Error().Err(err).Str("version", versionID).Msg("failed to finalize checkpoint")
	}
}

// recordFailure counts a learner failure against the retry budget; past the
// budget the scheduler halts and live decisioning fails safe.
func (s *Scheduler) recordFailure(cause error) CycleOutcome {
	s.mu.Lock()
	s.failures++
	failures := s.failures
	if failures >= s.cfg.RetryBudget {
		s.halted = true
	}
	halted := s.halted
	s.mu.Unlock()

	event := s.log.Warn().Err(cause).Int("consecutive_failures", failures)
	if halted {
		event = s.log.Error().Err(cause).Int("consecutive_failures", failures).Bool("halted", true)
	}
	event.Msg("policy learner update failed, cycle discarded")
	return CycleFailed
}
