// Package experience stores environment transitions with exponential
// recency weighting and serves weighted sample batches to the learning
// scheduler. The in-memory buffer is bounded; the SQLite ledger underneath
// keeps everything for audit.
package experience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidemark-io/tidemark/internal/config"
	"github.com/tidemark-io/tidemark/internal/domain"
)

// Buffer is the shared append-mostly transition store. Appends are atomic
// per transition: a sampler never observes a partially written entry.
type Buffer struct {
	mu      sync.RWMutex
	entries []*domain.Transition

	cfg  config.BufferCfg
	repo *Repository
	rng  *rand.Rand
	log  zerolog.Logger
}

// NewBuffer creates an experience buffer backed by the given ledger
// repository. repo may be nil in tests that only exercise sampling.
func NewBuffer(cfg config.BufferCfg, repo *Repository, log zerolog.Logger) *Buffer {
	return &Buffer{
		cfg:  cfg,
		repo: repo,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		log:  log.With().Str("component", "experience_buffer").Logger(),
	}
}

// Seed fixes the sampling RNG, for deterministic tests.
func (b *Buffer) Seed(seed int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rng = rand.New(rand.NewSource(seed))
}

// Add appends one transition: durably to the ledger first, then to the
// in-memory window. Invalid transitions are kept in the ledger for audit
// but never enter the sampling window.
func (b *Buffer) Add(ctx context.Context, t *domain.Transition) error {
	if b.repo != nil {
		if err := b.repo.Insert(ctx, t); err != nil {
			return fmt.Errorf("failed to persist transition: %w", err)
		}
	}
	if !t.Valid {
		return nil
	}

	b.mu.Lock()
	b.entries = append(b.entries, t)
	if over := len(b.entries) - b.cfg.Capacity; over > 0 && b.cfg.Capacity > 0 {
		b.entries = append([]*domain.Transition{}, b.entries[over:]...)
	}
	b.mu.Unlock()
	return nil
}

// Restore rebuilds the sampling window from the ledger at startup.
func (b *Buffer) Restore(ctx context.Context) error {
	if b.repo == nil {
		return nil
	}
	recent, err := b.repo.LoadRecent(ctx, b.cfg.Capacity)
	if err != nil {
		return err
	}
	valid := make([]*domain.Transition, 0, len(recent))
	for _, t := range recent {
		if t.Valid {
			valid = append(valid, t)
		}
	}

	b.mu.Lock()
	b.entries = valid
	b.mu.Unlock()
	b.log.Info().Int("transitions", len(valid)).Msg("experience buffer restored")
	return nil
}

// Len returns the number of sampleable transitions.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// decayWeight is the exponential recency weight at now for a transition
// recorded at recordedAt: halves every HalfLife.
func (b *Buffer) decayWeight(recordedAt, now time.Time) float64 {
	age := now.Sub(recordedAt)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-age.Hours() / b.cfg.HalfLife.Hours())
}

// SampleBatch draws size transitions with probability proportional to
// recency weight, mixed with a uniform anchor fraction that keeps old
// experience reachable. Sampling is with replacement; the returned weight
// is the recency weight at sample time, for the learner's importance
// scaling.
func (b *Buffer) SampleBatch(size int, now time.Time) ([]domain.WeightedTransition, error) {
	// Full lock: the RNG is not safe for concurrent draws.
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil, fmt.Errorf("experience buffer is empty")
	}
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", size)
	}

	weights := make([]float64, len(b.entries))
	cumulative := make([]float64, len(b.entries))
	total := 0.0
	for i, t := range b.entries {
		weights[i] = b.decayWeight(t.RecordedAt, now)
		total += weights[i]
		cumulative[i] = total
	}

	anchors := int(math.Round(b.cfg.AnchorMix * float64(size)))
	batch := make([]domain.WeightedTransition, 0, size)

	for len(batch) < size {
		var idx int
		if len(batch) < anchors || total <= 0 {
			idx = b.rng.Intn(len(b.entries))
		} else {
			target := b.rng.Float64() * total
			idx = sort.SearchFloat64s(cumulative, target)
			if idx >= len(b.entries) {
				idx = len(b.entries) - 1
			}
		}
		batch = append(batch, domain.WeightedTransition{
			Transition: b.entries[idx],
			Weight:     weights[idx],
		})
	}
	return batch, nil
}

// Holdout returns the newest n valid transitions, oldest first. The
// scheduler validates pending checkpoints against this window, which is why
// it is ordered and not sampled.
func (b *Buffer) Holdout(n int) []*domain.Transition {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > len(b.entries) {
		n = len(b.entries)
	}
	out := make([]*domain.Transition, n)
	copy(out, b.entries[len(b.entries)-n:])
	return out
}
