package episode

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/internal/asof"
	"github.com/tidemark-io/tidemark/internal/config"
	"github.com/tidemark-io/tidemark/internal/domain"
	"github.com/tidemark-io/tidemark/internal/encoder"
	"github.com/tidemark-io/tidemark/internal/eventstore"
	"github.com/tidemark-io/tidemark/internal/experience"
	"github.com/tidemark-io/tidemark/internal/policy"
	"github.com/tidemark-io/tidemark/internal/simenv"
)

const stepInterval = 10 * time.Minute

type haltedChecker bool

func (h haltedChecker) Halted() bool { return bool(h) }

// newTestRunner builds a runner over a flat $100 AAA series. barCount bars
// are seeded starting 3h before start, each knowable at its close.
func newTestRunner(t *testing.T, start time.Time, barCount int, halt HaltChecker) (*Runner, *experience.Buffer) {
	t.Helper()

	store := eventstore.New(nil, zerolog.Nop())
	for i := 0; i < barCount; i++ {
		event := start.Add(-3 * time.Hour).Add(time.Duration(i) * stepInterval)
		err := store.Append(domain.RawRecord{
			Source:           domain.SourceBars10Min,
			Symbol:           "AAA",
			EventTime:        event,
			AvailabilityTime: event.Add(stepInterval),
			Payload: &domain.BarPayload{
				Open:      100,
				High:      100,
				Low:       100,
				Close:     100,
				Volume:    10_000,
				Timeframe: "10min",
			},
		}, "")
		require.NoError(t, err)
	}

	engine := asof.New(store, []domain.SourceType{
		domain.SourceBars10Min,
		domain.SourceBarsHourly,
		domain.SourceMacro,
		domain.SourceNews,
		domain.SourceFilings,
	}, zerolog.Nop())

	encCfg := encoder.DefaultConfig()
	encCfg.ShortWindow = 3 * time.Hour
	encCfg.MinShortBars = 18
	enc := encoder.New(engine, "AAA", encCfg, zerolog.Nop())

	constraints := config.Constraints{
		MaxWeightPerAsset: 0.25,
		MinCashBuffer:     0.10,
		WeightIncrement:   0.05,
	}
	env := simenv.New(simenv.Config{
		Universe:     []string{"AAA"},
		Constraints:  constraints,
		Costs:        config.CostModel{},
		StepInterval: stepInterval,
	}, engine, enc, simenv.NewSimulatedGateway(engine, stepInterval), zerolog.Nop())

	buffer := experience.NewBuffer(config.BufferCfg{Capacity: 100, HalfLife: 48 * time.Hour}, nil, zerolog.Nop())
	source := policy.NewEqualWeight([]string{"AAA"}, constraints)

	return NewRunner(env, source, buffer, halt, 10_000, stepInterval, zerolog.Nop()), buffer
}

func TestRun_CollectsTransitions(t *testing.T) {
	start := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	runner, buffer := newTestRunner(t, start, 26, nil)

	summary, err := runner.Run(context.Background(), start, 3)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Steps)
	assert.Equal(t, 3, summary.ValidSteps)
	assert.Equal(t, 0, summary.SkippedSteps)
	assert.Equal(t, 3, buffer.Len())

	// Flat prices and zero costs: nothing to gain or lose.
	assert.InDelta(t, 0.0, summary.TotalReward, 1e-9)
	assert.InDelta(t, 10_000, summary.FinalEquity, 1e-9)
	assert.Equal(t, start.Add(3*stepInterval), summary.FinishedAt)
	assert.NotEmpty(t, summary.EpisodeID)
}

func TestRun_SkipsStepsOnObservationGap(t *testing.T) {
	start := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	runner, buffer := newTestRunner(t, start, 5, nil)

	summary, err := runner.Run(context.Background(), start, 3)
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Steps)
	assert.Equal(t, 3, summary.SkippedSteps)
	assert.Equal(t, 0, buffer.Len())
}

func TestRun_HaltStopsDecisioning(t *testing.T) {
	start := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	runner, buffer := newTestRunner(t, start, 26, haltedChecker(true))

	summary, err := runner.Run(context.Background(), start, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler halted")
	assert.Equal(t, 0, summary.Steps)
	assert.Equal(t, 0, buffer.Len())
}

func TestLatestKnowableStart(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 7, 0, 0, time.UTC)

	start := LatestKnowableStart(now, 3, stepInterval)
	assert.Equal(t, time.Date(2026, 3, 2, 14, 20, 0, 0, time.UTC), start)

	// Grid-aligned, and the last decision's execution bar close is already
	// knowable: no step carries a future timestamp.
	assert.Equal(t, start, start.Truncate(stepInterval))
	assert.False(t, KnowableAt(start, 3, stepInterval).After(now))
}

func TestKnowableAt_CoversFinalExecutionBar(t *testing.T) {
	start := time.Date(2026, 3, 2, 14, 20, 0, 0, time.UTC)

	// Last decision at start+2Δ fills at +3Δ and marks at that bar's close,
	// knowable one interval later.
	lastDecision := start.Add(2 * stepInterval)
	assert.Equal(t, lastDecision.Add(2*stepInterval), KnowableAt(start, 3, stepInterval))
}

func TestRun_ContextCancellation(t *testing.T) {
	start := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	runner, _ := newTestRunner(t, start, 26, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runner.Run(ctx, start, 3)
	assert.ErrorIs(t, err, context.Canceled)
}
