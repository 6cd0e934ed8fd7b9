package simenv

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
)

const stepInterval = 10 * time.Minute

// seedFlatBars appends count consecutive 10-minute bars at a constant price,
// each knowable at its close.
func seedFlatBars(t *testing.T, store *eventstore.Store, symbol string, start time.Time, count int, price float64) {
	t.Helper()
	for i := 0; i < count; i++ {
		event := start.Add(time.Duration(i) * stepInterval)
		err := store.Append(domain.RawRecord{
			Source:           domain.SourceBars10Min,
			Symbol:           symbol,
			EventTime:        event,
			AvailabilityTime: event.Add(stepInterval),
			Payload: &domain.BarPayload{
				Open:      price,
				High:      price,
				Low:       price,
				Close:     price,
				Volume:    10_000,
				Timeframe: "10min",
			},
		}, "")
		require.NoError(t, err)
	}
}

// newTestEnv builds an environment over an in-memory store with a flat $100
// AAA price series. barCount bars are seeded starting 3h before t.
func newTestEnv(t *testing.T, decisionTime time.Time, barCount int, costs config.CostModel) (*Environment, *eventstore.Store) {
	t.Helper()

	store := eventstore.New(nil, zerolog.Nop())
	seedFlatBars(t, store, "AAA", decisionTime.Add(-3*time.Hour), barCount, 100)

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

	env := New(Config{
		Universe: []string{"AAA"},
		Constraints: config.Constraints{
			MaxWeightPerAsset: 1.0,
			MinCashBuffer:     0,
			WeightIncrement:   0.05,
		},
		Costs:        costs,
		StepInterval: stepInterval,
	}, engine, enc, NewSimulatedGateway(engine, stepInterval), zerolog.Nop())

	return env, store
}

func TestStep_HalfWeightBuysIntegerShares(t *testing.T) {
	decisionTime := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	// 20 bars: full history through the execution bar at t+10m.
	env, _ := newTestEnv(t, decisionTime, 20, config.CostModel{FixedFee: 1})
	env.Reset("ep-1", 10_000)

	transition, diag, err := env.Step(context.Background(), decisionTime, map[string]float64{"AAA": 0.5}, nil)
	require.NoError(t, err)
	require.NotNil(t, transition)

	// floor(0.5 * 10000 / 100) = 50 shares at the next bar's open.
	state := env.State()
	require.Contains(t, state.Positions, "AAA")
	assert.Equal(t, int64(50), state.Positions["AAA"].Shares)
	assert.InDelta(t, 10_000-5_000-1, state.Cash, 1e-9)

	// Flat prices: the only equity change is the commission.
	assert.InDelta(t, -1.0, transition.Reward, 1e-9)
	assert.True(t, transition.Valid)
	assert.Equal(t, int64(0), transition.StepIndex)
	assert.InDelta(t, 10_000, diag.EquityBefore, 1e-9)
	assert.InDelta(t, 9_999, diag.EquityAfter, 1e-9)
	assert.Equal(t, PhaseAwaitingAction, env.Phase())
}

func TestStep_CashNeverNegative(t *testing.T) {
	decisionTime := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	env, _ := newTestEnv(t, decisionTime, 20, config.CostModel{FixedFee: 1})
	env.Reset("ep-1", 10_000)

	// A full-equity request cannot afford 100 shares plus the fee; the buy
	// shrinks to the maximum feasible integer count instead of failing.
	_, _, err := env.Step(context.Background(), decisionTime, map[string]float64{"AAA": 1.0}, nil)
	require.NoError(t, err)

	state := env.State()
	assert.Equal(t, int64(99), state.Positions["AAA"].Shares)
	assert.GreaterOrEqual(t, state.Cash, 0.0)
}

func TestStep_LongOnlySellCapsAtHoldings(t *testing.T) {
	decisionTime := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	// Bars through t+30m so two consecutive steps have execution bars.
	env, _ := newTestEnv(t, decisionTime, 22, config.CostModel{})
	env.Reset("ep-1", 10_000)

	_, _, err := env.Step(context.Background(), decisionTime, map[string]float64{"AAA": 0.5}, nil)
	require.NoError(t, err)

	// Request zero: the full position unwinds, never below zero shares.
	_, _, err = env.Step(context.Background(), decisionTime.Add(stepInterval), map[string]float64{"AAA": 0}, nil)
	require.NoError(t, err)

	state := env.State()
	assert.NotContains(t, state.Positions, "AAA")
	assert.InDelta(t, 10_000, state.Cash, 1e-9)
}

func TestStep_DataGapMarksTransitionInvalid(t *testing.T) {
	decisionTime := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	// Exactly 18 bars: observable at t, but the window at t+10m has only 17
	// and there is no execution bar.
	env, _ := newTestEnv(t, decisionTime, 18, config.CostModel{})
	env.Reset("ep-1", 10_000)

	transition, diag, err := env.Step(context.Background(), decisionTime, map[string]float64{"AAA": 0.5}, nil)
	require.NoError(t, err)

	assert.False(t, transition.Valid)
	assert.True(t, diag.Invalid)
	assert.Nil(t, transition.NextObs)
	// No executable bar means no trade: the portfolio held.
	assert.InDelta(t, 10_000, env.State().Cash, 1e-9)
	assert.Equal(t, PhaseAwaitingAction, env.Phase(), "a gap step still completes the cycle")
}

func TestStep_RejectsOutOfPhaseCalls(t *testing.T) {
	decisionTime := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	env, _ := newTestEnv(t, decisionTime, 20, config.CostModel{})

	// No Reset: the environment is terminal.
	_, _, err := env.Step(context.Background(), decisionTime, map[string]float64{"AAA": 0.5}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step protocol violation")
}

func TestStep_TurnoverPenaltyShapesReward(t *testing.T) {
	decisionTime := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	env, _ := newTestEnv(t, decisionTime, 20, config.CostModel{TurnoverPenalty: 0.001})
	env.Reset("ep-1", 10_000)

	transition, diag, err := env.Step(context.Background(), decisionTime, map[string]float64{"AAA": 0.5}, nil)
	require.NoError(t, err)

	// Turnover 0.5 from all-cash, penalty = 0.001 * 0.5 * 10000 = 5. No
	// commission or slippage, so the penalty is the whole reward.
	assert.InDelta(t, 0.5, diag.Turnover, 1e-9)
	assert.InDelta(t, -5.0, transition.Reward, 1e-9)
}

func TestDrawdownPeak_TrailingWindow(t *testing.T) {
	env := &Environment{
		cfg:         Config{Costs: config.CostModel{DrawdownPenalty: 1, VolatilityWindow: 3}},
		peakEquity:  12_000,
		equityMarks: []float64{12_000, 9_000, 9_500, 9_800},
	}

	// The 12k high fell out of the trailing window; the penalty reference is
	// the windowed peak, not the episode high.
	assert.InDelta(t, 9_800, env.drawdownPeak(), 1e-9)

	// Window disabled: the episode peak stands.
	env.cfg.Costs.VolatilityWindow = 0
	assert.InDelta(t, 12_000, env.drawdownPeak(), 1e-9)
}

func TestStep_RecordsEquityMarksForWindowedDrawdown(t *testing.T) {
	decisionTime := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	env, _ := newTestEnv(t, decisionTime, 22, config.CostModel{DrawdownPenalty: 0.5, VolatilityWindow: 1})
	env.Reset("ep-1", 10_000)

	_, _, err := env.Step(context.Background(), decisionTime, map[string]float64{"AAA": 0.5}, nil)
	require.NoError(t, err)
	require.Len(t, env.equityMarks, 1)
	assert.InDelta(t, 10_000, env.equityMarks[0], 1e-9)

	// The mark history never outgrows the window.
	_, _, err = env.Step(context.Background(), decisionTime.Add(stepInterval), map[string]float64{"AAA": 0.5}, nil)
	require.NoError(t, err)
	assert.Len(t, env.equityMarks, 1)
}

func TestEndEpisode_TerminatesCycle(t *testing.T) {
	decisionTime := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	env, _ := newTestEnv(t, decisionTime, 20, config.CostModel{})
	env.Reset("ep-1", 10_000)
	require.Equal(t, PhaseAwaitingAction, env.Phase())

	env.EndEpisode()
	assert.Equal(t, PhaseTerminal, env.Phase())

	_, _, err := env.Step(context.Background(), decisionTime, map[string]float64{"AAA": 0.5}, nil)
	assert.Error(t, err)
}

func TestObserve_GapWhenHistoryTooShort(t *testing.T) {
	decisionTime := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	env, _ := newTestEnv(t, decisionTime, 5, config.CostModel{})
	env.Reset("ep-1", 10_000)

	_, err := env.Observe(context.Background(), decisionTime)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrObservationGap)
}
