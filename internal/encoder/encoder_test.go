package encoder

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/internal/asof"
	"github.com/tidemark-io/tidemark/internal/domain"
	"github.com/tidemark-io/tidemark/internal/eventstore"
	tidetest "github.com/tidemark-io/tidemark/internal/testing"
)

func newTestEncoder(t *testing.T) (*Encoder, *eventstore.Store) {
	t.Helper()
	store := eventstore.New(nil, zerolog.Nop())
	engine := asof.New(store, []domain.SourceType{
		domain.SourceBars10Min,
		domain.SourceBarsHourly,
		domain.SourceMacro,
		domain.SourceNews,
		domain.SourceFilings,
	}, zerolog.Nop())
	return New(engine, "SPY", DefaultConfig(), zerolog.Nop()), store
}

func TestEncode_FixedDimensionality(t *testing.T) {
	enc, store := newTestEncoder(t)

	start := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	queryTime, err := tidetest.SeedBars(store, "AAA", "10min", start, 40, 100)
	require.NoError(t, err)
	_, err = tidetest.SeedBars(store, "BBB", "10min", start, 40, 2500)
	require.NoError(t, err)

	obsA, err := enc.Encode(queryTime, "AAA", domain.NewPortfolioState(10_000))
	require.NoError(t, err)
	obsB, err := enc.Encode(queryTime, "BBB", domain.NewPortfolioState(10_000))
	require.NoError(t, err)

	assert.Len(t, obsA.Values, Dim())
	assert.Len(t, obsB.Values, Dim())
	assert.Equal(t, len(FeatureNames()), Dim())

	// Price-scale independence: the same sine walk around wildly different
	// bases yields near-identical return features.
	retIdx := featureIndex("ret_12h")
	assert.InDelta(t, obsA.Values[retIdx], obsB.Values[retIdx], 1e-6)
}

func TestEncode_GapOnSparseHistory(t *testing.T) {
	enc, store := newTestEncoder(t)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	queryTime, err := tidetest.SeedBars(store, "AAA", "10min", start, 5, 100)
	require.NoError(t, err)

	_, err = enc.Encode(queryTime, "AAA", domain.NewPortfolioState(10_000))
	assert.ErrorIs(t, err, domain.ErrObservationGap)
}

func TestEncode_NoValuesFromTheFuture(t *testing.T) {
	enc, store := newTestEncoder(t)

	start := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	queryTime, err := tidetest.SeedBars(store, "AAA", "10min", start, 40, 100)
	require.NoError(t, err)

	before, err := enc.Encode(queryTime, "AAA", nil)
	require.NoError(t, err)

	// Data landing after the query time must not change the observation.
	_, err = tidetest.SeedBars(store, "AAA", "10min", queryTime, 10, 500)
	require.NoError(t, err)
	require.NoError(t, tidetest.SeedNews(store, "AAA", queryTime.Add(time.Minute), 5, "https://example.com/late"))

	after, err := enc.Encode(queryTime, "AAA", nil)
	require.NoError(t, err)
	assert.Equal(t, before.Values, after.Values)
}

func TestEncode_MissingMacroStaysZero(t *testing.T) {
	enc, store := newTestEncoder(t)

	start := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	queryTime, err := tidetest.SeedBars(store, "AAA", "10min", start, 40, 100)
	require.NoError(t, err)

	obs, err := enc.Encode(queryTime, "AAA", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, obs.Values[featureIndex("macro_value")])
	assert.Equal(t, 0.0, obs.Values[featureIndex("macro_staleness_days")])

	require.NoError(t, tidetest.SeedMacro(store, "EFFR", queryTime.Add(-48*time.Hour), 4.33))
	obs, err = enc.Encode(queryTime, "AAA", nil)
	require.NoError(t, err)
	assert.InDelta(t, 4.33, obs.Values[featureIndex("macro_value")], 1e-9)
	assert.InDelta(t, 1.0, obs.Values[featureIndex("macro_staleness_days")], 1e-9)
}

func TestEncode_PortfolioFeatures(t *testing.T) {
	enc, store := newTestEncoder(t)

	start := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	queryTime, err := tidetest.SeedBars(store, "AAA", "10min", start, 40, 100)
	require.NoError(t, err)

	state := domain.NewPortfolioState(5_000)
	state.Positions["AAA"] = domain.Position{
		Shares:     50,
		EntryPrice: 90,
		EntryTime:  queryTime.Add(-24 * time.Hour),
	}

	obs, err := enc.Encode(queryTime, "AAA", state)
	require.NoError(t, err)

	assert.Greater(t, obs.Values[featureIndex("position_weight")], 0.0)
	assert.Greater(t, obs.Values[featureIndex("cash_fraction")], 0.0)
	assert.Greater(t, obs.Values[featureIndex("time_in_position")], 0.0)
	// Entry at 90 against a ~100 close: positive unrealized PnL.
	assert.Greater(t, obs.Values[featureIndex("unrealized_pnl")], 0.0)
	assert.Greater(t, obs.Values[featureIndex("entry_distance")], 0.0)
}

func TestEncode_NewsIntensity(t *testing.T) {
	enc, store := newTestEncoder(t)

	start := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	queryTime, err := tidetest.SeedBars(store, "AAA", "10min", start, 40, 100)
	require.NoError(t, err)

	obs, err := enc.Encode(queryTime, "AAA", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, obs.Values[featureIndex("news_intensity_24h")],
		"an empty news window is a genuine zero")

	for i, url := range []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"} {
		require.NoError(t, tidetest.SeedNews(store, "AAA", queryTime.Add(-time.Duration(i+1)*time.Hour), 2, url))
	}
	obs, err = enc.Encode(queryTime, "AAA", nil)
	require.NoError(t, err)
	assert.InDelta(t, math.Log1p(3), obs.Values[featureIndex("news_intensity_24h")], 1e-9)
}
