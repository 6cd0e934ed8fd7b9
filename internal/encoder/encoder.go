// Package encoder turns as-of joined data plus portfolio state into
// fixed-width observation vectors. All price-derived features are returns,
// ratios or normalized distances; raw price levels never appear, so the
// policy generalizes across symbols with very different price scales.
package encoder

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/tidemark-io/tidemark/internal/asof"
	"github.com/tidemark-io/tidemark/internal/domain"
)

// featureNames fixes the observation layout. Order and length are invariant
// across symbols and steps; tests pin this down.
var featureNames = []string{
	"ret_10min",
	"ret_12h",
	"vol_12h",
	"microtrend_12h",
	"rsi_12h",
	"vwap_distance",
	"volume_z_12h",
	"ret_48h",
	"vol_48h",
	"ret_5d",
	"vol_5d",
	"ret_20d",
	"vol_20d",
	"relative_strength_48h",
	"regime_20d",
	"macro_value",
	"macro_staleness_days",
	"news_tone",
	"news_intensity_24h",
	"filing_recency",
	"position_weight",
	"cash_fraction",
	"time_in_position",
	"unrealized_pnl",
	"entry_distance",
}

// FeatureNames returns the fixed feature ordering.
func FeatureNames() []string {
	out := make([]string, len(featureNames))
	copy(out, featureNames)
	return out
}

// Dim is the observation vector length.
func Dim() int { return len(featureNames) }

// Config holds the lookback windows and indicator periods.
type Config struct {
	ShortWindow  time.Duration // finest-resolution window (10-minute bars)
	MediumWindow time.Duration // hourly bars
	Window5d     time.Duration
	Window20d    time.Duration
	NewsWindow   time.Duration

	EmaFast   int
	EmaSlow   int
	RsiPeriod int

	// MinShortBars is the minimum number of 10-minute bars required to
	// encode at all. Below this the step is a data gap, not a zero-fill.
	MinShortBars int
}

// DefaultConfig returns the standard multi-timescale layout: ~12h of
// 10-minute bars, then 48h/5d/20d hourly aggregates.
func DefaultConfig() Config {
	return Config{
		ShortWindow:  12 * time.Hour,
		MediumWindow: 48 * time.Hour,
		Window5d:     5 * 24 * time.Hour,
		Window20d:    20 * 24 * time.Hour,
		NewsWindow:   24 * time.Hour,
		EmaFast:      6,
		EmaSlow:      24,
		RsiPeriod:    14,
		MinShortBars: 12,
	}
}

// Encoder computes observations through the as-of engine only; it holds no
// state of its own and is safe to run concurrently across symbols.
type Encoder struct {
	engine      *asof.Engine
	marketProxy string
	cfg         Config
	log         zerolog.Logger
}

// New creates a state encoder.
func New(engine *asof.Engine, marketProxy string, cfg Config, log zerolog.Logger) *Encoder {
	return &Encoder{
		engine:      engine,
		marketProxy: marketProxy,
		cfg:         cfg,
		log:         log.With().Str("component", "encoder").Logger(),
	}
}

// Encode builds the observation for one symbol at queryTime. It returns
// domain.ErrObservationGap when the finest-resolution window is too sparse
// to encode; the caller excludes such steps from training rather than
// zero-filling them.
func (e *Encoder) Encode(queryTime time.Time, symbol string, state *domain.PortfolioState) (domain.Observation, error) {
	obs := domain.Observation{
		Symbol:    symbol,
		QueryTime: queryTime,
		Values:    make([]float64, len(featureNames)),
	}

	shortBars := e.engine.Bars(domain.SourceBars10Min, symbol, e.cfg.ShortWindow, queryTime)
	if len(shortBars) < e.cfg.MinShortBars {
		return obs, domain.ErrObservationGap
	}

	snap, err := e.engine.Snapshot(queryTime, symbol)
	if err != nil {
		return obs, err
	}

	closes := barCloses(shortBars)
	rets := returns(closes)
	last := shortBars[len(shortBars)-1]

	set := func(name string, v float64) {
		obs.Values[featureIndex(name)] = sanitize(v)
	}

	// Short horizon, finest resolution.
	set("ret_10min", lastOr(rets, 0))
	set("ret_12h", cumulativeReturn(closes))
	set("vol_12h", stdDev(rets))
	set("microtrend_12h", e.microtrend(closes))
	set("rsi_12h", e.rsi(closes))
	set("vwap_distance", vwapDistance(last))
	set("volume_z_12h", volumeZ(shortBars))

	// Medium and long horizons from coarser aggregates to bound
	// dimensionality.
	medCloses := barCloses(e.engine.Bars(domain.SourceBarsHourly, symbol, e.cfg.MediumWindow, queryTime))
	set("ret_48h", cumulativeReturn(medCloses))
	set("vol_48h", stdDev(returns(medCloses)))

	closes5d := barCloses(e.engine.Bars(domain.SourceBarsHourly, symbol, e.cfg.Window5d, queryTime))
	set("ret_5d", cumulativeReturn(closes5d))
	set("vol_5d", stdDev(returns(closes5d)))

	closes20d := barCloses(e.engine.Bars(domain.SourceBarsHourly, symbol, e.cfg.Window20d, queryTime))
	set("ret_20d", cumulativeReturn(closes20d))
	set("vol_20d", stdDev(returns(closes20d)))

	// Relative strength and regime against the market proxy.
	proxyMed := barCloses(e.engine.Bars(domain.SourceBarsHourly, e.marketProxy, e.cfg.MediumWindow, queryTime))
	set("relative_strength_48h", cumulativeReturn(medCloses)-cumulativeReturn(proxyMed))

	proxyLong := barCloses(e.engine.Bars(domain.SourceBarsHourly, e.marketProxy, e.cfg.Window20d, queryTime))
	set("regime_20d", regimeScore(proxyLong))

	// Macro forward-fills from the last daily value; staleness carries the
	// elapsed time, the value itself is untouched.
	if macro := snap.Features[asof.FeatureMacroValue]; !macro.Missing {
		set("macro_value", macro.Value)
		set("macro_staleness_days", macro.Staleness.Hours()/24)
	}

	if tone := snap.Features[asof.FeatureNewsTone]; !tone.Missing {
		set("news_tone", tone.Value/10) // GDELT tone roughly [-10, 10]
	}
	// News intensity over an empty window is a genuine zero.
	set("news_intensity_24h", math.Log1p(float64(e.engine.NewsCount(symbol, e.cfg.NewsWindow, queryTime))))

	// Filings decay naturally through recency, never through manual
	// adjustment.
	if filing := snap.Features[asof.FeatureFilingAge]; !filing.Missing {
		set("filing_recency", math.Exp(-filing.Value/(14*24)))
	}

	e.encodePortfolio(queryTime, symbol, state, last.Close, set)

	return obs, nil
}

// encodePortfolio fills the portfolio-state scalars.
func (e *Encoder) encodePortfolio(queryTime time.Time, symbol string, state *domain.PortfolioState, price float64, set func(string, float64)) {
	if state == nil {
		return
	}

	prices := map[string]float64{symbol: price}
	for sym := range state.Positions {
		if sym == symbol {
			continue
		}
		if close, ok := e.engine.LatestClose(sym, queryTime); ok {
			prices[sym] = close
		}
	}

	equity := state.Equity(prices)
	if equity <= 0 {
		return
	}

	set("cash_fraction", state.Cash/equity)

	pos, held := state.Positions[symbol]
	if !held || pos.Shares == 0 {
		return
	}

	set("position_weight", float64(pos.Shares)*price/equity)
	set("time_in_position", math.Log1p(queryTime.Sub(pos.EntryTime).Hours()))
	if pos.EntryPrice > 0 {
		set("unrealized_pnl", (price-pos.EntryPrice)*float64(pos.Shares)/equity)
		set("entry_distance", price/pos.EntryPrice-1)
	}
}

// microtrend is the normalized EMA spread on the short window.
func (e *Encoder) microtrend(closes []float64) float64 {
	if len(closes) <= e.cfg.EmaSlow {
		return 0
	}
	fast := talib.Ema(closes, e.cfg.EmaFast)
	slow := talib.Ema(closes, e.cfg.EmaSlow)
	last := len(closes) - 1
	if closes[last] == 0 {
		return 0
	}
	return (fast[last] - slow[last]) / closes[last]
}

// rsi returns RSI recentered to [-0.5, 0.5].
func (e *Encoder) rsi(closes []float64) float64 {
	if len(closes) <= e.cfg.RsiPeriod {
		return 0
	}
	values := talib.Rsi(closes, e.cfg.RsiPeriod)
	return values[len(values)-1]/100 - 0.5
}

func featureIndex(name string) int {
	for i, n := range featureNames {
		if n == name {
			return i
		}
	}
	panic("unknown feature: " + name)
}

func barCloses(bars []*domain.BarPayload) []float64 {
	out := make([]float64, 0, len(bars))
	for _, b := range bars {
		out = append(out, b.Close)
	}
	return out
}

// returns converts a close series to simple returns.
func returns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, closes[i]/closes[i-1]-1)
	}
	return out
}

func cumulativeReturn(closes []float64) float64 {
	if len(closes) < 2 || closes[0] == 0 {
		return 0
	}
	return closes[len(closes)-1]/closes[0] - 1
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return stat.StdDev(values, nil)
}

// vwapDistance is the close's normalized distance from the bar's VWAP.
func vwapDistance(bar *domain.BarPayload) float64 {
	if bar.VWAP == 0 || bar.Close == 0 {
		return 0
	}
	return (bar.Close - bar.VWAP) / bar.Close
}

// volumeZ is the last bar's volume z-score within the window.
func volumeZ(bars []*domain.BarPayload) float64 {
	if len(bars) < 3 {
		return 0
	}
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		volumes[i] = b.Volume
	}
	mean, std := stat.MeanStdDev(volumes, nil)
	if std == 0 {
		return 0
	}
	return (volumes[len(volumes)-1] - mean) / std
}

// regimeScore is a bounded trend-over-volatility scalar for the market
// proxy: positive in steady uptrends, negative in drawdowns.
func regimeScore(closes []float64) float64 {
	rets := returns(closes)
	if len(rets) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(rets, nil)
	if std == 0 {
		return 0
	}
	return math.Tanh(mean / std * math.Sqrt(float64(len(rets))))
}

func lastOr(values []float64, fallback float64) float64 {
	if len(values) == 0 {
		return fallback
	}
	return values[len(values)-1]
}

// sanitize guards against NaN/Inf leaking into observations.
func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
