// Package domain provides core domain models and types.
// The domain layer is pure: no infrastructure dependencies.
package domain

import (
	"time"
)

// SourceType identifies a raw data stream feeding the event store.
type SourceType string

const (
	// SourceBars10Min is the finest-resolution OHLCV stream (10-minute bars).
	SourceBars10Min SourceType = "bars_10min"
	// SourceBarsHourly is the coarser OHLCV aggregate used for long lookbacks.
	SourceBarsHourly SourceType = "bars_1hour"
	// SourceMacro is a market-wide daily macroeconomic series (e.g. FRED EFFR).
	SourceMacro SourceType = "macro"
	// SourceNews is per-symbol news articles (e.g. GDELT).
	SourceNews SourceType = "news"
	// SourceFilings is per-symbol regulatory filings (e.g. SEC EDGAR).
	SourceFilings SourceType = "filings"
)

// MarketWide reports whether records of this source carry no symbol.
func (s SourceType) MarketWide() bool {
	return s == SourceMacro
}

// Revisable reports whether a record of this source may be a correction of
// an earlier record with the same event time (bar rebuilds, macro
// restatements). News articles and filings are distinct events even when
// their timestamps collide.
func (s SourceType) Revisable() bool {
	return s == SourceBars10Min || s == SourceBarsHourly || s == SourceMacro
}

// Payload is the source-specific content of a RawRecord.
type Payload interface {
	Source() SourceType
}

// BarPayload is one OHLCV bar. Trade count and VWAP are carried when the
// provider supplies them (liquidity and fair-value signals).
type BarPayload struct {
	Open       float64 `msgpack:"open" json:"open"`
	High       float64 `msgpack:"high" json:"high"`
	Low        float64 `msgpack:"low" json:"low"`
	Close      float64 `msgpack:"close" json:"close"`
	Volume     float64 `msgpack:"volume" json:"volume"`
	TradeCount float64 `msgpack:"trade_count" json:"trade_count"`
	VWAP       float64 `msgpack:"vwap" json:"vwap"`
	Timeframe  string  `msgpack:"timeframe" json:"timeframe"`
	Feed       string  `msgpack:"feed" json:"feed"`
}

// Source implements Payload.
func (p *BarPayload) Source() SourceType {
	if p.Timeframe == "1hour" {
		return SourceBarsHourly
	}
	return SourceBars10Min
}

// MacroPayload is one observation of a daily macro series.
type MacroPayload struct {
	SeriesID string  `msgpack:"series_id" json:"series_id"`
	Value    float64 `msgpack:"value" json:"value"`
}

// Source implements Payload.
func (p *MacroPayload) Source() SourceType { return SourceMacro }

// NewsPayload is one news article attributed to a symbol.
type NewsPayload struct {
	Domain string  `msgpack:"domain" json:"domain"`
	URL    string  `msgpack:"url" json:"url"`
	Tone   float64 `msgpack:"tone" json:"tone"`
	Themes string  `msgpack:"themes" json:"themes"`
}

// Source implements Payload.
func (p *NewsPayload) Source() SourceType { return SourceNews }

// FilingPayload is one regulatory filing event.
type FilingPayload struct {
	CIK       string `msgpack:"cik" json:"cik"`
	Form      string `msgpack:"form" json:"form"`
	Accession string `msgpack:"accession" json:"accession"`
}

// Source implements Payload.
func (p *FilingPayload) Source() SourceType { return SourceFilings }

// RawRecord is one immutable, timestamped record in the event store.
//
// EventTime is when the fact occurred in the world; AvailabilityTime is when
// it became knowable to the system. Leakage control trusts AvailabilityTime
// exclusively. A record with AvailabilityTime before EventTime is corrupt.
type RawRecord struct {
	Source           SourceType
	Symbol           string // empty for market-wide series
	EventTime        time.Time
	AvailabilityTime time.Time
	Payload          Payload

	// Seq is the store-assigned insertion sequence. It breaks availability
	// ties: the later-inserted record wins, reflecting the freshest revision.
	Seq uint64
}

// FeatureValue is one joined value in an as-of snapshot.
type FeatureValue struct {
	Value     float64
	Staleness time.Duration // query_time - record availability_time
	Missing   bool          // no record knowable at query time
}

// AsOfSnapshot is the point-in-time view of all configured sources for one
// symbol. It is ephemeral: recomputed per query, never stored.
//
// Invariant: every non-missing value's source availability_time <= QueryTime.
type AsOfSnapshot struct {
	QueryTime time.Time
	Symbol    string
	Features  map[string]FeatureValue
}

// Observation is the fixed-width numeric state vector for one symbol-step.
// Dimensionality and feature ordering are invariant across symbols and steps.
type Observation struct {
	Symbol    string
	QueryTime time.Time
	Values    []float64
}

// Position is a single long holding.
type Position struct {
	Shares     int64
	EntryPrice float64
	EntryTime  time.Time
}

// PortfolioState owns cash and holdings. It is mutated exactly once per
// environment step, by the step owner only.
//
// Invariants: Cash >= 0; Shares >= 0 for every position (long-only).
type PortfolioState struct {
	Cash      float64
	Positions map[string]Position
	UpdatedAt time.Time
}

// NewPortfolioState creates a flat portfolio holding only cash.
func NewPortfolioState(cash float64) *PortfolioState {
	return &PortfolioState{
		Cash:      cash,
		Positions: make(map[string]Position),
	}
}

// Clone returns a deep copy. The environment mutates only its own copy.
func (s *PortfolioState) Clone() *PortfolioState {
	positions := make(map[string]Position, len(s.Positions))
	for sym, pos := range s.Positions {
		positions[sym] = pos
	}
	return &PortfolioState{
		Cash:      s.Cash,
		Positions: positions,
		UpdatedAt: s.UpdatedAt,
	}
}

// Equity returns total portfolio value (positions marked at prices + cash).
func (s *PortfolioState) Equity(prices map[string]float64) float64 {
	total := s.Cash
	for sym, pos := range s.Positions {
		total += float64(pos.Shares) * prices[sym]
	}
	return total
}

// Weight returns the fraction of equity held in symbol at the given prices.
func (s *PortfolioState) Weight(symbol string, prices map[string]float64) float64 {
	equity := s.Equity(prices)
	if equity <= 0 {
		return 0
	}
	pos, ok := s.Positions[symbol]
	if !ok {
		return 0
	}
	return float64(pos.Shares) * prices[symbol] / equity
}

// Transition is one (s, a, r, s') tuple emitted by the environment.
// Immutable after creation except RecencyWeight, which decays with age.
type Transition struct {
	ID            int64
	EpisodeID     string
	StepIndex     int64
	Observations  map[string][]float64 // per-symbol observation at t
	Action        map[string]float64   // target weights at t
	Reward        float64
	NextObs       map[string][]float64 // per-symbol observation at t+1
	RecordedAt    time.Time
	RecencyWeight float64
	Valid         bool // false when a data gap prevented observing t+1
}

// PromotionStatus is the lifecycle state of a policy checkpoint.
type PromotionStatus string

const (
	// CheckpointPending means validation has not completed yet.
	CheckpointPending PromotionStatus = "pending"
	// CheckpointPromoted means the checkpoint passed validation and is
	// eligible for live inference.
	CheckpointPromoted PromotionStatus = "promoted"
	// CheckpointRejected means validation failed; kept for audit, never
	// loaded for live inference.
	CheckpointRejected PromotionStatus = "rejected"
)

// ValidationMetrics records the sanity checks a checkpoint was gated on.
type ValidationMetrics struct {
	MeanReward         float64 `json:"mean_reward" msgpack:"mean_reward"`
	RewardStdDev       float64 `json:"reward_std_dev" msgpack:"reward_std_dev"`
	MaxActionMagnitude float64 `json:"max_action_magnitude" msgpack:"max_action_magnitude"`
	MaxWeightSum       float64 `json:"max_weight_sum" msgpack:"max_weight_sum"`
	HoldoutSteps       int     `json:"holdout_steps" msgpack:"holdout_steps"`
	Reason             string  `json:"reason,omitempty" msgpack:"reason"`
}

// PolicyCheckpoint is a write-once record of a trained policy version.
// Status transitions pending -> {promoted|rejected} exactly once.
type PolicyCheckpoint struct {
	VersionID     string
	ParametersRef string
	CreatedAt     time.Time
	Validation    ValidationMetrics
	Status        PromotionStatus
}
