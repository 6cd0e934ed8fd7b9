// Package asof implements the as-of join engine: every value it hands out
// was knowable at the query time. It is the sole leakage firewall; the
// encoder and environment never read the event store directly.
package asof

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidemark-io/tidemark/internal/domain"
	"github.com/tidemark-io/tidemark/internal/eventstore"
)

// Snapshot feature names. Ordering and presence are fixed by the configured
// source list, not by what data happens to exist.
const (
	FeatureBarClose10Min = "bar_close_10min"
	FeatureBarClose1Hour = "bar_close_1hour"
	FeatureMacroValue    = "macro_value"
	FeatureNewsTone      = "news_tone"
	FeatureFilingAge     = "filing_age_hours"
)

// Engine answers point-in-time queries against the event store.
// It is read-only and side-effect-free: safe to call concurrently across
// symbols within a step.
type Engine struct {
	store   *eventstore.Store
	sources []domain.SourceType
	log     zerolog.Logger
}

// New creates an as-of join engine over the given sources.
func New(store *eventstore.Store, sources []domain.SourceType, log zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		sources: sources,
		log:     log.With().Str("component", "asof").Logger(),
	}
}

// Snapshot returns the latest knowable value of each configured source for
// the symbol at queryTime. Sources with no knowable record are marked
// missing, not zero; downstream imputation policy decides what that means.
//
// Calling Snapshot twice with no ingestion in between returns identical
// results.
func (e *Engine) Snapshot(queryTime time.Time, symbol string) (*domain.AsOfSnapshot, error) {
	snap := &domain.AsOfSnapshot{
		QueryTime: queryTime,
		Symbol:    symbol,
		Features:  make(map[string]domain.FeatureValue, len(e.sources)),
	}

	for _, source := range e.sources {
		rec := e.store.LatestAt(source, symbol, queryTime)
		name := featureName(source)
		if rec == nil {
			snap.Features[name] = domain.FeatureValue{Missing: true}
			continue
		}
		if rec.AvailabilityTime.Before(rec.EventTime) {
			// The store rejects these on append; seeing one here means the
			// buffer is corrupted. Fail the query, never patch.
			return nil, domain.NewAvailabilityError(source, symbol, rec.EventTime, rec.AvailabilityTime)
		}

		value, err := primaryValue(rec, queryTime)
		if err != nil {
			return nil, &domain.DataIntegrityError{Source: source, Symbol: symbol, Reason: err.Error()}
		}
		snap.Features[name] = domain.FeatureValue{
			Value:     value,
			Staleness: queryTime.Sub(rec.AvailabilityTime),
		}
	}

	return snap, nil
}

// Bars returns the knowable bars for a symbol with event times in
// [queryTime-lookback, queryTime), ordered by event time.
func (e *Engine) Bars(source domain.SourceType, symbol string, lookback time.Duration, queryTime time.Time) []*domain.BarPayload {
	records := e.store.WindowAt(source, symbol, queryTime.Add(-lookback), queryTime, queryTime)
	bars := make([]*domain.BarPayload, 0, len(records))
	for _, rec := range records {
		if bar, ok := rec.Payload.(*domain.BarPayload); ok {
			bars = append(bars, bar)
		}
	}
	return bars
}

// NewsCount returns the number of knowable articles for a symbol within the
// trailing window. An empty window is a genuine zero, not missing data.
func (e *Engine) NewsCount(symbol string, window time.Duration, queryTime time.Time) int {
	return e.store.CountInWindow(domain.SourceNews, symbol, queryTime.Add(-window), queryTime, queryTime)
}

// LatestClose returns the close of the most recent knowable 10-minute bar.
func (e *Engine) LatestClose(symbol string, queryTime time.Time) (float64, bool) {
	rec := e.store.LatestAt(domain.SourceBars10Min, symbol, queryTime)
	if rec == nil {
		return 0, false
	}
	bar, ok := rec.Payload.(*domain.BarPayload)
	if !ok {
		return 0, false
	}
	return bar.Close, true
}

// NextBar returns the first 10-minute bar whose event time is at or after t,
// searching up to horizon ahead, gated by what is knowable at asOf. The
// environment fills orders at this bar's open (execution lag, never the
// current bar's close) and marks reward at its close. Returns false if no
// such bar is knowable (data gap).
func (e *Engine) NextBar(symbol string, t time.Time, horizon time.Duration, asOf time.Time) (*domain.BarPayload, bool) {
	records := e.store.WindowAt(domain.SourceBars10Min, symbol, t, t.Add(horizon), asOf)
	if len(records) == 0 {
		return nil, false
	}
	bar, ok := records[0].Payload.(*domain.BarPayload)
	if !ok {
		return nil, false
	}
	return bar, true
}

// featureName maps a source to its snapshot feature key.
func featureName(source domain.SourceType) string {
	switch source {
	case domain.SourceBars10Min:
		return FeatureBarClose10Min
	case domain.SourceBarsHourly:
		return FeatureBarClose1Hour
	case domain.SourceMacro:
		return FeatureMacroValue
	case domain.SourceNews:
		return FeatureNewsTone
	case domain.SourceFilings:
		return FeatureFilingAge
	default:
		return string(source)
	}
}

// primaryValue extracts the scalar the snapshot exposes for a record.
func primaryValue(rec *domain.RawRecord, queryTime time.Time) (float64, error) {
	switch p := rec.Payload.(type) {
	case *domain.BarPayload:
		return p.Close, nil
	case *domain.MacroPayload:
		// Daily macro series forward-fill: the last knowable value is used
		// as-is, staleness reflects elapsed time, the value itself never
		// decays intraday.
		return p.Value, nil
	case *domain.NewsPayload:
		return p.Tone, nil
	case *domain.FilingPayload:
		// Filings decay naturally through age, never through manual
		// intraday adjustment of the value.
		return queryTime.Sub(rec.EventTime).Hours(), nil
	default:
		return 0, fmt.Errorf("unsupported payload type %T", rec.Payload)
	}
}
