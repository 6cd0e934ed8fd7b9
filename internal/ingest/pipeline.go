// Package ingest populates the event store from the external data
// collaborators: historical backfill across all sources and a live bar
// poller. Both are independent writers; the store's dedup keys make their
// overlap harmless.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/tidemark-io/tidemark/internal/clients/alpaca"
	"github.com/tidemark-io/tidemark/internal/clients/fred"
	"github.com/tidemark-io/tidemark/internal/clients/gdelt"
	"github.com/tidemark-io/tidemark/internal/clients/sec"
	"github.com/tidemark-io/tidemark/internal/config"
	"github.com/tidemark-io/tidemark/internal/domain"
	"github.com/tidemark-io/tidemark/internal/eventstore"
	"github.com/tidemark-io/tidemark/internal/utils"
)

const (
	timeframeShort = "10min"
	timeframeLong  = "1hour"

	// pollLookback re-fetches a trailing window every poll; dedup absorbs
	// the overlap and late corrections land as fresh revisions.
	pollLookback = 6 * time.Hour

	newsMaxRecords = 250

	// macroPublicationLag: daily series are knowable the following day, not
	// at their observation midnight.
	macroPublicationLag = 24 * time.Hour

	// filingAvailabilityLag: filing dates have day resolution, so a filing
	// becomes knowable at the end of its filing day.
	filingAvailabilityLag = 24 * time.Hour
)

// Pipeline ingests all configured sources into the event store.
type Pipeline struct {
	alpaca   *alpaca.Client
	fred     *fred.Client
	sec      *sec.Client
	gdelt    *gdelt.Client
	store    *eventstore.Store
	strategy *config.Strategy
	cron     *cron.Cron
	log      zerolog.Logger
}

// NewPipeline wires the ingestion pipeline.
func NewPipeline(
	alpacaClient *alpaca.Client,
	fredClient *fred.Client,
	secClient *sec.Client,
	gdeltClient *gdelt.Client,
	store *eventstore.Store,
	strategy *config.Strategy,
	log zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		alpaca:   alpacaClient,
		fred:     fredClient,
		sec:      secClient,
		gdelt:    gdeltClient,
		store:    store,
		strategy: strategy,
		cron:     cron.New(),
		log:      log.With().Str("component", "ingest").Logger(),
	}
}

// Backfill loads [start, end] across every source. Sources fail
// independently: one provider being down must not lose the others' history.
// The first failure is reported after everything has been attempted.
func (p *Pipeline) Backfill(ctx context.Context, start, end time.Time) error {
	defer utils.NewTimer("backfill", p.log).Stop()

	var firstErr error
	keep := func(stage string, err error) {
		if err != nil {
			p.log.Error().Err(err).Str("stage", stage).Msg("backfill stage failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", stage, err)
			}
		}
	}

	barSymbols := p.barSymbols()
	for _, timeframe := range []string{timeframeShort, timeframeLong} {
		keep("bars/"+timeframe, p.ingestBars(ctx, barSymbols, timeframe, start, end))
	}
	keep("macro", p.ingestMacro(ctx, start, end))
	keep("filings", p.ingestFilings(ctx))
	keep("news", p.ingestNews(ctx, start, end))

	return firstErr
}

// StartPolling schedules the live bar poll (cron spec, e.g. "@every 10m").
func (p *Pipeline) StartPolling(schedule string) error {
	_, err := p.cron.AddFunc(schedule, func() {
		if err := p.PollOnce(context.Background()); err != nil {
			p.log.Error().Err(err).Msg("live poll failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", schedule, err)
	}
	p.cron.Start()
	p.log.Info().Str("schedule", schedule).Msg("live polling started")
	return nil
}

// StopPolling halts the poll schedule.
func (p *Pipeline) StopPolling() { p.cron.Stop() }

// PollOnce fetches the trailing lookback window of fine-grained bars.
func (p *Pipeline) PollOnce(ctx context.Context) error {
	end := time.Now().UTC()
	return p.ingestBars(ctx, p.barSymbols(), timeframeShort, end.Add(-pollLookback), end)
}

// HandleStreamBar appends a live websocket bar. Stream bars arrive at close,
// so availability is the receive moment.
func (p *Pipeline) HandleStreamBar(sb alpaca.StreamBar) {
	rec := domain.RawRecord{
		Source: domain.SourceBars10Min,
		Symbol: sb.Symbol,
		// Stream timestamps mark the bar open.
		EventTime:        sb.Bar.Timestamp.UTC(),
		AvailabilityTime: time.Now().UTC(),
		Payload: &domain.BarPayload{
			Open:       sb.Bar.Open,
			High:       sb.Bar.High,
			Low:        sb.Bar.Low,
			Close:      sb.Bar.Close,
			Volume:     sb.Bar.Volume,
			TradeCount: sb.Bar.TradeCount,
			VWAP:       sb.Bar.VWAP,
			Timeframe:  timeframeShort,
			Feed:       p.alpaca.Feed(),
		},
	}
	key := barDedupKey(timeframeShort, sb.Symbol, rec.EventTime)
	if err := p.store.Append(rec, key); err != nil {
		p.log.Error().Err(err).Str("symbol", sb.Symbol).Msg("failed to append stream bar")
	}
}

func (p *Pipeline) barSymbols() []string {
	all := append([]string{p.strategy.MarketProxy}, p.strategy.Universe...)
	all = append(all, p.strategy.SectorETFs...)
	all = lo.Uniq(all)
	sort.Strings(all)
	return all
}

func (p *Pipeline) ingestBars(ctx context.Context, symbols []string, timeframe string, start, end time.Time) error {
	bars, err := p.alpaca.FetchBars(ctx, symbols, timeframe, start, end)
	if err != nil {
		return err
	}

	duration := 10 * time.Minute
	source := domain.SourceBars10Min
	if timeframe == timeframeLong {
		duration = time.Hour
		source = domain.SourceBarsHourly
	}

	appended := 0
	for symbol, series := range bars {
		for _, bar := range series {
			eventTime := bar.Timestamp.UTC()
			rec := domain.RawRecord{
				Source:    source,
				Symbol:    symbol,
				EventTime: eventTime,
				// A bar is knowable once it closes.
				AvailabilityTime: eventTime.Add(duration),
				Payload: &domain.BarPayload{
					Open:       bar.Open,
					High:       bar.High,
					Low:        bar.Low,
					Close:      bar.Close,
					Volume:     bar.Volume,
					TradeCount: bar.TradeCount,
					VWAP:       bar.VWAP,
					Timeframe:  timeframe,
					Feed:       p.alpaca.Feed(),
				},
			}
			if err := p.store.Append(rec, barDedupKey(timeframe, symbol, eventTime)); err != nil {
				return err
			}
			appended++
		}
	}
	p.log.Info().Str("timeframe", timeframe).Int("bars", appended).Msg("ingested bars")
	return nil
}

func (p *Pipeline) ingestMacro(ctx context.Context, start, end time.Time) error {
	for _, seriesID := range p.strategy.FredSeries {
		observations, err := p.fred.FetchSeriesObservations(ctx, seriesID, start, end)
		if err != nil {
			return err
		}
		for _, obs := range observations {
			if obs.Missing {
				continue // "." rows carry no value; forward-fill covers the gap
			}
			rec := domain.RawRecord{
				Source:           domain.SourceMacro,
				EventTime:        obs.Date,
				AvailabilityTime: obs.Date.Add(macroPublicationLag),
				Payload:          &domain.MacroPayload{SeriesID: seriesID, Value: obs.Value},
			}
			key := fmt.Sprintf("macro:%s:%s", seriesID, obs.Date.Format("2006-01-02"))
			if err := p.store.Append(rec, key); err != nil {
				return err
			}
		}
		p.log.Info().Str("series", seriesID).Int("observations", len(observations)).Msg("ingested macro series")
	}
	return nil
}

func (p *Pipeline) ingestFilings(ctx context.Context) error {
	var firstErr error
	for symbol, cik := range p.strategy.SymbolCIKs {
		subs, err := p.sec.FetchSubmissions(ctx, cik)
		if err != nil {
			// Per-symbol isolation: one bad CIK must not lose the rest.
			p.log.Warn().Err(err).Str("symbol", symbol).Msg("submissions fetch failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, filing := range p.sec.ExtractRecentFilings(symbol, cik, subs) {
			rec := domain.RawRecord{
				Source:           domain.SourceFilings,
				Symbol:           symbol,
				EventTime:        filing.FiledAt,
				AvailabilityTime: filing.FiledAt.Add(filingAvailabilityLag),
				Payload: &domain.FilingPayload{
					CIK:       filing.CIK,
					Form:      filing.Form,
					Accession: filing.Accession,
				},
			}
			key := fmt.Sprintf("sec:%s:%s", symbol, filing.Accession)
			if err := p.store.Append(rec, key); err != nil {
				return err
			}
		}
	}
	return firstErr
}

func (p *Pipeline) ingestNews(ctx context.Context, start, end time.Time) error {
	var firstErr error
	for _, symbol := range p.strategy.Universe {
		query := fmt.Sprintf("%s OR %q", symbol, symbol)
		articles, err := p.gdelt.FetchNews(ctx, query, newsMaxRecords, start, end)
		if err != nil {
			p.log.Warn().Err(err).Str("symbol", symbol).Msg("news fetch failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, article := range articles {
			rec := domain.RawRecord{
				Source:    domain.SourceNews,
				Symbol:    symbol,
				EventTime: article.SeenDate,
				// seendate marks when GDELT surfaced the article, which is
				// exactly when it became knowable.
				AvailabilityTime: article.SeenDate,
				Payload: &domain.NewsPayload{
					Domain: article.Domain,
					URL:    article.URL,
					Tone:   article.Tone,
					Themes: article.Themes,
				},
			}
			key := fmt.Sprintf("news:%s:%s", symbol, article.URL)
			if err := p.store.Append(rec, key); err != nil {
				return err
			}
		}
	}
	return firstErr
}

func barDedupKey(timeframe, symbol string, eventTime time.Time) string {
	return fmt.Sprintf("bars:%s:%s:%d", timeframe, symbol, eventTime.Unix())
}
