package testing

import (
	"fmt"
	"math"
	"time"

	"github.com/tidemark-io/tidemark/internal/domain"
	"github.com/tidemark-io/tidemark/internal/eventstore"
)

// SeedBars appends count consecutive bars for symbol starting at start,
// closing prices walking a gentle sine around base. Each bar's availability
// is its close time. Returns the last bar's close time.
func SeedBars(store *eventstore.Store, symbol, timeframe string, start time.Time, count int, base float64) (time.Time, error) {
	step := 10 * time.Minute
	if timeframe == "1hour" {
		step = time.Hour
	}

	var last time.Time
	for i := 0; i < count; i++ {
		eventTime := start.Add(time.Duration(i) * step)
		price := base * (1 + 0.01*math.Sin(float64(i)/5))
		rec := domain.RawRecord{
			Source:           payloadSource(timeframe),
			Symbol:           symbol,
			EventTime:        eventTime,
			AvailabilityTime: eventTime.Add(step),
			Payload: &domain.BarPayload{
				Open:       price * 0.999,
				High:       price * 1.002,
				Low:        price * 0.997,
				Close:      price,
				Volume:     10_000 + float64(i),
				TradeCount: 100,
				VWAP:       price * 1.0005,
				Timeframe:  timeframe,
			},
		}
		key := fmt.Sprintf("bars:%s:%s:%d", timeframe, symbol, eventTime.Unix())
		if err := store.Append(rec, key); err != nil {
			return last, err
		}
		last = eventTime.Add(step)
	}
	return last, nil
}

func payloadSource(timeframe string) domain.SourceType {
	if timeframe == "1hour" {
		return domain.SourceBarsHourly
	}
	return domain.SourceBars10Min
}

// SeedMacro appends one daily macro observation knowable the following day.
func SeedMacro(store *eventstore.Store, seriesID string, date time.Time, value float64) error {
	return store.Append(domain.RawRecord{
		Source:           domain.SourceMacro,
		EventTime:        date,
		AvailabilityTime: date.Add(24 * time.Hour),
		Payload:          &domain.MacroPayload{SeriesID: seriesID, Value: value},
	}, fmt.Sprintf("macro:%s:%s", seriesID, date.Format("2006-01-02")))
}

// SeedNews appends one article knowable at its seen time.
func SeedNews(store *eventstore.Store, symbol string, seen time.Time, tone float64, url string) error {
	return store.Append(domain.RawRecord{
		Source:           domain.SourceNews,
		Symbol:           symbol,
		EventTime:        seen,
		AvailabilityTime: seen,
		Payload:          &domain.NewsPayload{Domain: "example.com", URL: url, Tone: tone},
	}, fmt.Sprintf("news:%s:%s", symbol, url))
}

// SeedFiling appends one filing knowable at the end of its filing day.
func SeedFiling(store *eventstore.Store, symbol string, filed time.Time, form, accession string) error {
	return store.Append(domain.RawRecord{
		Source:           domain.SourceFilings,
		Symbol:           symbol,
		EventTime:        filed,
		AvailabilityTime: filed.Add(24 * time.Hour),
		Payload:          &domain.FilingPayload{CIK: "0000000000", Form: form, Accession: accession},
	}, fmt.Sprintf("sec:%s:%s", symbol, accession))
}
