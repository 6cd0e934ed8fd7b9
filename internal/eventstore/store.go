// Package eventstore holds append-only, per-source buffers of timestamped
// raw records. Correctness of everything downstream rests on one rule:
// records are indexed and queried by availability_time, never by arrival
// order, so out-of-order ingestion (backfill racing live polls) is safe.
package eventstore

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidemark-io/tidemark/internal/domain"
)

type bufferKey struct {
	source domain.SourceType
	symbol string
}

// Store is the in-memory event store. Appends are atomic per record; reads
// are lock-shared, so the as-of engine and encoder can query concurrently
// across symbols.
type Store struct {
	mu      sync.RWMutex
	buffers map[bufferKey][]*domain.RawRecord // sorted by (availability_time, seq)
	dedup   map[domain.SourceType]map[string]struct{}
	nextSeq uint64
	repo    *Repository // optional durable log
	log     zerolog.Logger
}

// New creates an event store. repo may be nil for purely in-memory use
// (tests, backtests over already-loaded data).
func New(repo *Repository, log zerolog.Logger) *Store {
	return &Store{
		buffers: make(map[bufferKey][]*domain.RawRecord),
		dedup:   make(map[domain.SourceType]map[string]struct{}),
		nextSeq: 1,
		repo:    repo,
		log:     log.With().Str("component", "eventstore").Logger(),
	}
}

// Append adds one record. It validates the availability invariant, assigns
// the insertion sequence, and keeps the per-source buffer sorted by
// availability. Duplicate dedup keys are dropped silently (ingestion windows
// overlap by design).
func (s *Store) Append(rec domain.RawRecord, dedupKey string) error {
	if rec.AvailabilityTime.Before(rec.EventTime) {
		return domain.NewAvailabilityError(rec.Source, rec.Symbol, rec.EventTime, rec.AvailabilityTime)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if dedupKey != "" {
		keys, ok := s.dedup[rec.Source]
		if !ok {
			keys = make(map[string]struct{})
			s.dedup[rec.Source] = keys
		}
		if _, seen := keys[dedupKey]; seen {
			return nil
		}
		keys[dedupKey] = struct{}{}
	}

	rec.Seq = s.nextSeq
	s.nextSeq++

	key := bufferKey{source: rec.Source, symbol: storageSymbol(rec.Source, rec.Symbol)}
	buf := s.buffers[key]

	// Insert keeping (availability_time, seq) order. Ingestion is mostly
	// append-at-end; backfill may land anywhere.
	idx := sort.Search(len(buf), func(i int) bool {
		if buf[i].AvailabilityTime.Equal(rec.AvailabilityTime) {
			return buf[i].Seq > rec.Seq
		}
		return buf[i].AvailabilityTime.After(rec.AvailabilityTime)
	})
	buf = append(buf, nil)
	copy(buf[idx+1:], buf[idx:])
	stored := rec
	buf[idx] = &stored
	s.buffers[key] = buf

	if s.repo != nil {
		if err := s.repo.Insert(&stored, dedupKey); err != nil {
			s.log.Error().Err(err).
				Str("source", string(rec.Source)).
				Str("symbol", rec.Symbol).
				Msg("failed to persist raw record")
		}
	}

	return nil
}

// LatestAt returns the most recent record with availability_time <= t, or
// nil if nothing was knowable by t. Ties on availability are broken by
// insertion order: the later-inserted record wins (freshest revision).
func (s *Store) LatestAt(source domain.SourceType, symbol string, t time.Time) *domain.RawRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := s.buffers[bufferKey{source: source, symbol: storageSymbol(source, symbol)}]
	idx := firstAfter(buf, t)
	if idx == 0 {
		return nil
	}
	return buf[idx-1]
}

// WindowAt returns records with event_time in [from, to) that were knowable
// by asOf, sorted by event_time. For revisable sources (bars, macro) equal
// event times mean revisions of one event and only the freshest knowable
// revision is returned; for news and filings equal event times are distinct
// events (GDELT seendates are coarse) and every record is kept.
func (s *Store) WindowAt(source domain.SourceType, symbol string, from, to, asOf time.Time) []*domain.RawRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := s.buffers[bufferKey{source: source, symbol: storageSymbol(source, symbol)}]
	end := firstAfter(buf, asOf)

	var out []*domain.RawRecord
	if source.Revisable() {
		byEvent := make(map[int64]*domain.RawRecord)
		for _, rec := range buf[:end] {
			if rec.EventTime.Before(from) || !rec.EventTime.Before(to) {
				continue
			}
			// buf is availability-ordered, so a later entry is always the
			// fresher revision.
			byEvent[rec.EventTime.UnixMicro()] = rec
		}
		out = make([]*domain.RawRecord, 0, len(byEvent))
		for _, rec := range byEvent {
			out = append(out, rec)
		}
	} else {
		for _, rec := range buf[:end] {
			if rec.EventTime.Before(from) || !rec.EventTime.Before(to) {
				continue
			}
			out = append(out, rec)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].EventTime.Equal(out[j].EventTime) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].EventTime.Before(out[j].EventTime)
	})
	return out
}

// CountInWindow counts distinct knowable events in [from, to). Used for
// news-intensity features, where an empty window is a zero count rather
// than a missing value.
func (s *Store) CountInWindow(source domain.SourceType, symbol string, from, to, asOf time.Time) int {
	return len(s.WindowAt(source, symbol, from, to, asOf))
}

// Len returns the number of records held for a (source, symbol) buffer.
func (s *Store) Len(source domain.SourceType, symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffers[bufferKey{source: source, symbol: storageSymbol(source, symbol)}])
}

// Restore loads the durable log back into memory. Called once at startup
// before any readers exist.
func (s *Store) Restore() error {
	if s.repo == nil {
		return nil
	}
	stored, err := s.repo.LoadAll()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sr := range stored {
		rec := sr.Record
		key := bufferKey{source: rec.Source, symbol: storageSymbol(rec.Source, rec.Symbol)}
		s.buffers[key] = append(s.buffers[key], rec)
		if rec.Seq >= s.nextSeq {
			s.nextSeq = rec.Seq + 1
		}
		if sr.DedupKey != "" {
			keys, ok := s.dedup[rec.Source]
			if !ok {
				keys = make(map[string]struct{})
				s.dedup[rec.Source] = keys
			}
			keys[sr.DedupKey] = struct{}{}
		}
	}
	for key, buf := range s.buffers {
		sort.Slice(buf, func(i, j int) bool {
			if buf[i].AvailabilityTime.Equal(buf[j].AvailabilityTime) {
				return buf[i].Seq < buf[j].Seq
			}
			return buf[i].AvailabilityTime.Before(buf[j].AvailabilityTime)
		})
		s.buffers[key] = buf
	}

	s.log.Info().Int("records", len(stored)).Msg("event store restored from durable log")
	return nil
}

// firstAfter returns the index of the first record with availability > t.
func firstAfter(buf []*domain.RawRecord, t time.Time) int {
	return sort.Search(len(buf), func(i int) bool {
		return buf[i].AvailabilityTime.After(t)
	})
}

// storageSymbol collapses symbols for market-wide sources so a macro series
// queried with any symbol resolves to the same buffer.
func storageSymbol(source domain.SourceType, symbol string) string {
	if source.MarketWide() {
		return ""
	}
	return symbol
}
