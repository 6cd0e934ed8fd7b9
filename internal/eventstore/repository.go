package eventstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tidemark-io/tidemark/internal/domain"
)

// Repository persists raw records to the events database. The table mirrors
// the in-memory store: append-only, indexed by (source, symbol,
// availability_time, seq).
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates an event store repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "eventstore").Logger(),
	}
}

// Insert appends one record. Duplicate dedup keys are ignored, matching the
// in-memory store's behavior.
func (r *Repository) Insert(rec *domain.RawRecord, dedupKey string) error {
	payload, err := msgpack.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	if dedupKey == "" {
		dedupKey = fmt.Sprintf("seq:%d", rec.Seq)
	}

	_, err = r.db.Exec(`INSERT OR IGNORE INTO raw_records
		(source, symbol, event_time, availability_time, payload, dedup_key)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(rec.Source), rec.Symbol,
		rec.EventTime.UnixMicro(), rec.AvailabilityTime.UnixMicro(),
		payload, dedupKey)
	if err != nil {
		return fmt.Errorf("failed to insert raw record: %w", err)
	}
	return nil
}

// StoredRecord pairs a restored record with its ingestion dedup key.
type StoredRecord struct {
	Record   *domain.RawRecord
	DedupKey string
}

// LoadAll reads the full durable log in sequence order.
func (r *Repository) LoadAll() ([]StoredRecord, error) {
	rows, err := r.db.Query(`SELECT seq, source, symbol, event_time, availability_time, payload, dedup_key
		FROM raw_records ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw records: %w", err)
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var (
			seq                    uint64
			source, symbol, dedup  string
			eventMicro, availMicro int64
			blob                   []byte
		)
		if err := rows.Scan(&seq, &source, &symbol, &eventMicro, &availMicro, &blob, &dedup); err != nil {
			return nil, fmt.Errorf("failed to scan raw record: %w", err)
		}

		payload, err := decodePayload(domain.SourceType(source), blob)
		if err != nil {
			r.log.Warn().Err(err).Uint64("seq", seq).Msg("skipping undecodable record")
			continue
		}

		out = append(out, StoredRecord{
			Record: &domain.RawRecord{
				Source:           domain.SourceType(source),
				Symbol:           symbol,
				EventTime:        time.UnixMicro(eventMicro).UTC(),
				AvailabilityTime: time.UnixMicro(availMicro).UTC(),
				Payload:          payload,
				Seq:              seq,
			},
			DedupKey: dedup,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating raw records: %w", err)
	}
	return out, nil
}

// decodePayload maps a source type back to its concrete payload struct.
func decodePayload(source domain.SourceType, blob []byte) (domain.Payload, error) {
	switch source {
	case domain.SourceBars10Min, domain.SourceBarsHourly:
		var p domain.BarPayload
		if err := msgpack.Unmarshal(blob, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case domain.SourceMacro:
		var p domain.MacroPayload
		if err := msgpack.Unmarshal(blob, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case domain.SourceNews:
		var p domain.NewsPayload
		if err := msgpack.Unmarshal(blob, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case domain.SourceFilings:
		var p domain.FilingPayload
		if err := msgpack.Unmarshal(blob, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("unknown source type %q", source)
	}
}
