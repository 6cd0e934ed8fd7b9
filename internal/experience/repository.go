package experience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tidemark-io/tidemark/internal/database"
	"github.com/tidemark-io/tidemark/internal/domain"
)

// transitionPayload is the msgpack blob stored alongside the indexed
// columns. Observations dominate row size, so they are packed, not
// relational.
type transitionPayload struct {
	Observations map[string][]float64 `msgpack:"observations"`
	Action       map[string]float64   `msgpack:"action"`
	NextObs      map[string][]float64 `msgpack:"next_obs,omitempty"`
}

// Repository persists the append-only transition ledger.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a transition repository over the experience database.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("component", "experience_repository").Logger()}
}

// Insert appends one transition and fills in its ledger ID.
func (r *Repository) Insert(ctx context.Context, t *domain.Transition) error {
	blob, err := msgpack.Marshal(transitionPayload{
		Observations: t.Observations,
		Action:       t.Action,
		NextObs:      t.NextObs,
	})
	if err != nil {
		return fmt.Errorf("failed to encode transition payload: %w", err)
	}

	valid := 0
	if t.Valid {
		valid = 1
	}
	result, err := r.db.Conn().ExecContext(ctx,
		`INSERT INTO transitions (episode_id, step_index, reward, recorded_at, valid, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.EpisodeID, t.StepIndex, t.Reward, t.RecordedAt.UTC().UnixMicro(), valid, blob)
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		t.ID = id
	}
	return nil
}

// QueryRange returns transitions recorded in [from, to), oldest first.
// Serves both buffer restore at startup and the audit API.
func (r *Repository) QueryRange(ctx context.Context, from, to time.Time, limit int) ([]*domain.Transition, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT id, episode_id, step_index, reward, recorded_at, valid, payload
		 FROM transitions
		 WHERE recorded_at >= ? AND recorded_at < ?
		 ORDER BY recorded_at ASC, id ASC
		 LIMIT ?`,
		from.UTC().UnixMicro(), to.UTC().UnixMicro(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Transition
	for rows.Next() {
		var (
			t          domain.Transition
			recordedAt int64
			valid      int
			blob       []byte
		)
		if err := rows.Scan(&t.ID, &t.EpisodeID, &t.StepIndex, &t.Reward, &recordedAt, &valid, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		var payload transitionPayload
		if err := msgpack.Unmarshal(blob, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode transition %d payload: %w", t.ID, err)
		}
		t.RecordedAt = time.UnixMicro(recordedAt).UTC()
		t.Valid = valid == 1
		t.Observations = payload.Observations
		t.Action = payload.Action
		t.NextObs = payload.NextObs
		out = append(out, &t)
	}
	return out, rows.Err()
}

// LoadRecent returns the newest limit transitions, oldest first, for
// rebuilding the in-memory buffer at startup.
func (r *Repository) LoadRecent(ctx context.Context, limit int) ([]*domain.Transition, error) {
	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT id, episode_id, step_index, reward, recorded_at, valid, payload
		 FROM transitions
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent transitions: %w", err)
	}
	defer rows.Close()

	var newest []*domain.Transition
	for rows.Next() {
		var (
			t          domain.Transition
			recordedAt int64
			valid      int
			blob       []byte
		)
		if err := rows.Scan(&t.ID, &t.EpisodeID, &t.StepIndex, &t.Reward, &recordedAt, &valid, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		var payload transitionPayload
		if err := msgpack.Unmarshal(blob, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode transition %d payload: %w", t.ID, err)
		}
		t.RecordedAt = time.UnixMicro(recordedAt).UTC()
		t.Valid = valid == 1
		t.Observations = payload.Observations
		t.Action = payload.Action
		t.NextObs = payload.NextObs
		newest = append(newest, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first so the buffer appends in recorded order.
	for i, j := 0, len(newest)-1; i < j; i, j = i+1, j-1 {
		newest[i], newest[j] = newest[j], newest[i]
	}
	return newest, nil
}

// Count returns the total ledger size.
func (r *Repository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM transitions`).Scan(&n)
	return n, err
}
