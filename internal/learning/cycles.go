package learning

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tidemark-io/tidemark/internal/database"
)

// CycleOutcome summarizes how an update cycle ended.
type CycleOutcome string

const (
	CyclePromoted CycleOutcome = "promoted"
	CycleRejected CycleOutcome = "rejected"
	CycleFailed   CycleOutcome = "failed"
	CycleAborted  CycleOutcome = "aborted"
)

// UpdateCycle is one row of the cycle history served by the status API.
type UpdateCycle struct {
	ID         int64        `json:"id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	VersionID  string       `json:"version_id,omitempty"`
	Outcome    CycleOutcome `json:"outcome"`
	Detail     string       `json:"detail,omitempty"`
}

// CycleHistory records update cycles in the cache database; purely
// operational, safe to lose.
type CycleHistory struct {
	db *database.DB
}

// NewCycleHistory creates the cycle history over the cache database.
func NewCycleHistory(db *database.DB) *CycleHistory {
	return &CycleHistory{db: db}
}

// Record appends one finished cycle.
func (h *CycleHistory) Record(ctx context.Context, cycle UpdateCycle) error {
	var version sql.NullString
	if cycle.VersionID != "" {
		version = sql.NullString{String: cycle.VersionID, Valid: true}
	}
	_, err := h.db.Conn().ExecContext(ctx,
		`INSERT INTO update_cycles (started_at, finished_at, version_id, outcome, detail)
		 VALUES (?, ?, ?, ?, ?)`,
		cycle.StartedAt.UTC().UnixMicro(), cycle.FinishedAt.UTC().UnixMicro(),
		version, string(cycle.Outcome), cycle.Detail)
	if err != nil {
		return fmt.Errorf("failed to record update cycle: %w", err)
	}
	return nil
}

// Recent returns the latest limit cycles, newest first.
func (h *CycleHistory) Recent(ctx context.Context, limit int) ([]UpdateCycle, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.Conn().QueryContext(ctx,
		`SELECT id, started_at, finished_at, version_id, outcome, detail
		 FROM update_cycles ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query update cycles: %w", err)
	}
	defer rows.Close()

	var out []UpdateCycle
	for rows.Next() {
		var (
			cycle      UpdateCycle
			startedAt  int64
			finishedAt sql.NullInt64
			version    sql.NullString
			outcome    string
		)
		if err := rows.Scan(&cycle.ID, &startedAt, &finishedAt, &version, &outcome, &cycle.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan update cycle: %w", err)
		}
		cycle.StartedAt = time.UnixMicro(startedAt).UTC()
		if finishedAt.Valid {
			cycle.FinishedAt = time.UnixMicro(finishedAt.Int64).UTC()
		}
		cycle.VersionID = version.String
		cycle.Outcome = CycleOutcome(outcome)
		out = append(out, cycle)
	}
	return out, rows.Err()
}
