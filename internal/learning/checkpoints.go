// Package learning orchestrates continual policy updates: cron-cadenced
// update cycles, the validation gate, write-once checkpoint promotion, and
// the cycle history used by the status API.
package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidemark-io/tidemark/internal/database"
	"github.com/tidemark-io/tidemark/internal/domain"
)

// CheckpointRepository persists policy checkpoints. Status is write-once:
// pending -> promoted or pending -> rejected, enforced in SQL.
type CheckpointRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewCheckpointRepository creates a checkpoint repository over the
// experience database.
func NewCheckpointRepository(db *database.DB, log zerolog.Logger) *CheckpointRepository {
	return &CheckpointRepository{db: db, log: log.With().Str("component", "checkpoint_repository").Logger()}
}

// Create inserts a new pending checkpoint.
func (r *CheckpointRepository) Create(ctx context.Context, cp *domain.PolicyCheckpoint) error {
	_, err := r.db.Conn().ExecContext(ctx,
		`INSERT INTO checkpoints (version_id, parameters_ref, created_at, status, validation)
		 VALUES (?, ?, ?, ?, '{}')`,
		cp.VersionID, cp.ParametersRef, cp.CreatedAt.UTC().UnixMicro(), string(domain.CheckpointPending))
	if err != nil {
		return fmt.Errorf("failed to create checkpoint %s: %w", cp.VersionID, err)
	}
	return nil
}

// Finalize moves a pending checkpoint to promoted or rejected, recording the
// validation metrics it was gated on. The WHERE clause guards the write-once
// transition: finalizing an already final checkpoint is an error.
func (r *CheckpointRepository) Finalize(ctx context.Context, versionID string, status domain.PromotionStatus, metrics domain.ValidationMetrics) error {
	if status != domain.CheckpointPromoted && status != domain.CheckpointRejected {
		return fmt.Errorf("invalid final status %q", status)
	}
	blob, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to encode validation metrics: %w", err)
	}

	result, err := r.db.Conn().ExecContext(ctx,
		`UPDATE checkpoints SET status = ?, validation = ?
		 WHERE version_id = ? AND status = 'pending'`,
		string(status), string(blob), versionID)
	if err != nil {
		return fmt.Errorf("failed to finalize checkpoint %s: %w", versionID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrCheckpointFinal
	}
	return nil
}

// Get returns one checkpoint by version.
func (r *CheckpointRepository) Get(ctx context.Context, versionID string) (*domain.PolicyCheckpoint, error) {
	row := r.db.Conn().QueryRowContext(ctx,
		`SELECT version_id, parameters_ref, created_at, status, validation
		 FROM checkpoints WHERE version_id = ?`, versionID)
	return scanCheckpoint(row)
}

// Promoted returns the most recently promoted checkpoint, or nil when no
// checkpoint has ever passed the gate.
func (r *CheckpointRepository) Promoted(ctx context.Context) (*domain.PolicyCheckpoint, error) {
	row := r.db.Conn().QueryRowContext(ctx,
		`SELECT version_id, parameters_ref, created_at, status, validation
		 FROM checkpoints WHERE status = 'promoted'
		 ORDER BY created_at DESC LIMIT 1`)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cp, err
}

// List returns checkpoints created in [from, to), newest first.
func (r *CheckpointRepository) List(ctx context.Context, from, to time.Time, limit int) ([]*domain.PolicyCheckpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT version_id, parameters_ref, created_at, status, validation
		 FROM checkpoints
		 WHERE created_at >= ? AND created_at < ?
		 ORDER BY created_at DESC LIMIT ?`,
		from.UTC().UnixMicro(), to.UTC().UnixMicro(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*domain.PolicyCheckpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*domain.PolicyCheckpoint, error) {
	var (
		cp        domain.PolicyCheckpoint
		createdAt int64
		status    string
		blob      string
	)
	if err := row.Scan(&cp.VersionID, &cp.ParametersRef, &createdAt, &status, &blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	cp.CreatedAt = time.UnixMicro(createdAt).UTC()
	cp.Status = domain.PromotionStatus(status)
	if err := json.Unmarshal([]byte(blob), &cp.Validation); err != nil {
		return nil, fmt.Errorf("failed to decode validation metrics for %s: %w", cp.VersionID, err)
	}
	return &cp, nil
}
