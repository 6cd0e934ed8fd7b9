package learning

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/internal/domain"
	tidetest "github.com/tidemark-io/tidemark/internal/testing"
)

func newCheckpointRepo(t *testing.T) *CheckpointRepository {
	t.Helper()
	return NewCheckpointRepository(tidetest.NewTestDB(t, "experience"), zerolog.Nop())
}

func pendingCheckpoint() *domain.PolicyCheckpoint {
	return &domain.PolicyCheckpoint{
		VersionID:     uuid.NewString(),
		ParametersRef: uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
		Status:        domain.CheckpointPending,
	}
}

func TestFinalize_WriteOnce(t *testing.T) {
	repo := newCheckpointRepo(t)
	ctx := context.Background()

	cp := pendingCheckpoint()
	require.NoError(t, repo.Create(ctx, cp))

	metrics := domain.ValidationMetrics{MeanReward: 0.5, HoldoutSteps: 10}
	require.NoError(t, repo.Finalize(ctx, cp.VersionID, domain.CheckpointPromoted, metrics))

	// Any second transition is refused, including back to the same status.
	err := repo.Finalize(ctx, cp.VersionID, domain.CheckpointRejected, metrics)
	assert.ErrorIs(t, err, domain.ErrCheckpointFinal)
	err = repo.Finalize(ctx, cp.VersionID, domain.CheckpointPromoted, metrics)
	assert.ErrorIs(t, err, domain.ErrCheckpointFinal)

	got, err := repo.Get(ctx, cp.VersionID)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckpointPromoted, got.Status)
	assert.Equal(t, 0.5, got.Validation.MeanReward)
	assert.Equal(t, 10, got.Validation.HoldoutSteps)
}

func TestFinalize_RejectsNonFinalStatus(t *testing.T) {
	repo := newCheckpointRepo(t)
	ctx := context.Background()

	cp := pendingCheckpoint()
	require.NoError(t, repo.Create(ctx, cp))

	err := repo.Finalize(ctx, cp.VersionID, domain.CheckpointPending, domain.ValidationMetrics{})
	assert.Error(t, err)
}

func TestPromoted_ReturnsLatestOrNil(t *testing.T) {
	repo := newCheckpointRepo(t)
	ctx := context.Background()

	got, err := repo.Promoted(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "no promoted checkpoint yet")

	older := pendingCheckpoint()
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, repo.Create(ctx, older))
	require.NoError(t, repo.Finalize(ctx, older.VersionID, domain.CheckpointPromoted, domain.ValidationMetrics{}))

	rejected := pendingCheckpoint()
	require.NoError(t, repo.Create(ctx, rejected))
	require.NoError(t, repo.Finalize(ctx, rejected.VersionID, domain.CheckpointRejected, domain.ValidationMetrics{}))

	newer := pendingCheckpoint()
	require.NoError(t, repo.Create(ctx, newer))
	require.NoError(t, repo.Finalize(ctx, newer.VersionID, domain.CheckpointPromoted, domain.ValidationMetrics{}))

	got, err = repo.Promoted(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, newer.VersionID, got.VersionID, "rejected checkpoints never surface as promoted")
}

func TestList_NewestFirstWithinRange(t *testing.T) {
	repo := newCheckpointRepo(t)
	ctx := context.Background()

	now := time.Now().UTC()
	var versions []string
	for i := 0; i < 3; i++ {
		cp := pendingCheckpoint()
		cp.CreatedAt = now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Create(ctx, cp))
		versions = append(versions, cp.VersionID)
	}

	out, err := repo.List(ctx, now.Add(-time.Hour), now.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, versions[2], out[0].VersionID)
	assert.Equal(t, versions[0], out[2].VersionID)
	for _, cp := range out {
		assert.Equal(t, domain.CheckpointPending, cp.Status)
	}
}
