package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validStrategy() *Strategy {
	return &Strategy{
		Universe:     []string{"AAA", "BBB"},
		StartingCash: 10_000,
		Constraints: Constraints{
			MaxWeightPerAsset: 0.25,
			MinCashBuffer:     0.10,
			WeightIncrement:   0.05,
		},
	}
}

func TestApplyDefaults(t *testing.T) {
	s := validStrategy()
	s.applyDefaults()

	assert.Equal(t, "SPY", s.MarketProxy)
	assert.Equal(t, []string{"EFFR"}, s.FredSeries)
	assert.Equal(t, 10*time.Minute, s.StepInterval)
	assert.Equal(t, 39, s.EpisodeSteps)
	assert.Equal(t, 50_000, s.Buffer.Capacity)
	assert.Equal(t, 48*time.Hour, s.Buffer.HalfLife)
	assert.Equal(t, "@hourly", s.Learning.UpdateSchedule)
	assert.Equal(t, 256, s.Learning.BatchSize)
	assert.Equal(t, 5*time.Minute, s.Learning.LearnerTimeout)
	assert.Equal(t, 72, s.Learning.HoldoutSteps)
	assert.Equal(t, 5, s.Learning.RetryBudget)
}

func TestApplyDefaults_DoesNotOverride(t *testing.T) {
	s := validStrategy()
	s.MarketProxy = "VTI"
	s.EpisodeSteps = 12
	s.applyDefaults()

	assert.Equal(t, "VTI", s.MarketProxy)
	assert.Equal(t, 12, s.EpisodeSteps)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Strategy)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(s *Strategy) {},
		},
		{
			name:    "empty universe",
			mutate:  func(s *Strategy) { s.Universe = nil },
			wantErr: "universe is empty",
		},
		{
			name:    "duplicate symbols",
			mutate:  func(s *Strategy) { s.Universe = []string{"AAA", "BBB", "AAA"} },
			wantErr: "duplicates",
		},
		{
			name:    "non-positive cash",
			mutate:  func(s *Strategy) { s.StartingCash = 0 },
			wantErr: "starting_cash",
		},
		{
			name:    "weight cap above one",
			mutate:  func(s *Strategy) { s.Constraints.MaxWeightPerAsset = 1.5 },
			wantErr: "max_weight_per_asset",
		},
		{
			name:    "cash buffer at one",
			mutate:  func(s *Strategy) { s.Constraints.MinCashBuffer = 1.0 },
			wantErr: "min_cash_buffer",
		},
		{
			name:    "increment above cap",
			mutate:  func(s *Strategy) { s.Constraints.WeightIncrement = 0.30 },
			wantErr: "weight_increment",
		},
		{
			name:    "anchor mix above one",
			mutate:  func(s *Strategy) { s.Buffer.AnchorMix = 1.2 },
			wantErr: "anchor_mix",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validStrategy()
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestAllSymbols(t *testing.T) {
	s := validStrategy()
	s.MarketProxy = "SPY"
	s.SectorETFs = []string{"XLK", "AAA"}

	assert.Equal(t, []string{"AAA", "BBB", "SPY", "XLK"}, s.AllSymbols())
}

func TestLoadStrategy(t *testing.T) {
	content := `
universe: [AAA, BBB]
market_proxy: SPY
starting_cash: 25000
constraints:
  max_weight_per_asset: 0.25
  min_cash_buffer: 0.10
  weight_increment: 0.05
costs:
  fixed_fee: 1.0
  fee_bps: 10
experience:
  capacity: 1000
  half_life: 24h
learning:
  batch_size: 64
  holdout_steps: 16
  learner_timeout: 2m
step_interval: 10m
`
	path := filepath.Join(t.TempDir(), "strategy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := LoadStrategy(path)
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	assert.Equal(t, []string{"AAA", "BBB"}, s.Universe)
	assert.Equal(t, 25_000.0, s.StartingCash)
	assert.Equal(t, 1.0, s.Costs.FixedFee)
	assert.Equal(t, 64, s.Learning.BatchSize)
	assert.Equal(t, 16, s.Learning.HoldoutSteps)
	// duration strings parse
	assert.Equal(t, 10*time.Minute, s.StepInterval)
	assert.Equal(t, 24*time.Hour, s.Buffer.HalfLife)
	assert.Equal(t, 2*time.Minute, s.Learning.LearnerTimeout)
	// omitted fields pick up defaults
	assert.Equal(t, 39, s.EpisodeSteps)
	assert.Equal(t, 1000, s.Buffer.Capacity)
}

func TestLoadStrategy_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("step_interval: fast"), 0o644))

	_, err := LoadStrategy(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoadStrategy_MissingFile(t *testing.T) {
	_, err := LoadStrategy(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read strategy file")
}

func TestLoadStrategy_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("universe: [unterminated"), 0o644))

	_, err := LoadStrategy(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse strategy file")
}
