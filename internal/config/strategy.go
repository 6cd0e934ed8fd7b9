package config

import (
	"fmt"
	"os"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Strategy is the trading universe, constraint set and cost model. These are
// deliberately file-driven: the quantization increment and the cost/slippage
// numbers are operator decisions, not code constants.
type Strategy struct {
	Universe    []string          `yaml:"universe"`
	MarketProxy string            `yaml:"market_proxy"`
	SectorETFs  []string          `yaml:"sector_etfs"`
	FredSeries  []string          `yaml:"fred_series"`
	SymbolCIKs  map[string]string `yaml:"symbol_ciks"`

	StartingCash float64 `yaml:"starting_cash"`

	Constraints Constraints `yaml:"constraints"`
	Costs       CostModel   `yaml:"costs"`
	Buffer      BufferCfg   `yaml:"experience"`
	Learning    LearningCfg `yaml:"learning"`

	StepInterval time.Duration `yaml:"step_interval"`
	EpisodeSteps int           `yaml:"episode_steps"`
}

// Constraints bound the action space.
type Constraints struct {
	MaxWeightPerAsset float64 `yaml:"max_weight_per_asset"`
	MinCashBuffer     float64 `yaml:"min_cash_buffer"`
	WeightIncrement   float64 `yaml:"weight_increment"`
}

// CostModel prices executions. Costs are deterministic functions of traded
// notional; they are never omitted from reward.
type CostModel struct {
	FixedFee         float64 `yaml:"fixed_fee"`          // per order
	FeeBps           float64 `yaml:"fee_bps"`            // of traded notional
	SlippageBps      float64 `yaml:"slippage_bps"`       // of traded notional
	TurnoverPenalty  float64 `yaml:"turnover_penalty"`   // per unit |Δw|₁
	DrawdownPenalty  float64 `yaml:"drawdown_penalty"`   // 0 disables
	VolatilityWindow int     `yaml:"volatility_window"`  // steps, for penalty term
}

// BufferCfg controls experience recency weighting and sampling.
type BufferCfg struct {
	Capacity  int           `yaml:"capacity"`
	HalfLife  time.Duration `yaml:"half_life"`
	AnchorMix float64       `yaml:"anchor_mix"` // uniform sampling fraction
}

// LearningCfg controls update cadence and the validation gate.
type LearningCfg struct {
	UpdateSchedule     string        `yaml:"update_schedule"` // cron expression
	BatchSize          int           `yaml:"batch_size"`
	LearnerTimeout     time.Duration `yaml:"learner_timeout"`
	HoldoutSteps       int           `yaml:"holdout_steps"`
	MaxActionMagnitude float64       `yaml:"max_action_magnitude"`
	MaxAbsMeanReward   float64       `yaml:"max_abs_mean_reward"`
	RetryBudget        int           `yaml:"retry_budget"`
}

// yamlDuration parses a "10m" style duration string; empty leaves out unset
// so applyDefaults can fill it.
func yamlDuration(raw string, out *time.Duration) error {
	if raw == "" {
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*out = parsed
	return nil
}

// UnmarshalYAML accepts step_interval as a duration string.
func (s *Strategy) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		Universe    []string          `yaml:"universe"`
		MarketProxy string            `yaml:"market_proxy"`
		SectorETFs  []string          `yaml:"sector_etfs"`
		FredSeries  []string          `yaml:"fred_series"`
		SymbolCIKs  map[string]string `yaml:"symbol_ciks"`

		StartingCash float64 `yaml:"starting_cash"`

		Constraints Constraints `yaml:"constraints"`
		Costs       CostModel   `yaml:"costs"`
		Buffer      BufferCfg   `yaml:"experience"`
		Learning    LearningCfg `yaml:"learning"`

		StepInterval string `yaml:"step_interval"`
		EpisodeSteps int    `yaml:"episode_steps"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	s.Universe = r.Universe
	s.MarketProxy = r.MarketProxy
	s.SectorETFs = r.SectorETFs
	s.FredSeries = r.FredSeries
	s.SymbolCIKs = r.SymbolCIKs
	s.StartingCash = r.StartingCash
	s.Constraints = r.Constraints
	s.Costs = r.Costs
	s.Buffer = r.Buffer
	s.Learning = r.Learning
	s.EpisodeSteps = r.EpisodeSteps
	return yamlDuration(r.StepInterval, &s.StepInterval)
}

// UnmarshalYAML accepts half_life as a duration string.
func (b *BufferCfg) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		Capacity  int     `yaml:"capacity"`
		HalfLife  string  `yaml:"half_life"`
		AnchorMix float64 `yaml:"anchor_mix"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	b.Capacity = r.Capacity
	b.AnchorMix = r.AnchorMix
	return yamlDuration(r.HalfLife, &b.HalfLife)
}

// UnmarshalYAML accepts learner_timeout as a duration string.
func (l *LearningCfg) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		UpdateSchedule     string  `yaml:"update_schedule"`
		BatchSize          int     `yaml:"batch_size"`
		LearnerTimeout     string  `yaml:"learner_timeout"`
		HoldoutSteps       int     `yaml:"holdout_steps"`
		MaxActionMagnitude float64 `yaml:"max_action_magnitude"`
		MaxAbsMeanReward   float64 `yaml:"max_abs_mean_reward"`
		RetryBudget        int     `yaml:"retry_budget"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	l.UpdateSchedule = r.UpdateSchedule
	l.BatchSize = r.BatchSize
	l.HoldoutSteps = r.HoldoutSteps
	l.MaxActionMagnitude = r.MaxActionMagnitude
	l.MaxAbsMeanReward = r.MaxAbsMeanReward
	l.RetryBudget = r.RetryBudget
	return yamlDuration(r.LearnerTimeout, &l.LearnerTimeout)
}

// LoadStrategy reads and validates the strategy file.
func LoadStrategy(path string) (*Strategy, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy file %s: %w", path, err)
	}

	var s Strategy
	if err := yaml.Unmarshal(content, &s); err != nil {
		return nil, fmt.Errorf("failed to parse strategy file %s: %w", path, err)
	}

	s.applyDefaults()
	return &s, nil
}

func (s *Strategy) applyDefaults() {
	if s.MarketProxy == "" {
		s.MarketProxy = "SPY"
	}
	if len(s.FredSeries) == 0 {
		s.FredSeries = []string{"EFFR"}
	}
	if s.StepInterval == 0 {
		s.StepInterval = 10 * time.Minute
	}
	if s.EpisodeSteps == 0 {
		s.EpisodeSteps = 39 // one 6.5h trading session of 10-minute steps
	}
	if s.Buffer.Capacity == 0 {
		s.Buffer.Capacity = 50_000
	}
	if s.Buffer.HalfLife == 0 {
		s.Buffer.HalfLife = 48 * time.Hour
	}
	if s.Learning.UpdateSchedule == "" {
		s.Learning.UpdateSchedule = "@hourly"
	}
	if s.Learning.BatchSize == 0 {
		s.Learning.BatchSize = 256
	}
	if s.Learning.LearnerTimeout == 0 {
		s.Learning.LearnerTimeout = 5 * time.Minute
	}
	if s.Learning.HoldoutSteps == 0 {
		s.Learning.HoldoutSteps = 72
	}
	if s.Learning.RetryBudget == 0 {
		s.Learning.RetryBudget = 5
	}
}

// Validate checks strategy invariants before anything trades on them.
func (s *Strategy) Validate() error {
	if len(s.Universe) == 0 {
		return fmt.Errorf("strategy universe is empty")
	}
	if dupes := lo.FindDuplicates(s.Universe); len(dupes) > 0 {
		return fmt.Errorf("strategy universe contains duplicates: %v", dupes)
	}
	if s.StartingCash <= 0 {
		return fmt.Errorf("starting_cash must be positive, got %.2f", s.StartingCash)
	}
	c := s.Constraints
	if c.MaxWeightPerAsset <= 0 || c.MaxWeightPerAsset > 1 {
		return fmt.Errorf("max_weight_per_asset must be in (0, 1], got %.4f", c.MaxWeightPerAsset)
	}
	if c.MinCashBuffer < 0 || c.MinCashBuffer >= 1 {
		return fmt.Errorf("min_cash_buffer must be in [0, 1), got %.4f", c.MinCashBuffer)
	}
	if c.WeightIncrement <= 0 || c.WeightIncrement > c.MaxWeightPerAsset {
		return fmt.Errorf("weight_increment must be in (0, max_weight_per_asset], got %.4f", c.WeightIncrement)
	}
	if s.Buffer.AnchorMix < 0 || s.Buffer.AnchorMix > 1 {
		return fmt.Errorf("experience anchor_mix must be in [0, 1], got %.4f", s.Buffer.AnchorMix)
	}
	return nil
}

// AllSymbols returns the universe plus the market proxy and sector ETFs,
// deduplicated. This is the full set of symbols ingestion must cover.
func (s *Strategy) AllSymbols() []string {
	all := append(append([]string{}, s.Universe...), s.MarketProxy)
	all = append(all, s.SectorETFs...)
	return lo.Uniq(all)
}
