package simenv

import (
	"math"

	"github.com/tidemark-io/tidemark/internal/config"
)

// CostBreakdown itemizes the deductions applied to a step's reward. Costs
// are deterministic functions of traded notional; they are never omitted,
// since the reward's purpose is to teach true net-of-cost behavior.
type CostBreakdown struct {
	Commission      float64
	Slippage        float64
	TurnoverPenalty float64
	DrawdownPenalty float64
}

// Total returns the sum of all deductions.
func (c CostBreakdown) Total() float64 {
	return c.Commission + c.Slippage + c.TurnoverPenalty + c.DrawdownPenalty
}

// Coster prices executions against the configured cost model.
type Coster struct {
	cfg config.CostModel
}

// NewCoster creates a coster.
func NewCoster(cfg config.CostModel) *Coster {
	return &Coster{cfg: cfg}
}

// Commission returns the fee for one order of the given traded notional.
func (c *Coster) Commission(notional float64) float64 {
	if notional == 0 {
		return 0
	}
	return c.cfg.FixedFee + math.Abs(notional)*c.cfg.FeeBps/10_000
}

// Slippage estimates execution slippage on the traded notional.
func (c *Coster) Slippage(notional float64) float64 {
	return math.Abs(notional) * c.cfg.SlippageBps / 10_000
}

// TurnoverPenalty prices the L1 weight change, discouraging churn.
func (c *Coster) TurnoverPenalty(turnover, equity float64) float64 {
	return c.cfg.TurnoverPenalty * turnover * equity
}

// DrawdownPenalty prices distance below the episode's equity peak.
// Returns 0 when the penalty is disabled.
func (c *Coster) DrawdownPenalty(equity, peak float64) float64 {
	if c.cfg.DrawdownPenalty == 0 || peak <= 0 || equity >= peak {
		return 0
	}
	return c.cfg.DrawdownPenalty * (peak - equity)
}
