package simenv

import (
	"context"
	"time"

	"github.com/tidemark-io/tidemark/internal/asof"
	"github.com/tidemark-io/tidemark/internal/domain"
)

// SimulatedGateway fills orders at the open of the first bar at or after the
// order's effective time. Orders for symbols with no knowable bar are simply
// not filled, which the environment treats as a partial (zero) fill.
type SimulatedGateway struct {
	engine  *asof.Engine
	horizon time.Duration
}

// NewSimulatedGateway creates a simulation execution gateway. horizon bounds
// how far past the effective time a fill bar may be found.
func NewSimulatedGateway(engine *asof.Engine, horizon time.Duration) *SimulatedGateway {
	return &SimulatedGateway{engine: engine, horizon: horizon}
}

// Execute implements domain.ExecutionGateway.
func (g *SimulatedGateway) Execute(ctx context.Context, orders []domain.Order) ([]domain.Fill, error) {
	fills := make([]domain.Fill, 0, len(orders))
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return fills, err
		}
		if order.ShareDelta == 0 {
			continue
		}
		bar, ok := g.engine.NextBar(order.Symbol, order.EffectiveAt, g.horizon, order.EffectiveAt.Add(g.horizon))
		if !ok {
			continue
		}
		fills = append(fills, domain.Fill{
			Symbol:         order.Symbol,
			FilledQuantity: order.ShareDelta,
			FillPrice:      bar.Open,
			FillTimestamp:  order.EffectiveAt,
		})
	}
	return fills, nil
}
