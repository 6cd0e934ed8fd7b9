// Package simenv is the discrete-time portfolio simulation environment. It
// owns cash and holdings, enforces trading constraints, and computes
// net-of-cost reward. The environment is the single writer of its
// PortfolioState: one step at a time, no concurrent mutation.
package simenv

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tidemark-io/tidemark/internal/asof"
	"github.com/tidemark-io/tidemark/internal/config"
	"github.com/tidemark-io/tidemark/internal/domain"
	"github.com/tidemark-io/tidemark/internal/encoder"
)

// Phase is the environment's position in the per-step cycle.
type Phase string

const (
	// PhaseAwaitingAction means the environment is ready to accept target
	// weights for the current step.
	PhaseAwaitingAction Phase = "awaiting_action"
	// PhaseActionApplied means constraints have been enforced and orders
	// submitted for the current step.
	PhaseActionApplied Phase = "action_applied"
	// PhaseRewardComputed means the step finished; the next call advances.
	PhaseRewardComputed Phase = "reward_computed"
	// PhaseTerminal means the episode boundary was reached.
	PhaseTerminal Phase = "terminal"
)

// Config holds the environment's universe and trading parameters.
type Config struct {
	Universe     []string
	Constraints  config.Constraints
	Costs        config.CostModel
	StepInterval time.Duration
}

// StepDiagnostics itemizes what one step did, for logging and audit.
type StepDiagnostics struct {
	RequestedWeights map[string]float64
	FinalWeights     map[string]float64
	Orders           []domain.Order
	Fills            []domain.Fill
	Costs            CostBreakdown
	Turnover         float64
	EquityBefore     float64
	EquityAfter      float64
	Invalid          bool
}

// Environment advances portfolio state one 10-minute step at a time. The
// step owner is the single writer; mu only guards the audit API's reads
// against mid-step mutation.
type Environment struct {
	mu sync.Mutex

	cfg         Config
	engine      *asof.Engine
	enc         *encoder.Encoder
	gateway     domain.ExecutionGateway
	constraints *ConstraintPipeline
	coster      *Coster
	log         zerolog.Logger

	episodeID   string
	state       *domain.PortfolioState
	phase       Phase
	stepIndex   int64
	prevWeights map[string]float64
	peakEquity  float64
	equityMarks []float64 // trailing marks when VolatilityWindow is set
}

// New creates a portfolio simulation environment.
func New(cfg Config, engine *asof.Engine, enc *encoder.Encoder, gateway domain.ExecutionGateway, log zerolog.Logger) *Environment {
	return &Environment{
		cfg:         cfg,
		engine:      engine,
		enc:         enc,
		gateway:     gateway,
		constraints: NewConstraintPipeline(cfg.Constraints),
		coster:      NewCoster(cfg.Costs),
		log:         log.With().Str("component", "environment").Logger(),
		phase:       PhaseTerminal,
	}
}

// Reset begins a new episode with a flat portfolio.
func (env *Environment) Reset(episodeID string, startingCash float64) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.episodeID = episodeID
	env.state = domain.NewPortfolioState(startingCash)
	env.phase = PhaseAwaitingAction
	env.stepIndex = 0
	env.prevWeights = make(map[string]float64)
	env.peakEquity = startingCash
	env.equityMarks = nil
	env.log.Info().Str("episode", episodeID).Float64("cash", startingCash).Msg("episode started")
}

// EndEpisode marks the explicit episode boundary; the only terminal state.
func (env *Environment) EndEpisode() {
	env.mu.Lock()
	env.phase = PhaseTerminal
	episodeID, steps := env.episodeID, env.stepIndex
	env.mu.Unlock()
	env.log.Info().Str("episode", episodeID).Int64("steps", steps).Msg("episode ended")
}

// Phase returns the current step-cycle phase.
func (env *Environment) Phase() Phase {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.phase
}

// State returns a copy of the portfolio state. The environment keeps the
// only mutable instance.
func (env *Environment) State() *domain.PortfolioState {
	env.mu.Lock()
	defer env.mu.Unlock()
	if env.state == nil {
		return nil
	}
	return env.state.Clone()
}

// EpisodeID returns the active episode identifier.
func (env *Environment) EpisodeID() string {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.episodeID
}

// Observe encodes the full universe at queryTime. Encoding is read-only and
// side-effect-free, so symbols are evaluated in parallel. A data gap in any
// symbol fails the whole observation: partial universes are never exposed.
func (env *Environment) Observe(ctx context.Context, queryTime time.Time) (map[string]domain.Observation, error) {
	results := make([]domain.Observation, len(env.cfg.Universe))
	state := env.State()

	g, ctx := errgroup.WithContext(ctx)
	for i, symbol := range env.cfg.Universe {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			obs, err := env.enc.Encode(queryTime, symbol, state)
			if err != nil {
				return fmt.Errorf("encode %s: %w", symbol, err)
			}
			results[i] = obs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]domain.Observation, len(results))
	for _, obs := range results {
		out[obs.Symbol] = obs
	}
	return out, nil
}

// Step executes one decision made at time t: enforce constraints on the
// requested weights, trade at the next bar's open, mark reward at that bar's
// close, and emit the transition. obsT is the observation the action was
// taken on (nil re-observes at t). The caller must invoke Step only once the
// execution bar is knowable (the episode runner lags one bar behind live).
func (env *Environment) Step(ctx context.Context, t time.Time, requested map[string]float64, obsT map[string]domain.Observation) (*domain.Transition, *StepDiagnostics, error) {
	env.mu.Lock()
	if env.phase != PhaseAwaitingAction {
		phase := env.phase
		env.mu.Unlock()
		return nil, nil, fmt.Errorf("step protocol violation: phase is %s", phase)
	}
	env.mu.Unlock()

	if obsT == nil {
		var err error
		obsT, err = env.Observe(ctx, t)
		if err != nil {
			return nil, nil, err
		}
	}

	diag := &StepDiagnostics{RequestedWeights: requested}

	// Constraint repair is deterministic and never fails.
	finalWeights := env.constraints.Enforce(requested)
	diag.FinalWeights = finalWeights

	env.mu.Lock()
	env.phase = PhaseActionApplied

	execTime := t.Add(env.cfg.StepInterval)
	asOf := execTime.Add(env.cfg.StepInterval)

	openPrices, closePrices := env.markPrices(execTime, asOf)

	// Pre-trade valuation uses execution opens, falling back to the latest
	// known close for symbols with no executable bar.
	valuation := make(map[string]float64, len(closePrices))
	for sym, p := range closePrices {
		valuation[sym] = p
	}
	for sym, p := range openPrices {
		valuation[sym] = p
	}
	equityBefore := env.state.Equity(valuation)
	diag.EquityBefore = equityBefore

	orders := env.buildOrders(finalWeights, openPrices, equityBefore, execTime)
	diag.Orders = orders

	fills, err := env.gateway.Execute(ctx, orders)
	if err != nil {
		env.phase = PhaseAwaitingAction
		env.mu.Unlock()
		return nil, diag, fmt.Errorf("execution gateway: %w", err)
	}
	diag.Fills = fills

	costs := env.applyFills(fills)
	costs.TurnoverPenalty = env.coster.TurnoverPenalty(Turnover(env.prevWeights, finalWeights), equityBefore)
	diag.Turnover = Turnover(env.prevWeights, finalWeights)

	equityAfter := env.state.Equity(closePrices)
	costs.DrawdownPenalty = env.coster.DrawdownPenalty(equityAfter, env.drawdownPeak())
	diag.Costs = costs
	diag.EquityAfter = equityAfter

	if equityAfter > env.peakEquity {
		env.peakEquity = equityAfter
	}
	if w := env.cfg.Costs.VolatilityWindow; w > 0 {
		env.equityMarks = append(env.equityMarks, equityAfter)
		if len(env.equityMarks) > w {
			env.equityMarks = env.equityMarks[len(env.equityMarks)-w:]
		}
	}

	// Commission and slippage were charged to cash, so the equity delta is
	// already net of them; the shaping penalties are subtracted explicitly.
	reward := (equityAfter - equityBefore) - costs.TurnoverPenalty - costs.DrawdownPenalty

	env.state.UpdatedAt = execTime
	transition := &domain.Transition{
		EpisodeID:     env.episodeID,
		StepIndex:     env.stepIndex,
		Observations:  observationValues(obsT),
		Action:        finalWeights,
		Reward:        reward,
		RecordedAt:    execTime,
		RecencyWeight: 1,
		Valid:         true,
	}
	env.mu.Unlock()

	// A data gap at t+1 marks the step invalid: it is excluded from
	// training rather than silently zero-filled. The trades still stand.
	obsNext, err := env.Observe(ctx, execTime)
	if err != nil {
		transition.Valid = false
		diag.Invalid = true
		env.log.Warn().Time("step_time", t).Err(err).Msg("next observation unavailable, step excluded from training")
	} else {
		transition.NextObs = observationValues(obsNext)
	}

	env.mu.Lock()
	env.phase = PhaseRewardComputed
	env.prevWeights = finalWeights
	env.stepIndex++
	env.phase = PhaseAwaitingAction
	env.mu.Unlock()

	return transition, diag, nil
}

// drawdownPeak is the equity reference for the drawdown penalty: the episode
// peak, or the peak over the trailing VolatilityWindow marks when configured,
// so a long-past high stops penalizing a portfolio that has settled since.
func (env *Environment) drawdownPeak() float64 {
	w := env.cfg.Costs.VolatilityWindow
	if w <= 0 || len(env.equityMarks) == 0 {
		return env.peakEquity
	}
	marks := env.equityMarks
	if len(marks) > w {
		marks = marks[len(marks)-w:]
	}
	peak := marks[0]
	for _, m := range marks[1:] {
		if m > peak {
			peak = m
		}
	}
	return peak
}

// markPrices resolves execution (next open) and marking (next close) prices
// per symbol. Symbols with no knowable next bar fall back to the latest
// close for valuation; they are skipped for trading.
func (env *Environment) markPrices(execTime, asOf time.Time) (open, close_ map[string]float64) {
	open = make(map[string]float64, len(env.cfg.Universe))
	close_ = make(map[string]float64, len(env.cfg.Universe))
	for _, symbol := range env.cfg.Universe {
		if bar, ok := env.engine.NextBar(symbol, execTime, env.cfg.StepInterval, asOf); ok {
			open[symbol] = bar.Open
			close_[symbol] = bar.Close
			continue
		}
		if last, ok := env.engine.LatestClose(symbol, asOf); ok {
			close_[symbol] = last
		}
	}
	return open, close_
}

// buildOrders converts target weights into integer share deltas priced at
// the next bar's open. Sells are emitted before buys so freed cash is
// available; buys are pre-capped by projected cash, reduced to the maximum
// feasible integer count rather than rejected.
func (env *Environment) buildOrders(weights map[string]float64, openPrices map[string]float64, equity float64, execTime time.Time) []domain.Order {
	symbols := append([]string{}, env.cfg.Universe...)
	sort.Strings(symbols)

	type plannedOrder struct {
		symbol string
		delta  int64
		price  float64
	}
	var sells, buys []plannedOrder

	for _, symbol := range symbols {
		price, ok := openPrices[symbol]
		if !ok || price <= 0 {
			continue // no executable bar: hold
		}
		target := int64(math.Floor(weights[symbol] * equity / price))
		if target < 0 {
			target = 0
		}
		current := env.state.Positions[symbol].Shares
		delta := target - current
		switch {
		case delta < 0:
			if -delta > current {
				delta = -current // long-only: never sell into negative
			}
			sells = append(sells, plannedOrder{symbol, delta, price})
		case delta > 0:
			buys = append(buys, plannedOrder{symbol, delta, price})
		}
	}

	// Project cash through the sells, then cap each buy at what remains.
	projected := env.state.Cash
	orders := make([]domain.Order, 0, len(sells)+len(buys))
	for _, o := range sells {
		notional := float64(-o.delta) * o.price
		projected += notional - env.coster.Commission(notional) - env.coster.Slippage(notional)
		orders = append(orders, domain.Order{Symbol: o.symbol, ShareDelta: o.delta, EffectiveAt: execTime})
	}
	for _, o := range buys {
		shares := maxAffordableShares(o.delta, o.price, projected, env.coster)
		if shares == 0 {
			continue
		}
		notional := float64(shares) * o.price
		projected -= notional + env.coster.Commission(notional) + env.coster.Slippage(notional)
		orders = append(orders, domain.Order{Symbol: o.symbol, ShareDelta: shares, EffectiveAt: execTime})
	}
	return orders
}

// applyFills mutates portfolio state from realized fills. Partial fills are
// the realized trade; there is no retry within a step. Sells apply before
// buys, mirroring order construction.
func (env *Environment) applyFills(fills []domain.Fill) CostBreakdown {
	var costs CostBreakdown

	ordered := append([]domain.Fill{}, fills...)
	sort.Slice(ordered, func(i, j int) bool {
		if (ordered[i].FilledQuantity < 0) != (ordered[j].FilledQuantity < 0) {
			return ordered[i].FilledQuantity < 0
		}
		return ordered[i].Symbol < ordered[j].Symbol
	})

	for _, fill := range ordered {
		qty := fill.FilledQuantity
		if qty == 0 || fill.FillPrice <= 0 {
			continue
		}

		pos := env.state.Positions[fill.Symbol]

		if qty < 0 {
			if -qty > pos.Shares {
				qty = -pos.Shares
			}
			notional := float64(-qty) * fill.FillPrice
			commission := env.coster.Commission(notional)
			slippage := env.coster.Slippage(notional)
			env.state.Cash += notional - commission - slippage
			costs.Commission += commission
			costs.Slippage += slippage

			pos.Shares += qty
			if pos.Shares == 0 {
				delete(env.state.Positions, fill.Symbol)
			} else {
				env.state.Positions[fill.Symbol] = pos
			}
			continue
		}

		// Buys: if the fill price moved against the projection, shrink to
		// the maximum feasible integer quantity. Cash never goes negative.
		qty = maxAffordableShares(qty, fill.FillPrice, env.state.Cash, env.coster)
		if qty == 0 {
			continue
		}
		notional := float64(qty) * fill.FillPrice
		commission := env.coster.Commission(notional)
		slippage := env.coster.Slippage(notional)
		env.state.Cash -= notional + commission + slippage
		costs.Commission += commission
		costs.Slippage += slippage

		if pos.Shares == 0 {
			pos.EntryPrice = fill.FillPrice
			pos.EntryTime = fill.FillTimestamp
		} else {
			// Weighted-average entry across adds.
			total := float64(pos.Shares)*pos.EntryPrice + notional
			pos.EntryPrice = total / float64(pos.Shares+qty)
		}
		pos.Shares += qty
		env.state.Positions[fill.Symbol] = pos
	}

	return costs
}

// maxAffordableShares returns the largest integer share count whose notional
// plus commission and slippage fits in cash.
func maxAffordableShares(requested int64, price, cash float64, coster *Coster) int64 {
	if requested <= 0 || price <= 0 {
		return 0
	}
	shares := requested
	for shares > 0 {
		notional := float64(shares) * price
		if notional+coster.Commission(notional)+coster.Slippage(notional) <= cash {
			return shares
		}
		// Jump straight to the affordable region instead of decrementing
		// one share at a time.
		affordable := int64(math.Floor(cash / (price * (1 + (coster.cfg.FeeBps+coster.cfg.SlippageBps)/10_000))))
		if affordable < shares {
			shares = affordable
		} else {
			shares--
		}
	}
	return 0
}

// observationValues flattens observations to the transition's plain form.
func observationValues(obs map[string]domain.Observation) map[string][]float64 {
	out := make(map[string][]float64, len(obs))
	for sym, o := range obs {
		out[sym] = o.Values
	}
	return out
}
