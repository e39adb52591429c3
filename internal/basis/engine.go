package basis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crypto-trading/funding/internal/domain"
	"github.com/crypto-trading/funding/internal/eventbus"
	"github.com/crypto-trading/funding/internal/registry"
	"github.com/crypto-trading/funding/internal/venue"
)

const (
	defaultUpdateInterval = 60 * time.Second
	hyperliquidName       = "hyperliquid"
)

var (
	// Rebalance fires above a 1% delta-to-spot ratio by default.
	defaultDeltaThreshold = decimal.NewFromFloat(0.01)

	urgencyMediumAt = decimal.NewFromFloat(0.02)
	urgencyHighAt   = decimal.NewFromFloat(0.05)
)

// Engine runs cash-and-carry basis trades: long spot (index proxy),
// short the perp 1:1, collect funding. Closed positions are immutable
// history.
type Engine struct {
	registry *registry.Registry
	bus      *eventbus.EventBus
	logger   *slog.Logger

	symbols        []string
	deltaThreshold decimal.Decimal
	updateInterval time.Duration

	mu      sync.RWMutex
	open    map[uuid.UUID]*domain.BasisTradePosition
	closed  []domain.BasisTradePosition
	history map[string][]domain.FundingPayment

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewEngine(reg *registry.Registry, bus *eventbus.EventBus, symbols []string, logger *slog.Logger) *Engine {
	return &Engine{
		registry:       reg,
		bus:            bus,
		logger:         logger,
		symbols:        symbols,
		deltaThreshold: defaultDeltaThreshold,
		updateInterval: defaultUpdateInterval,
		open:           make(map[uuid.UUID]*domain.BasisTradePosition),
		history:        make(map[string][]domain.FundingPayment),
		stopCh:         make(chan struct{}),
	}
}

func (e *Engine) SetDeltaThreshold(ratio decimal.Decimal) {
	if ratio.IsPositive() {
		e.deltaThreshold = ratio
	}
}

func (e *Engine) SetUpdateInterval(d time.Duration) {
	if d > 0 {
		e.updateInterval = d
	}
}

// ScanOpportunities grades every configured symbol on every venue that
// quotes both a mark and an index price. The index stands in for spot.
func (e *Engine) ScanOpportunities(ctx context.Context) []domain.BasisOpportunity {
	now := time.Now()
	var opps []domain.BasisOpportunity

	for _, symbol := range e.symbols {
		for venueName, fr := range e.registry.FundingRates(ctx, symbol) {
			if !fr.MarkPrice.IsPositive() || !fr.IndexPrice.IsPositive() {
				continue
			}

			basisPct := fr.MarkPrice.Sub(fr.IndexPrice).
				Div(fr.IndexPrice).
				Mul(decimal.NewFromInt(100))

			opp := domain.BasisOpportunity{
				Symbol:            symbol,
				SpotVenue:         venueName,
				FuturesVenue:      venueName,
				SpotPrice:         fr.IndexPrice,
				FuturesPrice:      fr.MarkPrice,
				BasisSpreadPct:    basisPct,
				AnnualizedFunding: fr.AnnualizedRate,
				RiskScore:         basisRisk(basisPct, fr.AnnualizedRate, venueName),
				DetectedAt:        now,
			}
			opp.Recommendation = recommend(fr.AnnualizedRate, basisPct)
			opps = append(opps, opp)
		}
	}

	sort.Slice(opps, func(i, j int) bool {
		return opps[i].AnnualizedFunding.GreaterThan(opps[j].AnnualizedFunding)
	})
	return opps
}

// basisRisk blends basis width, funding magnitude and venue quality
// into 0-100. Outsized funding mean-reverts, so the richer the carry
// the likelier it vanishes before it is collected.
func basisRisk(basisPct, annualizedFunding decimal.Decimal, venueName string) int {
	score := 20
	width := basisPct.Abs()
	switch {
	case width.GreaterThan(decimal.NewFromInt(1)):
		score += 40
	case width.GreaterThan(decimal.NewFromFloat(0.3)):
		score += 20
	}
	funding := annualizedFunding.Abs()
	switch {
	case funding.GreaterThan(decimal.NewFromInt(50)):
		score += 20
	case funding.GreaterThan(decimal.NewFromInt(20)):
		score += 10
	}
	if venueName == hyperliquidName {
		score += 25
	}
	if score > 100 {
		score = 100
	}
	return score
}

// recommend tiers on how much carry is on offer versus how stretched
// the basis already is.
func recommend(annualizedFunding, basisPct decimal.Decimal) domain.Recommendation {
	if annualizedFunding.IsNegative() || basisPct.LessThan(decimal.NewFromFloat(-0.5)) {
		return domain.RecommendAvoid
	}
	switch {
	case annualizedFunding.GreaterThan(decimal.NewFromInt(30)):
		return domain.RecommendStrongBuy
	case annualizedFunding.GreaterThan(decimal.NewFromInt(15)):
		return domain.RecommendBuy
	case annualizedFunding.GreaterThan(decimal.NewFromInt(5)):
		return domain.RecommendHold
	default:
		return domain.RecommendAvoid
	}
}

// OpenPosition books a 1:1 basis trade: amount of spot against an
// equal short perp leg on the same venue.
func (e *Engine) OpenPosition(ctx context.Context, symbol, venueName string, amount decimal.Decimal, leverage int) (domain.BasisTradePosition, error) {
	if !amount.IsPositive() {
		return domain.BasisTradePosition{}, fmt.Errorf("amount must be positive")
	}
	if leverage < 1 {
		leverage = 1
	}

	adapter, ok := e.registry.Get(venueName)
	if !ok {
		return domain.BasisTradePosition{}, fmt.Errorf("unknown venue %q", venueName)
	}
	fr, err := adapter.GetFundingRate(ctx, symbol)
	if err != nil {
		return domain.BasisTradePosition{}, fmt.Errorf("funding rate on %s: %w", venueName, err)
	}
	if fr == nil || !fr.MarkPrice.IsPositive() {
		return domain.BasisTradePosition{}, fmt.Errorf("no usable price for %s on %s", symbol, venueName)
	}

	spotPrice := fr.IndexPrice
	if !spotPrice.IsPositive() {
		spotPrice = fr.MarkPrice
	}

	now := time.Now()
	pos := &domain.BasisTradePosition{
		ID:     uuid.Must(uuid.NewV7()),
		Symbol: symbol,
		Spot: domain.BasisLeg{
			Venue:        venueName,
			Amount:       amount,
			EntryPrice:   spotPrice,
			CurrentPrice: spotPrice,
			Leverage:     1,
		},
		Futures: domain.BasisLeg{
			Venue:        venueName,
			Amount:       amount,
			EntryPrice:   fr.MarkPrice,
			CurrentPrice: fr.MarkPrice,
			Leverage:     leverage,
		},
		FundingRate:      fr.Rate,
		DeltaExposure:    decimal.Zero,
		LiquidationPrice: shortLiquidationEstimate(fr.MarkPrice, leverage),
		Status:           domain.BasisOpen,
		OpenedAt:         now,
		UpdatedAt:        now,
	}

	e.mu.Lock()
	e.open[pos.ID] = pos
	e.mu.Unlock()

	e.logger.Info("basis position opened",
		"position_id", pos.ID, "symbol", symbol, "venue", venueName,
		"amount", amount, "leverage", leverage)
	return *pos, nil
}

// shortLiquidationEstimate approximates where a leveraged short gets
// liquidated, leaving 10% margin headroom for maintenance.
func shortLiquidationEstimate(entry decimal.Decimal, leverage int) decimal.Decimal {
	if leverage <= 1 {
		return decimal.Zero // fully collateralized short cannot be liquidated upward
	}
	headroom := decimal.NewFromFloat(0.9).Div(decimal.NewFromInt(int64(leverage)))
	return entry.Mul(decimal.NewFromInt(1).Add(headroom))
}

// ProcessFundingPayment settles one funding exchange into the position
// and the per-symbol history. A short perp receives when the rate is
// positive.
func (e *Engine) ProcessFundingPayment(positionID uuid.UUID, rate decimal.Decimal) (domain.FundingPayment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.open[positionID]
	if !ok {
		return domain.FundingPayment{}, fmt.Errorf("basis position %s not open", positionID)
	}

	notional := pos.Futures.Amount.Mul(pos.Futures.CurrentPrice)
	payment := domain.FundingPayment{
		Venue:     pos.Futures.Venue,
		Symbol:    pos.Symbol,
		Rate:      rate,
		Amount:    notional.Mul(rate),
		Timestamp: time.Now(),
	}

	pos.AccumulatedFunding = pos.AccumulatedFunding.Add(payment.Amount)
	pos.FundingRate = rate
	pos.FundingHistory = append(pos.FundingHistory, payment)
	pos.UpdatedAt = payment.Timestamp
	e.history[pos.Symbol] = append(e.history[pos.Symbol], payment)

	e.logger.Info("funding payment processed",
		"position_id", positionID, "symbol", pos.Symbol, "amount", payment.Amount)
	return payment, nil
}

// UpdatePosition reprices both legs and re-derives the delta exposure.
// When the delta-to-spot ratio clears the threshold it emits a
// RebalanceAction graded LOW below 2%, MEDIUM below 5%, HIGH above.
func (e *Engine) UpdatePosition(ctx context.Context, positionID uuid.UUID) (domain.BasisTradePosition, *domain.RebalanceAction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.open[positionID]
	if !ok {
		return domain.BasisTradePosition{}, nil, fmt.Errorf("basis position %s not open", positionID)
	}

	if adapter, ok := e.registry.Get(pos.Futures.Venue); ok {
		e.repriceLocked(ctx, adapter, pos)
	}

	pos.UnrealizedPnL = legPnL(pos.Spot, false).Add(legPnL(pos.Futures, true))
	pos.DeltaExposure = pos.Spot.Amount.Sub(pos.Futures.Amount)
	pos.UpdatedAt = time.Now()

	action := e.rebalanceActionLocked(pos)
	if action != nil && e.bus != nil {
		e.bus.PublishBasisAction(*action)
	}
	return *pos, action, nil
}

func (e *Engine) repriceLocked(ctx context.Context, adapter venue.Adapter, pos *domain.BasisTradePosition) {
	fr, err := adapter.GetFundingRate(ctx, pos.Symbol)
	if err != nil || fr == nil {
		e.logger.Warn("basis repricing failed",
			"position_id", pos.ID, "venue", pos.Futures.Venue, "error", err)
		return
	}
	if fr.MarkPrice.IsPositive() {
		pos.Futures.CurrentPrice = fr.MarkPrice
	}
	if fr.IndexPrice.IsPositive() {
		pos.Spot.CurrentPrice = fr.IndexPrice
	}
	pos.FundingRate = fr.Rate
}

func legPnL(leg domain.BasisLeg, short bool) decimal.Decimal {
	move := leg.CurrentPrice.Sub(leg.EntryPrice)
	if short {
		move = move.Neg()
	}
	return move.Mul(leg.Amount)
}

func (e *Engine) rebalanceActionLocked(pos *domain.BasisTradePosition) *domain.RebalanceAction {
	if !pos.Spot.Amount.IsPositive() {
		return nil
	}

	ratio := pos.DeltaExposure.Abs().Div(pos.Spot.Amount)
	if ratio.LessThanOrEqual(e.deltaThreshold) {
		return nil
	}

	urgency := domain.UrgencyLow
	switch {
	case ratio.GreaterThanOrEqual(urgencyHighAt):
		urgency = domain.UrgencyHigh
	case ratio.GreaterThanOrEqual(urgencyMediumAt):
		urgency = domain.UrgencyMedium
	}

	return &domain.RebalanceAction{
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		DeltaExposure: pos.DeltaExposure,
		DeltaRatio:    ratio,
		Urgency:       urgency,
		CreatedAt:     time.Now(),
	}
}

// ClosePosition settles the trade and moves it to the immutable closed
// history.
func (e *Engine) ClosePosition(positionID uuid.UUID) (domain.BasisTradePosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.open[positionID]
	if !ok {
		return domain.BasisTradePosition{}, fmt.Errorf("basis position %s not open", positionID)
	}

	now := time.Now()
	pos.Status = domain.BasisClosed
	pos.RealizedPnL = legPnL(pos.Spot, false).
		Add(legPnL(pos.Futures, true)).
		Add(pos.AccumulatedFunding)
	pos.UnrealizedPnL = decimal.Zero
	pos.ClosedAt = now
	pos.UpdatedAt = now

	delete(e.open, positionID)
	e.closed = append(e.closed, *pos)

	e.logger.Info("basis position closed",
		"position_id", positionID, "symbol", pos.Symbol, "realized_pnl", pos.RealizedPnL)
	return *pos, nil
}

func (e *Engine) OpenPositions() []domain.BasisTradePosition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	list := make([]domain.BasisTradePosition, 0, len(e.open))
	for _, pos := range e.open {
		list = append(list, *pos)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].OpenedAt.Before(list[j].OpenedAt)
	})
	return list
}

func (e *Engine) ClosedPositions() []domain.BasisTradePosition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.BasisTradePosition, len(e.closed))
	copy(out, e.closed)
	return out
}

func (e *Engine) FundingHistory(symbol string) []domain.FundingPayment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	src := e.history[symbol]
	out := make([]domain.FundingPayment, len(src))
	copy(out, src)
	return out
}

// Start refreshes every open position on a fixed interval until Stop
// or ctx cancellation.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.updateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				for _, pos := range e.OpenPositions() {
					if _, _, err := e.UpdatePosition(ctx, pos.ID); err != nil {
						e.logger.Warn("basis update failed", "position_id", pos.ID, "error", err)
					}
				}
			}
		}
	}()
	e.logger.Info("basis engine started", "interval", e.updateInterval, "symbols", e.symbols)
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}
