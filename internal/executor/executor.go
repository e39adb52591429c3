package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/crypto-trading/funding/internal/aggregator"
	"github.com/crypto-trading/funding/internal/domain"
	"github.com/crypto-trading/funding/internal/eventbus"
	"github.com/crypto-trading/funding/internal/monitor"
	"github.com/crypto-trading/funding/internal/registry"
	"github.com/crypto-trading/funding/internal/venue"
)

const (
	defaultMonitorInterval = 60 * time.Second
	sizePrecision          = 6
	tracerName             = "executor"
)

// Executor drives delta-neutral strategies through their lifecycle:
// created → opening → open → closing → closed. A per-strategy mutex
// serializes the monitor loop against manual operations on the same
// strategy. There is no cross-leg atomicity: ExecuteFundingArbitrage
// places both legs concurrently and unwinds the filled one when the
// other fails.
type Executor struct {
	registry *registry.Registry
	agg      *aggregator.Service
	bus      *eventbus.EventBus
	repo     Repository
	gate     *RiskGate
	alerts   *monitor.AlertManager
	halt     *TradingHalt
	logger   *slog.Logger

	monitorInterval time.Duration

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex

	marksMu  sync.RWMutex
	marks    map[string]domain.MarkPrice
	accruals map[uuid.UUID]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(reg *registry.Registry, agg *aggregator.Service, bus *eventbus.EventBus, repo Repository, gate *RiskGate, alerts *monitor.AlertManager, logger *slog.Logger) *Executor {
	return &Executor{
		registry:        reg,
		agg:             agg,
		bus:             bus,
		repo:            repo,
		gate:            gate,
		alerts:          alerts,
		logger:          logger,
		monitorInterval: defaultMonitorInterval,
		locks:           make(map[uuid.UUID]*sync.Mutex),
		marks:           make(map[string]domain.MarkPrice),
		accruals:        make(map[uuid.UUID]time.Time),
		stopCh:          make(chan struct{}),
	}
}

// SetHalt installs a trading halt. Without one, executions are never
// blocked.
func (e *Executor) SetHalt(h *TradingHalt) {
	e.halt = h
}

func (e *Executor) SetMonitorInterval(d time.Duration) {
	if d > 0 {
		e.monitorInterval = d
	}
}

func (e *Executor) strategyLock(id uuid.UUID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	return lock
}

// CreateStrategy validates and stores a new strategy in CREATED state.
// No orders are placed until Execute.
func (e *Executor) CreateStrategy(cfg domain.StrategyConfig) (domain.StrategyConfig, error) {
	switch cfg.Type {
	case domain.StrategyCashAndCarry:
		if len(cfg.Venues) != 1 {
			return domain.StrategyConfig{}, fmt.Errorf("cash-and-carry needs exactly one venue, got %d", len(cfg.Venues))
		}
	case domain.StrategyFundingArb:
		if len(cfg.Venues) != 2 {
			return domain.StrategyConfig{}, fmt.Errorf("funding arbitrage needs exactly two venues, got %d", len(cfg.Venues))
		}
	default:
		return domain.StrategyConfig{}, fmt.Errorf("unknown strategy type %q", cfg.Type)
	}
	if cfg.Symbol == "" {
		return domain.StrategyConfig{}, fmt.Errorf("strategy symbol is required")
	}
	if !cfg.MaxCapital.IsPositive() {
		return domain.StrategyConfig{}, fmt.Errorf("max capital must be positive")
	}
	for _, name := range cfg.Venues {
		if _, ok := e.registry.Get(name); !ok {
			return domain.StrategyConfig{}, fmt.Errorf("unknown venue %q", name)
		}
	}
	if cfg.Leverage == 0 {
		cfg.Leverage = 1
	}
	if cfg.RebalanceThreshold.IsZero() {
		cfg.RebalanceThreshold = decimal.NewFromInt(5)
	}

	cfg.ID = uuid.Must(uuid.NewV7())
	cfg.Status = domain.StrategyCreated
	now := time.Now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	if err := e.repo.SaveStrategy(cfg); err != nil {
		return domain.StrategyConfig{}, err
	}
	e.logger.Info("strategy created",
		"strategy_id", cfg.ID, "type", cfg.Type, "symbol", cfg.Symbol, "venues", cfg.Venues)
	return cfg, nil
}

func (e *Executor) GetStrategy(id uuid.UUID) (domain.StrategyConfig, error) {
	return e.repo.GetStrategy(id)
}

func (e *Executor) ListStrategies() []domain.StrategyConfig {
	return e.repo.ListStrategies()
}

// UpdateStrategy applies the non-nil fields of the patch.
func (e *Executor) UpdateStrategy(id uuid.UUID, patch domain.StrategyPatch) (domain.StrategyConfig, error) {
	lock := e.strategyLock(id)
	lock.Lock()
	defer lock.Unlock()

	cfg, err := e.repo.GetStrategy(id)
	if err != nil {
		return domain.StrategyConfig{}, err
	}

	if patch.TargetAPR != nil {
		cfg.TargetAPR = *patch.TargetAPR
	}
	if patch.MaxCapital != nil {
		cfg.MaxCapital = *patch.MaxCapital
	}
	if patch.StopLossPct != nil {
		cfg.StopLossPct = *patch.StopLossPct
	}
	if patch.TakeProfitPct != nil {
		cfg.TakeProfitPct = *patch.TakeProfitPct
	}
	if patch.AutoRebalance != nil {
		cfg.AutoRebalance = *patch.AutoRebalance
	}
	if patch.RebalanceThreshold != nil {
		cfg.RebalanceThreshold = *patch.RebalanceThreshold
	}
	cfg.UpdatedAt = time.Now()

	if err := e.repo.SaveStrategy(cfg); err != nil {
		return domain.StrategyConfig{}, err
	}
	return cfg, nil
}

// DeleteStrategy refuses while the strategy still holds positions.
func (e *Executor) DeleteStrategy(id uuid.UUID) error {
	lock := e.strategyLock(id)
	lock.Lock()
	defer lock.Unlock()

	if open := e.repo.PositionsByStrategy(id); len(open) > 0 {
		return fmt.Errorf("strategy %s has %d open positions, close it first", id, len(open))
	}
	return e.repo.DeleteStrategy(id)
}

// Execute opens the strategy. The risk gate runs first; a failed gate
// is reported as an unsuccessful result, not an error.
func (e *Executor) Execute(ctx context.Context, id uuid.UUID) (domain.ExecutionResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "executor.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("strategy_id", id.String()))

	lock := e.strategyLock(id)
	lock.Lock()
	defer lock.Unlock()

	cfg, err := e.repo.GetStrategy(id)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	if cfg.Status == domain.StrategyOpening || cfg.Status == domain.StrategyOpen || cfg.Status == domain.StrategyClosing {
		return domain.ExecutionResult{}, fmt.Errorf("strategy %s is %s", id, cfg.Status)
	}

	if e.halt != nil && e.halt.IsEngaged() {
		return e.finish(cfg, domain.ExecutionResult{
			StrategyID: cfg.ID,
			Action:     domain.ActionOpen,
			Success:    false,
			Message:    "trading halted: " + e.halt.Reason(),
			Timestamp:  time.Now(),
		}, domain.StrategyCreated), nil
	}

	if check := e.gate.Check(ctx, cfg); !check.Passed {
		return e.finish(cfg, domain.ExecutionResult{
			StrategyID: cfg.ID,
			Action:     domain.ActionOpen,
			Success:    false,
			Message:    "risk gate: " + check.FailureReasons(),
			Timestamp:  time.Now(),
		}, domain.StrategyCreated), nil
	}

	cfg.Status = domain.StrategyOpening
	cfg.UpdatedAt = time.Now()
	if err := e.repo.SaveStrategy(cfg); err != nil {
		return domain.ExecutionResult{}, err
	}

	switch cfg.Type {
	case domain.StrategyCashAndCarry:
		return e.executeCashAndCarry(ctx, cfg), nil
	case domain.StrategyFundingArb:
		return e.executeFundingArbitrage(ctx, cfg), nil
	default:
		return domain.ExecutionResult{}, fmt.Errorf("unknown strategy type %q", cfg.Type)
	}
}

// finish records the result, publishes it and settles the strategy
// into the given status.
func (e *Executor) finish(cfg domain.StrategyConfig, res domain.ExecutionResult, status domain.StrategyStatus) domain.ExecutionResult {
	cfg.Status = status
	cfg.UpdatedAt = time.Now()
	if err := e.repo.SaveStrategy(cfg); err != nil {
		e.logger.Error("failed to persist strategy state", "strategy_id", cfg.ID, "error", err)
	}
	e.repo.AppendResult(res)
	if e.bus != nil {
		e.bus.PublishExecutionResult(res)
	}

	if res.Success {
		e.logger.Info("execution completed",
			"strategy_id", cfg.ID, "action", res.Action, "orders", len(res.Orders))
	} else {
		e.logger.Warn("execution failed",
			"strategy_id", cfg.ID, "action", res.Action, "message", res.Message)
	}
	return res
}

func (e *Executor) executeCashAndCarry(ctx context.Context, cfg domain.StrategyConfig) domain.ExecutionResult {
	venueName := cfg.Venues[0]
	adapter, _ := e.registry.Get(venueName)

	// Shorts collect funding only while this venue's rate is positive;
	// the cross-venue aggregate says nothing about that.
	fr, err := adapter.GetFundingRate(ctx, cfg.Symbol)
	if err != nil || fr == nil {
		return e.finish(cfg, failed(cfg.ID, domain.ActionOpen,
			fmt.Sprintf("funding rate unavailable on %s: %v", venueName, err)), domain.StrategyCreated)
	}
	if !fr.Rate.IsPositive() {
		return e.finish(cfg, failed(cfg.ID, domain.ActionOpen,
			fmt.Sprintf("funding on %s is %s, a short would pay every interval", venueName, fr.Rate)), domain.StrategyCreated)
	}

	book, price, err := e.entryBook(ctx, adapter, cfg.Symbol)
	if err != nil {
		return e.finish(cfg, failed(cfg.ID, domain.ActionOpen, fmt.Sprintf("price discovery on %s: %v", venueName, err)), domain.StrategyCreated)
	}

	size := cfg.MaxCapital.
		Mul(decimal.NewFromInt(int64(cfg.Leverage))).
		Div(price).
		Round(sizePrecision)
	if !size.IsPositive() {
		return e.finish(cfg, failed(cfg.ID, domain.ActionOpen, "computed size is zero"), domain.StrategyCreated)
	}
	e.warnOnSlippage(venueName, book, domain.OrderSideSell, size)

	order, err := adapter.PlaceOrder(ctx, domain.OrderSpec{
		Symbol:   cfg.Symbol,
		Side:     domain.OrderSideSell,
		Type:     domain.OrderTypeMarket,
		Quantity: size,
	})
	if err != nil {
		return e.finish(cfg, failed(cfg.ID, domain.ActionOpen, fmt.Sprintf("short leg on %s: %v", venueName, err)), domain.StrategyCreated)
	}

	now := time.Now()
	e.savePosition(cfg, venueName, domain.SideShort, size, fillPrice(order, price), now)

	cfg.ProjectedAPR = e.currentAPR(ctx, cfg)
	return e.finish(cfg, domain.ExecutionResult{
		StrategyID: cfg.ID,
		Action:     domain.ActionOpen,
		Success:    true,
		Orders:     []domain.Order{*order},
		Message:    fmt.Sprintf("short %s %s on %s", size, cfg.Symbol, venueName),
		Timestamp:  now,
	}, domain.StrategyOpen)
}

type legResult struct {
	venueName string
	side      domain.OrderSide
	order     *domain.Order
	err       error
}

func (e *Executor) executeFundingArbitrage(ctx context.Context, cfg domain.StrategyConfig) domain.ExecutionResult {
	longVenue, shortVenue := e.pickLegs(ctx, cfg)

	longAdapter, _ := e.registry.Get(longVenue)
	shortAdapter, _ := e.registry.Get(shortVenue)

	longBook, longMid, longErr := e.entryBook(ctx, longAdapter, cfg.Symbol)
	shortBook, shortMid, shortErr := e.entryBook(ctx, shortAdapter, cfg.Symbol)
	if longErr != nil || shortErr != nil {
		return e.finish(cfg, failed(cfg.ID, domain.ActionOpen,
			fmt.Sprintf("price discovery: long %v, short %v", longErr, shortErr)), domain.StrategyCreated)
	}

	avgMid := longMid.Add(shortMid).Div(decimal.NewFromInt(2))
	size := cfg.MaxCapital.
		Div(decimal.NewFromInt(2)).
		Mul(decimal.NewFromInt(int64(cfg.Leverage))).
		Div(avgMid).
		Round(sizePrecision)
	if !size.IsPositive() {
		return e.finish(cfg, failed(cfg.ID, domain.ActionOpen, "computed size is zero"), domain.StrategyCreated)
	}
	e.warnOnSlippage(longVenue, longBook, domain.OrderSideBuy, size)
	e.warnOnSlippage(shortVenue, shortBook, domain.OrderSideSell, size)

	legs := []legResult{
		{venueName: longVenue, side: domain.OrderSideBuy},
		{venueName: shortVenue, side: domain.OrderSideSell},
	}
	var wg sync.WaitGroup
	for i := range legs {
		wg.Add(1)
		go func(leg *legResult) {
			defer wg.Done()
			adapter, _ := e.registry.Get(leg.venueName)
			leg.order, leg.err = adapter.PlaceOrder(ctx, domain.OrderSpec{
				Symbol:   cfg.Symbol,
				Side:     leg.side,
				Type:     domain.OrderTypeMarket,
				Quantity: size,
			})
		}(&legs[i])
	}
	wg.Wait()

	now := time.Now()
	longLeg, shortLeg := legs[0], legs[1]

	switch {
	case longLeg.err == nil && shortLeg.err == nil:
		e.savePosition(cfg, longVenue, domain.SideLong, size, fillPrice(longLeg.order, longMid), now)
		e.savePosition(cfg, shortVenue, domain.SideShort, size, fillPrice(shortLeg.order, shortMid), now)
		cfg.ProjectedAPR = e.currentAPR(ctx, cfg)
		return e.finish(cfg, domain.ExecutionResult{
			StrategyID: cfg.ID,
			Action:     domain.ActionOpen,
			Success:    true,
			Orders:     []domain.Order{*longLeg.order, *shortLeg.order},
			Message:    fmt.Sprintf("long %s / short %s, size %s", longVenue, shortVenue, size),
			Timestamp:  now,
		}, domain.StrategyOpen)

	case longLeg.err != nil && shortLeg.err != nil:
		return e.finish(cfg, failed(cfg.ID, domain.ActionOpen,
			fmt.Sprintf("both legs failed: long on %s: %v; short on %s: %v",
				longVenue, longLeg.err, shortVenue, shortLeg.err)), domain.StrategyCreated)

	default:
		filled, failedLeg := longLeg, shortLeg
		filledSide := domain.SideLong
		if longLeg.err != nil {
			filled, failedLeg = shortLeg, longLeg
			filledSide = domain.SideShort
		}
		msg := e.unwindLeg(ctx, cfg, filled, filledSide, size, now)
		return e.finish(cfg, failed(cfg.ID, domain.ActionOpen,
			fmt.Sprintf("leg on %s failed (%v); %s", failedLeg.venueName, failedLeg.err, msg)), domain.StrategyCreated)
	}
}

// unwindLeg reverses the one filled leg with a reduce-only market
// order. An unwind failure is the worst state this system can be in:
// a live unhedged position, hence the P1 alert and the orphan row.
func (e *Executor) unwindLeg(ctx context.Context, cfg domain.StrategyConfig, filled legResult, filledSide domain.Side, size decimal.Decimal, now time.Time) string {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "executor.UnwindLeg")
	defer span.End()
	span.SetAttributes(
		attribute.String("strategy_id", cfg.ID.String()),
		attribute.String("venue", filled.venueName),
	)

	adapter, _ := e.registry.Get(filled.venueName)
	_, err := adapter.PlaceOrder(ctx, domain.OrderSpec{
		Symbol:     cfg.Symbol,
		Side:       filledSide.Opposite(),
		Type:       domain.OrderTypeMarket,
		Quantity:   size,
		ReduceOnly: true,
	})
	if err == nil {
		e.logger.Warn("filled leg unwound after partner leg failure",
			"strategy_id", cfg.ID, "venue", filled.venueName, "symbol", cfg.Symbol)
		return fmt.Sprintf("filled leg on %s unwound", filled.venueName)
	}

	span.RecordError(err)
	if e.alerts != nil {
		e.alerts.Fire(monitor.AlertLevelP1, "unhedged_leg",
			fmt.Sprintf("unwind order on %s failed", filled.venueName),
			fmt.Sprintf("strategy %s holds an unhedged %s %s position of %s on %s: %v",
				cfg.ID, filledSide, cfg.Symbol, size, filled.venueName, err))
	}
	// Keep the orphan on record so reconciliation can find it, and
	// stop opening anything new until an operator has cleaned up.
	e.savePosition(cfg, filled.venueName, filledSide, size, fillPrice(filled.order, decimal.Zero), now)
	if e.halt != nil {
		e.halt.Engage(fmt.Sprintf("unhedged %s leg on %s (%s)", filledSide, filled.venueName, cfg.Symbol))
	}
	return fmt.Sprintf("unwind on %s ALSO failed, unhedged leg recorded: %v", filled.venueName, err)
}

// CloseStrategy places a reduce-only opposite order per open leg and
// clears state only after every leg has been attempted.
func (e *Executor) CloseStrategy(ctx context.Context, id uuid.UUID) (domain.ExecutionResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "executor.CloseStrategy")
	defer span.End()
	span.SetAttributes(attribute.String("strategy_id", id.String()))

	lock := e.strategyLock(id)
	lock.Lock()
	defer lock.Unlock()

	cfg, err := e.repo.GetStrategy(id)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	positions := e.repo.PositionsByStrategy(id)
	if len(positions) == 0 {
		return domain.ExecutionResult{}, fmt.Errorf("strategy %s has no open positions", id)
	}

	cfg.Status = domain.StrategyClosing
	cfg.UpdatedAt = time.Now()
	if err := e.repo.SaveStrategy(cfg); err != nil {
		return domain.ExecutionResult{}, err
	}

	var (
		orders   []domain.Order
		failures []string
		leftover []domain.StrategyPosition
	)
	for _, pos := range positions {
		adapter, ok := e.registry.Get(pos.Venue)
		if !ok {
			failures = append(failures, fmt.Sprintf("%s: adapter missing", pos.Venue))
			leftover = append(leftover, pos)
			continue
		}
		order, err := adapter.PlaceOrder(ctx, domain.OrderSpec{
			Symbol:     pos.Symbol,
			Side:       pos.Side.Opposite(),
			Type:       domain.OrderTypeMarket,
			Quantity:   pos.Size,
			ReduceOnly: true,
		})
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", pos.Venue, err))
			leftover = append(leftover, pos)
			continue
		}
		orders = append(orders, *order)
	}

	e.repo.ClearPositions(id)
	for _, pos := range leftover {
		if err := e.repo.SavePosition(pos); err != nil {
			e.logger.Error("failed to retain unclosed position", "position_id", pos.ID, "error", err)
		}
	}

	// Funding accrual state for closed legs is dead weight; legs that
	// failed to close keep theirs.
	retained := make(map[uuid.UUID]struct{}, len(leftover))
	for _, pos := range leftover {
		retained[pos.ID] = struct{}{}
	}
	e.marksMu.Lock()
	for _, pos := range positions {
		if _, keep := retained[pos.ID]; !keep {
			delete(e.accruals, pos.ID)
		}
	}
	e.marksMu.Unlock()

	now := time.Now()
	if len(failures) > 0 {
		return e.finish(cfg, domain.ExecutionResult{
			StrategyID: id,
			Action:     domain.ActionClose,
			Success:    false,
			Orders:     orders,
			Message:    "some legs failed to close: " + strings.Join(failures, "; "),
			Timestamp:  now,
		}, domain.StrategyOpen), nil
	}
	return e.finish(cfg, domain.ExecutionResult{
		StrategyID: id,
		Action:     domain.ActionClose,
		Success:    true,
		Orders:     orders,
		Message:    fmt.Sprintf("closed %d legs", len(positions)),
		Timestamp:  now,
	}, domain.StrategyClosed), nil
}

func (e *Executor) savePosition(cfg domain.StrategyConfig, venueName string, side domain.Side, size, entry decimal.Decimal, now time.Time) {
	pos := domain.StrategyPosition{
		ID:           uuid.Must(uuid.NewV7()),
		StrategyID:   cfg.ID,
		Venue:        venueName,
		Symbol:       cfg.Symbol,
		Side:         side,
		Size:         size,
		EntryPrice:   entry,
		CurrentPrice: entry,
		OpenedAt:     now,
		UpdatedAt:    now,
	}
	if err := e.repo.SavePosition(pos); err != nil {
		e.logger.Error("failed to save position", "strategy_id", cfg.ID, "venue", venueName, "error", err)
	}
}

func (e *Executor) midPrice(ctx context.Context, adapter venue.Adapter, symbol string) (decimal.Decimal, error) {
	book, err := adapter.GetOrderBook(ctx, symbol, 5)
	if err != nil {
		return decimal.Zero, err
	}
	mid, ok := book.MidPrice()
	if !ok {
		return decimal.Zero, fmt.Errorf("empty order book for %s", symbol)
	}
	return mid, nil
}

// entryBook fetches enough depth to both price and size-check an entry.
func (e *Executor) entryBook(ctx context.Context, adapter venue.Adapter, symbol string) (*domain.OrderBook, decimal.Decimal, error) {
	book, err := adapter.GetOrderBook(ctx, symbol, 20)
	if err != nil {
		return nil, decimal.Zero, err
	}
	mid, ok := book.MidPrice()
	if !ok {
		return nil, decimal.Zero, fmt.Errorf("empty order book for %s", symbol)
	}
	return book, mid, nil
}

func (e *Executor) warnOnSlippage(venueName string, book *domain.OrderBook, side domain.OrderSide, size decimal.Decimal) {
	fill, ok := estimateFill(book, side, size)
	if !ok {
		e.logger.Warn("visible depth cannot absorb entry size",
			"venue", venueName, "symbol", book.Symbol, "size", size)
		return
	}
	mid, _ := book.MidPrice()
	if bps := slippageBps(mid, fill); bps.GreaterThan(maxEntrySlippageBps) {
		e.logger.Warn("expected entry slippage is high",
			"venue", venueName, "symbol", book.Symbol, "size", size, "slippage_bps", bps.Round(1))
	}
}

// pickLegs assigns long to the venue with the lower current funding
// rate. Falls back to configured order when rates are unavailable.
func (e *Executor) pickLegs(ctx context.Context, cfg domain.StrategyConfig) (longVenue, shortVenue string) {
	longVenue, shortVenue = cfg.Venues[0], cfg.Venues[1]

	agg, ok := e.agg.AggregatedRates(ctx)[aggregator.NormalizeSymbol(cfg.Symbol)]
	if !ok {
		return longVenue, shortVenue
	}
	r0, ok0 := agg.Rates[cfg.Venues[0]]
	r1, ok1 := agg.Rates[cfg.Venues[1]]
	if ok0 && ok1 && r0.GreaterThan(r1) {
		return cfg.Venues[1], cfg.Venues[0]
	}
	return longVenue, shortVenue
}

// currentAPR is the strategy's earn rate at current funding: the
// cross-venue spread for an arb, the traded venue's own rate for a
// cash-and-carry.
func (e *Executor) currentAPR(ctx context.Context, cfg domain.StrategyConfig) decimal.Decimal {
	if cfg.Type == domain.StrategyFundingArb {
		agg, ok := e.agg.AggregatedRates(ctx)[aggregator.NormalizeSymbol(cfg.Symbol)]
		if !ok {
			return decimal.Zero
		}
		return agg.SpreadAnnualized
	}

	adapter, ok := e.registry.Get(cfg.Venues[0])
	if !ok {
		return decimal.Zero
	}
	fr, err := adapter.GetFundingRate(ctx, cfg.Symbol)
	if err != nil || fr == nil {
		return decimal.Zero
	}
	return fr.AnnualizedRate
}

func failed(id uuid.UUID, action domain.ExecutionAction, msg string) domain.ExecutionResult {
	return domain.ExecutionResult{
		StrategyID: id,
		Action:     action,
		Success:    false,
		Message:    msg,
		Timestamp:  time.Now(),
	}
}

func fillPrice(order *domain.Order, fallback decimal.Decimal) decimal.Decimal {
	if order != nil && order.AvgFillPrice.IsPositive() {
		return order.AvgFillPrice
	}
	return fallback
}

func (e *Executor) GetPositions(id uuid.UUID) []domain.StrategyPosition {
	return e.repo.PositionsByStrategy(id)
}

func (e *Executor) ExecutionHistory(id uuid.UUID) []domain.ExecutionResult {
	return e.repo.ResultsByStrategy(id)
}

// GetPerformance computes the live performance snapshot for a strategy.
func (e *Executor) GetPerformance(id uuid.UUID) (domain.StrategyPerformance, error) {
	cfg, err := e.repo.GetStrategy(id)
	if err != nil {
		return domain.StrategyPerformance{}, err
	}
	positions := e.repo.PositionsByStrategy(id)

	perf := domain.StrategyPerformance{
		StrategyID:      id,
		CapitalDeployed: cfg.MaxCapital,
		ProjectedAPR:    cfg.ProjectedAPR,
		TradeCount:      len(e.repo.ResultsByStrategy(id)),
		ComputedAt:      time.Now(),
	}

	var earliest time.Time
	for _, pos := range positions {
		perf.TradingPnL = perf.TradingPnL.Add(pos.UnrealizedPnL)
		perf.FundingPnL = perf.FundingPnL.Add(pos.AccruedFunding)
		if earliest.IsZero() || pos.OpenedAt.Before(earliest) {
			earliest = pos.OpenedAt
		}
	}
	perf.TotalPnL = perf.TradingPnL.Add(perf.FundingPnL)

	if !earliest.IsZero() && cfg.MaxCapital.IsPositive() {
		elapsed := time.Since(earliest)
		if elapsed > time.Minute {
			yearFraction := decimal.NewFromFloat(elapsed.Hours() / (24 * 365))
			perf.RealizedAPR = perf.TotalPnL.
				Div(cfg.MaxCapital).
				Div(yearFraction).
				Mul(decimal.NewFromInt(100))
		}
	}
	return perf, nil
}

// Summary is the operator's one-line view across all strategies.
type Summary struct {
	Strategies int
	Open       int
	TotalPnL   decimal.Decimal
}

func (e *Executor) GetSummary() Summary {
	var s Summary
	for _, cfg := range e.repo.ListStrategies() {
		s.Strategies++
		if cfg.Status == domain.StrategyOpen {
			s.Open++
		}
		if perf, err := e.GetPerformance(cfg.ID); err == nil {
			s.TotalPnL = s.TotalPnL.Add(perf.TotalPnL)
		}
	}
	return s
}

// OnMarkPrice feeds a websocket mark-price update into the monitor's
// price cache.
func (e *Executor) OnMarkPrice(mp domain.MarkPrice) {
	e.marksMu.Lock()
	defer e.marksMu.Unlock()
	e.marks[mp.Venue+":"+mp.Symbol] = mp
}

func (e *Executor) latestMark(venueName, symbol string, maxAge time.Duration) (decimal.Decimal, bool) {
	e.marksMu.RLock()
	defer e.marksMu.RUnlock()
	mp, ok := e.marks[venueName+":"+symbol]
	if !ok || time.Since(mp.Timestamp) > maxAge {
		return decimal.Zero, false
	}
	return mp.Price, true
}

// StartMonitor runs the periodic position refresh until Stop or ctx
// cancellation.
func (e *Executor) StartMonitor(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.monitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.refreshAll(ctx)
			}
		}
	}()
	e.logger.Info("strategy monitor started", "interval", e.monitorInterval)
}

func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *Executor) refreshAll(ctx context.Context) {
	for _, cfg := range e.repo.ListStrategies() {
		if cfg.Status != domain.StrategyOpen {
			continue
		}
		e.refreshStrategy(ctx, cfg.ID)
	}
}

// refreshStrategy reprices every leg, accrues funding when a funding
// timestamp has passed and flags APR divergence.
func (e *Executor) refreshStrategy(ctx context.Context, id uuid.UUID) {
	lock := e.strategyLock(id)
	lock.Lock()
	defer lock.Unlock()

	cfg, err := e.repo.GetStrategy(id)
	if err != nil || cfg.Status != domain.StrategyOpen {
		return
	}

	now := time.Now()
	for _, pos := range e.repo.PositionsByStrategy(id) {
		adapter, ok := e.registry.Get(pos.Venue)
		if !ok {
			continue
		}

		price, fresh := e.latestMark(pos.Venue, pos.Symbol, 2*e.monitorInterval)
		if !fresh {
			mid, err := e.midPrice(ctx, adapter, pos.Symbol)
			if err != nil {
				e.logger.Warn("monitor repricing failed",
					"strategy_id", id, "venue", pos.Venue, "symbol", pos.Symbol, "error", err)
				continue
			}
			price = mid
		}

		pos.CurrentPrice = price
		if pos.Side == domain.SideShort {
			pos.UnrealizedPnL = pos.EntryPrice.Sub(price).Mul(pos.Size)
		} else {
			pos.UnrealizedPnL = price.Sub(pos.EntryPrice).Mul(pos.Size)
		}

		e.accrueFunding(ctx, adapter, &pos, now)

		pos.UpdatedAt = now
		if err := e.repo.SavePosition(pos); err != nil {
			e.logger.Error("failed to update position", "position_id", pos.ID, "error", err)
		}
	}

	e.checkRebalance(ctx, cfg)
}

// accrueFunding credits or debits one interval's funding once the
// position's next funding timestamp has passed. Shorts receive when
// the rate is positive, longs pay, and vice versa.
func (e *Executor) accrueFunding(ctx context.Context, adapter venue.Adapter, pos *domain.StrategyPosition, now time.Time) {
	e.marksMu.Lock()
	due, tracked := e.accruals[pos.ID]
	e.marksMu.Unlock()

	fr, err := adapter.GetFundingRate(ctx, pos.Symbol)
	if err != nil || fr == nil {
		return
	}

	if !tracked {
		e.marksMu.Lock()
		e.accruals[pos.ID] = fr.NextFundingTime
		e.marksMu.Unlock()
		return
	}
	if due.IsZero() || now.Before(due) {
		return
	}

	notional := pos.Size.Mul(pos.CurrentPrice)
	payment := notional.Mul(fr.Rate)
	if pos.Side == domain.SideLong {
		payment = payment.Neg()
	}
	pos.AccruedFunding = pos.AccruedFunding.Add(payment)

	e.marksMu.Lock()
	e.accruals[pos.ID] = due.Add(time.Duration(adapter.FundingIntervalHours()) * time.Hour)
	e.marksMu.Unlock()

	e.logger.Info("funding accrued",
		"position_id", pos.ID, "venue", pos.Venue, "symbol", pos.Symbol, "amount", payment)
}

func (e *Executor) checkRebalance(ctx context.Context, cfg domain.StrategyConfig) {
	if !cfg.AutoRebalance {
		return
	}

	current := e.currentAPR(ctx, cfg)
	divergence := current.Sub(cfg.ProjectedAPR).Abs()
	if divergence.LessThanOrEqual(cfg.RebalanceThreshold) {
		return
	}

	sig := domain.RebalanceSignal{
		StrategyID:   cfg.ID,
		Symbol:       cfg.Symbol,
		CurrentAPR:   current,
		ProjectedAPR: cfg.ProjectedAPR,
		Divergence:   divergence,
		CreatedAt:    time.Now(),
	}
	if e.bus != nil {
		e.bus.PublishRebalanceSignal(sig)
	}
	if e.alerts != nil {
		e.alerts.Fire(monitor.AlertLevelP2, "rebalance_divergence",
			fmt.Sprintf("|current−projected| > %s", cfg.RebalanceThreshold),
			fmt.Sprintf("strategy %s %s: current %s%% vs projected %s%%",
				cfg.ID, cfg.Symbol, current, cfg.ProjectedAPR))
	}
	e.logger.Info("rebalance flagged",
		"strategy_id", cfg.ID, "current_apr", current, "projected_apr", cfg.ProjectedAPR)
}
