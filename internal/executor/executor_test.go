package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crypto-trading/funding/internal/aggregator"
	"github.com/crypto-trading/funding/internal/domain"
	"github.com/crypto-trading/funding/internal/eventbus"
	"github.com/crypto-trading/funding/internal/monitor"
	"github.com/crypto-trading/funding/internal/registry"
	"github.com/crypto-trading/funding/internal/venue"
)

// tradeVenue is a scriptable adapter: it always quotes a book around
// mid and can be told to fail order placement, optionally sparing
// reduce-only orders.
type tradeVenue struct {
	name           string
	mid            decimal.Decimal
	fundingRate    decimal.Decimal
	nextFunding    time.Time
	failOrders     bool
	failReduceOnly bool

	mu     sync.Mutex
	placed []domain.OrderSpec
}

func (v *tradeVenue) Name() string              { return v.name }
func (v *tradeVenue) HasCredentials() bool      { return true }
func (v *tradeVenue) FundingIntervalHours() int { return 8 }

func (v *tradeVenue) GetFundingRate(ctx context.Context, symbol string) (*domain.FundingRate, error) {
	next := time.Now().Add(time.Hour)
	if !v.nextFunding.IsZero() {
		next = v.nextFunding
	}
	return &domain.FundingRate{
		Venue:           v.name,
		Symbol:          symbol,
		Rate:            v.fundingRate,
		AnnualizedRate:  domain.Annualize(v.fundingRate, 8),
		IntervalHours:   8,
		NextFundingTime: next,
	}, nil
}

func (v *tradeVenue) GetAllFundingRates(ctx context.Context) ([]domain.FundingRate, error) {
	fr, _ := v.GetFundingRate(ctx, "BTCUSDT")
	return []domain.FundingRate{*fr}, nil
}

func (v *tradeVenue) GetMarkets(ctx context.Context) ([]domain.PerpetualMarket, error) {
	return []domain.PerpetualMarket{{Venue: v.name, Symbol: "BTCUSDT", Active: true}}, nil
}

func (v *tradeVenue) GetOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	tick := decimal.NewFromInt(1)
	return &domain.OrderBook{
		Venue:  v.name,
		Symbol: symbol,
		Bids:   []domain.PriceLevel{{Price: v.mid.Sub(tick), Size: decimal.NewFromInt(10)}},
		Asks:   []domain.PriceLevel{{Price: v.mid.Add(tick), Size: decimal.NewFromInt(10)}},
	}, nil
}

func (v *tradeVenue) GetPositions(ctx context.Context) ([]domain.Position, error) { return nil, nil }
func (v *tradeVenue) GetBalances(ctx context.Context) ([]domain.Balance, error)  { return nil, nil }

func (v *tradeVenue) PlaceOrder(ctx context.Context, spec domain.OrderSpec) (*domain.Order, error) {
	if v.failOrders && !(spec.ReduceOnly && !v.failReduceOnly) {
		return nil, errors.New("venue rejected order")
	}
	v.mu.Lock()
	v.placed = append(v.placed, spec)
	v.mu.Unlock()
	return &domain.Order{
		Venue:        v.name,
		VenueOrderID: "1",
		Symbol:       spec.Symbol,
		Side:         spec.Side,
		Type:         spec.Type,
		Status:       domain.OrderStatusFilled,
		Quantity:     spec.Quantity,
		FilledQty:    spec.Quantity,
		AvgFillPrice: v.mid,
		ReduceOnly:   spec.ReduceOnly,
	}, nil
}

func (v *tradeVenue) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func (v *tradeVenue) orders() []domain.OrderSpec {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.OrderSpec, len(v.placed))
	copy(out, v.placed)
	return out
}

type harness struct {
	exec   *Executor
	alerts *monitor.AlertManager
	repo   *MemoryRepository
}

func newHarness(t *testing.T, venues ...*tradeVenue) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.New(logger)
	for _, v := range venues {
		reg.RegisterAdapter(v)
	}
	agg := aggregator.New(reg, nil, logger)
	bus := eventbus.New(16, logger)
	repo := NewMemoryRepository()
	alerts := monitor.NewAlertManager(nil, logger)
	gate := NewRiskGate(reg, agg, logger)

	return &harness{
		exec:   New(reg, agg, bus, repo, gate, alerts, logger),
		alerts: alerts,
		repo:   repo,
	}
}

func carryConfig(venueName string) domain.StrategyConfig {
	return domain.StrategyConfig{
		Type:       domain.StrategyCashAndCarry,
		Symbol:     "BTCUSDT",
		Venues:     []string{venueName},
		MaxCapital: decimal.NewFromInt(10000),
		Leverage:   2,
	}
}

func arbConfig(a, b string) domain.StrategyConfig {
	return domain.StrategyConfig{
		Type:       domain.StrategyFundingArb,
		Symbol:     "BTCUSDT",
		Venues:     []string{a, b},
		MaxCapital: decimal.NewFromInt(10000),
		Leverage:   2,
	}
}

func TestCreateStrategyValidatesVenueCount(t *testing.T) {
	h := newHarness(t, &tradeVenue{name: "binance", mid: decimal.NewFromInt(50000)})

	cfg := carryConfig("binance")
	cfg.Venues = []string{"binance", "bybit"}
	if _, err := h.exec.CreateStrategy(cfg); err == nil {
		t.Error("cash-and-carry with two venues must be rejected")
	}

	arb := arbConfig("binance", "binance")
	arb.Venues = []string{"binance"}
	if _, err := h.exec.CreateStrategy(arb); err == nil {
		t.Error("funding arb with one venue must be rejected")
	}
}

func TestLeverageAboveTenAlwaysFailsRiskGate(t *testing.T) {
	v := &tradeVenue{name: "binance", mid: decimal.NewFromInt(50000), fundingRate: decimal.NewFromFloat(0.0003)}
	h := newHarness(t, v)

	cfg := carryConfig("binance")
	cfg.Leverage = 11
	created, err := h.exec.CreateStrategy(cfg)
	if err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}

	res, err := h.exec.Execute(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("leverage 11 must fail the risk gate")
	}
	if len(v.orders()) != 0 {
		t.Errorf("no orders may be placed after a failed gate, got %d", len(v.orders()))
	}
	if got := h.exec.GetPositions(created.ID); len(got) != 0 {
		t.Errorf("no positions after a failed gate, got %d", len(got))
	}
}

func TestExecuteCashAndCarry(t *testing.T) {
	v := &tradeVenue{name: "binance", mid: decimal.NewFromInt(50000), fundingRate: decimal.NewFromFloat(0.0003)}
	h := newHarness(t, v)

	created, err := h.exec.CreateStrategy(carryConfig("binance"))
	if err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}

	res, err := h.exec.Execute(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("execution failed: %s", res.Message)
	}

	positions := h.exec.GetPositions(created.ID)
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if positions[0].Side != domain.SideShort {
		t.Errorf("cash-and-carry perp leg must be short, got %s", positions[0].Side)
	}
	// 10000 × 2 / 50000
	if want := decimal.NewFromFloat(0.4); !positions[0].Size.Equal(want) {
		t.Errorf("size = %s, want %s", positions[0].Size, want)
	}

	cfg, _ := h.exec.GetStrategy(created.ID)
	if cfg.Status != domain.StrategyOpen {
		t.Errorf("status = %s, want OPEN", cfg.Status)
	}
}

func TestExecuteFundingArbitragePlacesBothLegs(t *testing.T) {
	low := &tradeVenue{name: "okx", mid: decimal.NewFromInt(50000), fundingRate: decimal.NewFromFloat(-0.0001)}
	high := &tradeVenue{name: "binance", mid: decimal.NewFromInt(50000), fundingRate: decimal.NewFromFloat(0.0003)}
	h := newHarness(t, low, high)

	created, err := h.exec.CreateStrategy(arbConfig("binance", "okx"))
	if err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}

	res, err := h.exec.Execute(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("execution failed: %s", res.Message)
	}

	positions := h.exec.GetPositions(created.ID)
	if len(positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(positions))
	}
	bySide := map[domain.Side]string{}
	for _, pos := range positions {
		bySide[pos.Side] = pos.Venue
	}
	if bySide[domain.SideLong] != "okx" || bySide[domain.SideShort] != "binance" {
		t.Errorf("legs misassigned: long on %s, short on %s; want long okx, short binance",
			bySide[domain.SideLong], bySide[domain.SideShort])
	}
}

func TestOneLegFailureUnwindsFilledLeg(t *testing.T) {
	good := &tradeVenue{name: "okx", mid: decimal.NewFromInt(50000), fundingRate: decimal.NewFromFloat(-0.0001)}
	bad := &tradeVenue{name: "binance", mid: decimal.NewFromInt(50000), fundingRate: decimal.NewFromFloat(0.0003), failOrders: true, failReduceOnly: false}
	h := newHarness(t, good, bad)

	created, err := h.exec.CreateStrategy(arbConfig("binance", "okx"))
	if err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}

	res, err := h.exec.Execute(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("any leg failure must yield Success=false")
	}
	if got := h.exec.GetPositions(created.ID); len(got) != 0 {
		t.Errorf("unwound strategy should hold no positions, got %d", len(got))
	}

	orders := good.orders()
	if len(orders) != 2 {
		t.Fatalf("expected entry + unwind on the filled venue, got %d orders", len(orders))
	}
	unwind := orders[1]
	if !unwind.ReduceOnly {
		t.Error("unwind order must be reduce-only")
	}
	if unwind.Side == orders[0].Side {
		t.Error("unwind order must oppose the entry")
	}
}

func TestFailedUnwindFiresP1AndRecordsOrphan(t *testing.T) {
	// The filled venue rejects everything after the entry, including
	// the reduce-only unwind.
	stuck := &stuckAfterFirstVenue{
		tradeVenue: tradeVenue{name: "okx", mid: decimal.NewFromInt(50000), fundingRate: decimal.NewFromFloat(-0.0001)},
	}
	bad := &tradeVenue{name: "binance", mid: decimal.NewFromInt(50000), fundingRate: decimal.NewFromFloat(0.0003), failOrders: true, failReduceOnly: true}
	h2 := newHarnessWithAdapters(t, stuck, bad)

	created, err := h2.exec.CreateStrategy(arbConfig("binance", "okx"))
	if err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}

	res, err := h2.exec.Execute(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("expected Success=false")
	}

	orphans := h2.exec.GetPositions(created.ID)
	if len(orphans) != 1 {
		t.Fatalf("expected the unhedged leg on record, got %d positions", len(orphans))
	}
	if orphans[0].Venue != "okx" {
		t.Errorf("orphan on %s, want okx", orphans[0].Venue)
	}

	var fired bool
	for _, a := range h2.alerts.ActiveAlerts() {
		if a.Level == monitor.AlertLevelP1 && a.Name == "unhedged_leg" {
			fired = true
		}
	}
	if !fired {
		t.Error("expected a P1 unhedged_leg alert")
	}
}

func TestCloseStrategyClearsPositions(t *testing.T) {
	v := &tradeVenue{name: "binance", mid: decimal.NewFromInt(50000), fundingRate: decimal.NewFromFloat(0.0003)}
	h := newHarness(t, v)

	created, _ := h.exec.CreateStrategy(carryConfig("binance"))
	if res, _ := h.exec.Execute(context.Background(), created.ID); !res.Success {
		t.Fatalf("open failed: %s", res.Message)
	}

	res, err := h.exec.CloseStrategy(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("CloseStrategy: %v", err)
	}
	if !res.Success {
		t.Fatalf("close failed: %s", res.Message)
	}

	orders := v.orders()
	last := orders[len(orders)-1]
	if !last.ReduceOnly || last.Side != domain.OrderSideBuy {
		t.Errorf("closing a short needs a reduce-only buy, got %+v", last)
	}
	if got := h.exec.GetPositions(created.ID); len(got) != 0 {
		t.Errorf("positions remain after close: %d", len(got))
	}
	cfg, _ := h.exec.GetStrategy(created.ID)
	if cfg.Status != domain.StrategyClosed {
		t.Errorf("status = %s, want CLOSED", cfg.Status)
	}
}

func TestDeleteStrategyWithOpenPositionsFails(t *testing.T) {
	v := &tradeVenue{name: "binance", mid: decimal.NewFromInt(50000), fundingRate: decimal.NewFromFloat(0.0003)}
	h := newHarness(t, v)

	created, _ := h.exec.CreateStrategy(carryConfig("binance"))
	if res, _ := h.exec.Execute(context.Background(), created.ID); !res.Success {
		t.Fatalf("open failed: %s", res.Message)
	}

	if err := h.exec.DeleteStrategy(created.ID); err == nil {
		t.Fatal("delete must fail while positions are open")
	}
	if _, err := h.exec.GetStrategy(created.ID); err != nil {
		t.Errorf("strategy must survive the failed delete: %v", err)
	}
	if got := h.exec.GetPositions(created.ID); len(got) != 1 {
		t.Errorf("positions must survive the failed delete, got %d", len(got))
	}

	if _, err := h.exec.CloseStrategy(context.Background(), created.ID); err != nil {
		t.Fatalf("CloseStrategy: %v", err)
	}
	if err := h.exec.DeleteStrategy(created.ID); err != nil {
		t.Errorf("delete after close should succeed: %v", err)
	}
}

// stuckAfterFirstVenue fills the first order, then rejects everything.
type stuckAfterFirstVenue struct {
	tradeVenue
}

func (v *stuckAfterFirstVenue) PlaceOrder(ctx context.Context, spec domain.OrderSpec) (*domain.Order, error) {
	v.mu.Lock()
	filledBefore := len(v.placed)
	v.mu.Unlock()
	if filledBefore >= 1 {
		return nil, errors.New("venue unavailable")
	}
	return v.tradeVenue.PlaceOrder(ctx, spec)
}

func newHarnessWithAdapters(t *testing.T, adapters ...venue.Adapter) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.New(logger)
	for _, a := range adapters {
		reg.RegisterAdapter(a)
	}
	agg := aggregator.New(reg, nil, logger)
	bus := eventbus.New(16, logger)
	repo := NewMemoryRepository()
	alerts := monitor.NewAlertManager(nil, logger)
	gate := NewRiskGate(reg, agg, logger)

	return &harness{
		exec:   New(reg, agg, bus, repo, gate, alerts, logger),
		alerts: alerts,
		repo:   repo,
	}
}

func TestCashAndCarryRequiresPositiveVenueFunding(t *testing.T) {
	// binance pays shorts nothing (negative rate); bybit's rich rate
	// must not let a binance strategy through.
	bad := &tradeVenue{name: "binance", mid: decimal.NewFromInt(50000), fundingRate: decimal.NewFromFloat(-0.0002)}
	rich := &tradeVenue{name: "bybit", mid: decimal.NewFromInt(50000), fundingRate: decimal.NewFromFloat(0.0005)}
	h := newHarness(t, bad, rich)

	cfg := carryConfig("binance")
	cfg.TargetAPR = decimal.NewFromInt(10)
	created, err := h.exec.CreateStrategy(cfg)
	if err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}

	res, err := h.exec.Execute(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("a short on a negative-funding venue must be rejected")
	}
	if len(bad.orders()) != 0 {
		t.Errorf("no orders may reach the negative-funding venue, got %d", len(bad.orders()))
	}

	// The same strategy on the venue actually paying shorts goes through.
	good := carryConfig("bybit")
	good.TargetAPR = decimal.NewFromInt(10)
	created, err = h.exec.CreateStrategy(good)
	if err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}
	if res, _ := h.exec.Execute(context.Background(), created.ID); !res.Success {
		t.Fatalf("positive-funding venue should pass: %s", res.Message)
	}
}
