package basis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crypto-trading/funding/internal/domain"
	"github.com/crypto-trading/funding/internal/registry"
)

type quoteVenue struct {
	name  string
	mark  decimal.Decimal
	index decimal.Decimal
	rate  decimal.Decimal
}

func (v *quoteVenue) Name() string              { return v.name }
func (v *quoteVenue) HasCredentials() bool      { return false }
func (v *quoteVenue) FundingIntervalHours() int { return 8 }

func (v *quoteVenue) GetFundingRate(ctx context.Context, symbol string) (*domain.FundingRate, error) {
	return &domain.FundingRate{
		Venue:          v.name,
		Symbol:         symbol,
		Rate:           v.rate,
		AnnualizedRate: domain.Annualize(v.rate, 8),
		MarkPrice:      v.mark,
		IndexPrice:     v.index,
		IntervalHours:  8,
		Timestamp:      time.Now(),
	}, nil
}

func (v *quoteVenue) GetAllFundingRates(ctx context.Context) ([]domain.FundingRate, error) {
	fr, _ := v.GetFundingRate(ctx, "BTCUSDT")
	return []domain.FundingRate{*fr}, nil
}

func (v *quoteVenue) GetMarkets(ctx context.Context) ([]domain.PerpetualMarket, error) {
	return []domain.PerpetualMarket{{Venue: v.name, Symbol: "BTCUSDT", Active: true}}, nil
}

func (v *quoteVenue) GetOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	return &domain.OrderBook{Venue: v.name, Symbol: symbol}, nil
}

func (v *quoteVenue) GetPositions(ctx context.Context) ([]domain.Position, error) { return nil, nil }
func (v *quoteVenue) GetBalances(ctx context.Context) ([]domain.Balance, error)  { return nil, nil }

func (v *quoteVenue) PlaceOrder(ctx context.Context, spec domain.OrderSpec) (*domain.Order, error) {
	return nil, nil
}

func (v *quoteVenue) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func newTestEngine(t *testing.T, venues ...*quoteVenue) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(logger)
	for _, v := range venues {
		reg.RegisterAdapter(v)
	}
	return NewEngine(reg, nil, []string{"BTCUSDT"}, logger)
}

func TestOpenPositionIsDeltaNeutral(t *testing.T) {
	v := &quoteVenue{name: "binance", mark: decimal.NewFromInt(50100), index: decimal.NewFromInt(50000), rate: decimal.NewFromFloat(0.0001)}
	e := newTestEngine(t, v)

	pos, err := e.OpenPosition(context.Background(), "BTCUSDT", "binance", decimal.NewFromFloat(0.5), 3)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if !pos.Spot.Amount.Equal(pos.Futures.Amount) {
		t.Errorf("legs not 1:1: spot %s futures %s", pos.Spot.Amount, pos.Futures.Amount)
	}
	if !pos.DeltaExposure.IsZero() {
		t.Errorf("fresh position delta = %s, want 0", pos.DeltaExposure)
	}
	if !pos.LiquidationPrice.GreaterThan(pos.Futures.EntryPrice) {
		t.Errorf("short liquidation %s must sit above entry %s", pos.LiquidationPrice, pos.Futures.EntryPrice)
	}
}

func TestProcessFundingPayment(t *testing.T) {
	v := &quoteVenue{name: "binance", mark: decimal.NewFromInt(50000), index: decimal.NewFromInt(50000), rate: decimal.NewFromFloat(0.0001)}
	e := newTestEngine(t, v)

	pos, err := e.OpenPosition(context.Background(), "BTCUSDT", "binance", decimal.NewFromInt(1), 1)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	payment, err := e.ProcessFundingPayment(pos.ID, decimal.NewFromFloat(0.0001))
	if err != nil {
		t.Fatalf("ProcessFundingPayment: %v", err)
	}
	// 1 × 50000 × 0.0001
	if want := decimal.NewFromInt(5); !payment.Amount.Equal(want) {
		t.Errorf("payment = %s, want %s", payment.Amount, want)
	}

	open := e.OpenPositions()
	if len(open) != 1 || !open[0].AccumulatedFunding.Equal(payment.Amount) {
		t.Errorf("accumulated funding not applied: %+v", open)
	}
	if len(open[0].FundingHistory) != 1 {
		t.Errorf("position history length = %d", len(open[0].FundingHistory))
	}
	if hist := e.FundingHistory("BTCUSDT"); len(hist) != 1 {
		t.Errorf("symbol history length = %d", len(hist))
	}
}

func TestUpdatePositionMaintainsDeltaInvariant(t *testing.T) {
	v := &quoteVenue{name: "binance", mark: decimal.NewFromInt(51000), index: decimal.NewFromInt(50900), rate: decimal.NewFromFloat(0.0001)}
	e := newTestEngine(t, v)

	pos, err := e.OpenPosition(context.Background(), "BTCUSDT", "binance", decimal.NewFromInt(2), 1)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	// Simulate a partial futures fill drifting the hedge.
	e.mu.Lock()
	e.open[pos.ID].Futures.Amount = decimal.NewFromFloat(1.9)
	e.mu.Unlock()

	updated, _, err := e.UpdatePosition(context.Background(), pos.ID)
	if err != nil {
		t.Fatalf("UpdatePosition: %v", err)
	}
	want := updated.Spot.Amount.Sub(updated.Futures.Amount)
	if !updated.DeltaExposure.Equal(want) {
		t.Errorf("delta = %s, want spot−futures = %s", updated.DeltaExposure, want)
	}
}

func TestRebalanceUrgencyTiers(t *testing.T) {
	cases := []struct {
		futures float64
		want    domain.RebalanceUrgency
		action  bool
	}{
		{1.995, "", false},            // 0.5% drift, below threshold
		{1.97, domain.UrgencyLow, true},    // 1.5%
		{1.94, domain.UrgencyMedium, true}, // 3%
		{1.8, domain.UrgencyHigh, true},    // 10%
	}

	for _, tc := range cases {
		v := &quoteVenue{name: "binance", mark: decimal.NewFromInt(50000), index: decimal.NewFromInt(50000), rate: decimal.NewFromFloat(0.0001)}
		e := newTestEngine(t, v)
		pos, err := e.OpenPosition(context.Background(), "BTCUSDT", "binance", decimal.NewFromInt(2), 1)
		if err != nil {
			t.Fatalf("OpenPosition: %v", err)
		}

		e.mu.Lock()
		e.open[pos.ID].Futures.Amount = decimal.NewFromFloat(tc.futures)
		e.mu.Unlock()

		_, action, err := e.UpdatePosition(context.Background(), pos.ID)
		if err != nil {
			t.Fatalf("UpdatePosition: %v", err)
		}
		if tc.action != (action != nil) {
			t.Errorf("futures=%v: action presence = %v, want %v", tc.futures, action != nil, tc.action)
			continue
		}
		if action != nil && action.Urgency != tc.want {
			t.Errorf("futures=%v: urgency = %s, want %s", tc.futures, action.Urgency, tc.want)
		}
	}
}

func TestBasisRiskRisesWithFundingMagnitude(t *testing.T) {
	basis := decimal.NewFromFloat(0.1)
	calm := basisRisk(basis, decimal.NewFromInt(10), "binance")
	rich := basisRisk(basis, decimal.NewFromInt(30), "binance")
	extreme := basisRisk(basis, decimal.NewFromInt(60), "binance")

	if !(calm < rich && rich < extreme) {
		t.Errorf("risk must rise with funding magnitude: %d, %d, %d", calm, rich, extreme)
	}
	// The sign of the carry does not change how stretched it is.
	if got := basisRisk(basis, decimal.NewFromInt(-60), "binance"); got != extreme {
		t.Errorf("negative funding scored %d, want %d", got, extreme)
	}
	if capped := basisRisk(decimal.NewFromInt(2), decimal.NewFromInt(100), "hyperliquid"); capped != 100 {
		t.Errorf("score must clamp at 100, got %d", capped)
	}
}

func TestClosePositionMovesToImmutableHistory(t *testing.T) {
	v := &quoteVenue{name: "binance", mark: decimal.NewFromInt(50000), index: decimal.NewFromInt(50000), rate: decimal.NewFromFloat(0.0001)}
	e := newTestEngine(t, v)

	pos, err := e.OpenPosition(context.Background(), "BTCUSDT", "binance", decimal.NewFromInt(1), 1)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if _, err := e.ProcessFundingPayment(pos.ID, decimal.NewFromFloat(0.0001)); err != nil {
		t.Fatalf("ProcessFundingPayment: %v", err)
	}

	closed, err := e.ClosePosition(pos.ID)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if closed.Status != domain.BasisClosed {
		t.Errorf("status = %s, want CLOSED", closed.Status)
	}
	// Flat prices, so realized PnL is exactly the funding collected.
	if want := decimal.NewFromInt(5); !closed.RealizedPnL.Equal(want) {
		t.Errorf("realized PnL = %s, want %s", closed.RealizedPnL, want)
	}

	if len(e.OpenPositions()) != 0 {
		t.Error("closed position still listed as open")
	}
	if len(e.ClosedPositions()) != 1 {
		t.Fatal("closed position missing from history")
	}
	if _, err := e.ProcessFundingPayment(pos.ID, decimal.NewFromFloat(0.0001)); err == nil {
		t.Error("funding on a closed position must fail")
	}
	if _, _, err := e.UpdatePosition(context.Background(), pos.ID); err == nil {
		t.Error("updating a closed position must fail")
	}
}
