package executor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crypto-trading/funding/internal/domain"
	"github.com/crypto-trading/funding/internal/monitor"
)

func openCarry(t *testing.T, h *harness) domain.StrategyConfig {
	t.Helper()
	created, err := h.exec.CreateStrategy(carryConfig("binance"))
	if err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}
	if res, _ := h.exec.Execute(context.Background(), created.ID); !res.Success {
		t.Fatalf("open failed: %s", res.Message)
	}
	return created
}

func TestMonitorRepricesAndComputesPnL(t *testing.T) {
	v := &tradeVenue{name: "binance", mid: decimal.NewFromInt(50000), fundingRate: decimal.NewFromFloat(0.0003)}
	h := newHarness(t, v)
	created := openCarry(t, h)

	// Price falls 1000; the short of 0.4 gains 400.
	v.mid = decimal.NewFromInt(49000)
	h.exec.refreshStrategy(context.Background(), created.ID)

	pos := h.exec.GetPositions(created.ID)[0]
	if !pos.CurrentPrice.Equal(decimal.NewFromInt(49000)) {
		t.Errorf("current price = %s, want 49000", pos.CurrentPrice)
	}
	if want := decimal.NewFromInt(400); !pos.UnrealizedPnL.Equal(want) {
		t.Errorf("unrealized pnl = %s, want %s", pos.UnrealizedPnL, want)
	}
}

func TestMonitorPrefersFreshMarkPrice(t *testing.T) {
	v := &tradeVenue{name: "binance", mid: decimal.NewFromInt(50000), fundingRate: decimal.NewFromFloat(0.0003)}
	h := newHarness(t, v)
	created := openCarry(t, h)

	h.exec.OnMarkPrice(domain.MarkPrice{
		Venue:     "binance",
		Symbol:    "BTCUSDT",
		Price:     decimal.NewFromInt(48000),
		Timestamp: time.Now(),
	})
	h.exec.refreshStrategy(context.Background(), created.ID)

	pos := h.exec.GetPositions(created.ID)[0]
	if !pos.CurrentPrice.Equal(decimal.NewFromInt(48000)) {
		t.Errorf("a fresh websocket mark must win over the book mid, got %s", pos.CurrentPrice)
	}
}

func TestFundingAccrualSignPerSide(t *testing.T) {
	v := &tradeVenue{
		name:        "binance",
		mid:         decimal.NewFromInt(50000),
		fundingRate: decimal.NewFromFloat(0.0001),
		nextFunding: time.Now().Add(-time.Minute),
	}
	h := newHarness(t, v)

	strategyID := uuid.Must(uuid.NewV7())
	if err := h.repo.SaveStrategy(domain.StrategyConfig{
		ID:         strategyID,
		Type:       domain.StrategyFundingArb,
		Symbol:     "BTCUSDT",
		Venues:     []string{"binance", "binance"},
		MaxCapital: decimal.NewFromInt(100000),
		Status:     domain.StrategyOpen,
	}); err != nil {
		t.Fatalf("SaveStrategy: %v", err)
	}
	for _, side := range []domain.Side{domain.SideShort, domain.SideLong} {
		if err := h.repo.SavePosition(domain.StrategyPosition{
			ID:         uuid.Must(uuid.NewV7()),
			StrategyID: strategyID,
			Venue:      "binance",
			Symbol:     "BTCUSDT",
			Side:       side,
			Size:       decimal.NewFromInt(1),
			EntryPrice: decimal.NewFromInt(50000),
			OpenedAt:   time.Now(),
		}); err != nil {
			t.Fatalf("SavePosition: %v", err)
		}
	}

	// First pass registers the due timestamp, second pass accrues.
	h.exec.refreshStrategy(context.Background(), strategyID)
	h.exec.refreshStrategy(context.Background(), strategyID)

	// 1 × 50000 × 0.0001 = 5: the short collects, the long pays.
	want := decimal.NewFromInt(5)
	for _, pos := range h.exec.GetPositions(strategyID) {
		switch pos.Side {
		case domain.SideShort:
			if !pos.AccruedFunding.Equal(want) {
				t.Errorf("short accrued %s, want %s", pos.AccruedFunding, want)
			}
		case domain.SideLong:
			if !pos.AccruedFunding.Equal(want.Neg()) {
				t.Errorf("long accrued %s, want %s", pos.AccruedFunding, want.Neg())
			}
		}
	}

	// The due timestamp advanced a full interval, so nothing accrues
	// again on the next pass.
	h.exec.refreshStrategy(context.Background(), strategyID)
	for _, pos := range h.exec.GetPositions(strategyID) {
		if pos.AccruedFunding.Abs().GreaterThan(want) {
			t.Errorf("%s leg double-accrued: %s", pos.Side, pos.AccruedFunding)
		}
	}
}

func TestMonitorFlagsRebalanceDivergence(t *testing.T) {
	v := &tradeVenue{name: "binance", mid: decimal.NewFromInt(50000), fundingRate: decimal.NewFromFloat(0.0003)}
	h := newHarness(t, v)

	cfg := carryConfig("binance")
	cfg.AutoRebalance = true
	created, err := h.exec.CreateStrategy(cfg)
	if err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}
	if res, _ := h.exec.Execute(context.Background(), created.ID); !res.Success {
		t.Fatalf("open failed: %s", res.Message)
	}

	// Funding collapses from 32.85% to 10.95% APR; divergence 21.9
	// clears the default threshold of 5.
	v.fundingRate = decimal.NewFromFloat(0.0001)
	h.exec.refreshStrategy(context.Background(), created.ID)

	var fired bool
	for _, a := range h.alerts.ActiveAlerts() {
		if a.Level == monitor.AlertLevelP2 && a.Name == "rebalance_divergence" {
			fired = true
		}
	}
	if !fired {
		t.Fatal("expected a P2 rebalance_divergence alert")
	}
}

func TestCloseStrategyDropsAccrualState(t *testing.T) {
	v := &tradeVenue{
		name:        "binance",
		mid:         decimal.NewFromInt(50000),
		fundingRate: decimal.NewFromFloat(0.0003),
		nextFunding: time.Now().Add(-time.Minute),
	}
	h := newHarness(t, v)
	created := openCarry(t, h)

	h.exec.refreshStrategy(context.Background(), created.ID)
	posID := h.exec.GetPositions(created.ID)[0].ID

	h.exec.marksMu.RLock()
	_, tracked := h.exec.accruals[posID]
	h.exec.marksMu.RUnlock()
	if !tracked {
		t.Fatal("monitor refresh must register the accrual timestamp")
	}

	if res, err := h.exec.CloseStrategy(context.Background(), created.ID); err != nil || !res.Success {
		t.Fatalf("close: success=%v err=%v", res.Success, err)
	}

	h.exec.marksMu.RLock()
	_, tracked = h.exec.accruals[posID]
	h.exec.marksMu.RUnlock()
	if tracked {
		t.Error("closed legs must not keep accrual state")
	}
}
