package executor

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestHalt(t *testing.T, path string) *TradingHalt {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTradingHalt(path, logger)
}

func TestHaltBlocksExecution(t *testing.T) {
	v := &tradeVenue{name: "binance", mid: decimal.NewFromInt(50000), fundingRate: decimal.NewFromFloat(0.0003)}
	h := newHarness(t, v)

	halt := newTestHalt(t, filepath.Join(t.TempDir(), "halt.json"))
	h.exec.SetHalt(halt)
	halt.Engage("operator requested")

	created, err := h.exec.CreateStrategy(carryConfig("binance"))
	if err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}
	res, err := h.exec.Execute(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("execution must fail while the halt is engaged")
	}
	if !strings.Contains(res.Message, "trading halted") {
		t.Errorf("message = %q, want trading halted", res.Message)
	}
	if len(v.orders()) != 0 {
		t.Errorf("no orders may be placed while halted, got %d", len(v.orders()))
	}

	halt.Release()
	if res, err := h.exec.Execute(context.Background(), created.ID); err != nil || !res.Success {
		t.Fatalf("execution after release: success=%v err=%v", res.Success, err)
	}
}

func TestHaltStateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halt.json")

	first := newTestHalt(t, path)
	first.Engage("unhedged SHORT leg on okx (BTCUSDT)")

	second := newTestHalt(t, path)
	if !second.IsEngaged() {
		t.Fatal("halt state must survive a restart")
	}
	if got := second.Reason(); !strings.Contains(got, "unhedged") {
		t.Errorf("reason = %q, want the original cause", got)
	}

	second.Release()
	third := newTestHalt(t, path)
	if third.IsEngaged() {
		t.Error("released halt must stay released across restarts")
	}
}

func TestFailedUnwindEngagesHalt(t *testing.T) {
	// okx fills its entry and then rejects the unwind; binance rejects
	// everything, so the okx leg is left unhedged.
	stuck := &stuckAfterFirstVenue{
		tradeVenue: tradeVenue{name: "okx", mid: decimal.NewFromInt(50000), fundingRate: decimal.NewFromFloat(-0.0001)},
	}
	bad := &tradeVenue{name: "binance", mid: decimal.NewFromInt(50000), fundingRate: decimal.NewFromFloat(0.0003), failOrders: true, failReduceOnly: true}
	h := newHarnessWithAdapters(t, stuck, bad)

	halt := newTestHalt(t, filepath.Join(t.TempDir(), "halt.json"))
	h.exec.SetHalt(halt)

	created, err := h.exec.CreateStrategy(arbConfig("binance", "okx"))
	if err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}
	if res, _ := h.exec.Execute(context.Background(), created.ID); res.Success {
		t.Fatal("execution with a failed unwind must not succeed")
	}
	if !halt.IsEngaged() {
		t.Fatal("an unhedged leg must engage the trading halt")
	}
	if got := halt.Reason(); !strings.Contains(got, "unhedged") {
		t.Errorf("reason = %q, want an unhedged-leg cause", got)
	}
}
