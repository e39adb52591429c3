package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/crypto-trading/funding/internal/domain"
)

func TestRateHistoryAccumulatesSnapshots(t *testing.T) {
	v := &stubVenue{name: "binance", rates: []domain.FundingRate{rate("binance", "BTCUSDT", 0.0001)}}
	svc := newTestService(t, v)
	svc.SetCacheTTL(time.Nanosecond)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		svc.AggregatedRates(ctx)
		time.Sleep(time.Millisecond)
	}

	hist := svc.RateHistory(ctx, "BTCUSDT", 10)
	if len(hist) < 3 {
		t.Fatalf("history length = %d, want at least 3", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].ComputedAt.Before(hist[i-1].ComputedAt) {
			t.Fatal("history must be ordered oldest first")
		}
	}
	if hist[0].Symbol != "BTCUSDT" {
		t.Errorf("symbol = %s, want BTCUSDT", hist[0].Symbol)
	}
}

func TestRateHistoryCapsAtRequestedCount(t *testing.T) {
	v := &stubVenue{name: "binance", rates: []domain.FundingRate{rate("binance", "ETHUSDT", 0.0002)}}
	svc := newTestService(t, v)
	svc.SetCacheTTL(time.Nanosecond)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		svc.AggregatedRates(ctx)
		time.Sleep(time.Millisecond)
	}

	hist := svc.RateHistory(ctx, "ETHUSDT", 2)
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
}

func TestRateHistoryUnknownSymbol(t *testing.T) {
	v := &stubVenue{name: "binance", rates: []domain.FundingRate{rate("binance", "BTCUSDT", 0.0001)}}
	svc := newTestService(t, v)

	if hist := svc.RateHistory(context.Background(), "DOGEUSDT", 5); hist != nil {
		t.Errorf("unknown symbol must have no history, got %d samples", len(hist))
	}
}
