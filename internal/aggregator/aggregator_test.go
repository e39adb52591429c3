package aggregator

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/crypto-trading/funding/internal/domain"
	"github.com/crypto-trading/funding/internal/registry"
)

type stubVenue struct {
	name  string
	rates []domain.FundingRate
	calls atomic.Int64
}

func (s *stubVenue) Name() string              { return s.name }
func (s *stubVenue) HasCredentials() bool      { return false }
func (s *stubVenue) FundingIntervalHours() int { return 8 }

func (s *stubVenue) GetAllFundingRates(ctx context.Context) ([]domain.FundingRate, error) {
	s.calls.Add(1)
	return s.rates, nil
}

func (s *stubVenue) GetFundingRate(ctx context.Context, symbol string) (*domain.FundingRate, error) {
	for _, fr := range s.rates {
		if fr.Symbol == symbol {
			return &fr, nil
		}
	}
	return nil, nil
}

func (s *stubVenue) GetMarkets(ctx context.Context) ([]domain.PerpetualMarket, error) {
	return nil, nil
}

func (s *stubVenue) GetOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	return nil, nil
}

func (s *stubVenue) GetPositions(ctx context.Context) ([]domain.Position, error) { return nil, nil }
func (s *stubVenue) GetBalances(ctx context.Context) ([]domain.Balance, error)   { return nil, nil }

func (s *stubVenue) PlaceOrder(ctx context.Context, spec domain.OrderSpec) (*domain.Order, error) {
	return nil, nil
}

func (s *stubVenue) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func rate(venueName, symbol string, r float64) domain.FundingRate {
	d := decimal.NewFromFloat(r)
	return domain.FundingRate{
		Venue:          venueName,
		Symbol:         symbol,
		Rate:           d,
		AnnualizedRate: domain.Annualize(d, 8),
		IntervalHours:  8,
	}
}

func newTestService(t *testing.T, venues ...*stubVenue) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(logger)
	for _, v := range venues {
		reg.RegisterAdapter(v)
	}
	return New(reg, nil, logger)
}

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":       "BTCUSDT",
		"BTC-USDT-SWAP": "BTCUSDT",
		"BTC_USDT":      "BTCUSDT",
		"btc/usdt":      "BTCUSDT",
		"ETHPERP":       "ETHUSDT",
		"BTC":           "BTCUSDT",
		"SOLUSDC":       "SOLUSDT",
		"BTCUSD":        "BTCUSDT",
	}
	for in, want := range cases {
		if got := NormalizeSymbol(in); got != want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
		// Applying it twice must not change the answer.
		if got := NormalizeSymbol(NormalizeSymbol(in)); got != want {
			t.Errorf("NormalizeSymbol not idempotent for %q: %q", in, got)
		}
	}
}

func TestAggregateThreeVenues(t *testing.T) {
	svc := newTestService(t,
		&stubVenue{name: "binance", rates: []domain.FundingRate{rate("binance", "BTCUSDT", 0.0001)}},
		&stubVenue{name: "bybit", rates: []domain.FundingRate{rate("bybit", "BTCUSDT", 0.00012)}},
		&stubVenue{name: "okx", rates: []domain.FundingRate{rate("okx", "BTC-USDT-SWAP", -0.00005)}},
	)

	rates := svc.AggregatedRates(context.Background())
	agg, ok := rates["BTCUSDT"]
	if !ok {
		t.Fatalf("expected BTCUSDT aggregate, got symbols %v", keys(rates))
	}

	if agg.VenueCount != 3 {
		t.Fatalf("venue count = %d, want 3", agg.VenueCount)
	}
	if want := decimal.NewFromFloat(0.00017); !agg.Spread.Equal(want) {
		t.Errorf("spread = %s, want %s", agg.Spread, want)
	}
	if want := decimal.NewFromFloat(18.615); !agg.SpreadAnnualized.Equal(want) {
		t.Errorf("annualized spread = %s, want %s", agg.SpreadAnnualized, want)
	}
	if agg.MaxRate.Venue != "bybit" || agg.MinRate.Venue != "okx" {
		t.Errorf("extremes = max %s / min %s", agg.MaxRate.Venue, agg.MinRate.Venue)
	}

	if agg.MinRate.Rate.GreaterThan(agg.MeanRate) || agg.MeanRate.GreaterThan(agg.MaxRate.Rate) {
		t.Errorf("expected min ≤ mean ≤ max, got %s / %s / %s",
			agg.MinRate.Rate, agg.MeanRate, agg.MaxRate.Rate)
	}
	if agg.Spread.IsNegative() {
		t.Errorf("spread must be non-negative, got %s", agg.Spread)
	}
}

func keys(m map[string]domain.AggregatedFundingRate) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestSnapshotCached(t *testing.T) {
	v := &stubVenue{name: "binance", rates: []domain.FundingRate{rate("binance", "BTCUSDT", 0.0001)}}
	svc := newTestService(t, v)

	ctx := context.Background()
	svc.AggregatedRates(ctx)
	svc.AggregatedRates(ctx)
	svc.FindArbitrage(ctx, decimal.Zero)

	if got := v.calls.Load(); got != 1 {
		t.Errorf("expected one registry fan-out inside the TTL window, got %d", got)
	}
}

func TestFindArbitrageNeedsTwoVenues(t *testing.T) {
	svc := newTestService(t,
		&stubVenue{name: "binance", rates: []domain.FundingRate{
			rate("binance", "BTCUSDT", 0.0001),
			rate("binance", "ETHUSDT", 0.0005),
		}},
		&stubVenue{name: "bybit", rates: []domain.FundingRate{rate("bybit", "BTCUSDT", -0.0001)}},
	)

	opps := svc.FindArbitrage(context.Background(), decimal.Zero)
	if len(opps) != 1 {
		t.Fatalf("expected 1 opportunity, got %d", len(opps))
	}
	opp := opps[0]
	if opp.Symbol != "BTCUSDT" {
		t.Errorf("single-venue ETHUSDT must not qualify; got %s", opp.Symbol)
	}
	if opp.LongVenue != "bybit" || opp.ShortVenue != "binance" {
		t.Errorf("long %s / short %s; want long bybit, short binance", opp.LongVenue, opp.ShortVenue)
	}
}

func TestFindArbitrageSortedByAPRDesc(t *testing.T) {
	svc := newTestService(t,
		&stubVenue{name: "binance", rates: []domain.FundingRate{
			rate("binance", "BTCUSDT", 0.0001),
			rate("binance", "ETHUSDT", 0.0006),
		}},
		&stubVenue{name: "bybit", rates: []domain.FundingRate{
			rate("bybit", "BTCUSDT", -0.0001),
			rate("bybit", "ETHUSDT", -0.0001),
		}},
	)

	opps := svc.FindArbitrage(context.Background(), decimal.Zero)
	for i := 1; i < len(opps); i++ {
		if opps[i].EstimatedAPR.GreaterThan(opps[i-1].EstimatedAPR) {
			t.Fatalf("opportunities not sorted desc at %d: %s > %s",
				i, opps[i].EstimatedAPR, opps[i-1].EstimatedAPR)
		}
	}
}

func TestHyperliquidLegRaisesRiskScore(t *testing.T) {
	svc := newTestService(t,
		&stubVenue{name: "binance", rates: []domain.FundingRate{rate("binance", "BTCUSDT", 0.0002)}},
		&stubVenue{name: "hyperliquid", rates: []domain.FundingRate{rate("hyperliquid", "BTC", -0.0001)}},
	)

	opps := svc.FindArbitrage(context.Background(), decimal.Zero)
	if len(opps) != 1 {
		t.Fatalf("expected 1 opportunity, got %d", len(opps))
	}
	base := riskScore(opps[0].EstimatedAPR, 2, "binance", "bybit")
	if opps[0].RiskScore != base+25 {
		t.Errorf("risk score = %d, want %d + 25 hyperliquid penalty", opps[0].RiskScore, base)
	}
}

func TestFindYieldAppliesHaircut(t *testing.T) {
	svc := newTestService(t,
		&stubVenue{name: "binance", rates: []domain.FundingRate{rate("binance", "BTCUSDT", 0.0003)}},
	)

	opps := svc.FindYield(context.Background(), decimal.Zero)
	if len(opps) != 1 {
		t.Fatalf("expected 1 opportunity, got %d", len(opps))
	}
	opp := opps[0]
	if opp.Direction != domain.SideShort || opp.Type != domain.YieldCashAndCarry {
		t.Errorf("unexpected shape %+v", opp)
	}
	// 0.0003 × 3 × 365 × 100 = 32.85 gross, 29.565 after the 10% haircut.
	if want := decimal.NewFromFloat(29.565); !opp.EstimatedAPR.Equal(want) {
		t.Errorf("net APR = %s, want %s", opp.EstimatedAPR, want)
	}
}

func TestFindYieldShortSideGatesOnMean(t *testing.T) {
	// binance prints rich funding (+32.85% annualized) but okx sits
	// negative, dragging the symbol mean down to 10.95%.
	svc := newTestService(t,
		&stubVenue{name: "binance", rates: []domain.FundingRate{rate("binance", "BTCUSDT", 0.0003)}},
		&stubVenue{name: "okx", rates: []domain.FundingRate{rate("okx", "BTC-USDT-SWAP", -0.0001)}},
	)
	ctx := context.Background()

	if opps := svc.FindYield(ctx, decimal.NewFromInt(15)); len(opps) != 0 {
		t.Fatalf("one rich venue must not qualify when the mean sits below the bar, got %d", len(opps))
	}

	opps := svc.FindYield(ctx, decimal.NewFromInt(10))
	if len(opps) != 1 {
		t.Fatalf("mean 10.95 clears a bar of 10, got %d opportunities", len(opps))
	}
	opp := opps[0]
	if opp.Venue != "binance" || opp.Direction != domain.SideShort {
		t.Errorf("unexpected shape %+v", opp)
	}
	// The estimate still reflects the best venue, net of the haircut.
	if want := decimal.NewFromFloat(29.565); !opp.EstimatedAPR.Equal(want) {
		t.Errorf("net APR = %s, want %s", opp.EstimatedAPR, want)
	}
}

func TestFindYieldLongSideOnNegativeFunding(t *testing.T) {
	svc := newTestService(t,
		&stubVenue{name: "okx", rates: []domain.FundingRate{rate("okx", "ETH-USDT-SWAP", -0.0004)}},
	)

	opps := svc.FindYield(context.Background(), decimal.NewFromInt(10))
	if len(opps) != 1 {
		t.Fatalf("expected 1 opportunity, got %d", len(opps))
	}
	if opps[0].Direction != domain.SideLong {
		t.Errorf("negative funding should yield a long-side carry, got %s", opps[0].Direction)
	}
	if !opps[0].EstimatedAPR.IsPositive() {
		t.Errorf("net APR must be positive, got %s", opps[0].EstimatedAPR)
	}
}

func TestTopRatesLimit(t *testing.T) {
	svc := newTestService(t,
		&stubVenue{name: "binance", rates: []domain.FundingRate{
			rate("binance", "BTCUSDT", 0.0001),
			rate("binance", "ETHUSDT", 0.0003),
			rate("binance", "SOLUSDT", 0.0002),
		}},
	)

	top := svc.TopRates(context.Background(), 2)
	if len(top) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(top))
	}
	if top[0].Symbol != "ETHUSDT" {
		t.Errorf("top symbol = %s, want ETHUSDT", top[0].Symbol)
	}
}

func TestExtremeRatesBothDirections(t *testing.T) {
	svc := newTestService(t,
		&stubVenue{name: "binance", rates: []domain.FundingRate{
			rate("binance", "BTCUSDT", 0.0005),  // +54.75% annualized
			rate("binance", "ETHUSDT", -0.0005), // −54.75%
			rate("binance", "SOLUSDT", 0.00001),
		}},
	)

	extremes := svc.ExtremeRates(context.Background(), decimal.NewFromInt(50))
	if len(extremes) != 2 {
		t.Fatalf("expected 2 extreme symbols, got %d", len(extremes))
	}
	for _, e := range extremes {
		if e.Symbol == "SOLUSDT" {
			t.Error("SOLUSDT should not be extreme")
		}
	}
}
