package aggregator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crypto-trading/funding/internal/domain"
	"github.com/crypto-trading/funding/internal/eventbus"
	"github.com/crypto-trading/funding/internal/registry"
)

const (
	defaultCacheTTL = 30 * time.Second
	hyperliquidName = "hyperliquid"
)

// haircut applied to gross funding yield to cover fees and slippage.
var defaultHaircut = decimal.NewFromFloat(0.90)

// Service fans funding rates in from the registry, groups them by
// canonical symbol and answers opportunity queries from a short-lived
// cache so repeated queries inside one TTL window see one consistent
// snapshot.
type Service struct {
	registry *registry.Registry
	bus      *eventbus.EventBus
	logger   *slog.Logger

	ttl     time.Duration
	haircut decimal.Decimal

	mu         sync.Mutex
	rates      map[string]domain.AggregatedFundingRate
	ratesAt    time.Time
	arbCache   map[string]cachedArbs
	yieldCache map[string]cachedYields
	history    map[string]*rateRing
}

type cachedArbs struct {
	at   time.Time
	opps []domain.FundingArbitrage
}

type cachedYields struct {
	at   time.Time
	opps []domain.YieldOpportunity
}

func New(reg *registry.Registry, bus *eventbus.EventBus, logger *slog.Logger) *Service {
	return &Service{
		registry:   reg,
		bus:        bus,
		logger:     logger,
		ttl:        defaultCacheTTL,
		haircut:    defaultHaircut,
		arbCache:   make(map[string]cachedArbs),
		yieldCache: make(map[string]cachedYields),
		history:    make(map[string]*rateRing),
	}
}

func (s *Service) SetCacheTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.ttl = d
	}
}

// AggregatedRates returns the cross-venue view keyed by canonical
// symbol, recomputing only when the cached snapshot has expired.
func (s *Service) AggregatedRates(ctx context.Context) map[string]domain.AggregatedFundingRate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregatedLocked(ctx)
}

func (s *Service) aggregatedLocked(ctx context.Context) map[string]domain.AggregatedFundingRate {
	if s.rates != nil && time.Since(s.ratesAt) < s.ttl {
		return s.rates
	}

	start := time.Now()
	raw := s.registry.AllFundingRates(ctx)

	grouped := make(map[string][]domain.FundingRate)
	for _, fr := range raw {
		canonical := NormalizeSymbol(fr.Symbol)
		grouped[canonical] = append(grouped[canonical], fr)
	}

	rates := make(map[string]domain.AggregatedFundingRate, len(grouped))
	now := time.Now()
	for symbol, venueRates := range grouped {
		rates[symbol] = aggregate(symbol, venueRates, now)
	}

	s.rates = rates
	s.ratesAt = now
	s.arbCache = make(map[string]cachedArbs)
	s.yieldCache = make(map[string]cachedYields)
	s.recordHistoryLocked(rates)
	s.logger.Debug("funding snapshot recomputed",
		"symbols", len(rates), "raw_rates", len(raw), "elapsed", time.Since(start))
	return rates
}

func aggregate(symbol string, venueRates []domain.FundingRate, now time.Time) domain.AggregatedFundingRate {
	agg := domain.AggregatedFundingRate{
		Symbol:     symbol,
		Rates:      make(map[string]decimal.Decimal, len(venueRates)),
		VenueCount: len(venueRates),
		ComputedAt: now,
	}

	sumRate := decimal.Zero
	sumAnnualized := decimal.Zero
	for i, fr := range venueRates {
		agg.Rates[fr.Venue] = fr.Rate
		sumRate = sumRate.Add(fr.Rate)
		sumAnnualized = sumAnnualized.Add(fr.AnnualizedRate)

		if i == 0 || fr.Rate.GreaterThan(agg.MaxRate.Rate) {
			agg.MaxRate = domain.VenueRate{Venue: fr.Venue, Rate: fr.Rate}
			agg.MaxAnnualized = fr.AnnualizedRate
		}
		if i == 0 || fr.Rate.LessThan(agg.MinRate.Rate) {
			agg.MinRate = domain.VenueRate{Venue: fr.Venue, Rate: fr.Rate}
			agg.MinAnnualized = fr.AnnualizedRate
		}
	}

	count := decimal.NewFromInt(int64(len(venueRates)))
	agg.MeanRate = sumRate.Div(count)
	agg.MeanAnnualized = sumAnnualized.Div(count)
	agg.Spread = agg.MaxRate.Rate.Sub(agg.MinRate.Rate)
	agg.SpreadAnnualized = agg.MaxAnnualized.Sub(agg.MinAnnualized)
	return agg
}

// FindArbitrage lists symbols where going long the cheapest-funding
// venue and short the richest clears minSpreadAPR, sorted by estimated
// APR descending.
func (s *Service) FindArbitrage(ctx context.Context, minSpreadAPR decimal.Decimal) []domain.FundingArbitrage {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := minSpreadAPR.String()
	if cached, ok := s.arbCache[key]; ok && time.Since(cached.at) < s.ttl {
		return cached.opps
	}

	rates := s.aggregatedLocked(ctx)
	now := time.Now()

	var opps []domain.FundingArbitrage
	for _, agg := range rates {
		if agg.VenueCount < 2 || agg.SpreadAnnualized.LessThan(minSpreadAPR) {
			continue
		}

		opp := domain.FundingArbitrage{
			Symbol:       agg.Symbol,
			LongVenue:    agg.MinRate.Venue,
			LongRate:     agg.MinRate.Rate,
			ShortVenue:   agg.MaxRate.Venue,
			ShortRate:    agg.MaxRate.Rate,
			EstimatedAPR: agg.SpreadAnnualized,
			RiskScore:    riskScore(agg.SpreadAnnualized, agg.VenueCount, agg.MinRate.Venue, agg.MaxRate.Venue),
			VenueCount:   agg.VenueCount,
			DetectedAt:   now,
		}
		opps = append(opps, opp)
		if s.bus != nil {
			s.bus.PublishOpportunity(opp)
		}
	}

	sort.Slice(opps, func(i, j int) bool {
		return opps[i].EstimatedAPR.GreaterThan(opps[j].EstimatedAPR)
	})
	s.arbCache[key] = cachedArbs{at: now, opps: opps}
	return opps
}

// riskScore grades an opportunity 0-100, lower is better. Very wide
// spreads tend to mean-revert before the next funding exchange, more
// venues quoting the symbol means better liquidity, and a hyperliquid
// leg cannot be hedged through this system's order path.
func riskScore(spreadAPR decimal.Decimal, venueCount int, longVenue, shortVenue string) int {
	score := 40
	switch {
	case spreadAPR.GreaterThan(decimal.NewFromInt(50)):
		score += 20
	case spreadAPR.GreaterThan(decimal.NewFromInt(20)):
		score += 10
	}
	score -= (venueCount - 2) * 5
	if longVenue == hyperliquidName {
		score += 25
	}
	if shortVenue == hyperliquidName {
		score += 25
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// FindYield lists single-venue cash-and-carry candidates: short the
// perp where funding is paid to shorts, or long it where funding is
// paid to longs. APRs are net of the fee/slippage haircut.
func (s *Service) FindYield(ctx context.Context, minAPR decimal.Decimal) []domain.YieldOpportunity {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := minAPR.String()
	if cached, ok := s.yieldCache[key]; ok && time.Since(cached.at) < s.ttl {
		return cached.opps
	}

	rates := s.aggregatedLocked(ctx)
	now := time.Now()

	var opps []domain.YieldOpportunity
	for _, agg := range rates {
		// The short side qualifies on the symbol's mean: one venue
		// printing rich funding while the rest sit near zero is noise,
		// not carry.
		if agg.MaxRate.Rate.IsPositive() {
			net := agg.MaxAnnualized.Mul(s.haircut)
			if agg.MeanAnnualized.GreaterThanOrEqual(minAPR) {
				opps = append(opps, domain.YieldOpportunity{
					Type:         domain.YieldCashAndCarry,
					Venue:        agg.MaxRate.Venue,
					Symbol:       agg.Symbol,
					Direction:    domain.SideShort,
					FundingRate:  agg.MaxRate.Rate,
					EstimatedAPR: net,
					Risk:         yieldRisk(net, agg.MaxRate.Venue),
					DetectedAt:   now,
				})
			}
		}
		if agg.MinRate.Rate.IsNegative() {
			net := agg.MinAnnualized.Abs().Mul(s.haircut)
			if net.GreaterThanOrEqual(minAPR) {
				opps = append(opps, domain.YieldOpportunity{
					Type:         domain.YieldCashAndCarry,
					Venue:        agg.MinRate.Venue,
					Symbol:       agg.Symbol,
					Direction:    domain.SideLong,
					FundingRate:  agg.MinRate.Rate,
					EstimatedAPR: net,
					Risk:         yieldRisk(net, agg.MinRate.Venue),
					DetectedAt:   now,
				})
			}
		}
	}

	sort.Slice(opps, func(i, j int) bool {
		return opps[i].EstimatedAPR.GreaterThan(opps[j].EstimatedAPR)
	})
	s.yieldCache[key] = cachedYields{at: now, opps: opps}
	return opps
}

func yieldRisk(netAPR decimal.Decimal, venueName string) domain.RiskLevel {
	if venueName == hyperliquidName || netAPR.GreaterThan(decimal.NewFromInt(50)) {
		return domain.RiskHigh
	}
	if netAPR.GreaterThan(decimal.NewFromInt(20)) {
		return domain.RiskMedium
	}
	return domain.RiskLow
}

// FundingStats is a one-glance summary of the current snapshot.
type FundingStats struct {
	SymbolCount    int
	MeanAnnualized decimal.Decimal
	MaxAnnualized  decimal.Decimal
	MaxSymbol      string
	MinAnnualized  decimal.Decimal
	MinSymbol      string
	ComputedAt     time.Time
}

func (s *Service) FundingStats(ctx context.Context) FundingStats {
	rates := s.AggregatedRates(ctx)

	stats := FundingStats{SymbolCount: len(rates), ComputedAt: time.Now()}
	if len(rates) == 0 {
		return stats
	}

	sum := decimal.Zero
	first := true
	for symbol, agg := range rates {
		sum = sum.Add(agg.MeanAnnualized)
		if first || agg.MaxAnnualized.GreaterThan(stats.MaxAnnualized) {
			stats.MaxAnnualized = agg.MaxAnnualized
			stats.MaxSymbol = symbol
		}
		if first || agg.MinAnnualized.LessThan(stats.MinAnnualized) {
			stats.MinAnnualized = agg.MinAnnualized
			stats.MinSymbol = symbol
		}
		first = false
	}
	stats.MeanAnnualized = sum.Div(decimal.NewFromInt(int64(len(rates))))
	return stats
}

// TopRates returns the highest mean-annualized symbols, capped at limit.
func (s *Service) TopRates(ctx context.Context, limit int) []domain.AggregatedFundingRate {
	rates := s.AggregatedRates(ctx)

	list := make([]domain.AggregatedFundingRate, 0, len(rates))
	for _, agg := range rates {
		list = append(list, agg)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].MeanAnnualized.GreaterThan(list[j].MeanAnnualized)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

// ExtremeRates returns symbols whose annualized funding on any venue
// exceeds the threshold in either direction.
func (s *Service) ExtremeRates(ctx context.Context, threshold decimal.Decimal) []domain.AggregatedFundingRate {
	rates := s.AggregatedRates(ctx)

	var list []domain.AggregatedFundingRate
	for _, agg := range rates {
		if agg.MaxAnnualized.GreaterThanOrEqual(threshold) || agg.MinAnnualized.LessThanOrEqual(threshold.Neg()) {
			list = append(list, agg)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].MaxAnnualized.Abs().GreaterThan(list[j].MaxAnnualized.Abs())
	})
	return list
}
