package executor

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/crypto-trading/funding/internal/aggregator"
	"github.com/crypto-trading/funding/internal/domain"
	"github.com/crypto-trading/funding/internal/registry"
)

// hardLeverageCeiling is not configurable upward.
const hardLeverageCeiling = 10

var defaultMaxCapital = decimal.NewFromInt(1_000_000)

// RiskGate runs before any capital-committing action. All checks must
// pass; a failed gate produces an ExecutionResult with the concatenated
// reasons and no orders.
type RiskGate struct {
	registry   *registry.Registry
	aggregator *aggregator.Service
	maxCapital decimal.Decimal
	logger     *slog.Logger
}

func NewRiskGate(reg *registry.Registry, agg *aggregator.Service, logger *slog.Logger) *RiskGate {
	return &RiskGate{
		registry:   reg,
		aggregator: agg,
		maxCapital: defaultMaxCapital,
		logger:     logger,
	}
}

func (g *RiskGate) SetMaxCapital(limit decimal.Decimal) {
	if limit.IsPositive() {
		g.maxCapital = limit
	}
}

func (g *RiskGate) Check(ctx context.Context, cfg domain.StrategyConfig) domain.RiskCheck {
	check := domain.RiskCheck{Passed: true}

	add := func(name string, passed bool, observed, threshold string) {
		check.Checks = append(check.Checks, domain.RiskCheckItem{
			Name: name, Passed: passed, Observed: observed, Threshold: threshold,
		})
		if !passed {
			check.Passed = false
		}
	}

	add("capital_limit",
		cfg.MaxCapital.LessThanOrEqual(g.maxCapital),
		cfg.MaxCapital.String(), "<= "+g.maxCapital.String())

	add("leverage_ceiling",
		cfg.Leverage >= 1 && cfg.Leverage <= hardLeverageCeiling,
		decimal.NewFromInt(int64(cfg.Leverage)).String(),
		"1 <= leverage <= 10")

	for _, venueName := range cfg.Venues {
		add("venue_live:"+venueName,
			g.registry.TestConnection(ctx, venueName),
			"connection test", "non-empty market list")
	}

	// The trade must still make at least half its target at current
	// funding, otherwise entry costs eat the carry.
	minAPR := cfg.TargetAPR.Div(decimal.NewFromInt(2))
	currentAPR := g.currentAPR(ctx, cfg)
	add("funding_vs_target",
		currentAPR.GreaterThanOrEqual(minAPR),
		currentAPR.String()+"% APR", ">= "+minAPR.String()+"% APR")

	if !check.Passed {
		g.logger.Warn("risk gate rejected strategy",
			"strategy_id", cfg.ID, "reasons", check.FailureReasons())
	}
	return check
}

// currentAPR is what the strategy would earn at current funding. A
// cash-and-carry only collects on its own venue, so the cross-venue
// aggregate is irrelevant there.
func (g *RiskGate) currentAPR(ctx context.Context, cfg domain.StrategyConfig) decimal.Decimal {
	if cfg.Type == domain.StrategyFundingArb {
		agg, ok := g.aggregator.AggregatedRates(ctx)[aggregator.NormalizeSymbol(cfg.Symbol)]
		if !ok {
			return decimal.Zero
		}
		return agg.SpreadAnnualized
	}

	adapter, ok := g.registry.Get(cfg.Venues[0])
	if !ok {
		return decimal.Zero
	}
	fr, err := adapter.GetFundingRate(ctx, cfg.Symbol)
	if err != nil || fr == nil {
		return decimal.Zero
	}
	return fr.AnnualizedRate
}
