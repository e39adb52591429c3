package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crypto-trading/funding/internal/aggregator"
	"github.com/crypto-trading/funding/internal/domain"
	"github.com/crypto-trading/funding/internal/monitor"
	"github.com/crypto-trading/funding/internal/registry"
)

const defaultReconcileInterval = 5 * time.Minute

// Reconciler periodically compares the positions this process believes
// it holds against what the venues actually report. Drift means a fill
// happened outside our books (manual intervention, partial liquidation,
// a lost unwind) and gets escalated rather than silently adopted.
type Reconciler struct {
	registry  *registry.Registry
	repo      Repository
	alerts    *monitor.AlertManager
	interval  time.Duration
	threshold decimal.Decimal
	logger    *slog.Logger
}

func NewReconciler(reg *registry.Registry, repo Repository, alerts *monitor.AlertManager, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		registry:  reg,
		repo:      repo,
		alerts:    alerts,
		interval:  defaultReconcileInterval,
		threshold: decimal.NewFromInt(1), // percent
		logger:    logger,
	}
}

func (r *Reconciler) SetInterval(d time.Duration) {
	if d > 0 {
		r.interval = d
	}
}

func (r *Reconciler) SetThresholdPct(pct decimal.Decimal) {
	if pct.IsPositive() {
		r.threshold = pct
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce fetches venue positions through the registry fan-out and
// checks every open strategy leg against them.
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	venuePositions := r.registry.AllPositions(ctx)

	actual := make(map[string]domain.Position, len(venuePositions))
	for _, p := range venuePositions {
		actual[positionKey(p.Venue, p.Symbol)] = p
	}

	checked := 0
	for _, cfg := range r.repo.ListStrategies() {
		for _, leg := range r.repo.PositionsByStrategy(cfg.ID) {
			checked++
			r.reconcileLeg(leg, actual)
		}
	}
	r.logger.Debug("reconciliation completed",
		"legs_checked", checked, "venue_positions", len(venuePositions))
}

func (r *Reconciler) reconcileLeg(leg domain.StrategyPosition, actual map[string]domain.Position) {
	venuePos, ok := actual[positionKey(leg.Venue, leg.Symbol)]
	if !ok {
		// Credential-less venues report nothing; only treat absence
		// as drift when the venue could have answered.
		if !r.registry.HasCredentials(leg.Venue) {
			return
		}
		r.escalate(leg, decimal.Zero,
			fmt.Sprintf("venue %s reports no %s position but strategy %s holds %s %s",
				leg.Venue, leg.Symbol, leg.StrategyID, leg.Side, leg.Size))
		return
	}

	if leg.Size.IsZero() {
		return
	}
	diff := venuePos.Size.Abs().Sub(leg.Size).Abs()
	pct := diff.Div(leg.Size).Mul(decimal.NewFromInt(100))
	if pct.GreaterThan(r.threshold) {
		r.escalate(leg, venuePos.Size,
			fmt.Sprintf("size drift on %s %s: internal %s vs venue %s (%s%%)",
				leg.Venue, leg.Symbol, leg.Size, venuePos.Size, pct.Round(2)))
	}
}

func (r *Reconciler) escalate(leg domain.StrategyPosition, venueSize decimal.Decimal, msg string) {
	r.logger.Error("position reconciliation mismatch",
		"strategy_id", leg.StrategyID,
		"venue", leg.Venue,
		"symbol", leg.Symbol,
		"internal_size", leg.Size.String(),
		"venue_size", venueSize.String(),
	)
	if r.alerts != nil {
		r.alerts.Fire(monitor.AlertLevelP2, "position_drift",
			"internal book diverges from venue-reported position", msg)
	}
}

func positionKey(venueName, symbol string) string {
	return venueName + ":" + aggregator.NormalizeSymbol(symbol)
}
