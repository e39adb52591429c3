package monitor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/crypto-trading/funding/internal/domain"
	"github.com/crypto-trading/funding/internal/eventbus"
)

// Recorder drains bus events into prometheus series so producers never
// touch metrics directly.
type Recorder struct {
	metrics *Metrics
	bus     *eventbus.EventBus
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewRecorder(metrics *Metrics, bus *eventbus.EventBus, logger *slog.Logger) *Recorder {
	return &Recorder{metrics: metrics, bus: bus, logger: logger}
}

// Start subscribes to the bus topics and consumes until the channels
// close (bus.Close) or ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) {
	rates := r.bus.SubscribeFundingRate()
	opps := r.bus.SubscribeOpportunity()
	results := r.bus.SubscribeExecutionResult()
	signals := r.bus.SubscribeRebalanceSignal()
	actions := r.bus.SubscribeBasisAction()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case fr, ok := <-rates:
				if !ok {
					return
				}
				r.metrics.FundingRateAnnualized.
					WithLabelValues(fr.Venue, fr.Symbol).
					Set(fr.AnnualizedRate.InexactFloat64())
			case opp, ok := <-opps:
				if !ok {
					return
				}
				r.metrics.OpportunitiesFound.WithLabelValues("funding_arb").Inc()
				r.metrics.FundingSpread.
					WithLabelValues(opp.Symbol).
					Set(opp.EstimatedAPR.InexactFloat64())
			case res, ok := <-results:
				if !ok {
					return
				}
				outcome := "success"
				if !res.Success {
					outcome = "failure"
				}
				r.metrics.ExecutionsTotal.
					WithLabelValues(string(res.Action), outcome).
					Inc()
			case sig, ok := <-signals:
				if !ok {
					return
				}
				r.metrics.OpportunitiesFound.WithLabelValues("rebalance").Inc()
				r.logger.Debug("rebalance signal observed",
					"strategy_id", sig.StrategyID, "divergence", sig.Divergence)
			case act, ok := <-actions:
				if !ok {
					return
				}
				r.metrics.DeltaExposure.
					WithLabelValues(act.PositionID.String(), act.Symbol).
					Set(act.DeltaExposure.InexactFloat64())
			}
		}
	}()
}

func (r *Recorder) Wait() {
	r.wg.Wait()
}

// RecordStrategyPnL is called by the monitor loop owner, not the bus.
func (r *Recorder) RecordStrategyPnL(perf domain.StrategyPerformance, symbol string) {
	r.metrics.StrategyPnLUSDT.
		WithLabelValues(perf.StrategyID.String(), symbol).
		Set(perf.TotalPnL.InexactFloat64())
}
