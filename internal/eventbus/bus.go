package eventbus

import (
	"log/slog"
	"sync"

	"github.com/crypto-trading/funding/internal/domain"
)

// EventBus decouples producers (registry refresh, websocket streams,
// executor, basis engine) from consumers (metrics recorder, persistence
// recorder). Publish never blocks: a full subscriber channel drops the
// event with a warning.
type EventBus struct {
	mu sync.RWMutex

	fundingRateSubs []chan domain.FundingRate
	markPriceSubs   []chan domain.MarkPrice
	opportunitySubs []chan domain.FundingArbitrage
	execResultSubs  []chan domain.ExecutionResult
	rebalanceSubs   []chan domain.RebalanceSignal
	basisActionSubs []chan domain.RebalanceAction

	bufferSize int
	logger     *slog.Logger
}

func New(bufferSize int, logger *slog.Logger) *EventBus {
	return &EventBus{
		bufferSize: bufferSize,
		logger:     logger,
	}
}

func (eb *EventBus) SubscribeFundingRate() <-chan domain.FundingRate {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	ch := make(chan domain.FundingRate, eb.bufferSize)
	eb.fundingRateSubs = append(eb.fundingRateSubs, ch)
	return ch
}

func (eb *EventBus) PublishFundingRate(rate domain.FundingRate) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, ch := range eb.fundingRateSubs {
		select {
		case ch <- rate:
		default:
			eb.logger.Warn("funding rate subscriber channel full, dropping event",
				"venue", rate.Venue, "symbol", rate.Symbol)
		}
	}
}

func (eb *EventBus) SubscribeMarkPrice() <-chan domain.MarkPrice {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	ch := make(chan domain.MarkPrice, eb.bufferSize)
	eb.markPriceSubs = append(eb.markPriceSubs, ch)
	return ch
}

func (eb *EventBus) PublishMarkPrice(mp domain.MarkPrice) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, ch := range eb.markPriceSubs {
		select {
		case ch <- mp:
		default:
			eb.logger.Warn("mark price subscriber channel full, dropping event",
				"venue", mp.Venue, "symbol", mp.Symbol)
		}
	}
}

func (eb *EventBus) SubscribeOpportunity() <-chan domain.FundingArbitrage {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	ch := make(chan domain.FundingArbitrage, eb.bufferSize)
	eb.opportunitySubs = append(eb.opportunitySubs, ch)
	return ch
}

func (eb *EventBus) PublishOpportunity(opp domain.FundingArbitrage) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, ch := range eb.opportunitySubs {
		select {
		case ch <- opp:
		default:
			eb.logger.Warn("opportunity subscriber channel full, dropping event",
				"symbol", opp.Symbol)
		}
	}
}

func (eb *EventBus) SubscribeExecutionResult() <-chan domain.ExecutionResult {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	ch := make(chan domain.ExecutionResult, eb.bufferSize)
	eb.execResultSubs = append(eb.execResultSubs, ch)
	return ch
}

func (eb *EventBus) PublishExecutionResult(res domain.ExecutionResult) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, ch := range eb.execResultSubs {
		select {
		case ch <- res:
		default:
			eb.logger.Warn("execution result subscriber channel full, dropping event",
				"strategy_id", res.StrategyID, "action", res.Action)
		}
	}
}

func (eb *EventBus) SubscribeRebalanceSignal() <-chan domain.RebalanceSignal {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	ch := make(chan domain.RebalanceSignal, eb.bufferSize)
	eb.rebalanceSubs = append(eb.rebalanceSubs, ch)
	return ch
}

func (eb *EventBus) PublishRebalanceSignal(sig domain.RebalanceSignal) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, ch := range eb.rebalanceSubs {
		select {
		case ch <- sig:
		default:
			eb.logger.Warn("rebalance signal subscriber channel full, dropping event",
				"strategy_id", sig.StrategyID, "symbol", sig.Symbol)
		}
	}
}

func (eb *EventBus) SubscribeBasisAction() <-chan domain.RebalanceAction {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	ch := make(chan domain.RebalanceAction, eb.bufferSize)
	eb.basisActionSubs = append(eb.basisActionSubs, ch)
	return ch
}

func (eb *EventBus) PublishBasisAction(act domain.RebalanceAction) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, ch := range eb.basisActionSubs {
		select {
		case ch <- act:
		default:
			eb.logger.Warn("basis action subscriber channel full, dropping event",
				"position_id", act.PositionID, "symbol", act.Symbol)
		}
	}
}

func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for _, ch := range eb.fundingRateSubs {
		close(ch)
	}
	for _, ch := range eb.markPriceSubs {
		close(ch)
	}
	for _, ch := range eb.opportunitySubs {
		close(ch)
	}
	for _, ch := range eb.execResultSubs {
		close(ch)
	}
	for _, ch := range eb.rebalanceSubs {
		close(ch)
	}
	for _, ch := range eb.basisActionSubs {
		close(ch)
	}
}
