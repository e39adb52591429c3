package aggregator

import (
	"context"
	"sync/atomic"

	"github.com/crypto-trading/funding/internal/domain"
)

const historyCapacity = 256

// rateRing is a fixed-capacity, lock-free history of aggregated
// snapshots for one symbol. Writers only ever run under the service
// mutex; readers take a consistent-enough view without it.
type rateRing struct {
	samples []atomic.Pointer[domain.AggregatedFundingRate]
	head    atomic.Uint64
	cap     uint64
}

func newRateRing(capacity int) *rateRing {
	return &rateRing{
		samples: make([]atomic.Pointer[domain.AggregatedFundingRate], capacity),
		cap:     uint64(capacity),
	}
}

func (rb *rateRing) push(agg *domain.AggregatedFundingRate) {
	idx := rb.head.Add(1) - 1
	rb.samples[idx%rb.cap].Store(agg)
}

func (rb *rateRing) recent(n int) []domain.AggregatedFundingRate {
	head := rb.head.Load()
	if head == 0 {
		return nil
	}

	count := uint64(n)
	if count > rb.cap {
		count = rb.cap
	}
	if count > head {
		count = head
	}

	result := make([]domain.AggregatedFundingRate, 0, count)
	start := head - count
	for i := start; i < head; i++ {
		if s := rb.samples[i%rb.cap].Load(); s != nil {
			result = append(result, *s)
		}
	}
	return result
}

func (rb *rateRing) len() int {
	head := rb.head.Load()
	if head > rb.cap {
		return int(rb.cap)
	}
	return int(head)
}

// RateHistory returns up to n past snapshots for the symbol, oldest
// first. One sample is recorded per snapshot recompute, so at the
// default TTL the ring covers roughly the last two hours.
func (s *Service) RateHistory(ctx context.Context, symbol string, n int) []domain.AggregatedFundingRate {
	s.mu.Lock()
	s.aggregatedLocked(ctx)
	ring, ok := s.history[NormalizeSymbol(symbol)]
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return ring.recent(n)
}

func (s *Service) recordHistoryLocked(rates map[string]domain.AggregatedFundingRate) {
	for symbol := range rates {
		ring, ok := s.history[symbol]
		if !ok {
			ring = newRateRing(historyCapacity)
			s.history[symbol] = ring
		}
		agg := rates[symbol]
		ring.push(&agg)
	}
}
