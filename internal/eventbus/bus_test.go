package eventbus

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crypto-trading/funding/internal/domain"
)

func newTestBus(t *testing.T, buffer int) *EventBus {
	t.Helper()
	return New(buffer, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := newTestBus(t, 4)
	sub1 := bus.SubscribeFundingRate()
	sub2 := bus.SubscribeFundingRate()

	rate := domain.FundingRate{Venue: "binance", Symbol: "BTCUSDT", Rate: decimal.NewFromFloat(0.0001)}
	bus.PublishFundingRate(rate)

	for i, sub := range []<-chan domain.FundingRate{sub1, sub2} {
		select {
		case got := <-sub:
			if got.Venue != "binance" || !got.Rate.Equal(rate.Rate) {
				t.Errorf("subscriber %d got %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive event", i)
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := newTestBus(t, 1)
	_ = bus.SubscribeMarkPrice()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.PublishMarkPrice(domain.MarkPrice{Venue: "binance", Symbol: "BTCUSDT"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}

func TestCloseClosesSubscriberChannels(t *testing.T) {
	bus := newTestBus(t, 1)
	sub := bus.SubscribeExecutionResult()
	bus.Close()

	if _, ok := <-sub; ok {
		t.Fatal("expected subscriber channel to be closed")
	}
}
