package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crypto-trading/funding/internal/domain"
)

const defaultStreamURL = "wss://fstream.binance.com/ws/!markPrice@arr@1s"

// MarkPriceStream consumes the combined mark-price stream and forwards
// updates to a single subscriber channel. The executor's monitor uses
// it as a fresher price source than order-book polling.
type MarkPriceStream struct {
	url    string
	conn   *websocket.Conn
	mu     sync.Mutex
	logger *slog.Logger

	reconnectBase time.Duration
	reconnectMax  time.Duration
	maxFailures   int

	out chan domain.MarkPrice
}

func NewMarkPriceStream(url string, logger *slog.Logger) *MarkPriceStream {
	if url == "" {
		url = defaultStreamURL
	}
	return &MarkPriceStream{
		url:           url,
		logger:        logger,
		reconnectBase: 100 * time.Millisecond,
		reconnectMax:  30 * time.Second,
		maxFailures:   5,
		out:           make(chan domain.MarkPrice, 1024),
	}
}

func (s *MarkPriceStream) Updates() <-chan domain.MarkPrice { return s.out }

func (s *MarkPriceStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("websocket connect to %s: %w", s.url, err)
	}

	s.conn = conn
	s.logger.Info("mark price stream connected", "url", s.url)
	return nil
}

func (s *MarkPriceStream) reconnect(ctx context.Context) error {
	delay := s.reconnectBase
	for i := 0; i < s.maxFailures; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if err := s.Connect(ctx); err != nil {
			s.logger.Warn("mark price reconnect failed", "attempt", i+1, "error", err)
			delay *= 2
			if delay > s.reconnectMax {
				delay = s.reconnectMax
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to reconnect after %d attempts", s.maxFailures)
}

func (s *MarkPriceStream) ReadPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			s.logger.Error("mark price stream read error", "error", err)
			if reconnErr := s.reconnect(ctx); reconnErr != nil {
				s.logger.Error("mark price reconnection failed permanently", "error", reconnErr)
				return
			}
			continue
		}

		s.handleMessage(message)
	}
}

func (s *MarkPriceStream) handleMessage(msg []byte) {
	var events []struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		MarkPrice string `json:"p"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(msg, &events); err != nil {
		s.logger.Warn("failed to parse mark price message", "error", err)
		return
	}

	for _, e := range events {
		if e.EventType != "markPriceUpdate" {
			continue
		}

		price, err := domain.ParseDecimal(e.MarkPrice)
		if err != nil {
			continue
		}

		update := domain.MarkPrice{
			Venue:     Name,
			Symbol:    e.Symbol,
			Price:     price,
			Timestamp: time.UnixMilli(e.EventTime),
		}

		select {
		case s.out <- update:
		default:
		}
	}
}

func (s *MarkPriceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
