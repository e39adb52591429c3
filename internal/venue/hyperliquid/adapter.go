package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crypto-trading/funding/internal/domain"
	"github.com/crypto-trading/funding/internal/venue"
)

const (
	Name            = "hyperliquid"
	defaultBaseURL  = "https://api.hyperliquid.xyz"
	fundingInterval = 1
)

// Adapter covers Hyperliquid's public info API. Everything goes through
// POST /info with a typed JSON body. Order placement needs wallet-level
// EIP-712 signing rather than API keys, so write operations report
// ErrUnsupported.
type Adapter struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *venue.RateLimiter
	logger      *slog.Logger

	warnOnce sync.Once
}

func New(baseURL string, logger *slog.Logger) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	rl := venue.NewRateLimiter()
	rl.AddBucket(venue.EndpointPublicData, 20, 10)

	return &Adapter{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		rateLimiter: rl,
		logger:      logger,
	}
}

func (a *Adapter) Name() string              { return Name }
func (a *Adapter) HasCredentials() bool      { return false }
func (a *Adapter) FundingIntervalHours() int { return fundingInterval }

func (a *Adapter) info(ctx context.Context, body map[string]any, out any) error {
	if err := a.rateLimiter.Acquire(ctx, venue.EndpointPublicData, 1); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal info request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/info", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse info response: %w", err)
	}
	return nil
}

type assetMeta struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
	IsDelisted  bool   `json:"isDelisted"`
}

type assetCtx struct {
	Funding      string `json:"funding"`
	MarkPx       string `json:"markPx"`
	OraclePx     string `json:"oraclePx"`
	OpenInterest string `json:"openInterest"`
}

// metaAndCtxs returns the universe metadata paired index-by-index with
// live asset contexts.
func (a *Adapter) metaAndCtxs(ctx context.Context) ([]assetMeta, []assetCtx, error) {
	var resp []json.RawMessage
	if err := a.info(ctx, map[string]any{"type": "metaAndAssetCtxs"}, &resp); err != nil {
		return nil, nil, err
	}
	if len(resp) < 2 {
		return nil, nil, fmt.Errorf("unexpected metaAndAssetCtxs shape")
	}

	var meta struct {
		Universe []assetMeta `json:"universe"`
	}
	if err := json.Unmarshal(resp[0], &meta); err != nil {
		return nil, nil, fmt.Errorf("parse universe: %w", err)
	}
	var ctxs []assetCtx
	if err := json.Unmarshal(resp[1], &ctxs); err != nil {
		return nil, nil, fmt.Errorf("parse asset contexts: %w", err)
	}
	return meta.Universe, ctxs, nil
}

func toFundingRate(m assetMeta, c assetCtx, now time.Time) domain.FundingRate {
	fr := domain.FundingRate{
		Venue:           Name,
		Symbol:          m.Name,
		IntervalHours:   fundingInterval,
		NextFundingTime: now.Truncate(time.Hour).Add(time.Hour),
		Timestamp:       now,
	}
	fr.Rate, _ = domain.ParseDecimal(c.Funding)
	fr.MarkPrice, _ = domain.ParseDecimal(c.MarkPx)
	fr.IndexPrice, _ = domain.ParseDecimal(c.OraclePx)
	fr.AnnualizedRate = domain.Annualize(fr.Rate, fundingInterval)
	return fr
}

// Coin converts a symbol like BTCUSDT to Hyperliquid's bare coin name.
func Coin(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote)
		}
	}
	return symbol
}

func (a *Adapter) GetFundingRate(ctx context.Context, symbol string) (*domain.FundingRate, error) {
	coin := Coin(symbol)
	universe, ctxs, err := a.metaAndCtxs(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for i, m := range universe {
		if i >= len(ctxs) || m.Name != coin {
			continue
		}
		fr := toFundingRate(m, ctxs[i], now)
		return &fr, nil
	}
	return nil, fmt.Errorf("no funding rate for %s", coin)
}

func (a *Adapter) GetAllFundingRates(ctx context.Context) ([]domain.FundingRate, error) {
	universe, ctxs, err := a.metaAndCtxs(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rates := make([]domain.FundingRate, 0, len(universe))
	for i, m := range universe {
		if i >= len(ctxs) || m.IsDelisted {
			continue
		}
		rates = append(rates, toFundingRate(m, ctxs[i], now))
	}
	return rates, nil
}

func (a *Adapter) GetMarkets(ctx context.Context) ([]domain.PerpetualMarket, error) {
	universe, _, err := a.metaAndCtxs(ctx)
	if err != nil {
		return nil, err
	}

	markets := make([]domain.PerpetualMarket, 0, len(universe))
	for _, m := range universe {
		lot := decimal.New(1, int32(-m.SzDecimals))
		markets = append(markets, domain.PerpetualMarket{
			Venue:         Name,
			Symbol:        m.Name,
			BaseAsset:     m.Name,
			QuoteAsset:    "USDC",
			LotSize:       lot,
			MaxLeverage:   m.MaxLeverage,
			IntervalHours: fundingInterval,
			Active:        !m.IsDelisted,
		})
	}
	return markets, nil
}

func (a *Adapter) GetOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	coin := Coin(symbol)

	var resp struct {
		Levels [][]struct {
			Px string `json:"px"`
			Sz string `json:"sz"`
		} `json:"levels"`
		Time int64 `json:"time"`
	}
	if err := a.info(ctx, map[string]any{"type": "l2Book", "coin": coin}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Levels) < 2 {
		return nil, fmt.Errorf("unexpected l2Book shape for %s", coin)
	}

	book := &domain.OrderBook{
		Venue:     Name,
		Symbol:    coin,
		Timestamp: time.UnixMilli(resp.Time),
	}
	for i, side := range resp.Levels {
		levels := make([]domain.PriceLevel, 0, len(side))
		for _, l := range side {
			var lvl domain.PriceLevel
			lvl.Price, _ = domain.ParseDecimal(l.Px)
			lvl.Size, _ = domain.ParseDecimal(l.Sz)
			levels = append(levels, lvl)
		}
		if i == 0 {
			book.Bids = levels
		} else {
			book.Asks = levels
		}
		if depth > 0 && len(levels) > depth {
			levels = levels[:depth]
			if i == 0 {
				book.Bids = levels
			} else {
				book.Asks = levels
			}
		}
	}
	return book, nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]domain.Position, error) {
	return nil, nil
}

func (a *Adapter) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	return nil, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, spec domain.OrderSpec) (*domain.Order, error) {
	a.warnOnce.Do(func() {
		a.logger.Warn("hyperliquid order placement needs wallet signing and is not wired", "venue", Name)
	})
	return nil, venue.ErrUnsupported
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return venue.ErrUnsupported
}
