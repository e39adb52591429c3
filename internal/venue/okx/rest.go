package okx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/crypto-trading/funding/internal/domain"
	"github.com/crypto-trading/funding/internal/venue"
)

// timestampFormat is the ISO8601 form OKX expects in the signature
// prehash and the OK-ACCESS-TIMESTAMP header.
const timestampFormat = "2006-01-02T15:04:05.000Z"

// fundingFanout bounds the per-instrument funding-rate requests fired
// when scanning the whole SWAP universe.
const fundingFanout = 10

type restClient struct {
	baseURL     string
	creds       venue.Credentials
	httpClient  *http.Client
	rateLimiter *venue.RateLimiter
	logger      *slog.Logger
}

func newRESTClient(baseURL string, creds venue.Credentials, rl *venue.RateLimiter, logger *slog.Logger) *restClient {
	return &restClient{
		baseURL: baseURL,
		creds:   creds,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		rateLimiter: rl,
		logger:      logger,
	}
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *restClient) public(ctx context.Context, requestPath string) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet, requestPath, nil, false, venue.EndpointPublicData)
}

// request signs authenticated calls with base64 HMAC-SHA256 over
// timestamp + method + requestPath + body. requestPath must include
// the query string; OKX includes it in the prehash.
func (c *restClient) request(ctx context.Context, method, requestPath string, body any, signed bool, category venue.EndpointCategory) (json.RawMessage, error) {
	if err := c.rateLimiter.Acquire(ctx, category, 1); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := time.Now().UTC().Format(timestampFormat)
		prehash := timestamp + method + requestPath + string(bodyBytes)
		req.Header.Set("OK-ACCESS-KEY", c.creds.Key)
		req.Header.Set("OK-ACCESS-SIGN", c.creds.SignBase64(prehash))
		req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.creds.Passphrase)
		if c.creds.Sandbox {
			req.Header.Set("x-simulated-trading", "1")
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Code != "0" {
		return nil, fmt.Errorf("okx error %s: %s", env.Code, env.Msg)
	}
	return env.Data, nil
}

type fundingRateItem struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	FundingTime     string `json:"fundingTime"`
}

func (r fundingRateItem) toDomain() domain.FundingRate {
	fr := domain.FundingRate{
		Venue:         Name,
		Symbol:        r.InstID,
		IntervalHours: fundingInterval,
		Timestamp:     time.Now(),
	}
	fr.Rate, _ = domain.ParseDecimal(r.FundingRate)
	fr.AnnualizedRate = domain.Annualize(fr.Rate, fundingInterval)
	if ms, err := strconv.ParseInt(r.NextFundingTime, 10, 64); err == nil && ms > 0 {
		fr.NextFundingTime = time.UnixMilli(ms)
	}
	return fr
}

func (c *restClient) fundingRate(ctx context.Context, instID string) (*domain.FundingRate, error) {
	data, err := c.public(ctx, "/api/v5/public/funding-rate?instId="+instID)
	if err != nil {
		return nil, err
	}

	var items []fundingRateItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse funding rate: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no funding rate for %s", instID)
	}
	fr := items[0].toDomain()
	return &fr, nil
}

// allFundingRates has no bulk endpoint on OKX, so it walks the active
// USDT-margined SWAP universe with a bounded fan-out.
func (c *restClient) allFundingRates(ctx context.Context) ([]domain.FundingRate, error) {
	markets, err := c.instruments(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		rates []domain.FundingRate
		sem   = make(chan struct{}, fundingFanout)
	)
	for _, m := range markets {
		if !m.Active || m.QuoteAsset != "USDT" {
			continue
		}
		wg.Add(1)
		go func(instID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			fr, err := c.fundingRate(ctx, instID)
			if err != nil {
				c.logger.Warn("funding rate fetch failed", "venue", Name, "instId", instID, "error", err)
				return
			}
			mu.Lock()
			rates = append(rates, *fr)
			mu.Unlock()
		}(m.Symbol)
	}
	wg.Wait()
	return rates, nil
}

func (c *restClient) instruments(ctx context.Context) ([]domain.PerpetualMarket, error) {
	data, err := c.public(ctx, "/api/v5/public/instruments?instType=SWAP")
	if err != nil {
		return nil, err
	}

	var items []struct {
		InstID     string `json:"instId"`
		CtValCcy   string `json:"ctValCcy"`
		SettleCcy  string `json:"settleCcy"`
		TickSz     string `json:"tickSz"`
		LotSz      string `json:"lotSz"`
		Lever      string `json:"lever"`
		State      string `json:"state"`
		CtType     string `json:"ctType"`
		InstFamily string `json:"instFamily"`
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse instruments: %w", err)
	}

	markets := make([]domain.PerpetualMarket, 0, len(items))
	for _, it := range items {
		m := domain.PerpetualMarket{
			Venue:         Name,
			Symbol:        it.InstID,
			BaseAsset:     it.CtValCcy,
			QuoteAsset:    it.SettleCcy,
			IntervalHours: fundingInterval,
			Active:        it.State == "live",
		}
		if m.BaseAsset == "" {
			if parts := strings.SplitN(it.InstFamily, "-", 2); len(parts) == 2 {
				m.BaseAsset = parts[0]
			}
		}
		m.TickSize, _ = domain.ParseDecimal(it.TickSz)
		m.LotSize, _ = domain.ParseDecimal(it.LotSz)
		m.MaxLeverage, _ = strconv.Atoi(it.Lever)
		markets = append(markets, m)
	}
	return markets, nil
}

func (c *restClient) books(ctx context.Context, instID string, depth int) (*domain.OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	data, err := c.public(ctx, fmt.Sprintf("/api/v5/market/books?instId=%s&sz=%d", instID, depth))
	if err != nil {
		return nil, err
	}

	var items []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
		Ts   string     `json:"ts"`
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse books: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("empty book for %s", instID)
	}

	book := &domain.OrderBook{
		Venue:     Name,
		Symbol:    instID,
		Bids:      parseLevels(items[0].Bids),
		Asks:      parseLevels(items[0].Asks),
		Timestamp: time.Now(),
	}
	if ms, err := strconv.ParseInt(items[0].Ts, 10, 64); err == nil {
		book.Timestamp = time.UnixMilli(ms)
	}
	return book, nil
}

// OKX book levels are [price, size, liquidatedOrders, orderCount].
func parseLevels(raw [][]string) []domain.PriceLevel {
	levels := make([]domain.PriceLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		var lvl domain.PriceLevel
		lvl.Price, _ = domain.ParseDecimal(l[0])
		lvl.Size, _ = domain.ParseDecimal(l[1])
		levels = append(levels, lvl)
	}
	return levels
}

func (c *restClient) positions(ctx context.Context) ([]domain.Position, error) {
	data, err := c.request(ctx, http.MethodGet, "/api/v5/account/positions?instType=SWAP", nil, true, venue.EndpointAccount)
	if err != nil {
		return nil, err
	}

	var items []struct {
		InstID   string `json:"instId"`
		PosSide  string `json:"posSide"`
		Pos      string `json:"pos"`
		AvgPx    string `json:"avgPx"`
		MarkPx   string `json:"markPx"`
		Upl      string `json:"upl"`
		Lever    string `json:"lever"`
		LiqPx    string `json:"liqPx"`
		UTime    string `json:"uTime"`
		MgnMode  string `json:"mgnMode"`
		PosCcy   string `json:"posCcy"`
		InstType string `json:"instType"`
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse positions: %w", err)
	}

	positions := make([]domain.Position, 0, len(items))
	for _, p := range items {
		size, _ := domain.ParseDecimal(p.Pos)
		if size.IsZero() {
			continue
		}

		pos := domain.Position{
			Venue:     Name,
			Symbol:    p.InstID,
			Side:      domain.SideLong,
			Size:      size,
			UpdatedAt: time.Now(),
		}
		// Net mode reports shorts as negative pos; long/short mode uses posSide.
		if size.IsNegative() || p.PosSide == "short" {
			pos.Side = domain.SideShort
			pos.Size = size.Abs()
		}
		pos.EntryPrice, _ = domain.ParseDecimal(p.AvgPx)
		pos.MarkPrice, _ = domain.ParseDecimal(p.MarkPx)
		pos.UnrealizedPnL, _ = domain.ParseDecimal(p.Upl)
		pos.LiquidationPrice, _ = domain.ParseDecimal(p.LiqPx)
		pos.Leverage, _ = strconv.Atoi(p.Lever)
		if ms, err := strconv.ParseInt(p.UTime, 10, 64); err == nil {
			pos.UpdatedAt = time.UnixMilli(ms)
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (c *restClient) balances(ctx context.Context) ([]domain.Balance, error) {
	data, err := c.request(ctx, http.MethodGet, "/api/v5/account/balance", nil, true, venue.EndpointAccount)
	if err != nil {
		return nil, err
	}

	var items []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			CashBal  string `json:"cashBal"`
			AvailBal string `json:"availBal"`
			FrozenBal string `json:"frozenBal"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}

	var balances []domain.Balance
	for _, acct := range items {
		for _, d := range acct.Details {
			bal := domain.Balance{Venue: Name, Asset: d.Ccy}
			bal.Total, _ = domain.ParseDecimal(d.CashBal)
			bal.Free, _ = domain.ParseDecimal(d.AvailBal)
			bal.Locked, _ = domain.ParseDecimal(d.FrozenBal)
			balances = append(balances, bal)
		}
	}
	return balances, nil
}

func (c *restClient) placeOrder(ctx context.Context, spec domain.OrderSpec) (*domain.Order, error) {
	body := map[string]any{
		"instId":  InstID(spec.Symbol),
		"tdMode":  "cross",
		"side":    strings.ToLower(string(spec.Side)),
		"ordType": strings.ToLower(string(spec.Type)),
		"sz":      spec.Quantity.String(),
	}
	if spec.Type == domain.OrderTypeLimit {
		body["px"] = spec.Price.String()
	}
	if spec.ReduceOnly {
		body["reduceOnly"] = true
	}

	data, err := c.request(ctx, http.MethodPost, "/api/v5/trade/order", body, true, venue.EndpointOrderPlace)
	if err != nil {
		return nil, err
	}

	var items []struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse order response: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("empty order response")
	}
	if items[0].SCode != "0" {
		return nil, fmt.Errorf("okx order rejected %s: %s", items[0].SCode, items[0].SMsg)
	}

	// Acceptance does not report fills; the caller confirms via positions.
	return &domain.Order{
		Venue:        Name,
		VenueOrderID: items[0].OrdID,
		Symbol:       spec.Symbol,
		Side:         spec.Side,
		Type:         spec.Type,
		Status:       domain.OrderStatusNew,
		Quantity:     spec.Quantity,
		ReduceOnly:   spec.ReduceOnly,
		CreatedAt:    time.Now(),
	}, nil
}

func (c *restClient) cancelOrder(ctx context.Context, instID, orderID string) error {
	body := map[string]any{
		"instId": instID,
		"ordId":  orderID,
	}
	_, err := c.request(ctx, http.MethodPost, "/api/v5/trade/cancel-order", body, true, venue.EndpointOrderCancel)
	return err
}
