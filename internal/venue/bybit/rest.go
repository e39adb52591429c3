package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/crypto-trading/funding/internal/domain"
	"github.com/crypto-trading/funding/internal/venue"
)

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
				MaxIdleConns:       10,
				IdleConnTimeout:    90 * time.Second,
				DisableCompression: true,
			},
		},
		rateLimiter: rl,
		logger:      logger,
	}
}

// envelope is the v5 response wrapper; retCode 0 means success.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *restClient) public(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if err := c.rateLimiter.Acquire(ctx, venue.EndpointPublicData, 1); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.do(req)
}

func (c *restClient) signedGet(ctx context.Context, path string, params url.Values, category venue.EndpointCategory) (json.RawMessage, error) {
	if err := c.rateLimiter.Acquire(ctx, category, 1); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	query := ""
	if params != nil {
		query = params.Encode()
	}
	endpoint := c.baseURL + path
	if query != "" {
		endpoint += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.signHeaders(req, query)
	return c.do(req)
}

func (c *restClient) signedPost(ctx context.Context, path string, body interface{}, category venue.EndpointCategory) (json.RawMessage, error) {
	if err := c.rateLimiter.Acquire(ctx, category, 1); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.signHeaders(req, string(data))
	return c.do(req)
}

// signHeaders implements the v5 scheme: sign(timestamp + key +
// recvWindow + payload) where payload is the query string for GET and
// the JSON body for POST.
func (c *restClient) signHeaders(req *http.Request, payload string) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	recvWindow := "5000"
	signature := c.creds.SignHex(timestamp + c.creds.Key + recvWindow + payload)

	req.Header.Set("X-BAPI-API-KEY", c.creds.Key)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", signature)
}

func (c *restClient) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.RetCode != 0 {
		return nil, fmt.Errorf("bybit retCode %d: %s", env.RetCode, env.RetMsg)
	}
	return env.Result, nil
}

type tickerItem struct {
	Symbol          string `json:"symbol"`
	FundingRate     string `json:"fundingRate"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	NextFundingTime string `json:"nextFundingTime"`
}

func (t tickerItem) toDomain() domain.FundingRate {
	fr := domain.FundingRate{
		Venue:         Name,
		Symbol:        t.Symbol,
		IntervalHours: fundingInterval,
		Timestamp:     time.Now(),
	}
	fr.Rate, _ = domain.ParseDecimal(t.FundingRate)
	fr.MarkPrice, _ = domain.ParseDecimal(t.MarkPrice)
	fr.IndexPrice, _ = domain.ParseDecimal(t.IndexPrice)
	if ms, err := strconv.ParseInt(t.NextFundingTime, 10, 64); err == nil && ms > 0 {
		fr.NextFundingTime = time.UnixMilli(ms)
	}
	fr.AnnualizedRate = domain.Annualize(fr.Rate, fundingInterval)
	return fr
}

func (c *restClient) ticker(ctx context.Context, symbol string) (*domain.FundingRate, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)

	result, err := c.public(ctx, "/v5/market/tickers", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		List []tickerItem `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse tickers: %w", err)
	}
	if len(resp.List) == 0 {
		return nil, fmt.Errorf("no ticker for %s", symbol)
	}
	fr := resp.List[0].toDomain()
	return &fr, nil
}

func (c *restClient) allTickers(ctx context.Context) ([]domain.FundingRate, error) {
	params := url.Values{}
	params.Set("category", "linear")

	result, err := c.public(ctx, "/v5/market/tickers", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		List []tickerItem `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse tickers: %w", err)
	}

	rates := make([]domain.FundingRate, 0, len(resp.List))
	for _, t := range resp.List {
		if t.FundingRate == "" {
			continue
		}
		rates = append(rates, t.toDomain())
	}
	return rates, nil
}

func (c *restClient) instruments(ctx context.Context) ([]domain.PerpetualMarket, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("limit", "1000")

	result, err := c.public(ctx, "/v5/market/instruments-info", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		List []struct {
			Symbol         string `json:"symbol"`
			ContractType   string `json:"contractType"`
			Status         string `json:"status"`
			BaseCoin       string `json:"baseCoin"`
			QuoteCoin      string `json:"quoteCoin"`
			FundingInterval int   `json:"fundingInterval"` // minutes
			PriceFilter    struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep string `json:"qtyStep"`
			} `json:"lotSizeFilter"`
			LeverageFilter struct {
				MaxLeverage string `json:"maxLeverage"`
			} `json:"leverageFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse instruments: %w", err)
	}

	markets := make([]domain.PerpetualMarket, 0, len(resp.List))
	for _, i := range resp.List {
		if i.ContractType != "LinearPerpetual" {
			continue
		}
		m := domain.PerpetualMarket{
			Venue:         Name,
			Symbol:        i.Symbol,
			BaseAsset:     i.BaseCoin,
			QuoteAsset:    i.QuoteCoin,
			IntervalHours: fundingInterval,
			Active:        i.Status == "Trading",
		}
		if i.FundingInterval > 0 {
			m.IntervalHours = i.FundingInterval / 60
		}
		m.TickSize, _ = domain.ParseDecimal(i.PriceFilter.TickSize)
		m.LotSize, _ = domain.ParseDecimal(i.LotSizeFilter.QtyStep)
		if lev, err := domain.ParseDecimal(i.LeverageFilter.MaxLeverage); err == nil {
			m.MaxLeverage = int(lev.IntPart())
		}
		markets = append(markets, m)
	}
	return markets, nil
}

func (c *restClient) orderbook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	if depth <= 0 {
		depth = 25
	}
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(depth))

	result, err := c.public(ctx, "/v5/market/orderbook", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Bids [][2]string `json:"b"`
		Asks [][2]string `json:"a"`
		Ts   int64       `json:"ts"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse orderbook: %w", err)
	}

	book := &domain.OrderBook{
		Venue:     Name,
		Symbol:    symbol,
		Timestamp: time.UnixMilli(resp.Ts),
	}
	for _, l := range resp.Bids {
		var lvl domain.PriceLevel
		lvl.Price, _ = domain.ParseDecimal(l[0])
		lvl.Size, _ = domain.ParseDecimal(l[1])
		book.Bids = append(book.Bids, lvl)
	}
	for _, l := range resp.Asks {
		var lvl domain.PriceLevel
		lvl.Price, _ = domain.ParseDecimal(l[0])
		lvl.Size, _ = domain.ParseDecimal(l[1])
		book.Asks = append(book.Asks, lvl)
	}
	return book, nil
}

func (c *restClient) positions(ctx context.Context) ([]domain.Position, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("settleCoin", "USDT")

	result, err := c.signedGet(ctx, "/v5/position/list", params, venue.EndpointAccount)
	if err != nil {
		return nil, err
	}

	var resp struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			Leverage      string `json:"leverage"`
			LiqPrice      string `json:"liqPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse positions: %w", err)
	}

	positions := make([]domain.Position, 0, len(resp.List))
	for _, p := range resp.List {
		size, _ := domain.ParseDecimal(p.Size)
		if size.IsZero() {
			continue
		}

		pos := domain.Position{
			Venue:     Name,
			Symbol:    p.Symbol,
			Side:      domain.SideLong,
			Size:      size,
			UpdatedAt: time.Now(),
		}
		if p.Side == "Sell" {
			pos.Side = domain.SideShort
		}
		pos.EntryPrice, _ = domain.ParseDecimal(p.AvgPrice)
		pos.MarkPrice, _ = domain.ParseDecimal(p.MarkPrice)
		pos.UnrealizedPnL, _ = domain.ParseDecimal(p.UnrealisedPnl)
		pos.LiquidationPrice, _ = domain.ParseDecimal(p.LiqPrice)
		if lev, err := domain.ParseDecimal(p.Leverage); err == nil {
			pos.Leverage = int(lev.IntPart())
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (c *restClient) balances(ctx context.Context) ([]domain.Balance, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")

	result, err := c.signedGet(ctx, "/v5/account/wallet-balance", params, venue.EndpointAccount)
	if err != nil {
		return nil, err
	}

	var resp struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Locked        string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse balances: %w", err)
	}

	var balances []domain.Balance
	for _, acct := range resp.List {
		for _, coin := range acct.Coin {
			bal := domain.Balance{Venue: Name, Asset: coin.Coin}
			bal.Total, _ = domain.ParseDecimal(coin.WalletBalance)
			bal.Locked, _ = domain.ParseDecimal(coin.Locked)
			bal.Free = bal.Total.Sub(bal.Locked)
			balances = append(balances, bal)
		}
	}
	return balances, nil
}

func (c *restClient) placeOrder(ctx context.Context, spec domain.OrderSpec) (*domain.Order, error) {
	side := "Buy"
	if spec.Side == domain.OrderSideSell {
		side = "Sell"
	}
	orderType := "Market"
	if spec.Type == domain.OrderTypeLimit {
		orderType = "Limit"
	}

	body := map[string]interface{}{
		"category":  "linear",
		"symbol":    spec.Symbol,
		"side":      side,
		"orderType": orderType,
		"qty":       spec.Quantity.String(),
	}
	if spec.Type == domain.OrderTypeLimit {
		body["price"] = spec.Price.String()
	}
	if spec.ReduceOnly {
		body["reduceOnly"] = true
	}

	result, err := c.signedPost(ctx, "/v5/order/create", body, venue.EndpointOrderPlace)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse order response: %w", err)
	}

	return &domain.Order{
		Venue:        Name,
		VenueOrderID: resp.OrderID,
		Symbol:       spec.Symbol,
		Side:         spec.Side,
		Type:         spec.Type,
		Status:       domain.OrderStatusNew,
		Quantity:     spec.Quantity,
		ReduceOnly:   spec.ReduceOnly,
		CreatedAt:    time.Now(),
	}, nil
}

func (c *restClient) cancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}
	_, err := c.signedPost(ctx, "/v5/order/cancel", body, venue.EndpointOrderCancel)
	return err
}
