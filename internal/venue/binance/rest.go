package binance

import (
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

func (c *restClient) public(ctx context.Context, path string, params url.Values) ([]byte, error) {
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

// signed appends timestamp and recvWindow, signs the encoded query with
// HMAC-SHA256 and sends the key in X-MBX-APIKEY.
func (c *restClient) signed(ctx context.Context, method, path string, params url.Values, category venue.EndpointCategory) ([]byte, error) {
	if err := c.rateLimiter.Acquire(ctx, category, 1); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")

	query := params.Encode()
	signature := c.creds.SignHex(query)
	endpoint := fmt.Sprintf("%s%s?%s&signature=%s", c.baseURL, path, query, signature)

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.creds.Key)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(req)
}

func (c *restClient) do(req *http.Request) ([]byte, error) {
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
	return body, nil
}

type premiumIndexResp struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

func (r premiumIndexResp) toDomain() domain.FundingRate {
	fr := domain.FundingRate{
		Venue:           Name,
		Symbol:          r.Symbol,
		IntervalHours:   fundingInterval,
		NextFundingTime: nextFunding(r.NextFundingTime),
		Timestamp:       time.UnixMilli(r.Time),
	}
	fr.Rate, _ = domain.ParseDecimal(r.LastFundingRate)
	fr.MarkPrice, _ = domain.ParseDecimal(r.MarkPrice)
	fr.IndexPrice, _ = domain.ParseDecimal(r.IndexPrice)
	fr.AnnualizedRate = domain.Annualize(fr.Rate, fundingInterval)
	return fr
}

func (c *restClient) premiumIndex(ctx context.Context, symbol string) (*domain.FundingRate, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := c.public(ctx, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return nil, err
	}

	var resp premiumIndexResp
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse premium index: %w", err)
	}
	fr := resp.toDomain()
	return &fr, nil
}

func (c *restClient) allPremiumIndexes(ctx context.Context) ([]domain.FundingRate, error) {
	data, err := c.public(ctx, "/fapi/v1/premiumIndex", nil)
	if err != nil {
		return nil, err
	}

	var resp []premiumIndexResp
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse premium indexes: %w", err)
	}

	rates := make([]domain.FundingRate, 0, len(resp))
	for _, r := range resp {
		rates = append(rates, r.toDomain())
	}
	return rates, nil
}

func (c *restClient) exchangeInfo(ctx context.Context) ([]domain.PerpetualMarket, error) {
	data, err := c.public(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Symbols []struct {
			Symbol       string `json:"symbol"`
			ContractType string `json:"contractType"`
			Status       string `json:"status"`
			BaseAsset    string `json:"baseAsset"`
			QuoteAsset   string `json:"quoteAsset"`
			Filters      []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse exchange info: %w", err)
	}

	markets := make([]domain.PerpetualMarket, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		if s.ContractType != "PERPETUAL" {
			continue
		}
		m := domain.PerpetualMarket{
			Venue:         Name,
			Symbol:        s.Symbol,
			BaseAsset:     s.BaseAsset,
			QuoteAsset:    s.QuoteAsset,
			MaxLeverage:   125,
			IntervalHours: fundingInterval,
			Active:        s.Status == "TRADING",
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				m.TickSize, _ = domain.ParseDecimal(f.TickSize)
			case "LOT_SIZE":
				m.LotSize, _ = domain.ParseDecimal(f.StepSize)
			}
		}
		markets = append(markets, m)
	}
	return markets, nil
}

func (c *restClient) depth(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(depth))

	data, err := c.public(ctx, "/fapi/v1/depth", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse depth: %w", err)
	}

	book := &domain.OrderBook{
		Venue:     Name,
		Symbol:    symbol,
		Timestamp: time.Now(),
	}
	book.Bids = parseLevels(resp.Bids)
	book.Asks = parseLevels(resp.Asks)
	return book, nil
}

func parseLevels(raw [][2]string) []domain.PriceLevel {
	levels := make([]domain.PriceLevel, 0, len(raw))
	for _, l := range raw {
		var lvl domain.PriceLevel
		lvl.Price, _ = domain.ParseDecimal(l[0])
		lvl.Size, _ = domain.ParseDecimal(l[1])
		levels = append(levels, lvl)
	}
	return levels
}

func (c *restClient) positionRisk(ctx context.Context) ([]domain.Position, error) {
	data, err := c.signed(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, venue.EndpointAccount)
	if err != nil {
		return nil, err
	}

	var resp []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnrealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
		LiquidationPrice string `json:"liquidationPrice"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse positions: %w", err)
	}

	positions := make([]domain.Position, 0, len(resp))
	for _, p := range resp {
		size, _ := domain.ParseDecimal(p.PositionAmt)
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
		if size.IsNegative() {
			pos.Side = domain.SideShort
			pos.Size = size.Abs()
		}
		pos.EntryPrice, _ = domain.ParseDecimal(p.EntryPrice)
		pos.MarkPrice, _ = domain.ParseDecimal(p.MarkPrice)
		pos.UnrealizedPnL, _ = domain.ParseDecimal(p.UnrealizedProfit)
		pos.LiquidationPrice, _ = domain.ParseDecimal(p.LiquidationPrice)
		pos.Leverage, _ = strconv.Atoi(p.Leverage)
		positions = append(positions, pos)
	}
	return positions, nil
}

func (c *restClient) balances(ctx context.Context) ([]domain.Balance, error) {
	data, err := c.signed(ctx, http.MethodGet, "/fapi/v2/balance", nil, venue.EndpointAccount)
	if err != nil {
		return nil, err
	}

	var resp []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse balances: %w", err)
	}

	balances := make([]domain.Balance, 0, len(resp))
	for _, b := range resp {
		bal := domain.Balance{Venue: Name, Asset: b.Asset}
		bal.Total, _ = domain.ParseDecimal(b.Balance)
		bal.Free, _ = domain.ParseDecimal(b.AvailableBalance)
		bal.Locked = bal.Total.Sub(bal.Free)
		balances = append(balances, bal)
	}
	return balances, nil
}

func (c *restClient) placeOrder(ctx context.Context, spec domain.OrderSpec) (*domain.Order, error) {
	params := url.Values{}
	params.Set("symbol", spec.Symbol)
	params.Set("side", string(spec.Side))
	params.Set("type", string(spec.Type))
	params.Set("quantity", spec.Quantity.String())
	if spec.Type == domain.OrderTypeLimit {
		params.Set("price", spec.Price.String())
		params.Set("timeInForce", "GTC")
	}
	if spec.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	data, err := c.signed(ctx, http.MethodPost, "/fapi/v1/order", params, venue.EndpointOrderPlace)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse order response: %w", err)
	}

	ord := &domain.Order{
		Venue:        Name,
		VenueOrderID: strconv.FormatInt(resp.OrderID, 10),
		Symbol:       spec.Symbol,
		Side:         spec.Side,
		Type:         spec.Type,
		Status:       mapOrderStatus(resp.Status),
		Quantity:     spec.Quantity,
		ReduceOnly:   spec.ReduceOnly,
		CreatedAt:    time.Now(),
	}
	ord.FilledQty, _ = domain.ParseDecimal(resp.ExecutedQty)
	ord.AvgFillPrice, _ = domain.ParseDecimal(resp.AvgPrice)
	return ord, nil
}

func (c *restClient) cancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	_, err := c.signed(ctx, http.MethodDelete, "/fapi/v1/order", params, venue.EndpointOrderCancel)
	return err
}

func mapOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELED", "EXPIRED":
		return domain.OrderStatusCancelled
	case "REJECTED":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusNew
	}
}
