package okx

import (
	"context"
	"log/slog"
	"strings"

	"github.com/crypto-trading/funding/internal/domain"
	"github.com/crypto-trading/funding/internal/venue"
)

const (
	Name            = "okx"
	defaultBaseURL  = "https://www.okx.com"
	fundingInterval = 8
)

// Adapter speaks the OKX v5 REST dialect: base64 HMAC-SHA256 over
// timestamp + method + requestPath + body, sent in OK-ACCESS-* headers
// together with the account passphrase. Perpetuals are spelled
// BTC-USDT-SWAP.
type Adapter struct {
	rest   *restClient
	creds  venue.Credentials
	logger *slog.Logger
}

func New(baseURL string, creds venue.Credentials, logger *slog.Logger) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	rl := venue.NewRateLimiter()
	rl.AddBucket(venue.EndpointPublicData, 20, 10)
	rl.AddBucket(venue.EndpointPrivateData, 10, 5)
	rl.AddBucket(venue.EndpointOrderPlace, 10, 5)
	rl.AddBucket(venue.EndpointOrderCancel, 10, 5)
	rl.AddBucket(venue.EndpointAccount, 10, 5)

	return &Adapter{
		rest:   newRESTClient(baseURL, creds, rl, logger),
		creds:  creds,
		logger: logger,
	}
}

func (a *Adapter) Name() string              { return Name }
func (a *Adapter) HasCredentials() bool      { return !a.creds.Empty() }
func (a *Adapter) FundingIntervalHours() int { return fundingInterval }

// InstID converts a plain symbol like BTCUSDT to OKX's BTC-USDT-SWAP.
func InstID(symbol string) string {
	if strings.Contains(symbol, "-") {
		return symbol
	}
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(symbol, quote) {
			base := strings.TrimSuffix(symbol, quote)
			return base + "-" + quote + "-SWAP"
		}
	}
	return symbol + "-SWAP"
}

func (a *Adapter) GetFundingRate(ctx context.Context, symbol string) (*domain.FundingRate, error) {
	return a.rest.fundingRate(ctx, InstID(symbol))
}

func (a *Adapter) GetAllFundingRates(ctx context.Context) ([]domain.FundingRate, error) {
	return a.rest.allFundingRates(ctx)
}

func (a *Adapter) GetMarkets(ctx context.Context) ([]domain.PerpetualMarket, error) {
	return a.rest.instruments(ctx)
}

func (a *Adapter) GetOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	return a.rest.books(ctx, InstID(symbol), depth)
}

func (a *Adapter) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if a.creds.Empty() {
		return nil, nil
	}
	return a.rest.positions(ctx)
}

func (a *Adapter) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	if a.creds.Empty() {
		return nil, nil
	}
	return a.rest.balances(ctx)
}

func (a *Adapter) PlaceOrder(ctx context.Context, spec domain.OrderSpec) (*domain.Order, error) {
	if a.creds.Empty() {
		return nil, venue.ErrNotAuthenticated
	}
	return a.rest.placeOrder(ctx, spec)
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if a.creds.Empty() {
		return venue.ErrNotAuthenticated
	}
	return a.rest.cancelOrder(ctx, InstID(symbol), orderID)
}
