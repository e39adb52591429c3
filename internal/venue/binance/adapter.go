package binance

import (
	"context"
	"log/slog"
	"time"

	"github.com/crypto-trading/funding/internal/domain"
	"github.com/crypto-trading/funding/internal/venue"
)

const (
	Name            = "binance"
	defaultBaseURL  = "https://fapi.binance.com"
	testnetBaseURL  = "https://testnet.binancefuture.com"
	fundingInterval = 8
)

// Adapter speaks the Binance USD-M futures REST dialect: HMAC-SHA256
// hex signature over the canonical query string, key in X-MBX-APIKEY.
type Adapter struct {
	rest   *restClient
	creds  venue.Credentials
	logger *slog.Logger
}

func New(baseURL string, creds venue.Credentials, logger *slog.Logger) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
		if creds.Sandbox {
			baseURL = testnetBaseURL
		}
	}

	rl := venue.NewRateLimiter()
	rl.AddBucket(venue.EndpointPublicData, 40, 20)
	rl.AddBucket(venue.EndpointPrivateData, 20, 10)
	rl.AddBucket(venue.EndpointOrderPlace, 15, 7)
	rl.AddBucket(venue.EndpointOrderCancel, 25, 12)
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

func (a *Adapter) GetFundingRate(ctx context.Context, symbol string) (*domain.FundingRate, error) {
	return a.rest.premiumIndex(ctx, symbol)
}

func (a *Adapter) GetAllFundingRates(ctx context.Context) ([]domain.FundingRate, error) {
	return a.rest.allPremiumIndexes(ctx)
}

func (a *Adapter) GetMarkets(ctx context.Context) ([]domain.PerpetualMarket, error) {
	return a.rest.exchangeInfo(ctx)
}

func (a *Adapter) GetOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	return a.rest.depth(ctx, symbol, depth)
}

func (a *Adapter) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if a.creds.Empty() {
		return nil, nil
	}
	return a.rest.positionRisk(ctx)
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
	return a.rest.cancelOrder(ctx, symbol, orderID)
}

func nextFunding(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
