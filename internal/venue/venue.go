package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"github.com/crypto-trading/funding/internal/domain"
)

// ErrNotAuthenticated is returned by write operations when the adapter
// was built without credentials. Read operations degrade to empty
// results instead so unauthenticated usage stays fully functional.
var ErrNotAuthenticated = errors.New("venue: credentials not configured")

// ErrUnsupported is returned by operations a venue cannot perform at
// all, e.g. order placement on a venue that needs wallet-level signing.
var ErrUnsupported = errors.New("venue: operation not supported")

// Adapter is the canonical contract every venue implements. Transport
// and decode failures surface as errors; the registry converts them to
// absence so one venue never fails another's result.
type Adapter interface {
	Name() string

	GetFundingRate(ctx context.Context, symbol string) (*domain.FundingRate, error)
	GetAllFundingRates(ctx context.Context) ([]domain.FundingRate, error)
	GetMarkets(ctx context.Context) ([]domain.PerpetualMarket, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error)

	GetPositions(ctx context.Context) ([]domain.Position, error)
	GetBalances(ctx context.Context) ([]domain.Balance, error)
	PlaceOrder(ctx context.Context, spec domain.OrderSpec) (*domain.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error

	HasCredentials() bool
	FundingIntervalHours() int
}

// Credentials hold one venue's API key material. Never logged.
type Credentials struct {
	Key        string
	Secret     string
	Passphrase string
	Sandbox    bool
}

func (c Credentials) Empty() bool {
	return c.Key == "" || c.Secret == ""
}

// SignHex is the HMAC-SHA256 hex signature used by Binance- and
// Bybit-style venues.
func (c Credentials) SignHex(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.Secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignBase64 is the HMAC-SHA256 base64 signature used by OKX-style
// venues.
func (c Credentials) SignBase64(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.Secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
