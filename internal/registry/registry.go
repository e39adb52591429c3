package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crypto-trading/funding/internal/domain"
	"github.com/crypto-trading/funding/internal/venue"
)

// Factory builds a venue adapter. Registered once per venue so that
// SetCredentials can rebuild the adapter with new key material.
type Factory func(baseURL string, creds venue.Credentials, logger *slog.Logger) venue.Adapter

const defaultVenueTimeout = 8 * time.Second

// Registry owns the venue adapters and fans queries out across them.
// A venue that errors or times out is logged and dropped from that
// query's result; it never fails the others.
type Registry struct {
	mu        sync.RWMutex
	adapters  map[string]venue.Adapter
	factories map[string]Factory
	baseURLs  map[string]string
	timeout   time.Duration
	logger    *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		adapters:  make(map[string]venue.Adapter),
		factories: make(map[string]Factory),
		baseURLs:  make(map[string]string),
		timeout:   defaultVenueTimeout,
		logger:    logger,
	}
}

func (r *Registry) SetVenueTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.timeout = d
	}
}

// Register builds the adapter without credentials and stores the
// factory for later credential updates.
func (r *Registry) Register(name, baseURL string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	r.baseURLs[name] = baseURL
	r.adapters[name] = factory(baseURL, venue.Credentials{}, r.logger)
	r.logger.Info("venue registered", "venue", name)
}

// RegisterAdapter installs a pre-built adapter, for venues whose
// constructor does not follow the Factory shape.
func (r *Registry) RegisterAdapter(a venue.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
	r.logger.Info("venue registered", "venue", a.Name())
}

// SetCredentials rebuilds the named adapter with the given key
// material. The key material itself is never logged.
func (r *Registry) SetCredentials(name string, creds venue.Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	factory, ok := r.factories[name]
	if !ok {
		return fmt.Errorf("registry: unknown venue %q", name)
	}
	r.adapters[name] = factory(r.baseURLs[name], creds, r.logger)
	r.logger.Info("venue credentials configured", "venue", name, "sandbox", creds.Sandbox)
	return nil
}

func (r *Registry) Get(name string) (venue.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

func (r *Registry) Venues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

func (r *Registry) HasCredentials(name string) bool {
	a, ok := r.Get(name)
	return ok && a.HasCredentials()
}

func (r *Registry) snapshot() []venue.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapters := make([]venue.Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	return adapters
}

// fanOut runs fn against every adapter concurrently with a per-venue
// timeout and collects the successes.
func fanOut[T any](r *Registry, ctx context.Context, op string, fn func(context.Context, venue.Adapter) (T, error)) map[string]T {
	adapters := r.snapshot()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]T, len(adapters))
	)
	for _, a := range adapters {
		wg.Add(1)
		go func(a venue.Adapter) {
			defer wg.Done()

			vctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			start := time.Now()
			out, err := fn(vctx, a)
			if err != nil {
				r.logger.Warn("venue query failed",
					"venue", a.Name(), "op", op, "elapsed", time.Since(start), "error", err)
				return
			}
			mu.Lock()
			results[a.Name()] = out
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	return results
}

// FundingRates returns each venue's funding rate for one symbol.
// Venues that do not list the symbol are simply absent.
func (r *Registry) FundingRates(ctx context.Context, symbol string) map[string]domain.FundingRate {
	raw := fanOut(r, ctx, "funding_rate", func(ctx context.Context, a venue.Adapter) (*domain.FundingRate, error) {
		return a.GetFundingRate(ctx, symbol)
	})

	rates := make(map[string]domain.FundingRate, len(raw))
	for name, fr := range raw {
		if fr != nil {
			rates[name] = *fr
		}
	}
	return rates
}

// AllFundingRates collects every venue's full funding-rate listing into
// one flat slice.
func (r *Registry) AllFundingRates(ctx context.Context) []domain.FundingRate {
	raw := fanOut(r, ctx, "all_funding_rates", func(ctx context.Context, a venue.Adapter) ([]domain.FundingRate, error) {
		return a.GetAllFundingRates(ctx)
	})

	var rates []domain.FundingRate
	for _, vr := range raw {
		rates = append(rates, vr...)
	}
	return rates
}

func (r *Registry) AllMarkets(ctx context.Context) []domain.PerpetualMarket {
	raw := fanOut(r, ctx, "markets", func(ctx context.Context, a venue.Adapter) ([]domain.PerpetualMarket, error) {
		return a.GetMarkets(ctx)
	})

	var markets []domain.PerpetualMarket
	for _, vm := range raw {
		markets = append(markets, vm...)
	}
	return markets
}

// AllPositions queries every authenticated venue. Venues without
// credentials contribute an empty slice by contract.
func (r *Registry) AllPositions(ctx context.Context) []domain.Position {
	raw := fanOut(r, ctx, "positions", func(ctx context.Context, a venue.Adapter) ([]domain.Position, error) {
		return a.GetPositions(ctx)
	})

	var positions []domain.Position
	for _, vp := range raw {
		positions = append(positions, vp...)
	}
	return positions
}

func (r *Registry) AllBalances(ctx context.Context) []domain.Balance {
	raw := fanOut(r, ctx, "balances", func(ctx context.Context, a venue.Adapter) ([]domain.Balance, error) {
		return a.GetBalances(ctx)
	})

	var balances []domain.Balance
	for _, vb := range raw {
		balances = append(balances, vb...)
	}
	return balances
}

// TestConnection verifies the venue answers with a non-empty market
// listing within the venue timeout.
func (r *Registry) TestConnection(ctx context.Context, name string) bool {
	a, ok := r.Get(name)
	if !ok {
		return false
	}

	vctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	markets, err := a.GetMarkets(vctx)
	if err != nil {
		r.logger.Warn("connection test failed", "venue", name, "error", err)
		return false
	}
	return len(markets) > 0
}
