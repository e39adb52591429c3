package aggregator

import "strings"

// NormalizeSymbol maps a venue-native contract name onto the canonical
// form used for cross-venue grouping, e.g. BTC-USDT-SWAP, BTC_USDT,
// BTCPERP and bare BTC all become BTCUSDT. Idempotent and total.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("_", "", "/", "").Replace(s)
	s = strings.TrimSuffix(s, "-SWAP")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.TrimSuffix(s, "PERP")
	if s == "" {
		return s
	}

	switch {
	case strings.HasSuffix(s, "USDT"):
	case strings.HasSuffix(s, "USDC"):
		s = strings.TrimSuffix(s, "USDC") + "USDT"
	case strings.HasSuffix(s, "USD"):
		s = strings.TrimSuffix(s, "USD") + "USDT"
	default:
		// Bare coin names (hyperliquid style) join the USDT bucket.
		s += "USDT"
	}
	return s
}
