package domain

import "strings"

// quoteAssets are the supported quote currencies, checked in order.
// Longer suffixes first so FDUSD does not match as USD-something.
var quoteAssets = []string{"FDUSD", "USDT", "BUSD", "USDC"}

// NormalizeSymbol rewrites a charting-tool ticker into the exchange form:
// strips the venue prefix ("BINANCE:BTCUSDT"), drops the perpetual suffix
// (".P"), uppercases. Pure string transform, no validation.
func NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(s, ".P")
	return s
}

// SplitSymbol splits a normalized pair into base and quote assets.
// Returns ErrUnsupportedQuote when the pair is not quoted in a supported
// stable asset.
func SplitSymbol(symbol string) (base, quote string, err error) {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q, nil
		}
	}
	return "", "", ErrUnsupportedQuote
}
