package exchange

import "strings"

// Canonical symbol form is concatenated base+quote, e.g. BTCUSDT. Each
// exchange speaks its own native form; the translators below are pure and
// total over the known quote suffixes.

var quoteSuffixes = []string{"USDT", "USDC", "BUSD", "USD"}

// SplitCanonical splits a canonical symbol into base and quote. When no
// known suffix matches, the whole symbol is returned as base with an empty
// quote.
func SplitCanonical(symbol string) (base, quote string) {
	for _, q := range quoteSuffixes {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	return symbol, ""
}

// ToNative converts a canonical symbol to the exchange-native form:
//
//	binance BTCUSDT, okx BTC-USDT-SWAP, mexc BTC_USDT,
//	gateio BTC_USDT, bingx BTC-USDT
func ToNative(id ExchangeID, symbol string) string {
	base, quote := SplitCanonical(symbol)
	if quote == "" {
		return symbol
	}
	switch id {
	case OKX:
		return base + "-" + quote + "-SWAP"
	case MEXC, GateIO:
		return base + "_" + quote
	case BingX:
		return base + "-" + quote
	default:
		return symbol
	}
}

// FromNative converts an exchange-native symbol back to canonical form.
func FromNative(id ExchangeID, native string) string {
	s := native
	switch id {
	case OKX:
		s = strings.TrimSuffix(s, "-SWAP")
		s = strings.ReplaceAll(s, "-", "")
	case MEXC, GateIO:
		s = strings.ReplaceAll(s, "_", "")
	case BingX:
		s = strings.ReplaceAll(s, "-", "")
	}
	// CCXT-style BTC/USDT:USDT occasionally shows up in REST payloads.
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return strings.ToUpper(strings.ReplaceAll(s, "/", ""))
}
