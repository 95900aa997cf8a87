// Package symbols converts the canonical "BASE/QUOTE" spelling of a
// market pair into the form a specific exchange expects.
package symbols

import "strings"

// Native converts a canonical symbol such as "BTC/USDT" into the
// native spelling used by the given exchange. Unknown exchanges fall
// back to the concatenated upper-case form.
func Native(providerID, sym string) string {
	base, quote := split(sym)
	switch strings.ToLower(providerID) {
	case "kucoin":
		return base + "-" + quote
	case "okx":
		return base + "-" + quote
	case "gateio":
		return base + "_" + quote
	case "kraken":
		// Kraken spells spot Bitcoin pairs with XBT.
		if base == "BTC" {
			base = "XBT"
		}
		return base + quote
	default:
		// Binance and Bybit use the plain concatenated form.
		return base + quote
	}
}

// Canonical converts a native exchange spelling back to "BASE/QUOTE"
// when the separator is recoverable. Concatenated forms are returned
// unchanged apart from case since the split point is ambiguous.
func Canonical(providerID, native string) string {
	native = strings.ToUpper(native)
	switch strings.ToLower(providerID) {
	case "kucoin", "okx":
		return strings.Replace(native, "-", "/", 1)
	case "gateio":
		return strings.Replace(native, "_", "/", 1)
	default:
		return native
	}
}

func split(sym string) (base, quote string) {
	sym = strings.ToUpper(sym)
	for _, sep := range []string{"/", "-", "_"} {
		if i := strings.Index(sym, sep); i > 0 {
			return sym[:i], sym[i+len(sep):]
		}
	}
	return sym, ""
}
