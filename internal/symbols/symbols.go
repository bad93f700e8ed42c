// Package symbols translates between the canonical BASEQUOTE symbol
// form (e.g. "BTCUSDT") used throughout the engine and each venue's
// own dialect (e.g. OKX's "BTC-USDT-SWAP", Gate.io's "BTC_USDT",
// BingX's "BTC-USDT").
//
// This is a distinct concern from funding-interval math (see
// internal/ratemath): a single "normalizer" package that conflates the
// two under one name — mapping exchange symbols to a canonical asset
// AND tracking per-exchange instrument metadata in the same type —
// leaves a reader wondering why a "rate normalizer" has nothing to do
// with funding rates. Symbol translation is split out on its own.
package symbols

import (
	"fmt"
	"strings"
)

// Venue identifies one of the supported exchanges.
type Venue string

const (
	OKX    Venue = "okx"
	GateIO Venue = "gateio"
	BingX  Venue = "bingx"
)

// Translator converts between canonical BASEQUOTE symbols and a
// venue's dialect. Implementations are pure and stateless: venue
// symbol formats are derived mechanically from the canonical form.
type Translator interface {
	// ToVenue converts a canonical symbol (e.g. "BTCUSDT") to this
	// venue's dialect.
	ToVenue(canonical string) string
	// ToCanonical converts a venue-dialect symbol back to canonical
	// form. Returns an error if symbol doesn't parse as a recognized
	// quote-asset pair.
	ToCanonical(symbol string) (string, error)
}

var quoteAssets = []string{"USDT", "USDC", "BUSD"}

func splitQuote(canonical string) (base, quote string, err error) {
	upper := strings.ToUpper(strings.TrimSpace(canonical))
	for _, q := range quoteAssets {
		if strings.HasSuffix(upper, q) && len(upper) > len(q) {
			return strings.TrimSuffix(upper, q), q, nil
		}
	}
	return "", "", fmt.Errorf("symbols: %q has no recognized quote asset suffix", canonical)
}

// okxTranslator implements the OKX SWAP dialect: BTCUSDT -> BTC-USDT-SWAP.
type okxTranslator struct{}

func (okxTranslator) ToVenue(canonical string) string {
	base, quote, err := splitQuote(canonical)
	if err != nil {
		return canonical + "-USDT-SWAP"
	}
	return base + "-" + quote + "-SWAP"
}

func (okxTranslator) ToCanonical(symbol string) (string, error) {
	parts := strings.Split(symbol, "-")
	if len(parts) < 2 {
		return "", fmt.Errorf("symbols: okx symbol %q missing BASE-QUOTE[-SWAP] separators", symbol)
	}
	return strings.ToUpper(parts[0] + parts[1]), nil
}

// gateioTranslator implements Gate.io's underscore dialect: BTCUSDT -> BTC_USDT.
type gateioTranslator struct{}

func (gateioTranslator) ToVenue(canonical string) string {
	base, quote, err := splitQuote(canonical)
	if err != nil {
		return canonical + "_USDT"
	}
	return base + "_" + quote
}

func (gateioTranslator) ToCanonical(symbol string) (string, error) {
	parts := strings.Split(symbol, "_")
	if len(parts) != 2 {
		return "", fmt.Errorf("symbols: gateio symbol %q is not BASE_QUOTE", symbol)
	}
	return strings.ToUpper(parts[0] + parts[1]), nil
}

// bingxTranslator implements BingX's hyphen dialect: BTCUSDT -> BTC-USDT.
type bingxTranslator struct{}

func (bingxTranslator) ToVenue(canonical string) string {
	base, quote, err := splitQuote(canonical)
	if err != nil {
		return canonical + "-USDT"
	}
	return base + "-" + quote
}

func (bingxTranslator) ToCanonical(symbol string) (string, error) {
	parts := strings.Split(symbol, "-")
	if len(parts) != 2 {
		return "", fmt.Errorf("symbols: bingx symbol %q is not BASE-QUOTE", symbol)
	}
	return strings.ToUpper(parts[0] + parts[1]), nil
}

// For registers the Translator for a venue. Unknown venues get a
// passthrough translator so new adapters can be wired without
// touching this table until a dialect quirk is discovered.
func For(v Venue) Translator {
	switch v {
	case OKX:
		return okxTranslator{}
	case GateIO:
		return gateioTranslator{}
	case BingX:
		return bingxTranslator{}
	default:
		return passthroughTranslator{}
	}
}

type passthroughTranslator struct{}

func (passthroughTranslator) ToVenue(canonical string) string          { return canonical }
func (passthroughTranslator) ToCanonical(symbol string) (string, error) { return symbol, nil }

// Canonicalize upper-cases and trims a base asset and resolves a
// handful of wrapped/rebased-token synonyms to their underlying asset.
// Used when building the canonical symbol from a bare base asset
// (e.g. "BTC" -> "BTC", "WBTC" -> "BTC").
func Canonicalize(baseAsset string) string {
	base := strings.ToUpper(strings.TrimSpace(baseAsset))
	synonyms := map[string]string{
		"WBTC":  "BTC",
		"WETH":  "ETH",
		"WSOL":  "SOL",
		"STETH": "ETH",
		"RETH":  "ETH",
	}
	if syn, ok := synonyms[base]; ok {
		return syn
	}
	if strings.HasPrefix(base, "1000") && len(base) > 4 {
		return base[4:]
	}
	return base
}
