// Package preset is the capability registry for provider request quirks:
// pagination ceilings, time-boundary parameter names and units, price
// reference variants and margin-mode support. The tables keep the backfill
// and streaming engines free of per-provider branching.
package preset

import (
	"fmt"

	"candleflow/logger"
)

// Preset describes one provider's request limits and quirks. Values are
// immutable once resolved.
type Preset struct {
	// MaxLimit is the provider's ceiling on records per candle page.
	MaxLimit int
	// BoundaryParam names the request parameter capping the time range
	// server-side. Empty when the provider has none.
	BoundaryParam string
	// BoundaryInSeconds marks providers whose boundary parameter expects
	// epoch seconds instead of milliseconds.
	BoundaryInSeconds bool
	// PriceParam names the request parameter selecting a price reference
	// variant (mark/index/last). Empty when unsupported.
	PriceParam string
	// PriceValues is the allowed variant set for PriceParam.
	PriceValues []string
	// SupportsMarginMode reports whether margin-mode configuration is
	// meaningful for this provider.
	SupportsMarginMode bool
}

var presets = map[string]Preset{
	"binance": {MaxLimit: 1000, BoundaryParam: "endTime", SupportsMarginMode: true},
	"bybit":   {MaxLimit: 1000, PriceParam: "price", PriceValues: []string{"mark", "index", "last"}, SupportsMarginMode: true},
	"okx":     {MaxLimit: 300, BoundaryParam: "to", PriceParam: "price", PriceValues: []string{"mark", "index"}, SupportsMarginMode: true},
	"kucoin":  {MaxLimit: 1500, SupportsMarginMode: true},
	"kraken":  {MaxLimit: 720},
	"gateio":  {MaxLimit: 1000, BoundaryParam: "to", BoundaryInSeconds: true, SupportsMarginMode: true},
}

// fallback is the conservative default for unlisted providers.
var fallback = Preset{MaxLimit: 1000}

// Resolve looks up the preset for a provider id. It always returns a value;
// unknown providers get the fallback preset.
func Resolve(providerID string) Preset {
	if p, ok := presets[providerID]; ok {
		return p
	}
	return fallback
}

// EffectiveLimit clamps a requested page limit to the preset ceiling. A zero
// or negative request means "as much as the provider allows".
func (p Preset) EffectiveLimit(requested int) int {
	if requested <= 0 || requested > p.MaxLimit {
		return p.MaxLimit
	}
	return requested
}

// SupportsPriceRef reports whether the variant is in the preset's allowed set.
func (p Preset) SupportsPriceRef(variant string) bool {
	for _, v := range p.PriceValues {
		if v == variant {
			return true
		}
	}
	return false
}

// BuildCandleParams assembles provider request parameters for a candle fetch:
// the price reference variant when the provider supports one, and the upper
// time boundary translated into the provider's units. extra is merged in
// first so preset-driven keys win. An unsupported price variant is an error;
// a variant requested against a provider with no price parameter is ignored
// with a warning, matching boundary-parameter leniency.
func BuildCandleParams(providerID string, p Preset, priceRef string, untilMillis int64, extra map[string]any) (map[string]any, error) {
	params := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		params[k] = v
	}
	if priceRef != "" {
		switch {
		case p.PriceParam == "":
			logger.GetLogger().WithComponent("preset").WithFields(logger.Fields{
				"provider":  providerID,
				"price_ref": priceRef,
			}).Warn("price reference ignored: not supported by provider")
		case !p.SupportsPriceRef(priceRef):
			return nil, fmt.Errorf("price reference %q not supported by %s (allowed: %v)",
				priceRef, providerID, p.PriceValues)
		default:
			params[p.PriceParam] = priceRef
		}
	}
	if untilMillis > 0 && p.BoundaryParam != "" {
		if p.BoundaryInSeconds {
			params[p.BoundaryParam] = untilMillis / 1000
		} else {
			params[p.BoundaryParam] = untilMillis
		}
	}
	return params, nil
}
