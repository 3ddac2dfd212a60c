// Package precision implements the Symbol Precision Registry (§4.5): exact
// rounding of order price and quantity to each symbol's published tick
// size, step size, and minimum notional, using shopspring/decimal so that
// repeated formatting of the same input is idempotent (no float64 drift,
// unlike the teacher's TickSize-indexed rounding which this generalizes
// from a small fixed tick-size enum to arbitrary per-symbol filters pulled
// from the exchange at startup).
package precision

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/aster-lick-hunter/node/pkg/types"
)

// defaultFilters is used for a symbol the registry has not yet loaded or
// that the exchange omitted from exchangeInfo, so the hunter never hard
// crashes on an unexpected symbol — it just rounds conservatively.
var defaultFilters = types.SymbolFilters{
	TickSize:    0.0001,
	StepSize:    0.001,
	MinQty:      0.001,
	MaxQty:      1_000_000,
	MinNotional: 5,
}

// Registry holds the per-symbol precision filters fetched from
// /fapi/v1/exchangeInfo and exposes price/quantity formatting and
// validation against them.
type Registry struct {
	mu      sync.RWMutex
	filters map[string]types.SymbolFilters
}

// New creates an empty registry; call Load before using it against real
// symbols, or rely on defaultFilters for symbols never loaded.
func New() *Registry {
	return &Registry{filters: make(map[string]types.SymbolFilters)}
}

// Load replaces the registry's contents with a fresh exchangeInfo snapshot.
func (r *Registry) Load(filters []types.SymbolFilters) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = make(map[string]types.SymbolFilters, len(filters))
	for _, f := range filters {
		r.filters[f.Symbol] = f
	}
}

// Filters returns the symbol's filters, or defaultFilters if unknown.
func (r *Registry) Filters(symbol string) types.SymbolFilters {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.filters[symbol]; ok {
		return f
	}
	return defaultFilters
}

// FormatPrice rounds price down to the symbol's tick size and returns the
// exact decimal string the exchange expects as the "price" parameter.
func (r *Registry) FormatPrice(symbol string, price float64) string {
	f := r.Filters(symbol)
	return roundToStep(price, f.TickSize).String()
}

// FormatQuantity rounds quantity down to the symbol's step size and returns
// the exact decimal string the exchange expects as the "quantity" parameter.
func (r *Registry) FormatQuantity(symbol string, quantity float64) string {
	f := r.Filters(symbol)
	return roundToStep(quantity, f.StepSize).String()
}

// ValidateAndAdjustQuantity rounds quantity to the symbol's step size, then
// checks it against minQty/maxQty and, combined with price, minNotional. If
// the step-aligned quantity falls short of minNotional, it snaps the
// quantity up to the smallest step-aligned amount that clears minNotional
// (§4.5) rather than rejecting outright. It returns the adjusted quantity
// (still as decimal.Decimal, so the caller can re-check notional after
// further adjustment) or an error naming which constraint failed.
func (r *Registry) ValidateAndAdjustQuantity(symbol string, quantity, price float64) (decimal.Decimal, error) {
	f := r.Filters(symbol)
	adjusted := roundToStep(quantity, f.StepSize)

	minQty := decimal.NewFromFloat(f.MinQty)
	if adjusted.LessThan(minQty) {
		return decimal.Zero, fmt.Errorf("quantity %s below minQty %s for %s", adjusted, minQty, symbol)
	}
	if f.MaxQty > 0 {
		maxQty := decimal.NewFromFloat(f.MaxQty)
		if adjusted.GreaterThan(maxQty) {
			adjusted = maxQty
		}
	}

	if f.MinNotional > 0 && price > 0 {
		priceDec := decimal.NewFromFloat(price)
		minNotional := decimal.NewFromFloat(f.MinNotional)
		notional := adjusted.Mul(priceDec)
		if notional.LessThan(minNotional) {
			snapped := snapUpToMinNotional(minNotional, priceDec, decimal.NewFromFloat(f.StepSize))
			if f.MaxQty > 0 {
				maxQty := decimal.NewFromFloat(f.MaxQty)
				if snapped.GreaterThan(maxQty) {
					return decimal.Zero, fmt.Errorf("quantity needed to satisfy minNotional %s exceeds maxQty %s for %s", minNotional, maxQty, symbol)
				}
			}
			adjusted = snapped
		}
	}

	return adjusted, nil
}

// snapUpToMinNotional returns the smallest step-aligned quantity q such that
// q*price >= minNotional.
func snapUpToMinNotional(minNotional, price, step decimal.Decimal) decimal.Decimal {
	raw := minNotional.Div(price)
	if step.LessThanOrEqual(decimal.Zero) {
		return raw
	}
	steps := raw.Div(step).Ceil()
	return steps.Mul(step).Truncate(decimalPlaces(step))
}

// roundToStep truncates value down to the nearest multiple of step using
// exact decimal arithmetic. A zero or negative step leaves value unrounded
// (guards against a missing filter rather than dividing by zero).
func roundToStep(value, step float64) decimal.Decimal {
	v := decimal.NewFromFloat(value)
	if step <= 0 {
		return v
	}
	s := decimal.NewFromFloat(step)
	quotient := v.Div(s).Floor()
	return quotient.Mul(s).Truncate(decimalPlaces(s))
}

// decimalPlaces returns the number of fractional digits step carries, so the
// final Truncate doesn't reintroduce floating-point noise from Div/Mul.
func decimalPlaces(step decimal.Decimal) int32 {
	places := -step.Exponent()
	if places < 0 {
		return 0
	}
	return places
}
