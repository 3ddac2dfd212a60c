// Package hunter implements the Liquidation Hunter (§4.6): it consumes
// liquidation events and decides whether, and how, to open a counter-trade.
package hunter

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a surfaced failure (§7 — kinds, not type names).
type Kind string

const (
	KindConfig         Kind = "CONFIG"
	KindAuth           Kind = "AUTH"
	KindRateLimit      Kind = "RATE_LIMIT"
	KindValidation     Kind = "VALIDATION"
	KindExchangeReject Kind = "EXCHANGE_REJECT"
	KindTransport      Kind = "TRANSPORT"
	KindState          Kind = "STATE"
	KindInternal       Kind = "INTERNAL"
)

// Error carries a taxonomy Kind plus a wrapped cause, compatible with
// errors.Is/errors.As. Component/Symbol/Code mirror the user-visible
// failure shape in §7 ({kind, component, symbol?, code?, message, timestamp}).
type Error struct {
	Kind      Kind
	Component string
	Symbol    string
	Code      int
	Message   string
	Timestamp time.Time
	Cause     error
}

func (e *Error) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s[%s/%s]: %s", e.Kind, e.Component, e.Symbol, e.Message)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Component, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// newError builds an Error with the current time, wrapping cause (nil-safe).
func newError(kind Kind, component, symbol string, code int, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Symbol:    symbol,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// PositionModeMismatchCode is the Binance-futures-compatible error code for a
// position-mode mismatch (§9 decision): "order's position side does not
// match user's setting".
const PositionModeMismatchCode = -4061

// IsKind reports whether err (or any error it wraps) is a *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// AsExchangeError extracts a *Error from err, if any.
func AsExchangeError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
