package ratelimit

import "errors"

// Sentinel errors wrapped by Admit/dispatch failures. Callers use errors.Is
// against these to classify a failure into the error taxonomy (§7) without
// the ratelimit package depending on the hunter package's Error type.
var (
	ErrValidation = errors.New("validation")
	ErrTimeout    = errors.New("queue timeout")
	ErrTransport  = errors.New("transport")
)
