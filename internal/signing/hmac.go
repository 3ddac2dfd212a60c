// Package signing implements the exchange's HMAC-SHA256 request signature
// (§4.2): every SIGNED endpoint is authenticated by appending a timestamp
// and recvWindow to the request parameters, building the
// "key=value&key=value..." query string in the alphabetical order
// url.Values.Encode() produces, and HMAC-SHA256-hex-signing that string
// with the account's secret key.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// defaultRecvWindow bounds how stale a signed request's timestamp may be
// before the exchange rejects it (§6).
const defaultRecvWindow = 5000

// Signer holds the API key pair used to authenticate SIGNED requests.
// It has no knowledge of HTTP transport or rate limiting — it only turns a
// parameter set into the query string and header the transport needs.
type Signer struct {
	apiKey    string
	secretKey []byte
	recvWindowMs int64
}

// New creates a Signer from the account's API key and secret key.
func New(apiKey, secretKey string) *Signer {
	return &Signer{
		apiKey:       apiKey,
		secretKey:    []byte(secretKey),
		recvWindowMs: defaultRecvWindow,
	}
}

// WithRecvWindow overrides the default recvWindow, in milliseconds.
func (s *Signer) WithRecvWindow(ms int64) *Signer {
	s.recvWindowMs = ms
	return s
}

// APIKeyHeader returns the value for the X-MBX-APIKEY header required on
// every SIGNED and USER_DATA endpoint (§6).
func (s *Signer) APIKeyHeader() string {
	return s.apiKey
}

// Sign appends timestamp and recvWindow to params, builds the query string
// in the order params.Encode() iterates (alphabetical, per net/url), and
// returns that query string with a trailing "&signature=..." appended.
//
// The caller is responsible for using the exact returned string as the
// request's query string or form body — re-encoding it would invalidate
// the signature.
func (s *Signer) Sign(params url.Values) string {
	p := cloneValues(params)
	now := time.Now().UnixMilli()
	p.Set("timestamp", strconv.FormatInt(now, 10))
	if s.recvWindowMs > 0 {
		p.Set("recvWindow", strconv.FormatInt(s.recvWindowMs, 10))
	}

	payload := p.Encode()
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(payload))
	sig := hex.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("%s&signature=%s", payload, sig)
}

// Verify recomputes the signature over payload (the query string with
// "signature=..." stripped) and reports whether it matches sig. Exposed
// mainly for tests exercising the byte-exactness of Sign.
func (s *Signer) Verify(payload, sig string) bool {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		cp := make([]string, len(vals))
		copy(cp, vals)
		out[k] = cp
	}
	return out
}
