// Package auth authenticates callers by signed requests.
//
// A caller names itself with X-Identity (a base58 Ed25519 public key) and
// proves it holds the matching private key by signing
//
//	assured-request|<METHOD>|<requestURI>|<sha256 hex of body>|<unixMillis>
//
// The timestamp travels in X-Identity-Timestamp and the base58 signature in
// X-Identity-Signature. Signatures are single use within the skew window.
package auth

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/assured/internal/trust"
)

// Request headers.
const (
	HeaderIdentity  = "X-Identity"
	HeaderTimestamp = "X-Identity-Timestamp"
	HeaderSignature = "X-Identity-Signature"
)

// DefaultMaxSkew bounds how far a request timestamp may be from server time.
const DefaultMaxSkew = 5 * time.Minute

var (
	ErrInvalidIdentity  = errors.New("auth: identity is not a base58 public key")
	ErrMissingSignature = errors.New("auth: request signature missing")
	ErrStaleTimestamp   = errors.New("auth: timestamp missing or outside the allowed skew")
	ErrBadSignature     = errors.New("auth: signature does not match identity")
	ErrReplayed         = errors.New("auth: request signature already used")
)

// Verifier checks signed requests.
type Verifier struct {
	maxSkew time.Duration
	now     func() time.Time

	mu        sync.Mutex
	seen      map[string]time.Time // signature -> expiry
	lastPrune time.Time
}

// NewVerifier creates a verifier with DefaultMaxSkew.
func NewVerifier() *Verifier {
	return &Verifier{
		maxSkew: DefaultMaxSkew,
		now:     time.Now,
		seen:    make(map[string]time.Time),
	}
}

// WithMaxSkew sets the accepted clock skew.
func (v *Verifier) WithMaxSkew(d time.Duration) *Verifier {
	if d > 0 {
		v.maxSkew = d
	}
	return v
}

// WithClock sets the clock (for testing).
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks one request. body is the raw request body (nil when empty).
func (v *Verifier) Verify(method, requestURI string, body []byte, identity, timestamp, signature string) error {
	if _, err := trust.DecodePublicKey(identity); err != nil {
		return ErrInvalidIdentity
	}
	if signature == "" {
		return ErrMissingSignature
	}
	at, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	now := v.now()
	skew := now.Sub(time.UnixMilli(at))
	if skew > v.maxSkew || skew < -v.maxSkew {
		return ErrStaleTimestamp
	}
	msg := trust.RequestMessage(method, requestURI, trust.HashHex(body), at)
	if !trust.VerifyEncoded(msg, signature, identity) {
		return ErrBadSignature
	}
	return v.remember(signature, now)
}

func (v *Verifier) remember(signature string, now time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if now.Sub(v.lastPrune) > v.maxSkew {
		for sig, exp := range v.seen {
			if now.After(exp) {
				delete(v.seen, sig)
			}
		}
		v.lastPrune = now
	}
	if exp, ok := v.seen[signature]; ok && !now.After(exp) {
		return ErrReplayed
	}
	// A signature can be presented until its timestamp leaves the window.
	v.seen[signature] = now.Add(2 * v.maxSkew)
	return nil
}

// Sign sets the identity headers on req. body must be the exact bytes sent.
func Sign(req *http.Request, signer *trust.Signer, body []byte, now time.Time) {
	at := now.UnixMilli()
	uri := req.URL.RequestURI()
	req.Header.Set(HeaderIdentity, signer.Address())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(at, 10))
	req.Header.Set(HeaderSignature, signer.SignRequest(req.Method, uri, trust.HashHex(body), at))
}
