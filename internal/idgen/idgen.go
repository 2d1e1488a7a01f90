// Package idgen generates random identifiers for calls, ledger entries and events.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 24 hex chars (e.g. "ent_", "evt_").
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns numBytes random bytes hex-encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// CallID derives a globally unique escrow call id from the service id, the
// issue time and a random suffix: "<serviceID>-<unixMillis>-<8 hex>".
func CallID(serviceID string, now time.Time) string {
	return serviceID + "-" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + Hex(4)
}
