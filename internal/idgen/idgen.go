// Package idgen provides cryptographically random identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix followed by 24 hex chars (12 random bytes),
// e.g. "wh_" for subscriptions and "evt_" for deliveries.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns numBytes random bytes hex encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
