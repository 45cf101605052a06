// Package idgen generates identifiers for escrow records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string. Used for disputes, engagements and events.
func New() string {
	return uuid.NewString()
}

// Reference returns a payment reference: "esc_" + 32 hex chars.
// References are minted by the engine, never by a provider, and are the
// idempotency key for every callback, so they must be unguessable.
func Reference() string {
	return WithPrefix("esc_", 16)
}

// WithPrefix returns prefix followed by numBytes of crypto-random hex.
func WithPrefix(prefix string, numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
