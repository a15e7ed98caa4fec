// Package idgen mints the service's record identifiers. Every persisted
// row carries a typed prefix (evt_ for events, enf_ for enforcements,
// case_ for investigation cases) followed by 24 hex chars of crypto/rand.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

const randomBytes = 12

// WithPrefix returns prefix + 24 random hex chars. IDs are unguessable so
// they can appear in webhooks and admin URLs without leaking ordering.
func WithPrefix(prefix string) string {
	b := make([]byte, randomBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
