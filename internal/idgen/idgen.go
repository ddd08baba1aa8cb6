// Package idgen provides random ID generation for domain records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New generates a random UUID string. Used for request IDs and
// notification event IDs.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a domain prefix
// (e.g. "bkg_", "esc_", "dsp_", "rsp_", "opt_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
