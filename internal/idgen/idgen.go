// Package idgen generates identifiers for conversations, messages and requests.
package idgen

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 hex chars of a random UUID
// (e.g. "t_" for conversations, "m_" for messages).
func WithPrefix(prefix string) string {
	id := uuid.New()
	return prefix + hex.EncodeToString(id[:12])
}

// Derived returns a stable id for an external reference, so redelivered
// events (webhooks, retried requests) map onto the same record.
// The same prefix and ref always produce the same id.
func Derived(prefix, ref string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(ref)))
	return prefix + hex.EncodeToString(sum[:12])
}
