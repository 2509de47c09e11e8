// Package auth verifies caller identity from EIP-191 wallet signatures and
// gates admin routes with an allow-list.
//
// A caller signs "ROR|<purpose>|ts=<unix millis>" with its wallet key and
// sends the address, the message and the 65-byte signature as headers.
package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrMissingCredentials = errors.New("auth: missing identity headers")
	ErrBadSignature       = errors.New("auth: signature does not match address")
	ErrMalformedMessage   = errors.New("auth: malformed signed message")
	ErrStaleMessage       = errors.New("auth: signed message outside allowed clock drift")
)

const (
	messagePrefix = "ROR"

	// DefaultMaxDrift bounds how far a signed timestamp may be from now.
	DefaultMaxDrift = 5 * time.Minute
)

// Purposes a wallet signs for. A signature only opens the routes of its
// own purpose.
const (
	PurposeInbox        = "inbox"
	PurposeCreateThread = "create-thread"
	PurposeMessage      = "message"
	PurposeCreator      = "creator"
	PurposeAdmin        = "admin"
)

// Identity is a verified caller.
type Identity struct {
	Wallet  string // lowercase 0x-prefixed address
	Purpose string
}

// SignedMessage builds the text a wallet signs for purpose at ts.
func SignedMessage(purpose string, ts time.Time) string {
	return fmt.Sprintf("%s|%s|ts=%d", messagePrefix, purpose, ts.UnixMilli())
}

// HashMessage applies the EIP-191 personal-message prefix and hashes.
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress recovers the signer's address from a message and a
// hex-encoded 65-byte signature (r[32] + s[32] + v[1]).
func RecoverAddress(message string, signatureHex string) (string, error) {
	signature, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	// wallets emit v = 27/28, Ecrecover wants 0/1
	if signature[64] >= 27 {
		signature[64] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(HashMessage(message), signature)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// Verifier checks signed identity claims.
type Verifier struct {
	maxDrift time.Duration
	now      func() time.Time
}

// NewVerifier creates a verifier accepting timestamps within maxDrift of now.
func NewVerifier(maxDrift time.Duration) *Verifier {
	if maxDrift <= 0 {
		maxDrift = DefaultMaxDrift
	}
	return &Verifier{maxDrift: maxDrift, now: time.Now}
}

// WithClock replaces the time source (tests).
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks that signature over message was produced by address and that
// the message is fresh. It returns the normalized identity.
func (v *Verifier) Verify(address, message, signature string) (*Identity, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" || message == "" || signature == "" {
		return nil, ErrMissingCredentials
	}

	purpose, ts, err := parseMessage(message)
	if err != nil {
		return nil, err
	}
	drift := v.now().Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.maxDrift {
		return nil, ErrStaleMessage
	}

	recovered, err := RecoverAddress(message, signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if recovered != address {
		return nil, ErrBadSignature
	}
	return &Identity{Wallet: recovered, Purpose: purpose}, nil
}

func parseMessage(message string) (string, time.Time, error) {
	parts := strings.Split(message, "|")
	if len(parts) != 3 || parts[0] != messagePrefix || parts[1] == "" {
		return "", time.Time{}, ErrMalformedMessage
	}
	raw, ok := strings.CutPrefix(parts[2], "ts=")
	if !ok {
		return "", time.Time{}, ErrMalformedMessage
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", time.Time{}, ErrMalformedMessage
	}
	return parts[1], time.UnixMilli(ms), nil
}
