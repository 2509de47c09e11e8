// Package authtest produces signed identity headers for handler tests.
package authtest

import (
	"crypto/ecdsa"
	"encoding/hex"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/auth"
)

// Signer is a throwaway wallet.
type Signer struct {
	key     *ecdsa.PrivateKey
	Address string // lowercase 0x address
}

// NewSigner generates a fresh wallet key.
func NewSigner(t testing.TB) *Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &Signer{key: key, Address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())}
}

// SignMessage returns a 0x-hex EIP-191 signature with v in {27, 28}.
func (s *Signer) SignMessage(t testing.TB, message string) string {
	t.Helper()
	sig, err := crypto.Sign(auth.HashMessage(message), s.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig)
}

// Sign sets the identity headers on req for purpose at now.
func (s *Signer) Sign(t testing.TB, req *http.Request, purpose string, now time.Time) {
	t.Helper()
	msg := auth.SignedMessage(purpose, now)
	req.Header.Set(auth.HeaderWallet, s.Address)
	req.Header.Set(auth.HeaderMessage, msg)
	req.Header.Set(auth.HeaderSignature, s.SignMessage(t, msg))
}
