package auth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	HeaderWallet    = "X-Wallet-Address"
	HeaderSignature = "X-Signature"
	HeaderMessage   = "X-Signed-Message"

	// ContextKeyIdentity is the gin context key holding the verified *Identity
	ContextKeyIdentity = "authIdentity"
)

// Middleware verifies identity headers when present and stores the identity
// in the gin context. Requests with bad credentials are rejected; requests
// with none pass through unauthenticated.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := c.GetHeader(HeaderWallet)
		sig := c.GetHeader(HeaderSignature)
		msg := c.GetHeader(HeaderMessage)
		if wallet == "" && sig == "" && msg == "" {
			c.Next()
			return
		}

		id, err := v.Verify(wallet, msg, sig)
		if err != nil {
			code := "bad_signature"
			switch {
			case errors.Is(err, ErrStaleMessage):
				code = "stale_signature"
			case errors.Is(err, ErrMissingCredentials), errors.Is(err, ErrMalformedMessage):
				code = "invalid_identity"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   code,
				"message": err.Error(),
			})
			return
		}
		c.Set(ContextKeyIdentity, id)
		c.Next()
	}
}

// RequireAuth rejects requests without a verified identity
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetIdentity(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Signed wallet identity required (X-Wallet-Address, X-Signed-Message, X-Signature).",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests whose verified wallet is not on the allow-list
func RequireAdmin(admins *AllowList) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Signed wallet identity required.",
			})
			return
		}
		if !admins.Contains(id.Wallet) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin wallet required.",
			})
			return
		}
		c.Next()
	}
}

// RequirePurpose rejects requests whose signed message was made for a
// purpose other than one of purposes.
func RequirePurpose(purposes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Signed wallet identity required.",
			})
			return
		}
		if !slices.Contains(purposes, id.Purpose) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "wrong_purpose",
				"message": fmt.Sprintf("Signature was made for %q, this route needs %s.", id.Purpose, strings.Join(purposes, " or ")),
			})
			return
		}
		c.Next()
	}
}

// GetIdentity returns the verified identity from context
func GetIdentity(c *gin.Context) (*Identity, bool) {
	v, ok := c.Get(ContextKeyIdentity)
	if !ok {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok
}

// Wallet returns the verified wallet or "" when unauthenticated
func Wallet(c *gin.Context) string {
	if id, ok := GetIdentity(c); ok {
		return id.Wallet
	}
	return ""
}
