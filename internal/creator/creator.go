// Package creator keeps creator payout profiles: the wallet that owns a
// creator handle and the provider account their payouts go to.
package creator

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("creator profile not found")
	ErrForbidden     = errors.New("wallet does not own this creator profile")
	ErrWalletTaken   = errors.New("wallet already owns another creator profile")
	ErrInvalidInput  = errors.New("invalid creator profile input")
	ErrUnauthorized  = errors.New("verified wallet required")
	ErrNotConfigured = errors.New("payment provider not configured")
)

// Profile binds a creator handle to its owning wallet and payout account.
type Profile struct {
	CreatorID string    `json:"creatorId"`
	Wallet    string    `json:"wallet,omitempty"`
	AccountID string    `json:"accountId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists creator profiles.
type Store interface {
	Get(ctx context.Context, creatorID string) (*Profile, error)
	// Put inserts or replaces a profile. Returns ErrWalletTaken if another
	// profile already owns p.Wallet.
	Put(ctx context.Context, p *Profile) error
}
