package creator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/escrow"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/settlement"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/syncutil"
)

var creatorIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,31}$`)

// Service manages creator payout profiles and answers the escrow engine's
// questions about where a creator's money goes.
type Service struct {
	store   Store
	gateway settlement.Gateway
	siteURL string
	locks   *syncutil.KeyLock
	logger  *slog.Logger
	now     func() time.Time
}

var _ escrow.CreatorDirectory = (*Service)(nil)

// NewService creates a creator profile service. siteURL is the public base
// the provider returns creators to after onboarding.
func NewService(store Store, gateway settlement.Gateway, siteURL string, logger *slog.Logger) *Service {
	if gateway == nil {
		gateway = settlement.Unconfigured{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		gateway: gateway,
		siteURL: strings.TrimRight(siteURL, "/"),
		locks:   syncutil.NewKeyLock(64),
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Profile returns a creator's profile, or an empty one if none is stored.
func (s *Service) Profile(ctx context.Context, creatorID string) (*Profile, error) {
	p, err := s.store.Get(ctx, creatorID)
	if errors.Is(err, ErrNotFound) {
		return &Profile{CreatorID: creatorID}, nil
	}
	return p, err
}

func (s *Service) CreatorWallet(ctx context.Context, creatorID string) (string, error) {
	p, err := s.Profile(ctx, creatorID)
	if err != nil {
		return "", err
	}
	return p.Wallet, nil
}

func (s *Service) PayoutAccount(ctx context.Context, creatorID string) (string, error) {
	p, err := s.Profile(ctx, creatorID)
	if err != nil {
		return "", err
	}
	return p.AccountID, nil
}

func (s *Service) OnboardingReturnURL(creatorID string) string {
	return s.siteURL + "/creator/" + url.PathEscape(creatorID)
}

// Claim makes wallet the owner of creatorID. The first wallet to claim a
// handle owns it; a repeated claim by the owner is a no-op.
func (s *Service) Claim(ctx context.Context, creatorID, wallet string) (*Profile, error) {
	creatorID, wallet, err := normalizeClaim(creatorID, wallet)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.claimLocked(ctx, creatorID, wallet)
}

func normalizeClaim(creatorID, wallet string) (string, string, error) {
	creatorID = strings.TrimSpace(creatorID)
	wallet = strings.ToLower(strings.TrimSpace(wallet))
	if wallet == "" {
		return "", "", ErrUnauthorized
	}
	if !creatorIDPattern.MatchString(creatorID) {
		return "", "", fmt.Errorf("%w: creator id must be 2-32 lowercase letters, digits, '-' or '_'", ErrInvalidInput)
	}
	return creatorID, wallet, nil
}

// claimLocked runs with the creator's key lock held.
func (s *Service) claimLocked(ctx context.Context, creatorID, wallet string) (*Profile, error) {
	p, err := s.Profile(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	if p.Wallet == wallet {
		return p, nil
	}
	if p.Wallet != "" {
		return nil, ErrForbidden
	}
	p.Wallet = wallet
	p.UpdatedAt = s.now()
	if err := s.store.Put(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("creator handle claimed", "creator", creatorID, "wallet", wallet)
	return p, nil
}

// AccountKey is the provider idempotency key for opening a creator's
// connected account.
func AccountKey(creatorID string) string {
	return "ror-account-" + creatorID
}

// ReadinessView is the live payout readiness of a creator's account.
type ReadinessView struct {
	CreatorID           string   `json:"creatorId"`
	AccountID           string   `json:"accountId,omitempty"`
	Configured          bool     `json:"configured"`
	ChargesEnabled      bool     `json:"chargesEnabled"`
	PayoutsEnabled      bool     `json:"payoutsEnabled"`
	MissingRequirements []string `json:"missingRequirements"`
	Ready               bool     `json:"ready"`
}

// Readiness asks the provider whether the creator's account can be paid.
func (s *Service) Readiness(ctx context.Context, creatorID string) (*ReadinessView, error) {
	p, err := s.Profile(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	view := &ReadinessView{
		CreatorID:           creatorID,
		AccountID:           p.AccountID,
		Configured:          s.gateway.Configured(),
		MissingRequirements: []string{},
	}
	if p.AccountID == "" || !view.Configured {
		return view, nil
	}
	r, err := s.gateway.AccountReadiness(ctx, p.AccountID)
	if err != nil {
		return nil, fmt.Errorf("account readiness %s: %w", p.AccountID, err)
	}
	view.ChargesEnabled = r.ChargesEnabled
	view.PayoutsEnabled = r.PayoutsEnabled
	if len(r.MissingRequirements) > 0 {
		view.MissingRequirements = r.MissingRequirements
	}
	view.Ready = r.Ready()
	return view, nil
}

// OnboardingLink returns a provider onboarding link for the creator's
// payout account. The caller claims the handle if it is unclaimed, and the
// account is opened with the provider on first use. Only the owning wallet
// may ask.
func (s *Service) OnboardingLink(ctx context.Context, creatorID, wallet string) (string, error) {
	creatorID, wallet, err := normalizeClaim(creatorID, wallet)
	if err != nil {
		return "", err
	}
	if !s.gateway.Configured() {
		return "", ErrNotConfigured
	}
	p, err := s.ensureAccount(ctx, creatorID, wallet)
	if err != nil {
		return "", err
	}
	link, err := s.gateway.CreateOnboardingLink(ctx, p.AccountID, s.OnboardingReturnURL(creatorID))
	if err != nil {
		s.logger.Warn("onboarding link failed", "creator", creatorID, "accountId", p.AccountID, "error", err)
		return "", fmt.Errorf("onboarding link %s: %w", p.AccountID, err)
	}
	return link, nil
}

// ensureAccount claims the handle for wallet and opens its connected
// account if it has none.
func (s *Service) ensureAccount(ctx context.Context, creatorID, wallet string) (*Profile, error) {
	unlock, err := s.locks.Lock(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.claimLocked(ctx, creatorID, wallet)
	if err != nil {
		return nil, err
	}
	if p.AccountID != "" {
		return p, nil
	}
	acct, err := s.gateway.CreateAccount(ctx, settlement.AccountRequest{
		CreatorID:      creatorID,
		Wallet:         wallet,
		IdempotencyKey: AccountKey(creatorID),
	})
	if err != nil {
		s.logger.Warn("connected account creation failed", "creator", creatorID, "error", err)
		return nil, fmt.Errorf("create account for %s: %w", creatorID, err)
	}
	p.AccountID = acct
	p.UpdatedAt = s.now()
	if err := s.store.Put(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("creator payout account opened", "creator", creatorID, "accountId", acct)
	return p, nil
}
