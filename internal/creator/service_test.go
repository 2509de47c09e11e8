package creator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/settlement"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/settlement/settlementtest"
)

const (
	ownerWallet = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	otherWallet = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

var fixedNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *settlementtest.Fake) {
	t.Helper()
	gw := settlementtest.New()
	svc := NewService(NewMemoryStore(), gw, "https://ror.example.test/", slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithClock(func() time.Time { return fixedNow })
	return svc, gw
}

func TestClaim_FirstWalletOwns(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	p, err := svc.Claim(ctx, "alice", "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	require.NoError(t, err)
	assert.Equal(t, ownerWallet, p.Wallet)
	assert.Empty(t, p.AccountID)
	assert.True(t, p.UpdatedAt.Equal(fixedNow))

	_, err = svc.Claim(ctx, "alice", otherWallet)
	assert.ErrorIs(t, err, ErrForbidden)

	p, err = svc.Claim(ctx, "alice", ownerWallet)
	require.NoError(t, err)
	assert.Equal(t, ownerWallet, p.Wallet)

	wallet, err := svc.CreatorWallet(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, ownerWallet, wallet)
}

func TestClaim_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		creator string
		wallet  string
		want    error
	}{
		{"no wallet", "alice", "", ErrUnauthorized},
		{"bad handle", "Alice Smith", ownerWallet, ErrInvalidInput},
		{"too short", "a", ownerWallet, ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Claim(ctx, tt.creator, tt.wallet)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClaim_WalletOwnsOneHandle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Claim(ctx, "alice", ownerWallet)
	require.NoError(t, err)
	_, err = svc.Claim(ctx, "alice-2", ownerWallet)
	assert.ErrorIs(t, err, ErrWalletTaken)
}

func TestClaim_ConcurrentClaimsOneWinner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	wallets := []string{ownerWallet, otherWallet, "0xcccccccccccccccccccccccccccccccccccccccc"}
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for _, w := range wallets {
		wg.Add(1)
		go func(w string) {
			defer wg.Done()
			if _, err := svc.Claim(ctx, "carol", w); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrForbidden)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestDirectory_UnknownCreatorIsEmpty(t *testing.T) {
	svc, _ := newTestService(t)
	acct, err := svc.PayoutAccount(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, acct)
	assert.Equal(t, "https://ror.example.test/creator/a%20b", svc.OnboardingReturnURL("a b"))
}

func TestReadiness(t *testing.T) {
	svc, gw := newTestService(t)
	ctx := context.Background()

	view, err := svc.Readiness(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, view.Ready)
	assert.Empty(t, view.AccountID)

	_, err = svc.OnboardingLink(ctx, "alice", ownerWallet)
	require.NoError(t, err)
	acct, err := svc.PayoutAccount(ctx, "alice")
	require.NoError(t, err)

	view, err = svc.Readiness(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, acct, view.AccountID)
	assert.False(t, view.Ready)
	assert.Equal(t, []string{"external_account", "tos_acceptance.date"}, view.MissingRequirements)

	gw.SetAccount(acct, true)
	view, err = svc.Readiness(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, view.Ready)
	assert.True(t, view.PayoutsEnabled)

	gw.FailReadiness(settlement.NewError(settlement.ReasonAccountLookupFailed, "timeout", true, nil))
	_, err = svc.Readiness(ctx, "alice")
	assert.Error(t, err)
}

func TestOnboardingLink_OpensAccountOnFirstUse(t *testing.T) {
	svc, gw := newTestService(t)
	ctx := context.Background()

	// an unclaimed handle is claimed by the wallet asking for onboarding
	link, err := svc.OnboardingLink(ctx, "alice", ownerWallet)
	require.NoError(t, err)

	created := gw.CreatedAccounts()
	require.Len(t, created, 1)
	var acct string
	for id, req := range created {
		acct = id
		assert.Equal(t, "alice", req.CreatorID)
		assert.Equal(t, ownerWallet, req.Wallet)
		assert.Equal(t, AccountKey("alice"), req.IdempotencyKey)
	}
	assert.Contains(t, link, acct)
	assert.Contains(t, link, "https://ror.example.test/creator/alice")

	p, err := svc.Profile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, ownerWallet, p.Wallet)
	assert.Equal(t, acct, p.AccountID)

	// later links reuse the account
	_, err = svc.OnboardingLink(ctx, "alice", ownerWallet)
	require.NoError(t, err)
	assert.Len(t, gw.CreatedAccounts(), 1)
	assert.Equal(t, 2, gw.LinkCalls())
}

func TestOnboardingLink_Guards(t *testing.T) {
	svc, gw := newTestService(t)
	ctx := context.Background()

	_, err := svc.OnboardingLink(ctx, "alice", "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.Claim(ctx, "alice", ownerWallet)
	require.NoError(t, err)
	_, err = svc.OnboardingLink(ctx, "alice", otherWallet)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, gw.CreatedAccounts(), "no account for a wallet that does not own the handle")

	gw.FailAccounts(settlement.NewError(settlement.ReasonAccountCreateFailed, "Connect is not enabled", false, nil))
	_, err = svc.OnboardingLink(ctx, "alice", ownerWallet)
	assert.Equal(t, settlement.ReasonAccountCreateFailed, settlement.ReasonOf(err, ""))
	acct, err := svc.PayoutAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, acct)

	gw.FailAccounts(nil)
	gw.FailLinks(errors.New("account link unavailable"))
	_, err = svc.OnboardingLink(ctx, "alice", ownerWallet)
	assert.ErrorContains(t, err, "account link unavailable")
	acct, err = svc.PayoutAccount(ctx, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, acct, "the account stays bound when only the link failed")

	gw.SetUnconfigured()
	_, err = svc.OnboardingLink(ctx, "alice", ownerWallet)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
