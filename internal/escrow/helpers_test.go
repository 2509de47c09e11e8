package escrow

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/settlement"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/settlement/settlementtest"
)

const (
	fanWallet     = "0x1111111111111111111111111111111111111111"
	creatorWallet = "0x2222222222222222222222222222222222222222"
	adminWallet   = "0x9999999999999999999999999999999999999999"
	strangerAddr  = "0x3333333333333333333333333333333333333333"
	creatorID     = "alice"
	creatorAcct   = "acct_alice"

	substantialReply = "Great question, here is a detailed answer."
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeCreators struct {
	mu       sync.Mutex
	wallets  map[string]string
	accounts map[string]string
	err      error
}

func newFakeCreators() *fakeCreators {
	return &fakeCreators{
		wallets:  map[string]string{creatorID: creatorWallet},
		accounts: map[string]string{creatorID: creatorAcct},
	}
}

func (f *fakeCreators) CreatorWallet(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wallets[id], nil
}

func (f *fakeCreators) PayoutAccount(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.accounts[id], nil
}

func (f *fakeCreators) OnboardingReturnURL(id string) string {
	return "https://ror.example.test/creator/" + id
}

func (f *fakeCreators) setWallet(id, wallet string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if wallet == "" {
		delete(f.wallets, id)
		return
	}
	f.wallets[id] = wallet
}

type allowList map[string]bool

func (a allowList) Contains(identity string) bool { return a[identity] }

type fixture struct {
	svc      *Service
	store    *MemoryStore
	gateway  *settlementtest.Fake
	clock    *testClock
	creators *fakeCreators
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		gateway:  settlementtest.New(),
		clock:    &testClock{now: t0},
		creators: newFakeCreators(),
	}
	f.gateway.SetAccount(creatorAcct, true)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(f.store, f.gateway, f.creators, logger).
		WithClock(f.clock.Now).
		WithAdmins(allowList{adminWallet: true}).
		WithInstanceID("test")
	return f
}

// openStripe opens a card-paid conversation with a first fan message.
func (f *fixture) openStripe(t *testing.T, ttl time.Duration) *View {
	t.Helper()
	v, err := f.svc.Open(context.Background(), OpenRequest{
		CreatorID:    creatorID,
		FanIdentity:  fanWallet,
		AmountMinor:  20,
		Currency:     "eur",
		Rail:         RailStripe,
		PaymentID:    "pi_test_1",
		TTL:          ttl,
		FirstMessage: "Hi! Can you review my demo track?",
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return v
}

// payoutFailed drives a fresh conversation into payout_failed with the
// creator's account not ready.
func (f *fixture) payoutFailed(t *testing.T) string {
	t.Helper()
	f.gateway.SetAccount(creatorAcct, false, "external_account")
	v := f.openStripe(t, 48*time.Hour)
	out, err := f.svc.ProposeReply(context.Background(), v.Conversation.ID, RoleCreator, substantialReply, creatorWallet)
	if err != nil {
		t.Fatalf("ProposeReply failed: %v", err)
	}
	if out.Escrow.Status != StatusPayoutFailed {
		t.Fatalf("Expected payout_failed, got %s", out.Escrow.Status)
	}
	return v.Conversation.ID
}

func (f *fixture) load(t *testing.T, id string) (*Conversation, *Record) {
	t.Helper()
	conv, rec, err := f.store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load %s failed: %v", id, err)
	}
	return conv, rec
}

// requireConsistent checks that the conversation and its escrow record
// agree.
func requireConsistent(t *testing.T, conv *Conversation, rec *Record) {
	t.Helper()
	switch rec.Status {
	case StatusReleased, StatusPayoutFailed, StatusHoldReview:
		if conv.Status != ConversationAnswered {
			t.Fatalf("escrow %s with conversation %s", rec.Status, conv.Status)
		}
	case StatusRefunded:
		if conv.Status != ConversationRefunded {
			t.Fatalf("escrow refunded with conversation %s", conv.Status)
		}
	}
	if conv.Status == ConversationOpen && rec.Status != StatusLocked {
		t.Fatalf("open conversation with escrow %s", rec.Status)
	}
}

func temporary(msg string) error {
	return settlement.NewError(settlement.ReasonTransferFailed, msg, true, nil)
}

func rejected(msg string) error {
	return settlement.NewError(settlement.ReasonTransferFailed, msg, false, nil)
}
