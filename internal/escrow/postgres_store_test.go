//go:build integration

package escrow

import (
	"context"
	"testing"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	storeContract(t, func(t *testing.T) Store {
		testutil.Truncate(context.Background(), db)
		return NewPostgresStore(db)
	})
}

func TestPostgresStore_ReleaseFlow(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	f := newFixture(t)
	store := NewPostgresStore(db)
	f.svc.store = store
	ctx := context.Background()

	v := f.openStripe(t, 0)
	out, err := f.svc.ProposeReply(ctx, v.Conversation.ID, RoleCreator, substantialReply, creatorWallet)
	if err != nil {
		t.Fatalf("ProposeReply failed: %v", err)
	}
	if out.Escrow.Status != StatusReleased {
		t.Fatalf("Expected released, got %s", out.Escrow.Status)
	}

	conv, rec, err := store.Load(ctx, v.Conversation.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	requireConsistent(t, conv, rec)
	if rec.TransferID == "" {
		t.Error("Expected a transfer id")
	}
	if n := f.gateway.TransferCalls(); n != 1 {
		t.Errorf("Expected 1 transfer call, got %d", n)
	}

	msgs, err := store.Messages(ctx, v.Conversation.ID)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("Expected 2 messages, got %d", len(msgs))
	}
}
