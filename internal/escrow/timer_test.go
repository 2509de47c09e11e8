package escrow

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestTimer_RefundsOverdueConversations(t *testing.T) {
	f := newFixture(t)
	v := f.openStripe(t, time.Hour)
	f.clock.Advance(2 * time.Hour)

	timer := NewTimer(f.svc, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	refunded := waitFor(t, 2*time.Second, func() bool {
		conv, _, err := f.store.Load(context.Background(), v.Conversation.ID)
		return err == nil && conv.Status == ConversationRefunded
	})
	if !refunded {
		t.Fatal("Expected the timer to refund the overdue conversation")
	}
	if !timer.Running() {
		t.Error("Expected timer to be running")
	}

	cancel()
	if !waitFor(t, time.Second, func() bool { return !timer.Running() }) {
		t.Fatal("Expected timer to stop after cancel")
	}

	_, rec := f.load(t, v.Conversation.ID)
	if rec.Status != StatusRefunded {
		t.Errorf("Expected refunded, got %s", rec.Status)
	}
	if n := f.gateway.RefundCalls(); n != 1 {
		t.Errorf("Expected 1 refund call, got %d", n)
	}
}

func TestTimer_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(f.svc, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if timer.interval != 30*time.Second {
		t.Errorf("Expected default interval 30s, got %s", timer.interval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()
	if !waitFor(t, time.Second, timer.Running) {
		t.Fatal("Expected timer to start")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop after cancel")
	}
	if timer.Running() {
		t.Error("Expected timer stopped")
	}
}

func TestTimer_SweepSurvivesPanic(t *testing.T) {
	timer := NewTimer(nil, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("safeSweep panicked: %v", r)
		}
	}()
	timer.safeSweep(context.Background())
}
