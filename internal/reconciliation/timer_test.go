package reconciliation

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestNewTimer_Schedule(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	timer, err := NewTimer(nil, "", logger)
	if err != nil {
		t.Fatalf("NewTimer failed: %v", err)
	}
	if timer.schedule != DefaultSchedule {
		t.Errorf("Expected default schedule %q, got %q", DefaultSchedule, timer.schedule)
	}

	if _, err := NewTimer(nil, "every five minutes", logger); err == nil {
		t.Error("Expected an error for an invalid schedule")
	}

	timer, err = NewTimer(nil, "0 */2 * * *", logger)
	if err != nil {
		t.Fatalf("NewTimer failed: %v", err)
	}
	if timer.schedule != "0 */2 * * *" {
		t.Errorf("Expected schedule kept, got %q", timer.schedule)
	}
}

func TestTimer_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	timer, err := NewTimer(h.worker, "0 3 * * *", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewTimer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for !timer.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !timer.Running() {
		t.Fatal("Expected timer to start")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	if timer.Running() {
		t.Error("Expected timer stopped")
	}
	if n := timer.Runs(); n != 0 {
		t.Errorf("Expected no runs, got %d", n)
	}
}

func TestTimer_SafeRunRecoversAndCounts(t *testing.T) {
	h := newHarness(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	timer, err := NewTimer(h.worker, "", logger)
	if err != nil {
		t.Fatalf("NewTimer failed: %v", err)
	}
	timer.safeRun(context.Background())
	if n := timer.Runs(); n != 1 {
		t.Errorf("Expected 1 run, got %d", n)
	}

	broken, err := NewTimer(nil, "", logger)
	if err != nil {
		t.Fatalf("NewTimer failed: %v", err)
	}
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("safeRun panicked: %v", r)
		}
	}()
	broken.safeRun(context.Background())
}
