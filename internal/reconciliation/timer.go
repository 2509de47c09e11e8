package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultSchedule runs reconciliation every five minutes.
const DefaultSchedule = "*/5 * * * *"

// Timer runs reconciliation on a cron schedule.
type Timer struct {
	worker   *Worker
	schedule string
	logger   *slog.Logger
	now      func() time.Time
	stop     chan struct{}
	running  atomic.Bool
	runs     atomic.Int64
}

// NewTimer creates a reconciliation timer. An empty schedule means
// DefaultSchedule.
func NewTimer(worker *Worker, schedule string, logger *slog.Logger) (*Timer, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if !gronx.IsValid(schedule) {
		return nil, fmt.Errorf("invalid reconciliation schedule %q", schedule)
	}
	return &Timer{
		worker:   worker,
		schedule: schedule,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}, nil
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Runs returns how many reconciliation runs the timer has started.
func (t *Timer) Runs() int64 {
	return t.runs.Load()
}

// Start waits for each cron tick and runs reconciliation. Call in a
// goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	for {
		next, err := gronx.NextTickAfter(t.schedule, t.now(), false)
		if err != nil {
			t.logger.Error("reconciliation schedule failed", "schedule", t.schedule, "error", err)
			next = t.now().Add(time.Minute)
		}
		wait := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			wait.Stop()
			return
		case <-t.stop:
			wait.Stop()
			return
		case <-wait.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	t.runs.Add(1)
	if _, err := t.worker.ReconcileFailedPayouts(ctx); err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
	}
}
