// Package reconciliation re-drives parked escrow settlements until they
// reach a terminal state.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/escrow"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/settlement"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/traces"
)

const defaultBatch = 200

// Escrow is the part of the escrow service the worker drives.
type Escrow interface {
	FindRecords(ctx context.Context, q escrow.RecordQuery) ([]*escrow.Record, error)
	Redrive(ctx context.Context, id string) (*escrow.Record, escrow.Action, error)
	Lease() time.Duration
	Now() time.Time
}

// Failure is a record still parked after a run.
type Failure struct {
	ConversationID string             `json:"conversationId"`
	Action         escrow.Action      `json:"action"`
	Reason         string             `json:"reason"`
	Error          string             `json:"error,omitempty"`
	NextAction     *escrow.NextAction `json:"nextAction,omitempty"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	// Attempted counts records that were actually re-driven. Records another
	// writer already settled or currently holds are not counted.
	Attempted        int           `json:"attempted"`
	Released         int           `json:"released"`
	RefundsCompleted int           `json:"refundsCompleted"`
	Failures         []Failure     `json:"failures"`
	StartedAt        time.Time     `json:"startedAt"`
	Duration         time.Duration `json:"duration"`
}

// Worker scans parked settlements and re-drives them.
type Worker struct {
	escrow Escrow
	logger *slog.Logger
	batch  int
}

// NewWorker creates a reconciliation worker.
func NewWorker(e Escrow, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{escrow: e, logger: logger, batch: defaultBatch}
}

// WithBatch sets how many records of each kind are scanned per run.
func (w *Worker) WithBatch(n int) *Worker {
	if n > 0 {
		w.batch = n
	}
	return w
}

// ReconcileFailedPayouts re-drives payout_failed records, releases whose
// claim went stale and refunds that were never issued. Running it
// concurrently with itself or with live traffic is safe: records that moved
// since the scan are skipped.
func (w *Worker) ReconcileFailedPayouts(ctx context.Context) (report *Report, err error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.run")
	defer func() { traces.End(span, err) }()

	now := w.escrow.Now()
	report = &Report{StartedAt: now, Failures: []Failure{}}
	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
		observe(report, err)
	}()

	ids, err := w.candidates(ctx, now)
	if err != nil {
		return report, err
	}

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rec, action, err := w.escrow.Redrive(ctx, id)
		if err != nil {
			w.logger.Warn("reconciliation re-drive failed", "conversationId", id, "error", err)
			errs = append(errs, fmt.Errorf("redrive %s: %w", id, err))
			report.Failures = append(report.Failures, Failure{ConversationID: id, Action: action, Reason: "error", Error: err.Error()})
			continue
		}
		if action == "" {
			continue
		}
		report.Attempted++
		w.record(report, id, action, rec)
	}

	if report.Attempted > 0 {
		w.logger.Info("reconciliation run complete",
			"attempted", report.Attempted,
			"released", report.Released,
			"refundsCompleted", report.RefundsCompleted,
			"remaining", len(report.Failures),
		)
	}
	return report, errors.Join(errs...)
}

// candidates lists parked records, stale releases and pending refunds,
// each conversation once.
func (w *Worker) candidates(ctx context.Context, now time.Time) ([]string, error) {
	queries := []escrow.RecordQuery{
		{Statuses: []escrow.Status{escrow.StatusPayoutFailed}, Limit: w.batch},
		{Statuses: []escrow.Status{escrow.StatusLocked}, SettlingBefore: now.Add(-w.escrow.Lease()), Limit: w.batch},
		{Statuses: []escrow.Status{escrow.StatusRefunded}, RefundPending: true, Limit: w.batch},
	}
	seen := make(map[string]bool)
	var ids []string
	for _, q := range queries {
		recs, err := w.escrow.FindRecords(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("list %v records: %w", q.Statuses, err)
		}
		for _, rec := range recs {
			if !seen[rec.ConversationID] {
				seen[rec.ConversationID] = true
				ids = append(ids, rec.ConversationID)
			}
		}
	}
	return ids, nil
}

func (w *Worker) record(report *Report, id string, action escrow.Action, rec *escrow.Record) {
	switch action {
	case escrow.ActionRefund:
		if !rec.RefundPending && rec.RefundError == "" {
			report.RefundsCompleted++
			return
		}
		report.Failures = append(report.Failures, Failure{
			ConversationID: id,
			Action:         action,
			Reason:         string(settlement.ReasonRefundFailed),
			Error:          rec.RefundError,
		})
		w.logger.Warn("refund did not complete", "conversationId", id, "pending", rec.RefundPending, "error", rec.RefundError)
	default:
		if rec.Status == escrow.StatusReleased {
			report.Released++
			return
		}
		reason := string(rec.PayoutLastErrorCode)
		report.Failures = append(report.Failures, Failure{
			ConversationID: id,
			Action:         action,
			Reason:         reason,
			Error:          rec.PayoutLastError,
			NextAction:     rec.PayoutNextAction,
		})
		// an unfinished onboarding is the normal steady state
		if rec.PayoutLastErrorCode == settlement.ReasonAccountNotReady {
			w.logger.Debug("payout waiting on creator onboarding", "conversationId", id)
			return
		}
		w.logger.Warn("payout still failing", "conversationId", id, "reason", reason, "error", rec.PayoutLastError)
	}
}
