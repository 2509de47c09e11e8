package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/metrics"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/settlement"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/traces"
)

// TransferKey is the provider idempotency key for a release attempt. The
// attempt number only moves after a definitive rejection, so an attempt
// whose outcome is unknown is always retried under the same key.
func TransferKey(conversationID string, attempt int) string {
	return fmt.Sprintf("ror-release-%s-%d", conversationID, attempt)
}

// RefundKey is the provider idempotency key for a conversation's refund.
func RefundKey(conversationID string) string {
	return "ror-refund-" + conversationID
}

// Settle claims a record for action on behalf of trig and moves the money.
// Admin actions may only start from hold_review or payout_failed; the other
// triggers treat a record that has already moved as a no-op and return it
// unchanged.
func (s *Service) Settle(ctx context.Context, id string, action Action, trig Trigger) (*Record, error) {
	rec, _, err := s.settle(ctx, id, action, trig)
	return rec, err
}

// settle reports whether this call claimed the record and ran the
// settlement, as opposed to finding it guarded.
func (s *Service) settle(ctx context.Context, id string, action Action, trig Trigger) (*Record, bool, error) {
	now := s.now()
	m, err := s.transition(ctx, id, func(conv *Conversation, rec *Record) (*Mutation, error) {
		return s.claimFor(conv, rec, action, trig, now)
	})
	if err != nil {
		return nil, false, err
	}
	if m == nil {
		s.logger.Debug("settlement guard no-op", "conversationId", id, "action", action, "trigger", trig)
		_, rec, err := s.store.Load(ctx, id)
		return rec, false, err
	}

	var rec *Record
	switch action {
	case ActionRefund:
		rec, err = s.executeRefund(ctx, m.Conversation, m.Record, trig)
	default:
		rec, err = s.executeRelease(ctx, m.Conversation, m.Record, trig)
	}
	return rec, true, err
}

// Redrive picks the pending settlement for a parked or abandoned record and
// runs it as a reconciliation retry. It returns the action taken, or "" when
// the record needed nothing or another writer holds it.
func (s *Service) Redrive(ctx context.Context, id string) (*Record, Action, error) {
	conv, rec, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, "", err
	}
	action := pendingAction(conv, rec)
	if action == "" {
		return rec, "", nil
	}
	out, acted, err := s.settle(ctx, id, action, ReconciliationRetry())
	if err != nil {
		return nil, action, err
	}
	if !acted {
		return out, "", nil
	}
	return out, action, nil
}

func pendingAction(conv *Conversation, rec *Record) Action {
	switch {
	case rec.Status == StatusRefunded && rec.RefundPending:
		return ActionRefund
	case conv.Status == ConversationAnswered && (rec.Status == StatusPayoutFailed || rec.Status == StatusLocked):
		return ActionRelease
	default:
		return ""
	}
}

// claimFor is the guard for Settle. It returns the claiming mutation, nil
// for a benign no-op, or an error an admin should see.
func (s *Service) claimFor(conv *Conversation, rec *Record, action Action, trig Trigger, now time.Time) (*Mutation, error) {
	admin := trig.Kind == TriggerAdminAction
	noop := func(err error) (*Mutation, error) {
		if admin {
			return nil, err
		}
		return nil, nil
	}

	if rec.leaseHeld(now, s.lease) {
		return noop(ErrSettlementInFlight)
	}

	switch {
	case admin:
		if rec.Status != StatusHoldReview && rec.Status != StatusPayoutFailed {
			return nil, ErrInvalidStatus
		}
		if action == ActionRelease && conv.Status != ConversationAnswered {
			return nil, ErrInvalidStatus
		}
	case action == ActionRelease:
		if conv.Status != ConversationAnswered || (rec.Status != StatusPayoutFailed && rec.Status != StatusLocked) {
			return nil, nil
		}
	case action == ActionRefund:
		if rec.Status != StatusRefunded || !rec.RefundPending {
			return nil, nil
		}
	}

	s.claim(rec, now)
	if admin {
		rec.HoldReviewedBy = trig.Actor
	}
	if action == ActionRelease || rec.Status == StatusRefunded {
		return &Mutation{Record: rec}, nil
	}

	// an admin refund of a parked payout voids the conversation too
	conv.Status = ConversationRefunded
	conv.RefundedAt = &now
	conv.UpdatedAt = now
	rec.Status = StatusRefunded
	rec.RefundedAt = &now
	rec.RefundPending = true
	return &Mutation{Conversation: conv, Record: rec}, nil
}

type payoutFailure struct {
	reason     settlement.Reason
	lastError  string
	nextAction *NextAction
	// rejected means the provider definitively refused the transfer, so the
	// next attempt needs a fresh idempotency key.
	rejected bool
}

type transferOutcome struct {
	transferID string
	failure    *payoutFailure
	fatal      error
}

// executeRelease moves the held funds to the creator and records the outcome
// on the record claimed by rec.SettlingBy. The provider is called with no
// store lock held. Cancelling ctx does not interrupt it; per-call deadlines
// come from the gateway.
func (s *Service) executeRelease(ctx context.Context, conv *Conversation, rec *Record, trig Trigger) (*Record, error) {
	// once claimed, the caller going away must not abandon the payout
	ctx = context.WithoutCancel(ctx)
	ctx, span := traces.StartSpan(ctx, "escrow.release",
		traces.ConversationID(conv.ID), traces.Trigger(trig.String()), traces.AmountMinor(conv.AmountMinor))

	claimToken := rec.SettlingBy
	out := s.attemptTransfer(ctx, conv, rec, trig)
	if out.fatal != nil {
		traces.End(span, out.fatal)
		return nil, out.fatal
	}

	now := s.now()
	m, err := s.transition(ctx, conv.ID, func(_ *Conversation, r *Record) (*Mutation, error) {
		if r.SettlingBy != claimToken {
			return nil, nil
		}
		r.clearLease()
		r.UpdatedAt = now
		if trig.Kind == TriggerAdminAction {
			r.AttemptedReleaseBy = trig.Actor
			r.HoldReviewedBy = trig.Actor
		}
		if out.failure == nil {
			r.Status = StatusReleased
			r.ReleasedAt = &now
			r.ReleasedBy = trig.auditName()
			r.TransferID = out.transferID
			r.PayoutErrors.Clear()
			r.PayoutLastError = ""
			r.PayoutLastErrorCode = ""
			r.PayoutLastErrorAt = nil
			r.PayoutNextAction = nil
			return &Mutation{Record: r}, nil
		}
		f := out.failure
		r.Status = StatusPayoutFailed
		r.PayoutErrors.Add(f.lastError)
		r.PayoutLastError = f.lastError
		r.PayoutLastErrorCode = f.reason
		r.PayoutLastErrorAt = &now
		r.PayoutNextAction = f.nextAction
		if f.rejected {
			r.TransferAttempt++
		}
		return &Mutation{Record: r}, nil
	})
	if err != nil {
		traces.End(span, err)
		return nil, err
	}
	if m == nil {
		s.logger.Debug("settlement claim taken over, outcome left to new owner", "conversationId", conv.ID, "trigger", trig)
		traces.End(span, nil)
		_, cur, err := s.store.Load(ctx, conv.ID)
		return cur, err
	}

	final := m.Record
	metrics.EscrowTransitionsTotal.WithLabelValues(trig.String(), string(final.Status)).Inc()
	if out.failure == nil {
		metrics.EscrowDuration.WithLabelValues(string(StatusReleased)).Observe(now.Sub(conv.CreatedAt).Seconds())
		s.logger.Info("escrow released",
			"conversationId", conv.ID, "trigger", trig, "transferId", out.transferID, "amountMinor", conv.AmountMinor)
		traces.End(span, nil)
		return final, nil
	}

	span.SetAttributes(traces.Reason(string(out.failure.reason)))
	level := s.logger.Warn
	if out.failure.reason == settlement.ReasonAccountNotReady {
		level = s.logger.Info
	}
	level("payout failed",
		"conversationId", conv.ID, "trigger", trig, "reason", out.failure.reason, "error", out.failure.lastError)
	traces.End(span, nil)
	return final, nil
}

// attemptTransfer runs the release preconditions in order and, if they
// hold, the transfer itself.
func (s *Service) attemptTransfer(ctx context.Context, conv *Conversation, rec *Record, trig Trigger) transferOutcome {
	fail := func(reason settlement.Reason, lastError string, next *NextAction, rejected bool) transferOutcome {
		if lastError == "" {
			lastError = string(reason)
		}
		return transferOutcome{failure: &payoutFailure{reason: reason, lastError: lastError, nextAction: next, rejected: rejected}}
	}

	if conv.Rail == RailWallet {
		// on-chain escrow pays out by program, nothing to move here
		return transferOutcome{}
	}
	if !s.gateway.Configured() {
		return fail(settlement.ReasonProviderNotConfigured, "", nil, false)
	}
	if s.creators == nil {
		return fail(settlement.ReasonNoDestinationAccount, "", nil, false)
	}
	acct, err := s.creators.PayoutAccount(ctx, conv.CreatorID)
	if err != nil {
		return transferOutcome{fatal: fmt.Errorf("payout account for %s: %w", conv.CreatorID, err)}
	}
	if acct == "" {
		return fail(settlement.ReasonNoDestinationAccount, "", nil, false)
	}

	readiness, err := s.gateway.AccountReadiness(ctx, acct)
	if err != nil {
		s.logger.Warn("payout account lookup failed", "conversationId", conv.ID, "account", acct, "error", err)
		return fail(settlement.ReasonAccountLookupFailed, "", nil, false)
	}
	if !readiness.Ready() {
		return fail(settlement.ReasonAccountNotReady, "",
			s.onboardingAction(ctx, conv.CreatorID, acct, readiness.MissingRequirements), false)
	}

	res, err := s.gateway.CreateTransfer(ctx, settlement.TransferRequest{
		AmountMinor:        conv.AmountMinor,
		Currency:           conv.Currency,
		DestinationAccount: acct,
		ConversationID:     conv.ID,
		IdempotencyKey:     TransferKey(conv.ID, rec.TransferAttempt),
		Source:             trig.String(),
	})
	if err != nil {
		reason := settlement.ReasonOf(err, settlement.ReasonTransferFailed)
		return fail(reason, providerDetail(err), nil, !settlement.IsTemporary(err))
	}
	return transferOutcome{transferID: res.TransferID}
}

// onboardingAction builds the finish-onboarding hint. A link failure is
// recorded on the hint rather than aborting the settlement.
func (s *Service) onboardingAction(ctx context.Context, creatorID, acct string, missing []string) *NextAction {
	na := &NextAction{
		Type:                NextActionFinishOnboarding,
		AccountID:           acct,
		MissingRequirements: append([]string{}, missing...),
	}
	link, err := s.gateway.CreateOnboardingLink(ctx, acct, s.creators.OnboardingReturnURL(creatorID))
	if err != nil {
		na.LinkError = providerDetail(err)
		if na.LinkError == "" {
			na.LinkError = "link_failed"
		}
		return na
	}
	na.OnboardingURL = &link
	return na
}

// executeRefund returns the fan's payment. The escrow is already refunded
// locally; a provider failure is recorded on the record, and temporary ones
// leave the refund pending for reconciliation.
func (s *Service) executeRefund(ctx context.Context, conv *Conversation, rec *Record, trig Trigger) (*Record, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := traces.StartSpan(ctx, "escrow.refund",
		traces.ConversationID(conv.ID), traces.Trigger(trig.String()), traces.AmountMinor(conv.AmountMinor))

	claimToken := rec.SettlingBy
	var refundID, refundErr string
	pending := false
	switch {
	case conv.Rail == RailWallet:
		refundErr = string(settlement.ReasonRefundUnsupported)
	case conv.PaymentID == "":
		refundErr = string(settlement.ReasonRefundUnsupported)
	case !s.gateway.Configured():
		refundErr = string(settlement.ReasonProviderNotConfigured)
		pending = true
	default:
		res, err := s.gateway.CreateRefund(ctx, settlement.RefundRequest{
			PaymentID:      conv.PaymentID,
			ConversationID: conv.ID,
			IdempotencyKey: RefundKey(conv.ID),
			Reason:         trig.String(),
		})
		if err != nil {
			refundErr = providerDetail(err)
			pending = settlement.IsTemporary(err)
			s.logger.Warn("provider refund failed", "conversationId", conv.ID, "trigger", trig, "error", err, "willRetry", pending)
		} else {
			refundID = res.RefundID
		}
	}

	now := s.now()
	m, err := s.transition(ctx, conv.ID, func(_ *Conversation, r *Record) (*Mutation, error) {
		if r.Status != StatusRefunded || !r.RefundPending || r.SettlingBy != claimToken {
			return nil, nil
		}
		r.RefundID = refundID
		r.RefundError = refundErr
		r.RefundPending = pending
		r.clearLease()
		r.UpdatedAt = now
		return &Mutation{Record: r}, nil
	})
	if err != nil {
		traces.End(span, err)
		return nil, err
	}
	traces.End(span, nil)
	if m == nil {
		_, cur, err := s.store.Load(ctx, conv.ID)
		return cur, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(trig.String(), string(StatusRefunded)).Inc()
	if !pending {
		metrics.EscrowDuration.WithLabelValues(string(StatusRefunded)).Observe(now.Sub(conv.CreatedAt).Seconds())
	}
	s.logger.Info("escrow refunded",
		"conversationId", conv.ID, "trigger", trig, "refundId", refundID, "refundError", refundErr, "pending", pending)
	return m.Record, nil
}

func providerDetail(err error) string {
	var se *settlement.Error
	if errors.As(err, &se) {
		return se.Detail()
	}
	return err.Error()
}
