package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/circuitbreaker"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/metrics"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/retry"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/traces"
)

// Operation names, used as breaker keys and metric labels.
const (
	OpTransfer   = "transfer"
	OpRefund     = "refund"
	OpReadiness  = "account_readiness"
	OpOnboarding = "onboarding_link"
	OpAccount    = "account_create"
)

// Resilient decorates a Gateway with bounded retries of temporary failures
// and a per-operation circuit breaker. Every retry of a transfer or refund
// reuses the caller's idempotency key.
type Resilient struct {
	next      Gateway
	breaker   *circuitbreaker.Breaker
	attempts  int
	baseDelay time.Duration
	timeout   time.Duration
	logger    *slog.Logger
}

var _ Gateway = (*Resilient)(nil)

// ResilientOption configures a Resilient gateway.
type ResilientOption func(*Resilient)

// WithRetry sets the attempt budget and base backoff delay.
func WithRetry(attempts int, baseDelay time.Duration) ResilientOption {
	return func(r *Resilient) {
		r.attempts = attempts
		r.baseDelay = baseDelay
	}
}

// WithCallTimeout bounds each individual provider call.
func WithCallTimeout(d time.Duration) ResilientOption {
	return func(r *Resilient) { r.timeout = d }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) ResilientOption {
	return func(r *Resilient) { r.breaker = b }
}

// NewResilient wraps next.
func NewResilient(next Gateway, logger *slog.Logger, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		next:      next,
		breaker:   circuitbreaker.New(5, 30*time.Second),
		attempts:  3,
		baseDelay: 200 * time.Millisecond,
		timeout:   20 * time.Second,
		logger:    logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Resilient) Configured() bool { return r.next.Configured() }

func (r *Resilient) CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	var out *TransferResult
	err := r.call(ctx, OpTransfer, ReasonTransferFailed, func(ctx context.Context) error {
		res, err := r.next.CreateTransfer(ctx, req)
		out = res
		return err
	})
	return out, err
}

func (r *Resilient) CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	var out *RefundResult
	err := r.call(ctx, OpRefund, ReasonRefundFailed, func(ctx context.Context) error {
		res, err := r.next.CreateRefund(ctx, req)
		out = res
		return err
	})
	return out, err
}

func (r *Resilient) CreateAccount(ctx context.Context, req AccountRequest) (string, error) {
	var out string
	err := r.call(ctx, OpAccount, ReasonAccountCreateFailed, func(ctx context.Context) error {
		res, err := r.next.CreateAccount(ctx, req)
		out = res
		return err
	})
	return out, err
}

func (r *Resilient) AccountReadiness(ctx context.Context, accountID string) (*Readiness, error) {
	var out *Readiness
	err := r.call(ctx, OpReadiness, ReasonAccountLookupFailed, func(ctx context.Context) error {
		res, err := r.next.AccountReadiness(ctx, accountID)
		out = res
		return err
	})
	return out, err
}

func (r *Resilient) CreateOnboardingLink(ctx context.Context, accountID, returnURL string) (string, error) {
	var out string
	err := r.call(ctx, OpOnboarding, ReasonOnboardingLinkFailed, func(ctx context.Context) error {
		res, err := r.next.CreateOnboardingLink(ctx, accountID, returnURL)
		out = res
		return err
	})
	return out, err
}

func (r *Resilient) call(ctx context.Context, op string, reason Reason, fn func(context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "settlement."+op, traces.Operation(op))

	attempt := 0
	err := retry.Do(ctx, r.attempts, r.baseDelay, func() error {
		attempt++
		err := r.breaker.Execute(op, func() error {
			callCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			return normalize(fn(callCtx), reason)
		}, IsTemporary)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, circuitbreaker.ErrOpen):
			return retry.Permanent(NewError(reason, "provider circuit open", true, err))
		case IsTemporary(err):
			r.logger.Warn("settlement call failed, retrying",
				"operation", op, "attempt", attempt, "error", err)
			return err
		default:
			return retry.Permanent(err)
		}
	})
	if err != nil && !isSettlementError(err) {
		// context cancelled between attempts
		err = NewError(reason, err.Error(), true, err)
	}

	outcome := "ok"
	if err != nil {
		outcome = string(ReasonOf(err, reason))
		span.SetAttributes(traces.Reason(outcome))
	}
	metrics.SettlementCallsTotal.WithLabelValues(op, outcome).Inc()
	traces.End(span, err)
	return err
}

// normalize guarantees every failure leaving the gateway is an *Error.
func normalize(err error, reason Reason) error {
	if err == nil || isSettlementError(err) {
		return err
	}
	temporary := errors.Is(err, context.DeadlineExceeded)
	return NewError(reason, err.Error(), temporary, err)
}

func isSettlementError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}
