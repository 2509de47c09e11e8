// Package settlement wraps the external payment provider behind a small
// capability interface and normalizes its failures into a fixed taxonomy.
package settlement

import (
	"context"
	"errors"
	"fmt"
)

// Reason is a settlement failure code. Reasons are stable strings: they are
// persisted in escrow records and returned to operators.
type Reason string

const (
	ReasonProviderNotConfigured Reason = "provider_not_configured"
	ReasonNoDestinationAccount  Reason = "no_destination_account"
	ReasonAccountNotReady       Reason = "account_not_ready"
	ReasonAccountLookupFailed   Reason = "account_lookup_failed"
	ReasonTransferFailed        Reason = "transfer_failed"
	ReasonRefundFailed          Reason = "refund_failed"
	ReasonRefundUnsupported     Reason = "refund_unsupported"
	ReasonOnboardingLinkFailed  Reason = "onboarding_link_failed"
	ReasonAccountCreateFailed   Reason = "account_create_failed"
)

// Error is a classified provider failure.
type Error struct {
	Reason  Reason
	Message string // raw provider message, may be empty
	// Temporary marks failures worth retrying as-is (timeouts, 5xx, rate
	// limits). The outcome of a temporary transfer failure is unknown.
	Temporary bool
	Err       error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Detail returns the raw provider message, or the reason code when the
// provider gave none.
func (e *Error) Detail() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Reason)
}

// NewError builds an *Error.
func NewError(reason Reason, message string, temporary bool, cause error) *Error {
	return &Error{Reason: reason, Message: message, Temporary: temporary, Err: cause}
}

// ReasonOf extracts the taxonomy code from err, falling back to def.
func ReasonOf(err error, def Reason) Reason {
	var se *Error
	if errors.As(err, &se) {
		return se.Reason
	}
	return def
}

// IsTemporary reports whether err is a retryable provider failure.
func IsTemporary(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Temporary
}

// TransferRequest moves AmountMinor from the platform to a connected account.
type TransferRequest struct {
	AmountMinor        int64
	Currency           string
	DestinationAccount string
	ConversationID     string
	IdempotencyKey     string
	Source             string // who drove the transfer, stored as metadata
}

// TransferResult identifies a completed transfer.
type TransferResult struct {
	TransferID string
}

// RefundRequest refunds the fan's original payment.
type RefundRequest struct {
	PaymentID      string
	ConversationID string
	IdempotencyKey string
	Reason         string
}

// RefundResult identifies a completed refund.
type RefundResult struct {
	RefundID string
}

// AccountRequest opens a connected account for a creator.
type AccountRequest struct {
	CreatorID      string
	Wallet         string // owning wallet, stored as metadata
	IdempotencyKey string
}

// Readiness is the live payout capability of a connected account.
type Readiness struct {
	AccountID           string
	ChargesEnabled      bool
	PayoutsEnabled      bool
	MissingRequirements []string
}

// Ready reports whether the account can receive transfers now.
func (r *Readiness) Ready() bool {
	return r != nil && r.ChargesEnabled && r.PayoutsEnabled && len(r.MissingRequirements) == 0
}

// Gateway is the payment provider capability surface.
type Gateway interface {
	// Configured reports whether the provider can be called at all.
	Configured() bool
	CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	// CreateAccount opens a connected account and returns its id.
	CreateAccount(ctx context.Context, req AccountRequest) (string, error)
	AccountReadiness(ctx context.Context, accountID string) (*Readiness, error)
	CreateOnboardingLink(ctx context.Context, accountID, returnURL string) (string, error)
}

// Unconfigured is the gateway used when no provider credentials exist.
// Every call fails with provider_not_configured.
type Unconfigured struct{}

var _ Gateway = Unconfigured{}

func (Unconfigured) Configured() bool { return false }

func (Unconfigured) CreateTransfer(context.Context, TransferRequest) (*TransferResult, error) {
	return nil, NewError(ReasonProviderNotConfigured, "", false, nil)
}

func (Unconfigured) CreateRefund(context.Context, RefundRequest) (*RefundResult, error) {
	return nil, NewError(ReasonProviderNotConfigured, "", false, nil)
}

func (Unconfigured) CreateAccount(context.Context, AccountRequest) (string, error) {
	return "", NewError(ReasonProviderNotConfigured, "", false, nil)
}

func (Unconfigured) AccountReadiness(context.Context, string) (*Readiness, error) {
	return nil, NewError(ReasonProviderNotConfigured, "", false, nil)
}

func (Unconfigured) CreateOnboardingLink(context.Context, string, string) (string, error) {
	return "", NewError(ReasonProviderNotConfigured, "", false, nil)
}
