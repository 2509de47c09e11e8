// Package settlementtest provides a scriptable in-memory payment provider.
package settlementtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/settlement"
)

// Fake implements settlement.Gateway in memory. Transfers and refunds honor
// idempotency keys the way the real provider does: a repeated key returns
// the original result without moving money again.
type Fake struct {
	mu sync.Mutex

	unconfigured bool
	accounts     map[string]settlement.Readiness
	readinessErr error
	linkErr      error
	accountErr   error
	transferErrs []error
	refundErrs   []error

	transfers     map[string]settlement.TransferRequest // by idempotency key
	transferIDs   map[string]string
	refunds       map[string]settlement.RefundRequest
	transferCalls int
	refundCalls   int
	linkCalls     int
	created       map[string]settlement.AccountRequest // by account id
	createdByKey  map[string]string
	nextID        int

	// BeforeTransfer, when set, runs at the start of every CreateTransfer
	// call without the fake's lock held.
	BeforeTransfer func(req settlement.TransferRequest)
	// BeforeRefund is the CreateRefund counterpart of BeforeTransfer.
	BeforeRefund func(req settlement.RefundRequest)
}

var _ settlement.Gateway = (*Fake)(nil)

// New returns a configured fake with no accounts.
func New() *Fake {
	return &Fake{
		accounts:     make(map[string]settlement.Readiness),
		transfers:    make(map[string]settlement.TransferRequest),
		transferIDs:  make(map[string]string),
		refunds:      make(map[string]settlement.RefundRequest),
		created:      make(map[string]settlement.AccountRequest),
		createdByKey: make(map[string]string),
	}
}

// SetUnconfigured makes Configured report false.
func (f *Fake) SetUnconfigured() {
	f.mu.Lock()
	f.unconfigured = true
	f.mu.Unlock()
}

// SetAccount registers a connected account and its readiness.
func (f *Fake) SetAccount(id string, ready bool, missing ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[id] = settlement.Readiness{
		AccountID:           id,
		ChargesEnabled:      ready,
		PayoutsEnabled:      ready,
		MissingRequirements: missing,
	}
}

// FailReadiness makes every readiness lookup fail with err (nil clears).
func (f *Fake) FailReadiness(err error) {
	f.mu.Lock()
	f.readinessErr = err
	f.mu.Unlock()
}

// FailLinks makes onboarding link creation fail with err (nil clears).
func (f *Fake) FailLinks(err error) {
	f.mu.Lock()
	f.linkErr = err
	f.mu.Unlock()
}

// FailAccounts makes account creation fail with err (nil clears).
func (f *Fake) FailAccounts(err error) {
	f.mu.Lock()
	f.accountErr = err
	f.mu.Unlock()
}

// FailNextTransfer queues err for the next CreateTransfer call.
func (f *Fake) FailNextTransfer(err error) {
	f.mu.Lock()
	f.transferErrs = append(f.transferErrs, err)
	f.mu.Unlock()
}

// FailNextRefund queues err for the next CreateRefund call.
func (f *Fake) FailNextRefund(err error) {
	f.mu.Lock()
	f.refundErrs = append(f.refundErrs, err)
	f.mu.Unlock()
}

// Transfers returns the distinct transfers executed, by idempotency key.
func (f *Fake) Transfers() map[string]settlement.TransferRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]settlement.TransferRequest, len(f.transfers))
	for k, v := range f.transfers {
		out[k] = v
	}
	return out
}

// TransferCalls returns the number of CreateTransfer calls, including
// failed and deduplicated ones.
func (f *Fake) TransferCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transferCalls
}

// Refunds returns the distinct refunds executed, by idempotency key.
func (f *Fake) Refunds() map[string]settlement.RefundRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]settlement.RefundRequest, len(f.refunds))
	for k, v := range f.refunds {
		out[k] = v
	}
	return out
}

// RefundCalls returns the number of CreateRefund calls.
func (f *Fake) RefundCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refundCalls
}

// CreatedAccounts returns the accounts opened through CreateAccount, by id.
func (f *Fake) CreatedAccounts() map[string]settlement.AccountRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]settlement.AccountRequest, len(f.created))
	for k, v := range f.created {
		out[k] = v
	}
	return out
}

// LinkCalls returns the number of onboarding links requested.
func (f *Fake) LinkCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linkCalls
}

func (f *Fake) Configured() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unconfigured
}

func (f *Fake) CreateTransfer(ctx context.Context, req settlement.TransferRequest) (*settlement.TransferResult, error) {
	if hook := f.BeforeTransfer; hook != nil {
		hook(req)
	}
	if err := ctx.Err(); err != nil {
		return nil, settlement.NewError(settlement.ReasonTransferFailed, err.Error(), true, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferCalls++

	if len(f.transferErrs) > 0 {
		err := f.transferErrs[0]
		f.transferErrs = f.transferErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if id, ok := f.transferIDs[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return &settlement.TransferResult{TransferID: id}, nil
	}
	f.nextID++
	id := fmt.Sprintf("tr_%d", f.nextID)
	key := req.IdempotencyKey
	if key == "" {
		key = id
	}
	f.transfers[key] = req
	f.transferIDs[key] = id
	return &settlement.TransferResult{TransferID: id}, nil
}

func (f *Fake) CreateRefund(ctx context.Context, req settlement.RefundRequest) (*settlement.RefundResult, error) {
	if hook := f.BeforeRefund; hook != nil {
		hook(req)
	}
	if err := ctx.Err(); err != nil {
		return nil, settlement.NewError(settlement.ReasonRefundFailed, err.Error(), true, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundCalls++

	if req.PaymentID == "" {
		return nil, settlement.NewError(settlement.ReasonRefundUnsupported, "no payment intent on record", false, nil)
	}
	if len(f.refundErrs) > 0 {
		err := f.refundErrs[0]
		f.refundErrs = f.refundErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.nextID++
	id := fmt.Sprintf("re_%d", f.nextID)
	key := req.IdempotencyKey
	if key == "" {
		key = id
	}
	if _, ok := f.refunds[key]; !ok {
		f.refunds[key] = req
	}
	return &settlement.RefundResult{RefundID: id}, nil
}

// CreateAccount opens an account that is not yet onboarded. A repeated
// idempotency key returns the same account.
func (f *Fake) CreateAccount(_ context.Context, req settlement.AccountRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accountErr != nil {
		return "", f.accountErr
	}
	if id, ok := f.createdByKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return id, nil
	}
	f.nextID++
	id := fmt.Sprintf("acct_fake%d", f.nextID)
	f.created[id] = req
	if req.IdempotencyKey != "" {
		f.createdByKey[req.IdempotencyKey] = id
	}
	f.accounts[id] = settlement.Readiness{
		AccountID:           id,
		MissingRequirements: []string{"external_account", "tos_acceptance.date"},
	}
	return id, nil
}

func (f *Fake) AccountReadiness(_ context.Context, accountID string) (*settlement.Readiness, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readinessErr != nil {
		return nil, f.readinessErr
	}
	acct, ok := f.accounts[accountID]
	if !ok {
		return nil, settlement.NewError(settlement.ReasonAccountLookupFailed,
			fmt.Sprintf("No such account: '%s'", accountID), false, nil)
	}
	acct.MissingRequirements = append([]string(nil), acct.MissingRequirements...)
	return &acct, nil
}

func (f *Fake) CreateOnboardingLink(_ context.Context, accountID, returnURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkCalls++
	if f.linkErr != nil {
		return "", f.linkErr
	}
	return fmt.Sprintf("https://connect.example.test/setup/%s/%d?return=%s", accountID, f.linkCalls, returnURL), nil
}
