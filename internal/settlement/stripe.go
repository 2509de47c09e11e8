package settlement

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeGateway talks to Stripe Connect: transfers to connected accounts,
// refunds of checkout payment intents, Express account creation, account
// readiness and onboarding links.
type StripeGateway struct {
	api      *client.API
	currency string
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway creates a gateway for secretKey. backends may be nil to use
// the live Stripe API; tests pass backends pointing at an httptest server.
func NewStripeGateway(secretKey, currency string, backends *stripe.Backends) *StripeGateway {
	if currency == "" {
		currency = string(stripe.CurrencyEUR)
	}
	return &StripeGateway{
		api:      client.New(secretKey, backends),
		currency: strings.ToLower(currency),
	}
}

// NewStripeBackends builds backends for a non-default API base URL with
// client-side retries disabled (Resilient owns retrying).
func NewStripeBackends(baseURL string) *stripe.Backends {
	cfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if baseURL != "" {
		cfg.URL = stripe.String(baseURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)
	return &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
}

func (g *StripeGateway) Configured() bool { return g != nil && g.api != nil }

func (g *StripeGateway) CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	currency := req.Currency
	if currency == "" {
		currency = g.currency
	}
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.AmountMinor),
		Currency:    stripe.String(strings.ToLower(currency)),
		Destination: stripe.String(req.DestinationAccount),
	}
	params.Context = ctx
	params.AddMetadata("threadId", req.ConversationID)
	if req.Source != "" {
		params.AddMetadata("source", req.Source)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	tr, err := g.api.Transfers.New(params)
	if err != nil {
		return nil, classifyStripe(ReasonTransferFailed, err)
	}
	return &TransferResult{TransferID: tr.ID}, nil
}

func (g *StripeGateway) CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.PaymentID == "" {
		return nil, NewError(ReasonRefundUnsupported, "no payment intent on record", false, nil)
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentID),
	}
	params.Context = ctx
	params.AddMetadata("threadId", req.ConversationID)
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	rf, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, classifyStripe(ReasonRefundFailed, err)
	}
	return &RefundResult{RefundID: rf.ID}, nil
}

func (g *StripeGateway) CreateAccount(ctx context.Context, req AccountRequest) (string, error) {
	params := &stripe.AccountParams{
		Type: stripe.String(string(stripe.AccountTypeExpress)),
		Capabilities: &stripe.AccountCapabilitiesParams{
			Transfers: &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
	}
	params.Context = ctx
	params.AddMetadata("creatorId", req.CreatorID)
	if req.Wallet != "" {
		params.AddMetadata("wallet", req.Wallet)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	acct, err := g.api.Accounts.New(params)
	if err != nil {
		return "", classifyStripe(ReasonAccountCreateFailed, err)
	}
	return acct.ID, nil
}

func (g *StripeGateway) AccountReadiness(ctx context.Context, accountID string) (*Readiness, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx

	acct, err := g.api.Accounts.GetByID(accountID, params)
	if err != nil {
		return nil, classifyStripe(ReasonAccountLookupFailed, err)
	}
	r := &Readiness{
		AccountID:      acct.ID,
		ChargesEnabled: acct.ChargesEnabled,
		PayoutsEnabled: acct.PayoutsEnabled,
	}
	if acct.Requirements != nil {
		r.MissingRequirements = append([]string(nil), acct.Requirements.CurrentlyDue...)
	}
	if r.AccountID == "" {
		r.AccountID = accountID
	}
	return r, nil
}

func (g *StripeGateway) CreateOnboardingLink(ctx context.Context, accountID, returnURL string) (string, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(returnURL),
		ReturnURL:  stripe.String(returnURL),
		Type:       stripe.String("account_onboarding"),
	}
	params.Context = ctx

	link, err := g.api.AccountLinks.New(params)
	if err != nil {
		return "", classifyStripe(ReasonOnboardingLinkFailed, err)
	}
	return link.URL, nil
}

// classifyStripe maps a stripe-go error onto the taxonomy. Server-side and
// rate-limit failures are temporary; request errors are definitive. Errors
// that never reached Stripe (network, timeouts) are temporary with an
// unknown outcome.
func classifyStripe(reason Reason, err error) *Error {
	var se *stripe.Error
	if errors.As(err, &se) {
		temporary := se.HTTPStatusCode >= http.StatusInternalServerError ||
			se.HTTPStatusCode == http.StatusTooManyRequests ||
			se.Type == stripe.ErrorTypeAPI
		msg := se.Msg
		if msg == "" {
			msg = string(se.Code)
		}
		return NewError(reason, msg, temporary, err)
	}
	return NewError(reason, err.Error(), true, err)
}
