// Package escrow holds a fan's payment for a paid conversation until the
// creator answers or the reply deadline passes.
//
// Flow:
//  1. Fan pays → conversation (open) + escrow record (locked)
//  2. Creator sends a substantial reply before the deadline → answered,
//     funds released to the creator's payout account
//  3. Deadline passes first → refunded, fan's payment refunded
//  4. Failed payouts park in payout_failed and are re-driven by
//     reconciliation or an admin
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/settlement"
)

var (
	ErrNotFound           = errors.New("conversation not found")
	ErrAlreadyExists      = errors.New("conversation already exists")
	ErrConflict           = errors.New("concurrent update, revision mismatch")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrUnauthorized       = errors.New("not authorized for this conversation")
	ErrForbidden          = errors.New("admin identity required")
	ErrInvalidStatus      = errors.New("invalid escrow status for this operation")
	ErrConversationClosed = errors.New("conversation closed")
	ErrPreReplyCap        = errors.New("pre-reply message cap reached")
	ErrSettlementInFlight = errors.New("settlement already in flight")
	ErrCreatorUnclaimed   = errors.New("creator handle has no owning wallet yet")
)

// ConversationStatus is the dialogue state.
type ConversationStatus string

const (
	ConversationOpen     ConversationStatus = "open"
	ConversationAnswered ConversationStatus = "answered"
	ConversationRefunded ConversationStatus = "refunded"
)

// Status is the escrow (money) state.
type Status string

const (
	StatusLocked       Status = "locked"        // Funds held
	StatusReleased     Status = "released"      // Paid out to the creator
	StatusRefunded     Status = "refunded"      // Returned to the fan
	StatusHoldReview   Status = "hold_review"   // Parked for a human decision
	StatusPayoutFailed Status = "payout_failed" // Payout owed, last attempt failed
)

// IsTerminal reports whether no further money movement can happen.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Role is the sender side of a message.
type Role string

const (
	RoleFan     Role = "fan"
	RoleCreator Role = "creator"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleFan || r == RoleCreator }

// Rail is how the fan paid.
type Rail string

const (
	RailWallet Rail = "wallet" // on-chain, settled outside this service
	RailStripe Rail = "stripe" // card checkout, settled through Stripe Connect
)

// MaxPreReplyMessages is how many messages a fan may send before the
// creator's first reply.
const MaxPreReplyMessages = 2

// DefaultSettleLease is how long a settlement claim is honored before another
// worker may take it over.
const DefaultSettleLease = 5 * time.Minute

// Conversation is a paid, timed dialogue between a fan and a creator.
type Conversation struct {
	ID              string             `json:"id"`
	CreatorID       string             `json:"creatorId"`
	CreatorIdentity string             `json:"creatorIdentity,omitempty"`
	FanIdentity     string             `json:"fanIdentity,omitempty"`
	AmountMinor     int64              `json:"amountMinor"`
	Currency        string             `json:"currency"`
	Rail            Rail               `json:"rail"`
	PaymentID       string             `json:"paymentId,omitempty"`
	Status          ConversationStatus `json:"status"`
	CreatedAt       time.Time          `json:"createdAt"`
	Deadline        time.Time          `json:"deadline"`
	AnsweredAt      *time.Time         `json:"answeredAt,omitempty"`
	RefundedAt      *time.Time         `json:"refundedAt,omitempty"`
	Revision        int64              `json:"revision"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// Message is one entry in a conversation's append-only log.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
}

// NextAction is a remediation hint for a blocked payout.
type NextAction struct {
	Type                string   `json:"type"`
	AccountID           string   `json:"accountId,omitempty"`
	MissingRequirements []string `json:"missingRequirements"`
	OnboardingURL       *string  `json:"onboardingUrl"`
	LinkError           string   `json:"linkError,omitempty"`
}

// NextActionFinishOnboarding asks the creator to complete provider onboarding.
const NextActionFinishOnboarding = "finish_onboarding"

// Record is the escrow state of one conversation. It is the single source of
// truth for whether money has moved.
type Record struct {
	ConversationID      string            `json:"conversationId"`
	Status              Status            `json:"status"`
	Rail                Rail              `json:"rail"`
	PayoutErrors        ErrorSet          `json:"payoutErrors"`
	PayoutLastError     string            `json:"payoutLastError,omitempty"`
	PayoutLastErrorCode settlement.Reason `json:"payoutLastErrorCode,omitempty"`
	PayoutLastErrorAt   *time.Time        `json:"payoutLastErrorAt,omitempty"`
	PayoutNextAction    *NextAction       `json:"payoutNextAction"`
	RefundError         string            `json:"refundError,omitempty"`
	RefundPending       bool              `json:"refundPending,omitempty"`
	ReleasedAt          *time.Time        `json:"releasedAt,omitempty"`
	RefundedAt          *time.Time        `json:"refundedAt,omitempty"`
	ReleasedBy          string            `json:"releasedBy,omitempty"`
	HoldReviewedBy      string            `json:"holdReviewedBy,omitempty"`
	HoldReason          string            `json:"holdReason,omitempty"`
	AttemptedReleaseBy  string            `json:"attemptedReleaseBy,omitempty"`
	TransferID          string            `json:"transferId,omitempty"`
	RefundID            string            `json:"refundId,omitempty"`
	TransferAttempt     int               `json:"transferAttempt"`
	SettlingSince       *time.Time        `json:"settlingSince,omitempty"`
	SettlingBy          string            `json:"settlingBy,omitempty"`
	Revision            int64             `json:"revision"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

// leaseHeld reports whether another settlement claim is still live at now.
func (r *Record) leaseHeld(now time.Time, lease time.Duration) bool {
	return r.SettlingSince != nil && now.Sub(*r.SettlingSince) < lease
}

func (r *Record) clearLease() {
	r.SettlingSince = nil
	r.SettlingBy = ""
}

// View is what callers see of a conversation.
type View struct {
	Conversation *Conversation `json:"conversation"`
	Escrow       *Record       `json:"escrow"`
	Messages     []*Message    `json:"messages"`
}

// Action is a settlement direction.
type Action string

const (
	ActionRelease Action = "release"
	ActionRefund  Action = "refund"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool { return a == ActionRelease || a == ActionRefund }

// TriggerKind names who initiated a transition.
type TriggerKind string

const (
	TriggerReply               TriggerKind = "reply"
	TriggerDeadlineSweep       TriggerKind = "deadline_sweep"
	TriggerAdminAction         TriggerKind = "admin_action"
	TriggerReconciliationRetry TriggerKind = "reconciliation_retry"
)

// Trigger is the source of a settlement. Actor is set only for admin actions.
type Trigger struct {
	Kind  TriggerKind
	Actor string
}

func Reply() Trigger                   { return Trigger{Kind: TriggerReply} }
func DeadlineSweep() Trigger           { return Trigger{Kind: TriggerDeadlineSweep} }
func ReconciliationRetry() Trigger     { return Trigger{Kind: TriggerReconciliationRetry} }
func AdminAction(actor string) Trigger { return Trigger{Kind: TriggerAdminAction, Actor: actor} }

func (t Trigger) String() string { return string(t.Kind) }

// auditName is what gets written to releasedBy.
func (t Trigger) auditName() string {
	if t.Kind == TriggerAdminAction {
		return t.Actor
	}
	return string(t.Kind)
}

// OpenRequest creates a paid conversation.
type OpenRequest struct {
	// ID is optional; a provider-derived ID makes Open idempotent.
	ID              string
	CreatorID       string
	CreatorIdentity string
	FanIdentity     string
	AmountMinor     int64
	Currency        string
	Rail            Rail
	PaymentID       string
	TTL             time.Duration
	FirstMessage    string
}

// Mutation is one atomic write. Non-nil documents are compared against their
// stored Revision and written with Revision+1; a Message is appended and
// always travels with its Conversation.
type Mutation struct {
	Conversation *Conversation
	Record       *Record
	Message      *Message
}

// RecordQuery selects escrow records. Zero-valued fields do not filter.
type RecordQuery struct {
	Statuses       []Status
	RefundPending  bool
	SettlingBefore time.Time // only records claimed before this instant
	Limit          int
}

// Matches reports whether rec satisfies q.
func (q RecordQuery) Matches(rec *Record) bool {
	if len(q.Statuses) > 0 {
		ok := false
		for _, s := range q.Statuses {
			if rec.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if q.RefundPending && !rec.RefundPending {
		return false
	}
	if !q.SettlingBefore.IsZero() && (rec.SettlingSince == nil || !rec.SettlingSince.Before(q.SettlingBefore)) {
		return false
	}
	return true
}

// Store persists conversations, escrow records and messages.
type Store interface {
	// Create inserts a new conversation, its record and an optional first
	// message. Returns ErrAlreadyExists if the ID is taken.
	Create(ctx context.Context, m Mutation) error
	// Load returns copies of the conversation and its record.
	Load(ctx context.Context, id string) (*Conversation, *Record, error)
	// Messages returns the conversation's log, oldest first.
	Messages(ctx context.Context, id string) ([]*Message, error)
	// Apply commits m atomically. Returns ErrConflict if any revision moved.
	// On success the Revision fields of m's documents are advanced.
	Apply(ctx context.Context, m Mutation) error
	// ListDue returns open conversations whose deadline is at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Conversation, error)
	ListRecords(ctx context.Context, q RecordQuery) ([]*Record, error)
	// ListByIdentity returns the identity's conversations, newest first.
	ListByIdentity(ctx context.Context, identity string, role Role, limit int) ([]*Conversation, error)
}

// CreatorDirectory resolves a creator's wallet and where their money goes.
type CreatorDirectory interface {
	// CreatorWallet returns the creator's bound wallet, or "" if unclaimed.
	CreatorWallet(ctx context.Context, creatorID string) (string, error)
	// PayoutAccount returns the bound provider account, or "" if none.
	PayoutAccount(ctx context.Context, creatorID string) (string, error)
	// OnboardingReturnURL is where the provider sends the creator back to.
	OnboardingReturnURL(creatorID string) string
}

// AdminAuthorizer decides whether a verified identity may act as admin.
type AdminAuthorizer interface {
	Contains(identity string) bool
}
