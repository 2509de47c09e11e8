// Package admin provides admin-only endpoints for resolving parked payouts.
package admin

import (
	"time"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/escrow"
)

// PayoutItem is one parked escrow in the payout status listing.
type PayoutItem struct {
	ConversationID   string             `json:"conversationId"`
	Status           escrow.Status      `json:"status"`
	CreatorID        string             `json:"creatorId,omitempty"`
	AmountMinor      int64              `json:"amountMinor,omitempty"`
	Currency         string             `json:"currency,omitempty"`
	Rail             escrow.Rail        `json:"rail"`
	PayoutNextAction *escrow.NextAction `json:"payoutNextAction"`
	PayoutLastError  string             `json:"payoutLastError,omitempty"`
	PayoutErrors     escrow.ErrorSet    `json:"payoutErrors"`
	HoldReason       string             `json:"holdReason,omitempty"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// PayoutStatus groups parked escrows by what they are waiting on.
type PayoutStatus struct {
	PayoutFailed []PayoutItem `json:"payoutFailed"`
	HoldReview   []PayoutItem `json:"holdReview"`
	Total        int          `json:"total"`
}

func newPayoutItem(rec *escrow.Record, conv *escrow.Conversation) PayoutItem {
	item := PayoutItem{
		ConversationID:   rec.ConversationID,
		Status:           rec.Status,
		Rail:             rec.Rail,
		PayoutNextAction: rec.PayoutNextAction,
		PayoutLastError:  rec.PayoutLastError,
		PayoutErrors:     rec.PayoutErrors,
		HoldReason:       rec.HoldReason,
		UpdatedAt:        rec.UpdatedAt,
	}
	if conv != nil {
		item.CreatorID = conv.CreatorID
		item.AmountMinor = conv.AmountMinor
		item.Currency = conv.Currency
	}
	return item
}
