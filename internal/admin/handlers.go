package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/auth"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/escrow"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/logging"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/reconciliation"
)

// EscrowService abstracts escrow operations for admin handlers.
type EscrowService interface {
	AdminOverride(ctx context.Context, id string, action escrow.Action, identity string) (*escrow.Record, error)
	HoldForReview(ctx context.Context, id, identity, reason string) (*escrow.Record, error)
	ListRecords(ctx context.Context, statuses []escrow.Status, limit int) ([]*escrow.Record, error)
	Get(ctx context.Context, id string) (*escrow.View, error)
	SweepExpired(ctx context.Context, now time.Time) (*escrow.SweepResult, error)
	Now() time.Time
}

// ReconciliationRunner runs an on-demand reconciliation pass.
type ReconciliationRunner interface {
	ReconcileFailedPayouts(ctx context.Context) (*reconciliation.Report, error)
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	escrow     EscrowService
	reconciler ReconciliationRunner
}

// NewHandler creates a new admin handler.
func NewHandler(svc EscrowService) *Handler {
	return &Handler{escrow: svc}
}

// WithReconciler sets the reconciliation runner for on-demand reconciliation.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// RegisterRoutes sets up admin routes. The group must already require an
// admin identity; every route also needs a signature made for admin use.
func (h *Handler) RegisterRoutes(g *gin.RouterGroup) {
	r := g.Group("", auth.RequirePurpose(auth.PurposeAdmin))
	r.POST("/admin/conversations/:id/override", h.override)
	r.POST("/admin/conversations/:id/hold", h.hold)
	r.GET("/admin/payouts", h.payoutStatus)
	r.POST("/admin/reconcile", h.triggerReconciliation)
	r.POST("/admin/sweep", h.sweep)
}

// OverrideRequest is the body of the override endpoint.
type OverrideRequest struct {
	Action escrow.Action `json:"action" binding:"required"`
}

// HoldRequest is the body of the hold endpoint.
type HoldRequest struct {
	Reason string `json:"reason"`
}

// override re-drives a parked settlement as release or refund.
func (h *Handler) override(c *gin.Context) {
	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Action.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "action must be release or refund",
		})
		return
	}

	id := c.Param("id")
	ctx := logging.WithConversationID(c.Request.Context(), id)
	rec, err := h.escrow.AdminOverride(ctx, id, req.Action, auth.Wallet(c))
	if err != nil {
		escrow.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// hold parks an answered conversation's payout for review.
func (h *Handler) hold(c *gin.Context) {
	var req HoldRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed body"})
			return
		}
	}

	id := c.Param("id")
	ctx := logging.WithConversationID(c.Request.Context(), id)
	rec, err := h.escrow.HoldForReview(ctx, id, auth.Wallet(c), req.Reason)
	if err != nil {
		escrow.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// payoutStatus lists escrows parked in payout_failed or hold_review.
func (h *Handler) payoutStatus(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	ctx := c.Request.Context()
	recs, err := h.escrow.ListRecords(ctx, []escrow.Status{escrow.StatusPayoutFailed, escrow.StatusHoldReview}, limit)
	if err != nil {
		escrow.RespondError(c, err)
		return
	}

	out := PayoutStatus{PayoutFailed: []PayoutItem{}, HoldReview: []PayoutItem{}}
	for _, rec := range recs {
		var conv *escrow.Conversation
		if v, err := h.escrow.Get(ctx, rec.ConversationID); err == nil {
			conv = v.Conversation
		} else {
			logging.L(ctx).Warn("payout status: conversation lookup failed", "conversationId", rec.ConversationID, "error", err)
		}
		item := newPayoutItem(rec, conv)
		if rec.Status == escrow.StatusHoldReview {
			out.HoldReview = append(out.HoldReview, item)
		} else {
			out.PayoutFailed = append(out.PayoutFailed, item)
		}
	}
	out.Total = len(out.PayoutFailed) + len(out.HoldReview)
	c.JSON(http.StatusOK, out)
}

// triggerReconciliation runs an on-demand reconciliation pass.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.ReconcileFailedPayouts(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("on-demand reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error(), "report": report})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

// sweep refunds every conversation past its deadline.
func (h *Handler) sweep(c *gin.Context) {
	res, err := h.escrow.SweepExpired(c.Request.Context(), h.escrow.Now())
	if err != nil {
		logging.L(c.Request.Context()).Error("on-demand sweep incomplete", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep incomplete", "message": err.Error(), "result": res})
		return
	}
	c.JSON(http.StatusOK, res)
}
