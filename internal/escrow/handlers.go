package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/auth"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/logging"
)

// Handler provides HTTP endpoints for conversations.
type Handler struct {
	service *Service
}

// NewHandler creates a new conversation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) conversation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/conversations/:id", h.GetConversation)
}

// RegisterProtectedRoutes sets up routes that need a verified identity,
// each signed for its own purpose.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/conversations", auth.RequirePurpose(auth.PurposeInbox), h.ListConversations)
	r.POST("/conversations", auth.RequirePurpose(auth.PurposeCreateThread), h.OpenConversation)
	r.POST("/conversations/:id/messages", auth.RequirePurpose(auth.PurposeMessage), h.PostMessage)
}

// OpenConversationRequest opens a wallet-rail conversation. The caller is
// the fan.
type OpenConversationRequest struct {
	CreatorID    string `json:"creatorId" binding:"required"`
	AmountMinor  int64  `json:"amountMinor" binding:"required"`
	Currency     string `json:"currency"`
	TTLHours     int    `json:"ttlHours"`
	FirstMessage string `json:"firstMessage"`
	// PaymentRef is the on-chain escrow reference, when there is one.
	PaymentRef string `json:"paymentRef"`
}

// PostMessageRequest is the body of POST /conversations/:id/messages.
type PostMessageRequest struct {
	Role Role   `json:"role" binding:"required"`
	Body string `json:"body" binding:"required"`
}

// OpenConversation handles POST /v1/conversations
func (h *Handler) OpenConversation(c *gin.Context) {
	var req OpenConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "creatorId and amountMinor are required",
		})
		return
	}
	if req.TTLHours < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "ttlHours must not be negative",
		})
		return
	}

	view, err := h.service.Open(c.Request.Context(), OpenRequest{
		CreatorID:    req.CreatorID,
		FanIdentity:  auth.Wallet(c),
		AmountMinor:  req.AmountMinor,
		Currency:     req.Currency,
		Rail:         RailWallet,
		PaymentID:    req.PaymentRef,
		TTL:          time.Duration(req.TTLHours) * time.Hour,
		FirstMessage: req.FirstMessage,
	})
	if err != nil {
		RespondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, view)
}

// GetConversation handles GET /v1/conversations/:id
func (h *Handler) GetConversation(c *gin.Context) {
	view, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// PostMessage handles POST /v1/conversations/:id/messages
func (h *Handler) PostMessage(c *gin.Context) {
	id := c.Param("id")
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "role and body are required",
		})
		return
	}

	ctx := logging.WithConversationID(c.Request.Context(), id)
	view, err := h.service.ProposeReply(ctx, id, req.Role, req.Body, auth.Wallet(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ListConversations handles GET /v1/conversations?role=fan|creator
func (h *Handler) ListConversations(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	convs, err := h.service.ListForIdentity(c.Request.Context(), auth.Wallet(c), Role(c.Query("role")), limit)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversations": convs,
		"count":         len(convs),
	})
}

// HTTPStatus maps a service error to a status code and a stable error code.
func HTTPStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, "identity_mismatch"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrConversationClosed):
		return http.StatusConflict, "conversation_closed"
	case errors.Is(err, ErrSettlementInFlight):
		return http.StatusConflict, "settlement_in_flight"
	case errors.Is(err, ErrCreatorUnclaimed):
		return http.StatusConflict, "creator_unclaimed"
	case errors.Is(err, ErrInvalidStatus):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrPreReplyCap):
		return http.StatusTooManyRequests, "pre_reply_cap"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// RespondError writes err as a JSON error body with the mapped status.
func RespondError(c *gin.Context, err error) {
	status, code := HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("conversation request failed", "path", c.FullPath(), "error", err)
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
