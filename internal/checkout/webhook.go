// Package checkout turns completed provider checkout sessions into paid
// conversations.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/escrow"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/idgen"
)

const (
	eventSessionCompleted = "checkout.session.completed"
	maxPayloadBytes       = 65536
)

var walletPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Opener opens conversations. *escrow.Service satisfies it.
type Opener interface {
	Open(ctx context.Context, req escrow.OpenRequest) (*escrow.View, error)
}

// Handler receives provider checkout webhooks.
type Handler struct {
	opener        Opener
	secret        string
	allowUnsigned bool
	logger        *slog.Logger
}

// NewHandler creates a webhook handler. With an empty secret, unsigned
// payloads are accepted only when allowUnsigned is set (development).
func NewHandler(opener Opener, secret string, allowUnsigned bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{opener: opener, secret: secret, allowUnsigned: allowUnsigned, logger: logger}
}

// RegisterRoutes sets up the webhook route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/checkout/webhook", h.Webhook)
}

// Webhook handles POST /v1/checkout/webhook
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "message": "could not read body"})
		return
	}

	event, err := h.parse(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("checkout webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": err.Error()})
		return
	}

	if string(event.Type) != eventSessionCompleted {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	view, err := h.sessionCompleted(c.Request.Context(), event)
	switch {
	case errors.Is(err, errIgnored):
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
	case errors.Is(err, escrow.ErrInvalidRequest):
		h.logger.Warn("checkout session not convertible", "eventId", event.ID, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case err != nil:
		h.logger.Error("checkout webhook failed", "eventId", event.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	default:
		c.JSON(http.StatusOK, gin.H{"received": true, "conversationId": view.Conversation.ID})
	}
}

var (
	errUnsigned = errors.New("unsigned webhook payloads are not accepted")
	errIgnored  = errors.New("event ignored")
)

func (h *Handler) parse(payload []byte, signature string) (stripe.Event, error) {
	if h.secret != "" {
		return webhook.ConstructEventWithOptions(payload, signature, h.secret, webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
	}
	var event stripe.Event
	if !h.allowUnsigned {
		return event, errUnsigned
	}
	err := json.Unmarshal(payload, &event)
	return event, err
}

func (h *Handler) sessionCompleted(ctx context.Context, event stripe.Event) (*escrow.View, error) {
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event has no data", escrow.ErrInvalidRequest)
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("%w: decode checkout session: %v", escrow.ErrInvalidRequest, err)
	}
	meta := session.Metadata
	if meta["type"] == "tip" {
		h.logger.Debug("tip checkout ignored", "sessionId", session.ID)
		return nil, errIgnored
	}

	req := escrow.OpenRequest{
		ID:           idgen.Derived("t_", "checkout:"+session.ID),
		CreatorID:    firstNonEmpty(meta["creator"]),
		AmountMinor:  session.AmountTotal,
		Currency:     string(session.Currency),
		Rail:         escrow.RailStripe,
		TTL:          ttlFromMeta(firstNonEmpty(meta["ttlHours"], meta["ttl_hours"])),
		FirstMessage: firstNonEmpty(meta["firstMessage"], meta["first_message"]),
	}
	if session.PaymentIntent != nil {
		req.PaymentID = session.PaymentIntent.ID
	}
	// fans paying by card usually have no wallet yet and bind on first message
	if hint := firstNonEmpty(meta["fanHint"], meta["fan_hint"]); walletPattern.MatchString(hint) {
		req.FanIdentity = hint
	}

	view, err := h.opener.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	h.logger.Info("checkout converted to conversation",
		"sessionId", session.ID,
		"conversationId", view.Conversation.ID,
		"creator", req.CreatorID,
	)
	return view, nil
}

func ttlFromMeta(v string) time.Duration {
	hours, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || hours <= 0 {
		return 0
	}
	return time.Duration(hours) * time.Hour
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
