package creator

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/auth"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/logging"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/settlement"
)

// Handler provides HTTP endpoints for creator payout profiles.
type Handler struct {
	service *Service
}

// NewHandler creates a new creator handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public creator routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/creators/:id/payout", h.GetPayout)
}

// RegisterProtectedRoutes sets up routes that need a wallet signature made
// for creator use.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	g := r.Group("", auth.RequirePurpose(auth.PurposeCreator))
	g.PUT("/creators/:id/payout", h.ClaimPayout)
	g.POST("/creators/:id/payout/onboarding-link", h.OnboardingLink)
}

// GetPayout handles GET /v1/creators/:id/payout
func (h *Handler) GetPayout(c *gin.Context) {
	id := c.Param("id")
	p, err := h.service.Profile(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	view, err := h.service.Readiness(c.Request.Context(), id)
	if err != nil {
		logging.L(c.Request.Context()).Warn("payout readiness unavailable", "creator", id, "error", err)
		c.JSON(http.StatusOK, gin.H{"profile": p, "readiness": nil, "readinessError": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p, "readiness": view})
}

// ClaimPayout handles PUT /v1/creators/:id/payout. The payout account is
// opened by the provider during onboarding, never supplied by the client.
func (h *Handler) ClaimPayout(c *gin.Context) {
	p, err := h.service.Claim(c.Request.Context(), c.Param("id"), auth.Wallet(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// OnboardingLink handles POST /v1/creators/:id/payout/onboarding-link
func (h *Handler) OnboardingLink(c *gin.Context) {
	link, err := h.service.OnboardingLink(c.Request.Context(), c.Param("id"), auth.Wallet(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": link})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrWalletTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "wallet_taken", "message": err.Error()})
	case errors.Is(err, ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider_not_configured", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("creator request failed", "path", c.FullPath(), "error", err)
		var perr *settlement.Error
		if errors.As(err, &perr) {
			c.JSON(http.StatusBadGateway, gin.H{"error": string(perr.Reason), "message": "Payment provider request failed"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
