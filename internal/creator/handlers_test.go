package creator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/auth"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/settlement"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newCreatorRouter(svc *Service) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if w := c.GetHeader("X-Test-Wallet"); w != "" {
			purpose := c.GetHeader("X-Test-Purpose")
			if purpose == "" {
				purpose = auth.PurposeCreator
			}
			c.Set(auth.ContextKeyIdentity, &auth.Identity{Wallet: w, Purpose: purpose})
		}
		c.Next()
	})
	h := NewHandler(svc)
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	h.RegisterProtectedRoutes(protected)
	return r
}

func request(t *testing.T, r http.Handler, method, path, wallet string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if wallet != "" {
		req.Header.Set("X-Test-Wallet", wallet)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlers_ClaimAndRead(t *testing.T) {
	svc, gw := newTestService(t)
	r := newCreatorRouter(svc)

	w := request(t, r, http.MethodPut, "/v1/creators/alice/payout", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = request(t, r, http.MethodPut, "/v1/creators/alice/payout", ownerWallet, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = request(t, r, http.MethodPut, "/v1/creators/alice/payout", otherWallet, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = request(t, r, http.MethodPost, "/v1/creators/alice/payout/onboarding-link", ownerWallet, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	acct, err := svc.PayoutAccount(context.Background(), "alice")
	require.NoError(t, err)
	gw.SetAccount(acct, false, "tos_acceptance.date")

	w = request(t, r, http.MethodGet, "/v1/creators/alice/payout", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Profile   Profile        `json:"profile"`
		Readiness *ReadinessView `json:"readiness"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, acct, body.Profile.AccountID)
	assert.Equal(t, ownerWallet, body.Profile.Wallet)
	require.NotNil(t, body.Readiness)
	assert.False(t, body.Readiness.Ready)
	assert.Equal(t, []string{"tos_acceptance.date"}, body.Readiness.MissingRequirements)
}

func TestHandlers_ClientAccountIgnored(t *testing.T) {
	svc, _ := newTestService(t)
	r := newCreatorRouter(svc)

	w := request(t, r, http.MethodPut, "/v1/creators/alice/payout", ownerWallet, map[string]string{"accountId": "acct_someoneElse"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	acct, err := svc.PayoutAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, acct)
}

func TestHandlers_OnboardingLink(t *testing.T) {
	svc, gw := newTestService(t)
	r := newCreatorRouter(svc)

	w := request(t, r, http.MethodPost, "/v1/creators/alice/payout/onboarding-link", ownerWallet, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		URL string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, gw.CreatedAccounts(), 1)
	for id := range gw.CreatedAccounts() {
		assert.Contains(t, body.URL, id)
	}

	w = request(t, r, http.MethodPost, "/v1/creators/alice/payout/onboarding-link", otherWallet, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	gw.FailLinks(settlement.NewError(settlement.ReasonOnboardingLinkFailed, "upstream", true, nil))
	w = request(t, r, http.MethodPost, "/v1/creators/alice/payout/onboarding-link", ownerWallet, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	gw.SetUnconfigured()
	w = request(t, r, http.MethodPost, "/v1/creators/alice/payout/onboarding-link", ownerWallet, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandlers_BadInput(t *testing.T) {
	svc, _ := newTestService(t)
	r := newCreatorRouter(svc)

	w := request(t, r, http.MethodPut, "/v1/creators/Not%20A%20Handle/payout", ownerWallet, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_SignedForOtherPurpose(t *testing.T) {
	svc, gw := newTestService(t)
	r := newCreatorRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/creators/alice/payout/onboarding-link", nil)
	req.Header.Set("X-Test-Wallet", ownerWallet)
	req.Header.Set("X-Test-Purpose", auth.PurposeMessage)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, gw.CreatedAccounts())
}
