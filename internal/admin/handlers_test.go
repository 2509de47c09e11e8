package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/auth"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/escrow"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/reconciliation"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/settlement/settlementtest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	adminWallet   = "0x9999999999999999999999999999999999999999"
	fanWallet     = "0x1111111111111111111111111111111111111111"
	creatorWallet = "0x2222222222222222222222222222222222222222"
	creatorAcct   = "acct_bob"
	walletHeader  = "X-Test-Wallet"
	purposeHeader = "X-Test-Purpose"
)

// stubIdentity trusts walletHeader and signs for admin use unless
// purposeHeader says otherwise.
func stubIdentity(c *gin.Context) {
	if w := c.GetHeader(walletHeader); w != "" {
		purpose := c.GetHeader(purposeHeader)
		if purpose == "" {
			purpose = auth.PurposeAdmin
		}
		c.Set(auth.ContextKeyIdentity, &auth.Identity{Wallet: w, Purpose: purpose})
	}
	c.Next()
}

type directory struct{}

func (directory) CreatorWallet(context.Context, string) (string, error) { return creatorWallet, nil }
func (directory) PayoutAccount(context.Context, string) (string, error) { return creatorAcct, nil }
func (directory) OnboardingReturnURL(id string) string               { return "https://ror.example.test/creator/" + id }

type env struct {
	mu      sync.Mutex
	now     time.Time
	svc     *escrow.Service
	gateway *settlementtest.Fake
	router  *gin.Engine
}

func (e *env) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *env) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{now: time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC), gateway: settlementtest.New()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	admins := auth.NewAllowList([]string{adminWallet})
	e.svc = escrow.NewService(escrow.NewMemoryStore(), e.gateway, directory{}, logger).
		WithClock(e.clock).
		WithAdmins(admins)
	worker := reconciliation.NewWorker(e.svc, logger)

	r := gin.New()
	r.Use(stubIdentity)
	g := r.Group("/v1")
	g.Use(auth.RequireAdmin(admins))
	NewHandler(e.svc).WithReconciler(worker).RegisterRoutes(g)
	e.router = r
	return e
}

func (e *env) do(t *testing.T, method, path, wallet string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if wallet != "" {
		req.Header.Set(walletHeader, wallet)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// parked opens and answers a conversation while the creator's account is
// not ready, leaving it in payout_failed.
func (e *env) parked(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	e.gateway.SetAccount(creatorAcct, false, "tos_acceptance.date")
	v, err := e.svc.Open(ctx, escrow.OpenRequest{
		CreatorID:   "bob",
		FanIdentity: fanWallet,
		AmountMinor: 900,
		Rail:        escrow.RailStripe,
		PaymentID:   "pi_admin",
		TTL:         time.Hour,
	})
	require.NoError(t, err)
	out, err := e.svc.ProposeReply(ctx, v.Conversation.ID, escrow.RoleCreator, "Here is a thorough reply to you.", creatorWallet)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusPayoutFailed, out.Escrow.Status)
	return v.Conversation.ID
}

type escrowBody struct {
	Escrow *escrow.Record `json:"escrow"`
}

func TestAdmin_RequiresAdminIdentity(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodGet, "/v1/admin/payouts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodGet, "/v1/admin/payouts", fanWallet, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdmin_OverrideNeedsAdminSignature(t *testing.T) {
	e := newEnv(t)
	id := e.parked(t)
	e.gateway.SetAccount(creatorAcct, true)

	body, err := json.Marshal(OverrideRequest{Action: escrow.ActionRelease})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/conversations/"+id+"/override", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(walletHeader, adminWallet)
	req.Header.Set(purposeHeader, auth.PurposeInbox)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "wrong_purpose")

	got, err := e.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusPayoutFailed, got.Escrow.Status)
	assert.Empty(t, e.gateway.Transfers())
}

func TestAdmin_PayoutStatusAndRelease(t *testing.T) {
	e := newEnv(t)
	id := e.parked(t)

	w := e.do(t, http.MethodGet, "/v1/admin/payouts", adminWallet, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var status PayoutStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 1, status.Total)
	require.Len(t, status.PayoutFailed, 1)
	item := status.PayoutFailed[0]
	assert.Equal(t, id, item.ConversationID)
	assert.Equal(t, "bob", item.CreatorID)
	assert.Equal(t, int64(900), item.AmountMinor)
	require.NotNil(t, item.PayoutNextAction)
	assert.Equal(t, []string{"tos_acceptance.date"}, item.PayoutNextAction.MissingRequirements)

	e.gateway.SetAccount(creatorAcct, true)
	w = e.do(t, http.MethodPost, "/v1/admin/conversations/"+id+"/override", adminWallet, OverrideRequest{Action: escrow.ActionRelease})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body escrowBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, escrow.StatusReleased, body.Escrow.Status)
	assert.Equal(t, adminWallet, body.Escrow.HoldReviewedBy)
	assert.Equal(t, adminWallet, body.Escrow.AttemptedReleaseBy)

	// a released record is no longer overridable
	w = e.do(t, http.MethodPost, "/v1/admin/conversations/"+id+"/override", adminWallet, OverrideRequest{Action: escrow.ActionRefund})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAdmin_OverrideRefund(t *testing.T) {
	e := newEnv(t)
	id := e.parked(t)

	w := e.do(t, http.MethodPost, "/v1/admin/conversations/"+id+"/override", adminWallet, OverrideRequest{Action: escrow.ActionRefund})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body escrowBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, escrow.StatusRefunded, body.Escrow.Status)
	assert.False(t, body.Escrow.RefundPending)
	assert.Equal(t, 1, e.gateway.RefundCalls())
}

func TestAdmin_OverrideValidation(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodPost, "/v1/admin/conversations/t_x/override", adminWallet, map[string]string{"action": "burn"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/v1/admin/conversations/t_missing/override", adminWallet, OverrideRequest{Action: escrow.ActionRelease})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_HoldThenListed(t *testing.T) {
	e := newEnv(t)
	id := e.parked(t)

	w := e.do(t, http.MethodPost, "/v1/admin/conversations/"+id+"/hold", adminWallet, HoldRequest{Reason: "fan disputes answer"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, http.MethodGet, "/v1/admin/payouts", adminWallet, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status PayoutStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Empty(t, status.PayoutFailed)
	require.Len(t, status.HoldReview, 1)
	assert.Equal(t, "fan disputes answer", status.HoldReview[0].HoldReason)

	// holds are left alone by reconciliation
	w = e.do(t, http.MethodPost, "/v1/admin/reconcile", adminWallet, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec struct {
		Report reconciliation.Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, 0, rec.Report.Attempted)
}

func TestAdmin_Reconcile(t *testing.T) {
	e := newEnv(t)
	e.parked(t)
	e.gateway.SetAccount(creatorAcct, true)

	w := e.do(t, http.MethodPost, "/v1/admin/reconcile", adminWallet, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Report reconciliation.Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Report.Attempted)
	assert.Equal(t, 1, body.Report.Released)
}

func TestAdmin_Sweep(t *testing.T) {
	e := newEnv(t)
	v, err := e.svc.Open(context.Background(), escrow.OpenRequest{
		CreatorID:   "bob",
		FanIdentity: fanWallet,
		AmountMinor: 300,
		Rail:        escrow.RailStripe,
		PaymentID:   "pi_sweep",
		TTL:         time.Hour,
	})
	require.NoError(t, err)

	w := e.do(t, http.MethodPost, "/v1/admin/sweep", adminWallet, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res escrow.SweepResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 0, res.Changed)

	e.advance(time.Hour)
	w = e.do(t, http.MethodPost, "/v1/admin/sweep", adminWallet, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Changed)
	assert.Equal(t, []string{v.Conversation.ID}, res.ConversationIDs)
}

func TestAdmin_ReconcileNotConfigured(t *testing.T) {
	e := newEnv(t)
	r := gin.New()
	r.Use(stubIdentity)
	NewHandler(e.svc).RegisterRoutes(r.Group("/v1"))
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/reconcile", nil)
	req.Header.Set(walletHeader, adminWallet)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
