package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/idgen"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/metrics"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/settlement"
)

const (
	// DefaultTTL is the reply window when the caller does not pick one.
	DefaultTTL = 24 * time.Hour
	// MaxTTL bounds how long funds can be held.
	MaxTTL = 30 * 24 * time.Hour
	// MaxBodyLength bounds a single message body, in bytes.
	MaxBodyLength = 4000

	defaultCommitAttempts = 5
	sweepBatch            = 500
)

// Service implements the escrow state machine.
type Service struct {
	store          Store
	gateway        settlement.Gateway
	creators       CreatorDirectory
	admins         AdminAuthorizer
	logger         *slog.Logger
	now            func() time.Time
	lease          time.Duration
	instance       string
	currency       string
	defaultTTL     time.Duration
	commitAttempts int
}

// NewService creates a new escrow service.
func NewService(store Store, gateway settlement.Gateway, creators CreatorDirectory, logger *slog.Logger) *Service {
	if gateway == nil {
		gateway = settlement.Unconfigured{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:          store,
		gateway:        gateway,
		creators:       creators,
		logger:         logger,
		now:            time.Now,
		lease:          DefaultSettleLease,
		instance:       idgen.WithPrefix("w_"),
		currency:       "eur",
		defaultTTL:     DefaultTTL,
		commitAttempts: defaultCommitAttempts,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithAdmins sets the admin allow-list.
func (s *Service) WithAdmins(a AdminAuthorizer) *Service {
	s.admins = a
	return s
}

// WithLease sets how long a settlement claim is honored.
func (s *Service) WithLease(d time.Duration) *Service {
	if d > 0 {
		s.lease = d
	}
	return s
}

// WithInstanceID names this process in settlement claims.
func (s *Service) WithInstanceID(id string) *Service {
	if id != "" {
		s.instance = id
	}
	return s
}

// WithCurrency sets the default currency for new conversations.
func (s *Service) WithCurrency(c string) *Service {
	if c != "" {
		s.currency = strings.ToLower(c)
	}
	return s
}

// WithDefaultTTL sets the reply window used when a request has none.
func (s *Service) WithDefaultTTL(d time.Duration) *Service {
	if d > 0 {
		s.defaultTTL = d
	}
	return s
}

// Lease returns the settlement claim lease.
func (s *Service) Lease() time.Duration { return s.lease }

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.now() }

// IsAdmin reports whether identity is on the admin allow-list.
func (s *Service) IsAdmin(identity string) bool {
	return s.admins != nil && s.admins.Contains(normalizeIdentity(identity))
}

// Open creates a conversation, its locked escrow record and the fan's first
// message in one write. Repeating a request with the same ID returns the
// existing conversation.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*View, error) {
	req.CreatorID = strings.TrimSpace(req.CreatorID)
	req.FanIdentity = normalizeIdentity(req.FanIdentity)
	req.CreatorIdentity = normalizeIdentity(req.CreatorIdentity)
	body := strings.TrimSpace(req.FirstMessage)

	if req.CreatorID == "" {
		return nil, fmt.Errorf("%w: creator is required", ErrInvalidRequest)
	}
	if req.AmountMinor <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	switch req.Rail {
	case RailWallet, RailStripe:
	case "":
		req.Rail = RailWallet
	default:
		return nil, fmt.Errorf("%w: unknown rail %q", ErrInvalidRequest, req.Rail)
	}
	if req.Rail == RailStripe && req.PaymentID == "" {
		return nil, fmt.Errorf("%w: stripe conversations need a payment id", ErrInvalidRequest)
	}
	if len(body) > MaxBodyLength {
		return nil, fmt.Errorf("%w: message too long", ErrInvalidRequest)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl > MaxTTL {
		return nil, fmt.Errorf("%w: ttl exceeds %s", ErrInvalidRequest, MaxTTL)
	}
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = s.currency
	}

	if req.CreatorIdentity == "" && s.creators != nil {
		wallet, err := s.creators.CreatorWallet(ctx, req.CreatorID)
		if err != nil {
			return nil, fmt.Errorf("resolve creator %s: %w", req.CreatorID, err)
		}
		req.CreatorIdentity = normalizeIdentity(wallet)
	}
	if req.FanIdentity != "" && req.FanIdentity == req.CreatorIdentity {
		return nil, fmt.Errorf("%w: fan and creator cannot be the same identity", ErrInvalidRequest)
	}

	id := req.ID
	if id == "" {
		id = idgen.WithPrefix("t_")
	}
	now := s.now()
	conv := &Conversation{
		ID:              id,
		CreatorID:       req.CreatorID,
		CreatorIdentity: req.CreatorIdentity,
		FanIdentity:     req.FanIdentity,
		AmountMinor:     req.AmountMinor,
		Currency:        currency,
		Rail:            req.Rail,
		PaymentID:       req.PaymentID,
		Status:          ConversationOpen,
		CreatedAt:       now,
		Deadline:        now.Add(ttl),
		UpdatedAt:       now,
	}
	rec := &Record{
		ConversationID: id,
		Status:         StatusLocked,
		Rail:           req.Rail,
		UpdatedAt:      now,
	}
	var first *Message
	if body != "" {
		first = &Message{ID: idgen.WithPrefix("m_"), ConversationID: id, Role: RoleFan, Body: body, CreatedAt: now}
	}

	if err := s.store.Create(ctx, Mutation{Conversation: conv, Record: rec, Message: first}); err != nil {
		if errors.Is(err, ErrAlreadyExists) && req.ID != "" {
			s.logger.Debug("conversation already open, returning existing", "conversationId", id)
			return s.view(ctx, id)
		}
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	metrics.ConversationsOpenedTotal.WithLabelValues(string(req.Rail)).Inc()
	s.logger.Info("conversation opened",
		"conversationId", id,
		"creator", conv.CreatorID,
		"rail", conv.Rail,
		"amountMinor", conv.AmountMinor,
		"deadline", conv.Deadline,
	)
	msgs := []*Message{}
	if first != nil {
		msgs = append(msgs, first)
	}
	return &View{Conversation: conv, Escrow: rec, Messages: msgs}, nil
}

// Get returns a conversation after applying any due expiry.
func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	if _, err := s.ExpireIfDue(ctx, id, s.now()); err != nil {
		return nil, err
	}
	return s.view(ctx, id)
}

// ProposeReply appends a message from role. A substantial creator message on
// an open conversation before its deadline answers it and releases the funds.
func (s *Service) ProposeReply(ctx context.Context, id string, role Role, body, identity string) (*View, error) {
	identity = normalizeIdentity(identity)
	body = strings.TrimSpace(body)
	if !role.Valid() {
		return nil, fmt.Errorf("%w: role must be fan or creator", ErrInvalidRequest)
	}
	if body == "" {
		return nil, fmt.Errorf("%w: body is required", ErrInvalidRequest)
	}
	if len(body) > MaxBodyLength {
		return nil, fmt.Errorf("%w: message too long", ErrInvalidRequest)
	}
	if identity == "" {
		return nil, ErrUnauthorized
	}

	// one notion of now for expiry and the deadline check below
	now := s.now()
	if _, err := s.ExpireIfDue(ctx, id, now); err != nil {
		return nil, err
	}

	m, err := s.transition(ctx, id, func(conv *Conversation, rec *Record) (*Mutation, error) {
		if conv.Status == ConversationRefunded {
			return nil, ErrConversationClosed
		}
		if err := s.bindCounterpart(ctx, conv, role, identity); err != nil {
			return nil, err
		}
		msgs, err := s.store.Messages(ctx, id)
		if err != nil {
			return nil, err
		}
		if role == RoleFan && preReplyCapReached(msgs) {
			return nil, ErrPreReplyCap
		}

		conv.UpdatedAt = now
		mut := &Mutation{
			Conversation: conv,
			Message:      &Message{ID: idgen.WithPrefix("m_"), ConversationID: id, Role: role, Body: body, CreatedAt: now},
		}
		if role != RoleCreator || conv.Status != ConversationOpen || !now.Before(conv.Deadline) || !IsSubstantial(body) {
			return mut, nil
		}
		if rec.Status != StatusLocked {
			s.logger.Error("open conversation with unlocked escrow", "conversationId", id, "status", rec.Status)
			return mut, nil
		}
		conv.Status = ConversationAnswered
		conv.AnsweredAt = &now
		s.claim(rec, now)
		mut.Record = rec
		return mut, nil
	})
	if err != nil {
		return nil, err
	}

	if m.Record != nil {
		s.logger.Info("conversation answered", "conversationId", id)
		if _, err := s.executeRelease(ctx, m.Conversation, m.Record, Reply()); err != nil {
			// the claim stays; reconciliation takes over once the lease lapses
			s.logger.Error("release after reply did not complete", "conversationId", id, "error", err)
		}
	} else if role == RoleCreator && m.Conversation.Status == ConversationOpen {
		s.logger.Debug("creator message not substantial, no transition", "conversationId", id)
	}
	return s.view(ctx, id)
}

// ExpireIfDue refunds a single open conversation whose deadline is at or
// before now. It returns false (and no error) when there is nothing to do.
func (s *Service) ExpireIfDue(ctx context.Context, id string, now time.Time) (bool, error) {
	m, err := s.transition(ctx, id, func(conv *Conversation, rec *Record) (*Mutation, error) {
		if conv.Status != ConversationOpen || now.Before(conv.Deadline) {
			return nil, nil
		}
		if rec.Status != StatusLocked {
			s.logger.Error("open conversation with unlocked escrow", "conversationId", id, "status", rec.Status)
			return nil, nil
		}
		conv.Status = ConversationRefunded
		conv.RefundedAt = &now
		conv.UpdatedAt = now
		rec.Status = StatusRefunded
		rec.RefundedAt = &now
		rec.RefundPending = true
		s.claim(rec, now)
		return &Mutation{Conversation: conv, Record: rec}, nil
	})
	if err != nil || m == nil {
		return false, err
	}

	metrics.SweepExpiredTotal.Inc()
	s.logger.Info("conversation expired", "conversationId", id, "deadline", m.Conversation.Deadline)
	if _, err := s.executeRefund(ctx, m.Conversation, m.Record, DeadlineSweep()); err != nil {
		s.logger.Error("refund after expiry did not complete", "conversationId", id, "error", err)
	}
	return true, nil
}

// SweepResult reports a batch expiry run.
type SweepResult struct {
	Changed         int      `json:"changed"`
	ConversationIDs []string `json:"conversationIds"`
}

// SweepExpired refunds every open conversation whose deadline is at or
// before now. Per-conversation failures are collected and do not stop the
// sweep.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (*SweepResult, error) {
	res := &SweepResult{ConversationIDs: []string{}}
	var errs []error
	for {
		due, err := s.store.ListDue(ctx, now, sweepBatch)
		if err != nil {
			return res, fmt.Errorf("list due conversations: %w", err)
		}
		progressed := 0
		for _, conv := range due {
			if err := ctx.Err(); err != nil {
				return res, errors.Join(append(errs, err)...)
			}
			changed, err := s.ExpireIfDue(ctx, conv.ID, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("expire %s: %w", conv.ID, err))
				continue
			}
			if changed {
				progressed++
				res.Changed++
				res.ConversationIDs = append(res.ConversationIDs, conv.ID)
			}
		}
		if len(due) < sweepBatch || progressed == 0 {
			break
		}
	}
	return res, errors.Join(errs...)
}

// AdminOverride re-drives settlement of a parked record as an admin.
func (s *Service) AdminOverride(ctx context.Context, id string, action Action, identity string) (*Record, error) {
	identity = normalizeIdentity(identity)
	if identity == "" {
		return nil, ErrUnauthorized
	}
	if !s.IsAdmin(identity) {
		return nil, ErrForbidden
	}
	if !action.Valid() {
		return nil, fmt.Errorf("%w: action must be release or refund", ErrInvalidRequest)
	}
	s.logger.Info("admin override", "conversationId", id, "action", action, "admin", identity)
	return s.Settle(ctx, id, action, AdminAction(identity))
}

// HoldForReview parks an answered conversation's payout for a human decision.
func (s *Service) HoldForReview(ctx context.Context, id, identity, reason string) (*Record, error) {
	identity = normalizeIdentity(identity)
	if identity == "" {
		return nil, ErrUnauthorized
	}
	if !s.IsAdmin(identity) {
		return nil, ErrForbidden
	}
	now := s.now()
	m, err := s.transition(ctx, id, func(conv *Conversation, rec *Record) (*Mutation, error) {
		if rec.Status == StatusHoldReview {
			return nil, nil
		}
		if rec.leaseHeld(now, s.lease) {
			return nil, ErrSettlementInFlight
		}
		if conv.Status != ConversationAnswered || (rec.Status != StatusPayoutFailed && rec.Status != StatusLocked) {
			return nil, ErrInvalidStatus
		}
		rec.Status = StatusHoldReview
		rec.HoldReviewedBy = identity
		rec.HoldReason = strings.TrimSpace(reason)
		rec.clearLease()
		rec.UpdatedAt = now
		return &Mutation{Record: rec}, nil
	})
	if err != nil {
		return nil, err
	}
	if m == nil {
		_, rec, err := s.store.Load(ctx, id)
		return rec, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(TriggerAdminAction), string(StatusHoldReview)).Inc()
	s.logger.Info("payout held for review", "conversationId", id, "admin", identity)
	return m.Record, nil
}

// ListForIdentity returns the conversations an identity takes part in.
func (s *Service) ListForIdentity(ctx context.Context, identity string, role Role, limit int) ([]*Conversation, error) {
	identity = normalizeIdentity(identity)
	if identity == "" {
		return nil, ErrUnauthorized
	}
	if role != "" && !role.Valid() {
		return nil, fmt.Errorf("%w: role must be fan or creator", ErrInvalidRequest)
	}
	return s.store.ListByIdentity(ctx, identity, role, limit)
}

// ListRecords returns escrow records in the given statuses.
func (s *Service) ListRecords(ctx context.Context, statuses []Status, limit int) ([]*Record, error) {
	return s.store.ListRecords(ctx, RecordQuery{Statuses: statuses, Limit: limit})
}

// FindRecords returns escrow records matching q.
func (s *Service) FindRecords(ctx context.Context, q RecordQuery) ([]*Record, error) {
	return s.store.ListRecords(ctx, q)
}

func (s *Service) view(ctx context.Context, id string) (*View, error) {
	conv, rec, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.Messages(ctx, id)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	return &View{Conversation: conv, Escrow: rec, Messages: msgs}, nil
}

// transition re-reads the conversation, lets decide compute a mutation
// against the fresh copy and commits it with a revision check, retrying on
// conflict. decide returning a nil mutation is a guard no-op.
func (s *Service) transition(ctx context.Context, id string, decide func(*Conversation, *Record) (*Mutation, error)) (*Mutation, error) {
	for attempt := 1; ; attempt++ {
		conv, rec, err := s.store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		m, err := decide(conv, rec)
		if err != nil || m == nil {
			return nil, err
		}
		err = s.store.Apply(ctx, *m)
		if err == nil {
			if m.Conversation == nil {
				m.Conversation = conv
			}
			return m, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("commit %s: %w", id, err)
		}
		metrics.EscrowConflictsTotal.Inc()
		s.logger.Debug("revision conflict, re-reading", "conversationId", id, "attempt", attempt)
		if attempt >= s.commitAttempts {
			return nil, ErrConflict
		}
	}
}

// claim marks rec as being settled by this process.
func (s *Service) claim(rec *Record, now time.Time) {
	rec.SettlingSince = &now
	rec.SettlingBy = idgen.WithPrefix(s.instance + "/")
	rec.UpdatedAt = now
}

// bindCounterpart checks identity against the conversation side it speaks
// for. An anonymous fan side binds on first use. The creator side only ever
// binds to the wallet that claimed the creator handle.
func (s *Service) bindCounterpart(ctx context.Context, conv *Conversation, role Role, identity string) error {
	switch role {
	case RoleFan:
		if identity == conv.CreatorIdentity {
			return ErrUnauthorized
		}
		if conv.FanIdentity == "" {
			conv.FanIdentity = identity
			return nil
		}
		if conv.FanIdentity != identity {
			return ErrUnauthorized
		}
	case RoleCreator:
		if identity == conv.FanIdentity {
			return ErrUnauthorized
		}
		if conv.CreatorIdentity == "" && s.creators != nil {
			wallet, err := s.creators.CreatorWallet(ctx, conv.CreatorID)
			if err != nil {
				return err
			}
			conv.CreatorIdentity = normalizeIdentity(wallet)
		}
		if conv.CreatorIdentity == "" {
			return ErrCreatorUnclaimed
		}
		if conv.CreatorIdentity != identity {
			return ErrUnauthorized
		}
	}
	return nil
}

func preReplyCapReached(msgs []*Message) bool {
	fan := 0
	for _, m := range msgs {
		if m.Role == RoleCreator {
			return false
		}
		fan++
	}
	return fan >= MaxPreReplyMessages
}

func normalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
