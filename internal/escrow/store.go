package escrow

import "time"

// Copy helpers. Stores hand out copies so callers can mutate freely and
// only Apply makes a change visible.

func cloneConversation(c *Conversation) *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.AnsweredAt = cloneTime(c.AnsweredAt)
	cp.RefundedAt = cloneTime(c.RefundedAt)
	return &cp
}

func cloneRecord(r *Record) *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.PayoutErrors = r.PayoutErrors.Clone()
	cp.PayoutLastErrorAt = cloneTime(r.PayoutLastErrorAt)
	cp.ReleasedAt = cloneTime(r.ReleasedAt)
	cp.RefundedAt = cloneTime(r.RefundedAt)
	cp.SettlingSince = cloneTime(r.SettlingSince)
	if r.PayoutNextAction != nil {
		na := *r.PayoutNextAction
		na.MissingRequirements = append([]string{}, r.PayoutNextAction.MissingRequirements...)
		if r.PayoutNextAction.OnboardingURL != nil {
			u := *r.PayoutNextAction.OnboardingURL
			na.OnboardingURL = &u
		}
		cp.PayoutNextAction = &na
	}
	return &cp
}

func cloneMessage(m *Message) *Message {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func normalizeLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

// identityMatches reports whether conv involves identity on the given side.
// An empty role matches either side.
func identityMatches(conv *Conversation, identity string, role Role) bool {
	switch role {
	case RoleFan:
		return conv.FanIdentity == identity
	case RoleCreator:
		return conv.CreatorIdentity == identity || conv.CreatorID == identity
	default:
		return conv.FanIdentity == identity || conv.CreatorIdentity == identity || conv.CreatorID == identity
	}
}
