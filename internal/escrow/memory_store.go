package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory store for development mode and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	records       map[string]*Record
	messages      map[string][]*Message
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		records:       make(map[string]*Record),
		messages:      make(map[string][]*Message),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, mut Mutation) error {
	if mut.Conversation == nil || mut.Record == nil {
		return ErrInvalidRequest
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := mut.Conversation.ID
	if _, ok := m.conversations[id]; ok {
		return ErrAlreadyExists
	}
	mut.Conversation.Revision = 1
	mut.Record.Revision = 1
	m.conversations[id] = cloneConversation(mut.Conversation)
	m.records[id] = cloneRecord(mut.Record)
	if mut.Message != nil {
		m.messages[id] = append(m.messages[id], cloneMessage(mut.Message))
	}
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (*Conversation, *Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return cloneConversation(conv), cloneRecord(m.records[id]), nil
}

func (m *MemoryStore) Messages(_ context.Context, id string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[id]; !ok {
		return nil, ErrNotFound
	}
	out := make([]*Message, 0, len(m.messages[id]))
	for _, msg := range m.messages[id] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (m *MemoryStore) Apply(_ context.Context, mut Mutation) error {
	id, err := mutationID(mut)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	storedConv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if mut.Conversation != nil && storedConv.Revision != mut.Conversation.Revision {
		return ErrConflict
	}
	if mut.Record != nil && m.records[id].Revision != mut.Record.Revision {
		return ErrConflict
	}

	if mut.Conversation != nil {
		mut.Conversation.Revision++
		m.conversations[id] = cloneConversation(mut.Conversation)
	}
	if mut.Record != nil {
		mut.Record.Revision++
		m.records[id] = cloneRecord(mut.Record)
	}
	if mut.Message != nil {
		m.messages[id] = append(m.messages[id], cloneMessage(mut.Message))
	}
	return nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Conversation, error) {
	limit = normalizeLimit(limit, 100)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, conv := range m.conversations {
		if conv.Status == ConversationOpen && !conv.Deadline.After(now) {
			out = append(out, cloneConversation(conv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListRecords(_ context.Context, q RecordQuery) ([]*Record, error) {
	limit := normalizeLimit(q.Limit, 100)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, rec := range m.records {
		if q.Matches(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByIdentity(_ context.Context, identity string, role Role, limit int) ([]*Conversation, error) {
	limit = normalizeLimit(limit, 50)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, conv := range m.conversations {
		if identityMatches(conv, identity, role) {
			out = append(out, cloneConversation(conv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// mutationID returns the conversation ID a mutation targets.
func mutationID(mut Mutation) (string, error) {
	switch {
	case mut.Conversation != nil:
		if mut.Record != nil && mut.Record.ConversationID != mut.Conversation.ID {
			return "", ErrInvalidRequest
		}
		if mut.Message != nil && mut.Message.ConversationID != mut.Conversation.ID {
			return "", ErrInvalidRequest
		}
		return mut.Conversation.ID, nil
	case mut.Message != nil:
		// a message always travels with its conversation
		return "", ErrInvalidRequest
	case mut.Record != nil:
		return mut.Record.ConversationID, nil
	default:
		return "", ErrInvalidRequest
	}
}
