package escrow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/syncutil"
)

// PebbleStore keeps conversations in an embedded Pebble database for
// single-node deployments. Each conversation and its record live in one
// CBOR document, so a mutation is a single key write; messages sit under a
// per-conversation prefix in append order.
type PebbleStore struct {
	db    *pebble.DB
	locks *syncutil.KeyLock
	enc   cbor.EncMode
}

// pebbleDoc is the stored value under conv/<id>.
type pebbleDoc struct {
	Conversation *Conversation `cbor:"c"`
	Record       *Record       `cbor:"r"`
	Messages     int           `cbor:"n"`
}

var _ Store = (*PebbleStore)(nil)

const (
	convPrefix = "conv/"
	msgPrefix  = "msg/"
)

// OpenPebbleStore opens (or creates) a Pebble database at path.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	enc, err := opts.EncMode()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PebbleStore{db: db, locks: syncutil.NewKeyLock(0), enc: enc}, nil
}

// Close flushes and closes the database.
func (p *PebbleStore) Close() error {
	return p.db.Close()
}

func convKey(id string) []byte { return []byte(convPrefix + id) }

func msgKey(id string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d", msgPrefix, id, seq))
}

func (p *PebbleStore) Create(ctx context.Context, mut Mutation) error {
	if mut.Conversation == nil || mut.Record == nil {
		return ErrInvalidRequest
	}
	id := mut.Conversation.ID
	unlock, err := p.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := p.get(id); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	doc := &pebbleDoc{Conversation: cloneConversation(mut.Conversation), Record: cloneRecord(mut.Record)}
	doc.Conversation.Revision = 1
	doc.Record.Revision = 1
	if err := p.write(doc, mut.Message); err != nil {
		return err
	}
	mut.Conversation.Revision = 1
	mut.Record.Revision = 1
	return nil
}

func (p *PebbleStore) Load(_ context.Context, id string) (*Conversation, *Record, error) {
	doc, err := p.get(id)
	if err != nil {
		return nil, nil, err
	}
	return doc.Conversation, doc.Record, nil
}

func (p *PebbleStore) Messages(_ context.Context, id string) ([]*Message, error) {
	if _, err := p.get(id); err != nil {
		return nil, err
	}
	prefix := []byte(msgPrefix + id + "/")
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()

	out := []*Message{}
	for iter.First(); iter.Valid(); iter.Next() {
		m := &Message{}
		if err := cbor.Unmarshal(iter.Value(), m); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", iter.Key(), err)
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

func (p *PebbleStore) Apply(ctx context.Context, mut Mutation) error {
	id, err := mutationID(mut)
	if err != nil {
		return err
	}
	unlock, err := p.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := p.get(id)
	if err != nil {
		return err
	}
	if mut.Conversation != nil && doc.Conversation.Revision != mut.Conversation.Revision {
		return ErrConflict
	}
	if mut.Record != nil && doc.Record.Revision != mut.Record.Revision {
		return ErrConflict
	}

	if mut.Conversation != nil {
		doc.Conversation = cloneConversation(mut.Conversation)
		doc.Conversation.Revision++
	}
	if mut.Record != nil {
		doc.Record = cloneRecord(mut.Record)
		doc.Record.Revision++
	}
	if err := p.write(doc, mut.Message); err != nil {
		return err
	}
	if mut.Conversation != nil {
		mut.Conversation.Revision++
	}
	if mut.Record != nil {
		mut.Record.Revision++
	}
	return nil
}

func (p *PebbleStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Conversation, error) {
	var out []*Conversation
	err := p.scan(func(doc *pebbleDoc) {
		if doc.Conversation.Status == ConversationOpen && !doc.Conversation.Deadline.After(now) {
			out = append(out, doc.Conversation)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return truncate(out, normalizeLimit(limit, 100)), nil
}

func (p *PebbleStore) ListRecords(_ context.Context, q RecordQuery) ([]*Record, error) {
	var out []*Record
	err := p.scan(func(doc *pebbleDoc) {
		if q.Matches(doc.Record) {
			out = append(out, doc.Record)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, normalizeLimit(q.Limit, 100)), nil
}

func (p *PebbleStore) ListByIdentity(_ context.Context, identity string, role Role, limit int) ([]*Conversation, error) {
	var out []*Conversation
	err := p.scan(func(doc *pebbleDoc) {
		if identityMatches(doc.Conversation, identity, role) {
			out = append(out, doc.Conversation)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, normalizeLimit(limit, 50)), nil
}

func (p *PebbleStore) get(id string) (*pebbleDoc, error) {
	val, closer, err := p.db.Get(convKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = closer.Close() }()
	return decodeDoc(val)
}

// write stores doc and, if msg is set, appends it after the existing log.
// Callers hold the conversation's lock.
func (p *PebbleStore) write(doc *pebbleDoc, msg *Message) error {
	b := p.db.NewBatch()
	defer func() { _ = b.Close() }()

	if msg != nil {
		data, err := p.enc.Marshal(msg)
		if err != nil {
			return err
		}
		if err := b.Set(msgKey(doc.Conversation.ID, doc.Messages), data, nil); err != nil {
			return err
		}
		doc.Messages++
	}
	data, err := p.enc.Marshal(doc)
	if err != nil {
		return err
	}
	if err := b.Set(convKey(doc.Conversation.ID), data, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (p *PebbleStore) scan(fn func(*pebbleDoc)) error {
	prefix := []byte(convPrefix)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()

	for iter.First(); iter.Valid(); iter.Next() {
		doc, err := decodeDoc(iter.Value())
		if err != nil {
			return fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		fn(doc)
	}
	return iter.Error()
}

func decodeDoc(val []byte) (*pebbleDoc, error) {
	doc := &pebbleDoc{}
	if err := cbor.Unmarshal(val, doc); err != nil {
		return nil, err
	}
	if doc.Conversation == nil || doc.Record == nil {
		return nil, errors.New("escrow: incomplete conversation document")
	}
	return doc, nil
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func truncate[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	if s == nil {
		return []T{}
	}
	return s
}
