package escrow

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrorSet is a set of payout failure reasons. It serializes as an array in
// first-seen order.
type ErrorSet struct {
	order []string
	seen  map[string]struct{}
}

// NewErrorSet builds a set from reasons, dropping duplicates.
func NewErrorSet(reasons ...string) ErrorSet {
	var s ErrorSet
	for _, r := range reasons {
		s.Add(r)
	}
	return s
}

// Add inserts reason and reports whether it was new.
func (s *ErrorSet) Add(reason string) bool {
	if reason == "" {
		return false
	}
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[reason]; ok {
		return false
	}
	s.seen[reason] = struct{}{}
	s.order = append(s.order, reason)
	return true
}

// Contains reports membership.
func (s ErrorSet) Contains(reason string) bool {
	_, ok := s.seen[reason]
	return ok
}

// Len returns the number of distinct reasons.
func (s ErrorSet) Len() int { return len(s.order) }

// Items returns the reasons in first-seen order. Never nil.
func (s ErrorSet) Items() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Clear empties the set.
func (s *ErrorSet) Clear() {
	s.order = nil
	s.seen = nil
}

// Clone returns an independent copy.
func (s ErrorSet) Clone() ErrorSet {
	return NewErrorSet(s.order...)
}

func (s ErrorSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Items())
}

func (s *ErrorSet) UnmarshalJSON(data []byte) error {
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = NewErrorSet(items...)
	return nil
}

func (s ErrorSet) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(s.Items())
}

func (s *ErrorSet) UnmarshalCBOR(data []byte) error {
	var items []string
	if err := cbor.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = NewErrorSet(items...)
	return nil
}

// Value stores the set as a JSON array column.
func (s ErrorSet) Value() (driver.Value, error) {
	return s.MarshalJSON()
}

// Scan reads a JSON array column.
func (s *ErrorSet) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = ErrorSet{}
		return nil
	case []byte:
		return s.UnmarshalJSON(v)
	case string:
		return s.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("escrow: cannot scan %T into ErrorSet", src)
	}
}
