package chat

import (
	"strings"
	"time"
)

// EventKind is the row-level change type carried by the feed.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
)

// ChangeEvent carries the full changed row.
type ChangeEvent struct {
	Kind    EventKind `json:"kind"`
	Message Message   `json:"message"`
	At      time.Time `json:"at"`
}

// PairFilter matches rows exchanged between exactly two participants.
type PairFilter struct {
	A string
	B string
}

// Matches reports whether the row belongs to the pair in either direction.
func (f PairFilter) Matches(m Message) bool {
	return (m.SenderID == f.A && m.ReceiverID == f.B) ||
		(m.SenderID == f.B && m.ReceiverID == f.A)
}

// Key is the canonical, order-independent pair key.
func (f PairFilter) Key() string {
	return PairKey(f.A, f.B)
}

// PairKey orders two participant ids so both directions share one key.
func PairKey(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}
