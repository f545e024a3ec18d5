package chat

import (
	"sort"
	"time"
)

// Timeline is the ordered, newest-first message sequence of one open
// conversation. It is not safe for concurrent use.
type Timeline struct {
	items []Message
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{}
}

// Len returns the number of messages held.
func (t *Timeline) Len() int {
	return len(t.items)
}

// Messages returns a newest-first copy.
func (t *Timeline) Messages() []Message {
	out := make([]Message, len(t.items))
	for i, m := range t.items {
		out[i] = m.Clone()
	}
	return out
}

// Get looks a message up by id.
func (t *Timeline) Get(id string) (Message, bool) {
	if i := t.indexOf(id); i >= 0 {
		return t.items[i].Clone(), true
	}
	return Message{}, false
}

// AddPending places an optimistic message using its client timestamp.
func (t *Timeline) AddPending(m Message) {
	m.Pending = true
	t.insertSorted(m)
}

// Insert adds a confirmed row. A row whose id is already present is ignored.
// A pending row carrying the same client token is superseded.
func (t *Timeline) Insert(m Message) bool {
	m.Pending = false
	if t.indexOf(m.ID) >= 0 {
		t.dropPending(m.ClientToken)
		return false
	}
	t.dropPending(m.ClientToken)
	t.insertSorted(m.Normalize())
	return true
}

// Update merges a changed row into the local copy with the same id. Absent
// ids are ignored.
func (t *Timeline) Update(m Message) bool {
	i := t.indexOf(m.ID)
	if i < 0 {
		return false
	}
	current := t.items[i]
	merged := current.Merge(m)
	merged.Pending = false
	if sameRow(current, merged) {
		return false
	}
	t.removeAt(i)
	t.insertSorted(merged)
	return true
}

// Upsert merges batch-loaded rows: updates known ids and inserts the rest.
func (t *Timeline) Upsert(m Message) bool {
	if t.indexOf(m.ID) >= 0 {
		return t.Update(m)
	}
	return t.Insert(m)
}

// Unread returns rows sent by sender to receiver that have no read timestamp.
func (t *Timeline) Unread(receiverID, senderID string) []Message {
	var out []Message
	for _, m := range t.items {
		if m.ReceiverID == receiverID && m.SenderID == senderID && m.ReadAt == nil && !m.Pending {
			out = append(out, m.Clone())
		}
	}
	return out
}

func (t *Timeline) dropPending(token string) {
	if i := t.indexOfPending(token); i >= 0 {
		t.removeAt(i)
	}
}

func (t *Timeline) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i := range t.items {
		if t.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) indexOfPending(token string) int {
	if token == "" {
		return -1
	}
	for i := range t.items {
		if t.items[i].Pending && t.items[i].ClientToken == token {
			return i
		}
	}
	return -1
}

func (t *Timeline) insertSorted(m Message) {
	i := sort.Search(len(t.items), func(i int) bool {
		return !Newer(t.items[i], m)
	})
	t.items = append(t.items, Message{})
	copy(t.items[i+1:], t.items[i:])
	t.items[i] = m
}

func (t *Timeline) removeAt(i int) {
	t.items = append(t.items[:i], t.items[i+1:]...)
}

func sameRow(a, b Message) bool {
	return a.ID == b.ID &&
		a.Content == b.Content &&
		a.Pending == b.Pending &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		sameTime(a.DeliveredAt, b.DeliveredAt) &&
		sameTime(a.ReadAt, b.ReadAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
