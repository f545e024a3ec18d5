package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxContentLength caps message text, counted in runes.
const MaxContentLength = 500

// ProvisionalPrefix marks identifiers generated locally before the store confirms a row.
const ProvisionalPrefix = "local-"

// ErrInvalidMessage is returned when a row or draft fails boundary validation.
var ErrInvalidMessage = errors.New("chat: invalid message")

// Status is the delivery state of a message as seen by its sender.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Message is one directed text communication.
type Message struct {
	ID          string     `json:"id"`
	ClientToken string     `json:"client_token,omitempty"`
	Content     string     `json:"content"`
	SenderID    string     `json:"sender_id"`
	ReceiverID  string     `json:"receiver_id"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	Pending     bool       `json:"pending,omitempty"`
}

// Draft is what a client hands to the store when sending.
type Draft struct {
	ClientToken string
	Content     string
	SenderID    string
	ReceiverID  string
	CreatedAt   time.Time
}

// NewDraft trims and validates outgoing content.
func NewDraft(senderID, receiverID, content, token string, at time.Time) (Draft, error) {
	d := Draft{
		ClientToken: strings.TrimSpace(token),
		Content:     strings.TrimSpace(content),
		SenderID:    strings.TrimSpace(senderID),
		ReceiverID:  strings.TrimSpace(receiverID),
		CreatedAt:   at.UTC(),
	}
	if err := validateParts(d.SenderID, d.ReceiverID, d.Content); err != nil {
		return Draft{}, err
	}
	return d, nil
}

// Validate checks a row coming from a store or feed.
func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidMessage)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required", ErrInvalidMessage)
	}
	return validateParts(m.SenderID, m.ReceiverID, m.Content)
}

func validateParts(senderID, receiverID, content string) error {
	if senderID == "" || receiverID == "" {
		return fmt.Errorf("%w: sender and receiver are required", ErrInvalidMessage)
	}
	if senderID == receiverID {
		return fmt.Errorf("%w: sender and receiver must differ", ErrInvalidMessage)
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidMessage, MaxContentLength)
	}
	return nil
}

// Counterpart returns the participant that is not self.
func (m Message) Counterpart(self string) string {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}

// Involves reports whether user is sender or receiver.
func (m Message) Involves(user string) bool {
	return m.SenderID == user || m.ReceiverID == user
}

// IsProvisional reports whether the id was generated locally.
func (m Message) IsProvisional() bool {
	return strings.HasPrefix(m.ID, ProvisionalPrefix)
}

// Status derives the sender-side delivery state.
func (m Message) Status() Status {
	switch {
	case m.Pending:
		return StatusSending
	case m.ReadAt != nil:
		return StatusRead
	case m.DeliveredAt != nil:
		return StatusDelivered
	default:
		return StatusSent
	}
}

// Merge applies a newer copy of the same row. Delivered and read timestamps
// are never cleared once set.
func (m Message) Merge(newer Message) Message {
	out := newer
	if out.DeliveredAt == nil {
		out.DeliveredAt = m.DeliveredAt
	}
	if out.ReadAt == nil {
		out.ReadAt = m.ReadAt
	}
	if out.ClientToken == "" {
		out.ClientToken = m.ClientToken
	}
	return out.Normalize()
}

// Normalize keeps delivered >= created and read >= delivered; read implies delivered.
func (m Message) Normalize() Message {
	if m.ReadAt != nil && m.DeliveredAt == nil {
		m.DeliveredAt = timePtr(*m.ReadAt)
	}
	if m.DeliveredAt != nil && m.DeliveredAt.Before(m.CreatedAt) {
		m.DeliveredAt = timePtr(m.CreatedAt)
	}
	if m.ReadAt != nil && m.ReadAt.Before(*m.DeliveredAt) {
		m.ReadAt = timePtr(*m.DeliveredAt)
	}
	return m
}

// Clone returns a deep copy so callers can't mutate shared timestamps.
func (m Message) Clone() Message {
	if m.DeliveredAt != nil {
		m.DeliveredAt = timePtr(*m.DeliveredAt)
	}
	if m.ReadAt != nil {
		m.ReadAt = timePtr(*m.ReadAt)
	}
	return m
}

// Newer orders messages newest first with the id as tie-break.
func Newer(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return idAfter(a.ID, b.ID)
}

// idAfter orders ids; decimal ids of different width compare numerically.
func idAfter(a, b string) bool {
	if len(a) != len(b) && isDecimal(a) && isDecimal(b) {
		return len(a) > len(b)
	}
	return a > b
}

func isDecimal(s string) bool {
	if s == "" || s[0] == '0' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func timePtr(t time.Time) *time.Time {
	return &t
}
