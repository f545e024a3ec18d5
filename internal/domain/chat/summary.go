package chat

import (
	"sort"
	"time"
)

// Summary is a derived, one-per-counterpart view of a conversation.
type Summary struct {
	CounterpartID   string    `json:"counterpart_id"`
	CounterpartName string    `json:"counterpart_name"`
	CounterpartCity string    `json:"counterpart_city,omitempty"`
	AvatarURL       string    `json:"avatar_url,omitempty"`
	LastMessageID   string    `json:"last_message_id"`
	LastMessage     string    `json:"last_message"`
	LastMessageAt   time.Time `json:"last_message_at"`
	LastSenderID    string    `json:"last_sender_id"`
	// Unread follows the latest-message rule: the representative came from the
	// counterpart and has no read timestamp.
	Unread      bool `json:"unread"`
	UnreadCount int  `json:"unread_count"`
}

// Aggregate reduces the user's message history to one summary per counterpart,
// most recent first. Counterparts without a profile are dropped.
func Aggregate(self string, messages []Message, profiles map[string]Profile) []Summary {
	type partition struct {
		rep    Message
		unread int
	}
	parts := make(map[string]*partition)
	for _, msg := range messages {
		if !msg.Involves(self) || msg.SenderID == msg.ReceiverID {
			continue
		}
		counterpart := msg.Counterpart(self)
		p, ok := parts[counterpart]
		if !ok {
			p = &partition{rep: msg}
			parts[counterpart] = p
		} else if Newer(msg, p.rep) {
			p.rep = msg
		}
		if msg.SenderID == counterpart && msg.ReadAt == nil {
			p.unread++
		}
	}

	out := make([]Summary, 0, len(parts))
	for counterpart, p := range parts {
		profile, ok := profiles[counterpart]
		if !ok {
			continue
		}
		out = append(out, Summary{
			CounterpartID:   counterpart,
			CounterpartName: profile.Name(),
			CounterpartCity: profile.City,
			AvatarURL:       profile.AvatarURL,
			LastMessageID:   p.rep.ID,
			LastMessage:     p.rep.Content,
			LastMessageAt:   p.rep.CreatedAt,
			LastSenderID:    p.rep.SenderID,
			Unread:          p.rep.SenderID == counterpart && p.rep.ReadAt == nil,
			UnreadCount:     p.unread,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].CounterpartID < out[j].CounterpartID
	})
	return out
}

// Counterparts lists the distinct non-self participants in messages.
func Counterparts(self string, messages []Message) []string {
	seen := make(map[string]struct{}, len(messages))
	out := make([]string, 0, len(messages))
	for _, msg := range messages {
		if !msg.Involves(self) {
			continue
		}
		id := msg.Counterpart(self)
		if id == self {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
