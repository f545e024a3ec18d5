package dto

import (
	"time"

	domainchat "chatsync/internal/domain/chat"
)

// Conversation is one row of the conversation list.
type Conversation struct {
	CounterpartID   string    `json:"counterpart_id"`
	CounterpartName string    `json:"counterpart_name"`
	CounterpartCity string    `json:"counterpart_city,omitempty"`
	AvatarURL       string    `json:"avatar_url,omitempty"`
	LastMessageID   string    `json:"last_message_id"`
	LastMessage     string    `json:"last_message"`
	LastMessageAt   time.Time `json:"last_message_at"`
	LastSenderID    string    `json:"last_message_sender_id"`
	HasUnread       bool      `json:"has_unread"`
	UnreadCount     int       `json:"unread_count"`
}

// ConversationList is the conversation list response. Stale is set when the
// refresh failed and the last good list is returned.
type ConversationList struct {
	Items []Conversation `json:"items"`
	Stale bool           `json:"stale,omitempty"`
	Error string         `json:"error,omitempty"`
}

// ChatMessage contains a single message payload.
type ChatMessage struct {
	ID          string     `json:"id"`
	ClientToken string     `json:"client_token,omitempty"`
	SenderID    string     `json:"sender_id"`
	ReceiverID  string     `json:"receiver_id"`
	Content     string     `json:"content"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	Status      string     `json:"status"`
	Mine        bool       `json:"mine"`
}

// Counterpart is the conversation header: who the user is talking to.
type Counterpart struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	City      string `json:"city,omitempty"`
}

// ChatMessageList is a newest-first message list.
type ChatMessageList struct {
	Counterpart *Counterpart  `json:"counterpart,omitempty"`
	Items       []ChatMessage `json:"items"`
	Stale       bool          `json:"stale,omitempty"`
}

// SendMessageRequest is the body of a send.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SocketCommand is a client frame on the conversation websocket.
type SocketCommand struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// SocketEvent is a server frame on the conversation websocket.
type SocketEvent struct {
	Type        string        `json:"type"`
	Counterpart *Counterpart  `json:"counterpart,omitempty"`
	Messages    []ChatMessage `json:"messages,omitempty"`
	Message     *ChatMessage  `json:"message,omitempty"`
	Content     string        `json:"content,omitempty"`
	Error       string        `json:"error,omitempty"`
}

func NewConversationList(items []domainchat.Summary) ConversationList {
	out := ConversationList{Items: make([]Conversation, 0, len(items))}
	for _, s := range items {
		out.Items = append(out.Items, Conversation{
			CounterpartID:   s.CounterpartID,
			CounterpartName: s.CounterpartName,
			CounterpartCity: s.CounterpartCity,
			AvatarURL:       s.AvatarURL,
			LastMessageID:   s.LastMessageID,
			LastMessage:     s.LastMessage,
			LastMessageAt:   s.LastMessageAt,
			LastSenderID:    s.LastSenderID,
			HasUnread:       s.Unread,
			UnreadCount:     s.UnreadCount,
		})
	}
	return out
}

func NewCounterpart(p domainchat.Profile) *Counterpart {
	return &Counterpart{ID: p.ID, Name: p.Name(), AvatarURL: p.AvatarURL, City: p.City}
}

func NewChatMessage(self string, m domainchat.Message) ChatMessage {
	return ChatMessage{
		ID:          m.ID,
		ClientToken: m.ClientToken,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt,
		DeliveredAt: m.DeliveredAt,
		ReadAt:      m.ReadAt,
		Status:      string(m.Status()),
		Mine:        m.SenderID == self,
	}
}

func NewChatMessageList(self string, messages []domainchat.Message) ChatMessageList {
	out := ChatMessageList{Items: make([]ChatMessage, 0, len(messages))}
	for _, m := range messages {
		out.Items = append(out.Items, NewChatMessage(self, m))
	}
	return out
}
