package domain

import "time"

// MessageKind is the content kind of a chat message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindFile  MessageKind = "file"
	KindImage MessageKind = "image"
	KindVoice MessageKind = "voice"
)

// Valid reports whether k is one of the known message kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindFile, KindImage, KindVoice:
		return true
	}
	return false
}

// ChatMessage is a stored chat message. Messages are created by the
// broadcast engine and never modified afterwards.
type ChatMessage struct {
	ID          string      `json:"id"`
	RoomID      string      `json:"room_id"`
	UserID      string      `json:"user_id"`
	Username    string      `json:"username"`
	Content     string      `json:"content"`
	MessageType MessageKind `json:"message_type"`
	ReplyTo     *string     `json:"reply_to"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Clone returns a deep copy of m.
func (m *ChatMessage) Clone() *ChatMessage {
	if m == nil {
		return nil
	}
	out := *m
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	return &out
}
