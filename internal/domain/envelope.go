package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WebSocket message types from client.
const (
	MsgTypeSendMessage = "send_message"
	MsgTypeTyping      = "typing"
	MsgTypeReadReceipt = "read_receipt"
)

// WebSocket message types to client.
const (
	MsgTypeNewMessage = "new_message"
	MsgTypeError      = "error"
)

// Envelope is the wire wrapper around every frame, in both directions.
type Envelope struct {
	MessageType string          `json:"message_type"`
	Data        json.RawMessage `json:"data"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewEnvelope marshals data into an envelope stamped with the current time.
func NewEnvelope(messageType string, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", messageType, err)
	}
	return Envelope{
		MessageType: messageType,
		Data:        raw,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// Client -> Server payloads

type SendMessagePayload struct {
	RoomID      string      `json:"room_id"`
	Content     string      `json:"content"`
	MessageType MessageKind `json:"message_type,omitempty"`
	ReplyTo     *string     `json:"reply_to,omitempty"`
}

type TypingPayload struct {
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

type ReadReceiptPayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

// Server -> Client payloads

// TypingOut is relayed to the other online members of a room.
type TypingOut struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

// ReadReceiptOut is relayed to the other online members of a room.
type ReadReceiptOut struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorEnvelope builds an outbound "error" envelope.
func NewErrorEnvelope(code, message string) Envelope {
	env, _ := NewEnvelope(MsgTypeError, ErrorPayload{Code: code, Message: message})
	return env
}

// inboundFrame mirrors Envelope for parsing. The client timestamp is kept
// as an opaque string; clients are not trusted to send RFC 3339.
type inboundFrame struct {
	MessageType string          `json:"message_type"`
	Data        json.RawMessage `json:"data"`
	Timestamp   string          `json:"timestamp"`
}

// Inbound is a parsed client frame. Exactly one payload pointer is set,
// matching Kind.
type Inbound struct {
	Kind        string
	Timestamp   string
	Send        *SendMessagePayload
	Typing      *TypingPayload
	ReadReceipt *ReadReceiptPayload
}

// ParseInbound decodes a client frame. The message_type tag is read first
// and data is then decoded against the shape for that tag. It returns an
// error wrapping ErrProtocol for malformed frames or payloads, and one
// wrapping ErrUnknownKind (with Kind set) for unrecognized tags.
func ParseInbound(raw []byte) (Inbound, error) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Inbound{}, fmt.Errorf("%w: invalid envelope: %v", ErrProtocol, err)
	}
	if strings.TrimSpace(frame.MessageType) == "" {
		return Inbound{}, fmt.Errorf("%w: missing message_type", ErrProtocol)
	}

	in := Inbound{Kind: frame.MessageType, Timestamp: frame.Timestamp}

	switch frame.MessageType {
	case MsgTypeSendMessage:
		var p SendMessagePayload
		if err := decodeData(frame.Data, &p); err != nil {
			return in, err
		}
		in.Send = &p

	case MsgTypeTyping:
		var p TypingPayload
		if err := decodeData(frame.Data, &p); err != nil {
			return in, err
		}
		if p.RoomID == "" {
			return in, fmt.Errorf("%w: typing requires room_id", ErrProtocol)
		}
		in.Typing = &p

	case MsgTypeReadReceipt:
		var p ReadReceiptPayload
		if err := decodeData(frame.Data, &p); err != nil {
			return in, err
		}
		if p.RoomID == "" || p.MessageID == "" {
			return in, fmt.Errorf("%w: read_receipt requires room_id and message_id", ErrProtocol)
		}
		in.ReadReceipt = &p

	default:
		return in, fmt.Errorf("%w: %q", ErrUnknownKind, frame.MessageType)
	}

	return in, nil
}

func decodeData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("%w: missing data", ErrProtocol)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: invalid data: %v", ErrProtocol, err)
	}
	return nil
}
