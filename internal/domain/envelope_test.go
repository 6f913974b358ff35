package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		kind    string
		wantErr error
	}{
		{
			name: "send message",
			raw:  `{"message_type":"send_message","data":{"room_id":"r1","content":"hi","reply_to":"m0"},"timestamp":"2024-01-01T00:00:00Z"}`,
			kind: MsgTypeSendMessage,
		},
		{
			name: "typing",
			raw:  `{"message_type":"typing","data":{"room_id":"r1","is_typing":true},"timestamp":"whenever"}`,
			kind: MsgTypeTyping,
		},
		{
			name: "read receipt",
			raw:  `{"message_type":"read_receipt","data":{"room_id":"r1","message_id":"m1"}}`,
			kind: MsgTypeReadReceipt,
		},
		{
			name:    "unknown kind",
			raw:     `{"message_type":"bogus","data":{}}`,
			kind:    "bogus",
			wantErr: ErrUnknownKind,
		},
		{
			name:    "not json",
			raw:     `hello`,
			wantErr: ErrProtocol,
		},
		{
			name:    "missing tag",
			raw:     `{"data":{"room_id":"r1"}}`,
			wantErr: ErrProtocol,
		},
		{
			name:    "missing data",
			raw:     `{"message_type":"send_message"}`,
			kind:    MsgTypeSendMessage,
			wantErr: ErrProtocol,
		},
		{
			name:    "data shape mismatch",
			raw:     `{"message_type":"send_message","data":{"room_id":42}}`,
			kind:    MsgTypeSendMessage,
			wantErr: ErrProtocol,
		},
		{
			name:    "typing without room",
			raw:     `{"message_type":"typing","data":{"is_typing":true}}`,
			kind:    MsgTypeTyping,
			wantErr: ErrProtocol,
		},
		{
			name:    "read receipt without message",
			raw:     `{"message_type":"read_receipt","data":{"room_id":"r1"}}`,
			kind:    MsgTypeReadReceipt,
			wantErr: ErrProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := ParseInbound([]byte(tt.raw))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Equal(t, tt.kind, in.Kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, in.Kind)
		})
	}
}

func TestParseInboundSendPayload(t *testing.T) {
	in, err := ParseInbound([]byte(`{"message_type":"send_message","data":{"room_id":"r1","content":"hello","message_type":"image","reply_to":"m9"}}`))
	require.NoError(t, err)
	require.NotNil(t, in.Send)
	assert.Nil(t, in.Typing)
	assert.Nil(t, in.ReadReceipt)

	assert.Equal(t, "r1", in.Send.RoomID)
	assert.Equal(t, "hello", in.Send.Content)
	assert.Equal(t, KindImage, in.Send.MessageType)
	require.NotNil(t, in.Send.ReplyTo)
	assert.Equal(t, "m9", *in.Send.ReplyTo)
}

func TestNewEnvelopeWireShape(t *testing.T) {
	env, err := NewEnvelope(MsgTypeNewMessage, &ChatMessage{ID: "m1", RoomID: "r1", MessageType: KindText})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.JSONEq(t, `"new_message"`, string(decoded["message_type"]))
	assert.Contains(t, decoded, "timestamp")

	var msg ChatMessage
	require.NoError(t, json.Unmarshal(decoded["data"], &msg))
	assert.Equal(t, "m1", msg.ID)
	assert.Nil(t, msg.ReplyTo)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, ErrCodeValidation, ErrorCode(errors.Join(ErrValidation)))
	assert.Equal(t, ErrCodePersistence, ErrorCode(ErrPersistence))
	assert.Equal(t, ErrCodeLookup, ErrorCode(ErrLookup))
	assert.Equal(t, ErrCodeInternal, ErrorCode(errors.New("boom")))
}

func TestMessageKindValid(t *testing.T) {
	for _, k := range []MessageKind{KindText, KindFile, KindImage, KindVoice} {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, MessageKind("video").Valid())
	assert.False(t, MessageKind("").Valid())
}
