package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  ServiceMessage
	}{
		{
			name: "logon with payload",
			msg:  ServiceMessage{Kind: KindLogon, Data: []byte{1, 2, 3}},
		},
		{
			name: "registration with empty payload",
			msg:  ServiceMessage{Kind: KindRegister, Data: []byte{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := tt.msg.Encode()
			require.NoError(t, err)

			var decoded ServiceMessage
			require.NoError(t, decoded.Decode(payload))
			assert.Equal(t, tt.msg.Kind, decoded.Kind)
			assert.Equal(t, tt.msg.Data, decoded.Data)
		})
	}
}

func TestServiceMessageDecodeErrors(t *testing.T) {
	var msg ServiceMessage
	assert.ErrorIs(t, msg.Decode([]byte{}), ErrMalformedMessage)
	assert.ErrorIs(t, msg.Decode([]byte{42, 1, 2}), ErrMalformedMessage, "unknown kind")
}

func TestCredentialsRoundTrip(t *testing.T) {
	creds := Credentials{Login: "testUser1", Password: "testPass1"}
	payload, err := creds.Encode()
	require.NoError(t, err)

	var decoded Credentials
	require.NoError(t, decoded.Decode(payload))
	assert.Equal(t, creds, decoded)
}

func TestCredentialsDecodeRejectsLyingLengths(t *testing.T) {
	creds := Credentials{Login: "alice", Password: "secret"}
	payload, err := creds.Encode()
	require.NoError(t, err)

	// Inflate the declared login length past the remaining buffer.
	payload[0] = 0xFF
	payload[1] = 0xFF

	var decoded Credentials
	assert.ErrorIs(t, decoded.Decode(payload), ErrMalformedMessage)
}

func TestLogonResponseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		resp LogonResponse
	}{
		{name: "success", resp: LogonResponse{Status: StatusSuccess, Message: "logged on"}},
		{name: "failure", resp: LogonResponse{Status: StatusFailure, Message: "already logged on"}},
		{name: "empty message", resp: LogonResponse{Status: StatusSuccess}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := tt.resp.Encode()
			require.NoError(t, err)

			var decoded LogonResponse
			require.NoError(t, decoded.Decode(payload))
			assert.Equal(t, tt.resp, decoded)
		})
	}
}

func TestChatMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  ChatMessage
	}{
		{
			name: "room message",
			msg:  ChatMessage{Type: OpRoomMessage, Source: "testUser1", Dest: "r1", Message: "testMsg"},
		},
		{
			name: "direct message",
			msg:  ChatMessage{Type: OpDirectMessage, Source: "alice", Dest: "bob", Message: "hi"},
		},
		{
			name: "broadcast ignores dest",
			msg:  ChatMessage{Type: OpBroadcast, Source: "alice", Message: "everyone"},
		},
		{
			name: "unicode text",
			msg:  ChatMessage{Type: OpRoomMessage, Source: "наш", Dest: "кімната", Message: "привіт"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := tt.msg.Encode()
			require.NoError(t, err)

			var decoded ChatMessage
			require.NoError(t, decoded.Decode(payload))
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestChatMessageDecodeErrors(t *testing.T) {
	valid := ChatMessage{Type: OpRoomMessage, Source: "a", Dest: "r", Message: "m"}
	payload, err := valid.Encode()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{
			name:   "empty payload",
			mutate: func(b []byte) []byte { return nil },
		},
		{
			name:   "non-chat type byte",
			mutate: func(b []byte) []byte { b[0] = OpJoinRoom; return b },
		},
		{
			name:   "truncated length fields",
			mutate: func(b []byte) []byte { return b[:6] },
		},
		{
			name: "source length exceeds remaining buffer",
			mutate: func(b []byte) []byte {
				b[1] = 0xFF
				b[2] = 0xFF
				return b
			},
		},
		{
			name: "message length exceeds remaining buffer",
			mutate: func(b []byte) []byte {
				b[9] = 0xFF
				return b
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := tt.mutate(append([]byte(nil), payload...))
			var decoded ChatMessage
			assert.ErrorIs(t, decoded.Decode(mutated), ErrMalformedMessage)
		})
	}
}

func TestJoinRoomMessageRoundTrip(t *testing.T) {
	msg := JoinRoomMessage{Room: "r1", Password: "testRoomPass"}
	payload, err := msg.Encode()
	require.NoError(t, err)

	assert.Equal(t, uint8(OpJoinRoom), payload[0])

	var decoded JoinRoomMessage
	require.NoError(t, decoded.Decode(payload))
	assert.Equal(t, msg, decoded)
}

func TestJoinRoomMessageDecodeErrors(t *testing.T) {
	var msg JoinRoomMessage
	assert.ErrorIs(t, msg.Decode([]byte{}), ErrMalformedMessage)
	assert.ErrorIs(t, msg.Decode([]byte{OpLeaveRoom, 0, 0, 0, 0}), ErrMalformedMessage, "wrong leading type byte")
}

func TestRoomNameMessageRoundTrip(t *testing.T) {
	msg := RoomNameMessage{Room: "lobby"}
	payload, err := msg.Encode()
	require.NoError(t, err)

	var decoded RoomNameMessage
	require.NoError(t, decoded.Decode(payload))
	assert.Equal(t, msg, decoded)
}

func TestNameListRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		names []string
	}{
		{name: "empty list", names: []string{}},
		{name: "single name", names: []string{"r1"}},
		{name: "several names", names: []string{"general", "r1", "тест"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list := NameList{Names: tt.names}
			payload, err := list.Encode()
			require.NoError(t, err)

			var decoded NameList
			require.NoError(t, decoded.Decode(payload))
			assert.Equal(t, tt.names, decoded.Names)
		})
	}
}

func TestNameListDecodeRejectsHugeCount(t *testing.T) {
	// A count of ~1 billion with a near-empty buffer must be rejected
	// before the names slice is allocated.
	payload := []byte{StatusSuccess, 0xFF, 0xFF, 0xFF, 0x3F}

	var decoded NameList
	assert.ErrorIs(t, decoded.Decode(payload), ErrMalformedMessage)
}
