package protocol

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

// TestFramerRoundTripRapid checks that any payload within the size bound
// survives a send/receive cycle unchanged.
func TestFramerRoundTripRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payloadLen := rapid.IntRange(0, 4096).Draw(t, "payloadLen")
		payload := rapid.SliceOfN(rapid.Byte(), payloadLen, payloadLen).Draw(t, "payload")

		buf := new(bytes.Buffer)
		framer := NewFramer(buf, 0)

		if err := framer.Send(payload); err != nil {
			t.Fatalf("send failed: %v", err)
		}
		got, err := framer.Receive()
		if err != nil {
			t.Fatalf("receive failed: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("payload mismatch: got %d bytes, want %d", len(got), len(payload))
		}
	})
}

// TestChatMessageRoundTripRapid checks the chat layout against arbitrary
// UTF-8 field contents, including empty fields.
func TestChatMessageRoundTripRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := ChatMessage{
			Type:    rapid.SampledFrom([]uint8{OpRoomMessage, OpDirectMessage, OpBroadcast}).Draw(t, "type"),
			Source:  rapid.String().Draw(t, "source"),
			Dest:    rapid.String().Draw(t, "dest"),
			Message: rapid.String().Draw(t, "message"),
		}

		payload, err := original.Encode()
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		var decoded ChatMessage
		if err := decoded.Decode(payload); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded != original {
			t.Fatalf("mismatch: got %+v, want %+v", decoded, original)
		}
	})
}

// TestCredentialsRoundTripRapid checks the credentials layout.
func TestCredentialsRoundTripRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := Credentials{
			Login:    rapid.String().Draw(t, "login"),
			Password: rapid.String().Draw(t, "password"),
		}

		payload, err := original.Encode()
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		var decoded Credentials
		if err := decoded.Decode(payload); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded != original {
			t.Fatalf("mismatch: got %+v, want %+v", decoded, original)
		}
	})
}

// TestDecodeNeverPanicsRapid throws arbitrary bytes at every decoder.
// Malformed input must fail with an error, never an out-of-bounds read.
func TestDecodeNeverPanicsRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.SliceOf(rapid.Byte()).Draw(t, "raw")

		decoders := []Message{
			&ServiceMessage{},
			&Credentials{},
			&LogonResponse{},
			&ChatMessage{},
			&JoinRoomMessage{},
			&RoomNameMessage{},
			&NameList{},
		}
		for _, d := range decoders {
			_ = d.Decode(raw)
		}
	})
}
