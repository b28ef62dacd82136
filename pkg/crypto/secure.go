package crypto

import (
	"github.com/andriy/mychat/pkg/protocol"
)

// SecureChannel wraps a Framer with the channel cipher: Send encrypts
// then frames, Receive un-frames then decrypts. All post-handshake
// traffic flows through it.
type SecureChannel struct {
	framer *protocol.Framer
	cipher *ChannelCipher
}

// NewSecureChannel binds a cipher to an established framer.
func NewSecureChannel(framer *protocol.Framer, cipher *ChannelCipher) *SecureChannel {
	return &SecureChannel{framer: framer, cipher: cipher}
}

// Send encrypts plaintext and writes it as one frame.
func (sc *SecureChannel) Send(plaintext []byte) error {
	return sc.framer.Send(sc.cipher.Encrypt(plaintext))
}

// Receive reads one frame and decrypts its payload. Decryption failure
// surfaces as ErrDecryptFailed, which callers treat as fatal for the
// connection.
func (sc *SecureChannel) Receive() ([]byte, error) {
	ciphertext, err := sc.framer.Receive()
	if err != nil {
		return nil, err
	}
	return sc.cipher.Decrypt(ciphertext)
}

// Framer exposes the underlying unencrypted framer, used for the reply
// layouts that travel framed but in the clear.
func (sc *SecureChannel) Framer() *protocol.Framer {
	return sc.framer
}
