// Package crypto provides the cryptographic building blocks of the
// MyChat handshake: X25519 ephemeral key agreement, the AES-256-CBC
// channel cipher, and the Ed25519 legitimacy proofs exchanged before
// the channel is secured.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

const (
	// AgreementKeySize is the size of X25519 public and private keys.
	AgreementKeySize = 32

	// DefaultKeyLength is the symmetric key length taken as a prefix of
	// the agreed shared secret (AES-256).
	DefaultKeyLength = 32

	// ChallengeSize is the length of the random legitimacy challenge.
	ChallengeSize = 100
)

// ChannelIV is the fixed initialization vector combined with the agreed
// key to initialize the secure channel. Not secret; shared at build time
// by server and client.
var ChannelIV = [aes.BlockSize]byte{
	111, 62, 131, 223, 199, 122, 219, 32, 13, 147, 249, 67, 137, 161, 97, 104,
}

var (
	ErrInvalidKeySize      = errors.New("invalid key size")
	ErrInvalidPublicKey    = errors.New("invalid key agreement public key")
	ErrKeyGenerationFailed = errors.New("key generation failed")
	ErrDecryptFailed       = errors.New("decryption failed")
	ErrInvalidCiphertext   = errors.New("ciphertext is not a whole number of blocks")
)

// AgreementKeyPair is an ephemeral X25519 key pair, generated fresh for
// every connection.
type AgreementKeyPair struct {
	PublicKey  [AgreementKeySize]byte
	PrivateKey [AgreementKeySize]byte
}

// GenerateAgreementKeyPair generates a new ephemeral X25519 key pair.
func GenerateAgreementKeyPair() (*AgreementKeyPair, error) {
	var priv [AgreementKeySize]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}

	// Standard X25519 clamping.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}

	kp := &AgreementKeyPair{}
	copy(kp.PrivateKey[:], priv[:])
	copy(kp.PublicKey[:], pub)
	return kp, nil
}

// SharedSecret performs X25519 against the peer's public component.
// Both sides compute the same 32-byte secret independently.
func (kp *AgreementKeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != AgreementKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(peerPublic))
	}
	if isLowOrderPoint(peerPublic) {
		return nil, ErrInvalidPublicKey
	}
	secret, err := curve25519.X25519(kp.PrivateKey[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return secret, nil
}

// SymmetricKey returns the fixed-length prefix of the shared secret used
// as the session's symmetric key.
func SymmetricKey(sharedSecret []byte, keyLength int) ([]byte, error) {
	if keyLength <= 0 || keyLength > len(sharedSecret) {
		return nil, fmt.Errorf("%w: want %d of %d secret bytes", ErrInvalidKeySize, keyLength, len(sharedSecret))
	}
	key := make([]byte, keyLength)
	copy(key, sharedSecret[:keyLength])
	return key, nil
}

// GenerateChallenge returns ChallengeSize cryptographically random bytes.
func GenerateChallenge() ([]byte, error) {
	challenge := make([]byte, ChallengeSize)
	if _, err := io.ReadFull(rand.Reader, challenge); err != nil {
		return nil, fmt.Errorf("challenge generation failed: %w", err)
	}
	return challenge, nil
}

// ChannelCipher is the symmetric cipher of a secure channel: AES-CBC
// with PKCS#7 padding under the agreed key and the fixed ChannelIV.
type ChannelCipher struct {
	block cipher.Block
	iv    []byte
}

// NewChannelCipher builds a cipher from the agreed key and IV. The key
// must be a valid AES key length (16, 24 or 32 bytes).
func NewChannelCipher(key, iv []byte) (*ChannelCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeySize, err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("%w: IV must be %d bytes", ErrInvalidKeySize, block.BlockSize())
	}
	c := &ChannelCipher{block: block, iv: make([]byte, len(iv))}
	copy(c.iv, iv)
	return c, nil
}

// Encrypt pads plaintext to the block size and encrypts it.
func (c *ChannelCipher) Encrypt(plaintext []byte) []byte {
	padded := pad(plaintext, c.block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, padded)
	return out
}

// Decrypt decrypts ciphertext and strips the padding. Corrupt input
// fails with ErrDecryptFailed.
func (c *ChannelCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, ErrInvalidCiphertext
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, ciphertext)
	return unpad(out, bs)
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrDecryptFailed
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrDecryptFailed
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrDecryptFailed
		}
	}
	return data[:len(data)-n], nil
}

// isLowOrderPoint rejects the known weak X25519 public keys.
var lowOrderPoints = [][AgreementKeySize]byte{
	{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
	{1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
	{0xe0, 0xeb, 0x7a, 0x7c, 0x3b, 0x41, 0xb8, 0xae, 0x16, 0x56, 0xe3, 0xfa, 0xf1, 0x9f, 0xc4, 0x6a, 0xda, 0x09, 0x8d, 0xeb, 0x9c, 0x32, 0xb1, 0xfd, 0x86, 0x62, 0x05, 0x16, 0x5f, 0x49, 0xb8, 0x00},
	{0x5f, 0x9c, 0x95, 0xbc, 0xa3, 0x50, 0x8c, 0x24, 0xb1, 0xd0, 0xb1, 0x55, 0x9c, 0x83, 0xef, 0x5b, 0x04, 0x44, 0x5c, 0xc4, 0x58, 0x1c, 0x8e, 0x86, 0xd8, 0x22, 0x4e, 0xdd, 0xd0, 0x9f, 0x11, 0x57},
	{0xec, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
	{0xed, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
	{0xee, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
}

func isLowOrderPoint(key []byte) bool {
	if len(key) != AgreementKeySize {
		return true
	}
	var k [AgreementKeySize]byte
	copy(k[:], key)
	for _, lowOrder := range lowOrderPoints {
		if k == lowOrder {
			return true
		}
	}
	return false
}
