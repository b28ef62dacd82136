package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	ErrBadSignature = errors.New("signature does not verify")
	ErrBadKeyFile   = errors.New("key file is not a valid Ed25519 key")
)

// Signer signs legitimacy challenges with a pre-shared private
// credential (the server's own key, or the client application's key).
type Signer struct {
	priv ed25519.PrivateKey
}

// Verifier checks challenge signatures against the matching pre-shared
// public credential.
type Verifier struct {
	pub ed25519.PublicKey
}

// NewSigner wraps an Ed25519 private key.
func NewSigner(priv ed25519.PrivateKey) *Signer { return &Signer{priv: priv} }

// NewVerifier wraps an Ed25519 public key.
func NewVerifier(pub ed25519.PublicKey) *Verifier { return &Verifier{pub: pub} }

// Sign produces the proof over a challenge. Deterministic for a given
// challenge and key.
func (s *Signer) Sign(challenge []byte) []byte {
	return ed25519.Sign(s.priv, challenge)
}

// Verify checks a proof over a challenge.
func (v *Verifier) Verify(challenge, signature []byte) error {
	if !ed25519.Verify(v.pub, challenge, signature) {
		return ErrBadSignature
	}
	return nil
}

// GenerateIdentity creates a fresh Ed25519 key pair.
func GenerateIdentity() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	return pub, priv, nil
}

// LoadOrCreateSigningKey reads a PEM-encoded Ed25519 private key from
// path, generating and persisting a new one if the file does not exist.
func LoadOrCreateSigningKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		_, priv, genErr := GenerateIdentity()
		if genErr != nil {
			return nil, genErr
		}
		if err := WriteSigningKey(path, priv); err != nil {
			return nil, err
		}
		return priv, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseSigningKey(data)
}

// WriteSigningKey persists a private key as PKCS#8 PEM with 0600 mode.
func WriteSigningKey(path string, priv ed25519.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0600)
}

// ParseSigningKey parses a PKCS#8 PEM private key.
func ParseSigningKey(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrBadKeyFile
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyFile, err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, ErrBadKeyFile
	}
	return priv, nil
}

// LoadVerifyKey reads a PEM-encoded Ed25519 public key from path.
func LoadVerifyKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrBadKeyFile
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyFile, err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, ErrBadKeyFile
	}
	return pub, nil
}

// WriteVerifyKey persists a public key as PKIX PEM.
func WriteVerifyKey(path string, pub ed25519.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0644)
}
