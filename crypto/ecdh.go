package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sessionKeyInfo = "nextgen-chat/session/v1"

var x25519Curve = ecdh.X25519()

// GenerateX25519PrivateKey creates a new ephemeral X25519 private key.
func GenerateX25519PrivateKey() (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, nil
}

// ParseX25519PublicKey parses raw X25519 public key bytes.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid X25519 public key length: got %d want %d", len(raw), 32)
	}
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// ComputeX25519SharedSecret runs ECDH between a local private key and a peer public key.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	if privateKey == nil || peerPublicKey == nil {
		return nil, errors.New("X25519 keys are required")
	}
	secret, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

// DeriveSessionKeyWithContext expands an ECDH secret into an AES-256 session key.
// Both sides must pass the same pair of ids; they are sorted so argument order does not matter.
func DeriveSessionKeyWithContext(sharedSecret []byte, localID, peerID string, context []byte) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret is required")
	}
	if localID == "" || peerID == "" {
		return nil, errors.New("session ids are required")
	}

	first, second := localID, peerID
	if second < first {
		first, second = second, first
	}

	info := make([]byte, 0, len(sessionKeyInfo)+len(first)+len(second)+2)
	info = append(info, sessionKeyInfo...)
	info = append(info, '|')
	info = append(info, first...)
	info = append(info, '|')
	info = append(info, second...)

	reader := hkdf.New(sha256.New, sharedSecret, context, info)
	key := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}
