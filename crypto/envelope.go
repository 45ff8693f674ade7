package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecrypt is the only error Open reports. Wrong key, truncated fields and a
// failed tag check all collapse into it so callers cannot tell which step failed.
var ErrDecrypt = errors.New("crypto: envelope cannot be opened")

// Envelope is one sealed payload: a per-message AES key wrapped for a single
// recipient, the GCM nonce and the ciphertext.
type Envelope struct {
	WrappedKey []byte
	Nonce      []byte
	Ciphertext []byte
}

type envelopeWire struct {
	WrappedKey string `json:"k"`
	Nonce      string `json:"n"`
	Ciphertext string `json:"c"`
}

// Seal encrypts plaintext for the holder of recipient's private key.
//
// Every call draws a fresh content key and nonce, so sealing the same plaintext
// twice never yields related envelopes.
func Seal(plaintext []byte, recipient *rsa.PublicKey) (Envelope, error) {
	if recipient == nil {
		return Envelope{}, errors.New("recipient public key is required")
	}

	contentKey, err := NewSymmetricKey()
	if err != nil {
		return Envelope{}, err
	}

	ciphertext, nonce, err := EncryptAEAD(contentKey, plaintext, nil)
	if err != nil {
		return Envelope{}, err
	}

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, contentKey, nil)
	if err != nil {
		return Envelope{}, fmt.Errorf("wrap content key: %w", err)
	}

	return Envelope{
		WrappedKey: wrappedKey,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// Open recovers the plaintext of an envelope sealed for own's public half.
func Open(envelope Envelope, own *rsa.PrivateKey) ([]byte, error) {
	if own == nil || len(envelope.WrappedKey) == 0 || len(envelope.Nonce) != NonceSize || len(envelope.Ciphertext) == 0 {
		return nil, ErrDecrypt
	}

	contentKey, err := rsa.DecryptOAEP(sha256.New(), nil, own, envelope.WrappedKey, nil)
	if err != nil || len(contentKey) != SymmetricKeySize {
		return nil, ErrDecrypt
	}

	plaintext, err := DecryptAEAD(contentKey, envelope.Nonce, envelope.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// SealForPair seals plaintext once for the recipient and once for the sender so
// the author can read its own history. Both envelopes go through Seal.
func SealForPair(plaintext []byte, recipient, sender *rsa.PublicKey) (forRecipient, forSender Envelope, err error) {
	forRecipient, err = Seal(plaintext, recipient)
	if err != nil {
		return Envelope{}, Envelope{}, fmt.Errorf("seal for recipient: %w", err)
	}
	forSender, err = Seal(plaintext, sender)
	if err != nil {
		return Envelope{}, Envelope{}, fmt.Errorf("seal for sender: %w", err)
	}
	return forRecipient, forSender, nil
}

// EncodeEnvelope serializes an envelope into its compact JSON text form.
func EncodeEnvelope(envelope Envelope) (string, error) {
	raw, err := json.Marshal(envelopeWire{
		WrappedKey: base64.StdEncoding.EncodeToString(envelope.WrappedKey),
		Nonce:      base64.StdEncoding.EncodeToString(envelope.Nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(envelope.Ciphertext),
	})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(raw), nil
}

// DecodeEnvelope parses the compact JSON text form produced by EncodeEnvelope.
func DecodeEnvelope(encoded string) (Envelope, error) {
	var wire envelopeWire
	if err := json.Unmarshal([]byte(encoded), &wire); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}

	wrappedKey, err := base64.StdEncoding.DecodeString(wire.WrappedKey)
	if err != nil {
		return Envelope{}, fmt.Errorf("decode wrapped key: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(wire.Nonce)
	if err != nil {
		return Envelope{}, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(wire.Ciphertext)
	if err != nil {
		return Envelope{}, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(wrappedKey) == 0 || len(nonce) == 0 || len(ciphertext) == 0 {
		return Envelope{}, errors.New("envelope has empty fields")
	}

	return Envelope{
		WrappedKey: wrappedKey,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// SealEncoded is Seal followed by EncodeEnvelope.
func SealEncoded(plaintext []byte, recipient *rsa.PublicKey) (string, error) {
	envelope, err := Seal(plaintext, recipient)
	if err != nil {
		return "", err
	}
	return EncodeEnvelope(envelope)
}

// OpenEncoded parses and opens an encoded envelope. Parse failures are
// reported as ErrDecrypt like every other failure.
func OpenEncoded(encoded string, own *rsa.PrivateKey) ([]byte, error) {
	envelope, err := DecodeEnvelope(encoded)
	if err != nil {
		return nil, ErrDecrypt
	}
	return Open(envelope, own)
}
