package crypto

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
)

var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

// Sign signs data using an Ed25519 private key.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}

	return ed25519.Sign(privateKey, data), nil
}

// Verify verifies an Ed25519 signature.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(data) == 0 || len(signature) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(publicKey, data, signature)
}

// SignIdentity signs data with an identity key using RSA-PSS over SHA-256.
func SignIdentity(privateKey *rsa.PrivateKey, data []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, errors.New("identity private key is required")
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}

	digest := sha256.Sum256(data)
	signature, err := rsa.SignPSS(rand.Reader, privateKey, crypto.SHA256, digest[:], pssOptions)
	if err != nil {
		return nil, fmt.Errorf("sign with identity key: %w", err)
	}
	return signature, nil
}

// VerifyIdentity verifies an RSA-PSS identity signature.
func VerifyIdentity(publicKey *rsa.PublicKey, data, signature []byte) bool {
	if publicKey == nil || len(data) == 0 || len(signature) == 0 {
		return false
	}

	digest := sha256.Sum256(data)
	return rsa.VerifyPSS(publicKey, crypto.SHA256, digest[:], signature, pssOptions) == nil
}
