package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const (
	// DefaultRSAKeyBits matches the modulus length the web client generates.
	DefaultRSAKeyBits = 2048
	// MinRSAKeyBits is the smallest identity key the directory accepts.
	MinRSAKeyBits = 2048

	rsaPrivatePEMType = "PRIVATE KEY"
)

// GenerateRSAKeyPair creates a new identity key pair.
func GenerateRSAKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultRSAKeyBits
	}
	if bits < MinRSAKeyBits {
		return nil, fmt.Errorf("rsa key size %d below minimum %d", bits, MinRSAKeyBits)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA keypair: %w", err)
	}
	return privateKey, nil
}

// EncodePublicKey returns the base64 SPKI DER form published in the key directory.
func EncodePublicKey(publicKey *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("marshal SPKI public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKey parses a base64 SPKI DER RSA public key.
func ParsePublicKey(encoded string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse SPKI public key: %w", err)
	}
	publicKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	if publicKey.N.BitLen() < MinRSAKeyBits {
		return nil, fmt.Errorf("rsa public key size %d below minimum %d", publicKey.N.BitLen(), MinRSAKeyBits)
	}
	return publicKey, nil
}

// EncodePrivateKey returns the base64 PKCS8 DER form of an identity private key.
func EncodePrivateKey(privateKey *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return "", fmt.Errorf("marshal PKCS8 private key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePrivateKey parses a base64 PKCS8 DER RSA private key.
func ParsePrivateKey(encoded string) (*rsa.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	return parsePKCS8RSA(der)
}

// EnsureRSAKeyPair loads an identity key from a PEM file, generating it on first use.
func EnsureRSAKeyPair(path string) (*rsa.PrivateKey, error) {
	privateKey, err := LoadRSAPrivateKey(path)
	if err == nil {
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	privateKey, err = GenerateRSAKeyPair(DefaultRSAKeyBits)
	if err != nil {
		return nil, err
	}
	if err := SaveRSAPrivateKey(path, privateKey); err != nil {
		return nil, err
	}
	return privateKey, nil
}

// LoadRSAPrivateKey reads a PKCS8 PEM identity key.
func LoadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read RSA private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode RSA PEM: no PEM block")
	}
	if block.Type != rsaPrivatePEMType {
		return nil, fmt.Errorf("decode RSA PEM: unexpected type %q", block.Type)
	}
	return parsePKCS8RSA(block.Bytes)
}

// SaveRSAPrivateKey writes a PKCS8 PEM identity key with 0600 permissions.
func SaveRSAPrivateKey(path string, privateKey *rsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return fmt.Errorf("marshal PKCS8 private key: %w", err)
	}

	block := &pem.Block{Type: rsaPrivatePEMType, Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write RSA private key: %w", err)
	}
	return nil
}

// PublicKeyFingerprint returns the truncated SHA-256 hex fingerprint of the SPKI encoding.
func PublicKeyFingerprint(publicKey *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("marshal SPKI public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:16]), nil
}

func parsePKCS8RSA(der []byte) (*rsa.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS8 private key: %w", err)
	}
	privateKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return privateKey, nil
}
