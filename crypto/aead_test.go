package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptAEADRoundTrip(t *testing.T) {
	key, err := NewSymmetricKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	plaintext := []byte(`{"type":"request","method":"sync"}`)
	additionalData := []byte("frame:7")

	ciphertext, nonce, err := EncryptAEAD(key, plaintext, additionalData)
	if err != nil {
		t.Fatalf("EncryptAEAD failed: %v", err)
	}
	if len(nonce) != NonceSize {
		t.Fatalf("expected %d-byte nonce, got %d", NonceSize, len(nonce))
	}
	if len(ciphertext) == 0 {
		t.Fatalf("expected non-empty ciphertext")
	}

	decrypted, err := DecryptAEAD(key, nonce, ciphertext, additionalData)
	if err != nil {
		t.Fatalf("DecryptAEAD failed: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Fatalf("decrypted plaintext does not match original")
	}
}

func TestDecryptAEADRejectsWrongAdditionalData(t *testing.T) {
	key, err := NewSymmetricKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	ciphertext, nonce, err := EncryptAEAD(key, []byte("hello"), []byte("frame:1"))
	if err != nil {
		t.Fatalf("EncryptAEAD failed: %v", err)
	}
	if _, err := DecryptAEAD(key, nonce, ciphertext, []byte("frame:2")); err == nil {
		t.Fatalf("expected mismatched additional data to fail")
	}
	if _, err := DecryptAEAD(key, nonce[:4], ciphertext, []byte("frame:1")); err == nil {
		t.Fatalf("expected short nonce to fail")
	}
	if _, err := DecryptAEAD(key[:16], nonce, ciphertext, []byte("frame:1")); err == nil {
		t.Fatalf("expected short key to fail")
	}
}
