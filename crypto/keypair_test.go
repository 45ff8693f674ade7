package crypto

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestEnsureRelayIdentityIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay_ed25519.pem")

	firstPrivate, firstPublic, err := EnsureRelayIdentity(path)
	if err != nil {
		t.Fatalf("first EnsureRelayIdentity failed: %v", err)
	}

	secondPrivate, secondPublic, err := EnsureRelayIdentity(path)
	if err != nil {
		t.Fatalf("second EnsureRelayIdentity failed: %v", err)
	}

	if !bytes.Equal(firstPrivate, secondPrivate) {
		t.Fatalf("expected stable private key across runs")
	}
	if !bytes.Equal(firstPublic, secondPublic) {
		t.Fatalf("expected stable public key across runs")
	}
}

func TestEnsureRSAKeyPairIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.pem")

	first, err := EnsureRSAKeyPair(path)
	if err != nil {
		t.Fatalf("first EnsureRSAKeyPair failed: %v", err)
	}
	second, err := EnsureRSAKeyPair(path)
	if err != nil {
		t.Fatalf("second EnsureRSAKeyPair failed: %v", err)
	}

	if !first.Equal(second) {
		t.Fatalf("expected stable identity key across runs")
	}
}

func TestPublicKeyEncodingRoundTrip(t *testing.T) {
	privateKey := testRSAKey(t)

	encoded, err := EncodePublicKey(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKey failed: %v", err)
	}
	parsed, err := ParsePublicKey(encoded)
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	if !parsed.Equal(&privateKey.PublicKey) {
		t.Fatalf("parsed public key does not match original")
	}

	encodedPrivate, err := EncodePrivateKey(privateKey)
	if err != nil {
		t.Fatalf("EncodePrivateKey failed: %v", err)
	}
	parsedPrivate, err := ParsePrivateKey(encodedPrivate)
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	if !parsedPrivate.Equal(privateKey) {
		t.Fatalf("parsed private key does not match original")
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKey("not base64!"); err == nil {
		t.Fatalf("expected error for invalid base64")
	}
	if _, err := ParsePublicKey("aGVsbG8="); err == nil {
		t.Fatalf("expected error for non-SPKI bytes")
	}
}

func TestFormatFingerprint(t *testing.T) {
	got := FormatFingerprint("abcdef0123456789")
	if got != "ABCD EF01 2345 6789" {
		t.Fatalf("unexpected formatted fingerprint %q", got)
	}
	if FormatFingerprint("") != "" {
		t.Fatalf("expected empty fingerprint to stay empty")
	}
}
