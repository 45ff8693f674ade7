package crypto

import (
	"bytes"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
)

var (
	testKeysOnce sync.Once
	testKeys     []*rsa.PrivateKey
	testKeysMu   sync.Mutex
	testKeysNext int
)

// testRSAKey hands out a small pool of pre-generated keys round robin.
func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()

	testKeysOnce.Do(func() {
		for range 3 {
			key, err := GenerateRSAKeyPair(DefaultRSAKeyBits)
			if err != nil {
				panic(err)
			}
			testKeys = append(testKeys, key)
		}
	})

	testKeysMu.Lock()
	defer testKeysMu.Unlock()
	key := testKeys[testKeysNext%len(testKeys)]
	testKeysNext++
	return key
}

func distinctKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	first := testRSAKey(t)
	second := testRSAKey(t)
	for second == first {
		second = testRSAKey(t)
	}
	return first, second
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testRSAKey(t)

	plaintexts := [][]byte{
		[]byte("hi"),
		[]byte("merhaba dünya"),
		bytes.Repeat([]byte{0xAB}, 64*1024),
		{0x00},
	}
	for _, plaintext := range plaintexts {
		envelope, err := Seal(plaintext, &key.PublicKey)
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		got, err := Open(envelope, key)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("round trip mismatch for %d byte plaintext", len(plaintext))
		}
	}
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	recipient, stranger := distinctKeys(t)

	envelope, err := Seal([]byte("for the recipient only"), &recipient.PublicKey)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	got, err := Open(envelope, stranger)
	if !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected no plaintext on failure")
	}
}

func TestSealIsFreshPerCall(t *testing.T) {
	key := testRSAKey(t)
	plaintext := []byte("same text twice")

	first, err := Seal(plaintext, &key.PublicKey)
	if err != nil {
		t.Fatalf("first Seal failed: %v", err)
	}
	second, err := Seal(plaintext, &key.PublicKey)
	if err != nil {
		t.Fatalf("second Seal failed: %v", err)
	}

	if bytes.Equal(first.Nonce, second.Nonce) {
		t.Fatalf("expected distinct nonces")
	}
	if bytes.Equal(first.WrappedKey, second.WrappedKey) {
		t.Fatalf("expected distinct wrapped keys")
	}
	if bytes.Equal(first.Ciphertext, second.Ciphertext) {
		t.Fatalf("expected distinct ciphertexts")
	}
}

func TestTamperedEnvelopeFails(t *testing.T) {
	key := testRSAKey(t)

	envelope, err := Seal([]byte("integrity matters"), &key.PublicKey)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	for i := range envelope.Ciphertext {
		tampered := Envelope{
			WrappedKey: envelope.WrappedKey,
			Nonce:      envelope.Nonce,
			Ciphertext: append([]byte(nil), envelope.Ciphertext...),
		}
		tampered.Ciphertext[i] ^= 0x01

		if _, err := Open(tampered, key); !errors.Is(err, ErrDecrypt) {
			t.Fatalf("byte %d: expected ErrDecrypt, got %v", i, err)
		}
	}

	tamperedNonce := envelope
	tamperedNonce.Nonce = append([]byte(nil), envelope.Nonce...)
	tamperedNonce.Nonce[0] ^= 0x80
	if _, err := Open(tamperedNonce, key); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for tampered nonce, got %v", err)
	}
}

func TestOpenErrorsAreIndistinguishable(t *testing.T) {
	recipient, stranger := distinctKeys(t)

	envelope, err := Seal([]byte("oracle"), &recipient.PublicKey)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	_, wrongKeyErr := Open(envelope, stranger)

	tampered := envelope
	tampered.Ciphertext = append([]byte(nil), envelope.Ciphertext...)
	tampered.Ciphertext[0] ^= 0xFF
	_, tamperErr := Open(tampered, recipient)

	_, malformedErr := OpenEncoded(`{"k":"???"}`, recipient)

	for _, err := range []error{wrongKeyErr, tamperErr, malformedErr} {
		if err != ErrDecrypt {
			t.Fatalf("expected the bare ErrDecrypt sentinel, got %v", err)
		}
	}
}

func TestSealForPairBothSidesCanOpen(t *testing.T) {
	recipient, sender := distinctKeys(t)
	plaintext := []byte("hi")

	forRecipient, forSender, err := SealForPair(plaintext, &recipient.PublicKey, &sender.PublicKey)
	if err != nil {
		t.Fatalf("SealForPair failed: %v", err)
	}

	got, err := Open(forRecipient, recipient)
	if err != nil || !bytes.Equal(got, plaintext) {
		t.Fatalf("recipient could not open its envelope: %v", err)
	}
	got, err = Open(forSender, sender)
	if err != nil || !bytes.Equal(got, plaintext) {
		t.Fatalf("sender could not open its envelope: %v", err)
	}

	if _, err := Open(forRecipient, sender); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("sender must not open the recipient envelope")
	}
	if _, err := Open(forSender, recipient); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("recipient must not open the sender envelope")
	}
	if bytes.Equal(forRecipient.Ciphertext, forSender.Ciphertext) {
		t.Fatalf("expected unrelated envelopes")
	}
}

func TestEncodedEnvelopeRoundTrip(t *testing.T) {
	key := testRSAKey(t)

	encoded, err := SealEncoded([]byte("compact"), &key.PublicKey)
	if err != nil {
		t.Fatalf("SealEncoded failed: %v", err)
	}

	decoded, err := DecodeEnvelope(encoded)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if len(decoded.Nonce) != NonceSize {
		t.Fatalf("expected %d byte nonce, got %d", NonceSize, len(decoded.Nonce))
	}

	got, err := OpenEncoded(encoded, key)
	if err != nil {
		t.Fatalf("OpenEncoded failed: %v", err)
	}
	if string(got) != "compact" {
		t.Fatalf("unexpected plaintext %q", got)
	}
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"not json",
		`{"k":"","n":"","c":""}`,
		`{"k":"AA==","n":"%%%","c":"AA=="}`,
	}
	for _, encoded := range cases {
		if _, err := DecodeEnvelope(encoded); err == nil {
			t.Fatalf("expected error decoding %q", encoded)
		}
	}
}

func TestDeriveSessionKeyMatchesAcrossPeers(t *testing.T) {
	alice, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate alice key: %v", err)
	}
	relay, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate relay key: %v", err)
	}

	aliceSecret, err := ComputeX25519SharedSecret(alice, relay.PublicKey())
	if err != nil {
		t.Fatalf("alice ECDH: %v", err)
	}
	relaySecret, err := ComputeX25519SharedSecret(relay, alice.PublicKey())
	if err != nil {
		t.Fatalf("relay ECDH: %v", err)
	}

	nonce := bytes.Repeat([]byte{7}, 32)
	aliceKey, err := DeriveSessionKeyWithContext(aliceSecret, "alice", "relay-1", nonce)
	if err != nil {
		t.Fatalf("alice derive: %v", err)
	}
	relayKey, err := DeriveSessionKeyWithContext(relaySecret, "relay-1", "alice", nonce)
	if err != nil {
		t.Fatalf("relay derive: %v", err)
	}

	if !bytes.Equal(aliceKey, relayKey) {
		t.Fatalf("expected both peers to derive the same session key")
	}
	if len(aliceKey) != SymmetricKeySize {
		t.Fatalf("expected %d byte session key, got %d", SymmetricKeySize, len(aliceKey))
	}
}
