package storage

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustRegister(t *testing.T, store *Store, username string) {
	t.Helper()

	err := store.RegisterIdentity(context.Background(), Identity{
		Username:       username,
		PublicKey:      "base64-public-key-" + username,
		KeyFingerprint: "fingerprint-" + username,
	})
	if err != nil {
		t.Fatalf("register identity %q: %v", username, err)
	}
}

func mustSave(t *testing.T, store *Store, message NewMessage) Message {
	t.Helper()

	if message.EnvelopeForRecipient == "" {
		message.EnvelopeForRecipient = "env-r-" + message.ID
	}
	if message.EnvelopeForSender == "" {
		message.EnvelopeForSender = "env-s-" + message.ID
	}
	saved, created, err := store.SaveMessage(context.Background(), message)
	if err != nil {
		t.Fatalf("SaveMessage %q failed: %v", message.ID, err)
	}
	if !created {
		t.Fatalf("expected message %q to be created", message.ID)
	}
	return saved
}
