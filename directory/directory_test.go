package directory

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"github.com/MetinSerinkaya27/NextGen-Chat/crypto"
	"github.com/MetinSerinkaya27/NextGen-Chat/storage"
)

func newTestDirectory(t *testing.T) (*Directory, *storage.Store) {
	t.Helper()
	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, logs.GetLoggerFromLevel(slog.LevelDebug)), store
}

func newKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateRSAKeyPair(crypto.DefaultRSAKeyBits)
	require.NoError(t, err)
	encoded, err := crypto.EncodePublicKey(&key.PublicKey)
	require.NoError(t, err)
	return key, encoded
}

func TestDirectory_Register_And_Lookup(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	dir, _ := newTestDirectory(t)
	key, encoded := newKey(t)

	// When alice registers
	entry, err := dir.Register(ctx, "alice", encoded)

	// Then her key is published
	req.NoError(err)
	req.Equal("alice", entry.Username)
	req.Equal(encoded, entry.PublicKey)
	req.NotEmpty(entry.Fingerprint)

	publicKey, err := dir.Lookup(ctx, "alice")
	req.NoError(err)
	req.True(publicKey.Equal(&key.PublicKey))

	exists, err := dir.Exists(ctx, "alice")
	req.NoError(err)
	req.True(exists)
}

func TestDirectory_Register_Rejects_Invalid_Input(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	dir, _ := newTestDirectory(t)
	_, encoded := newKey(t)

	_, err := dir.Register(ctx, "al", encoded)
	req.ErrorIs(err, ErrInvalidUsername)

	_, err = dir.Register(ctx, "alice smith", encoded)
	req.ErrorIs(err, ErrInvalidUsername)

	_, err = dir.Register(ctx, "alice", "not-a-key")
	req.ErrorIs(err, ErrInvalidPublicKey)

	_, err = dir.Register(ctx, "alice", "aGVsbG8=")
	req.ErrorIs(err, ErrInvalidPublicKey)
}

func TestDirectory_Register_Taken_Username(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	dir, store := newTestDirectory(t)
	_, first := newKey(t)
	_, second := newKey(t)

	// Given alice is registered
	_, err := dir.Register(ctx, "alice", first)
	req.NoError(err)

	// When someone registers alice again
	_, err = dir.Register(ctx, "alice", second)

	// Then the original key stays published
	req.ErrorIs(err, ErrTaken)
	entry, err := dir.Get(ctx, "alice")
	req.NoError(err)
	req.Equal(first, entry.PublicKey)

	events, err := store.GetSecurityEvents(ctx, storage.SecurityEventFilter{EventType: storage.SecurityEventRegistrationRefused})
	req.NoError(err)
	req.Len(events, 1)
}

func TestDirectory_Replace_Requires_Current_Key_Signature(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	dir, store := newTestDirectory(t)
	oldKey, oldEncoded := newKey(t)
	newPrivate, newEncoded := newKey(t)

	_, err := dir.Register(ctx, "alice", oldEncoded)
	req.NoError(err)

	// When an attacker signs the replacement with the new key
	forged, err := crypto.SignIdentity(newPrivate, ReplacementPayload("alice", newEncoded))
	req.NoError(err)
	_, err = dir.Replace(ctx, "alice", newEncoded, forged)
	req.ErrorIs(err, ErrBadSignature)

	// When alice signs with her current key
	signature, err := crypto.SignIdentity(oldKey, ReplacementPayload("alice", newEncoded))
	req.NoError(err)
	entry, err := dir.Replace(ctx, "alice", newEncoded, signature)
	req.NoError(err)
	req.Equal(newEncoded, entry.PublicKey)

	publicKey, err := dir.Lookup(ctx, "alice")
	req.NoError(err)
	req.True(publicKey.Equal(&newPrivate.PublicKey))

	rejected, err := store.GetSecurityEvents(ctx, storage.SecurityEventFilter{EventType: storage.SecurityEventKeyReplaceRejected})
	req.NoError(err)
	req.Len(rejected, 1)
	replaced, err := store.GetSecurityEvents(ctx, storage.SecurityEventFilter{EventType: storage.SecurityEventKeyReplaced})
	req.NoError(err)
	req.Len(replaced, 1)
}

func TestDirectory_Lookup_Unknown(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	dir, _ := newTestDirectory(t)

	_, err := dir.Lookup(ctx, "ghost")
	req.ErrorIs(err, ErrNotFound)

	exists, err := dir.Exists(ctx, "ghost")
	req.NoError(err)
	req.False(exists)

	_, err = dir.Replace(ctx, "ghost", "irrelevant", nil)
	req.ErrorIs(err, ErrNotFound)
}

func TestDirectory_List(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	dir, _ := newTestDirectory(t)
	_, bobKey := newKey(t)
	_, aliceKey := newKey(t)

	_, err := dir.Register(ctx, "bob", bobKey)
	req.NoError(err)
	_, err = dir.Register(ctx, "alice", aliceKey)
	req.NoError(err)

	entries, err := dir.List(ctx)
	req.NoError(err)
	req.Len(entries, 2)
	req.Equal("alice", entries[0].Username)
	req.Equal("bob", entries[1].Username)
	req.True(ValidUsername("bob"))
	req.False(ValidUsername("b"))
}
