package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"

	appcrypto "github.com/MetinSerinkaya27/NextGen-Chat/crypto"
	"github.com/MetinSerinkaya27/NextGen-Chat/directory"
	"github.com/MetinSerinkaya27/NextGen-Chat/relay"
	"github.com/MetinSerinkaya27/NextGen-Chat/storage"
)

var (
	testKeysOnce sync.Once
	testKeys     []*rsa.PrivateKey
	testKeysMu   sync.Mutex
	testKeysNext int
)

// testRSAKey hands out distinct pre-generated keys until the pool wraps.
func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()

	testKeysOnce.Do(func() {
		for range 4 {
			key, err := appcrypto.GenerateRSAKeyPair(appcrypto.DefaultRSAKeyBits)
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

type testRelay struct {
	server    *Server
	store     *storage.Store
	directory *directory.Directory
	relay     *relay.Relay
	identity  RelayIdentity
}

func startTestRelay(t *testing.T, options ServerOptions) *testRelay {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	dir := directory.New(store, log)
	r := relay.New(store, dir, log, relay.Options{})

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate relay identity: %v", err)
	}
	identity := RelayIdentity{
		RelayID:           "relay-test",
		Ed25519PrivateKey: privateKey,
		Ed25519PublicKey:  publicKey,
	}

	server, err := Listen("127.0.0.1:0", identity, Backend{Relay: r, Directory: dir, Audit: store}, log, options)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() {
		_ = server.Close()
	})

	return &testRelay{server: server, store: store, directory: dir, relay: r, identity: identity}
}

func (tr *testRelay) addr() string {
	return tr.server.Addr().String()
}

func (tr *testRelay) register(t *testing.T, username string) ClientIdentity {
	t.Helper()

	key := testRSAKey(t)
	encoded, err := appcrypto.EncodePublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("encode public key: %v", err)
	}
	if _, err := tr.directory.Register(context.Background(), username, encoded); err != nil {
		t.Fatalf("register %q: %v", username, err)
	}
	return ClientIdentity{Username: username, PrivateKey: key}
}

func dialTestClient(t *testing.T, tr *testRelay, identity ClientIdentity, options HandshakeOptions) *Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, tr.addr(), identity, options)
	if err != nil {
		t.Fatalf("Dial %q failed: %v", identity.Username, err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

// waitForEvent returns the next push of eventType, skipping any other event.
func waitForEvent(t *testing.T, client *Client, eventType relay.EventType) relay.Event {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case raw, ok := <-client.Pushes():
			if !ok {
				t.Fatalf("session closed while waiting for %q", eventType)
			}
			var event relay.Event
			if err := json.Unmarshal(raw, &event); err != nil {
				t.Fatalf("decode push: %v", err)
			}
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q push", eventType)
		}
	}
}

func waitForOnline(t *testing.T, tr *testRelay, want ...string) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		online := tr.relay.Online()
		if len(online) == len(want) {
			match := true
			for i := range want {
				if online[i] != want[i] {
					match = false
				}
			}
			if match {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected online %v, got %v", want, tr.relay.Online())
}

func remoteCode(err error) string {
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		return ""
	}
	return remoteErr.Code
}
