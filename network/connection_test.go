package network

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net"
	"testing"
	"time"

	appcrypto "github.com/MetinSerinkaya27/NextGen-Chat/crypto"
	"github.com/MetinSerinkaya27/NextGen-Chat/relay"
)

func newPipeConnection(t *testing.T, key []byte) (*Connection, net.Conn) {
	t.Helper()

	localConn, remoteConn := net.Pipe()
	t.Cleanup(func() {
		_ = remoteConn.Close()
	})

	c := newConnection(localConn, key, ConnectionOptions{
		LocalID:           "local",
		PeerID:            "peer",
		KeepAliveInterval: time.Hour,
		KeepAliveTimeout:  time.Hour,
		FrameReadTimeout:  250 * time.Millisecond,
	})
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c, remoteConn
}

func writeSecureFrame(t *testing.T, conn net.Conn, key []byte, sequence uint64, payload []byte) {
	t.Helper()

	ciphertext, nonce, err := appcrypto.EncryptAEAD(key, payload, secureFrameAD(sequence))
	if err != nil {
		t.Fatalf("encrypt payload failed: %v", err)
	}
	framePayload, err := EncodeJSON(secureFrame{
		Type:       TypeSecureFrame,
		Sequence:   sequence,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		t.Fatalf("EncodeJSON secureFrame failed: %v", err)
	}
	if err := WriteFrame(conn, framePayload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
}

func waitClosed(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected connection to close")
	}
}

func TestSecureConnectionsExchangeMessages(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	localConn, remoteConn := net.Pipe()

	options := ConnectionOptions{KeepAliveInterval: time.Hour, KeepAliveTimeout: time.Hour, FrameReadTimeout: 250 * time.Millisecond}
	local := newConnection(localConn, key, options)
	remote := newConnection(remoteConn, key, options)
	defer func() {
		_ = local.Close()
		_ = remote.Close()
	}()

	for _, text := range []string{"first", "second"} {
		if err := local.SendMessage(RequestMessage{Type: TypeRequest, RequestID: text, Method: MethodOnline}); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, want := range []string{"first", "second"} {
		payload, err := remote.ReceiveMessage(ctx)
		if err != nil {
			t.Fatalf("ReceiveMessage failed: %v", err)
		}
		if !bytes.Contains(payload, []byte(`"request_id":"`+want+`"`)) {
			t.Fatalf("unexpected payload %s", payload)
		}
	}
}

func TestReplayedSecureFrameClosesConnection(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	c, remoteConn := newPipeConnection(t, key)

	payload := []byte(`{"type":"response","request_id":"r1","ok":true}`)
	writeSecureFrame(t, remoteConn, key, 1, payload)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := c.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}

	writeSecureFrame(t, remoteConn, key, 1, payload)
	waitClosed(t, c)
	if !errors.Is(c.LastError(), ErrSequenceReplay) {
		t.Fatalf("expected ErrSequenceReplay, got %v", c.LastError())
	}
}

func TestFrameUnderWrongKeyClosesConnection(t *testing.T) {
	c, remoteConn := newPipeConnection(t, bytes.Repeat([]byte{0x11}, 32))

	writeSecureFrame(t, remoteConn, bytes.Repeat([]byte{0x22}, 32), 1, []byte(`{"type":"response"}`))
	waitClosed(t, c)
	if c.LastError() == nil {
		t.Fatalf("expected a decrypt error")
	}
}

func TestPlaintextFrameOnSecureSessionClosesConnection(t *testing.T) {
	c, remoteConn := newPipeConnection(t, bytes.Repeat([]byte{0x11}, 32))

	if err := WriteFrame(remoteConn, []byte(`{"type":"request","request_id":"r1","method":"online"}`)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	waitClosed(t, c)
	if !errors.Is(c.LastError(), ErrInsecureFrame) {
		t.Fatalf("expected ErrInsecureFrame, got %v", c.LastError())
	}
}

func TestPushToPeerThatStopsReadingReturnsAtDeadline(t *testing.T) {
	c, _ := newPipeConnection(t, bytes.Repeat([]byte{0x33}, 32))
	session := newServerSession(c)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	started := time.Now()
	err := session.Push(ctx, relay.Event{Type: relay.EventPresence, Online: []string{"alice"}})
	if err == nil {
		t.Fatalf("expected push to a peer that never reads to fail")
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("push returned after %s, expected it to stop at the context deadline", elapsed)
	}
	waitClosed(t, c)
}

func TestStalledWriteTimesOutAndReleasesWaitingWriters(t *testing.T) {
	key := bytes.Repeat([]byte{0x44}, 32)
	localConn, remoteConn := net.Pipe()
	defer func() {
		_ = remoteConn.Close()
	}()

	c := newConnection(localConn, key, ConnectionOptions{
		KeepAliveInterval: time.Hour,
		KeepAliveTimeout:  time.Hour,
		FrameReadTimeout:  250 * time.Millisecond,
		FrameWriteTimeout: 500 * time.Millisecond,
	})
	defer func() {
		_ = c.Close()
	}()

	stalled := make(chan error, 1)
	go func() {
		stalled <- c.SendMessage(RequestMessage{Type: TypeRequest, RequestID: "r1", Method: MethodOnline})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(c.sendSlot) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected the first write to hold the send slot")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.SendMessageContext(ctx, RequestMessage{Type: TypeRequest, RequestID: "r2", Method: MethodOnline}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected waiting writer to give up with its context, got %v", err)
	}

	select {
	case err := <-stalled:
		if err == nil {
			t.Fatalf("expected stalled write to fail")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("stalled write did not time out")
	}
	waitClosed(t, c)
}
