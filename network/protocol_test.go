package network

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"ping","timestamp":1}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestFrameHeaderIsBigEndianLength(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, []byte("abc")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if !bytes.Equal(buffer.Bytes()[:4], []byte{0, 0, 0, 3}) {
		t.Fatalf("unexpected header %v", buffer.Bytes()[:4])
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadControlFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxControlFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	if _, err := ReadControlFrame(&buffer); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeMessageTypeRequiresType(t *testing.T) {
	if _, err := DecodeMessageType([]byte(`{"nonce":"x"}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}
	msgType, err := DecodeMessageType([]byte(`{"type":"hello"}`))
	if err != nil || msgType != TypeHello {
		t.Fatalf("expected hello, got %q (%v)", msgType, err)
	}
}

func TestHandshakeSkew(t *testing.T) {
	now := time.Now()
	if err := checkHandshakeSkew(now.Add(-time.Minute).UnixMilli(), now, DefaultHandshakeSkew); err != nil {
		t.Fatalf("expected recent timestamp to pass, got %v", err)
	}
	if err := checkHandshakeSkew(now.Add(-time.Hour).UnixMilli(), now, DefaultHandshakeSkew); !errors.Is(err, ErrStaleHandshake) {
		t.Fatalf("expected stale timestamp to fail, got %v", err)
	}
	if err := checkHandshakeSkew(now.Add(time.Hour).UnixMilli(), now, DefaultHandshakeSkew); !errors.Is(err, ErrStaleHandshake) {
		t.Fatalf("expected future timestamp to fail, got %v", err)
	}
}
