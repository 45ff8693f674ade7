package network

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MetinSerinkaya27/NextGen-Chat/crypto"
)

var (
	// ErrSequenceReplay indicates a non-monotonic sequence value.
	ErrSequenceReplay = errors.New("network: sequence replay detected")
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
	// ErrInsecureFrame indicates a plaintext frame arrived on an established session.
	ErrInsecureFrame = errors.New("network: plaintext frame on secure session")
)

// ConnectionState represents the lifecycle state of one connection.
type ConnectionState string

const (
	StateConnecting    ConnectionState = "CONNECTING"
	StateReady         ConnectionState = "READY"
	StateIdle          ConnectionState = "IDLE"
	StateDisconnecting ConnectionState = "DISCONNECTING"
	StateDisconnected  ConnectionState = "DISCONNECTED"
)

// ConnectionOptions controls runtime behavior of Connection.
type ConnectionOptions struct {
	LocalID           string
	PeerID            string
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	FrameWriteTimeout time.Duration
	AutoRespondPing   bool
}

// Connection manages an authenticated framed TCP session. Every frame after the handshake
// is a secure_frame encrypted under the session key.
type Connection struct {
	conn net.Conn

	sessionKey []byte

	localID string
	peerID  string

	sequenceMu   sync.Mutex
	sendSequence uint64
	lastSeenSeq  uint64

	// sendSlot is a one-token semaphore so waiting writers can give up on their context.
	sendSlot chan struct{}

	stateMu sync.RWMutex
	state   ConnectionState

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration
	frameWriteTimeout time.Duration
	autoRespondPing   bool

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newConnection(conn net.Conn, sessionKey []byte, options ConnectionOptions) *Connection {
	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}

	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}

	writeTimeout := options.FrameWriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultFrameWriteTimeout
	}

	c := &Connection{
		conn:              conn,
		sessionKey:        append([]byte(nil), sessionKey...),
		localID:           options.LocalID,
		peerID:            options.PeerID,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		frameReadTimeout:  readTimeout,
		frameWriteTimeout: writeTimeout,
		autoRespondPing:   options.AutoRespondPing,
		sendSlot:          make(chan struct{}, 1),
		inbound:           make(chan []byte, 64),
		closed:            make(chan struct{}),
		state:             StateConnecting,
	}

	c.touchActivity()
	c.setState(StateReady)
	go c.readLoop()
	go c.keepAliveLoop()

	return c
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// PeerID returns the authenticated id of the other side.
func (c *Connection) PeerID() string {
	return c.peerID
}

// RemoteAddr returns the address of the other side.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Done is closed when the connection is fully disconnected.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal connection error, if any.
func (c *Connection) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// SessionKey returns a copy of the negotiated session key.
func (c *Connection) SessionKey() []byte {
	return append([]byte(nil), c.sessionKey...)
}

// ValidateSequence rejects replayed or non-monotonic inbound sequences.
func (c *Connection) ValidateSequence(sequence uint64) error {
	c.sequenceMu.Lock()
	defer c.sequenceMu.Unlock()

	if sequence <= c.lastSeenSeq {
		return ErrSequenceReplay
	}
	c.lastSeenSeq = sequence
	return nil
}

// SendMessage marshals a protocol message and writes it as one secure frame.
func (c *Connection) SendMessage(message any) error {
	return c.SendMessageContext(context.Background(), message)
}

// SendMessageContext is SendMessage bounded by ctx as well as the frame write timeout.
func (c *Connection) SendMessageContext(ctx context.Context, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return c.SendRawContext(ctx, payload)
}

// SendRaw encrypts a pre-marshaled payload and writes it as one secure frame.
func (c *Connection) SendRaw(payload []byte) error {
	return c.SendRawContext(context.Background(), payload)
}

// SendRawContext encrypts payload and writes it as one secure frame. Waiting for the send
// slot stops when ctx ends. A write that does not finish before ctx ends or the frame write
// timeout elapses closes the connection, because the peer may hold a partial frame.
func (c *Connection) SendRawContext(ctx context.Context, payload []byte) error {
	if c.State() == StateDisconnected {
		return c.closedError()
	}

	// Sequence assignment and the write share one slot so frames hit the wire in sequence order.
	select {
	case c.sendSlot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return c.closedError()
	}
	defer func() {
		<-c.sendSlot
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	c.sequenceMu.Lock()
	c.sendSequence++
	sequence := c.sendSequence
	c.sequenceMu.Unlock()

	ciphertext, nonce, err := crypto.EncryptAEAD(c.sessionKey, payload, secureFrameAD(sequence))
	if err != nil {
		return fmt.Errorf("encrypt secure frame: %w", err)
	}
	framePayload, err := EncodeJSON(secureFrame{
		Type:       TypeSecureFrame,
		Sequence:   sequence,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return err
	}

	if err := c.writeFrame(ctx, framePayload); err != nil {
		c.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}

	c.touchActivity()
	if msgType, err := DecodeMessageType(payload); err == nil && msgType != TypePing && msgType != TypePong {
		c.setState(StateReady)
	}
	return nil
}

// writeFrame writes one frame under a deadline taken from the write timeout and ctx.
// The caller holds the send slot.
func (c *Connection) writeFrame(ctx context.Context, framePayload []byte) error {
	deadline := time.Now().Add(c.frameWriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	// Cancellation without a deadline interrupts the write by moving the deadline to now.
	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
		close(interrupted)
	})
	err := WriteFrame(c.conn, framePayload)
	if !stop() {
		<-interrupted
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		return err
	}
	return nil
}

func (c *Connection) closedError() error {
	if err := c.LastError(); err != nil {
		return err
	}
	return io.EOF
}

// ReceiveMessage waits for the next non-keepalive decrypted inbound message.
func (c *Connection) ReceiveMessage(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-c.inbound:
		return payload, nil
	case <-c.closed:
		// Frames read before the close are still delivered.
		select {
		case payload := <-c.inbound:
			return payload, nil
		default:
		}
		if err := c.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect sends disconnect and closes the connection.
func (c *Connection) Disconnect(reason string) error {
	c.setState(StateDisconnecting)

	_ = c.SendMessage(DisconnectMessage{
		Type:      TypeDisconnect,
		Reason:    reason,
		Timestamp: time.Now().UnixMilli(),
	})

	return c.Close()
}

// Close terminates the connection.
func (c *Connection) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Connection) readLoop() {
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		framePayload, err := ReadFrameWithTimeout(c.conn, c.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(nil)
				return
			}

			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		c.touchActivity()
		if len(framePayload) == 0 {
			continue
		}

		payload, err := c.openSecureFrame(framePayload)
		if err != nil {
			c.closeWithError(err)
			return
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			select {
			case c.inbound <- payload:
			case <-c.closed:
			}
			continue
		}

		switch msgType {
		case TypePing:
			c.setState(StateIdle)
			if c.autoRespondPing {
				_ = c.SendMessage(PongMessage{
					Type:      TypePong,
					Timestamp: time.Now().UnixMilli(),
				})
			}
		case TypePong:
			c.ackPong()
			c.setState(StateIdle)
		case TypeDisconnect:
			c.setState(StateDisconnecting)
			c.closeWithError(nil)
			return
		default:
			c.setState(StateReady)
			select {
			case c.inbound <- payload:
			case <-c.closed:
				return
			}
		}
	}
}

func (c *Connection) openSecureFrame(framePayload []byte) ([]byte, error) {
	var frame secureFrame
	if err := json.Unmarshal(framePayload, &frame); err != nil {
		return nil, fmt.Errorf("decode secure frame: %w", err)
	}
	if frame.Type != TypeSecureFrame {
		return nil, ErrInsecureFrame
	}

	nonce, err := base64.StdEncoding.DecodeString(frame.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode secure frame nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(frame.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode secure frame ciphertext: %w", err)
	}

	payload, err := crypto.DecryptAEAD(c.sessionKey, nonce, ciphertext, secureFrameAD(frame.Sequence))
	if err != nil {
		return nil, fmt.Errorf("decrypt secure frame: %w", err)
	}
	if err := c.ValidateSequence(frame.Sequence); err != nil {
		return nil, err
	}
	return payload, nil
}

func secureFrameAD(sequence uint64) []byte {
	ad := make([]byte, 0, len(TypeSecureFrame)+8)
	ad = append(ad, TypeSecureFrame...)
	return binary.BigEndian.AppendUint64(ad, sequence)
}

func (c *Connection) keepAliveLoop() {
	checkEvery := c.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = c.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.State() == StateDisconnected {
				return
			}

			if c.waitingPongExpired() {
				c.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idleFor < c.keepAliveInterval {
				continue
			}

			if c.isWaitingPong() {
				continue
			}

			if err := c.SendMessage(PingMessage{
				Type:      TypePing,
				Timestamp: time.Now().UnixMilli(),
			}); err != nil {
				return
			}
			c.setWaitingPong(time.Now().Add(c.keepAliveTimeout))
			c.setState(StateIdle)
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) setState(state ConnectionState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
}

func (c *Connection) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) setWaitingPong(deadline time.Time) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = true
	c.pongDeadline = deadline
}

func (c *Connection) ackPong() {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = false
	c.pongDeadline = time.Time{}
}

func (c *Connection) isWaitingPong() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong
}

func (c *Connection) waitingPongExpired() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong && time.Now().After(c.pongDeadline)
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		c.setState(StateDisconnected)
		_ = c.conn.Close()
		close(c.closed)
	})
}
