package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MetinSerinkaya27/NextGen-Chat/crypto"
	"github.com/MetinSerinkaya27/NextGen-Chat/directory"
)

// DefaultPushBuffer is the number of undelivered pushes a Client holds before its reader blocks.
const DefaultPushBuffer = 256

// Client is an authenticated session with a relay.
type Client struct {
	conn     *Connection
	username string
	relayID  string
	relayKey ed25519.PublicKey

	pendingMu sync.Mutex
	pending   map[string]chan ResponseMessage

	pushes chan json.RawMessage
	done   chan struct{}
}

// Dial connects to a relay, authenticates identity and returns a ready Client.
// The caller must drain Pushes.
func Dial(ctx context.Context, address string, identity ClientIdentity, options HandshakeOptions) (*Client, error) {
	if err := identity.validate(); err != nil {
		return nil, err
	}
	opts := options.withDefaults()

	conn, challenge, err := dialPreAuth(ctx, address, opts)
	if err != nil {
		return nil, err
	}

	connection, response, err := clientHandshake(conn, challenge, identity, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	relayKey, _ := base64.StdEncoding.DecodeString(response.Ed25519PublicKey)
	client := &Client{
		conn:     connection,
		username: identity.Username,
		relayID:  response.RelayID,
		relayKey: relayKey,
		pending:  make(map[string]chan ResponseMessage),
		pushes:   make(chan json.RawMessage, DefaultPushBuffer),
		done:     make(chan struct{}),
	}
	go client.readLoop()
	return client, nil
}

func clientHandshake(conn net.Conn, challenge HandshakeChallenge, identity ClientIdentity, opts HandshakeOptions) (*Connection, HelloResponse, error) {
	ephemeralPrivateKey, err := crypto.GenerateX25519PrivateKey()
	if err != nil {
		return nil, HelloResponse{}, err
	}

	hello, err := BuildHello(identity, ephemeralPrivateKey.PublicKey().Bytes(), challenge.Nonce)
	if err != nil {
		return nil, HelloResponse{}, err
	}
	if err := writeJSONFrame(conn, hello); err != nil {
		return nil, HelloResponse{}, fmt.Errorf("send hello: %w", err)
	}

	payload, err := readExpected(conn, TypeHelloResponse, opts.ConnectionTimeout)
	if err != nil {
		return nil, HelloResponse{}, err
	}
	var response HelloResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, HelloResponse{}, fmt.Errorf("decode hello response: %w", err)
	}

	relayKey, err := VerifyHelloResponse(response)
	if err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			return nil, HelloResponse{}, err
		}
		return nil, HelloResponse{}, fmt.Errorf("verify hello response: %w", err)
	}
	if response.ChallengeNonce != challenge.Nonce {
		return nil, HelloResponse{}, errors.New("hello response bound to another challenge")
	}
	if err := evaluateRelayKey(opts.RelayFingerprint, relayKey); err != nil {
		return nil, HelloResponse{}, err
	}

	sessionKey, err := deriveSessionKey(ephemeralPrivateKey, response.X25519PublicKey, identity.Username, sessionPeerID(response.RelayID), challenge.Nonce)
	if err != nil {
		return nil, HelloResponse{}, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, HelloResponse{}, fmt.Errorf("clear handshake deadline: %w", err)
	}

	connection := newConnection(conn, sessionKey, opts.connectionOptions(identity.Username, sessionPeerID(response.RelayID)))
	return connection, response, nil
}

// Register publishes username with its SPKI base64 public key on the relay at address.
func Register(ctx context.Context, address, username, publicKey string, options HandshakeOptions) (IdentityResponse, error) {
	return identityExchange(ctx, address, options, RegisterMessage{
		Type:      TypeRegister,
		Username:  username,
		PublicKey: publicKey,
	})
}

// ReplaceKey swaps the published key of username, signing the change with the current key.
func ReplaceKey(ctx context.Context, address, username string, current *rsa.PrivateKey, newPublicKey string, options HandshakeOptions) (IdentityResponse, error) {
	signature, err := crypto.SignIdentity(current, directory.ReplacementPayload(username, newPublicKey))
	if err != nil {
		return IdentityResponse{}, err
	}
	return identityExchange(ctx, address, options, ReplaceKeyMessage{
		Type:         TypeReplaceKey,
		Username:     username,
		NewPublicKey: newPublicKey,
		Signature:    base64.StdEncoding.EncodeToString(signature),
	})
}

func identityExchange(ctx context.Context, address string, options HandshakeOptions, message any) (IdentityResponse, error) {
	opts := options.withDefaults()
	conn, _, err := dialPreAuth(ctx, address, opts)
	if err != nil {
		return IdentityResponse{}, err
	}
	defer func() {
		_ = conn.Close()
	}()

	if err := writeJSONFrame(conn, message); err != nil {
		return IdentityResponse{}, fmt.Errorf("send identity request: %w", err)
	}
	payload, err := readExpected(conn, TypeIdentityResponse, opts.ConnectionTimeout)
	if err != nil {
		return IdentityResponse{}, err
	}

	var response IdentityResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return IdentityResponse{}, fmt.Errorf("decode identity response: %w", err)
	}
	return response, nil
}

func dialPreAuth(ctx context.Context, address string, opts HandshakeOptions) (net.Conn, HandshakeChallenge, error) {
	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, HandshakeChallenge{}, fmt.Errorf("dial %q: %w", address, err)
	}

	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		_ = conn.Close()
		return nil, HandshakeChallenge{}, fmt.Errorf("set handshake deadline: %w", err)
	}

	payload, err := readExpected(conn, TypeHandshakeChallenge, opts.ConnectionTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, HandshakeChallenge{}, err
	}

	var challenge HandshakeChallenge
	if err := json.Unmarshal(payload, &challenge); err != nil {
		_ = conn.Close()
		return nil, HandshakeChallenge{}, fmt.Errorf("decode handshake challenge: %w", err)
	}
	if _, err := decodeChallengeNonce(challenge.Nonce); err != nil {
		_ = conn.Close()
		return nil, HandshakeChallenge{}, err
	}
	return conn, challenge, nil
}

// readExpected reads one control frame and turns an error frame into a RemoteError.
func readExpected(conn net.Conn, want string, timeout time.Duration) ([]byte, error) {
	payload, err := ReadControlFrameWithTimeout(conn, timeout)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", want, err)
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return nil, err
	}
	if msgType == TypeError {
		return nil, decodeRemoteError(payload)
	}
	if msgType != want {
		return nil, fmt.Errorf("expected %q, got %q", want, msgType)
	}
	return payload, nil
}

// Username returns the authenticated identity.
func (c *Client) Username() string {
	return c.username
}

// RelayID returns the id the relay presented during the handshake.
func (c *Client) RelayID() string {
	return c.relayID
}

// RelayFingerprint returns the fingerprint of the relay Ed25519 key.
func (c *Client) RelayFingerprint() string {
	return crypto.KeyFingerprint(c.relayKey)
}

// Pushes delivers the raw relay events in arrival order. It is closed with the session.
func (c *Client) Pushes() <-chan json.RawMessage {
	return c.pushes
}

// Done is closed when the session ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal session error, if any.
func (c *Client) Err() error {
	return c.conn.LastError()
}

// Close ends the session.
func (c *Client) Close() error {
	return c.conn.Disconnect("client closed")
}

// Call sends one request and decodes the response payload into out when out is not nil.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	request := RequestMessage{
		Type:      TypeRequest,
		RequestID: uuid.NewString(),
		Method:    method,
	}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		request.Params = encoded
	}

	waiter := make(chan ResponseMessage, 1)
	c.pendingMu.Lock()
	c.pending[request.RequestID] = waiter
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, request.RequestID)
		c.pendingMu.Unlock()
	}()

	if err := c.conn.SendMessageContext(ctx, request); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case response := <-waiter:
		if !response.OK {
			return &RemoteError{Code: response.ErrorCode, Message: response.Error}
		}
		if out == nil || len(response.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(response.Payload, out); err != nil {
			return fmt.Errorf("decode %s response: %w", method, err)
		}
		return nil
	case <-c.done:
		if err := c.conn.LastError(); err != nil {
			return err
		}
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.pushes)

	for {
		payload, err := c.conn.ReceiveMessage(context.Background())
		if err != nil {
			return
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			continue
		}
		switch msgType {
		case TypeResponse:
			var response ResponseMessage
			if err := json.Unmarshal(payload, &response); err != nil {
				continue
			}
			c.pendingMu.Lock()
			waiter, ok := c.pending[response.RequestID]
			c.pendingMu.Unlock()
			if ok {
				waiter <- response
			}
		case TypePush:
			var push PushMessage
			if err := json.Unmarshal(payload, &push); err != nil {
				continue
			}
			select {
			case c.pushes <- push.Event:
			default:
				select {
				case c.pushes <- push.Event:
				case <-c.conn.Done():
					return
				}
			}
		}
	}
}
