package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// MaxControlFrameSize bounds frames read before a session is authenticated.
	MaxControlFrameSize = 64 * 1024
	// DefaultConnectionTimeout bounds TCP dial/handshake duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
	// DefaultFrameWriteTimeout bounds each frame write on an established session.
	DefaultFrameWriteTimeout = 10 * time.Second
	// DefaultHandshakeSkew bounds the difference between a hello timestamp and the relay clock.
	DefaultHandshakeSkew = 5 * time.Minute

	challengeNonceSize = 32
)

const (
	TypeHandshakeChallenge = "handshake_challenge"
	TypeHello              = "hello"
	TypeHelloResponse      = "hello_response"
	TypeRegister           = "register"
	TypeReplaceKey         = "replace_key"
	TypeIdentityResponse   = "identity_response"
	TypeSecureFrame        = "secure_frame"
	TypeRequest            = "request"
	TypeResponse           = "response"
	TypePush               = "push"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeDisconnect         = "disconnect"
	TypeError              = "error"
)

// Request methods understood by the relay.
const (
	MethodSendMessage    = "send_message"
	MethodTyping         = "typing"
	MethodMarkRead       = "mark_read"
	MethodGetHistory     = "get_history"
	MethodSync           = "sync"
	MethodGetPublicKey   = "get_public_key"
	MethodListIdentities = "list_identities"
	MethodOnline         = "online"
	MethodSecurityEvents = "security_events"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// HandshakeChallenge is the first frame the relay writes on every connection.
type HandshakeChallenge struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

// Hello authenticates an identity. Signature is RSA-PSS by the identity key over the
// JSON encoding of the message with an empty Signature.
type Hello struct {
	Type            string `json:"type"`
	Username        string `json:"username"`
	X25519PublicKey string `json:"x25519_public_key"`
	ProtocolVersion int    `json:"protocol_version"`
	ChallengeNonce  string `json:"challenge_nonce"`
	Timestamp       int64  `json:"timestamp"`
	Signature       string `json:"signature"`
}

// HelloResponse completes the handshake. Signature is Ed25519 by the relay identity over the
// JSON encoding of the message with an empty Signature.
type HelloResponse struct {
	Type             string `json:"type"`
	RelayID          string `json:"relay_id"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	X25519PublicKey  string `json:"x25519_public_key"`
	ProtocolVersion  int    `json:"protocol_version"`
	ChallengeNonce   string `json:"challenge_nonce"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

// RegisterMessage publishes a new identity before any session exists.
type RegisterMessage struct {
	Type      string `json:"type"`
	Username  string `json:"username"`
	PublicKey string `json:"public_key"`
}

// ReplaceKeyMessage swaps the key of an identity. Signature is RSA-PSS by the current key
// over directory.ReplacementPayload.
type ReplaceKeyMessage struct {
	Type         string `json:"type"`
	Username     string `json:"username"`
	NewPublicKey string `json:"new_public_key"`
	Signature    string `json:"signature"`
}

// IdentityResponse answers register and replace_key.
type IdentityResponse struct {
	Type        string `json:"type"`
	Username    string `json:"username"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// secureFrame carries one AES-GCM encrypted inner message. Sequence is authenticated as
// additional data and must increase strictly per direction.
type secureFrame struct {
	Type       string `json:"type"`
	Sequence   uint64 `json:"sequence"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// RequestMessage is a client call. Params depend on Method.
type RequestMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// ResponseMessage answers exactly one RequestMessage.
type ResponseMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	ErrorCode string          `json:"error_code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PushMessage carries one relay event to a session.
type PushMessage struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// DisconnectMessage signals graceful disconnect.
type DisconnectMessage struct {
	Type      string `json:"type"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// Request parameter shapes.
type (
	TypingParams struct {
		To string `json:"to"`
	}
	MarkReadParams struct {
		Counterpart string `json:"counterpart"`
	}
	HistoryParams struct {
		With string `json:"with"`
	}
	SyncParams struct {
		AfterSeq int64 `json:"after_seq"`
		Limit    int   `json:"limit,omitempty"`
	}
	PublicKeyParams struct {
		Identity string `json:"identity"`
	}
	SecurityEventsParams struct {
		Limit int `json:"limit,omitempty"`
	}
	MarkReadResult struct {
		Changed int64 `json:"changed"`
	}
)

// SecurityEventView is one audit entry as shown to the identity it concerns.
type SecurityEventView struct {
	EventType string          `json:"event_type"`
	Severity  string          `json:"severity"`
	Details   json.RawMessage `json:"details"`
	Timestamp int64           `json:"timestamp"`
}

// RemoteError is an error reported by the other side.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrameLimited(r, MaxFrameSize)
}

// ReadControlFrame reads one length-prefixed frame no larger than MaxControlFrameSize.
func ReadControlFrame(r io.Reader) ([]byte, error) {
	return readFrameLimited(r, MaxControlFrameSize)
}

func readFrameLimited(r io.Reader, limit uint32) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > limit {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	return readWithDeadline(conn, timeout, ReadFrame)
}

// ReadControlFrameWithTimeout reads a control frame with an optional read deadline.
func ReadControlFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	return readWithDeadline(conn, timeout, ReadControlFrame)
}

func readWithDeadline(conn net.Conn, timeout time.Duration, read func(io.Reader) ([]byte, error)) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return read(conn)
}

func writeJSONFrame(w io.Writer, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

func decodeRemoteError(payload []byte) error {
	var remoteErr ErrorMessage
	if err := json.Unmarshal(payload, &remoteErr); err != nil {
		return fmt.Errorf("decode remote error response: %w", err)
	}
	return &RemoteError{Code: remoteErr.Code, Message: remoteErr.Message}
}

func newErrorMessage(code, message string) ErrorMessage {
	return ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}

func makeVersionMismatchError(got int64) ErrorMessage {
	msg := newErrorMessage("version_mismatch", fmt.Sprintf("Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, got))
	msg.SupportedVersions = []int{ProtocolVersion}
	return msg
}
