package network

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/MetinSerinkaya27/NextGen-Chat/crypto"
	"github.com/MetinSerinkaya27/NextGen-Chat/directory"
	"github.com/MetinSerinkaya27/NextGen-Chat/relay"
	"github.com/MetinSerinkaya27/NextGen-Chat/storage"
)

const (
	// DefaultMaxPreAuthFrames bounds register/replace_key frames accepted before hello.
	DefaultMaxPreAuthFrames = 4
	// DefaultConnectionRateLimitWindow is the window used when a per-IP limit is set.
	DefaultConnectionRateLimitWindow = time.Minute
)

// Relay is the dispatch core the server hands authenticated sessions to.
type Relay interface {
	Connect(ctx context.Context, identity string, session relay.Session) error
	Disconnect(ctx context.Context, session relay.Session)
	SendMessage(ctx context.Context, sender string, request relay.SendRequest) (relay.Ack, error)
	NotifyTyping(ctx context.Context, from, to string)
	MarkRead(ctx context.Context, reader, counterpart string) (int64, error)
	History(ctx context.Context, requester, with string) ([]relay.HistoryEntry, error)
	Sync(ctx context.Context, requester string, afterSeq int64, limit int) ([]relay.HistoryEntry, error)
	PublicKey(ctx context.Context, identity string) (directory.Entry, error)
	Identities(ctx context.Context) ([]directory.Entry, error)
	Online() []string
}

// Directory authenticates identities and serves pre-auth registration.
type Directory interface {
	Register(ctx context.Context, username, publicKey string) (directory.Entry, error)
	Replace(ctx context.Context, username, newPublicKey string, signature []byte) (directory.Entry, error)
	Lookup(ctx context.Context, username string) (*rsa.PublicKey, error)
}

// SecurityLog records handshake failures and serves each identity its own audit trail.
type SecurityLog interface {
	LogSecurityEvent(ctx context.Context, event storage.SecurityEvent) error
	IdentitySecurityEvents(ctx context.Context, identity string, limit int) ([]storage.SecurityEvent, error)
}

// Backend groups the components a Server drives.
type Backend struct {
	Relay     Relay
	Directory Directory
	Audit     SecurityLog
}

// ServerOptions configures the relay listener.
type ServerOptions struct {
	HandshakeOptions

	MaxPreAuthFrames             int
	ConnectionRateLimitPerIP     int
	ConnectionRateLimitWindow    time.Duration
	OnInboundConnectionRateLimit func(ip string)
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	out.HandshakeOptions = o.HandshakeOptions.withDefaults()
	if out.MaxPreAuthFrames <= 0 {
		out.MaxPreAuthFrames = DefaultMaxPreAuthFrames
	}
	if out.ConnectionRateLimitWindow <= 0 {
		out.ConnectionRateLimitWindow = DefaultConnectionRateLimitWindow
	}
	return out
}

// Server accepts inbound TCP sessions, authenticates them and serves their requests.
type Server struct {
	listener net.Listener
	identity RelayIdentity
	backend  Backend
	options  ServerOptions
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	rateMu   sync.Mutex
	attempts map[string][]time.Time

	connsMu sync.Mutex
	conns   map[*Connection]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and the handshake accept loop.
func Listen(address string, identity RelayIdentity, backend Backend, log *slog.Logger, options ServerOptions) (*Server, error) {
	if err := identity.validate(); err != nil {
		return nil, err
	}
	if backend.Relay == nil || backend.Directory == nil {
		return nil, errors.New("relay and directory are required")
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		listener: listener,
		identity: identity,
		backend:  backend,
		options:  options.withDefaults(),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		attempts: make(map[string][]time.Time),
		conns:    make(map[*Connection]struct{}),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting, closes every session and waits for their handlers.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		closeErr = s.listener.Close()

		s.connsMu.Lock()
		for conn := range s.conns {
			_ = conn.Disconnect("relay shutting down")
		}
		s.connsMu.Unlock()

		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.log.Warn("Accept connection failed", "error", err)
			continue
		}

		if !s.allowConnection(conn.RemoteAddr()) {
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) allowConnection(addr net.Addr) bool {
	if s.options.ConnectionRateLimitPerIP <= 0 {
		return true
	}

	ip := addr.String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}

	now := time.Now()
	windowStart := now.Add(-s.options.ConnectionRateLimitWindow)

	s.rateMu.Lock()
	recent := lo.Filter(s.attempts[ip], func(at time.Time, _ int) bool {
		return at.After(windowStart)
	})
	allowed := len(recent) < s.options.ConnectionRateLimitPerIP
	if allowed {
		recent = append(recent, now)
	}
	s.attempts[ip] = recent
	s.rateMu.Unlock()

	if !allowed {
		s.log.Warn("Inbound connection rate limited", "ip", ip)
		if s.options.OnInboundConnectionRateLimit != nil {
			s.options.OnInboundConnectionRateLimit(ip)
		}
	}
	return allowed
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	connection, username := s.handshake(conn)
	if connection == nil {
		_ = conn.Close()
		return
	}

	if !s.track(connection) {
		_ = connection.Close()
		return
	}
	defer s.untrack(connection)

	session := newServerSession(connection)
	if err := s.backend.Relay.Connect(s.ctx, username, session); err != nil {
		s.log.Warn("Relay refused session", "identity", username, "error", err)
		_ = connection.Disconnect(err.Error())
		return
	}
	defer s.backend.Relay.Disconnect(context.Background(), session)

	s.serve(connection, username)
}

// handshake runs the pre-auth exchange and returns the secure connection of an authenticated
// identity, or nil when the connection must be dropped.
func (s *Server) handshake(conn net.Conn) (*Connection, string) {
	opts := s.options
	remote := conn.RemoteAddr().String()

	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		s.log.Debug("Set handshake deadline failed", "remote", remote, "error", err)
		return nil, ""
	}

	nonce, err := generateHandshakeChallengeNonce()
	if err != nil {
		s.log.Error("Generate handshake challenge failed", "error", err)
		return nil, ""
	}
	if err := writeJSONFrame(conn, HandshakeChallenge{Type: TypeHandshakeChallenge, Nonce: nonce}); err != nil {
		s.log.Debug("Write handshake challenge failed", "remote", remote, "error", err)
		return nil, ""
	}

	var hello Hello
	for frames := 0; ; frames++ {
		if frames >= opts.MaxPreAuthFrames {
			_ = s.sendError(conn, newErrorMessage("too_many_frames", "Too many frames before hello."))
			return nil, ""
		}

		payload, err := ReadControlFrameWithTimeout(conn, opts.ConnectionTimeout)
		if err != nil {
			s.log.Debug("Read pre-auth frame failed", "remote", remote, "error", err)
			return nil, ""
		}
		msgType, err := DecodeMessageType(payload)
		if err != nil {
			_ = s.sendError(conn, newErrorMessage(relay.CodeInvalidRequest, err.Error()))
			return nil, ""
		}

		switch msgType {
		case TypeRegister:
			s.handleRegister(conn, payload)
			continue
		case TypeReplaceKey:
			s.handleReplaceKey(conn, payload)
			continue
		case TypeHello:
			if err := json.Unmarshal(payload, &hello); err != nil {
				_ = s.sendError(conn, newErrorMessage(relay.CodeInvalidRequest, "Malformed hello."))
				return nil, ""
			}
		default:
			_ = s.sendError(conn, newErrorMessage("unknown_type", fmt.Sprintf("Expected %q, got %q", TypeHello, msgType)))
			return nil, ""
		}
		break
	}

	if hello.ProtocolVersion != ProtocolVersion {
		_ = s.sendError(conn, makeVersionMismatchError(int64(hello.ProtocolVersion)))
		return nil, ""
	}
	if hello.ChallengeNonce != nonce {
		s.rejectHello(conn, hello.Username, remote, "invalid_handshake_challenge", "Handshake challenge nonce mismatch.")
		return nil, ""
	}
	if err := checkHandshakeSkew(hello.Timestamp, time.Now(), opts.HandshakeSkew); err != nil {
		s.rejectHello(conn, hello.Username, remote, relay.CodeUnauthenticated, "Handshake timestamp out of range.")
		return nil, ""
	}

	publicKey, err := s.backend.Directory.Lookup(s.ctx, hello.Username)
	if err != nil {
		s.rejectHello(conn, hello.Username, remote, relay.CodeUnauthenticated, "Unknown identity.")
		return nil, ""
	}
	if err := VerifyHello(hello, publicKey); err != nil {
		s.rejectHello(conn, hello.Username, remote, relay.CodeUnauthenticated, "Identity signature rejected.")
		return nil, ""
	}

	ephemeralPrivateKey, err := crypto.GenerateX25519PrivateKey()
	if err != nil {
		s.log.Error("Generate ephemeral key failed", "error", err)
		return nil, ""
	}
	sessionKey, err := deriveSessionKey(ephemeralPrivateKey, hello.X25519PublicKey, sessionPeerID(s.identity.RelayID), hello.Username, nonce)
	if err != nil {
		s.rejectHello(conn, hello.Username, remote, relay.CodeInvalidRequest, "Invalid ephemeral key.")
		return nil, ""
	}

	response, err := BuildHelloResponse(s.identity, ephemeralPrivateKey.PublicKey().Bytes(), nonce)
	if err != nil {
		s.log.Error("Build hello response failed", "error", err)
		return nil, ""
	}
	if err := writeJSONFrame(conn, response); err != nil {
		s.log.Debug("Write hello response failed", "remote", remote, "error", err)
		return nil, ""
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		s.log.Debug("Clear handshake deadline failed", "remote", remote, "error", err)
		return nil, ""
	}

	s.log.Info("Handshake completed", "identity", hello.Username, "remote", remote)
	return newConnection(conn, sessionKey, opts.connectionOptions(sessionPeerID(s.identity.RelayID), hello.Username)), hello.Username
}

func (s *Server) handleRegister(conn net.Conn, payload []byte) {
	var msg RegisterMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		_ = s.sendError(conn, newErrorMessage(relay.CodeInvalidRequest, "Malformed register."))
		return
	}

	entry, err := s.backend.Directory.Register(s.ctx, msg.Username, msg.PublicKey)
	if err != nil {
		_ = s.sendError(conn, newErrorMessage(directoryErrorCode(err), err.Error()))
		return
	}
	_ = writeJSONFrame(conn, IdentityResponse{
		Type:        TypeIdentityResponse,
		Username:    entry.Username,
		Fingerprint: entry.Fingerprint,
		Timestamp:   time.Now().UnixMilli(),
	})
}

func (s *Server) handleReplaceKey(conn net.Conn, payload []byte) {
	var msg ReplaceKeyMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		_ = s.sendError(conn, newErrorMessage(relay.CodeInvalidRequest, "Malformed replace_key."))
		return
	}
	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		_ = s.sendError(conn, newErrorMessage(relay.CodeInvalidRequest, "Malformed signature."))
		return
	}

	entry, err := s.backend.Directory.Replace(s.ctx, msg.Username, msg.NewPublicKey, signature)
	if err != nil {
		_ = s.sendError(conn, newErrorMessage(directoryErrorCode(err), err.Error()))
		return
	}
	_ = writeJSONFrame(conn, IdentityResponse{
		Type:        TypeIdentityResponse,
		Username:    entry.Username,
		Fingerprint: entry.Fingerprint,
		Timestamp:   time.Now().UnixMilli(),
	})
}

func (s *Server) rejectHello(conn net.Conn, username, remote, code, message string) {
	s.log.Warn("Handshake rejected", "identity", username, "remote", remote, "code", code)
	_ = s.sendError(conn, newErrorMessage(code, message))

	if s.backend.Audit == nil {
		return
	}
	details, _ := json.Marshal(map[string]string{"remote": remote, "code": code})
	event := storage.SecurityEvent{
		EventType: storage.SecurityEventHandshakeFailed,
		Details:   string(details),
		Severity:  storage.SecuritySeverityWarning,
	}
	if username != "" {
		event.Identity = lo.ToPtr(username)
	}
	if err := s.backend.Audit.LogSecurityEvent(s.ctx, event); err != nil {
		s.log.Warn("Failed to record security event", "event_type", event.EventType, "error", err)
	}
}

func (s *Server) sendError(conn net.Conn, message ErrorMessage) error {
	return writeJSONFrame(conn, message)
}

func (s *Server) track(conn *Connection) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	select {
	case <-s.closed:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *Connection) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
	_ = conn.Close()
}

func directoryErrorCode(err error) string {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return relay.CodeNotFound
	case errors.Is(err, directory.ErrTaken):
		return "username_taken"
	case errors.Is(err, directory.ErrInvalidUsername):
		return "invalid_username"
	case errors.Is(err, directory.ErrInvalidPublicKey):
		return "invalid_public_key"
	case errors.Is(err, directory.ErrBadSignature):
		return "bad_signature"
	default:
		return relay.CodeInternal
	}
}

func generateHandshakeChallengeNonce() (string, error) {
	nonce := make([]byte, challengeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(nonce), nil
}

// serverSession adapts a Connection to relay.Session.
type serverSession struct {
	id   string
	conn *Connection
}

func newServerSession(conn *Connection) *serverSession {
	return &serverSession{id: uuid.NewString(), conn: conn}
}

func (s *serverSession) SessionID() string {
	return s.id
}

// Push writes one event. A push that outlives ctx closes the session's connection.
func (s *serverSession) Push(ctx context.Context, event relay.Event) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type, err)
	}
	return s.conn.SendMessageContext(ctx, PushMessage{Type: TypePush, Event: encoded})
}

func (s *serverSession) Close() error {
	return s.conn.Disconnect("superseded")
}
