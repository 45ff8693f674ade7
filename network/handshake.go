package network

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MetinSerinkaya27/NextGen-Chat/crypto"
)

var (
	// ErrRelayKeyMismatch indicates the relay presented a key other than the pinned one.
	ErrRelayKeyMismatch = errors.New("network: relay key does not match pinned fingerprint")
	// ErrStaleHandshake indicates a hello timestamp outside the allowed skew.
	ErrStaleHandshake = errors.New("network: handshake timestamp out of range")
)

// RelayIdentity contains the relay values required to answer handshakes.
type RelayIdentity struct {
	RelayID           string
	Ed25519PrivateKey ed25519.PrivateKey
	Ed25519PublicKey  ed25519.PublicKey
}

// ClientIdentity contains the endpoint values required to authenticate.
type ClientIdentity struct {
	Username   string
	PrivateKey *rsa.PrivateKey
}

// HandshakeOptions configures handshake verification and connection behavior.
type HandshakeOptions struct {
	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	FrameWriteTimeout time.Duration
	HandshakeSkew     time.Duration
	AutoRespondPing   *bool

	// RelayFingerprint pins the relay Ed25519 key on the dialing side. Empty disables pinning.
	RelayFingerprint string
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if out.FrameWriteTimeout <= 0 {
		out.FrameWriteTimeout = DefaultFrameWriteTimeout
	}
	if out.HandshakeSkew <= 0 {
		out.HandshakeSkew = DefaultHandshakeSkew
	}
	return out
}

func (o HandshakeOptions) autoRespondPingEnabled() bool {
	if o.AutoRespondPing == nil {
		return true
	}
	return *o.AutoRespondPing
}

func (o HandshakeOptions) connectionOptions(localID, peerID string) ConnectionOptions {
	return ConnectionOptions{
		LocalID:           localID,
		PeerID:            peerID,
		KeepAliveInterval: o.KeepAliveInterval,
		KeepAliveTimeout:  o.KeepAliveTimeout,
		FrameReadTimeout:  o.FrameReadTimeout,
		FrameWriteTimeout: o.FrameWriteTimeout,
		AutoRespondPing:   o.autoRespondPingEnabled(),
	}
}

func (r RelayIdentity) validate() error {
	if r.RelayID == "" {
		return errors.New("relay ID is required")
	}
	if len(r.Ed25519PrivateKey) != ed25519.PrivateKeySize {
		return errors.New("invalid relay Ed25519 private key")
	}
	if len(r.Ed25519PublicKey) != ed25519.PublicKeySize {
		return errors.New("invalid relay Ed25519 public key")
	}
	return nil
}

func (c ClientIdentity) validate() error {
	if c.Username == "" {
		return errors.New("username is required")
	}
	if c.PrivateKey == nil {
		return errors.New("identity private key is required")
	}
	return nil
}

// BuildHello builds and signs a hello for the given challenge.
func BuildHello(identity ClientIdentity, ephemeralPublicKey []byte, challengeNonce string) (Hello, error) {
	if err := identity.validate(); err != nil {
		return Hello{}, err
	}

	msg := Hello{
		Type:            TypeHello,
		Username:        identity.Username,
		X25519PublicKey: base64.StdEncoding.EncodeToString(ephemeralPublicKey),
		ProtocolVersion: ProtocolVersion,
		ChallengeNonce:  challengeNonce,
		Timestamp:       time.Now().UnixMilli(),
	}

	signable, err := helloSignable(msg)
	if err != nil {
		return Hello{}, err
	}
	signature, err := crypto.SignIdentity(identity.PrivateKey, signable)
	if err != nil {
		return Hello{}, fmt.Errorf("sign hello: %w", err)
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)
	return msg, nil
}

// VerifyHello checks the version and the identity signature of a hello.
func VerifyHello(msg Hello, publicKey *rsa.PublicKey) error {
	if msg.ProtocolVersion != ProtocolVersion {
		return ErrUnsupportedVersion
	}

	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return fmt.Errorf("decode hello signature: %w", err)
	}
	signable, err := helloSignable(msg)
	if err != nil {
		return err
	}
	if !crypto.VerifyIdentity(publicKey, signable, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// BuildHelloResponse builds and signs the relay side of the handshake.
func BuildHelloResponse(identity RelayIdentity, ephemeralPublicKey []byte, challengeNonce string) (HelloResponse, error) {
	if err := identity.validate(); err != nil {
		return HelloResponse{}, err
	}

	msg := HelloResponse{
		Type:             TypeHelloResponse,
		RelayID:          identity.RelayID,
		Ed25519PublicKey: base64.StdEncoding.EncodeToString(identity.Ed25519PublicKey),
		X25519PublicKey:  base64.StdEncoding.EncodeToString(ephemeralPublicKey),
		ProtocolVersion:  ProtocolVersion,
		ChallengeNonce:   challengeNonce,
		Timestamp:        time.Now().UnixMilli(),
	}

	signable, err := helloResponseSignable(msg)
	if err != nil {
		return HelloResponse{}, err
	}
	signature, err := crypto.Sign(identity.Ed25519PrivateKey, signable)
	if err != nil {
		return HelloResponse{}, fmt.Errorf("sign hello response: %w", err)
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)
	return msg, nil
}

// VerifyHelloResponse verifies the relay signature and returns the relay public key.
func VerifyHelloResponse(msg HelloResponse) (ed25519.PublicKey, error) {
	if msg.ProtocolVersion != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}

	publicKeyBytes, err := base64.StdEncoding.DecodeString(msg.Ed25519PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode Ed25519 public key: %w", err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return nil, errors.New("invalid Ed25519 public key length")
	}
	publicKey := ed25519.PublicKey(publicKeyBytes)

	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode hello response signature: %w", err)
	}
	signable, err := helloResponseSignable(msg)
	if err != nil {
		return nil, err
	}
	if !crypto.Verify(publicKey, signable, signature) {
		return nil, ErrInvalidSignature
	}
	return publicKey, nil
}

func helloSignable(msg Hello) ([]byte, error) {
	msg.Signature = ""
	signable, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal hello signable payload: %w", err)
	}
	return signable, nil
}

func helloResponseSignable(msg HelloResponse) ([]byte, error) {
	msg.Signature = ""
	signable, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal hello response signable payload: %w", err)
	}
	return signable, nil
}

func checkHandshakeSkew(timestamp int64, now time.Time, skew time.Duration) error {
	delta := now.Sub(time.UnixMilli(timestamp))
	if delta < -skew || delta > skew {
		return ErrStaleHandshake
	}
	return nil
}

func deriveSessionKey(localEphemeralPrivateKey *ecdh.PrivateKey, peerX25519PublicKeyBase64, localID, peerID, challengeNonceBase64 string) ([]byte, error) {
	peerPublicRaw, err := base64.StdEncoding.DecodeString(peerX25519PublicKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode peer ephemeral public key: %w", err)
	}
	peerPublicKey, err := crypto.ParseX25519PublicKey(peerPublicRaw)
	if err != nil {
		return nil, err
	}

	sharedSecret, err := crypto.ComputeX25519SharedSecret(localEphemeralPrivateKey, peerPublicKey)
	if err != nil {
		return nil, err
	}

	challengeNonce, err := decodeChallengeNonce(challengeNonceBase64)
	if err != nil {
		return nil, err
	}

	return crypto.DeriveSessionKeyWithContext(sharedSecret, localID, peerID, challengeNonce)
}

func decodeChallengeNonce(encoded string) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode challenge nonce: %w", err)
	}
	if len(nonce) != challengeNonceSize {
		return nil, fmt.Errorf("invalid challenge nonce length: got %d want %d", len(nonce), challengeNonceSize)
	}
	return nonce, nil
}

func evaluateRelayKey(pinnedFingerprint string, received ed25519.PublicKey) error {
	if pinnedFingerprint == "" {
		return nil
	}
	if crypto.KeyFingerprint(received) != pinnedFingerprint {
		return ErrRelayKeyMismatch
	}
	return nil
}

// sessionPeerID is the id the relay contributes to the session key derivation.
func sessionPeerID(relayID string) string {
	return "relay:" + relayID
}
