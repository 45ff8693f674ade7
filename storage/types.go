package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrIdentityExists indicates a username is already registered.
	ErrIdentityExists = errors.New("storage: identity already registered")
	// ErrReplyTargetNotFound indicates reply_to_id does not reference a stored message.
	ErrReplyTargetNotFound = errors.New("storage: reply target not found")
)

const (
	// MessageKindText is a plain text message.
	MessageKindText = "text"
	// MessageKindAudio is a recorded voice message.
	MessageKindAudio = "audio"
	// MessageKindImage is an inline image.
	MessageKindImage = "image"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

const (
	SecurityEventHandshakeFailed     = "handshake_failed"
	SecurityEventKeyReplaced         = "key_replaced"
	SecurityEventKeyReplaceRejected  = "key_replace_rejected"
	SecurityEventSessionSuperseded   = "session_superseded"
	SecurityEventIdentityRegistered  = "identity_registered"
	SecurityEventRegistrationRefused = "registration_refused"
)

// IdentityVisibleSecurityEvents are the event types an identity may read about itself.
var IdentityVisibleSecurityEvents = []string{
	SecurityEventHandshakeFailed,
	SecurityEventKeyReplaced,
	SecurityEventKeyReplaceRejected,
	SecurityEventSessionSuperseded,
}

var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

// Identity is the SQLite representation of a registered user.
type Identity struct {
	Username       string
	PublicKey      string
	KeyFingerprint string
	RegisteredAt   int64
	LastSeen       *int64
}

// NewMessage carries the caller-supplied fields of a message about to be stored.
type NewMessage struct {
	ID                   string
	Sender               string
	Recipient            string
	EnvelopeForRecipient string
	EnvelopeForSender    string
	Kind                 string
	SentAt               int64
	ReplyToID            *string
	RequestID            *string
}

// Message is the SQLite representation of one relayed message.
type Message struct {
	Seq                  int64
	ID                   string
	Sender               string
	Recipient            string
	EnvelopeForRecipient string
	EnvelopeForSender    string
	Kind                 string
	SentAt               int64
	ReceivedAt           int64
	DeliveredAt          *int64
	ReadAt               *int64
	ReplyToID            *string
	RequestID            *string
}

// EnvelopeFor returns the envelope the given participant can open.
func (m Message) EnvelopeFor(identity string) string {
	if identity == m.Sender {
		return m.EnvelopeForSender
	}
	return m.EnvelopeForRecipient
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID        int64
	EventType string
	Identity  *string
	Details   string
	Severity  string
	Timestamp int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType string
	// EventTypes matches any of the listed types and is combined with EventType.
	EventTypes    []string
	Identity      string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

// ValidKind reports whether kind is a lowercase message kind token.
func ValidKind(kind string) bool {
	return kindPattern.MatchString(kind)
}

func validateKind(kind string) error {
	if !ValidKind(kind) {
		return fmt.Errorf("invalid message kind %q", kind)
	}
	return nil
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
