// Package directory publishes the identity public keys that endpoints seal envelopes to.
package directory

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/MetinSerinkaya27/NextGen-Chat/crypto"
	"github.com/MetinSerinkaya27/NextGen-Chat/storage"
)

var (
	// ErrNotFound indicates the identity is not registered.
	ErrNotFound = errors.New("directory: identity not found")
	// ErrTaken indicates the username is already registered.
	ErrTaken = errors.New("directory: username already taken")
	// ErrInvalidUsername indicates the username fails the identity rules.
	ErrInvalidUsername = errors.New("directory: invalid username")
	// ErrInvalidPublicKey indicates the published key is not an acceptable RSA SPKI key.
	ErrInvalidPublicKey = errors.New("directory: invalid public key")
	// ErrBadSignature indicates a key replacement was not signed by the current key.
	ErrBadSignature = errors.New("directory: replacement not signed by current key")
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	return v
}

type registration struct {
	Username  string `validate:"required,min=3,max=32,username"`
	PublicKey string `validate:"required,base64"`
}

// Store is the persistence the directory needs.
type Store interface {
	RegisterIdentity(ctx context.Context, identity storage.Identity) error
	GetIdentity(ctx context.Context, username string) (*storage.Identity, error)
	ListIdentities(ctx context.Context) ([]storage.Identity, error)
	ReplacePublicKey(ctx context.Context, username, publicKey, fingerprint string) error
	LogSecurityEvent(ctx context.Context, event storage.SecurityEvent) error
}

// Entry is one published identity.
type Entry struct {
	Username     string `json:"username"`
	PublicKey    string `json:"public_key"`
	Fingerprint  string `json:"fingerprint"`
	RegisteredAt int64  `json:"registered_at"`
	LastSeen     *int64 `json:"last_seen,omitempty"`
}

// Directory maps identities to their current public key.
type Directory struct {
	store Store
	log   *slog.Logger
}

// New returns a Directory backed by store.
func New(store Store, log *slog.Logger) *Directory {
	return &Directory{store: store, log: log}
}

// ValidUsername reports whether username satisfies the identity rules.
func ValidUsername(username string) bool {
	return validate.Var(username, "required,min=3,max=32,username") == nil
}

// Register publishes a new identity with its SPKI base64 public key.
func (d *Directory) Register(ctx context.Context, username, publicKey string) (Entry, error) {
	if err := validate.Struct(registration{Username: username, PublicKey: publicKey}); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) && validationErrs[0].Field() == "Username" {
			return Entry{}, ErrInvalidUsername
		}
		return Entry{}, ErrInvalidPublicKey
	}

	parsed, err := crypto.ParsePublicKey(publicKey)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	fingerprint, err := crypto.PublicKeyFingerprint(parsed)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	identity := storage.Identity{
		Username:       username,
		PublicKey:      publicKey,
		KeyFingerprint: fingerprint,
	}
	if err := d.store.RegisterIdentity(ctx, identity); err != nil {
		if errors.Is(err, storage.ErrIdentityExists) {
			d.audit(ctx, storage.SecurityEventRegistrationRefused, username, storage.SecuritySeverityInfo, `{"reason":"taken"}`)
			return Entry{}, ErrTaken
		}
		return Entry{}, fmt.Errorf("register %q: %w", username, err)
	}

	d.log.Info("Identity registered", "username", username, "fingerprint", crypto.FormatFingerprint(fingerprint))
	d.audit(ctx, storage.SecurityEventIdentityRegistered, username, storage.SecuritySeverityInfo, "{}")

	stored, err := d.store.GetIdentity(ctx, username)
	if err != nil {
		return Entry{}, fmt.Errorf("reload %q: %w", username, err)
	}
	return toEntry(*stored), nil
}

// ReplacementPayload is the byte string the current key signs to authorize newPublicKey.
func ReplacementPayload(username, newPublicKey string) []byte {
	return []byte("replace-key|" + username + "|" + newPublicKey)
}

// Replace swaps an identity's key. The request must be signed by the key being replaced.
func (d *Directory) Replace(ctx context.Context, username, newPublicKey string, signature []byte) (Entry, error) {
	current, err := d.Lookup(ctx, username)
	if err != nil {
		return Entry{}, err
	}

	parsed, err := crypto.ParsePublicKey(newPublicKey)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	if !crypto.VerifyIdentity(current, ReplacementPayload(username, newPublicKey), signature) {
		d.log.Warn("Key replacement rejected", "username", username)
		d.audit(ctx, storage.SecurityEventKeyReplaceRejected, username, storage.SecuritySeverityWarning, `{"reason":"bad signature"}`)
		return Entry{}, ErrBadSignature
	}

	fingerprint, err := crypto.PublicKeyFingerprint(parsed)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if err := d.store.ReplacePublicKey(ctx, username, newPublicKey, fingerprint); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("replace key for %q: %w", username, err)
	}

	d.log.Info("Identity key replaced", "username", username, "fingerprint", crypto.FormatFingerprint(fingerprint))
	d.audit(ctx, storage.SecurityEventKeyReplaced, username, storage.SecuritySeverityInfo, fmt.Sprintf(`{"fingerprint":%q}`, fingerprint))

	stored, err := d.store.GetIdentity(ctx, username)
	if err != nil {
		return Entry{}, fmt.Errorf("reload %q: %w", username, err)
	}
	return toEntry(*stored), nil
}

// Lookup returns the current public key of username.
func (d *Directory) Lookup(ctx context.Context, username string) (*rsa.PublicKey, error) {
	entry, err := d.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	publicKey, err := crypto.ParsePublicKey(entry.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse stored key for %q: %w", username, err)
	}
	return publicKey, nil
}

// Get returns the published entry of username.
func (d *Directory) Get(ctx context.Context, username string) (Entry, error) {
	identity, err := d.store.GetIdentity(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("lookup %q: %w", username, err)
	}
	return toEntry(*identity), nil
}

// Exists reports whether username is registered.
func (d *Directory) Exists(ctx context.Context, username string) (bool, error) {
	_, err := d.Get(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns every published identity.
func (d *Directory) List(ctx context.Context) ([]Entry, error) {
	identities, err := d.store.ListIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return lo.Map(identities, func(identity storage.Identity, _ int) Entry {
		return toEntry(identity)
	}), nil
}

func (d *Directory) audit(ctx context.Context, eventType, username, severity, details string) {
	if err := d.store.LogSecurityEvent(ctx, storage.SecurityEvent{
		EventType: eventType,
		Identity:  lo.ToPtr(username),
		Details:   details,
		Severity:  severity,
	}); err != nil {
		d.log.Warn("Failed to record security event", "event_type", eventType, "error", err)
	}
}

func toEntry(identity storage.Identity) Entry {
	return Entry{
		Username:     identity.Username,
		PublicKey:    identity.PublicKey,
		Fingerprint:  identity.KeyFingerprint,
		RegisteredAt: identity.RegisteredAt,
		LastSeen:     identity.LastSeen,
	}
}
