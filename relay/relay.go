// Package relay routes sealed envelopes between identities without opening them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/MetinSerinkaya27/NextGen-Chat/directory"
	"github.com/MetinSerinkaya27/NextGen-Chat/presence"
	"github.com/MetinSerinkaya27/NextGen-Chat/storage"
)

const (
	// DefaultSentAtFutureTolerance bounds how far ahead of the relay clock sent_at may be.
	DefaultSentAtFutureTolerance = 5 * time.Minute
	// DefaultPushTimeout bounds a single live push.
	DefaultPushTimeout = 10 * time.Second
	// DefaultSyncLimit caps one Sync page.
	DefaultSyncLimit = 500
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("kind", func(fl validator.FieldLevel) bool {
		return storage.ValidKind(fl.Field().String())
	})
	return v
}

// Session is a connected endpoint the relay can push to.
type Session interface {
	presence.Handle
	Push(ctx context.Context, event Event) error
	Close() error
}

// Store is the persistence the relay drives.
type Store interface {
	SaveMessage(ctx context.Context, message storage.NewMessage) (storage.Message, bool, error)
	MarkDelivered(ctx context.Context, messageIDs []string, at int64) (int64, error)
	MarkRead(ctx context.Context, reader, counterpart string, at int64) (int64, error)
	Conversation(ctx context.Context, a, b string) ([]storage.Message, error)
	MessagesSince(ctx context.Context, identity string, afterSeq int64, limit int) ([]storage.Message, error)
	SetLastSeen(ctx context.Context, username string, at int64) error
	ClearLastSeen(ctx context.Context, username string) error
	LogSecurityEvent(ctx context.Context, event storage.SecurityEvent) error
}

// Directory resolves registered identities.
type Directory interface {
	Exists(ctx context.Context, username string) (bool, error)
	Get(ctx context.Context, username string) (directory.Entry, error)
	List(ctx context.Context) ([]directory.Entry, error)
}

// Options tunes relay behavior.
type Options struct {
	SentAtFutureTolerance time.Duration
	PushTimeout           time.Duration
	Now                   func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.SentAtFutureTolerance <= 0 {
		out.SentAtFutureTolerance = DefaultSentAtFutureTolerance
	}
	if out.PushTimeout <= 0 {
		out.PushTimeout = DefaultPushTimeout
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Relay accepts envelope pairs, persists them and pushes them to present recipients.
type Relay struct {
	store     Store
	directory Directory
	registry  *presence.Registry[Session]
	log       *slog.Logger
	opts      Options

	// lifecycleMu keeps last-seen writes and presence broadcasts in registry order.
	lifecycleMu sync.Mutex
}

// New builds a Relay.
func New(store Store, dir Directory, log *slog.Logger, opts Options) *Relay {
	return &Relay{
		store:     store,
		directory: dir,
		registry:  presence.NewRegistry[Session](),
		log:       log,
		opts:      opts.withDefaults(),
	}
}

// Connect attaches an authenticated session as identity and announces the new presence set.
func (r *Relay) Connect(ctx context.Context, identity string, session Session) error {
	if err := r.requireIdentity(ctx, identity); err != nil {
		return err
	}

	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	result := r.registry.Attach(identity, session)
	r.log.Info("Session attached", "identity", identity, "session_id", session.SessionID(), "online", len(result.Online))

	if err := r.store.ClearLastSeen(ctx, identity); err != nil {
		r.log.Warn("Failed to clear last seen", "identity", identity, "error", err)
	}

	if result.Superseded {
		r.supersede(ctx, identity, result.Replaced)
	}

	r.broadcastPresence(ctx, result.Online)
	return nil
}

// Disconnect detaches session. Stale or unknown sessions are ignored.
func (r *Relay) Disconnect(ctx context.Context, session Session) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	identity, online, ok := r.registry.Detach(session)
	if !ok {
		return
	}
	r.log.Info("Session detached", "identity", identity, "session_id", session.SessionID(), "online", len(online))

	if err := r.store.SetLastSeen(ctx, identity, r.nowMilli()); err != nil {
		r.log.Warn("Failed to stamp last seen", "identity", identity, "error", err)
	}
	r.broadcastPresence(ctx, online)
}

// SendMessage validates, persists and, when the recipient is present, pushes one message.
func (r *Relay) SendMessage(ctx context.Context, sender string, request SendRequest) (Ack, error) {
	if err := validate.Struct(request); err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if request.Kind == "" {
		request.Kind = storage.MessageKindText
	}

	limit := r.opts.Now().Add(r.opts.SentAtFutureTolerance).UnixMilli()
	if request.SentAt > limit {
		return Ack{}, ErrSentAtOutOfRange
	}

	if err := r.requireIdentity(ctx, request.Recipient); err != nil {
		return Ack{}, err
	}

	message, created, err := r.store.SaveMessage(ctx, storage.NewMessage{
		ID:                   uuid.NewString(),
		Sender:               sender,
		Recipient:            request.Recipient,
		EnvelopeForRecipient: request.EnvelopeForRecipient,
		EnvelopeForSender:    request.EnvelopeForSender,
		Kind:                 request.Kind,
		SentAt:               request.SentAt,
		ReplyToID:            request.ReplyToID,
		RequestID:            request.RequestID,
	})
	if err != nil {
		if errors.Is(err, storage.ErrReplyTargetNotFound) {
			return Ack{}, ErrUnknownReplyTarget
		}
		r.log.Error("Failed to persist message", "sender", sender, "recipient", request.Recipient, "error", err)
		return Ack{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	ack := Ack{
		MessageID:  message.ID,
		ReceivedAt: message.ReceivedAt,
		Seq:        message.Seq,
		Delivered:  message.DeliveredAt != nil,
		Duplicate:  !created,
	}
	if ack.Delivered {
		return ack, nil
	}

	ack.Delivered = r.pushMessage(ctx, message)
	return ack, nil
}

// NotifyTyping forwards an ephemeral typing signal when to is present; it is dropped otherwise.
func (r *Relay) NotifyTyping(ctx context.Context, from, to string) {
	session, ok := r.registry.Lookup(to)
	if !ok {
		return
	}
	r.push(ctx, session, Event{Type: EventTyping, From: from})
}

// MarkRead marks every unread message from counterpart to reader as read in one statement
// and tells counterpart when anything changed.
func (r *Relay) MarkRead(ctx context.Context, reader, counterpart string) (int64, error) {
	if counterpart == "" {
		return 0, fmt.Errorf("%w: counterpart is required", ErrInvalidRequest)
	}

	readAt := r.nowMilli()
	changed, err := r.store.MarkRead(ctx, reader, counterpart, readAt)
	if err != nil {
		r.log.Error("Failed to mark read", "reader", reader, "counterpart", counterpart, "error", err)
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if changed == 0 {
		return 0, nil
	}

	if session, ok := r.registry.Lookup(counterpart); ok {
		r.push(ctx, session, Event{Type: EventRead, By: reader, ReadAt: readAt, Count: changed})
	}
	return changed, nil
}

// History returns the conversation between requester and with in display order, each entry
// carrying the envelope requester can open. Undelivered messages to requester become delivered.
func (r *Relay) History(ctx context.Context, requester, with string) ([]HistoryEntry, error) {
	if err := r.requireIdentity(ctx, with); err != nil {
		return nil, err
	}

	messages, err := r.store.Conversation(ctx, requester, with)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	r.markPulled(ctx, requester, messages)
	return toHistory(requester, messages), nil
}

// Sync returns messages involving requester with seq greater than afterSeq, in persistence order.
func (r *Relay) Sync(ctx context.Context, requester string, afterSeq int64, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > DefaultSyncLimit {
		limit = DefaultSyncLimit
	}

	messages, err := r.store.MessagesSince(ctx, requester, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	r.markPulled(ctx, requester, messages)
	return toHistory(requester, messages), nil
}

// PublicKey returns the published directory entry of identity.
func (r *Relay) PublicKey(ctx context.Context, identity string) (directory.Entry, error) {
	entry, err := r.directory.Get(ctx, identity)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return directory.Entry{}, ErrUnknownIdentity
		}
		return directory.Entry{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return entry, nil
}

// Identities lists every registered identity.
func (r *Relay) Identities(ctx context.Context) ([]directory.Entry, error) {
	entries, err := r.directory.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return entries, nil
}

// Online returns the identities currently present.
func (r *Relay) Online() []string {
	return r.registry.Online()
}

func (r *Relay) pushMessage(ctx context.Context, message storage.Message) bool {
	session, ok := r.registry.Lookup(message.Recipient)
	if !ok {
		return false
	}

	event := Event{
		Type: EventMessage,
		Message: &MessagePush{
			MessageID:  message.ID,
			Seq:        message.Seq,
			Sender:     message.Sender,
			Envelope:   message.EnvelopeForRecipient,
			Kind:       message.Kind,
			SentAt:     message.SentAt,
			ReceivedAt: message.ReceivedAt,
			ReplyToID:  message.ReplyToID,
		},
	}
	if !r.push(ctx, session, event) {
		return false
	}

	if _, err := r.store.MarkDelivered(ctx, []string{message.ID}, r.nowMilli()); err != nil {
		r.log.Warn("Failed to mark delivered", "message_id", message.ID, "error", err)
	}
	return true
}

// push delivers one event and reports whether it was written. Failures are logged only.
func (r *Relay) push(ctx context.Context, session Session, event Event) bool {
	pushCtx, cancel := context.WithTimeout(ctx, r.opts.PushTimeout)
	defer cancel()

	if err := session.Push(pushCtx, event); err != nil {
		r.log.Warn("Live push failed", "event_type", event.Type, "session_id", session.SessionID(), "error", err)
		return false
	}
	return true
}

func (r *Relay) broadcastPresence(ctx context.Context, online []string) {
	event := Event{Type: EventPresence, Online: online}
	for _, session := range r.registry.Handles() {
		r.push(ctx, session, event)
	}
}

func (r *Relay) supersede(ctx context.Context, identity string, replaced Session) {
	r.log.Info("Session superseded", "identity", identity, "session_id", replaced.SessionID())
	r.push(ctx, replaced, Event{Type: EventSuperseded})
	if err := replaced.Close(); err != nil {
		r.log.Debug("Close superseded session", "session_id", replaced.SessionID(), "error", err)
	}

	if err := r.store.LogSecurityEvent(ctx, storage.SecurityEvent{
		EventType: storage.SecurityEventSessionSuperseded,
		Identity:  lo.ToPtr(identity),
		Severity:  storage.SecuritySeverityInfo,
	}); err != nil {
		r.log.Warn("Failed to record security event", "event_type", storage.SecurityEventSessionSuperseded, "error", err)
	}
}

func (r *Relay) markPulled(ctx context.Context, requester string, messages []storage.Message) {
	pending := lo.FilterMap(messages, func(message storage.Message, _ int) (string, bool) {
		return message.ID, message.Recipient == requester && message.DeliveredAt == nil
	})
	if len(pending) == 0 {
		return
	}

	deliveredAt := r.nowMilli()
	if _, err := r.store.MarkDelivered(ctx, pending, deliveredAt); err != nil {
		r.log.Warn("Failed to mark pulled messages delivered", "identity", requester, "count", len(pending), "error", err)
		return
	}
	for i := range messages {
		if messages[i].Recipient == requester && messages[i].DeliveredAt == nil {
			messages[i].DeliveredAt = lo.ToPtr(deliveredAt)
		}
	}
}

func (r *Relay) requireIdentity(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: identity is required", ErrInvalidRequest)
	}
	exists, err := r.directory.Exists(ctx, identity)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !exists {
		return ErrUnknownIdentity
	}
	return nil
}

func (r *Relay) nowMilli() int64 {
	return r.opts.Now().UnixMilli()
}

func toHistory(requester string, messages []storage.Message) []HistoryEntry {
	return lo.Map(messages, func(message storage.Message, _ int) HistoryEntry {
		return HistoryEntry{
			MessageID:   message.ID,
			Seq:         message.Seq,
			Sender:      message.Sender,
			Recipient:   message.Recipient,
			Envelope:    message.EnvelopeFor(requester),
			Kind:        message.Kind,
			SentAt:      message.SentAt,
			ReceivedAt:  message.ReceivedAt,
			DeliveredAt: message.DeliveredAt,
			ReadAt:      message.ReadAt,
			ReplyToID:   message.ReplyToID,
		}
	})
}
