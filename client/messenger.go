// Package client is the endpoint side of the relay: it seals outgoing content for both
// parties, opens what the relay hands back and keeps the session alive.
package client

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/MetinSerinkaya27/NextGen-Chat/crypto"
	"github.com/MetinSerinkaya27/NextGen-Chat/directory"
	"github.com/MetinSerinkaya27/NextGen-Chat/models"
	"github.com/MetinSerinkaya27/NextGen-Chat/network"
	"github.com/MetinSerinkaya27/NextGen-Chat/relay"
)

// UnreadablePlaceholder replaces the content of any message whose envelope cannot be opened.
const UnreadablePlaceholder = "🔒 Encrypted message (could not be opened)"

const defaultUpdateBuffer = 256

var defaultReconnectBackoff = []time.Duration{
	0,
	time.Second,
	5 * time.Second,
	15 * time.Second,
}

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("client: messenger closed")
	// ErrSuperseded is returned by calls made after another session of the same identity took over.
	ErrSuperseded = errors.New("client: session superseded")
	// ErrEmptyContent rejects sends without content.
	ErrEmptyContent = errors.New("client: content is required")
)

// Options controls Messenger behavior.
type Options struct {
	Handshake        network.HandshakeOptions
	ReconnectBackoff []time.Duration
	UpdateBuffer     int
	// Now stamps sent_at; defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if len(o.ReconnectBackoff) == 0 {
		o.ReconnectBackoff = append([]time.Duration(nil), defaultReconnectBackoff...)
	}
	if o.UpdateBuffer <= 0 {
		o.UpdateBuffer = defaultUpdateBuffer
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Update is one relay event with message content already opened.
type Update struct {
	Type    relay.EventType
	Message *models.Message
	Online  []string
	From    string
	By      string
	ReadAt  int64
	Count   int64
}

// Outgoing describes one message to send.
type Outgoing struct {
	To        string
	Content   string
	Kind      string
	ReplyToID string
	// RequestID makes retries idempotent on the relay. A fresh one is assigned when empty.
	RequestID string
}

// Messenger is an authenticated endpoint session that reconnects on transport loss.
type Messenger struct {
	address  string
	identity network.ClientIdentity
	log      *slog.Logger
	options  Options

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	client *network.Client
	err    error

	updates chan Update
	wg      sync.WaitGroup
}

// Connect dials the relay at address and authenticates identity. The relay key seen on
// the first connection is pinned for every reconnect unless one is already configured.
// The caller must drain Updates.
func Connect(ctx context.Context, address string, identity network.ClientIdentity, log *slog.Logger, options Options) (*Messenger, error) {
	opts := options.withDefaults()

	client, err := network.Dial(ctx, address, identity, opts.Handshake)
	if err != nil {
		return nil, err
	}
	if opts.Handshake.RelayFingerprint == "" {
		opts.Handshake.RelayFingerprint = client.RelayFingerprint()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m := &Messenger{
		address:  address,
		identity: identity,
		log:      log.With("identity", identity.Username),
		options:  opts,
		ctx:      runCtx,
		cancel:   cancel,
		client:   client,
		updates:  make(chan Update, opts.UpdateBuffer),
	}

	m.wg.Add(1)
	go m.run(client)
	return m, nil
}

// Username returns the authenticated identity.
func (m *Messenger) Username() string {
	return m.identity.Username
}

// Updates delivers relay events in arrival order. It is closed when the messenger stops,
// either through Close, a supersede by another session or a permanent reconnect failure.
func (m *Messenger) Updates() <-chan Update {
	return m.updates
}

// Err returns the reason the messenger stopped reconnecting, if any.
func (m *Messenger) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Close ends the session and stops reconnecting.
func (m *Messenger) Close() error {
	m.cancel()

	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()

	var err error
	if client != nil {
		err = client.Close()
	}
	m.wg.Wait()
	return err
}

// Send seals content for the recipient and for this identity, then hands both envelopes
// to the relay.
func (m *Messenger) Send(ctx context.Context, message Outgoing) (relay.Ack, error) {
	if message.Content == "" {
		return relay.Ack{}, ErrEmptyContent
	}

	recipientKey, err := m.recipientKey(ctx, message.To)
	if err != nil {
		return relay.Ack{}, err
	}

	forRecipient, forSender, err := crypto.SealForPair([]byte(message.Content), recipientKey, &m.identity.PrivateKey.PublicKey)
	if err != nil {
		return relay.Ack{}, fmt.Errorf("seal message: %w", err)
	}
	encodedRecipient, err := crypto.EncodeEnvelope(forRecipient)
	if err != nil {
		return relay.Ack{}, err
	}
	encodedSender, err := crypto.EncodeEnvelope(forSender)
	if err != nil {
		return relay.Ack{}, err
	}

	requestID := message.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	request := relay.SendRequest{
		Recipient:            message.To,
		EnvelopeForRecipient: encodedRecipient,
		EnvelopeForSender:    encodedSender,
		Kind:                 message.Kind,
		SentAt:               m.options.Now().UnixMilli(),
		RequestID:            &requestID,
	}
	if message.ReplyToID != "" {
		request.ReplyToID = lo.ToPtr(message.ReplyToID)
	}

	var ack relay.Ack
	if err := m.call(ctx, network.MethodSendMessage, request, &ack); err != nil {
		return relay.Ack{}, err
	}
	return ack, nil
}

// Typing tells the relay this identity is typing to another one.
func (m *Messenger) Typing(ctx context.Context, to string) error {
	return m.call(ctx, network.MethodTyping, network.TypingParams{To: to}, nil)
}

// MarkRead marks everything counterpart sent to this identity as read.
func (m *Messenger) MarkRead(ctx context.Context, counterpart string) (int64, error) {
	var result network.MarkReadResult
	if err := m.call(ctx, network.MethodMarkRead, network.MarkReadParams{Counterpart: counterpart}, &result); err != nil {
		return 0, err
	}
	return result.Changed, nil
}

// History returns the opened conversation with another identity, oldest first.
func (m *Messenger) History(ctx context.Context, with string) ([]models.Message, error) {
	var entries []relay.HistoryEntry
	if err := m.call(ctx, network.MethodGetHistory, network.HistoryParams{With: with}, &entries); err != nil {
		return nil, err
	}
	return m.openEntries(entries), nil
}

// Sync returns the opened messages of every conversation stored after afterSeq.
func (m *Messenger) Sync(ctx context.Context, afterSeq int64, limit int) ([]models.Message, error) {
	var entries []relay.HistoryEntry
	if err := m.call(ctx, network.MethodSync, network.SyncParams{AfterSeq: afterSeq, Limit: limit}, &entries); err != nil {
		return nil, err
	}
	return m.openEntries(entries), nil
}

// PublicKey looks up the directory entry of identity.
func (m *Messenger) PublicKey(ctx context.Context, identity string) (directory.Entry, error) {
	var entry directory.Entry
	if err := m.call(ctx, network.MethodGetPublicKey, network.PublicKeyParams{Identity: identity}, &entry); err != nil {
		return directory.Entry{}, err
	}
	return entry, nil
}

// Identities lists every registered identity.
func (m *Messenger) Identities(ctx context.Context) ([]directory.Entry, error) {
	var entries []directory.Entry
	if err := m.call(ctx, network.MethodListIdentities, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Online lists the identities with a live session.
func (m *Messenger) Online(ctx context.Context) ([]string, error) {
	var online []string
	if err := m.call(ctx, network.MethodOnline, nil, &online); err != nil {
		return nil, err
	}
	return online, nil
}

// SecurityEvents returns the newest audit entries the relay recorded against this identity,
// such as failed handshakes under its name or key replacements.
func (m *Messenger) SecurityEvents(ctx context.Context, limit int) ([]network.SecurityEventView, error) {
	var events []network.SecurityEventView
	if err := m.call(ctx, network.MethodSecurityEvents, network.SecurityEventsParams{Limit: limit}, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (m *Messenger) recipientKey(ctx context.Context, identity string) (*rsa.PublicKey, error) {
	entry, err := m.PublicKey(ctx, identity)
	if err != nil {
		return nil, err
	}
	key, err := crypto.ParsePublicKey(entry.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse public key of %q: %w", identity, err)
	}
	return key, nil
}

func (m *Messenger) call(ctx context.Context, method string, params, out any) error {
	client, err := m.current()
	if err != nil {
		return err
	}
	return client.Call(ctx, method, params, out)
}

func (m *Messenger) current() (*network.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ctx.Err() != nil || m.client == nil {
		if m.err != nil {
			return nil, m.err
		}
		return nil, ErrClosed
	}
	return m.client, nil
}

// open turns one stored or pushed message into plaintext. Any failure yields the placeholder.
func (m *Messenger) open(message models.Message, envelope string) models.Message {
	plaintext, err := crypto.OpenEncoded(envelope, m.identity.PrivateKey)
	if err != nil {
		m.log.Debug("Envelope could not be opened", "message_id", message.MessageID, "error", err)
		message.Content = UnreadablePlaceholder
		message.Readable = false
		return message
	}
	message.Content = string(plaintext)
	message.Readable = true
	return message
}

func (m *Messenger) openEntries(entries []relay.HistoryEntry) []models.Message {
	return lo.Map(entries, func(entry relay.HistoryEntry, _ int) models.Message {
		return m.open(models.Message{
			MessageID:   entry.MessageID,
			Seq:         entry.Seq,
			Sender:      entry.Sender,
			Recipient:   entry.Recipient,
			Kind:        entry.Kind,
			SentAt:      entry.SentAt,
			ReceivedAt:  entry.ReceivedAt,
			DeliveredAt: entry.DeliveredAt,
			ReadAt:      entry.ReadAt,
			ReplyToID:   entry.ReplyToID,
		}, entry.Envelope)
	})
}

func (m *Messenger) toUpdate(event relay.Event) Update {
	update := Update{
		Type:   event.Type,
		Online: event.Online,
		From:   event.From,
		By:     event.By,
		ReadAt: event.ReadAt,
		Count:  event.Count,
	}
	if event.Message != nil {
		push := event.Message
		message := m.open(models.Message{
			MessageID:  push.MessageID,
			Seq:        push.Seq,
			Sender:     push.Sender,
			Recipient:  m.identity.Username,
			Kind:       push.Kind,
			SentAt:     push.SentAt,
			ReceivedAt: push.ReceivedAt,
			ReplyToID:  push.ReplyToID,
		}, push.Envelope)
		update.Message = &message
	}
	return update
}
