package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// markDeliveredBatchSize bounds the ids bound into one UPDATE.
const markDeliveredBatchSize = 500

const messageColumns = `
			seq,
			message_id,
			sender,
			recipient,
			envelope_for_recipient,
			envelope_for_sender,
			kind,
			sent_at,
			received_at,
			delivered_at,
			read_at,
			reply_to_id,
			request_id`

// SaveMessage persists a message with both envelopes in one transaction.
//
// A retried send carrying the same (sender, request_id) returns the stored row with
// created=false. received_at is assigned here and never decreases across calls.
func (s *Store) SaveMessage(ctx context.Context, message NewMessage) (Message, bool, error) {
	if message.ID == "" {
		return Message{}, false, errors.New("message_id is required")
	}
	if message.Sender == "" {
		return Message{}, false, errors.New("sender is required")
	}
	if message.Recipient == "" {
		return Message{}, false, errors.New("recipient is required")
	}
	if message.EnvelopeForRecipient == "" || message.EnvelopeForSender == "" {
		return Message{}, false, errors.New("both envelopes are required")
	}
	if message.Kind == "" {
		message.Kind = MessageKindText
	}
	if err := validateKind(message.Kind); err != nil {
		return Message{}, false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, false, fmt.Errorf("begin save message transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if message.RequestID != nil {
		existing, err := scanMessage(tx.QueryRowContext(ctx,
			`SELECT`+messageColumns+`
			FROM messages
			WHERE sender = ? AND request_id = ?`,
			message.Sender,
			*message.RequestID,
		))
		if err == nil {
			return *existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Message{}, false, fmt.Errorf("lookup request id %q: %w", *message.RequestID, err)
		}
	}

	if message.ReplyToID != nil {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM messages WHERE message_id = ?)`,
			*message.ReplyToID,
		).Scan(&exists); err != nil {
			return Message{}, false, fmt.Errorf("check reply target %q: %w", *message.ReplyToID, err)
		}
		if exists != 1 {
			return Message{}, false, ErrReplyTargetNotFound
		}
	}

	receivedAt := max(s.now(), s.lastReceivedAt)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (
			message_id,
			sender,
			recipient,
			envelope_for_recipient,
			envelope_for_sender,
			kind,
			sent_at,
			received_at,
			reply_to_id,
			request_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID,
		message.Sender,
		message.Recipient,
		message.EnvelopeForRecipient,
		message.EnvelopeForSender,
		message.Kind,
		message.SentAt,
		receivedAt,
		nullString(message.ReplyToID),
		nullString(message.RequestID),
	)
	if err != nil {
		return Message{}, false, fmt.Errorf("insert message %q: %w", message.ID, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return Message{}, false, fmt.Errorf("read seq for message %q: %w", message.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, false, fmt.Errorf("commit message %q: %w", message.ID, err)
	}
	s.lastReceivedAt = receivedAt

	return Message{
		Seq:                  seq,
		ID:                   message.ID,
		Sender:               message.Sender,
		Recipient:            message.Recipient,
		EnvelopeForRecipient: message.EnvelopeForRecipient,
		EnvelopeForSender:    message.EnvelopeForSender,
		Kind:                 message.Kind,
		SentAt:               message.SentAt,
		ReceivedAt:           receivedAt,
		ReplyToID:            message.ReplyToID,
		RequestID:            message.RequestID,
	}, true, nil
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	message, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE message_id = ?`,
		messageID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// Conversation returns every message exchanged between a and b ordered by sent_at, then seq.
func (s *Store) Conversation(ctx context.Context, a, b string) ([]Message, error) {
	if a == "" || b == "" {
		return nil, errors.New("both participants are required")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		ORDER BY sent_at ASC, seq ASC`,
		a, b, b, a,
	)
	if err != nil {
		return nil, fmt.Errorf("get conversation %q/%q: %w", a, b, err)
	}
	return collectMessages(rows)
}

// MessagesSince returns messages sent by or addressed to identity with seq > afterSeq, in seq order.
func (s *Store) MessagesSince(ctx context.Context, identity string, afterSeq int64, limit int) ([]Message, error) {
	if identity == "" {
		return nil, errors.New("identity is required")
	}
	if limit <= 0 {
		limit = 500
	}
	if afterSeq < 0 {
		afterSeq = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE seq > ? AND (sender = ? OR recipient = ?)
		ORDER BY seq ASC
		LIMIT ?`,
		afterSeq,
		identity,
		identity,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages since %d for %q: %w", afterSeq, identity, err)
	}
	return collectMessages(rows)
}

// MarkDelivered stamps delivered_at on the given messages that are not yet delivered.
func (s *Store) MarkDelivered(ctx context.Context, messageIDs []string, at int64) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	if at == 0 {
		at = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin mark delivered: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Batches keep each statement under SQLite's bound-variable limit.
	var changed int64
	for _, batch := range lo.Chunk(messageIDs, markDeliveredBatchSize) {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		args := append([]any{at}, lo.ToAnySlice(batch)...)

		res, err := tx.ExecContext(ctx,
			`UPDATE messages
			SET delivered_at = ?
			WHERE delivered_at IS NULL AND message_id IN (`+placeholders+`)`,
			args...,
		)
		if err != nil {
			return 0, fmt.Errorf("mark delivered: %w", err)
		}
		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("read rows affected for mark delivered: %w", err)
		}
		changed += rowsAffected
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mark delivered: %w", err)
	}
	return changed, nil
}

// MarkRead sets read_at on every unread message counterpart sent to reader, in a single statement.
func (s *Store) MarkRead(ctx context.Context, reader, counterpart string, at int64) (int64, error) {
	if reader == "" || counterpart == "" {
		return 0, errors.New("reader and counterpart are required")
	}
	if at == 0 {
		at = s.now()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages
		SET read_at = ?,
			delivered_at = COALESCE(delivered_at, ?)
		WHERE recipient = ? AND sender = ? AND read_at IS NULL`,
		at,
		at,
		reader,
		counterpart,
	)
	if err != nil {
		return 0, fmt.Errorf("mark read for %q from %q: %w", reader, counterpart, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for mark read %q: %w", reader, err)
	}
	return rowsAffected, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		message     Message
		deliveredAt sql.NullInt64
		readAt      sql.NullInt64
		replyToID   sql.NullString
		requestID   sql.NullString
	)

	if err := row.Scan(
		&message.Seq,
		&message.ID,
		&message.Sender,
		&message.Recipient,
		&message.EnvelopeForRecipient,
		&message.EnvelopeForSender,
		&message.Kind,
		&message.SentAt,
		&message.ReceivedAt,
		&deliveredAt,
		&readAt,
		&replyToID,
		&requestID,
	); err != nil {
		return nil, err
	}

	message.DeliveredAt = int64Ptr(deliveredAt)
	message.ReadAt = int64Ptr(readAt)
	message.ReplyToID = stringPtr(replyToID)
	message.RequestID = stringPtr(requestID)
	return &message, nil
}
