package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// RegisterIdentity inserts a new identity row. A taken username yields ErrIdentityExists.
func (s *Store) RegisterIdentity(ctx context.Context, identity Identity) error {
	if identity.Username == "" {
		return errors.New("username is required")
	}
	if identity.PublicKey == "" {
		return errors.New("public_key is required")
	}
	if identity.KeyFingerprint == "" {
		return errors.New("key_fingerprint is required")
	}
	if identity.RegisteredAt == 0 {
		identity.RegisteredAt = s.now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (
			username,
			public_key,
			key_fingerprint,
			registered_at,
			last_seen
		) VALUES (?, ?, ?, ?, ?)`,
		identity.Username,
		identity.PublicKey,
		identity.KeyFingerprint,
		identity.RegisteredAt,
		sql.NullInt64{Int64: identity.RegisteredAt, Valid: true},
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrIdentityExists
		}
		return fmt.Errorf("insert identity %q: %w", identity.Username, err)
	}

	return nil
}

// GetIdentity fetches an identity by username.
func (s *Store) GetIdentity(ctx context.Context, username string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT
			username,
			public_key,
			key_fingerprint,
			registered_at,
			last_seen
		FROM identities
		WHERE username = ?`,
		username,
	)

	identity, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get identity %q: %w", username, err)
	}
	return identity, nil
}

// ListIdentities returns every registered identity ordered by username.
func (s *Store) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT
			username,
			public_key,
			key_fingerprint,
			registered_at,
			last_seen
		FROM identities
		ORDER BY username ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	identities := make([]Identity, 0)
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity row: %w", err)
		}
		identities = append(identities, *identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identity rows: %w", err)
	}

	return identities, nil
}

// ReplacePublicKey swaps the published key of an existing identity.
func (s *Store) ReplacePublicKey(ctx context.Context, username, publicKey, fingerprint string) error {
	if publicKey == "" || fingerprint == "" {
		return errors.New("public_key and key_fingerprint are required")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE identities
		SET public_key = ?, key_fingerprint = ?
		WHERE username = ?`,
		publicKey,
		fingerprint,
		username,
	)
	if err != nil {
		return fmt.Errorf("replace public key for %q: %w", username, err)
	}
	return requireAffected(res, "replace public key", username)
}

// SetLastSeen stamps the moment an identity went offline.
func (s *Store) SetLastSeen(ctx context.Context, username string, at int64) error {
	if at == 0 {
		at = s.now()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET last_seen = ? WHERE username = ?`,
		at,
		username,
	)
	if err != nil {
		return fmt.Errorf("set last seen for %q: %w", username, err)
	}
	return requireAffected(res, "set last seen", username)
}

// ClearLastSeen marks an identity as currently online.
func (s *Store) ClearLastSeen(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET last_seen = NULL WHERE username = ?`,
		username,
	)
	if err != nil {
		return fmt.Errorf("clear last seen for %q: %w", username, err)
	}
	return requireAffected(res, "clear last seen", username)
}

func requireAffected(res sql.Result, op, key string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s %q: %w", op, key, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func scanIdentity(row scanner) (*Identity, error) {
	var (
		identity Identity
		lastSeen sql.NullInt64
	)
	if err := row.Scan(
		&identity.Username,
		&identity.PublicKey,
		&identity.KeyFingerprint,
		&identity.RegisteredAt,
		&lastSeen,
	); err != nil {
		return nil, err
	}

	identity.LastSeen = int64Ptr(lastSeen)
	return &identity, nil
}
