package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// SetSecurityEventRetention configures automatic security-event pruning horizon.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.securityEventRetention = retention
}

// LogSecurityEvent inserts a structured security event and applies retention pruning.
func (s *Store) LogSecurityEvent(ctx context.Context, event SecurityEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = s.now()
	}

	var identity *string
	if event.Identity != nil {
		trimmed := strings.TrimSpace(*event.Identity)
		if trimmed != "" {
			identity = &trimmed
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_events (
			event_type,
			identity,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(identity),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}

	if s.securityEventRetention > 0 {
		cutoff := time.Now().Add(-s.securityEventRetention).UnixMilli()
		if _, err := s.PruneSecurityEvents(ctx, cutoff); err != nil {
			return fmt.Errorf("prune security events: %w", err)
		}
	}

	return nil
}

// GetSecurityEvents returns recent security events with optional filtering.
func (s *Store) GetSecurityEvents(ctx context.Context, filter SecurityEventFilter) ([]SecurityEvent, error) {
	if filter.Severity != "" {
		if err := validateSecuritySeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := max(filter.Offset, 0)

	where, args := securityEventConditions(filter)
	query := `SELECT
		id,
		event_type,
		identity,
		details,
		severity,
		timestamp
	FROM security_events` + where + ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get security events: %w", err)
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan security event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event rows: %w", err)
	}

	return events, nil
}

// IdentitySecurityEvents returns the newest events recorded against identity, limited to
// IdentityVisibleSecurityEvents. Registration and relay-wide events are never included.
func (s *Store) IdentitySecurityEvents(ctx context.Context, identity string, limit int) ([]SecurityEvent, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, errors.New("identity is required")
	}
	return s.GetSecurityEvents(ctx, SecurityEventFilter{
		Identity:   identity,
		EventTypes: IdentityVisibleSecurityEvents,
		Limit:      limit,
	})
}

func securityEventConditions(filter SecurityEventFilter) (string, []any) {
	var (
		where []string
		args  []any
	)

	types := lo.Uniq(lo.Compact(append([]string{filter.EventType}, filter.EventTypes...)))
	switch len(types) {
	case 0:
	case 1:
		where = append(where, "event_type = ?")
		args = append(args, types[0])
	default:
		where = append(where, "event_type IN ("+strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")+")")
		args = append(args, lo.ToAnySlice(types)...)
	}
	if filter.Identity != "" {
		where = append(where, "identity = ?")
		args = append(args, filter.Identity)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// PruneSecurityEvents removes security events older than cutoffTimestamp.
func (s *Store) PruneSecurityEvents(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM security_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for security event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanSecurityEvent(row scanner) (*SecurityEvent, error) {
	var (
		event    SecurityEvent
		identity sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&identity,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.Identity = stringPtr(identity)
	return &event, nil
}
