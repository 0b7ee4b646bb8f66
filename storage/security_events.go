package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatcore/models"
)

const (
	defaultSecurityEventLimit = 100
	maxSecurityEventLimit     = 1000
)

// SetSecurityEventRetention configures automatic security-event pruning horizon.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.securityEventRetention = retention
}

// LogSecurityEvent records one audit event. Rows older than the retention
// horizon are pruned on every write.
func (s *Store) LogSecurityEvent(event models.SecurityEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = models.SecuritySeverityInfo
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
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events (
			event_type,
			subject_user_id,
			conversation_id,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(trimmedPtr(event.SubjectUserID)),
		nullString(trimmedPtr(&event.ConversationID)),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}

	if s.securityEventRetention > 0 {
		cutoff := time.Now().Add(-s.securityEventRetention).UnixMilli()
		if _, err := s.PruneSecurityEvents(cutoff); err != nil {
			return fmt.Errorf("prune security events: %w", err)
		}
	}
	return nil
}

// GetSecurityEvents returns matching events, newest first.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]models.SecurityEvent, error) {
	where, args, err := filter.clauses()
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultSecurityEventLimit
	}
	if limit > maxSecurityEventLimit {
		limit = maxSecurityEventLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT
		id,
		event_type,
		subject_user_id,
		conversation_id,
		details,
		severity,
		timestamp
	FROM security_events` + where + ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get security events: %w", err)
	}
	defer rows.Close()

	events := make([]models.SecurityEvent, 0)
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

// SummarizeSecurityEvents counts matching events per type and severity,
// most frequent first. Limit and Offset are ignored.
func (s *Store) SummarizeSecurityEvents(filter SecurityEventFilter) ([]SecurityEventCount, error) {
	where, args, err := filter.clauses()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT
		event_type,
		severity,
		COUNT(*),
		MAX(timestamp)
	FROM security_events`+where+`
	GROUP BY event_type, severity
	ORDER BY COUNT(*) DESC, event_type ASC, severity ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("summarize security events: %w", err)
	}
	defer rows.Close()

	counts := make([]SecurityEventCount, 0)
	for rows.Next() {
		var c SecurityEventCount
		if err := rows.Scan(&c.EventType, &c.Severity, &c.Count, &c.LastSeen); err != nil {
			return nil, fmt.Errorf("scan security event count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event counts: %w", err)
	}
	return counts, nil
}

// PruneSecurityEvents removes security events older than cutoffTimestamp.
func (s *Store) PruneSecurityEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for security event prune: %w", err)
	}
	return rowsAffected, nil
}

// clauses renders the filter as a WHERE clause (with leading space) and its
// arguments. EventType and EventTypes are combined into one IN set.
func (f SecurityEventFilter) clauses() (string, []any, error) {
	if f.Severity != "" {
		if err := validateSecuritySeverity(f.Severity); err != nil {
			return "", nil, err
		}
	}

	var (
		where []string
		args  []any
	)

	types := make([]string, 0, len(f.EventTypes)+1)
	if f.EventType != "" {
		types = append(types, f.EventType)
	}
	for _, t := range f.EventTypes {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	switch len(types) {
	case 0:
	case 1:
		where = append(where, "event_type = ?")
		args = append(args, types[0])
	default:
		where = append(where, "event_type IN ("+strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")+")")
		for _, t := range types {
			args = append(args, t)
		}
	}

	if f.SubjectUserID != "" {
		where = append(where, "subject_user_id = ?")
		args = append(args, f.SubjectUserID)
	}
	if f.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, f.ConversationID)
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *f.FromTimestamp)
	}
	if f.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *f.ToTimestamp)
	}

	if len(where) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(where, " AND "), args, nil
}

func scanSecurityEvent(row scanner) (*models.SecurityEvent, error) {
	var (
		event          models.SecurityEvent
		subjectUserID  sql.NullString
		conversationID sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&subjectUserID,
		&conversationID,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.SubjectUserID = stringPtr(subjectUserID)
	event.ConversationID = conversationID.String
	return &event, nil
}

func trimmedPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
