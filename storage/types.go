package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatcore/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = models.ErrNotFound
	// ErrForbidden indicates the requester does not own the row.
	ErrForbidden = models.ErrForbidden
	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("storage: store closed")
)

// KeyRotationEvent records one change of a user's published public key.
type KeyRotationEvent struct {
	ID                int64
	UserID            string
	OldKeyFingerprint string
	NewKeyFingerprint string
	Timestamp         int64
}

// SecurityEventFilter narrows GetSecurityEvents and SummarizeSecurityEvents.
// EventType and EventTypes are merged into one set of accepted types.
type SecurityEventFilter struct {
	EventType      string
	EventTypes     []string
	SubjectUserID  string
	ConversationID string
	Severity       string
	FromTimestamp  *int64
	ToTimestamp    *int64
	Limit          int
	Offset         int
}

// SecurityEventCount is one row of SummarizeSecurityEvents.
type SecurityEventCount struct {
	EventType string
	Severity  string
	Count     int
	LastSeen  int64
}

// UploadRequest describes one media upload.
type UploadRequest struct {
	Filename       string
	ContentType    string
	OwnerID        string
	ConversationID string
	Compress       bool
}

// UploadResult is returned by Upload. IsDuplicate is set when identical bytes
// were already stored and the existing object is re-referenced.
type UploadResult struct {
	URL          string
	ThumbnailURL string
	Checksum     string
	IsDuplicate  bool
}

// MediaObject is the SQLite representation of one content-addressed blob.
type MediaObject struct {
	Checksum       string
	URL            string
	ThumbnailURL   string
	OwnerID        string
	ConversationID string
	Filename       string
	ContentType    string
	Size           int64
	Compressed     bool
	StoredPath     string
	CreatedAt      int64
}

func validateMessageType(messageType string) error {
	switch messageType {
	case models.MessageTypeText, models.MessageTypeImage, models.MessageTypeFile:
		return nil
	default:
		return fmt.Errorf("invalid message type %q", messageType)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case models.SecuritySeverityInfo, models.SecuritySeverityWarning, models.SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

type scanner interface {
	Scan(dest ...any) error
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

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
