package models

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates a degraded security posture.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

const (
	SecurityEventEncryptionFallback  = "encryption_fallback"
	SecurityEventIdentityRegenerated = "identity_regenerated"
	SecurityEventDecryptionFailed    = "decryption_failed"
	SecurityEventKeyInitFailed       = "key_init_failed"
	SecurityEventIdentityLost        = "identity_lost"
)

// SecurityEvent is one audit record for a security-relevant transition.
// ConversationID is empty for events not tied to a conversation.
type SecurityEvent struct {
	ID             int64
	EventType      string
	SubjectUserID  *string
	ConversationID string
	Details        string
	Severity       string
	Timestamp      int64
}
