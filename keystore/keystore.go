// Package keystore manages the X25519 identity of each local user: the
// private half in local secure storage, the public half in a shared directory.
package keystore

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"chatcore/crypto"
	"chatcore/models"
)

// State is the initialization state of one user's identity.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateEnabled       State = "enabled"
	StateDisabled      State = "disabled"
)

const privateKeyPrefix = "e2e_private_key_"

var (
	// ErrKeyMissing indicates no local private key exists for a user.
	ErrKeyMissing = errors.New("keystore: private key missing")
	// ErrIdentityLost indicates the private key of an enabled user went
	// missing or became unreadable after initialization.
	ErrIdentityLost = errors.New("keystore: local identity lost")
)

// SecureStorage is local, device-scoped key/value storage.
type SecureStorage interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// Directory publishes and looks up users' public keys.
type Directory interface {
	GetPublicKey(ctx context.Context, userID string) (string, bool, error)
	SetPublicKey(ctx context.Context, userID, publicKey string) error
}

// AuditLog records security-relevant transitions.
type AuditLog interface {
	LogSecurityEvent(event models.SecurityEvent) error
}

// Options configures a KeyStore. Audit and Logger are optional.
type Options struct {
	Storage   SecureStorage
	Directory Directory
	Audit     AuditLog
	Logger    zerolog.Logger
}

// Status is the settled result of EnsureInitialized.
type Status struct {
	State       State
	Regenerated bool
	Err         error
}

// Enabled reports whether encryption can be used for the user.
func (s Status) Enabled() bool {
	return s.State == StateEnabled
}

// KeyStore owns one keypair per local user.
type KeyStore struct {
	storage   SecureStorage
	directory Directory
	audit     AuditLog
	log       zerolog.Logger

	group singleflight.Group

	mu      sync.Mutex
	settled map[string]Status
	pending map[string]bool
}

// New validates options and returns a KeyStore.
func New(opts Options) (*KeyStore, error) {
	if opts.Storage == nil {
		return nil, errors.New("secure storage is required")
	}
	if opts.Directory == nil {
		return nil, errors.New("key directory is required")
	}

	return &KeyStore{
		storage:   opts.Storage,
		directory: opts.Directory,
		audit:     opts.Audit,
		log:       opts.Logger.With().Str("component", "keystore").Logger(),
		settled:   make(map[string]Status),
		pending:   make(map[string]bool),
	}, nil
}

// PrivateKeyStorageKey is the secure storage key holding a user's private key.
func PrivateKeyStorageKey(userID string) string {
	return privateKeyPrefix + userID
}

// State returns the current initialization state for userID.
func (k *KeyStore) State(userID string) State {
	k.mu.Lock()
	defer k.mu.Unlock()

	if status, ok := k.settled[userID]; ok {
		return status.State
	}
	if k.pending[userID] {
		return StateInitializing
	}
	return StateUninitialized
}

// EnsureInitialized makes sure userID has a usable identity. It never returns
// an error: any failure settles the user as disabled with Status.Err set.
// Concurrent callers for the same user share one initialization, and a
// settled result is returned as-is to later callers.
func (k *KeyStore) EnsureInitialized(ctx context.Context, userID string) Status {
	if userID == "" {
		return Status{State: StateDisabled, Err: errors.New("user_id is required")}
	}

	k.mu.Lock()
	if status, ok := k.settled[userID]; ok {
		k.mu.Unlock()
		return status
	}
	k.pending[userID] = true
	k.mu.Unlock()

	result, _, _ := k.group.Do(userID, func() (interface{}, error) {
		k.mu.Lock()
		if status, ok := k.settled[userID]; ok {
			k.mu.Unlock()
			return status, nil
		}
		k.mu.Unlock()

		status := k.initialize(ctx, userID)

		k.mu.Lock()
		k.settled[userID] = status
		delete(k.pending, userID)
		k.mu.Unlock()
		return status, nil
	})
	return result.(Status)
}

func (k *KeyStore) initialize(ctx context.Context, userID string) Status {
	log := k.log.With().Str("user_id", userID).Logger()

	if _, found, err := k.PrivateKey(userID); err == nil && found {
		log.Debug().Msg("local identity found")
		return Status{State: StateEnabled}
	} else if err != nil {
		log.Warn().Err(err).Msg("local identity unreadable, regenerating")
	}

	_, remoteExists, err := k.directory.GetPublicKey(ctx, userID)
	if err != nil {
		return k.fail(log, userID, fmt.Errorf("look up published key: %w", err))
	}

	privateKey, err := crypto.GenerateX25519PrivateKey()
	if err != nil {
		return k.fail(log, userID, err)
	}
	if err := k.storage.Set(PrivateKeyStorageKey(userID), crypto.EncodePrivateKeyPEM(privateKey)); err != nil {
		return k.fail(log, userID, fmt.Errorf("persist private key: %w", err))
	}

	publicKey := crypto.EncodePublicKey(privateKey.PublicKey())
	if err := k.directory.SetPublicKey(ctx, userID, publicKey); err != nil {
		return k.fail(log, userID, fmt.Errorf("publish public key: %w", err))
	}

	fingerprint := crypto.EncodedKeyFingerprint(publicKey)
	if remoteExists {
		log.Warn().
			Str("event", models.SecurityEventIdentityRegenerated).
			Str("fingerprint", crypto.FormatFingerprint(fingerprint)).
			Msg("published key exists but local private key is gone; previously encrypted messages are no longer readable")
		k.record(userID, models.SecurityEventIdentityRegenerated, models.SecuritySeverityWarning, map[string]string{
			"new_key_fingerprint": fingerprint,
		})
		return Status{State: StateEnabled, Regenerated: true}
	}

	log.Info().Str("fingerprint", crypto.FormatFingerprint(fingerprint)).Msg("identity created")
	return Status{State: StateEnabled}
}

func (k *KeyStore) fail(log zerolog.Logger, userID string, err error) Status {
	log.Error().Err(err).Str("event", models.SecurityEventKeyInitFailed).Msg("encryption disabled")
	k.record(userID, models.SecurityEventKeyInitFailed, models.SecuritySeverityCritical, map[string]string{
		"error": err.Error(),
	})
	return Status{State: StateDisabled, Err: err}
}

func (k *KeyStore) record(userID, eventType, severity string, details map[string]string) {
	if k.audit == nil {
		return
	}
	raw, err := json.Marshal(details)
	if err != nil {
		raw = []byte("{}")
	}
	subject := userID
	if err := k.audit.LogSecurityEvent(models.SecurityEvent{
		EventType:     eventType,
		SubjectUserID: &subject,
		Details:       string(raw),
		Severity:      severity,
	}); err != nil {
		k.log.Warn().Err(err).Str("event_type", eventType).Msg("write security event")
	}
}

// Verify re-checks that a user settled as enabled still has a readable
// private key. A lost key settles the user as disabled with ErrIdentityLost,
// which is terminal like any other disabled state. Users that are not
// enabled are returned unchanged.
func (k *KeyStore) Verify(userID string) Status {
	k.mu.Lock()
	status, ok := k.settled[userID]
	k.mu.Unlock()
	if !ok || !status.Enabled() {
		return Status{State: k.State(userID), Err: status.Err}
	}

	_, found, err := k.PrivateKey(userID)
	if err == nil && found {
		return status
	}
	if err == nil {
		err = ErrKeyMissing
	}
	lost := Status{State: StateDisabled, Err: fmt.Errorf("%w: %w", ErrIdentityLost, err)}

	k.mu.Lock()
	if current := k.settled[userID]; !current.Enabled() {
		k.mu.Unlock()
		return current
	}
	k.settled[userID] = lost
	k.mu.Unlock()

	k.log.Error().
		Err(err).
		Str("user_id", userID).
		Str("event", models.SecurityEventIdentityLost).
		Msg("private key no longer available, encryption disabled")
	k.record(userID, models.SecurityEventIdentityLost, models.SecuritySeverityCritical, map[string]string{
		"error": err.Error(),
	})
	return lost
}

// PrivateKey loads the user's private key from local secure storage.
func (k *KeyStore) PrivateKey(userID string) (*ecdh.PrivateKey, bool, error) {
	encoded, found, err := k.storage.Get(PrivateKeyStorageKey(userID))
	if err != nil {
		return nil, false, fmt.Errorf("read private key for user %q: %w", userID, err)
	}
	if !found {
		return nil, false, nil
	}

	key, err := crypto.DecodePrivateKeyPEM(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("decode private key for user %q: %w", userID, err)
	}
	return key, true, nil
}

// PublicKey looks up a user's published public key.
func (k *KeyStore) PublicKey(ctx context.Context, userID string) (*ecdh.PublicKey, bool, error) {
	encoded, found, err := k.directory.GetPublicKey(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("get public key for user %q: %w", userID, err)
	}
	if !found {
		return nil, false, nil
	}

	key, err := crypto.DecodePublicKey(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("decode public key for user %q: %w", userID, err)
	}
	return key, true, nil
}
