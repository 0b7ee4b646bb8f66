package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "chat.db"
	// DefaultMediaDirName holds content-addressed media blobs next to the database.
	DefaultMediaDirName = "media"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS profiles (
  user_id         TEXT PRIMARY KEY,
  public_key      TEXT NOT NULL,
  key_fingerprint TEXT NOT NULL,
  updated_at      INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  id                  TEXT PRIMARY KEY,
  conversation_id     TEXT NOT NULL,
  sender_id           TEXT NOT NULL,
  content             TEXT NOT NULL,
  message_type        TEXT CHECK(message_type IN ('text','image','file')) DEFAULT 'text',
  created_at          INTEGER NOT NULL,
  media_url           TEXT NOT NULL DEFAULT '',
  media_thumbnail_url TEXT NOT NULL DEFAULT '',
  forwarded_from      TEXT NOT NULL DEFAULT '',
  original_message_id TEXT NOT NULL DEFAULT '',
  is_encrypted        INTEGER NOT NULL DEFAULT 0,
  encrypted_key       TEXT NOT NULL DEFAULT '',
  encrypted_iv        TEXT NOT NULL DEFAULT '',
  CHECK (is_encrypted = 0 OR (encrypted_key <> '' AND encrypted_iv <> ''))
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
ON messages (conversation_id, created_at DESC, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS media_objects (
  checksum        TEXT PRIMARY KEY,
  url             TEXT NOT NULL,
  thumbnail_url   TEXT NOT NULL DEFAULT '',
  owner_id        TEXT NOT NULL,
  conversation_id TEXT NOT NULL,
  filename        TEXT NOT NULL,
  content_type    TEXT NOT NULL DEFAULT '',
  size            INTEGER NOT NULL,
  compressed      INTEGER NOT NULL DEFAULT 0,
  stored_path     TEXT NOT NULL,
  created_at      INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS conversation_cache (
  conversation_id TEXT PRIMARY KEY,
  payload         TEXT NOT NULL,
  updated_at      INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS key_rotation_events (
  id                  INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id             TEXT NOT NULL REFERENCES profiles(user_id) ON DELETE CASCADE,
  old_key_fingerprint TEXT NOT NULL,
  new_key_fingerprint TEXT NOT NULL,
  timestamp           INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_key_rotation_events_user_time
ON key_rotation_events (user_id, timestamp DESC, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type      TEXT NOT NULL,
  subject_user_id TEXT,
  conversation_id TEXT,
  details         TEXT NOT NULL,
  severity        TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp       INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_type
ON security_events (event_type, timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_subject
ON security_events (subject_user_id, timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_conversation
ON security_events (conversation_id, timestamp DESC, id DESC);
`,
}

// Store is the SQLite-backed message, identity, media, and cache store.
type Store struct {
	db       *sql.DB
	mediaDir string
	hub      *hub

	clockMu       sync.Mutex
	lastTimestamp int64

	walCheckpointInterval  time.Duration
	walCheckpointStop      chan struct{}
	walCheckpointWG        sync.WaitGroup
	securityEventRetention time.Duration
	closeOnce              sync.Once
}

// Open opens (or creates) chat.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
// Media blobs are kept in a sibling "media" directory.
func OpenPath(dbPath string) (*Store, error) {
	mediaDir := filepath.Join(filepath.Dir(dbPath), DefaultMediaDirName)
	if err := os.MkdirAll(mediaDir, 0o700); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                     db,
		mediaDir:               mediaDir,
		hub:                    newHub(),
		walCheckpointInterval:  DefaultWALCheckpointInterval,
		walCheckpointStop:      make(chan struct{}),
		securityEventRetention: DefaultSecurityEventRetention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close drops realtime subscribers and closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		s.hub.closeAll()
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}

// nextTimestamp returns a strictly increasing server timestamp in unix millis.
func (s *Store) nextTimestamp() int64 {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	now := nowUnixMilli()
	if now <= s.lastTimestamp {
		now = s.lastTimestamp + 1
	}
	s.lastTimestamp = now
	return now
}
