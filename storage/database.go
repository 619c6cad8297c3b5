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
	// DefaultDBFileName is the SQLite filename under the profile data dir.
	DefaultDBFileName = "meshchat.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSelfLabel is the sender label of locally authored messages.
	DefaultSelfLabel = "Me"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  id                    INTEGER PRIMARY KEY AUTOINCREMENT,
  uid                   TEXT NOT NULL,
  kind                  TEXT NOT NULL CHECK(kind IN ('direct','relay','broadcast')),
  sender_label          TEXT NOT NULL,
  sender_ref            TEXT NOT NULL DEFAULT '',
  true_originator_label TEXT,
  true_originator_ref   TEXT,
  text                  TEXT NOT NULL,
  payload_time          INTEGER NOT NULL DEFAULT 0,
  received_at           INTEGER NOT NULL,
  channel_index         INTEGER,
  recipient_label       TEXT,
  recipient_ref         TEXT,
  signal_quality        REAL,
  hop_count             INTEGER,
  text_subtype          INTEGER NOT NULL DEFAULT 0,
  relay_signature_ref   TEXT NOT NULL DEFAULT '',
  conversation_key      TEXT NOT NULL,
  outgoing              INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE TABLE IF NOT EXISTS peers (
  identity_key   TEXT PRIMARY KEY,
  name           TEXT NOT NULL,
  broadcast_name TEXT NOT NULL DEFAULT '',
  role           INTEGER NOT NULL DEFAULT 0,
  is_self        INTEGER NOT NULL DEFAULT 0,
  first_seen     INTEGER NOT NULL,
  last_seen      INTEGER NOT NULL,
  attributes     BLOB
);
`,
	`
CREATE TABLE IF NOT EXISTS read_markers (
  conversation_key TEXT PRIMARY KEY,
  last_read_at     INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_sender_label
ON messages (sender_label);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_received_at
ON messages (received_at DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_kind
ON messages (kind);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_channel_index
ON messages (channel_index);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_conversation_received
ON messages (conversation_key, received_at);
`,
	`
CREATE INDEX IF NOT EXISTS idx_peers_name
ON peers (name);
`,
}

// Store is a thin wrapper around a SQLite connection.
//
// Writes are serialized by writeMu so that interleaved handlers and actions
// never race on the single-writer engine.
type Store struct {
	db *sql.DB

	selfLabel string

	writeMu sync.Mutex

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

// Option customizes a Store at open time.
type Option func(*Store)

// WithSelfLabel sets the sender label that marks locally authored messages.
func WithSelfLabel(label string) Option {
	return func(s *Store) {
		if strings.TrimSpace(label) != "" {
			s.selfLabel = label
		}
	}
}

// WithWALCheckpointInterval overrides the periodic checkpoint interval; <= 0 disables it.
func WithWALCheckpointInterval(interval time.Duration) Option {
	return func(s *Store) {
		s.walCheckpointInterval = interval
	}
}

// Open opens (or creates) meshchat.db under the given data directory and runs migrations.
func Open(dataDir string, opts ...Option) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts...)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		selfLabel:             DefaultSelfLabel,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(store)
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

// SelfLabel returns the sender label used for locally authored messages.
func (s *Store) SelfLabel() string {
	return s.selfLabel
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
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
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

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
