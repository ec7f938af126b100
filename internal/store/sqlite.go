package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/bizur-im/bizur/internal/models"
)

// SQLiteStore is the default single-node relay store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the relay database.
// If dbPath is empty, defaults to "./data/bizur.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/bizur.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS key_bundles (
		identity TEXT PRIMARY KEY,
		bundle TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS push_tokens (
		identity TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		identity TEXT PRIMARY KEY,
		api_key TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS seen_messages (
		recipient TEXT NOT NULL,
		msg_id TEXT NOT NULL,
		seen_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (recipient, msg_id)
	);

	CREATE TABLE IF NOT EXISTS queue (
		id TEXT PRIMARY KEY,
		recipient TEXT NOT NULL,
		msg_id TEXT NOT NULL,
		envelope TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (recipient, msg_id)
	);

	CREATE INDEX IF NOT EXISTS idx_queue_recipient ON queue(recipient, id);
	CREATE INDEX IF NOT EXISTS idx_seen_at ON seen_messages(seen_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertKeyBundle publishes or replaces an identity's key bundle.
func (s *SQLiteStore) UpsertKeyBundle(ctx context.Context, identity string, bundle []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_bundles (identity, bundle, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (identity) DO UPDATE SET bundle = excluded.bundle, updated_at = CURRENT_TIMESTAMP
	`, identity, string(bundle))
	return err
}

// GetKeyBundle retrieves a published bundle, nil if absent.
func (s *SQLiteStore) GetKeyBundle(ctx context.Context, identity string) ([]byte, error) {
	var bundle string
	err := s.db.QueryRowContext(ctx, `
		SELECT bundle FROM key_bundles WHERE identity = ?
	`, identity).Scan(&bundle)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return []byte(bundle), nil
}

// HasKeyBundle reports whether an identity has published a bundle.
func (s *SQLiteStore) HasKeyBundle(ctx context.Context, identity string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM key_bundles WHERE identity = ?
	`, identity).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UpsertPushToken stores an identity's wake-up push token.
func (s *SQLiteStore) UpsertPushToken(ctx context.Context, identity, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_tokens (identity, token, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (identity) DO UPDATE SET token = excluded.token, updated_at = CURRENT_TIMESTAMP
	`, identity, token)
	return err
}

// GetPushToken retrieves an identity's push token, empty if absent.
func (s *SQLiteStore) GetPushToken(ctx context.Context, identity string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `
		SELECT token FROM push_tokens WHERE identity = ?
	`, identity).Scan(&token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return token, nil
}

// UpsertAPIKey stores the HMAC auth key issued to an identity.
func (s *SQLiteStore) UpsertAPIKey(ctx context.Context, identity, apiKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (identity, api_key)
		VALUES (?, ?)
		ON CONFLICT (identity) DO UPDATE SET api_key = excluded.api_key
	`, identity, apiKey)
	return err
}

// GetAPIKey retrieves an identity's auth key, empty if absent.
func (s *SQLiteStore) GetAPIKey(ctx context.Context, identity string) (string, error) {
	var apiKey string
	err := s.db.QueryRowContext(ctx, `
		SELECT api_key FROM api_keys WHERE identity = ?
	`, identity).Scan(&apiKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return apiKey, nil
}

// MarkSeen records (recipient, msgID) in the replay guard. Returns false
// when the pair was already present.
func (s *SQLiteStore) MarkSeen(ctx context.Context, recipient, msgID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO seen_messages (recipient, msg_id) VALUES (?, ?)
	`, recipient, msgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PruneSeen removes replay-guard records older than the cutoff.
func (s *SQLiteStore) PruneSeen(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM seen_messages WHERE seen_at < ?
	`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Enqueue stores a message for an offline recipient. Idempotent per
// (recipient, msgID); entry IDs are ULIDs so id order is insertion order.
func (s *SQLiteStore) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue (id, recipient, msg_id, envelope, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (recipient, msg_id) DO NOTHING
	`, entry.ID, entry.Recipient, entry.MsgID, string(entry.Envelope), entry.CreatedAt)
	return err
}

// PeekQueue returns all queued entries for a recipient in insertion
// order without removing them.
func (s *SQLiteStore) PeekQueue(ctx context.Context, recipient string) ([]models.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient, msg_id, envelope, created_at
		FROM queue WHERE recipient = ? ORDER BY id ASC
	`, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		var e models.QueueEntry
		var envelope string
		if err := rows.Scan(&e.ID, &e.Recipient, &e.MsgID, &envelope, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Envelope = []byte(envelope)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteQueued removes one queued entry after it has been sent.
func (s *SQLiteStore) DeleteQueued(ctx context.Context, recipient, msgID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM queue WHERE recipient = ? AND msg_id = ?
	`, recipient, msgID)
	return err
}

// PruneQueue drops the oldest entries for a recipient past keep.
func (s *SQLiteStore) PruneQueue(ctx context.Context, recipient string, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue WHERE recipient = ? AND id NOT IN (
			SELECT id FROM queue WHERE recipient = ? ORDER BY id DESC LIMIT ?
		)
	`, recipient, recipient, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
