package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/bizur-im/bizur/internal/models"
)

// PostgresStore backs the relay with a managed PostgreSQL database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL store with a connection pool and
// ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS key_bundles (
		identity TEXT PRIMARY KEY,
		bundle TEXT NOT NULL,
		updated_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS push_tokens (
		identity TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		updated_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		identity TEXT PRIMARY KEY,
		api_key TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS seen_messages (
		recipient TEXT NOT NULL,
		msg_id TEXT NOT NULL,
		seen_at TIMESTAMPTZ DEFAULT NOW(),
		PRIMARY KEY (recipient, msg_id)
	);

	CREATE TABLE IF NOT EXISTS queue (
		id TEXT PRIMARY KEY,
		recipient TEXT NOT NULL,
		msg_id TEXT NOT NULL,
		envelope TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		UNIQUE (recipient, msg_id)
	);

	CREATE INDEX IF NOT EXISTS idx_queue_recipient ON queue(recipient, id);
	CREATE INDEX IF NOT EXISTS idx_seen_at ON seen_messages(seen_at);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UpsertKeyBundle publishes or replaces an identity's key bundle.
func (s *PostgresStore) UpsertKeyBundle(ctx context.Context, identity string, bundle []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO key_bundles (identity, bundle, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (identity) DO UPDATE SET bundle = EXCLUDED.bundle, updated_at = NOW()
	`, identity, string(bundle))
	return err
}

// GetKeyBundle retrieves a published bundle, nil if absent.
func (s *PostgresStore) GetKeyBundle(ctx context.Context, identity string) ([]byte, error) {
	var bundle string
	err := s.pool.QueryRow(ctx, `
		SELECT bundle FROM key_bundles WHERE identity = $1
	`, identity).Scan(&bundle)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return []byte(bundle), nil
}

// HasKeyBundle reports whether an identity has published a bundle.
func (s *PostgresStore) HasKeyBundle(ctx context.Context, identity string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `
		SELECT 1 FROM key_bundles WHERE identity = $1
	`, identity).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UpsertPushToken stores an identity's wake-up push token.
func (s *PostgresStore) UpsertPushToken(ctx context.Context, identity, token string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO push_tokens (identity, token, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (identity) DO UPDATE SET token = EXCLUDED.token, updated_at = NOW()
	`, identity, token)
	return err
}

// GetPushToken retrieves an identity's push token, empty if absent.
func (s *PostgresStore) GetPushToken(ctx context.Context, identity string) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx, `
		SELECT token FROM push_tokens WHERE identity = $1
	`, identity).Scan(&token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return token, nil
}

// UpsertAPIKey stores the HMAC auth key issued to an identity.
func (s *PostgresStore) UpsertAPIKey(ctx context.Context, identity, apiKey string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (identity, api_key)
		VALUES ($1, $2)
		ON CONFLICT (identity) DO UPDATE SET api_key = EXCLUDED.api_key
	`, identity, apiKey)
	return err
}

// GetAPIKey retrieves an identity's auth key, empty if absent.
func (s *PostgresStore) GetAPIKey(ctx context.Context, identity string) (string, error) {
	var apiKey string
	err := s.pool.QueryRow(ctx, `
		SELECT api_key FROM api_keys WHERE identity = $1
	`, identity).Scan(&apiKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return apiKey, nil
}

// MarkSeen records (recipient, msgID) in the replay guard. Returns false
// when the pair was already present.
func (s *PostgresStore) MarkSeen(ctx context.Context, recipient, msgID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO seen_messages (recipient, msg_id) VALUES ($1, $2)
		ON CONFLICT (recipient, msg_id) DO NOTHING
	`, recipient, msgID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// PruneSeen removes replay-guard records older than the cutoff.
func (s *PostgresStore) PruneSeen(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM seen_messages WHERE seen_at < $1
	`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Enqueue stores a message for an offline recipient. Idempotent per
// (recipient, msgID); entry IDs are ULIDs so id order is insertion order.
func (s *PostgresStore) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue (id, recipient, msg_id, envelope, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (recipient, msg_id) DO NOTHING
	`, entry.ID, entry.Recipient, entry.MsgID, string(entry.Envelope), entry.CreatedAt)
	return err
}

// PeekQueue returns all queued entries for a recipient in insertion
// order without removing them.
func (s *PostgresStore) PeekQueue(ctx context.Context, recipient string) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, recipient, msg_id, envelope, created_at
		FROM queue WHERE recipient = $1 ORDER BY id ASC
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
func (s *PostgresStore) DeleteQueued(ctx context.Context, recipient, msgID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM queue WHERE recipient = $1 AND msg_id = $2
	`, recipient, msgID)
	return err
}

// PruneQueue drops the oldest entries for a recipient past keep.
func (s *PostgresStore) PruneQueue(ctx context.Context, recipient string, keep int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM queue WHERE recipient = $1 AND id NOT IN (
			SELECT id FROM queue WHERE recipient = $1 ORDER BY id DESC LIMIT $2
		)
	`, recipient, keep)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
