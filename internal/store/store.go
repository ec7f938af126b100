package store

import (
	"context"
	"time"

	"github.com/bizur-im/bizur/internal/models"
)

// RelayStore is the persistence surface the relay server needs. Both the
// SQLite and PostgreSQL implementations satisfy it; the relay treats the
// store's transaction semantics as the only guard over shared state.
type RelayStore interface {
	// Key-bundle directory.
	UpsertKeyBundle(ctx context.Context, identity string, bundle []byte) error
	GetKeyBundle(ctx context.Context, identity string) ([]byte, error) // nil, nil when absent
	HasKeyBundle(ctx context.Context, identity string) (bool, error)

	// Push-token registry.
	UpsertPushToken(ctx context.Context, identity, token string) error
	GetPushToken(ctx context.Context, identity string) (string, error) // "", nil when absent

	// Per-identity API keys for HMAC connection auth.
	UpsertAPIKey(ctx context.Context, identity, apiKey string) error
	GetAPIKey(ctx context.Context, identity string) (string, error) // "", nil when absent

	// Replay guard. MarkSeen returns false when (recipient, msgID) was
	// already recorded.
	MarkSeen(ctx context.Context, recipient, msgID string) (bool, error)
	PruneSeen(ctx context.Context, olderThan time.Time) (int64, error)

	// Offline queue. Enqueue is idempotent per (recipient, msgID);
	// PeekQueue returns entries in insertion order without removing them,
	// DeleteQueued removes one entry once it has been handed to the write
	// path, so a disconnect mid-drain keeps the remainder queued;
	// PruneQueue drops the oldest entries past keep.
	Enqueue(ctx context.Context, entry *models.QueueEntry) error
	PeekQueue(ctx context.Context, recipient string) ([]models.QueueEntry, error)
	DeleteQueued(ctx context.Context, recipient, msgID string) error
	PruneQueue(ctx context.Context, recipient string, keep int) (int64, error)

	Ping(ctx context.Context) error
	Close()
}
