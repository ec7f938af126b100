// Package relay implements the store-and-forward hub: connection auth,
// live routing, offline queuing with a per-recipient cap, replay
// protection, peer lookup, and queue draining.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bizur-im/bizur/internal/metrics"
	"github.com/bizur-im/bizur/internal/models"
	"github.com/bizur-im/bizur/internal/push"
	"github.com/bizur-im/bizur/internal/store"
)

const (
	// seenRetention bounds replay-guard storage.
	seenRetention = 7 * 24 * time.Hour
	// pruneInterval is how often stale seen records are pruned.
	pruneInterval = time.Hour
)

var errMissingRouting = errors.New("routed frame requires to and msgId")

// sender delivers a server frame to one live connection.
type sender interface {
	Deliver(env *models.Envelope) error
}

// Hub owns the identity -> live connection map. It is the single ownership
// point for that map; every other shared structure lives behind the store.
type Hub struct {
	store    store.RelayStore
	notifier push.Notifier
	logger   zerolog.Logger
	queueCap int

	mu    sync.Mutex
	conns map[string]sender
}

// NewHub creates a hub backed by the given store.
func NewHub(st store.RelayStore, notifier push.Notifier, queueCap int, logger zerolog.Logger) *Hub {
	return &Hub{
		store:    st,
		notifier: notifier,
		logger:   logger,
		queueCap: queueCap,
		conns:    make(map[string]sender),
	}
}

// Register takes ownership of the live connection for identity. A previous
// connection for the same identity is displaced.
func (h *Hub) Register(identity string, s sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[identity]; ok {
		h.logger.Info().Str("identity", identity).Msg("displacing previous connection")
	}
	h.conns[identity] = s
}

// Unregister releases the connection slot if s still owns it.
func (h *Hub) Unregister(identity string, s sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[identity] == s {
		delete(h.conns, identity)
	}
}

// Connected reports whether identity has a live registered connection.
func (h *Hub) Connected(identity string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[identity]
	return ok
}

func (h *Hub) live(identity string) (sender, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.conns[identity]
	return s, ok
}

// Route handles one routed envelope: replay guard first, then live
// forward or queue-and-push. Duplicates are silently dropped.
func (h *Hub) Route(ctx context.Context, env *models.Envelope) error {
	to := models.NormalizePeerCode(env.To)
	if !models.ValidIdentity(to) || env.MsgID == "" {
		return errMissingRouting
	}
	metrics.FramesRouted.WithLabelValues(env.Type).Inc()

	fresh, err := h.store.MarkSeen(ctx, to, env.MsgID)
	if err != nil {
		return err
	}
	if !fresh {
		metrics.DuplicatesDropped.Inc()
		h.logger.Debug().Str("to", to).Str("msg_id", env.MsgID).Msg("duplicate dropped")
		return nil
	}

	if conn, ok := h.live(to); ok {
		if err := conn.Deliver(env); err == nil {
			metrics.MessagesForwarded.Inc()
			return nil
		}
		// Fall through to queue when the live path fails mid-write.
	}

	return h.enqueue(ctx, to, env)
}

func (h *Hub) enqueue(ctx context.Context, to string, env *models.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	entry := &models.QueueEntry{Recipient: to, MsgID: env.MsgID, Envelope: raw}
	if err := h.store.Enqueue(ctx, entry); err != nil {
		return err
	}
	metrics.MessagesQueued.Inc()

	if dropped, err := h.store.PruneQueue(ctx, to, h.queueCap); err != nil {
		h.logger.Error().Err(err).Str("recipient", to).Msg("queue prune failed")
	} else if dropped > 0 {
		h.logger.Warn().Str("recipient", to).Int64("dropped", dropped).Msg("queue cap exceeded, oldest entries dropped")
	}

	h.wake(ctx, to)
	return nil
}

// wake triggers a best-effort, content-free push for a queued recipient.
func (h *Hub) wake(ctx context.Context, identity string) {
	token, err := h.store.GetPushToken(ctx, identity)
	if err != nil || token == "" {
		return
	}
	if err := h.notifier.Wake(ctx, token); err != nil {
		h.logger.Warn().Err(err).Str("identity", identity).Msg("wake push failed")
		return
	}
	metrics.PushWakeups.Inc()
}

// Drain streams every queued entry for identity to send in insertion
// order, then the queueEnd marker. Each entry is deleted only after its
// frame is handed to the write path; a disconnect mid-drain leaves the
// remainder queued for the next pull.
func (h *Hub) Drain(ctx context.Context, identity string, send func(*models.Envelope) error) error {
	recipient := models.NormalizePeerCode(identity)
	entries, err := h.store.PeekQueue(ctx, recipient)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := send(&models.Envelope{Type: models.TypeQueued, Payload: entry.Envelope}); err != nil {
			return err
		}
		if err := h.store.DeleteQueued(ctx, recipient, entry.MsgID); err != nil {
			// The entry was sent; a redelivery on the next pull beats
			// losing it.
			h.logger.Error().Err(err).Str("recipient", recipient).Str("msg_id", entry.MsgID).Msg("queued entry delete failed")
		}
		metrics.QueueEntriesDrained.Inc()
	}
	return send(&models.Envelope{Type: models.TypeQueueEnd})
}

// Lookup reports whether a peer code is known: it has a published key
// bundle or a live connection. The answer never reveals which.
func (h *Hub) Lookup(ctx context.Context, target string) (bool, error) {
	target = models.NormalizePeerCode(target)
	if h.Connected(target) {
		return true, nil
	}
	return h.store.HasKeyBundle(ctx, target)
}

// RunMaintenance prunes stale replay-guard records until ctx is done.
func (h *Hub) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := h.store.PruneSeen(ctx, time.Now().Add(-seenRetention))
			if err != nil {
				h.logger.Error().Err(err).Msg("seen prune failed")
				continue
			}
			if n > 0 {
				h.logger.Info().Int64("pruned", n).Msg("pruned stale seen records")
			}
		}
	}
}
