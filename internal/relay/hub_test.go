package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bizur-im/bizur/internal/models"
)

// memStore is an in-memory RelayStore for hub and auth tests.
type memStore struct {
	mu         sync.Mutex
	bundles    map[string][]byte
	pushTokens map[string]string
	apiKeys    map[string]string
	seen       map[string]bool
	queues     map[string][]models.QueueEntry
}

func newMemStore() *memStore {
	return &memStore{
		bundles:    make(map[string][]byte),
		pushTokens: make(map[string]string),
		apiKeys:    make(map[string]string),
		seen:       make(map[string]bool),
		queues:     make(map[string][]models.QueueEntry),
	}
}

func (m *memStore) UpsertKeyBundle(_ context.Context, identity string, bundle []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[identity] = bundle
	return nil
}

func (m *memStore) GetKeyBundle(_ context.Context, identity string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bundles[identity], nil
}

func (m *memStore) HasKeyBundle(_ context.Context, identity string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bundles[identity]
	return ok, nil
}

func (m *memStore) UpsertPushToken(_ context.Context, identity, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushTokens[identity] = token
	return nil
}

func (m *memStore) GetPushToken(_ context.Context, identity string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushTokens[identity], nil
}

func (m *memStore) UpsertAPIKey(_ context.Context, identity, apiKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeys[identity] = apiKey
	return nil
}

func (m *memStore) GetAPIKey(_ context.Context, identity string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apiKeys[identity], nil
}

func (m *memStore) MarkSeen(_ context.Context, recipient, msgID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recipient + "/" + msgID
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

func (m *memStore) PruneSeen(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (m *memStore) Enqueue(_ context.Context, entry *models.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.queues[entry.Recipient] {
		if e.MsgID == entry.MsgID {
			return nil
		}
	}
	m.queues[entry.Recipient] = append(m.queues[entry.Recipient], *entry)
	return nil
}

func (m *memStore) PeekQueue(_ context.Context, recipient string) ([]models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.QueueEntry{}, m.queues[recipient]...), nil
}

func (m *memStore) DeleteQueued(_ context.Context, recipient, msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[recipient]
	for i, e := range q {
		if e.MsgID == msgID {
			m.queues[recipient] = append(q[:i], q[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memStore) PruneQueue(_ context.Context, recipient string, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[recipient]
	if len(q) <= keep {
		return 0, nil
	}
	dropped := int64(len(q) - keep)
	m.queues[recipient] = append([]models.QueueEntry{}, q[len(q)-keep:]...)
	return dropped, nil
}

func (m *memStore) queueLen(recipient string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[recipient])
}

func (m *memStore) Ping(_ context.Context) error { return nil }
func (m *memStore) Close()                       {}

// fakeSender records delivered envelopes; failErr makes Deliver fail.
type fakeSender struct {
	mu        sync.Mutex
	delivered []*models.Envelope
	failErr   error
}

func (f *fakeSender) Deliver(env *models.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.delivered = append(f.delivered, env)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

// fakeNotifier counts wake pushes.
type fakeNotifier struct {
	mu    sync.Mutex
	wakes []string
}

func (f *fakeNotifier) Wake(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakes = append(f.wakes, token)
	return nil
}

func newTestHub(st *memStore, queueCap int) (*Hub, *fakeNotifier) {
	notifier := &fakeNotifier{}
	return NewHub(st, notifier, queueCap, zerolog.Nop()), notifier
}

func routedEnvelope(to, msgID string) *models.Envelope {
	return &models.Envelope{
		Type:    models.TypeCiphertext,
		From:    "SSSS-SSSS",
		To:      to,
		MsgID:   msgID,
		Payload: json.RawMessage(`{"blob":{}}`),
	}
}

func TestRouteDeliversLive(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	hub, _ := newTestHub(st, 200)
	conn := &fakeSender{}
	hub.Register("AAAA-BBBB", conn)

	if err := hub.Route(ctx, routedEnvelope("AAAA-BBBB", "m1")); err != nil {
		t.Fatal(err)
	}
	if conn.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", conn.count())
	}
	if st.queueLen("AAAA-BBBB") != 0 {
		t.Fatal("live delivery should not queue")
	}
}

func TestRouteDuplicateDroppedSilently(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	hub, _ := newTestHub(st, 200)
	conn := &fakeSender{}
	hub.Register("AAAA-BBBB", conn)

	for i := 0; i < 2; i++ {
		if err := hub.Route(ctx, routedEnvelope("AAAA-BBBB", "m1")); err != nil {
			t.Fatal(err)
		}
	}
	if conn.count() != 1 {
		t.Fatalf("duplicate should be dropped, got %d deliveries", conn.count())
	}
}

func TestRouteQueuesWhenOffline(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	hub, notifier := newTestHub(st, 200)
	if err := st.UpsertPushToken(ctx, "AAAA-BBBB", "push-token"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := hub.Route(ctx, routedEnvelope("AAAA-BBBB", fmt.Sprintf("m%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	if st.queueLen("AAAA-BBBB") != 3 {
		t.Fatalf("expected 3 queued, got %d", st.queueLen("AAAA-BBBB"))
	}

	notifier.mu.Lock()
	wakes := len(notifier.wakes)
	notifier.mu.Unlock()
	if wakes != 3 {
		t.Fatalf("expected 3 wake pushes, got %d", wakes)
	}

	// Drain streams the originals in order, then queueEnd.
	var got []*models.Envelope
	err := hub.Drain(ctx, "AAAA-BBBB", func(env *models.Envelope) error {
		got = append(got, env)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 3 queued frames + queueEnd, got %d", len(got))
	}
	for i := 0; i < 3; i++ {
		if got[i].Type != models.TypeQueued {
			t.Fatalf("frame %d: expected queued, got %s", i, got[i].Type)
		}
		var inner models.Envelope
		if err := json.Unmarshal(got[i].Payload, &inner); err != nil {
			t.Fatal(err)
		}
		if inner.MsgID != fmt.Sprintf("m%d", i) {
			t.Fatalf("frame %d out of order: %s", i, inner.MsgID)
		}
	}
	if got[3].Type != models.TypeQueueEnd {
		t.Fatalf("expected queueEnd, got %s", got[3].Type)
	}

	// A second drain finds nothing but still terminates.
	got = nil
	if err := hub.Drain(ctx, "AAAA-BBBB", func(env *models.Envelope) error {
		got = append(got, env)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Type != models.TypeQueueEnd {
		t.Fatalf("expected lone queueEnd, got %d frames", len(got))
	}
}

func TestDrainKeepsRemainderOnSendFailure(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	hub, _ := newTestHub(st, 200)

	for i := 0; i < 3; i++ {
		if err := hub.Route(ctx, routedEnvelope("AAAA-BBBB", fmt.Sprintf("m%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	// The connection dies while writing the second frame. Only the entry
	// already handed to the write path may be deleted.
	sent := 0
	err := hub.Drain(ctx, "AAAA-BBBB", func(env *models.Envelope) error {
		sent++
		if sent == 2 {
			return errors.New("connection closed")
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected drain to surface the send failure")
	}
	if st.queueLen("AAAA-BBBB") != 2 {
		t.Fatalf("expected 2 entries kept for redelivery, got %d", st.queueLen("AAAA-BBBB"))
	}

	// The next pull delivers the remainder in order.
	var got []*models.Envelope
	if err := hub.Drain(ctx, "AAAA-BBBB", func(env *models.Envelope) error {
		got = append(got, env)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 2 queued frames + queueEnd, got %d", len(got))
	}
	for i, want := range []string{"m1", "m2"} {
		var inner models.Envelope
		if err := json.Unmarshal(got[i].Payload, &inner); err != nil {
			t.Fatal(err)
		}
		if inner.MsgID != want {
			t.Fatalf("frame %d: expected %s, got %s", i, want, inner.MsgID)
		}
	}
}

func TestQueueCapDropsOldest(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	hub, _ := newTestHub(st, 2)

	for i := 0; i < 5; i++ {
		if err := hub.Route(ctx, routedEnvelope("AAAA-BBBB", fmt.Sprintf("m%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	if st.queueLen("AAAA-BBBB") != 2 {
		t.Fatalf("expected queue capped at 2, got %d", st.queueLen("AAAA-BBBB"))
	}

	var msgIDs []string
	err := hub.Drain(ctx, "AAAA-BBBB", func(env *models.Envelope) error {
		if env.Type != models.TypeQueued {
			return nil
		}
		var inner models.Envelope
		if err := json.Unmarshal(env.Payload, &inner); err != nil {
			return err
		}
		msgIDs = append(msgIDs, inner.MsgID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgIDs) != 2 || msgIDs[0] != "m3" || msgIDs[1] != "m4" {
		t.Fatalf("expected newest entries kept, got %v", msgIDs)
	}
}

func TestRouteFallsBackToQueueOnDeliverFailure(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	hub, _ := newTestHub(st, 200)
	hub.Register("AAAA-BBBB", &fakeSender{failErr: errors.New("write failed")})

	if err := hub.Route(ctx, routedEnvelope("AAAA-BBBB", "m1")); err != nil {
		t.Fatal(err)
	}
	if st.queueLen("AAAA-BBBB") != 1 {
		t.Fatal("failed live delivery should queue")
	}
}

func TestRouteRequiresRecipientAndMsgID(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	hub, _ := newTestHub(st, 200)

	env := routedEnvelope("", "m1")
	if err := hub.Route(ctx, env); err == nil {
		t.Fatal("expected error for missing recipient")
	}
	env = routedEnvelope("AAAA-BBBB", "")
	if err := hub.Route(ctx, env); err == nil {
		t.Fatal("expected error for missing msg id")
	}
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	hub, _ := newTestHub(st, 200)

	found, err := hub.Lookup(ctx, "AAAA-BBBB")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("unknown peer should not be found")
	}

	// A published bundle makes the peer known, lowercase input included.
	if err := st.UpsertKeyBundle(ctx, "AAAA-BBBB", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	found, err = hub.Lookup(ctx, "aaaa-bbbb")
	if err != nil || !found {
		t.Fatalf("expected found after publish, got %v err=%v", found, err)
	}

	// So does a live connection without any bundle.
	hub.Register("CCCC-DDDD", &fakeSender{})
	found, err = hub.Lookup(ctx, "CCCC-DDDD")
	if err != nil || !found {
		t.Fatalf("expected found for connected peer, got %v err=%v", found, err)
	}
}

func TestRegisterDisplacesAndUnregisterChecksOwnership(t *testing.T) {
	st := newMemStore()
	hub, _ := newTestHub(st, 200)

	first := &fakeSender{}
	second := &fakeSender{}
	hub.Register("AAAA-BBBB", first)
	hub.Register("AAAA-BBBB", second)

	// The displaced connection's unregister must not evict the newcomer.
	hub.Unregister("AAAA-BBBB", first)
	if !hub.Connected("AAAA-BBBB") {
		t.Fatal("displaced connection unregister evicted the new owner")
	}

	hub.Unregister("AAAA-BBBB", second)
	if hub.Connected("AAAA-BBBB") {
		t.Fatal("owner unregister should disconnect")
	}
}
