package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/bizur-im/bizur/internal/crypto"
	"github.com/bizur-im/bizur/internal/models"
	"github.com/bizur-im/bizur/internal/session"
)

// fakeSignaler records envelopes instead of sending them to a relay.
type fakeSignaler struct {
	mu   sync.Mutex
	sent []*models.Envelope
}

func (f *fakeSignaler) Send(_ context.Context, env *models.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSignaler) byType(frameType string) []*models.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Envelope
	for _, env := range f.sent {
		if env.Type == frameType {
			out = append(out, env)
		}
	}
	return out
}

// bundleMap is an in-memory bundle directory.
type bundleMap map[string]*models.KeyBundle

func (m bundleMap) Bundle(_ context.Context, peer string) (*models.KeyBundle, error) {
	return m[peer], nil
}

// received collects decrypted inbound payloads.
type received struct {
	mu    sync.Mutex
	peers []string
	mimes []string
	data  [][]byte
}

func (r *received) add(peer, mime string, plaintext []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = append(r.peers, peer)
	r.mimes = append(r.mimes, mime)
	r.data = append(r.data, plaintext)
}

type testNode struct {
	peerCode string
	manager  *Manager
	signaler *fakeSignaler
	inbox    *received
}

// newTestNodes builds two managers whose ciphers share a bundle directory.
func newTestNodes(t *testing.T) (alice, bob *testNode) {
	t.Helper()

	dir := bundleMap{}
	logger := zerolog.Nop()

	build := func() *testNode {
		id, err := crypto.NewIdentity(1)
		if err != nil {
			t.Fatal(err)
		}
		prekeys, err := crypto.NewPreKeySet(id)
		if err != nil {
			t.Fatal(err)
		}
		bundle, err := prekeys.Bundle(id)
		if err != nil {
			t.Fatal(err)
		}
		dir[id.PeerCode()] = &bundle

		node := &testNode{
			peerCode: id.PeerCode(),
			signaler: &fakeSignaler{},
			inbox:    &received{},
		}
		cipher := session.NewCipher(id, prekeys, dir, logger)
		node.manager = NewManager(id, prekeys, cipher, node.signaler, node.inbox.add, logger)
		return node
	}
	return build(), build()
}

func TestSendMessageRelayFallback(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestNodes(t)

	err := alice.manager.SendMessage(ctx, bob.peerCode, "text/plain", []byte("over the relay"))
	if err != nil {
		t.Fatal(err)
	}

	sent := alice.signaler.byType(models.TypeCiphertext)
	if len(sent) != 1 {
		t.Fatalf("expected 1 ciphertext envelope, got %d", len(sent))
	}
	env := sent[0]
	if env.To != bob.peerCode || env.MsgID == "" {
		t.Fatalf("bad routing fields: %+v", env)
	}

	var payload models.CiphertextPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	// First contact: the sender's bundle rides along with the bootstrap.
	if payload.Blob.MessageType != models.MessageTypeBootstrap {
		t.Fatalf("expected bootstrap blob, got type %d", payload.Blob.MessageType)
	}
	if payload.PreKeyBundle == nil {
		t.Fatal("bootstrap envelope missing sender bundle")
	}
	if payload.MimeType != "text/plain" {
		t.Fatalf("mime lost: %q", payload.MimeType)
	}

	// Delivered through the relay, bob decrypts and surfaces it.
	env.From = alice.peerCode
	if err := bob.manager.HandleEnvelope(ctx, env); err != nil {
		t.Fatal(err)
	}
	bob.inbox.mu.Lock()
	defer bob.inbox.mu.Unlock()
	if len(bob.inbox.data) != 1 || string(bob.inbox.data[0]) != "over the relay" {
		t.Fatalf("unexpected inbox %v", bob.inbox.data)
	}
	if bob.inbox.peers[0] != alice.peerCode || bob.inbox.mimes[0] != "text/plain" {
		t.Fatalf("wrong metadata: %s %s", bob.inbox.peers[0], bob.inbox.mimes[0])
	}
}

func TestEstablishedSessionSendsOrdinary(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestNodes(t)

	if err := alice.manager.SendMessage(ctx, bob.peerCode, "text/plain", []byte("one")); err != nil {
		t.Fatal(err)
	}
	first := alice.signaler.byType(models.TypeCiphertext)[0]
	first.From = alice.peerCode
	if err := bob.manager.HandleEnvelope(ctx, first); err != nil {
		t.Fatal(err)
	}

	// Bob answers; alice's next send drops the handshake prelude.
	if err := bob.manager.SendMessage(ctx, alice.peerCode, "text/plain", []byte("two")); err != nil {
		t.Fatal(err)
	}
	reply := bob.signaler.byType(models.TypeCiphertext)[0]
	reply.From = bob.peerCode
	if err := alice.manager.HandleEnvelope(ctx, reply); err != nil {
		t.Fatal(err)
	}

	if err := alice.manager.SendMessage(ctx, bob.peerCode, "text/plain", []byte("three")); err != nil {
		t.Fatal(err)
	}
	envs := alice.signaler.byType(models.TypeCiphertext)
	var payload models.CiphertextPayload
	if err := json.Unmarshal(envs[len(envs)-1].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Blob.MessageType != models.MessageTypeOrdinary {
		t.Fatalf("expected ordinary blob after handshake, got type %d", payload.Blob.MessageType)
	}
	if payload.PreKeyBundle != nil {
		t.Fatal("established session should not carry a bundle")
	}
}

func TestUndecryptableMessageDropped(t *testing.T) {
	ctx := context.Background()
	_, bob := newTestNodes(t)

	raw, _ := json.Marshal(&models.CiphertextPayload{
		Blob: models.EncryptedBlob{Ciphertext: []byte("garbage"), MessageType: models.MessageTypeOrdinary},
	})
	env := &models.Envelope{Type: models.TypeCiphertext, From: "ZZZZ-ZZZZ", MsgID: "m1", Payload: raw}

	if err := bob.manager.HandleEnvelope(ctx, env); err == nil {
		t.Fatal("expected decrypt error")
	}
	bob.inbox.mu.Lock()
	defer bob.inbox.mu.Unlock()
	if len(bob.inbox.data) != 0 {
		t.Fatal("undecryptable message must not reach the receiver")
	}
}

func TestDialStartsNegotiation(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestNodes(t)
	defer alice.manager.Close()

	if got := alice.manager.Phase(bob.peerCode); got != PhaseNoSession {
		t.Fatalf("expected no_session before dial, got %s", got)
	}

	if err := alice.manager.Dial(ctx, bob.peerCode); err != nil {
		t.Fatal(err)
	}
	if got := alice.manager.Phase(bob.peerCode); got != PhaseNegotiating {
		t.Fatalf("expected negotiating, got %s", got)
	}

	offers := alice.signaler.byType(models.TypeOffer)
	if len(offers) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(offers))
	}
	var sdp models.SDPPayload
	if err := json.Unmarshal(offers[0].Payload, &sdp); err != nil {
		t.Fatal(err)
	}
	if sdp.SDP == "" {
		t.Fatal("empty offer SDP")
	}

	// Dialing again while negotiating is a no-op.
	if err := alice.manager.Dial(ctx, bob.peerCode); err != nil {
		t.Fatal(err)
	}
	if len(alice.signaler.byType(models.TypeOffer)) != 1 {
		t.Fatal("second dial should not renegotiate")
	}
}

func TestOfferProducesAnswer(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestNodes(t)
	defer alice.manager.Close()
	defer bob.manager.Close()

	if err := alice.manager.Dial(ctx, bob.peerCode); err != nil {
		t.Fatal(err)
	}
	offer := alice.signaler.byType(models.TypeOffer)[0]
	offer.From = alice.peerCode

	if err := bob.manager.HandleEnvelope(ctx, offer); err != nil {
		t.Fatal(err)
	}
	if got := bob.manager.Phase(alice.peerCode); got != PhaseNegotiating {
		t.Fatalf("expected negotiating, got %s", got)
	}

	answers := bob.signaler.byType(models.TypeAnswer)
	if len(answers) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(answers))
	}

	answer := answers[0]
	answer.From = bob.peerCode
	if err := alice.manager.HandleEnvelope(ctx, answer); err != nil {
		t.Fatal(err)
	}
}

func TestEarlyICECandidatesBuffered(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestNodes(t)
	defer bob.manager.Close()

	// A candidate arriving before the offer must not be rejected.
	raw, _ := json.Marshal(&models.ICECandidatePayload{Candidate: "candidate:1 1 udp 1 127.0.0.1 50000 typ host"})
	ice := &models.Envelope{Type: models.TypeIce, From: alice.peerCode, MsgID: "i1", Payload: raw}
	if err := bob.manager.HandleEnvelope(ctx, ice); err != nil {
		t.Fatal(err)
	}
}

func TestCloseEndsSessions(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestNodes(t)

	if err := alice.manager.Dial(ctx, bob.peerCode); err != nil {
		t.Fatal(err)
	}
	alice.manager.Close()

	if got := alice.manager.Phase(bob.peerCode); got != PhaseClosed {
		t.Fatalf("expected closed, got %s", got)
	}
	if err := alice.manager.Dial(ctx, "EEEE-FFFF"); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPhaseStrings(t *testing.T) {
	want := map[Phase]string{
		PhaseNoSession:   "no_session",
		PhaseNegotiating: "negotiating",
		PhaseDirectOpen:  "direct_open",
		PhaseRelayOnly:   "relay_only",
		PhaseClosed:      "closed",
	}
	for phase, s := range want {
		if phase.String() != s {
			t.Fatalf("expected %s, got %s", s, phase.String())
		}
	}
}
