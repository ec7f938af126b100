package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// fakeTransport records signals and audio toggles.
type fakeTransport struct {
	mu      sync.Mutex
	signals []sentSignal
	audio   map[string]bool
}

type sentSignal struct {
	peer string
	sig  Signal
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{audio: make(map[string]bool)}
}

func (f *fakeTransport) SendMessage(_ context.Context, peer, mimeType string, plaintext []byte) error {
	if mimeType != MimeType {
		return errors.New("unexpected mime type")
	}
	var sig Signal
	if err := json.Unmarshal(plaintext, &sig); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sentSignal{peer: peer, sig: sig})
	return nil
}

func (f *fakeTransport) EnableAudio(_ context.Context, peer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio[peer] = true
	return nil
}

func (f *fakeTransport) DisableAudio(_ context.Context, peer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio[peer] = false
	return nil
}

func (f *fakeTransport) lastSignal(t *testing.T) sentSignal {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.signals) == 0 {
		t.Fatal("no signal sent")
	}
	return f.signals[len(f.signals)-1]
}

func marshalSignal(t *testing.T, sig Signal) []byte {
	t.Helper()
	raw, err := json.Marshal(&sig)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestOutboundCallLifecycle(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	c := NewCoordinator(tr, nil, zerolog.Nop())

	callID, err := c.Invite(ctx, "BBBB-CCCC")
	if err != nil {
		t.Fatal(err)
	}
	if state, peer, id := c.State(); state != StateCalling || peer != "BBBB-CCCC" || id != callID {
		t.Fatalf("expected calling, got %s %s %s", state, peer, id)
	}
	if sent := tr.lastSignal(t); sent.sig.Kind != KindInvite || sent.sig.CallID != callID {
		t.Fatalf("unexpected signal %+v", sent)
	}

	// The callee accepts; audio comes up.
	if err := c.HandleSignal(ctx, "BBBB-CCCC", marshalSignal(t, Signal{Kind: KindAccept, CallID: callID})); err != nil {
		t.Fatal(err)
	}
	if state, _, _ := c.State(); state != StateConnected {
		t.Fatalf("expected connected, got %s", state)
	}
	if !tr.audio["BBBB-CCCC"] {
		t.Fatal("audio not enabled on accept")
	}

	// Local hangup releases audio and returns to idle.
	if err := c.End(ctx); err != nil {
		t.Fatal(err)
	}
	if state, _, _ := c.State(); state != StateIdle {
		t.Fatalf("expected idle, got %s", state)
	}
	if tr.audio["BBBB-CCCC"] {
		t.Fatal("audio not released on end")
	}
	if sent := tr.lastSignal(t); sent.sig.Kind != KindEnd || sent.sig.CallID != callID {
		t.Fatalf("expected end signal, got %+v", sent)
	}
}

func TestInboundCallAccept(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	c := NewCoordinator(tr, nil, zerolog.Nop())

	if err := c.HandleSignal(ctx, "BBBB-CCCC", marshalSignal(t, Signal{Kind: KindInvite, CallID: "call-1"})); err != nil {
		t.Fatal(err)
	}
	if state, peer, id := c.State(); state != StateRinging || peer != "BBBB-CCCC" || id != "call-1" {
		t.Fatalf("expected ringing, got %s %s %s", state, peer, id)
	}

	if err := c.Accept(ctx); err != nil {
		t.Fatal(err)
	}
	if state, _, _ := c.State(); state != StateConnected {
		t.Fatalf("expected connected, got %s", state)
	}
	if sent := tr.lastSignal(t); sent.sig.Kind != KindAccept || sent.sig.CallID != "call-1" {
		t.Fatalf("expected accept echoing the call id, got %+v", sent)
	}
	if !tr.audio["BBBB-CCCC"] {
		t.Fatal("audio not enabled on accept")
	}
}

func TestRejectFromRinging(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	c := NewCoordinator(tr, nil, zerolog.Nop())

	if err := c.HandleSignal(ctx, "BBBB-CCCC", marshalSignal(t, Signal{Kind: KindInvite, CallID: "call-1"})); err != nil {
		t.Fatal(err)
	}
	if err := c.Reject(ctx); err != nil {
		t.Fatal(err)
	}
	if state, _, _ := c.State(); state != StateIdle {
		t.Fatalf("expected idle after reject, got %s", state)
	}
	if sent := tr.lastSignal(t); sent.sig.Kind != KindEnd || sent.sig.CallID != "call-1" {
		t.Fatalf("expected end signal, got %+v", sent)
	}
}

func TestRemoteHangup(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	c := NewCoordinator(tr, nil, zerolog.Nop())

	callID, err := c.Invite(ctx, "BBBB-CCCC")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.HandleSignal(ctx, "BBBB-CCCC", marshalSignal(t, Signal{Kind: KindAccept, CallID: callID})); err != nil {
		t.Fatal(err)
	}

	if err := c.HandleSignal(ctx, "BBBB-CCCC", marshalSignal(t, Signal{Kind: KindEnd, CallID: callID})); err != nil {
		t.Fatal(err)
	}
	if state, _, _ := c.State(); state != StateIdle {
		t.Fatalf("expected idle after remote end, got %s", state)
	}
	if tr.audio["BBBB-CCCC"] {
		t.Fatal("audio not released on remote end")
	}
}

func TestBusyDeclinesSecondInvite(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	c := NewCoordinator(tr, nil, zerolog.Nop())

	callID, err := c.Invite(ctx, "BBBB-CCCC")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Invite(ctx, "DDDD-EEEE"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	// An inbound invite while busy is declined without touching the call.
	if err := c.HandleSignal(ctx, "DDDD-EEEE", marshalSignal(t, Signal{Kind: KindInvite, CallID: "other"})); err != nil {
		t.Fatal(err)
	}
	if sent := tr.lastSignal(t); sent.peer != "DDDD-EEEE" || sent.sig.Kind != KindEnd || sent.sig.CallID != "other" {
		t.Fatalf("expected busy decline, got %+v", sent)
	}
	if state, peer, id := c.State(); state != StateCalling || peer != "BBBB-CCCC" || id != callID {
		t.Fatalf("active call disturbed: %s %s %s", state, peer, id)
	}
}

func TestStaleSignalsIgnored(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	c := NewCoordinator(tr, nil, zerolog.Nop())

	// End for a finished call is a no-op.
	if err := c.HandleSignal(ctx, "BBBB-CCCC", marshalSignal(t, Signal{Kind: KindEnd, CallID: "gone"})); err != nil {
		t.Fatal(err)
	}

	// Accept with the wrong call id never connects.
	callID, err := c.Invite(ctx, "BBBB-CCCC")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.HandleSignal(ctx, "BBBB-CCCC", marshalSignal(t, Signal{Kind: KindAccept, CallID: "wrong"})); !errors.Is(err, ErrWrongPeer) {
		t.Fatalf("expected ErrWrongPeer, got %v", err)
	}
	if state, _, id := c.State(); state != StateCalling || id != callID {
		t.Fatalf("state disturbed by stale accept: %s %s", state, id)
	}
}

func TestEndWithoutCall(t *testing.T) {
	c := NewCoordinator(newFakeTransport(), nil, zerolog.Nop())
	if err := c.End(context.Background()); !errors.Is(err, ErrNoCall) {
		t.Fatalf("expected ErrNoCall, got %v", err)
	}
	if err := c.Accept(context.Background()); !errors.Is(err, ErrNoCall) {
		t.Fatalf("expected ErrNoCall, got %v", err)
	}
}

func TestNotifyHook(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()

	var mu sync.Mutex
	var states []State
	c := NewCoordinator(tr, func(state State, _, _ string) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	}, zerolog.Nop())

	callID, err := c.Invite(ctx, "BBBB-CCCC")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.HandleSignal(ctx, "BBBB-CCCC", marshalSignal(t, Signal{Kind: KindAccept, CallID: callID})); err != nil {
		t.Fatal(err)
	}
	if err := c.End(ctx); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateCalling, StateConnected, StateIdle}
	if len(states) != len(want) {
		t.Fatalf("expected %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], states[i])
		}
	}
}
