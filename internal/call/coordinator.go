// Package call implements voice-call setup and teardown signaling. Signals
// ride as ordinary encrypted messages through the transport manager; the
// actual audio renegotiation is delegated back to it.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MimeType marks call-signaling payloads among routed ciphertext.
const MimeType = "application/x-bizur-call"

const (
	KindInvite = "invite"
	KindAccept = "accept"
	KindEnd    = "end"
)

var (
	ErrBusy      = errors.New("a call is already in progress")
	ErrNoCall    = errors.New("no call in progress")
	ErrWrongPeer = errors.New("signal from peer outside the active call")
)

// State is the coordinator's call state.
type State int

const (
	StateIdle State = iota
	StateCalling
	StateRinging
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Signal is one call-signaling payload.
type Signal struct {
	Kind   string `json:"kind"`
	CallID string `json:"callId"`
}

// Transport is what the coordinator needs from the transport layer:
// encrypted delivery for signals, audio toggling for the media itself.
type Transport interface {
	SendMessage(ctx context.Context, peer, mimeType string, plaintext []byte) error
	EnableAudio(ctx context.Context, peer string) error
	DisableAudio(ctx context.Context, peer string) error
}

// Notify receives call state changes. peer and callID describe the call
// the transition belongs to.
type Notify func(state State, peer, callID string)

// Coordinator is the single-call state machine. One call at a time; a
// second inbound invite while busy is answered with end.
type Coordinator struct {
	transport Transport
	notify    Notify
	logger    zerolog.Logger

	mu     sync.Mutex
	state  State
	peer   string
	callID string
}

// NewCoordinator creates an idle coordinator. notify may be nil.
func NewCoordinator(transport Transport, notify Notify, logger zerolog.Logger) *Coordinator {
	return &Coordinator{transport: transport, notify: notify, logger: logger}
}

// State returns the current call state and, when not idle, the peer and
// call id it belongs to.
func (c *Coordinator) State() (State, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.peer, c.callID
}

// Invite starts an outbound call and returns its call id.
func (c *Coordinator) Invite(ctx context.Context, peer string) (string, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return "", ErrBusy
	}
	callID := uuid.NewString()
	c.setLocked(StateCalling, peer, callID)
	c.mu.Unlock()

	if err := c.send(ctx, peer, Signal{Kind: KindInvite, CallID: callID}); err != nil {
		c.toIdle(ctx, false)
		return "", err
	}
	return callID, nil
}

// Accept answers the ringing call and enables audio.
func (c *Coordinator) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRinging {
		c.mu.Unlock()
		return ErrNoCall
	}
	peer, callID := c.peer, c.callID
	c.mu.Unlock()

	if err := c.send(ctx, peer, Signal{Kind: KindAccept, CallID: callID}); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateRinging || c.callID != callID {
		c.mu.Unlock()
		return ErrNoCall
	}
	c.setLocked(StateConnected, peer, callID)
	c.mu.Unlock()

	if err := c.transport.EnableAudio(ctx, peer); err != nil {
		c.logger.Warn().Err(err).Str("peer", peer).Msg("audio setup failed, ending call")
		return c.End(ctx)
	}
	return nil
}

// Reject declines the ringing call.
func (c *Coordinator) Reject(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRinging {
		c.mu.Unlock()
		return ErrNoCall
	}
	c.mu.Unlock()
	return c.End(ctx)
}

// End terminates the active call from any non-idle state, sends the end
// signal, and releases audio.
func (c *Coordinator) End(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return ErrNoCall
	}
	peer, callID := c.peer, c.callID
	c.mu.Unlock()

	err := c.send(ctx, peer, Signal{Kind: KindEnd, CallID: callID})
	c.toIdle(ctx, true)
	return err
}

// HandleSignal processes an inbound call signal from peer. Raw is the
// decrypted payload of a call-mime message.
func (c *Coordinator) HandleSignal(ctx context.Context, peer string, raw []byte) error {
	var sig Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return fmt.Errorf("malformed call signal: %w", err)
	}

	switch sig.Kind {
	case KindInvite:
		return c.handleInvite(ctx, peer, sig)
	case KindAccept:
		return c.handleAccept(ctx, peer, sig)
	case KindEnd:
		return c.handleEnd(ctx, peer, sig)
	default:
		return fmt.Errorf("unknown call signal kind %q", sig.Kind)
	}
}

func (c *Coordinator) handleInvite(ctx context.Context, peer string, sig Signal) error {
	c.mu.Lock()
	if c.state != StateIdle {
		busy := c.callID != sig.CallID || c.peer != peer
		c.mu.Unlock()
		if busy {
			// Decline without disturbing the active call.
			return c.send(ctx, peer, Signal{Kind: KindEnd, CallID: sig.CallID})
		}
		return nil // duplicate invite for the call we are already in
	}
	c.setLocked(StateRinging, peer, sig.CallID)
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) handleAccept(ctx context.Context, peer string, sig Signal) error {
	c.mu.Lock()
	if c.state != StateCalling || c.peer != peer || c.callID != sig.CallID {
		c.mu.Unlock()
		return ErrWrongPeer
	}
	c.setLocked(StateConnected, peer, sig.CallID)
	c.mu.Unlock()

	if err := c.transport.EnableAudio(ctx, peer); err != nil {
		c.logger.Warn().Err(err).Str("peer", peer).Msg("audio setup failed, ending call")
		return c.End(ctx)
	}
	return nil
}

func (c *Coordinator) handleEnd(ctx context.Context, peer string, sig Signal) error {
	c.mu.Lock()
	if c.state == StateIdle || c.peer != peer || c.callID != sig.CallID {
		c.mu.Unlock()
		return nil // stale end for a call that is already over
	}
	c.mu.Unlock()
	c.toIdle(ctx, true)
	return nil
}

// send seals and delivers a signal through the encrypted session.
func (c *Coordinator) send(ctx context.Context, peer string, sig Signal) error {
	raw, err := json.Marshal(&sig)
	if err != nil {
		return err
	}
	return c.transport.SendMessage(ctx, peer, MimeType, raw)
}

// toIdle returns to idle and, when audio may be live, releases it.
func (c *Coordinator) toIdle(ctx context.Context, releaseAudio bool) {
	c.mu.Lock()
	peer := c.peer
	wasConnected := c.state == StateConnected
	c.setLocked(StateIdle, "", "")
	c.mu.Unlock()

	if releaseAudio && wasConnected && peer != "" {
		if err := c.transport.DisableAudio(ctx, peer); err != nil {
			c.logger.Warn().Err(err).Str("peer", peer).Msg("audio teardown failed")
		}
	}
}

// setLocked updates state and fires the notify hook. Caller holds c.mu.
func (c *Coordinator) setLocked(state State, peer, callID string) {
	c.state = state
	c.peer = peer
	c.callID = callID
	if c.notify != nil {
		c.notify(state, peer, callID)
	}
}
