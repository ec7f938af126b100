package transport

import (
	"context"

	"github.com/bizur-im/bizur/internal/models"
)

// Carrier is the capability one transport variant offers for a peer:
// deliver an envelope, and report whether the path is usable right now.
// The manager picks the first reachable carrier instead of inspecting
// transport types.
type Carrier interface {
	SendEnvelope(ctx context.Context, env *models.Envelope) error
	DirectlyReachable() bool
}

// relayCarrier routes envelopes through the relay control connection.
// It is always reachable; relay delivery degrades to queuing, not loss.
type relayCarrier struct {
	signaler Signaler
}

func (c *relayCarrier) SendEnvelope(ctx context.Context, env *models.Envelope) error {
	return c.signaler.Send(ctx, env)
}

func (c *relayCarrier) DirectlyReachable() bool { return false }

// directCarrier writes ciphertext frames onto an open data channel.
type directCarrier struct {
	peer *peer
}

func (c *directCarrier) SendEnvelope(_ context.Context, env *models.Envelope) error {
	return c.peer.sendDirect(env)
}

func (c *directCarrier) DirectlyReachable() bool {
	return c.peer.directOpen()
}
