// Package relayclient maintains the persistent control connection to the
// relay server: authenticated dial, registration, queue draining, routed
// envelope delivery, and exponential-backoff reconnects.
package relayclient

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/bizur-im/bizur/internal/crypto"
	"github.com/bizur-im/bizur/internal/models"
	"github.com/bizur-im/bizur/internal/relay"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	outgoingSize = 64
	eventsSize   = 256
)

// EventKind discriminates client events.
type EventKind int

const (
	EventConnected EventKind = iota
	EventRegistered
	EventDisconnected
	EventEnvelope
	EventLookupResult
	EventQueueEnd
	EventError
)

// Event is one item on the client's event stream.
type Event struct {
	Kind     EventKind
	Envelope *models.Envelope // EventEnvelope: the routed envelope
	Target   string           // EventLookupResult
	Found    bool             // EventLookupResult
	Err      error            // EventDisconnected, EventError
	Message  string           // EventError: server-reported message
}

// Credentials selects the connection auth scheme. APIKey preferred;
// LegacyToken is the deprecated shared secret.
type Credentials struct {
	APIKey      string
	LegacyToken string
}

// Client is the relay control connection. Run owns the connection
// lifecycle; Send and Lookup are safe from any goroutine.
type Client struct {
	serverURL string
	identity  *crypto.Identity
	peerCode  string
	creds     Credentials
	logger    zerolog.Logger

	outgoing chan *models.Envelope
	events   chan Event
}

// New creates a client for the given ws:// or wss:// endpoint.
func New(serverURL string, identity *crypto.Identity, creds Credentials, logger zerolog.Logger) *Client {
	return &Client{
		serverURL: serverURL,
		identity:  identity,
		peerCode:  identity.PeerCode(),
		creds:     creds,
		logger:    logger,
		outgoing:  make(chan *models.Envelope, outgoingSize),
		events:    make(chan Event, eventsSize),
	}
}

// Events exposes the client event stream.
func (c *Client) Events() <-chan Event {
	return c.events
}

// PeerCode returns the local identity's peer code.
func (c *Client) PeerCode() string {
	return c.peerCode
}

// Send routes an envelope through the relay. It queues locally while the
// connection is down and fails only when the buffer is full.
func (c *Client) Send(ctx context.Context, env *models.Envelope) error {
	env.From = c.peerCode
	select {
	case c.outgoing <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup asks the relay whether a peer code is known. The answer arrives
// as an EventLookupResult.
func (c *Client) Lookup(ctx context.Context, target string) error {
	return c.Send(ctx, &models.Envelope{Type: models.TypeLookup, Target: models.NormalizePeerCode(target)})
}

// Run dials and re-dials the relay until ctx is done, with exponential
// backoff between attempts, resetting after a successful registration.
func (c *Client) Run(ctx context.Context) {
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		err := c.runOnce(ctx, b)
		if ctx.Err() != nil {
			return
		}
		c.emit(Event{Kind: EventDisconnected, Err: err})

		d := b.Duration()
		c.logger.Warn().Err(err).Dur("retry_in", d).Msg("relay connection lost")
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

// runOnce performs one dial/register/serve cycle.
func (c *Client) runOnce(ctx context.Context, b *backoff.Backoff) error {
	u, err := c.dialURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	ws, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	c.emit(Event{Kind: EventConnected})

	if err := c.register(ws); err != nil {
		return err
	}
	// Drain the offline queue immediately after registering.
	if err := c.writeJSON(ws, &models.Envelope{Type: models.TypePullQueue, From: c.peerCode}); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go c.writeLoop(ctx, ws, done)

	for {
		var env models.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return err
		}
		c.dispatch(&env, b)
	}
}

// register sends the registration frame with a signed freshness proof.
func (c *Client) register(ws *websocket.Conn) error {
	ts := time.Now().UnixMilli()
	env := &models.Envelope{
		Type:     models.TypeRegister,
		From:     c.peerCode,
		DeviceID: c.identity.DeviceID,
		Auth: &models.AuthProof{
			Identity:  c.peerCode,
			PeerCode:  c.peerCode,
			Timestamp: ts,
			Signature: c.identity.Sign(crypto.RegisterProofPayload(c.peerCode, c.peerCode, ts)),
		},
	}
	return c.writeJSON(ws, env)
}

// dispatch handles one server frame. It never writes to the socket
// itself; writeLoop is the sole writer, so replies go through outgoing.
func (c *Client) dispatch(env *models.Envelope, b *backoff.Backoff) {
	switch {
	case env.Type == models.TypeRegistered:
		b.Reset()
		c.emit(Event{Kind: EventRegistered})

	case env.Type == models.TypePing:
		c.requeue(&models.Envelope{Type: models.TypePong, From: c.peerCode})

	case env.Type == models.TypeQueued:
		// Queued frames wrap the original routed envelope.
		var inner models.Envelope
		if err := json.Unmarshal(env.Payload, &inner); err != nil {
			c.logger.Warn().Err(err).Msg("malformed queued frame")
			return
		}
		c.emit(Event{Kind: EventEnvelope, Envelope: &inner})

	case env.Type == models.TypeQueueEnd:
		c.emit(Event{Kind: EventQueueEnd})

	case env.Type == models.TypeLookupResult:
		found := env.Found != nil && *env.Found
		c.emit(Event{Kind: EventLookupResult, Target: env.Target, Found: found})

	case env.Type == models.TypeError:
		c.emit(Event{Kind: EventError, Message: env.Message})

	case models.IsRouted(env.Type):
		c.emit(Event{Kind: EventEnvelope, Envelope: env})

	default:
		c.logger.Debug().Str("type", env.Type).Msg("ignoring unknown frame")
	}
}

func (c *Client) writeLoop(ctx context.Context, ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.outgoing:
			if err := c.writeJSON(ws, env); err != nil {
				// Keep the envelope for the next connection.
				c.requeue(env)
				c.logger.Warn().Err(err).Str("type", env.Type).Msg("write failed, envelope requeued")
				ws.Close()
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.Close()
				return
			}
		case <-ctx.Done():
			ws.Close()
			return
		case <-done:
			return
		}
	}
}

func (c *Client) writeJSON(ws *websocket.Conn, env *models.Envelope) error {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(env)
}

// dialURL builds the connection URL with auth query parameters.
func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("identity", c.peerCode)
	switch {
	case c.creds.APIKey != "":
		ts := time.Now().UnixMilli()
		nonce := uuid.NewString()
		q.Set("apiKey", c.creds.APIKey)
		q.Set("ts", strconv.FormatInt(ts, 10))
		q.Set("nonce", nonce)
		q.Set("sig", relay.ConnectionSignature(c.creds.APIKey, c.peerCode, ts, nonce))
	case c.creds.LegacyToken != "":
		q.Set("token", c.creds.LegacyToken)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// requeue puts an envelope on the outgoing buffer without blocking the
// read or write loop; a full buffer drops it with a log.
func (c *Client) requeue(env *models.Envelope) {
	select {
	case c.outgoing <- env:
	default:
		c.logger.Warn().Str("type", env.Type).Msg("outgoing buffer full, envelope dropped")
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn().Int("kind", int(ev.Kind)).Msg("event stream full, dropping event")
	}
}
