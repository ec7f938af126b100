package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bizur-im/bizur/internal/crypto"
	"github.com/bizur-im/bizur/internal/metrics"
	"github.com/bizur-im/bizur/internal/models"
	"github.com/bizur-im/bizur/internal/store"
)

const (
	writeWait     = 10 * time.Second
	pingInterval  = 30 * time.Second
	readDeadline  = 3 * pingInterval
	maxFrameBytes = 512 * 1024
	sendBuffer    = 64

	// Per-identity frame budget: routed frames per rolling window. Excess
	// frames get an error frame; the connection stays open.
	frameBudgetLimit  = 120
	frameBudgetWindow = time.Minute
)

// Handler upgrades authenticated relay control connections.
type Handler struct {
	hub      *Hub
	auth     *Authenticator
	store    store.RelayStore
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the WebSocket handler.
func NewHandler(hub *Hub, auth *Authenticator, st store.RelayStore, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		auth:   auth,
		store:  st,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are native apps, not browsers; origin carries no signal.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeWS authenticates and upgrades one control connection. Auth failure
// rejects before the upgrade so the client sees a clean 401.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Authenticate(r.Context(), r.URL.Query())
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("connection rejected")
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := &conn{
		identity: identity,
		ws:       ws,
		send:     make(chan *models.Envelope, sendBuffer),
		done:     make(chan struct{}),
		hub:      h.hub,
		store:    h.store,
		logger:   h.logger.With().Str("identity", identity).Logger(),
	}

	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	go c.writeLoop()
	c.readLoop(r.Context())
}

// conn is one live control connection.
type conn struct {
	identity string
	ws       *websocket.Conn
	send     chan *models.Envelope
	done     chan struct{}
	hub      *Hub
	store    store.RelayStore
	logger   zerolog.Logger

	closeOnce  sync.Once
	registered bool

	budgetCount int
	budgetStart time.Time
}

// Deliver queues a frame for the write loop. It never blocks; a full
// buffer means the client is not draining and the connection is dropped.
func (c *conn) Deliver(env *models.Envelope) error {
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	default:
		c.logger.Warn().Msg("send buffer full, dropping connection")
		c.close()
		return errors.New("send buffer full")
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(&models.Envelope{Type: models.TypePing}); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) readLoop(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c.identity, c)
		c.close()
		c.logger.Info().Msg("connection closed")
	}()

	c.ws.SetReadLimit(maxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(readDeadline))

	for {
		var env models.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("read failed")
			}
			return
		}
		// Any inbound frame counts as liveness.
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))

		if err := c.handle(ctx, &env); err != nil {
			c.logger.Warn().Err(err).Str("type", env.Type).Msg("frame failed")
			c.Deliver(models.ErrorEnvelope(err.Error()))
		}
	}
}

func (c *conn) handle(ctx context.Context, env *models.Envelope) error {
	switch {
	case env.Type == models.TypeRegister:
		return c.handleRegister(ctx, env)

	case env.Type == models.TypePong:
		return nil

	case env.Type == models.TypePullQueue:
		if !c.registered {
			return errors.New("not registered")
		}
		return c.hub.Drain(ctx, c.identity, c.Deliver)

	case env.Type == models.TypeLookup:
		if !c.registered {
			return errors.New("not registered")
		}
		target := env.Target
		if target == "" {
			target = env.To
		}
		found, err := c.hub.Lookup(ctx, target)
		if err != nil {
			return err
		}
		return c.Deliver(models.LookupResultEnvelope(models.NormalizePeerCode(target), found))

	case models.IsRouted(env.Type):
		if !c.registered {
			return errors.New("not registered")
		}
		if !c.allowFrame() {
			metrics.RateLimitHits.WithLabelValues("ws").Inc()
			return errors.New("rate limit exceeded")
		}
		// The sender field is always the authenticated identity, whatever
		// the client wrote.
		env.From = c.identity
		return c.hub.Route(ctx, env)

	default:
		return errors.New("unknown frame type")
	}
}

// handleRegister completes registration and answers with a registered
// frame. When the client attaches a freshness proof it is verified against
// the identity key in the published bundle; a bad proof rejects the frame.
func (c *conn) handleRegister(ctx context.Context, env *models.Envelope) error {
	if env.Auth != nil {
		if err := c.verifyProof(ctx, env.Auth); err != nil {
			return err
		}
	}

	c.registered = true
	c.hub.Register(c.identity, c)
	c.logger.Info().Int("device_id", env.DeviceID).Msg("registered")
	return c.Deliver(&models.Envelope{Type: models.TypeRegistered, To: c.identity})
}

func (c *conn) verifyProof(ctx context.Context, proof *models.AuthProof) error {
	raw, err := c.store.GetKeyBundle(ctx, c.identity)
	if err != nil {
		return err
	}
	if raw == nil {
		// First contact: nothing to verify against yet.
		c.logger.Debug().Msg("register proof supplied before bundle publish, skipping verification")
		return nil
	}
	var bundle models.KeyBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return err
	}

	payload := crypto.RegisterProofPayload(proof.Identity, proof.PeerCode, proof.Timestamp)
	if err := crypto.VerifySignature(bundle.IdentityKey, payload, proof.Signature); err != nil {
		return errors.New("register proof rejected")
	}
	return nil
}

// allowFrame enforces the per-connection routed-frame budget with a fixed
// rolling window.
func (c *conn) allowFrame() bool {
	now := time.Now()
	if now.Sub(c.budgetStart) > frameBudgetWindow {
		c.budgetStart = now
		c.budgetCount = 0
	}
	c.budgetCount++
	return c.budgetCount <= frameBudgetLimit
}
