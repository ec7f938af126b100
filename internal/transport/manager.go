// Package transport manages per-peer delivery paths. Each peer gets a
// negotiated WebRTC data channel when connectivity allows; everything
// falls back to relay routing, which degrades to server-side queuing
// rather than loss.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/bizur-im/bizur/internal/crypto"
	"github.com/bizur-im/bizur/internal/models"
	"github.com/bizur-im/bizur/internal/session"
)

const (
	dataChannelLabel = "bizur-data"

	// directHighWater caps the data channel's unsent backlog. Above it the
	// channel no longer counts as reachable and sends take the relay path.
	directHighWater = 1 << 20
)

var (
	ErrClosed        = errors.New("transport manager closed")
	errDirectDown    = errors.New("data channel not open")
	errNoNegotiation = errors.New("no connection negotiated with peer")
)

// Phase is the lifecycle stage of one peer's transport session.
type Phase int

const (
	PhaseNoSession Phase = iota
	PhaseNegotiating
	PhaseDirectOpen
	PhaseRelayOnly
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseNoSession:
		return "no_session"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseDirectOpen:
		return "direct_open"
	case PhaseRelayOnly:
		return "relay_only"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Signaler routes signaling and fallback envelopes through the relay.
// relayclient.Client satisfies it.
type Signaler interface {
	Send(ctx context.Context, env *models.Envelope) error
}

// Receiver is invoked with every decrypted inbound payload.
type Receiver func(peer, mimeType string, plaintext []byte)

// Manager owns the per-peer transport sessions and the send policy:
// direct data channel when open and under its backlog watermark,
// relay otherwise.
type Manager struct {
	identity *crypto.Identity
	prekeys  *crypto.PreKeySet
	cipher   *session.Cipher
	signaler Signaler
	receive  Receiver
	logger   zerolog.Logger
	rtcCfg   webrtc.Configuration

	mu     sync.Mutex
	peers  map[string]*peer
	closed bool
}

// NewManager creates a transport manager. receive is called from internal
// goroutines and must not block.
func NewManager(identity *crypto.Identity, prekeys *crypto.PreKeySet, cipher *session.Cipher, signaler Signaler, receive Receiver, logger zerolog.Logger) *Manager {
	return &Manager{
		identity: identity,
		prekeys:  prekeys,
		cipher:   cipher,
		signaler: signaler,
		receive:  receive,
		logger:   logger,
		rtcCfg: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		},
		peers: make(map[string]*peer),
	}
}

func (m *Manager) peerFor(id string) (*peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	p, ok := m.peers[id]
	if !ok {
		p = &peer{id: id, m: m}
		m.peers[id] = p
	}
	return p, nil
}

// Phase reports the transport phase for a peer.
func (m *Manager) Phase(peerID string) Phase {
	m.mu.Lock()
	p, ok := m.peers[models.NormalizePeerCode(peerID)]
	m.mu.Unlock()
	if !ok {
		return PhaseNoSession
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Dial starts data channel negotiation with a peer. It is a no-op when a
// connection already exists or is being negotiated.
func (m *Manager) Dial(ctx context.Context, peerID string) error {
	peerID = models.NormalizePeerCode(peerID)
	p, err := m.peerFor(peerID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc != nil {
		return nil
	}

	pc, err := webrtc.NewPeerConnection(m.rtcCfg)
	if err != nil {
		return err
	}

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return err
	}

	p.pc = pc
	p.phase = PhaseNegotiating
	p.wirePeerConnection(pc)
	p.wireDataChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return m.signalSDP(ctx, models.TypeOffer, peerID, offer.SDP)
}

// EnableAudio adds a bidirectional audio track to an existing connection
// and renegotiates. The open data channel is kept.
func (m *Manager) EnableAudio(ctx context.Context, peerID string) error {
	peerID = models.NormalizePeerCode(peerID)
	p, err := m.peerFor(peerID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil {
		return errNoNegotiation
	}
	if p.audio != nil {
		return nil
	}

	t, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return err
	}
	p.audio = t
	return p.renegotiateLocked(ctx)
}

// DisableAudio stops the audio transceiver and renegotiates.
func (m *Manager) DisableAudio(ctx context.Context, peerID string) error {
	peerID = models.NormalizePeerCode(peerID)
	p, err := m.peerFor(peerID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil || p.audio == nil {
		return nil
	}
	if err := p.audio.Stop(); err != nil {
		return err
	}
	p.audio = nil
	return p.renegotiateLocked(ctx)
}

// SendMessage seals plaintext for a peer and delivers it over the best
// available path. Bootstrap ciphertext carries the local key bundle so a
// cold recipient can answer without a directory round trip.
func (m *Manager) SendMessage(ctx context.Context, peerID, mimeType string, plaintext []byte) error {
	peerID = models.NormalizePeerCode(peerID)
	p, err := m.peerFor(peerID)
	if err != nil {
		return err
	}

	blob, err := m.cipher.Encrypt(ctx, peerID, plaintext)
	if err != nil {
		return err
	}

	payload := models.CiphertextPayload{Blob: blob, MimeType: mimeType}
	if blob.MessageType == models.MessageTypeBootstrap {
		bundle, err := m.prekeys.Bundle(m.identity)
		if err != nil {
			return err
		}
		payload.PreKeyBundle = &bundle
	}
	raw, err := json.Marshal(&payload)
	if err != nil {
		return err
	}
	env := &models.Envelope{
		Type:    models.TypeCiphertext,
		To:      peerID,
		MsgID:   uuid.NewString(),
		Payload: raw,
	}

	direct := &directCarrier{peer: p}
	if direct.DirectlyReachable() {
		if err := direct.SendEnvelope(ctx, env); err == nil {
			return nil
		}
		m.logger.Debug().Str("peer", peerID).Msg("direct send failed, falling back to relay")
	}
	relay := &relayCarrier{signaler: m.signaler}
	return relay.SendEnvelope(ctx, env)
}

// HandleEnvelope dispatches a routed envelope from the relay: signaling
// frames drive negotiation, ciphertext frames are decrypted and surfaced.
// Other routed types are ignored here.
func (m *Manager) HandleEnvelope(ctx context.Context, env *models.Envelope) error {
	switch env.Type {
	case models.TypeOffer:
		return m.handleOffer(ctx, env)
	case models.TypeAnswer:
		return m.handleAnswer(env)
	case models.TypeIce:
		return m.handleICE(env)
	case models.TypeCiphertext:
		return m.handleCiphertext(ctx, env)
	default:
		return nil
	}
}

// Close tears down every peer connection. The manager is unusable after.
func (m *Manager) Close() {
	m.mu.Lock()
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.closed = true
	m.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

func (m *Manager) handleOffer(ctx context.Context, env *models.Envelope) error {
	var sdp models.SDPPayload
	if err := json.Unmarshal(env.Payload, &sdp); err != nil {
		return fmt.Errorf("malformed offer: %w", err)
	}

	p, err := m.peerFor(env.From)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil {
		pc, err := webrtc.NewPeerConnection(m.rtcCfg)
		if err != nil {
			return err
		}
		p.pc = pc
		p.wirePeerConnection(pc)
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			p.mu.Lock()
			p.wireDataChannel(dc)
			p.mu.Unlock()
		})
	}
	if !p.open {
		p.phase = PhaseNegotiating
	}

	if err := p.setRemoteLocked(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp.SDP}); err != nil {
		return err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return m.signalSDP(ctx, models.TypeAnswer, p.id, answer.SDP)
}

func (m *Manager) handleAnswer(env *models.Envelope) error {
	var sdp models.SDPPayload
	if err := json.Unmarshal(env.Payload, &sdp); err != nil {
		return fmt.Errorf("malformed answer: %w", err)
	}

	p, err := m.peerFor(env.From)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil {
		return errNoNegotiation
	}
	return p.setRemoteLocked(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp.SDP})
}

func (m *Manager) handleICE(env *models.Envelope) error {
	var cand models.ICECandidatePayload
	if err := json.Unmarshal(env.Payload, &cand); err != nil {
		return fmt.Errorf("malformed ice candidate: %w", err)
	}

	p, err := m.peerFor(env.From)
	if err != nil {
		return err
	}

	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil || !p.remoteSet {
		// Candidates can arrive before the description they belong to.
		p.pendingICE = append(p.pendingICE, init)
		return nil
	}
	return p.pc.AddICECandidate(init)
}

func (m *Manager) handleCiphertext(ctx context.Context, env *models.Envelope) error {
	var payload models.CiphertextPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("malformed ciphertext payload: %w", err)
	}

	plaintext, err := m.cipher.Decrypt(ctx, env.From, payload.Blob, payload.PreKeyBundle)
	if err != nil {
		// Drop the message; the session survives decryption failures.
		m.logger.Warn().Err(err).Str("peer", env.From).Str("msg_id", env.MsgID).Msg("dropping undecryptable message")
		return err
	}
	if m.receive != nil {
		m.receive(env.From, payload.MimeType, plaintext)
	}
	return nil
}

func (m *Manager) signalSDP(ctx context.Context, frameType, to, sdp string) error {
	raw, err := json.Marshal(&models.SDPPayload{SDP: sdp})
	if err != nil {
		return err
	}
	return m.signaler.Send(ctx, &models.Envelope{
		Type:    frameType,
		To:      to,
		MsgID:   uuid.NewString(),
		Payload: raw,
	})
}

// peer is one remote peer's transport state.
type peer struct {
	id string
	m  *Manager

	mu         sync.Mutex
	phase      Phase
	pc         *webrtc.PeerConnection
	dc         *webrtc.DataChannel
	audio      *webrtc.RTPTransceiver
	open       bool
	remoteSet  bool
	pendingICE []webrtc.ICECandidateInit
}

// wirePeerConnection installs connection callbacks. Caller holds p.mu.
func (p *peer) wirePeerConnection(pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		raw, err := json.Marshal(&models.ICECandidatePayload{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
		if err != nil {
			return
		}
		env := &models.Envelope{Type: models.TypeIce, To: p.id, MsgID: uuid.NewString(), Payload: raw}
		if err := p.m.signaler.Send(context.Background(), env); err != nil {
			p.m.logger.Warn().Err(err).Str("peer", p.id).Msg("ice candidate signal failed")
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			p.mu.Lock()
			p.open = false
			if p.phase != PhaseClosed {
				p.phase = PhaseRelayOnly
			}
			p.mu.Unlock()
			p.m.logger.Debug().Str("peer", p.id).Str("state", s.String()).Msg("peer connection degraded to relay")
		}
	})
}

// wireDataChannel installs channel callbacks. Caller holds p.mu.
func (p *peer) wireDataChannel(dc *webrtc.DataChannel) {
	p.dc = dc
	dc.OnOpen(func() {
		p.mu.Lock()
		p.open = true
		p.phase = PhaseDirectOpen
		p.mu.Unlock()
		p.m.logger.Info().Str("peer", p.id).Msg("data channel open")
	})
	dc.OnClose(func() {
		p.mu.Lock()
		p.open = false
		if p.phase != PhaseClosed {
			p.phase = PhaseRelayOnly
		}
		p.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var env models.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			p.m.logger.Warn().Err(err).Str("peer", p.id).Msg("malformed direct frame")
			return
		}
		// The channel itself authenticates the sender.
		env.From = p.id
		if env.Type == models.TypeCiphertext {
			p.m.handleCiphertext(context.Background(), &env)
		}
	})
}

// setRemoteLocked applies a remote description and flushes buffered
// candidates. Caller holds p.mu.
func (p *peer) setRemoteLocked(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	p.remoteSet = true
	for _, init := range p.pendingICE {
		if err := p.pc.AddICECandidate(init); err != nil {
			p.m.logger.Warn().Err(err).Str("peer", p.id).Msg("buffered ice candidate rejected")
		}
	}
	p.pendingICE = nil
	return nil
}

// renegotiateLocked sends a fresh offer over the existing connection.
// Caller holds p.mu.
func (p *peer) renegotiateLocked(ctx context.Context) error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return p.m.signalSDP(ctx, models.TypeOffer, p.id, offer.SDP)
}

// sendDirect writes an envelope onto the data channel.
func (p *peer) sendDirect(env *models.Envelope) error {
	p.mu.Lock()
	dc := p.dc
	ok := p.open
	p.mu.Unlock()
	if !ok || dc == nil {
		return errDirectDown
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return dc.Send(raw)
}

// directOpen reports whether the channel is open and under its backlog
// watermark.
func (p *peer) directOpen() bool {
	p.mu.Lock()
	dc := p.dc
	ok := p.open
	p.mu.Unlock()
	return ok && dc != nil && dc.BufferedAmount() < directHighWater
}

func (p *peer) close() {
	p.mu.Lock()
	pc := p.pc
	p.phase = PhaseClosed
	p.open = false
	p.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
}
