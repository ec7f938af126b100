// Package session owns one ratcheting encryption session per remote peer.
// It bootstraps sessions from published key bundles, serializes
// establishment per peer, and maps wire blobs to ratchet messages via the
// bootstrap/ordinary discriminator.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bizur-im/bizur/internal/crypto"
	"github.com/bizur-im/bizur/internal/models"
	"github.com/bizur-im/bizur/internal/ratchet"
)

var (
	ErrMissingKeyBundle       = errors.New("no key bundle available for peer")
	ErrMalformedCiphertext    = errors.New("malformed ciphertext")
	ErrUnsupportedMessageType = errors.New("unsupported message type")
	ErrSessionNotFound        = errors.New("no session for peer")
)

// BundleDirectory fetches a peer's published key bundle. A nil result with
// nil error means no bundle is published.
type BundleDirectory interface {
	Bundle(ctx context.Context, peer string) (*models.KeyBundle, error)
}

// bootstrapPayload is the JSON carried inside a bootstrap (type 3) blob.
// It names the prekeys consumed from the recipient's bundle and wraps the
// first ratchet message.
type bootstrapPayload struct {
	IdentityKey    []byte          `json:"identityKey"`
	EphemeralKey   []byte          `json:"ephemeralKey"`
	PreKeyID       int             `json:"preKeyId,omitempty"`
	SignedPreKeyID int             `json:"signedPreKeyId"`
	RegistrationID int             `json:"registrationId"`
	Message        ratchet.Message `json:"message"`
}

// peerState is the per-peer session slot. Its mutex serializes session
// establishment so concurrent first sends cannot race to two divergent
// sessions.
type peerState struct {
	mu        sync.Mutex
	sess      *ratchet.State
	handshake *bootstrapPayload // replayed on every send until the peer answers
}

// Cipher encrypts and decrypts per-peer payloads.
type Cipher struct {
	identity *crypto.Identity
	prekeys  *crypto.PreKeySet
	dir      BundleDirectory
	logger   zerolog.Logger

	mu    sync.Mutex
	peers map[string]*peerState
}

// NewCipher creates a cipher for the local identity. dir may be nil, in
// which case bootstraps rely entirely on bundles supplied with inbound
// ciphertext.
func NewCipher(identity *crypto.Identity, prekeys *crypto.PreKeySet, dir BundleDirectory, logger zerolog.Logger) *Cipher {
	return &Cipher{
		identity: identity,
		prekeys:  prekeys,
		dir:      dir,
		logger:   logger,
		peers:    make(map[string]*peerState),
	}
}

func (c *Cipher) peer(id string) *peerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[id]
	if !ok {
		p = &peerState{}
		c.peers[id] = p
	}
	return p
}

// HasSession reports whether an established session exists for peer.
func (c *Cipher) HasSession(peer string) bool {
	p := c.peer(peer)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess != nil
}

// Encrypt seals plaintext for peer, bootstrapping a session from the
// peer's bundle when none exists. The returned blob is marked bootstrap
// until the peer has answered at least once.
func (c *Cipher) Encrypt(ctx context.Context, peer string, plaintext []byte) (models.EncryptedBlob, error) {
	p := c.peer(peer)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sess == nil {
		if err := c.establishInitiator(ctx, peer, p); err != nil {
			return models.EncryptedBlob{}, err
		}
	}

	msg, err := p.sess.Encrypt(plaintext)
	if err != nil {
		return models.EncryptedBlob{}, err
	}

	if p.handshake != nil {
		hs := *p.handshake
		hs.Message = msg
		ct, err := json.Marshal(&hs)
		if err != nil {
			return models.EncryptedBlob{}, err
		}
		return models.EncryptedBlob{Ciphertext: ct, MessageType: models.MessageTypeBootstrap}, nil
	}

	ct, err := json.Marshal(&msg)
	if err != nil {
		return models.EncryptedBlob{}, err
	}
	return models.EncryptedBlob{Ciphertext: ct, MessageType: models.MessageTypeOrdinary}, nil
}

// Decrypt opens blob from peer. Bootstrap blobs may seed first-contact
// session state; bundle, when non-nil, is the sender's key bundle embedded
// in the envelope and is used for identity binding.
func (c *Cipher) Decrypt(ctx context.Context, peer string, blob models.EncryptedBlob, bundle *models.KeyBundle) ([]byte, error) {
	p := c.peer(peer)
	p.mu.Lock()
	defer p.mu.Unlock()

	switch blob.MessageType {
	case models.MessageTypeBootstrap:
		return c.decryptBootstrap(peer, p, blob.Ciphertext)
	case models.MessageTypeOrdinary:
		if p.sess == nil {
			return nil, ErrSessionNotFound
		}
		var msg ratchet.Message
		if err := json.Unmarshal(blob.Ciphertext, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
		}
		pt, err := p.sess.Decrypt(msg)
		if err != nil {
			return nil, err
		}
		// The peer demonstrably holds the session; stop replaying the
		// handshake prelude.
		p.handshake = nil
		return pt, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedMessageType, blob.MessageType)
	}
}

// establishInitiator runs the bootstrap handshake from the peer's
// published bundle. Caller holds p.mu.
func (c *Cipher) establishInitiator(ctx context.Context, peer string, p *peerState) error {
	if c.dir == nil {
		return ErrMissingKeyBundle
	}
	bundle, err := c.dir.Bundle(ctx, peer)
	if err != nil {
		return fmt.Errorf("fetching bundle for %s: %w", peer, err)
	}
	if bundle == nil {
		return ErrMissingKeyBundle
	}
	if err := crypto.VerifyBundle(bundle); err != nil {
		return fmt.Errorf("bundle for %s: %w", peer, err)
	}

	peerIdentityX, err := crypto.ToX25519Public(bundle.IdentityKey)
	if err != nil {
		return err
	}
	ourIdentityX := crypto.ToX25519Private(c.identity.SigningKey.Seed())

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}

	root, err := ratchet.InitiatorSecret(ourIdentityX, ephPriv, peerIdentityX, bundle.SignedPreKey, bundle.PreKey)
	if err != nil {
		return err
	}

	ad := sessionAD(c.identity.PublicKey(), bundle.IdentityKey)
	sess, err := ratchet.NewInitiator(root, bundle.SignedPreKey, ad)
	if err != nil {
		return err
	}

	p.sess = sess
	p.handshake = &bootstrapPayload{
		IdentityKey:    c.identity.PublicKey(),
		EphemeralKey:   ephPub,
		PreKeyID:       bundle.PreKeyID,
		SignedPreKeyID: bundle.SignedPreKeyID,
		RegistrationID: c.identity.RegistrationID,
	}
	c.logger.Debug().Str("peer", peer).Msg("session bootstrapped as initiator")
	return nil
}

// decryptBootstrap handles a type-3 blob: seed responder state on first
// contact, then open the wrapped ratchet message. Caller holds p.mu.
func (c *Cipher) decryptBootstrap(peer string, p *peerState, ciphertext []byte) ([]byte, error) {
	var hs bootstrapPayload
	if err := json.Unmarshal(ciphertext, &hs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}

	// An existing session stays authoritative while it still opens the
	// peer's messages; senders replay the handshake prelude until answered.
	if p.sess != nil {
		if pt, err := p.sess.Decrypt(hs.Message); err == nil {
			return pt, nil
		}
	}

	sess, err := c.establishResponder(&hs)
	if err != nil {
		return nil, err
	}
	pt, err := sess.Decrypt(hs.Message)
	if err != nil {
		return nil, err
	}

	p.sess = sess
	p.handshake = nil
	c.logger.Debug().Str("peer", peer).Msg("session bootstrapped as responder")
	return pt, nil
}

func (c *Cipher) establishResponder(hs *bootstrapPayload) (*ratchet.State, error) {
	spk, err := c.prekeys.Signed(hs.SignedPreKeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	var otkPriv []byte
	if hs.PreKeyID != 0 {
		otk, err := c.prekeys.TakeOneTime(hs.PreKeyID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
		}
		otkPriv = otk.Private
	}

	peerIdentityX, err := crypto.ToX25519Public(hs.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	ourIdentityX := crypto.ToX25519Private(c.identity.SigningKey.Seed())

	root, err := ratchet.ResponderSecret(ourIdentityX, spk.Private, otkPriv, peerIdentityX, hs.EphemeralKey)
	if err != nil {
		return nil, err
	}

	ad := sessionAD(hs.IdentityKey, c.identity.PublicKey())
	return ratchet.NewResponder(root, spk.Private, spk.Public, ad), nil
}

// sessionAD binds both identity keys, initiator first, into every AEAD.
func sessionAD(initiatorIK, responderIK []byte) []byte {
	return append(append([]byte{}, initiatorIK...), responderIK...)
}
