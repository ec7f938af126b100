// Package ratchet implements the double-ratchet session protocol used for
// all peer-to-peer payloads: per-message keys derived from HKDF-SHA256
// chains, a Diffie-Hellman ratchet step on every direction change, and a
// bounded cache of skipped message keys for out-of-order delivery.
package ratchet

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/bizur-im/bizur/internal/crypto"
)

const (
	rootInfo  = "bizur/dr/rk"
	chainInfo = "bizur/dr/ck"

	// maxSkip bounds how far ahead of the expected counter a single message
	// may arrive; maxSkippedKeys bounds the total cached keys per session.
	maxSkip        = 1000
	maxSkippedKeys = 1000
)

var (
	ErrDecrypt        = errors.New("ratchet decrypt failed")
	ErrNotReady       = errors.New("ratchet has no sending chain yet")
	ErrTooManySkipped = errors.New("too many skipped message keys")
)

// Header is the plaintext ratchet header, authenticated as associated data.
type Header struct {
	DHPub []byte `json:"dh"`
	PN    uint32 `json:"pn"`
	N     uint32 `json:"n"`
}

// Message is one sealed ratchet message.
type Message struct {
	Header     Header `json:"header"`
	Ciphertext []byte `json:"ct"`
}

type skippedID struct {
	dh [32]byte
	n  uint32
}

// State is one side of a ratcheting session. All methods are safe for
// concurrent use; decryption failures leave the state untouched.
type State struct {
	mu sync.Mutex

	rootKey  []byte
	dhPriv   []byte
	dhPub    []byte
	dhRemote []byte
	sendCK   []byte
	recvCK   []byte
	sendN    uint32
	recvN    uint32
	prevN    uint32
	skipped  map[skippedID][]byte
	ad       []byte
}

// NewInitiator builds session state on the side that ran the bootstrap
// handshake from the peer's bundle. peerRatchetPub is the peer's signed
// prekey; ad binds both identity keys into every AEAD.
func NewInitiator(rootSecret, peerRatchetPub, ad []byte) (*State, error) {
	dhPriv, dhPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	dhOut, err := curve25519.X25519(dhPriv, peerRatchetPub)
	if err != nil {
		return nil, err
	}
	rk, ck, err := kdfRoot(rootSecret, dhOut)
	if err != nil {
		return nil, err
	}

	return &State{
		rootKey:  rk,
		dhPriv:   dhPriv,
		dhPub:    dhPub,
		dhRemote: append([]byte{}, peerRatchetPub...),
		sendCK:   ck,
		skipped:  make(map[skippedID][]byte),
		ad:       append([]byte{}, ad...),
	}, nil
}

// NewResponder builds session state on the side whose bundle was used.
// The sending chain stays empty until the first inbound message drives a
// DH ratchet step.
func NewResponder(rootSecret, ratchetPriv, ratchetPub, ad []byte) *State {
	return &State{
		rootKey: append([]byte{}, rootSecret...),
		dhPriv:  append([]byte{}, ratchetPriv...),
		dhPub:   append([]byte{}, ratchetPub...),
		skipped: make(map[skippedID][]byte),
		ad:      append([]byte{}, ad...),
	}
}

// Encrypt seals plaintext with the next sending-chain key.
func (s *State) Encrypt(plaintext []byte) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendCK == nil {
		return Message{}, ErrNotReady
	}

	next, mk, nonce, err := kdfChain(s.sendCK)
	if err != nil {
		return Message{}, err
	}

	header := Header{DHPub: s.dhPub, PN: s.prevN, N: s.sendN}
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return Message{}, err
	}
	ct := aead.Seal(nil, nonce, plaintext, s.headerAD(header))

	s.sendCK = next
	s.sendN++

	return Message{Header: header, Ciphertext: ct}, nil
}

// Decrypt opens a message, performing DH ratchet steps and skipped-key
// bookkeeping as needed. On failure the session state is unchanged.
func (s *State) Decrypt(msg Message) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.clone()
	pt, err := work.decrypt(msg)
	if err != nil {
		return nil, err
	}
	s.commit(work)
	return pt, nil
}

func (s *State) decrypt(msg Message) ([]byte, error) {
	if pt, ok, err := s.trySkipped(msg); err != nil || ok {
		return pt, err
	}

	if !bytes.Equal(msg.Header.DHPub, s.dhRemote) {
		if err := s.skipChain(msg.Header.PN); err != nil {
			return nil, err
		}
		if err := s.dhRatchet(msg.Header.DHPub); err != nil {
			return nil, err
		}
	}
	if err := s.skipChain(msg.Header.N); err != nil {
		return nil, err
	}

	next, mk, nonce, err := kdfChain(s.recvCK)
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, nonce, msg.Ciphertext, s.headerAD(msg.Header))
	if err != nil {
		return nil, err
	}

	s.recvCK = next
	s.recvN++
	return pt, nil
}

// trySkipped consumes a cached key for an out-of-order message.
func (s *State) trySkipped(msg Message) ([]byte, bool, error) {
	if len(msg.Header.DHPub) != 32 {
		return nil, false, fmt.Errorf("%w: bad ratchet key length", ErrDecrypt)
	}
	id := skippedID{n: msg.Header.N}
	copy(id.dh[:], msg.Header.DHPub)

	blob, ok := s.skipped[id]
	if !ok {
		return nil, false, nil
	}
	mk, nonce := blob[:32], blob[32:]
	pt, err := open(mk, nonce, msg.Ciphertext, s.headerAD(msg.Header))
	if err != nil {
		return nil, false, err
	}
	delete(s.skipped, id)
	return pt, true, nil
}

// skipChain advances the receiving chain to counter until, caching the
// intermediate message keys.
func (s *State) skipChain(until uint32) error {
	if s.recvCK == nil {
		return nil
	}
	if until > s.recvN+maxSkip {
		return ErrTooManySkipped
	}
	for s.recvN < until {
		if len(s.skipped) >= maxSkippedKeys {
			return ErrTooManySkipped
		}
		next, mk, nonce, err := kdfChain(s.recvCK)
		if err != nil {
			return err
		}
		id := skippedID{n: s.recvN}
		copy(id.dh[:], s.dhRemote)
		s.skipped[id] = append(append([]byte{}, mk...), nonce...)
		s.recvCK = next
		s.recvN++
	}
	return nil
}

// dhRatchet rotates both chains on sight of a new remote ratchet key.
func (s *State) dhRatchet(remotePub []byte) error {
	s.prevN = s.sendN
	s.sendN = 0
	s.recvN = 0
	s.dhRemote = append([]byte{}, remotePub...)

	dhOut, err := curve25519.X25519(s.dhPriv, s.dhRemote)
	if err != nil {
		return err
	}
	rk, ck, err := kdfRoot(s.rootKey, dhOut)
	if err != nil {
		return err
	}
	s.rootKey = rk
	s.recvCK = ck

	dhPriv, dhPub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	s.dhPriv = dhPriv
	s.dhPub = dhPub

	dhOut, err = curve25519.X25519(s.dhPriv, s.dhRemote)
	if err != nil {
		return err
	}
	rk, ck, err = kdfRoot(s.rootKey, dhOut)
	if err != nil {
		return err
	}
	s.rootKey = rk
	s.sendCK = ck
	return nil
}

func (s *State) headerAD(h Header) []byte {
	hb, _ := json.Marshal(h)
	return append(append([]byte{}, s.ad...), hb...)
}

// clone copies the mutable session fields so a failed decrypt can be
// discarded without corrupting the live state. Caller holds s.mu.
func (s *State) clone() *State {
	c := &State{
		rootKey:  s.rootKey,
		dhPriv:   s.dhPriv,
		dhPub:    s.dhPub,
		dhRemote: s.dhRemote,
		sendCK:   s.sendCK,
		recvCK:   s.recvCK,
		sendN:    s.sendN,
		recvN:    s.recvN,
		prevN:    s.prevN,
		skipped:  make(map[skippedID][]byte, len(s.skipped)),
		ad:       s.ad,
	}
	for k, v := range s.skipped {
		c.skipped[k] = v
	}
	return c
}

func (s *State) commit(work *State) {
	s.rootKey = work.rootKey
	s.dhPriv = work.dhPriv
	s.dhPub = work.dhPub
	s.dhRemote = work.dhRemote
	s.sendCK = work.sendCK
	s.recvCK = work.recvCK
	s.sendN = work.sendN
	s.recvN = work.recvN
	s.prevN = work.prevN
	s.skipped = work.skipped
}

// kdfRoot derives (next root key, chain key) from the root key and a fresh
// DH output.
func kdfRoot(rk, dhOut []byte) ([]byte, []byte, error) {
	r := hkdf.New(sha256.New, dhOut, rk, []byte(rootInfo))
	out := make([]byte, 64)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// kdfChain derives (next chain key, message key, nonce) from a chain key.
func kdfChain(ck []byte) (next, mk, nonce []byte, err error) {
	r := hkdf.New(sha256.New, ck, nil, []byte(chainInfo))
	out := make([]byte, 32+32+chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, nil, err
	}
	return out[:32], out[32:64], out[64:], nil
}

func open(mk, nonce, ct, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ct, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return pt, nil
}
