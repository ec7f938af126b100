package models

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidBundle = errors.New("invalid key bundle")

// KeyBundle is the published material letting a peer bootstrap a session
// with this identity while it is offline. IdentityKey is an Ed25519 public
// key; the prekeys are X25519 public keys. The signed prekey signature is
// an Ed25519 signature by IdentityKey over SignedPreKey.
type KeyBundle struct {
	RegistrationID        int    `json:"registrationId"`
	DeviceID              int    `json:"deviceId"`
	IdentityKey           []byte `json:"identityKey"`
	PreKeyID              int    `json:"preKeyId,omitempty"`
	PreKey                []byte `json:"preKey,omitempty"`
	SignedPreKeyID        int    `json:"signedPreKeyId"`
	SignedPreKey          []byte `json:"signedPreKey"`
	SignedPreKeySignature []byte `json:"signedPreKeySignature"`
}

// Validate checks structural sanity of a bundle before storing or using it.
func (b *KeyBundle) Validate() error {
	if len(b.IdentityKey) != 32 {
		return fmt.Errorf("%w: identity key must be 32 bytes, got %d", ErrInvalidBundle, len(b.IdentityKey))
	}
	if len(b.SignedPreKey) != 32 {
		return fmt.Errorf("%w: signed prekey must be 32 bytes, got %d", ErrInvalidBundle, len(b.SignedPreKey))
	}
	if len(b.SignedPreKeySignature) != 64 {
		return fmt.Errorf("%w: signed prekey signature must be 64 bytes, got %d", ErrInvalidBundle, len(b.SignedPreKeySignature))
	}
	if len(b.PreKey) != 0 && len(b.PreKey) != 32 {
		return fmt.Errorf("%w: one-time prekey must be 32 bytes, got %d", ErrInvalidBundle, len(b.PreKey))
	}
	return nil
}

// QueueEntry is a message waiting at the relay for an offline recipient.
// ID is a ULID so lexicographic order matches insertion order.
type QueueEntry struct {
	ID        string    `json:"id"`
	Recipient string    `json:"recipient"`
	MsgID     string    `json:"msgId"`
	Envelope  []byte    `json:"envelope"`
	CreatedAt time.Time `json:"createdAt"`
}
