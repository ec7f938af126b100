package models

import (
	"encoding/json"
	"strings"
)

// Client-originated frame types.
const (
	TypeRegister        = "register"
	TypeOffer           = "offer"
	TypeAnswer          = "answer"
	TypeIce             = "ice"
	TypeCiphertext      = "ciphertext"
	TypeContactRequest  = "contact_request"
	TypeContactResponse = "contact_response"
	TypeLookup          = "lookup"
	TypePullQueue       = "pullQueue"
	TypePong            = "pong"
)

// Server-originated frame types.
const (
	TypeRegistered   = "registered"
	TypeQueued       = "queued"
	TypeQueueEnd     = "queueEnd"
	TypeLookupResult = "lookup_result"
	TypeError        = "error"
	TypePing         = "ping"
)

// MaxIdentityLen bounds identity and peer-code strings on the wire.
const MaxIdentityLen = 128

// routedTypes are the frame types the relay forwards peer to peer.
// Each requires a recipient and a unique message id.
var routedTypes = map[string]bool{
	TypeOffer:           true,
	TypeAnswer:          true,
	TypeIce:             true,
	TypeCiphertext:      true,
	TypeContactRequest:  true,
	TypeContactResponse: true,
}

// Envelope is one wire unit exchanged with the relay, one JSON object per frame.
type Envelope struct {
	Type     string          `json:"type"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	DeviceID int             `json:"deviceId,omitempty"`
	MsgID    string          `json:"msgId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Auth     *AuthProof      `json:"auth,omitempty"`

	// lookup / lookup_result
	Target string `json:"target,omitempty"`
	Found  *bool  `json:"found,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// AuthProof is the optional freshness proof attached to a register frame:
// an Ed25519 signature over "identity|peerCode|timestamp".
type AuthProof struct {
	Identity  string `json:"identity"`
	PeerCode  string `json:"peerCode,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Signature []byte `json:"signature"`
}

// IsRouted reports whether a frame type is forwarded peer to peer by the relay.
func IsRouted(frameType string) bool {
	return routedTypes[frameType]
}

// NormalizePeerCode canonicalizes a peer code for lookup and routing.
func NormalizePeerCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidIdentity reports whether an identity string is acceptable on the wire.
func ValidIdentity(id string) bool {
	return id != "" && len(id) <= MaxIdentityLen
}

// ErrorEnvelope builds an error frame.
func ErrorEnvelope(message string) *Envelope {
	return &Envelope{Type: TypeError, Message: message}
}

// LookupResultEnvelope builds a lookup_result frame.
func LookupResultEnvelope(target string, found bool) *Envelope {
	return &Envelope{Type: TypeLookupResult, Target: target, Found: &found}
}
