package ratchet

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const x3dhInfo = "bizur/x3dh/v1"

// InitiatorSecret derives the shared root secret on the side that starts a
// session from a peer's published key bundle.
//
//	DH1 = DH(ourIdentity, peerSignedPreKey)
//	DH2 = DH(ourEphemeral, peerIdentity)
//	DH3 = DH(ourEphemeral, peerSignedPreKey)
//	DH4 = DH(ourEphemeral, peerOneTimePreKey)   (when a one-time key is present)
//
// All keys are X25519; Ed25519 identity keys must be converted first.
func InitiatorSecret(ourIdentityPriv, ourEphemeralPriv, peerIdentityPub, peerSignedPreKeyPub, peerOneTimePreKeyPub []byte) ([]byte, error) {
	dh1, err := curve25519.X25519(ourIdentityPriv, peerSignedPreKeyPub)
	if err != nil {
		return nil, err
	}
	dh2, err := curve25519.X25519(ourEphemeralPriv, peerIdentityPub)
	if err != nil {
		return nil, err
	}
	dh3, err := curve25519.X25519(ourEphemeralPriv, peerSignedPreKeyPub)
	if err != nil {
		return nil, err
	}

	material := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if len(peerOneTimePreKeyPub) != 0 {
		dh4, err := curve25519.X25519(ourEphemeralPriv, peerOneTimePreKeyPub)
		if err != nil {
			return nil, err
		}
		material = append(material, dh4...)
	}

	return deriveRoot(material)
}

// ResponderSecret derives the same root secret on the side whose bundle was
// used, mirroring the initiator's DH order.
func ResponderSecret(ourIdentityPriv, ourSignedPreKeyPriv, ourOneTimePreKeyPriv, peerIdentityPub, peerEphemeralPub []byte) ([]byte, error) {
	dh1, err := curve25519.X25519(ourSignedPreKeyPriv, peerIdentityPub)
	if err != nil {
		return nil, err
	}
	dh2, err := curve25519.X25519(ourIdentityPriv, peerEphemeralPub)
	if err != nil {
		return nil, err
	}
	dh3, err := curve25519.X25519(ourSignedPreKeyPriv, peerEphemeralPub)
	if err != nil {
		return nil, err
	}

	material := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if len(ourOneTimePreKeyPriv) != 0 {
		dh4, err := curve25519.X25519(ourOneTimePreKeyPriv, peerEphemeralPub)
		if err != nil {
			return nil, err
		}
		material = append(material, dh4...)
	}

	return deriveRoot(material)
}

func deriveRoot(material []byte) ([]byte, error) {
	salt := make([]byte, 32)
	r := hkdf.New(sha256.New, material, salt, []byte(x3dhInfo))
	root := make([]byte, 32)
	if _, err := io.ReadFull(r, root); err != nil {
		return nil, err
	}
	return root, nil
}
