package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
)

var (
	ErrInvalidPublicKey = errors.New("invalid Ed25519 public key")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrNoIdentity       = errors.New("no stored identity")
)

// Identity is a device's long-term cryptographic identity. Created once,
// persisted, immutable after creation.
type Identity struct {
	SigningKey     ed25519.PrivateKey
	RegistrationID int
	DeviceID       int
}

// identityFile is the JSON metadata persisted next to the private key.
type identityFile struct {
	PublicKey      string `json:"publicKey"`
	PeerCode       string `json:"peerCode"`
	RegistrationID int    `json:"registrationId"`
	DeviceID       int    `json:"deviceId"`
}

// NewIdentity generates a fresh identity with a random registration id.
func NewIdentity(deviceID int) (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	// Registration ids fit in 14 bits, matching the session protocol range.
	regID, err := rand.Int(rand.Reader, big.NewInt(16380))
	if err != nil {
		return nil, err
	}
	return &Identity{
		SigningKey:     priv,
		RegistrationID: int(regID.Int64()) + 1,
		DeviceID:       deviceID,
	}, nil
}

// PublicKey returns the Ed25519 public half of the identity key.
func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.SigningKey.Public().(ed25519.PublicKey)
}

// Sign signs payload with the identity key.
func (i *Identity) Sign(payload []byte) []byte {
	return ed25519.Sign(i.SigningKey, payload)
}

// PeerCode derives the short human-shareable code for this identity:
// the first 40 bits of SHA-256 of the public key, base32, XXXX-XXXX.
func (i *Identity) PeerCode() string {
	return PeerCodeFor(i.PublicKey())
}

// PeerCodeFor derives a peer code from any Ed25519 public key.
func PeerCodeFor(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	code := base32.StdEncoding.EncodeToString(sum[:5])
	return code[:4] + "-" + code[4:8]
}

// RegisterProofPayload is the canonical data signed for a relay register
// frame. Format: identity|peerCode|timestamp.
func RegisterProofPayload(identity, peerCode string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d", identity, peerCode, timestamp))
}

// VerifySignature verifies an Ed25519 signature.
func VerifySignature(pub ed25519.PublicKey, payload, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(pub))
	}
	if !ed25519.Verify(pub, payload, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Save persists the identity under dir as identity.json + private.key.
func (i *Identity) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	meta := identityFile{
		PublicKey:      base64.StdEncoding.EncodeToString(i.PublicKey()),
		PeerCode:       i.PeerCode(),
		RegistrationID: i.RegistrationID,
		DeviceID:       i.DeviceID,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "identity.json"), data, 0600); err != nil {
		return err
	}

	seed := base64.StdEncoding.EncodeToString(i.SigningKey.Seed())
	return os.WriteFile(filepath.Join(dir, "private.key"), []byte(seed), 0600)
}

// LoadIdentity restores an identity persisted by Save.
func LoadIdentity(dir string) (*Identity, error) {
	metaData, err := os.ReadFile(filepath.Join(dir, "identity.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoIdentity
		}
		return nil, err
	}
	var meta identityFile
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, err
	}

	seedB64, err := os.ReadFile(filepath.Join(dir, "private.key"))
	if err != nil {
		return nil, err
	}
	seed, err := base64.StdEncoding.DecodeString(string(seedB64))
	if err != nil {
		return nil, fmt.Errorf("corrupt private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("corrupt private key: %d bytes, expected %d", len(seed), ed25519.SeedSize)
	}

	return &Identity{
		SigningKey:     ed25519.NewKeyFromSeed(seed),
		RegistrationID: meta.RegistrationID,
		DeviceID:       meta.DeviceID,
	}, nil
}

// DefaultConfigDir returns ~/.bizur.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".bizur"), nil
}
