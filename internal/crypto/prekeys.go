package crypto

import (
	"errors"
	"sync"
	"time"

	"github.com/bizur-im/bizur/internal/models"
)

const (
	defaultOneTimeCount = 20

	// consumedGrace keeps a taken one-time key answerable for this long.
	// The published bundle is a static snapshot, so a second initiator
	// who fetched it before the first bootstrap landed still references
	// the same key id.
	consumedGrace = 24 * time.Hour
)

var ErrUnknownPreKey = errors.New("unknown prekey id")

// SignedPreKey is a medium-term X25519 keypair signed by the identity key.
type SignedPreKey struct {
	ID        int
	Private   []byte
	Public    []byte
	Signature []byte
}

// OneTimePreKey is a single-use X25519 keypair.
type OneTimePreKey struct {
	ID      int
	Private []byte
	Public  []byte
}

// consumedPreKey is a taken one-time key retained for the grace window.
type consumedPreKey struct {
	key     OneTimePreKey
	takenAt time.Time
}

// PreKeySet holds the local prekey material backing published key bundles.
// The exported bundle pairs the newest signed prekey with the oldest unspent
// one-time prekey; the pool is regenerated when exhausted.
type PreKeySet struct {
	mu       sync.Mutex
	signed   SignedPreKey
	oneTime  []OneTimePreKey
	consumed map[int]consumedPreKey
	nextID   int
	now      func() time.Time
}

// NewPreKeySet generates a signed prekey and an initial one-time pool.
func NewPreKeySet(identity *Identity) (*PreKeySet, error) {
	s := &PreKeySet{
		consumed: make(map[int]consumedPreKey),
		nextID:   1,
		now:      time.Now,
	}
	if err := s.rotateSigned(identity); err != nil {
		return nil, err
	}
	if err := s.replenish(defaultOneTimeCount); err != nil {
		return nil, err
	}
	return s, nil
}

// rotateSigned generates and signs a fresh signed prekey. Caller holds no lock
// during construction; afterwards callers hold s.mu.
func (s *PreKeySet) rotateSigned(identity *Identity) error {
	priv, pub, err := GenerateX25519()
	if err != nil {
		return err
	}
	s.signed = SignedPreKey{
		ID:        s.nextID,
		Private:   priv,
		Public:    pub,
		Signature: identity.Sign(pub),
	}
	s.nextID++
	return nil
}

func (s *PreKeySet) replenish(n int) error {
	for i := 0; i < n; i++ {
		priv, pub, err := GenerateX25519()
		if err != nil {
			return err
		}
		s.oneTime = append(s.oneTime, OneTimePreKey{ID: s.nextID, Private: priv, Public: pub})
		s.nextID++
	}
	return nil
}

// Bundle exports the publishable key bundle for this identity.
// It regenerates the one-time pool when exhausted.
func (s *PreKeySet) Bundle(identity *Identity) (models.KeyBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.oneTime) == 0 {
		if err := s.replenish(defaultOneTimeCount); err != nil {
			return models.KeyBundle{}, err
		}
	}

	oldest := s.oneTime[0]
	return models.KeyBundle{
		RegistrationID:        identity.RegistrationID,
		DeviceID:              identity.DeviceID,
		IdentityKey:           identity.PublicKey(),
		PreKeyID:              oldest.ID,
		PreKey:                oldest.Public,
		SignedPreKeyID:        s.signed.ID,
		SignedPreKey:          s.signed.Public,
		SignedPreKeySignature: s.signed.Signature,
	}, nil
}

// TakeOneTime consumes the one-time prekey with the given id. A key taken
// within the grace window is still returned, so every initiator holding
// the same bundle snapshot can bootstrap; after the window it is gone.
func (s *PreKeySet) TakeOneTime(id int) (OneTimePreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-consumedGrace)
	for cid, c := range s.consumed {
		if c.takenAt.Before(cutoff) {
			delete(s.consumed, cid)
		}
	}

	for i, k := range s.oneTime {
		if k.ID == id {
			s.oneTime = append(s.oneTime[:i], s.oneTime[i+1:]...)
			s.consumed[id] = consumedPreKey{key: k, takenAt: s.now()}
			return k, nil
		}
	}
	if c, ok := s.consumed[id]; ok {
		return c.key, nil
	}
	return OneTimePreKey{}, ErrUnknownPreKey
}

// Signed returns the signed prekey with the given id. Only the current one
// is retained; bootstraps referencing a rotated-out id fail.
func (s *PreKeySet) Signed(id int) (SignedPreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.signed.ID != id {
		return SignedPreKey{}, ErrUnknownPreKey
	}
	return s.signed, nil
}

// VerifyBundle checks the signed prekey signature of a peer's bundle
// against its identity key.
func VerifyBundle(b *models.KeyBundle) error {
	if err := b.Validate(); err != nil {
		return err
	}
	return VerifySignature(b.IdentityKey, b.SignedPreKey, b.SignedPreKeySignature)
}
