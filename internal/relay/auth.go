package relay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/bizur-im/bizur/internal/metrics"
	"github.com/bizur-im/bizur/internal/models"
	"github.com/bizur-im/bizur/internal/store"
)

// maxClockSkew is the accepted |now - ts| window for the HMAC scheme.
const maxClockSkew = 5 * time.Minute

// minNonceLen rejects trivially guessable nonces.
const minNonceLen = 16

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrUnknownIdentity    = errors.New("no api key issued for identity")
	ErrStaleTimestamp     = errors.New("timestamp outside accepted window")
	ErrNonceReused        = errors.New("nonce already used")
	ErrBadSignature       = errors.New("signature mismatch")
	ErrBadToken           = errors.New("invalid token")
)

// Authenticator validates relay connection attempts. Two schemes are
// accepted: the HMAC apiKey scheme, and a deprecated shared-secret token
// that is logged on every use. A failed attempt never partially registers.
type Authenticator struct {
	store       store.RelayStore
	nonces      store.NonceCache
	legacyToken string
	logger      zerolog.Logger
	now         func() time.Time
}

// NewAuthenticator creates an authenticator. legacyToken empty disables
// the fallback scheme entirely.
func NewAuthenticator(st store.RelayStore, nonces store.NonceCache, legacyToken string, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		store:       st,
		nonces:      nonces,
		legacyToken: legacyToken,
		logger:      logger,
		now:         time.Now,
	}
}

// ConnectionSignature computes the hex HMAC-SHA256 connection signature:
// HMAC(apiKey, "{identity}:{ts}:{nonce}"). Shared with the client side.
func ConnectionSignature(apiKey, identity string, ts int64, nonce string) string {
	mac := hmac.New(sha256.New, []byte(apiKey))
	fmt.Fprintf(mac, "%s:%d:%s", identity, ts, nonce)
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate validates the connection query parameters and returns the
// authenticated identity.
func (a *Authenticator) Authenticate(ctx context.Context, q url.Values) (string, error) {
	identity := models.NormalizePeerCode(q.Get("identity"))
	if !models.ValidIdentity(identity) {
		return "", fail("identity", ErrMissingCredentials)
	}

	if apiKey := q.Get("apiKey"); apiKey != "" {
		if err := a.checkSigned(ctx, identity, apiKey, q.Get("ts"), q.Get("nonce"), q.Get("sig")); err != nil {
			return "", err
		}
		return identity, nil
	}

	if token := q.Get("token"); token != "" {
		if a.legacyToken == "" || !hmac.Equal([]byte(token), []byte(a.legacyToken)) {
			return "", fail("token", ErrBadToken)
		}
		a.logger.Warn().Str("identity", identity).Msg("legacy token auth used, deprecated")
		return identity, nil
	}

	return "", fail("none", ErrMissingCredentials)
}

func (a *Authenticator) checkSigned(ctx context.Context, identity, apiKey, tsStr, nonce, sig string) error {
	if tsStr == "" || nonce == "" || sig == "" {
		return fail("params", ErrMissingCredentials)
	}
	if len(nonce) < minNonceLen {
		return fail("nonce", ErrMissingCredentials)
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return fail("ts", ErrMissingCredentials)
	}

	// Freshness first: a stale timestamp is rejected regardless of
	// signature correctness.
	skew := a.now().Sub(time.UnixMilli(ts))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxClockSkew {
		return fail("stale", ErrStaleTimestamp)
	}

	stored, err := a.store.GetAPIKey(ctx, identity)
	if err != nil {
		return err
	}
	if stored == "" {
		return fail("identity", ErrUnknownIdentity)
	}
	if !hmac.Equal([]byte(apiKey), []byte(stored)) {
		return fail("apikey", ErrBadSignature)
	}

	want := ConnectionSignature(stored, identity, ts, nonce)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return fail("sig", ErrBadSignature)
	}

	// Nonce check last so failed authentication attempts cannot burn nonces.
	if !a.nonces.MarkNonce(ctx, identity, nonce, 2*maxClockSkew) {
		return fail("nonce_reuse", ErrNonceReused)
	}

	return nil
}

func fail(reason string, err error) error {
	metrics.AuthFailures.WithLabelValues(reason).Inc()
	return err
}
