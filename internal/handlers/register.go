package handlers

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bizur-im/bizur/internal/models"
)

// pushRegisterRequest is the body of POST /push/register.
type pushRegisterRequest struct {
	Identity string `json:"identity"`
	Token    string `json:"token"`
}

// RegisterPush handles POST /push/register: stores the wake-up push token
// for an identity.
func (h *Handler) RegisterPush(w http.ResponseWriter, r *http.Request) {
	var req pushRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	identity := models.NormalizePeerCode(req.Identity)
	if !models.ValidIdentity(identity) || req.Token == "" {
		h.Error(w, http.StatusBadRequest, "identity and token required")
		return
	}

	if err := h.store.UpsertPushToken(r.Context(), identity, req.Token); err != nil {
		h.Error(w, http.StatusInternalServerError, "storage failure")
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{"identity": identity, "status": "registered"})
}

// authRegisterRequest is the body of POST /auth/register.
type authRegisterRequest struct {
	Identity string `json:"identity"`
}

// authRegisterResponse returns the freshly issued API key. It is shown
// exactly once; the relay keeps the only stored copy.
type authRegisterResponse struct {
	Identity string `json:"identity"`
	APIKey   string `json:"apiKey"`
}

// RegisterAuth handles POST /auth/register: issues a per-identity API key
// for the HMAC connection scheme. Master-token protected.
func (h *Handler) RegisterAuth(w http.ResponseWriter, r *http.Request) {
	if h.masterToken == "" {
		h.Error(w, http.StatusForbidden, "api key issuance disabled")
		return
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !hmac.Equal([]byte(token), []byte(h.masterToken)) {
		h.Error(w, http.StatusUnauthorized, "invalid master token")
		return
	}

	var req authRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	identity := models.NormalizePeerCode(req.Identity)
	if !models.ValidIdentity(identity) {
		h.Error(w, http.StatusBadRequest, "invalid identity")
		return
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		h.Error(w, http.StatusInternalServerError, "entropy failure")
		return
	}
	apiKey := hex.EncodeToString(buf)

	if err := h.store.UpsertAPIKey(r.Context(), identity, apiKey); err != nil {
		h.Error(w, http.StatusInternalServerError, "storage failure")
		return
	}

	h.JSON(w, http.StatusOK, authRegisterResponse{Identity: identity, APIKey: apiKey})
}
