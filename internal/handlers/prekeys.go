package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bizur-im/bizur/internal/models"
)

// PublishPreKeys handles PUT /prekeys/{identity}: validates and stores an
// identity's key bundle, replacing any previous one.
func (h *Handler) PublishPreKeys(w http.ResponseWriter, r *http.Request) {
	identity := models.NormalizePeerCode(chi.URLParam(r, "identity"))
	if !models.ValidIdentity(identity) {
		h.Error(w, http.StatusBadRequest, "invalid identity")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var bundle models.KeyBundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid bundle JSON")
		return
	}
	if err := bundle.Validate(); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.UpsertKeyBundle(r.Context(), identity, body); err != nil {
		h.Error(w, http.StatusInternalServerError, "storage failure")
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{"identity": identity, "status": "published"})
}

// GetPreKeys handles GET /prekeys/{identity}: returns the published
// bundle, 404 if absent.
func (h *Handler) GetPreKeys(w http.ResponseWriter, r *http.Request) {
	identity := models.NormalizePeerCode(chi.URLParam(r, "identity"))
	if !models.ValidIdentity(identity) {
		h.Error(w, http.StatusBadRequest, "invalid identity")
		return
	}

	bundle, err := h.store.GetKeyBundle(r.Context(), identity)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if bundle == nil {
		h.Error(w, http.StatusNotFound, "no bundle published")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(bundle)
}
