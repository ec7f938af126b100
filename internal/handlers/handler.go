package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/bizur-im/bizur/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store       store.RelayStore
	redis       *store.RedisStore // nil when Redis is not configured
	masterToken string
	started     time.Time
}

// NewHandler creates a new Handler with the given stores.
func NewHandler(st store.RelayStore, redis *store.RedisStore, masterToken string) *Handler {
	return &Handler{
		store:       st,
		redis:       redis,
		masterToken: masterToken,
		started:     time.Now(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
