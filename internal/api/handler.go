// Package api provides HTTP handlers for the game API.
package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/fusheng-game/fusheng/internal/game"
	"github.com/fusheng-game/fusheng/internal/hub"
	"github.com/fusheng-game/fusheng/internal/session"
)

// Handler provides common handler utilities and dependencies.
type Handler struct {
	sessions    *session.Store
	processor   *game.Processor
	hub         *hub.Hub
	adminToken  string
	frontendURL string
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(sessions *session.Store, processor *game.Processor, h *hub.Hub, adminToken, frontendURL string) *Handler {
	return &Handler{
		sessions:    sessions,
		processor:   processor,
		hub:         h,
		adminToken:  adminToken,
		frontendURL: frontendURL,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// isDevelopment returns true if running in development mode.
func (h *Handler) isDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return h.frontendURL == "" ||
		strings.Contains(h.frontendURL, "localhost") ||
		strings.Contains(h.frontendURL, "127.0.0.1")
}
