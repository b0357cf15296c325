package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fusheng-game/fusheng/internal/hub"
	"github.com/fusheng-game/fusheng/internal/identity"
)

// liveRecentLimit bounds the public live-players listing.
const liveRecentLimit = 10

type actionRequest struct {
	Action string `json:"action"`
}

type watchRequest struct {
	PlayerID string `json:"player_id"`
}

// RegisterRoutes mounts the player-facing game and live-view endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/action", h.handleAction)
	r.Get("/api/state", h.handleState)
	r.Get("/api/live/recent", h.handleLiveRecent)
	r.Post("/api/live/watch", h.handleWatch)
	r.Post("/api/live/unwatch", h.handleUnwatch)
}

// handleAction accepts one player action. The response only acknowledges
// admission to the pipeline; the outcome arrives over the websocket.
func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request) {
	playerID := identity.PlayerIDFromContext(r.Context())
	if playerID == "" {
		Error(w, http.StatusUnauthorized, "no player identity")
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Action == "" {
		Error(w, http.StatusBadRequest, "action is required")
		return
	}

	h.processor.HandleAction(r.Context(), playerID, req.Action)
	JSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleState returns the caller's current daily session, creating it on
// first contact. The internal generator conversation is never exposed.
func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	playerID := identity.PlayerIDFromContext(r.Context())
	if playerID == "" {
		Error(w, http.StatusUnauthorized, "no player identity")
		return
	}

	sess := h.processor.EnsureDailySession(r.Context(), playerID)
	JSON(w, http.StatusOK, hub.OwnerView(sess))
}

// handleLiveRecent lists the most recently active players for the live
// view, with display names masked to their first and last character.
func (h *Handler) handleLiveRecent(w http.ResponseWriter, r *http.Request) {
	recent := h.sessions.MostRecent(r.Context(), liveRecentLimit)
	out := make([]map[string]string, 0, len(recent))
	for _, sess := range recent {
		out = append(out, map[string]string{
			"player_id":    sess.PlayerID,
			"display_name": maskPlayerID(sess.PlayerID),
		})
	}
	JSON(w, http.StatusOK, out)
}

func (h *Handler) handleWatch(w http.ResponseWriter, r *http.Request) {
	viewerID := identity.PlayerIDFromContext(r.Context())
	if viewerID == "" {
		Error(w, http.StatusUnauthorized, "no player identity")
		return
	}

	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerID == "" {
		Error(w, http.StatusBadRequest, "player_id is required")
		return
	}

	target, ok := h.sessions.Get(r.Context(), req.PlayerID)
	if !ok {
		Error(w, http.StatusNotFound, "player not found")
		return
	}

	h.hub.Watch(viewerID, req.PlayerID)
	// Seed the subscription so the viewer is not blank until the next turn.
	_ = h.hub.PushLive(viewerID, target)
	JSON(w, http.StatusOK, map[string]string{"status": "watching", "player_id": req.PlayerID})
}

func (h *Handler) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	viewerID := identity.PlayerIDFromContext(r.Context())
	if viewerID == "" {
		Error(w, http.StatusUnauthorized, "no player identity")
		return
	}

	h.hub.Unwatch(viewerID)
	JSON(w, http.StatusOK, map[string]string{"status": "idle"})
}

// maskPlayerID reduces an identifier to its first and last character.
func maskPlayerID(id string) string {
	runes := []rune(id)
	if len(runes) <= 2 {
		return id
	}
	return string(runes[0]) + "..." + string(runes[len(runes)-1])
}
