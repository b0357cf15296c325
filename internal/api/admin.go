package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fusheng-game/fusheng/internal/domain"
	"github.com/fusheng-game/fusheng/internal/patch"
)

// adminListLimit bounds the admin session listing.
const adminListLimit = 20

// RegisterAdminRoutes mounts the token-gated admin endpoints. With no token
// configured the routes are not mounted at all.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	if h.adminToken == "" {
		return
	}
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Get("/sessions", h.handleAdminList)
		r.Get("/sessions/{playerID}", h.handleAdminGet)
		r.Post("/sessions/{playerID}", h.handleAdminReplace)
		r.Delete("/sessions/{playerID}", h.handleAdminClear)
		r.Post("/sessions/{playerID}/patch", h.handleAdminPatch)
	})
}

// requireAdmin gates a route subtree on the configured bearer token.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.Header.Get("X-Admin-Token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			Error(w, http.StatusForbidden, "admin access denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleAdminList returns the freshest sessions with inspection fields
// only; full records come from the per-player endpoint.
func (h *Handler) handleAdminList(w http.ResponseWriter, r *http.Request) {
	recent := h.sessions.MostRecent(r.Context(), adminListLimit)
	out := make([]map[string]any, 0, len(recent))
	for _, sess := range recent {
		out = append(out, map[string]any{
			"player_id":               sess.PlayerID,
			"last_modified":           sess.LastModified,
			"is_in_trial":             sess.IsInTrial,
			"is_processing":           sess.IsProcessing,
			"opportunities_remaining": sess.OpportunitiesRemaining,
			"daily_success_achieved":  sess.DailySuccessAchieved,
			"unchecked_rounds_count":  sess.UncheckedRoundsCount,
		})
	}
	JSON(w, http.StatusOK, out)
}

func (h *Handler) handleAdminGet(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")
	sess, ok := h.sessions.Get(r.Context(), playerID)
	if !ok {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, sess)
}

// handleAdminReplace swaps in a full session record. The path identity
// always wins over whatever the body claims.
func (h *Handler) handleAdminReplace(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")

	var sess domain.Session
	if err := json.NewDecoder(r.Body).Decode(&sess); err != nil {
		Error(w, http.StatusBadRequest, "invalid session payload")
		return
	}
	sess.PlayerID = playerID
	h.sessions.Save(r.Context(), playerID, &sess)
	JSON(w, http.StatusOK, map[string]string{"status": "replaced", "player_id": playerID})
}

func (h *Handler) handleAdminClear(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")
	h.sessions.Clear(r.Context(), playerID)
	JSON(w, http.StatusOK, map[string]string{"status": "cleared", "player_id": playerID})
}

// handleAdminPatch applies an arbitrary dotted-path update to a session.
// Identity and bookkeeping fields are protected by the patch engine.
func (h *Handler) handleAdminPatch(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")

	var update map[string]any
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		Error(w, http.StatusBadRequest, "invalid patch payload")
		return
	}

	err := h.sessions.Mutate(r.Context(), playerID, func(s *domain.Session) error {
		patch.ApplySession(s, update)
		return nil
	})
	if err != nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	sess, _ := h.sessions.Get(r.Context(), playerID)
	JSON(w, http.StatusOK, sess)
}
