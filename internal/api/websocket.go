package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/fusheng-game/fusheng/internal/game"
	"github.com/fusheng-game/fusheng/internal/hub"
	"github.com/fusheng-game/fusheng/internal/identity"
	"github.com/fusheng-game/fusheng/internal/session"
)

// WebSocketHandler upgrades game connections and dispatches inbound frames.
type WebSocketHandler struct {
	sessions      *session.Store
	processor     *game.Processor
	hub           *hub.Hub
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(sessions *session.Store, processor *game.Processor, h *hub.Hub, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		sessions:      sessions,
		processor:     processor,
		hub:           h,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsFrame is one inbound client message. Type selects the verb; a frame
// with only an action set is treated as a game action for older clients.
type wsFrame struct {
	Type     string `json:"type,omitempty"`
	Action   string `json:"action,omitempty"`
	PlayerID string `json:"player_id,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	playerID := identity.PlayerIDFromContext(r.Context())
	if playerID == "" {
		http.Error(w, "no player identity", http.StatusUnauthorized)
		return
	}
	slog.Info("WebSocket connection request", "player_id", playerID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "player_id", playerID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "player_id", playerID)
		}
	}()

	h.hub.Register(playerID, ws)
	defer h.hub.Unregister(playerID, ws)

	// Seed the connection with the full state for today.
	sess := h.processor.EnsureDailySession(r.Context(), playerID)
	h.hub.PushState(playerID, sess)

	h.readLoop(r.Context(), ws, playerID)
	slog.Info("WebSocket session ended", "player_id", playerID)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, playerID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "player_id", playerID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "player_id", playerID)
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			slog.Warn("Discarding malformed frame", "player_id", playerID, "error", err)
			continue
		}

		switch frame.Type {
		case "watch":
			if frame.PlayerID == "" {
				continue
			}
			target, ok := h.sessions.Get(ctx, frame.PlayerID)
			if !ok {
				slog.Warn("Watch request for unknown player", "viewer_id", playerID, "target_id", frame.PlayerID)
				continue
			}
			h.hub.Watch(playerID, frame.PlayerID)
			if err := h.hub.PushLive(playerID, target); err != nil {
				slog.Debug("Failed to seed live view", "viewer_id", playerID, "error", err)
			}
		case "unwatch":
			h.hub.Unwatch(playerID)
		case "action", "":
			if frame.Action == "" {
				continue
			}
			h.processor.HandleAction(ctx, playerID, frame.Action)
		default:
			slog.Warn("Unknown frame type", "player_id", playerID, "type", frame.Type)
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
