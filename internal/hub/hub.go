// Package hub maintains active WebSocket connections, the spectator
// subscription graph, and role-redacted state fan-out.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/fusheng-game/fusheng/internal/domain"
	"github.com/klauspost/compress/gzip"
)

// Message types pushed over the wire.
const (
	TypeFullState  = "full_state"
	TypeLiveUpdate = "live_update"
	TypeRollEvent  = "roll_event"
)

const sendTimeout = 10 * time.Second

// Envelope is the outer frame of every outbound payload.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub tracks one active connection per player and the spectator graph.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*websocket.Conn
	// viewers maps a broadcasting player to the set of watching players.
	viewers map[string]map[string]bool
	// watching maps a viewer to the single player they watch.
	watching map[string]string
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		conns:    make(map[string]*websocket.Conn),
		viewers:  make(map[string]map[string]bool),
		watching: make(map[string]string),
	}
}

// Register stores the player's connection, silently replacing and closing
// any prior one.
func (h *Hub) Register(playerID string, conn *websocket.Conn) {
	h.mu.Lock()
	if existing, ok := h.conns[playerID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	h.conns[playerID] = conn
	h.mu.Unlock()
	slog.Info("Player connected", "player_id", playerID)
}

// Unregister removes the player's connection if it is still the given one,
// and drops any spectator subscription held by that player.
func (h *Hub) Unregister(playerID string, conn *websocket.Conn) {
	h.mu.Lock()
	if current, ok := h.conns[playerID]; ok && current == conn {
		delete(h.conns, playerID)
		h.removeViewerLocked(playerID)
		slog.Info("Player disconnected", "player_id", playerID)
	}
	h.mu.Unlock()
}

// Watch subscribes viewer to target's live feed. A viewer watches exactly
// one target; any previous subscription is dropped first.
func (h *Hub) Watch(viewerID, targetID string) {
	h.mu.Lock()
	h.removeViewerLocked(viewerID)
	if h.viewers[targetID] == nil {
		h.viewers[targetID] = make(map[string]bool)
	}
	h.viewers[targetID][viewerID] = true
	h.watching[viewerID] = targetID
	h.mu.Unlock()
	slog.Info("Spectator watching", "viewer_id", viewerID, "target_id", targetID)
}

// Unwatch drops the viewer's subscription, if any.
func (h *Hub) Unwatch(viewerID string) {
	h.mu.Lock()
	h.removeViewerLocked(viewerID)
	h.mu.Unlock()
}

func (h *Hub) removeViewerLocked(viewerID string) {
	target, ok := h.watching[viewerID]
	if !ok {
		return
	}
	delete(h.watching, viewerID)
	if set, ok := h.viewers[target]; ok {
		delete(set, viewerID)
		if len(set) == 0 {
			delete(h.viewers, target)
		}
	}
	slog.Info("Spectator stopped watching", "viewer_id", viewerID, "target_id", target)
}

// PushState delivers the owner's full state, internal history stripped.
// Implements session.Notifier.
func (h *Hub) PushState(playerID string, sess *domain.Session) {
	if err := h.send(playerID, Envelope{Type: TypeFullState, Data: OwnerView(sess)}); err != nil {
		slog.Debug("Full state push failed", "player_id", playerID, "error", err)
	}
}

// PushRoll synchronously delivers a roll outcome to the owner. The turn
// pipeline suspends on this send before continuing generation.
func (h *Hub) PushRoll(playerID string, roll *domain.RollEvent) error {
	return h.send(playerID, Envelope{Type: TypeRollEvent, Data: roll})
}

// PushLive delivers one redacted live update to a single viewer, used to
// seed a fresh spectator subscription with the target's current state.
func (h *Hub) PushLive(viewerID string, sess *domain.Session) error {
	return h.send(viewerID, Envelope{Type: TypeLiveUpdate, Data: SpectatorView(sess)})
}

// Broadcast delivers a redacted live update to every spectator of the
// player. Individual failures are logged and never block the remaining
// viewers. Implements session.Notifier.
func (h *Hub) Broadcast(playerID string, sess *domain.Session) {
	h.mu.RLock()
	viewerIDs := make([]string, 0, len(h.viewers[playerID]))
	for id := range h.viewers[playerID] {
		viewerIDs = append(viewerIDs, id)
	}
	h.mu.RUnlock()
	if len(viewerIDs) == 0 {
		return
	}

	payload := Envelope{Type: TypeLiveUpdate, Data: SpectatorView(sess)}
	for _, viewerID := range viewerIDs {
		if err := h.send(viewerID, payload); err != nil {
			slog.Debug("Live update push failed", "viewer_id", viewerID, "error", err)
		}
	}
}

// CloseAll terminates every connection, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	for id, conn := range h.conns {
		_ = conn.Close(websocket.StatusNormalClosure, "server shutting down")
		delete(h.conns, id)
	}
	h.mu.Unlock()
}

// send serializes, compresses, and transmits one payload. A transport
// failure silently deregisters the connection.
func (h *Hub) send(playerID string, payload Envelope) error {
	h.mu.RLock()
	conn := h.conns[playerID]
	h.mu.RUnlock()
	if conn == nil {
		return nil
	}

	compressed, err := encodePayload(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, compressed); err != nil {
		h.Unregister(playerID, conn)
		return fmt.Errorf("write to %s: %w", playerID, err)
	}
	return nil
}

// encodePayload serializes the envelope to JSON and gzips it.
func encodePayload(payload Envelope) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish compression: %w", err)
	}
	return buf.Bytes(), nil
}

// OwnerView is the owner-facing session payload: the full record with the
// internal generator conversation stripped.
func OwnerView(sess *domain.Session) map[string]any {
	view := sessionAsMap(sess)
	delete(view, "internal_history")
	return view
}

// SpectatorView is the redacted live payload: only the visible log and the
// narrative state, with player-authored lines removed and any reward token
// masked to its first and last character.
func SpectatorView(sess *domain.Session) map[string]any {
	history := make([]string, 0, len(sess.DisplayHistory))
	for _, line := range sess.DisplayHistory {
		if strings.HasPrefix(strings.TrimSpace(line), domain.PlayerInputPrefix) {
			continue
		}
		history = append(history, line)
	}

	if sess.RedemptionCode != "" && len(history) > 0 {
		masked := maskCode(sess.RedemptionCode)
		last := len(history) - 1
		history[last] = strings.ReplaceAll(history[last], sess.RedemptionCode, masked)
	}

	return map[string]any{
		"display_history": history,
		"current_life":    sess.CurrentLife,
	}
}

// maskCode reduces a reward token to its first and last character.
func maskCode(code string) string {
	runes := []rune(code)
	if len(runes) <= 2 {
		return code
	}
	return fmt.Sprintf("%c...%c", runes[0], runes[len(runes)-1])
}

func sessionAsMap(sess *domain.Session) map[string]any {
	raw, err := json.Marshal(sess)
	if err != nil {
		slog.Error("Failed to encode session for view", "player_id", sess.PlayerID, "error", err)
		return map[string]any{}
	}
	var view map[string]any
	if err := json.Unmarshal(raw, &view); err != nil {
		return map[string]any{}
	}
	return view
}
