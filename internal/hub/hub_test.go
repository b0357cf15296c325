package hub

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/fusheng-game/fusheng/internal/domain"
	"github.com/klauspost/compress/gzip"
)

func testSession() *domain.Session {
	sess := domain.NewDailySession("p1", "2026-08-31", "secret system prompt", "welcome")
	sess.AppendAction("偷看天机")
	sess.DisplayHistory = append(sess.DisplayHistory, "星君不语。")
	sess.CurrentLife = map[string]any{"identity": "书生"}
	return sess
}

func TestOwnerViewStripsInternalHistory(t *testing.T) {
	view := OwnerView(testSession())

	if _, ok := view["internal_history"]; ok {
		t.Error("owner view must not contain internal_history")
	}
	if _, ok := view["display_history"]; !ok {
		t.Error("owner view should keep display_history")
	}
	if view["player_id"] != "p1" {
		t.Errorf("player_id = %v", view["player_id"])
	}
}

func TestSpectatorViewRedaction(t *testing.T) {
	sess := testSession()
	sess.RedemptionCode = "GOLD-1234-XYZ"
	sess.DisplayHistory = append(sess.DisplayHistory, "获得兑换码: GOLD-1234-XYZ，妥善保管。")

	view := SpectatorView(sess)

	if _, ok := view["internal_history"]; ok {
		t.Error("spectator view must not contain internal_history")
	}

	history, ok := view["display_history"].([]string)
	if !ok {
		t.Fatalf("display_history type %T", view["display_history"])
	}
	for _, line := range history {
		if strings.HasPrefix(strings.TrimSpace(line), domain.PlayerInputPrefix) {
			t.Errorf("player-authored line leaked: %q", line)
		}
		if strings.Contains(line, "GOLD-1234-XYZ") {
			t.Errorf("unmasked reward token leaked: %q", line)
		}
	}
	last := history[len(history)-1]
	if !strings.Contains(last, "G...Z") {
		t.Errorf("expected masked token in %q", last)
	}
}

func TestSpectatorViewSerializedPayload(t *testing.T) {
	sess := testSession()
	raw, err := json.Marshal(Envelope{Type: TypeLiveUpdate, Data: SpectatorView(sess)})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("internal_history")) {
		t.Error("serialized live_update contains internal_history")
	}
	if bytes.Contains(raw, []byte("secret system prompt")) {
		t.Error("serialized live_update contains the system prompt")
	}
}

func TestEncodePayloadGzipRoundTrip(t *testing.T) {
	compressed, err := encodePayload(Envelope{Type: TypeFullState, Data: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatal(err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("payload is not gzip: %v", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decompressed payload is not JSON: %v", err)
	}
	if env.Type != TypeFullState {
		t.Errorf("type = %q", env.Type)
	}
}

func TestWatchSwitchesTarget(t *testing.T) {
	h := New()

	h.Watch("viewer", "alice")
	h.Watch("viewer", "bob")

	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.viewers["alice"]) != 0 {
		t.Error("viewer should have been unsubscribed from alice")
	}
	if !h.viewers["bob"]["viewer"] {
		t.Error("viewer should be subscribed to bob")
	}
	if h.watching["viewer"] != "bob" {
		t.Errorf("watching = %q", h.watching["viewer"])
	}
}

func TestUnwatchCleansEmptySets(t *testing.T) {
	h := New()
	h.Watch("viewer", "alice")
	h.Unwatch("viewer")

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.viewers["alice"]; ok {
		t.Error("empty viewer set should be removed")
	}
	if _, ok := h.watching["viewer"]; ok {
		t.Error("watching entry should be removed")
	}
}

func TestSendWithoutConnectionIsNoOp(t *testing.T) {
	h := New()
	if err := h.send("ghost", Envelope{Type: TypeFullState}); err != nil {
		t.Errorf("send to unknown player should be a silent no-op, got %v", err)
	}
}
