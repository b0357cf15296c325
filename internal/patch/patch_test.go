package patch

import (
	"reflect"
	"testing"

	"github.com/fusheng-game/fusheng/internal/domain"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name   string
		target map[string]any
		update map[string]any
		want   map[string]any
	}{
		{
			name:   "dotted path creates intermediate maps",
			target: map[string]any{},
			update: map[string]any{"a.b": 1},
			want:   map[string]any{"a": map[string]any{"b": 1}},
		},
		{
			name:   "leaf overwrite",
			target: map[string]any{"a": map[string]any{"b": 1}},
			update: map[string]any{"a.b": 2},
			want:   map[string]any{"a": map[string]any{"b": 2}},
		},
		{
			name:   "append marker pushes single element",
			target: map[string]any{"list": []any{1, 2}},
			update: map[string]any{"list+": 5},
			want:   map[string]any{"list": []any{1, 2, 5}},
		},
		{
			name:   "append marker extends with list value",
			target: map[string]any{"list": []any{1, 2}},
			update: map[string]any{"list+": []any{5, 6}},
			want:   map[string]any{"list": []any{1, 2, 5, 6}},
		},
		{
			name:   "append marker creates missing list",
			target: map[string]any{},
			update: map[string]any{"inventory.items+": "剑"},
			want:   map[string]any{"inventory": map[string]any{"items": []any{"剑"}}},
		},
		{
			name:   "non-map intermediate is replaced",
			target: map[string]any{"a": 3},
			update: map[string]any{"a.b": 1},
			want:   map[string]any{"a": map[string]any{"b": 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Apply(tt.target, tt.update)
			if !reflect.DeepEqual(tt.target, tt.want) {
				t.Errorf("Apply() = %#v, want %#v", tt.target, tt.want)
			}
		})
	}
}

func TestApplyNotIdempotentForAppends(t *testing.T) {
	target := map[string]any{"list": []any{1}}
	update := map[string]any{"list+": 2}

	Apply(target, update)
	Apply(target, update)

	want := []any{1, 2, 2}
	if !reflect.DeepEqual(target["list"], want) {
		t.Errorf("double apply = %#v, want %#v", target["list"], want)
	}
}

func TestApplySessionTypedFields(t *testing.T) {
	sess := domain.NewDailySession("p1", "2026-08-31", "system", "welcome")
	sess.IsInTrial = true

	ApplySession(sess, map[string]any{
		"is_in_trial":             false,
		"daily_success_achieved":  true,
		"opportunities_remaining": float64(3),
		"current_life":            nil,
	})

	if sess.IsInTrial {
		t.Error("expected is_in_trial=false")
	}
	if !sess.DailySuccessAchieved {
		t.Error("expected daily_success_achieved=true")
	}
	if sess.OpportunitiesRemaining != 3 {
		t.Errorf("opportunities = %d, want 3", sess.OpportunitiesRemaining)
	}
	if sess.CurrentLife != nil {
		t.Error("expected current_life cleared")
	}
}

func TestApplySessionCurrentLifePaths(t *testing.T) {
	sess := domain.NewDailySession("p1", "2026-08-31", "system", "welcome")

	ApplySession(sess, map[string]any{
		"current_life.identity":   "书生",
		"current_life.inventory+": "灵石",
		"current_life.stats.力量":   float64(7),
	})

	if got := sess.CurrentLife["identity"]; got != "书生" {
		t.Errorf("identity = %v", got)
	}
	if got, ok := sess.CurrentLife["inventory"].([]any); !ok || len(got) != 1 || got[0] != "灵石" {
		t.Errorf("inventory = %#v", sess.CurrentLife["inventory"])
	}
	stats, ok := sess.CurrentLife["stats"].(map[string]any)
	if !ok || stats["力量"] != float64(7) {
		t.Errorf("stats = %#v", sess.CurrentLife["stats"])
	}
}

func TestApplySessionProtectsIdentityFields(t *testing.T) {
	sess := domain.NewDailySession("p1", "2026-08-31", "system", "welcome")
	sess.IsProcessing = true

	ApplySession(sess, map[string]any{
		"player_id":     "intruder",
		"session_date":  "1999-01-01",
		"is_processing": false,
	})

	if sess.PlayerID != "p1" || sess.SessionDate != "2026-08-31" {
		t.Errorf("identity fields mutated: %q %q", sess.PlayerID, sess.SessionDate)
	}
	if !sess.IsProcessing {
		t.Error("is_processing must not be patchable")
	}
}

func TestApplySessionUnknownKeysGoToExtra(t *testing.T) {
	sess := domain.NewDailySession("p1", "2026-08-31", "system", "welcome")

	ApplySession(sess, map[string]any{"weather.sky": "晴"})

	w, ok := sess.Extra["weather"].(map[string]any)
	if !ok || w["sky"] != "晴" {
		t.Errorf("extra = %#v", sess.Extra)
	}
}
