package domain

import (
	"strings"
	"testing"
)

func TestNewDailySession(t *testing.T) {
	sess := NewDailySession("anon_p1", "2026-08-31", "system", "welcome")

	if sess.OpportunitiesRemaining != InitialOpportunities {
		t.Errorf("opportunities = %d, want %d", sess.OpportunitiesRemaining, InitialOpportunities)
	}
	if len(sess.InternalHistory) != 1 || sess.InternalHistory[0].Role != RoleSystem {
		t.Errorf("internal history should open with the system prompt, got %+v", sess.InternalHistory)
	}
	if len(sess.DisplayHistory) != 1 || sess.DisplayHistory[0] != "welcome" {
		t.Errorf("display history should open with the welcome text, got %+v", sess.DisplayHistory)
	}
	if sess.IsInTrial || sess.DailySuccessAchieved || sess.IsProcessing {
		t.Error("fresh session must start with all flags down")
	}
}

func TestCloneIsDeep(t *testing.T) {
	sess := NewDailySession("anon_p1", "2026-08-31", "system", "welcome")
	sess.CurrentLife = map[string]any{
		"姓名": "林风",
		"属性": map[string]any{"灵力": 10},
	}
	sess.PendingPunishment = &Punishment{Level: LevelMinor, Reason: "test"}
	sess.RollEvent = &RollEvent{Type: "判定", Sides: 100}

	clone := sess.Clone()
	clone.CurrentLife["姓名"] = "改"
	clone.CurrentLife["属性"].(map[string]any)["灵力"] = 99
	clone.PendingPunishment.Level = LevelSevere
	clone.RollEvent.Sides = 20
	clone.InternalHistory[0].Content = "mutated"
	clone.DisplayHistory[0] = "mutated"

	if sess.CurrentLife["姓名"] != "林风" {
		t.Error("clone shares top-level life map")
	}
	if sess.CurrentLife["属性"].(map[string]any)["灵力"] != 10 {
		t.Error("clone shares nested life map")
	}
	if sess.PendingPunishment.Level != LevelMinor {
		t.Error("clone shares punishment pointer")
	}
	if sess.RollEvent.Sides != 100 {
		t.Error("clone shares roll event pointer")
	}
	if sess.InternalHistory[0].Content != "system" || sess.DisplayHistory[0] != "welcome" {
		t.Error("clone shares history slices")
	}
}

func TestRecentInputs(t *testing.T) {
	sess := NewDailySession("anon_p1", "2026-08-31", "system", "welcome")
	for _, a := range []string{"一", "二", "三", "四"} {
		sess.AppendAction(a)
	}
	sess.InternalHistory = append(sess.InternalHistory, Message{Role: RoleAssistant, Content: "回应"})

	got := sess.RecentInputs(2)
	if len(got) != 2 || got[0] != "三" || got[1] != "四" {
		t.Errorf("RecentInputs(2) = %v, want [三 四]", got)
	}
	if got := sess.RecentInputs(10); len(got) != 4 {
		t.Errorf("RecentInputs(10) = %v, want all 4 inputs", got)
	}
}

func TestAppendActionMarksDisplayLine(t *testing.T) {
	sess := NewDailySession("anon_p1", "2026-08-31", "system", "welcome")
	sess.AppendAction("向前走")

	last := sess.DisplayHistory[len(sess.DisplayHistory)-1]
	if last != PlayerInputPrefix+"向前走" {
		t.Errorf("display line = %q, want player prefix", last)
	}
	if sess.InternalHistory[len(sess.InternalHistory)-1].Role != RoleUser {
		t.Error("internal entry should carry the user role")
	}
}

func TestResetTrialDropsLifeAndConversation(t *testing.T) {
	sess := NewDailySession("anon_p1", "2026-08-31", "system", "welcome")
	sess.IsInTrial = true
	sess.CurrentLife = map[string]any{"姓名": "林风"}
	sess.AppendAction("行动")

	sess.ResetTrial("fresh system")

	if sess.IsInTrial {
		t.Error("trial flag should be down after reset")
	}
	if sess.CurrentLife != nil {
		t.Error("current life should be dropped")
	}
	if len(sess.InternalHistory) != 1 || sess.InternalHistory[0].Content != "fresh system" {
		t.Errorf("conversation should restart from the new system prompt, got %+v", sess.InternalHistory)
	}
}

func TestPromptSnapshotTruncatesDisplay(t *testing.T) {
	sess := NewDailySession("anon_p1", "2026-08-31", "system", strings.Repeat("道", 1500))

	snap := sess.PromptSnapshot()
	if _, leaked := snap["internal_history"]; leaked {
		t.Error("snapshot must not carry the internal history")
	}
	display, _ := snap["display_history"].(string)
	if got := len([]rune(display)); got != snapshotDisplayLimit {
		t.Errorf("snapshot display runes = %d, want %d", got, snapshotDisplayLimit)
	}
}

func TestIsStartTrialAction(t *testing.T) {
	for _, a := range StartTrialActions {
		if !IsStartTrialAction(a) {
			t.Errorf("IsStartTrialAction(%q) = false", a)
		}
	}
	for _, a := range []string{"", "向前走", "开始"} {
		if IsStartTrialAction(a) {
			t.Errorf("IsStartTrialAction(%q) = true", a)
		}
	}
}
