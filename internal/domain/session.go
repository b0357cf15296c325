// Package domain contains core domain types for the trial session engine.
package domain

import (
	"strings"
)

// InitialOpportunities is the number of trial entries granted each day.
const InitialOpportunities = 10

// SuspendedOpportunities is the sentinel applied on a severe penalty. It is
// negative so the entry guard can never admit another trial that day.
const SuspendedOpportunities = -10

// PlayerInputPrefix marks player-authored lines in the display history.
const PlayerInputPrefix = "> "

// UncheckedRoundsThreshold is the unchecked-rounds count above which a
// compliance check is due.
const UncheckedRoundsThreshold = 5

// CheckWindowBase is added to the unchecked count to size the batch of
// recent inputs handed to the compliance judge.
const CheckWindowBase = 8

// Message roles for the internal history sent to the generator.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Compliance levels returned by the cheat judge. The contract is exactly
// three-valued; anything else is treated as LevelNormal.
const (
	LevelNormal = "正常"
	LevelMinor  = "轻度亵渎"
	LevelSevere = "重度渎道"
)

// StartTrialActions are the literal action texts that open a new trial.
var StartTrialActions = []string{"开始试炼", "开启下一次试炼", "开始第一次试炼"}

// IsStartTrialAction reports whether the action text requests a new trial.
func IsStartTrialAction(action string) bool {
	for _, a := range StartTrialActions {
		if action == a {
			return true
		}
	}
	return false
}

// Message is a role-tagged entry in the generator conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Punishment is a pending penalty consumed on the player's next action.
type Punishment struct {
	Level  string `json:"level"`
	Reason string `json:"reason"`
}

// RollEvent captures a resolved mid-turn dice check.
type RollEvent struct {
	Type       string `json:"type"`
	Target     int    `json:"target"`
	Sides      int    `json:"sides"`
	Result     int    `json:"result"`
	Outcome    string `json:"outcome"`
	ResultText string `json:"result_text"`
}

// Session is the authoritative per-player record for one calendar day.
// It is owned by the session store; a new day supersedes it wholesale.
type Session struct {
	PlayerID               string         `json:"player_id"`
	SessionDate            string         `json:"session_date"`
	OpportunitiesRemaining int            `json:"opportunities_remaining"`
	DailySuccessAchieved   bool           `json:"daily_success_achieved"`
	IsInTrial              bool           `json:"is_in_trial"`
	IsProcessing           bool           `json:"is_processing"`
	PendingPunishment      *Punishment    `json:"pending_punishment,omitempty"`
	UncheckedRoundsCount   int            `json:"unchecked_rounds_count"`
	CurrentLife            map[string]any `json:"current_life"`
	InternalHistory        []Message      `json:"internal_history"`
	DisplayHistory         []string       `json:"display_history"`
	RollEvent              *RollEvent     `json:"roll_event,omitempty"`
	RedemptionCode         string         `json:"redemption_code,omitempty"`
	Extra                  map[string]any `json:"extra,omitempty"`
	LastModified           float64        `json:"last_modified"`
}

// NewDailySession creates a fresh record for the given calendar day.
func NewDailySession(playerID, date, systemPrompt, welcome string) *Session {
	return &Session{
		PlayerID:               playerID,
		SessionDate:            date,
		OpportunitiesRemaining: InitialOpportunities,
		InternalHistory:        []Message{{Role: RoleSystem, Content: systemPrompt}},
		DisplayHistory:         []string{welcome},
	}
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	if s.PendingPunishment != nil {
		p := *s.PendingPunishment
		c.PendingPunishment = &p
	}
	if s.RollEvent != nil {
		r := *s.RollEvent
		c.RollEvent = &r
	}
	c.CurrentLife = cloneMap(s.CurrentLife)
	c.Extra = cloneMap(s.Extra)
	c.InternalHistory = append([]Message(nil), s.InternalHistory...)
	c.DisplayHistory = append([]string(nil), s.DisplayHistory...)
	return &c
}

// RecentInputs returns the content of the last n user-role messages.
func (s *Session) RecentInputs(n int) []string {
	var inputs []string
	for _, m := range s.InternalHistory {
		if m.Role == RoleUser {
			inputs = append(inputs, m.Content)
		}
	}
	if n < len(inputs) {
		inputs = inputs[len(inputs)-n:]
	}
	return inputs
}

// AppendAction records a player action in both history logs.
func (s *Session) AppendAction(action string) {
	s.InternalHistory = append(s.InternalHistory, Message{Role: RoleUser, Content: action})
	s.DisplayHistory = append(s.DisplayHistory, PlayerInputPrefix+action)
}

// ResetTrial drops the current life and restarts the generator conversation.
// Used when a minor punishment voids the trial in progress.
func (s *Session) ResetTrial(systemPrompt string) {
	s.IsInTrial = false
	s.CurrentLife = nil
	s.InternalHistory = []Message{{Role: RoleSystem, Content: systemPrompt}}
}

// snapshotDisplayLimit bounds the display-history text included in
// continuation prompts. The generator gets recent context, not a full replay.
const snapshotDisplayLimit = 1000

// PromptSnapshot returns a trimmed view of the session for continuation
// prompts: no internal history, display history joined and truncated to the
// trailing characters.
func (s *Session) PromptSnapshot() map[string]any {
	joined := strings.Join(s.DisplayHistory, "\n")
	if runes := []rune(joined); len(runes) > snapshotDisplayLimit {
		joined = string(runes[len(runes)-snapshotDisplayLimit:])
	}
	return map[string]any{
		"player_id":               s.PlayerID,
		"session_date":            s.SessionDate,
		"opportunities_remaining": s.OpportunitiesRemaining,
		"daily_success_achieved":  s.DailySuccessAchieved,
		"is_in_trial":             s.IsInTrial,
		"current_life":            s.CurrentLife,
		"display_history":         joined,
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			c[k] = cloneMap(t)
		case []any:
			c[k] = append([]any(nil), t...)
		default:
			c[k] = v
		}
	}
	return c
}
