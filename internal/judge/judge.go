// Package judge runs batched compliance checks over literal player inputs
// using a dedicated classifier model.
package judge

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fusheng-game/fusheng/internal/ai"
	"github.com/fusheng-game/fusheng/internal/domain"
)

//go:embed prompts/cheat_check.txt
var checkSystemPrompt string

// Generator is the slice of the provider router the judge needs.
type Generator interface {
	Generate(ctx context.Context, req ai.Request) string
}

// Flagger is the slice of the session store the judge needs.
type Flagger interface {
	FlagPunishment(ctx context.Context, playerID, level, reason string)
	ResetUncheckedRounds(ctx context.Context, playerID string)
}

// Judge classifies batches of player inputs into the three-valued
// severity contract and flags offending sessions for punishment.
type Judge struct {
	gen      Generator
	sessions Flagger
	model    string
}

// New creates a judge. model addresses the classifier; empty falls back to
// the router's provider default.
func New(gen Generator, sessions Flagger, model string) *Judge {
	return &Judge{gen: gen, sessions: sessions, model: model}
}

// Check runs one batched compliance check. The returned level is always one
// of the three contract values; unexpected classifier output degrades to
// LevelNormal with a warning. A non-normal level flags the player's session,
// and the unchecked-rounds counter is reset once the check completes.
func (j *Judge) Check(ctx context.Context, playerID string, inputs []string) string {
	if len(inputs) == 0 {
		return domain.LevelNormal
	}

	slog.Info("Running batched compliance check", "player_id", playerID, "inputs", len(inputs))

	var formatted strings.Builder
	for i, text := range inputs {
		fmt.Fprintf(&formatted, "%d. %q\n", i+1, text)
	}
	prompt := fmt.Sprintf("# 用户输入列表\n\n<user_inputs>\n%s</user_inputs>", formatted.String())

	response := j.gen.Generate(ctx, ai.Request{
		Prompt:    prompt,
		History:   []domain.Message{{Role: domain.RoleSystem, Content: checkSystemPrompt}},
		Model:     j.model,
		ForceJSON: false,
	})

	level := parseLevel(response)
	if level == "" {
		slog.Warn("Compliance check returned unexpected response", "player_id", playerID, "response", response)
		level = domain.LevelNormal
	}

	if level != domain.LevelNormal {
		slog.Warn("Compliance violation detected", "player_id", playerID, "level", level)
		j.sessions.FlagPunishment(ctx, playerID, level, "detected cheating in a batch of inputs")
	}
	j.sessions.ResetUncheckedRounds(ctx, playerID)
	return level
}

// parseLevel extracts the first 【…】 token and validates it against the
// three-valued contract. Returns "" when the response does not conform.
func parseLevel(response string) string {
	start := strings.Index(response, "【")
	end := strings.Index(response, "】")
	if start < 0 || end < start {
		return ""
	}
	level := response[start+len("【") : end]
	switch level {
	case domain.LevelNormal, domain.LevelMinor, domain.LevelSevere:
		return level
	}
	return ""
}
