package game

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"
)

// spiritStoneScale converts settled spirit stones into redemption value.
const spiritStoneScale = 500000

// RewardPolicy settles a completed day once the compliance check passes.
type RewardPolicy interface {
	// Settle returns the closing message appended to the display history
	// and a state update applied through the patch engine.
	Settle(ctx context.Context, playerID string, spiritStones int) (string, map[string]any)
}

// NarrateOnly closes the day with narration and issues nothing.
type NarrateOnly struct{}

func (NarrateOnly) Settle(_ context.Context, _ string, spiritStones int) (string, map[string]any) {
	update := map[string]any{"daily_success_achieved": true}
	if spiritStones <= 0 {
		return "\n\n【天道回响】\n此番试炼未有灵石入账，然行至此处，亦是修行之路。静候明日再启新梦。", update
	}
	return "\n\n【天道回响】\n汝此番试炼功德圆满，所得灵石化作心中道光。明日此时，可再度问道。", update
}

// CodeIssuer closes the day with a redemption code whose quota follows the
// spirit stone conversion curve. A zero take falls back to narration.
type CodeIssuer struct {
	// NewCode generates the code string; nil uses a random UUID token.
	NewCode func() string
}

func (c CodeIssuer) Settle(ctx context.Context, playerID string, spiritStones int) (string, map[string]any) {
	if spiritStones <= 0 {
		return NarrateOnly{}.Settle(ctx, playerID, spiritStones)
	}

	code := c.newCode()
	quota := ConvertedQuota(spiritStones)
	slog.Info("Issued redemption code", "player_id", playerID, "spirit_stones", spiritStones, "quota", quota)
	message := fmt.Sprintf("\n\n【天道回响】\n汝此番试炼功德圆满，获得兑换码: %s\n请妥善保管，此乃汝应得之天道馈赠。明日此时，可再度问道。", code)
	return message, map[string]any{
		"daily_success_achieved": true,
		"redemption_code":        code,
	}
}

func (c CodeIssuer) newCode() string {
	if c.NewCode != nil {
		return c.NewCode()
	}
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// ConvertedQuota maps a spirit stone count onto the redemption value curve.
// The sixth root keeps early stones precious and late ones marginal; the
// multiplier is clamped to [1, 30].
func ConvertedQuota(spiritStones int) int {
	multiplier := 3 * math.Pow(float64(spiritStones), 1.0/6.0)
	return int(spiritStoneScale * math.Min(30, math.Max(1, multiplier)))
}
