// Package monitor runs the background compliance sweep over active
// sessions, catching players whose unchecked rounds piled up without a
// settlement or a turn-side check.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/fusheng-game/fusheng/internal/domain"
	"github.com/fusheng-game/fusheng/internal/session"
)

// sweepLimit bounds how many fresh sessions one sweep inspects.
const sweepLimit = 256

// Checker runs a batched compliance check and returns the severity level.
type Checker interface {
	Check(ctx context.Context, playerID string, inputs []string) string
}

// StartComplianceWorker periodically sweeps the freshest sessions and runs
// the judge over any with an overdue unchecked-rounds count. Sessions with
// a turn in flight are skipped; the turn's own cleanup covers them.
func StartComplianceWorker(ctx context.Context, sessions *session.Store, judge Checker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Compliance worker started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, sessions, judge)
			case <-ctx.Done():
				slog.Info("Compliance worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, sessions *session.Store, judge Checker) {
	for _, sess := range sessions.MostRecent(ctx, sweepLimit) {
		if sess.IsProcessing || sess.UncheckedRoundsCount <= domain.UncheckedRoundsThreshold {
			continue
		}
		inputs := sess.RecentInputs(domain.CheckWindowBase + sess.UncheckedRoundsCount)
		if len(inputs) == 0 {
			continue
		}
		slog.Info("Compliance sweep checking player",
			"player_id", sess.PlayerID,
			"rounds", sess.UncheckedRoundsCount)
		judge.Check(ctx, sess.PlayerID, inputs)
	}
}
