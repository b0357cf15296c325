// Package patch implements the dotted-path merge language used to fold
// generator state updates into a session record.
package patch

import (
	"log/slog"
	"strings"

	"github.com/fusheng-game/fusheng/internal/domain"
)

// AppendMarker suffixes a final path segment to request list append
// semantics instead of leaf overwrite.
const AppendMarker = "+"

// Apply merges a mapping of dotted key-paths into target, creating
// intermediate maps as needed. A final segment ending in AppendMarker appends
// to the list at the trimmed key: list values extend, anything else is pushed
// as a single element. Re-applying an append patch duplicates entries, so
// callers must apply each update at most once.
func Apply(target map[string]any, update map[string]any) {
	for path, value := range update {
		applyOne(target, path, value)
	}
}

func applyOne(target map[string]any, path string, value any) {
	segments := strings.Split(path, ".")
	node := target
	for _, seg := range segments[:len(segments)-1] {
		next, ok := node[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[seg] = next
		}
		node = next
	}

	leaf := segments[len(segments)-1]
	if strings.HasSuffix(leaf, AppendMarker) {
		key := strings.TrimSuffix(leaf, AppendMarker)
		list, _ := node[key].([]any)
		if extension, ok := value.([]any); ok {
			node[key] = append(list, extension...)
		} else {
			node[key] = append(list, value)
		}
		return
	}
	node[leaf] = value
}

// protectedKeys are session fields that no patch may overwrite: identity
// fields and processor bookkeeping.
var protectedKeys = map[string]bool{
	"player_id":              true,
	"session_date":           true,
	"is_processing":          true,
	"last_modified":          true,
	"internal_history":       true,
	"unchecked_rounds_count": true,
}

// ApplySession folds a dotted-path update into a typed session record.
// Known top-level fields map onto their typed counterparts, paths under
// current_life merge into the narrative state map, and unknown keys are
// routed into the session's extra bag. Protected keys are dropped with a log
// entry rather than rejected, so a partially-protected update still applies.
func ApplySession(sess *domain.Session, update map[string]any) {
	for path, value := range update {
		root := path
		if i := strings.IndexByte(path, '.'); i >= 0 {
			root = path[:i]
		}
		if protectedKeys[root] {
			slog.Warn("Patch dropped protected key", "player_id", sess.PlayerID, "path", path)
			continue
		}

		switch {
		case path == "current_life":
			sess.CurrentLife = asMap(value)
		case root == "current_life":
			if sess.CurrentLife == nil {
				sess.CurrentLife = make(map[string]any)
			}
			applyOne(sess.CurrentLife, strings.TrimPrefix(path, "current_life."), value)
		case path == "is_in_trial":
			sess.IsInTrial = asBool(value)
		case path == "daily_success_achieved":
			sess.DailySuccessAchieved = asBool(value)
		case path == "opportunities_remaining":
			sess.OpportunitiesRemaining = asInt(value)
		case path == "redemption_code":
			sess.RedemptionCode, _ = value.(string)
		case path == "pending_punishment":
			sess.PendingPunishment = asPunishment(value)
		case path == "display_history"+AppendMarker:
			if line, ok := value.(string); ok {
				sess.DisplayHistory = append(sess.DisplayHistory, line)
			}
		default:
			if sess.Extra == nil {
				sess.Extra = make(map[string]any)
			}
			applyOne(sess.Extra, path, value)
		}
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// asInt coerces JSON numbers, which decode as float64.
func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func asPunishment(v any) *domain.Punishment {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	level, _ := m["level"].(string)
	reason, _ := m["reason"].(string)
	return &domain.Punishment{Level: level, Reason: reason}
}
