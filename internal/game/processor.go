// Package game implements the turn pipeline: daily session lifecycle,
// action admission, prompt assembly, generation, dice resolution, state
// patching, and end-of-day settlement.
package game

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/fusheng-game/fusheng/internal/ai"
	"github.com/fusheng-game/fusheng/internal/domain"
	"github.com/fusheng-game/fusheng/internal/jsonx"
	"github.com/fusheng-game/fusheng/internal/patch"
	"github.com/fusheng-game/fusheng/internal/session"
)

//go:embed prompts/game_master.txt
var gameMasterPrompt string

//go:embed prompts/welcome.txt
var welcomeText string

//go:embed prompts/start_game.txt
var startGamePrompt string

//go:embed prompts/start_trial.txt
var startTrialPrompt string

//go:embed prompts/punish_minor.txt
var minorPunishmentNarrative string

//go:embed prompts/punish_severe.txt
var severePunishmentNarrative string

//go:embed prompts/final_reckoning.txt
var finalReckoningNarrative string

// ConversionTrigger is the program name a generator invokes to settle the
// day and convert spirit stones.
const ConversionTrigger = "spiritStoneConverter"

// Roll outcome labels, part of the client wire contract.
const (
	OutcomeCritSuccess = "大成功"
	OutcomeSuccess     = "成功"
	OutcomeFailure     = "失败"
	OutcomeCritFailure = "大失败"
)

const (
	defaultRollType   = "判定"
	defaultRollTarget = 50
	defaultRollSides  = 100

	// pushSettleDelay gives the async state fan-out a moment to reach the
	// client before the next message follows it.
	pushSettleDelay = 30 * time.Millisecond

	// turnTimeout bounds one detached turn end to end.
	turnTimeout = 10 * time.Minute
	// processingStaleAfter lets a read-path ensure clear a processing flag
	// orphaned by a crashed turn.
	processingStaleAfter = 5 * time.Minute
)

const (
	malformedNarrative = "AI响应格式错误，请重试"
	correctiveMessage  = `请给出正确格式的JSON响应。必须是正确格式的json，包括narrative和(state_update或roll_request)，刚才的格式错误，系统无法加载！正确输出{"key":value}，至少得是"{"开头吧`
)

// Generator is the slice of the provider router the processor needs.
type Generator interface {
	Generate(ctx context.Context, req ai.Request) string
}

// Checker runs a batched compliance check and returns the severity level.
type Checker interface {
	Check(ctx context.Context, playerID string, inputs []string) string
}

// RollPusher delivers a roll event to the owner connection synchronously.
type RollPusher interface {
	PushRoll(playerID string, event *domain.RollEvent) error
}

// Processor owns the turn pipeline for player actions.
type Processor struct {
	sessions *session.Store
	gen      Generator
	judge    Checker
	roller   RollPusher
	reward   RewardPolicy

	now    func() time.Time
	sleep  func(time.Duration)
	dice   func(sides int) int
	detach func(func())
}

// Option customizes a Processor.
type Option func(*Processor)

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithSleep substitutes the settle-delay sleeper.
func WithSleep(sleep func(time.Duration)) Option {
	return func(p *Processor) { p.sleep = sleep }
}

// WithDice substitutes the dice source. fn must return a value in [1, sides].
func WithDice(fn func(sides int) int) Option {
	return func(p *Processor) { p.dice = fn }
}

// WithSynchronousTurns runs turn bodies on the caller's goroutine instead of
// detaching them. Test hook.
func WithSynchronousTurns() Option {
	return func(p *Processor) { p.detach = func(f func()) { f() } }
}

// New creates a processor. A nil reward policy defaults to NarrateOnly.
func New(sessions *session.Store, gen Generator, judge Checker, roller RollPusher, reward RewardPolicy, opts ...Option) *Processor {
	if reward == nil {
		reward = NarrateOnly{}
	}
	p := &Processor{
		sessions: sessions,
		gen:      gen,
		judge:    judge,
		roller:   roller,
		reward:   reward,
		now:      time.Now,
		sleep:    time.Sleep,
		dice:     func(sides int) int { return rand.Intn(sides) + 1 },
		detach:   func(f func()) { go f() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) today() string {
	return p.now().Format("2006-01-02")
}

// EnsureDailySession returns the player's record for today, creating it on
// first contact or date rollover. A processing flag orphaned by a crashed
// turn is cleared once it has gone stale, so one bad turn cannot lock the
// player out for the rest of the day.
func (p *Processor) EnsureDailySession(ctx context.Context, playerID string) *domain.Session {
	today := p.today()
	sess, ok := p.sessions.Get(ctx, playerID)
	if ok && sess.SessionDate == today {
		if sess.IsProcessing && p.processingStale(sess) {
			slog.Warn("Clearing stale processing flag", "player_id", playerID)
			_ = p.sessions.Mutate(ctx, playerID, func(s *domain.Session) error {
				if s.IsProcessing && p.processingStale(s) {
					s.IsProcessing = false
				}
				return nil
			})
			sess.IsProcessing = false
		}
		return sess
	}

	slog.Info("Starting new daily session", "player_id", playerID)
	fresh := domain.NewDailySession(playerID, today, gameMasterPrompt, welcomeText)
	p.sessions.Save(ctx, playerID, fresh)
	return fresh.Clone()
}

func (p *Processor) processingStale(s *domain.Session) bool {
	age := float64(p.now().UnixNano())/float64(time.Second) - s.LastModified
	return age >= processingStaleAfter.Seconds()
}

type verdict int

const (
	verdictDropped verdict = iota
	verdictPunished
	verdictAdmitted
)

var errDropped = errors.New("action dropped")

// turnContext is the admission-time snapshot a detached turn runs against.
type turnContext struct {
	startingTrial   bool
	firstTrialOfDay bool
	opportunities   int
	snapshot        map[string]any
}

// HandleAction admits one player action. Admission, punishment consumption,
// and the processing flag are decided atomically under the per-player lock;
// an admitted action runs its turn on a detached goroutine. Rejections are
// silent from the caller's side: the session record tells the rest of the
// story.
func (p *Processor) HandleAction(ctx context.Context, playerID, action string) {
	p.EnsureDailySession(ctx, playerID)

	var (
		v          verdict
		dropReason string
		tc         turnContext
	)
	err := p.sessions.Mutate(ctx, playerID, func(s *domain.Session) error {
		switch {
		case s.IsProcessing:
			dropReason = "previous action still processing"
			return errDropped
		case s.DailySuccessAchieved:
			dropReason = "day already complete"
			return errDropped
		case s.OpportunitiesRemaining <= 0 && !s.IsInTrial:
			dropReason = "no opportunities left"
			return errDropped
		}

		if s.PendingPunishment != nil {
			p.applyPunishment(s)
			v = verdictPunished
			return nil
		}

		startingTrial := domain.IsStartTrialAction(action) && !s.IsInTrial
		if !startingTrial && !s.IsInTrial {
			dropReason = "free action outside a trial"
			return errDropped
		}

		tc = turnContext{
			startingTrial:   startingTrial,
			firstTrialOfDay: startingTrial && s.OpportunitiesRemaining == domain.InitialOpportunities,
			opportunities:   s.OpportunitiesRemaining,
			snapshot:        s.PromptSnapshot(),
		}
		s.IsProcessing = true
		v = verdictAdmitted
		return nil
	})
	if err != nil && !errors.Is(err, errDropped) {
		slog.Error("Action admission failed", "player_id", playerID, "error", err)
		return
	}

	switch v {
	case verdictDropped:
		slog.Warn("Action dropped", "player_id", playerID, "action", action, "reason", dropReason)
	case verdictPunished:
		slog.Info("Pending punishment consumed", "player_id", playerID)
	case verdictAdmitted:
		p.detach(func() { p.runTurn(playerID, action, tc) })
	}
}

// applyPunishment consumes a pending punishment in place. Runs inside the
// admission mutate, so flag consumption and state change are atomic.
func (p *Processor) applyPunishment(s *domain.Session) {
	level := s.PendingPunishment.Level
	reason := s.PendingPunishment.Reason
	switch level {
	case domain.LevelSevere:
		s.DailySuccessAchieved = true
		s.IsInTrial = false
		s.CurrentLife = nil
		s.OpportunitiesRemaining = domain.SuspendedOpportunities
		s.DisplayHistory = append(s.DisplayHistory, severePunishmentNarrative)
	default:
		s.ResetTrial(gameMasterPrompt)
		s.DisplayHistory = append(s.DisplayHistory, minorPunishmentNarrative)
	}
	s.PendingPunishment = nil
	slog.Info("Punishment applied", "player_id", s.PlayerID, "level", level, "reason", reason)
}

// turnResponse is the JSON contract with the generator.
type turnResponse struct {
	Narrative   string         `json:"narrative"`
	StateUpdate map[string]any `json:"state_update"`
	RollRequest map[string]any `json:"roll_request"`
}

func parseTurnResponse(raw string) (turnResponse, error) {
	var resp turnResponse
	jsonText, ok := jsonx.Extract(raw)
	if !ok {
		return resp, fmt.Errorf("no JSON object in generation result")
	}
	if err := json.Unmarshal([]byte(jsonText), &resp); err != nil {
		return resp, fmt.Errorf("decode generation result: %w", err)
	}
	return resp, nil
}

// runTurn is the detached turn body. It never propagates an error upward:
// failures fold into the session narrative, and the deferred cleanup always
// releases the processing flag.
func (p *Processor) runTurn(playerID, action string, tc turnContext) {
	ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	defer cancel()
	defer p.finishTurn(playerID)

	var history []domain.Message
	err := p.sessions.Mutate(ctx, playerID, func(s *domain.Session) error {
		s.AppendAction(action)
		history = append([]domain.Message(nil), s.InternalHistory...)
		return nil
	})
	if err != nil {
		slog.Error("Turn aborted, session vanished", "player_id", playerID, "error", err)
		return
	}

	raw := p.gen.Generate(ctx, ai.Request{
		Prompt:    p.turnPrompt(action, tc),
		History:   history,
		ForceJSON: true,
	})
	if ai.IsError(raw) {
		p.failTurn(ctx, playerID, errors.New(raw))
		return
	}
	resp, err := parseTurnResponse(raw)
	if err != nil {
		p.failTurn(ctx, playerID, err)
		return
	}

	var stateUpdate map[string]any
	if len(resp.RollRequest) > 0 {
		stateUpdate, err = p.resolveRoll(ctx, playerID, tc, resp, raw)
		if err != nil {
			p.failTurn(ctx, playerID, err)
			return
		}
	} else {
		stateUpdate = resp.StateUpdate
		narrative := resp.Narrative
		if narrative == "" {
			narrative = malformedNarrative
		}
		err = p.sessions.Mutate(ctx, playerID, func(s *domain.Session) error {
			patch.ApplySession(s, stateUpdate)
			s.DisplayHistory = append(s.DisplayHistory, narrative)
			s.InternalHistory = append(s.InternalHistory, domain.Message{Role: domain.RoleAssistant, Content: raw})
			if narrative == malformedNarrative {
				s.InternalHistory = append(s.InternalHistory, domain.Message{Role: domain.RoleSystem, Content: correctiveMessage})
			}
			return nil
		})
		if err != nil {
			slog.Error("Turn state update failed", "player_id", playerID, "error", err)
			return
		}
	}

	p.settleConversion(ctx, playerID, stateUpdate)
}

// turnPrompt selects one of the three mutually exclusive prompt shapes.
func (p *Processor) turnPrompt(action string, tc turnContext) string {
	switch {
	case tc.firstTrialOfDay:
		return startGamePrompt
	case tc.startingTrial:
		return strings.NewReplacer(
			"{opportunities_remaining}", strconv.Itoa(tc.opportunities),
			"{opportunities_remaining_minus_1}", strconv.Itoa(tc.opportunities-1),
		).Replace(startTrialPrompt)
	default:
		snapshot, _ := json.Marshal(tc.snapshot)
		return fmt.Sprintf("这是当前的游戏状态JSON:\n%s\n\n玩家的行动是: %q\n\n请根据状态和行动，生成包含`narrative`和(`state_update`或`roll_request`)的JSON作为回应。如果角色死亡，请在叙述中说明，并在`state_update`中同时将`is_in_trial`设为`false`，`current_life`设为`null`。", snapshot, action)
	}
}

// resolveRoll runs the mid-turn dice sub-protocol: publish the pre-roll
// narrative, draw and push the roll event, then ask the generator to
// continue strictly from the result. Returns the final state update.
func (p *Processor) resolveRoll(ctx context.Context, playerID string, tc turnContext, first turnResponse, firstRaw string) (map[string]any, error) {
	var history []domain.Message
	err := p.sessions.Mutate(ctx, playerID, func(s *domain.Session) error {
		s.DisplayHistory = append(s.DisplayHistory, first.Narrative)
		s.InternalHistory = append(s.InternalHistory, domain.Message{Role: domain.RoleAssistant, Content: firstRaw})
		history = append([]domain.Message(nil), s.InternalHistory...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Let the interim fan-out land before the roll event follows it.
	p.sleep(pushSettleDelay)

	event := p.rollDice(first.RollRequest)
	_ = p.sessions.Mutate(ctx, playerID, func(s *domain.Session) error {
		s.RollEvent = event
		return nil
	})
	if err := p.roller.PushRoll(playerID, event); err != nil {
		slog.Warn("Roll event push failed", "player_id", playerID, "error", err)
	}
	p.sleep(pushSettleDelay)

	snapshot, _ := json.Marshal(tc.snapshot)
	prompt := fmt.Sprintf("%s\n\n请严格基于此判定结果，继续叙事，并返回包含叙事和状态更新的最终JSON对象。这是当前的游戏状态JSON:\n%s", event.ResultText, snapshot)
	raw := p.gen.Generate(ctx, ai.Request{
		Prompt:    prompt,
		History:   history,
		ForceJSON: true,
	})
	if ai.IsError(raw) {
		return nil, errors.New(raw)
	}
	resp, err := parseTurnResponse(raw)
	if err != nil {
		return nil, err
	}

	narrative := resp.Narrative
	if narrative == "" {
		narrative = malformedNarrative
	}
	err = p.sessions.Mutate(ctx, playerID, func(s *domain.Session) error {
		patch.ApplySession(s, resp.StateUpdate)
		s.DisplayHistory = append(s.DisplayHistory, event.ResultText, narrative)
		s.InternalHistory = append(s.InternalHistory,
			domain.Message{Role: domain.RoleSystem, Content: event.ResultText},
			domain.Message{Role: domain.RoleAssistant, Content: raw})
		if narrative == malformedNarrative {
			s.InternalHistory = append(s.InternalHistory, domain.Message{Role: domain.RoleSystem, Content: correctiveMessage})
		}
		return nil
	})
	return resp.StateUpdate, err
}

// rollDice draws and classifies one roll from a generator roll request.
// Missing or malformed fields fall back to a D100 check against 50.
func (p *Processor) rollDice(req map[string]any) *domain.RollEvent {
	rollType := defaultRollType
	if v, ok := req["type"].(string); ok && v != "" {
		rollType = v
	}
	target := intField(req, "target", defaultRollTarget)
	sides := intField(req, "sides", defaultRollSides)
	if sides < 1 {
		sides = defaultRollSides
	}

	result := p.dice(sides)
	outcome := classifyRoll(result, target, sides)
	return &domain.RollEvent{
		Type:    rollType,
		Target:  target,
		Sides:   sides,
		Result:  result,
		Outcome: outcome,
		ResultText: fmt.Sprintf("【系统提示：针对 '%s' 的D%d判定已执行。目标值: %d，投掷结果: %d，最终结果: %s】",
			rollType, sides, target, result, outcome),
	}
}

// classifyRoll applies the critical bands before the target comparison, so
// the bottom 5% always crits and the top 4% always fumbles.
func classifyRoll(result, target, sides int) string {
	switch {
	case float64(result) <= float64(sides)*0.05:
		return OutcomeCritSuccess
	case result <= target:
		return OutcomeSuccess
	case float64(result) >= float64(sides)*0.96:
		return OutcomeCritFailure
	default:
		return OutcomeFailure
	}
}

// settleConversion finalizes the day when the generator invoked the spirit
// stone converter. A compliance check over the recent inputs gates the
// reward: a flagged batch withholds settlement and the day stays open.
func (p *Processor) settleConversion(ctx context.Context, playerID string, stateUpdate map[string]any) {
	trigger, ok := stateUpdate["trigger_program"].(map[string]any)
	if !ok || trigger["name"] != ConversionTrigger {
		return
	}

	sess, ok := p.sessions.Get(ctx, playerID)
	if !ok {
		return
	}
	inputs := sess.RecentInputs(domain.CheckWindowBase + sess.UncheckedRoundsCount)
	if level := p.judge.Check(ctx, playerID, inputs); level != domain.LevelNormal {
		slog.Warn("Settlement withheld pending final judgment", "player_id", playerID, "level", level)
		_ = p.sessions.Mutate(ctx, playerID, func(s *domain.Session) error {
			s.DisplayHistory = append(s.DisplayHistory, finalReckoningNarrative)
			return nil
		})
		return
	}

	stones := intField(trigger, "spirit_stones", 0)
	message, update := p.reward.Settle(ctx, playerID, stones)
	err := p.sessions.Mutate(ctx, playerID, func(s *domain.Session) error {
		patch.ApplySession(s, update)
		s.DisplayHistory = append(s.DisplayHistory, message)
		return nil
	})
	if err != nil {
		slog.Error("Settlement failed", "player_id", playerID, "error", err)
		return
	}
	slog.Info("Daily settlement complete", "player_id", playerID, "spirit_stones", stones)
}

// failTurn folds a turn failure into the session: a corrective system
// message for the generator and a visible disturbance narrative for the
// player. Never re-raises.
func (p *Processor) failTurn(ctx context.Context, playerID string, cause error) {
	slog.Error("Turn failed", "player_id", playerID, "error", cause)
	err := p.sessions.Mutate(ctx, playerID, func(s *domain.Session) error {
		s.InternalHistory = append(s.InternalHistory, domain.Message{Role: domain.RoleSystem, Content: correctiveMessage})
		s.DisplayHistory = append(s.DisplayHistory,
			"【天机紊乱】\n你的行动未能激起任何波澜，仿佛被无形之力化解。请稍后再试。"+cause.Error())
		return nil
	})
	if err != nil {
		slog.Error("Failed to record turn failure", "player_id", playerID, "error", err)
	}
}

// finishTurn is the deferred cleanup that runs whether the turn succeeded
// or not: bump the unchecked counter, run the periodic compliance check if
// it crossed the threshold, then clear the roll event and processing flag.
func (p *Processor) finishTurn(playerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	defer cancel()

	var count int
	err := p.sessions.Mutate(ctx, playerID, func(s *domain.Session) error {
		s.UncheckedRoundsCount++
		count = s.UncheckedRoundsCount
		return nil
	})
	if err == nil && count > domain.UncheckedRoundsThreshold {
		inputs := p.sessions.RecentInputs(ctx, playerID, domain.CheckWindowBase+count)
		if len(inputs) > 0 {
			slog.Info("Running periodic compliance check", "player_id", playerID, "rounds", count)
			p.judge.Check(ctx, playerID, inputs)
		}
	}

	err = p.sessions.Mutate(ctx, playerID, func(s *domain.Session) error {
		s.RollEvent = nil
		s.IsProcessing = false
		return nil
	})
	if err != nil {
		slog.Error("Failed to release processing flag", "player_id", playerID, "error", err)
		return
	}
	slog.Info("Turn finished", "player_id", playerID)
}

// intField reads an integer out of decoded JSON, tolerating the float64
// that encoding/json produces for numbers.
func intField(m map[string]any, key string, fallback int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}
