// Package ai routes generation requests across redundant providers with
// circuit breaking, retry, and context trimming.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/fusheng-game/fusheng/internal/domain"
	"github.com/fusheng-game/fusheng/internal/jsonx"
)

// ErrorMarker prefixes every terminal failure string returned by Generate.
// Callers pattern-match on it instead of handling an error value, so the
// marker is part of the wire contract with the game layer.
const ErrorMarker = "错误："

// IsError reports whether a generation result is a terminal failure string.
func IsError(result string) bool {
	return strings.HasPrefix(result, ErrorMarker)
}

const (
	// maxAttempts bounds retries for one Generate call across providers.
	maxAttempts = 7
	// backoffBase is the exponential backoff unit; jitter adds up to one
	// more unit per sleep.
	backoffBase = time.Second

	// breakerThreshold consecutive failures open a provider's circuit.
	breakerThreshold = 3
	// breakerCooldown must elapse since the last failure before the open
	// circuit admits one probe attempt.
	breakerCooldown = 5 * time.Minute

	// contentBudget is the character heuristic for the prompt token budget.
	contentBudget = 100000
	// maxEvictions caps trimming work; exceeding it fails the call.
	maxEvictions = 10000
)

// ProviderConfig describes one configured generation backend.
type ProviderConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	// Model may hold several comma-separated options; the first attempt uses
	// the first option, later attempts pick uniformly at random.
	Model string
}

// Request is one generation call.
type Request struct {
	Prompt  string
	History []domain.Message
	// Model overrides the provider's configured model when non-empty.
	Model string
	// Provider pins the call to a named provider, bypassing selection.
	Provider  string
	ForceJSON bool
}

type provider struct {
	cfg     ProviderConfig
	backend Completer

	mu                  sync.Mutex
	validated           bool
	failures            int
	successes           int
	consecutiveFailures int
	lastFailure         time.Time
}

// available applies the circuit rule: open after breakerThreshold
// consecutive failures, probe allowed once the cooldown has elapsed.
func (p *provider) available(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consecutiveFailures < breakerThreshold {
		return true
	}
	return now.Sub(p.lastFailure) >= breakerCooldown
}

func (p *provider) recordFailure(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	p.consecutiveFailures++
	p.lastFailure = now
}

func (p *provider) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successes++
	p.consecutiveFailures = 0
}

func (p *provider) failureCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

func (p *provider) isValidated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.validated
}

// Router dispatches generation requests across the configured providers.
type Router struct {
	providers   []*provider
	byName      map[string]*provider
	defaultName string

	now   func() time.Time
	sleep func(context.Context, time.Duration)

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option customizes a Router.
type Option func(*Router)

// WithClock substitutes the time source. Tests use this to step through
// breaker cooldowns without sleeping.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithSleep substitutes the backoff sleeper.
func WithSleep(sleep func(context.Context, time.Duration)) Option {
	return func(r *Router) { r.sleep = sleep }
}

// WithBackend substitutes the transport for the named provider.
func WithBackend(name string, backend Completer) Option {
	return func(r *Router) {
		if p, ok := r.byName[name]; ok {
			p.backend = backend
		}
	}
}

// WithSeed seeds the router's random source for deterministic tests.
func WithSeed(seed int64) Option {
	return func(r *Router) { r.rng = rand.New(rand.NewSource(seed)) }
}

// NewRouter creates a router over the given providers. defaultName may be
// empty or "auto", in which case selection prefers the validated, available
// provider with the fewest recorded failures.
func NewRouter(configs []ProviderConfig, defaultName string, opts ...Option) *Router {
	r := &Router{
		byName:      make(map[string]*provider, len(configs)),
		defaultName: defaultName,
		now:         time.Now,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
	for _, cfg := range configs {
		p := &provider{cfg: cfg, backend: NewHTTPClient(cfg.BaseURL, cfg.APIKey)}
		r.providers = append(r.providers, p)
		r.byName[cfg.Name] = p
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Validate probes each provider with a minimal completion so auto selection
// can prefer backends with a working key and model. Failures only log.
func (r *Router) Validate(ctx context.Context) {
	for _, p := range r.providers {
		model := firstModelOption(p.cfg.Model)
		_, err := p.backend.Complete(ctx, model, []domain.Message{{Role: domain.RoleUser, Content: "Hi"}})
		p.mu.Lock()
		p.validated = err == nil
		p.mu.Unlock()
		if err != nil {
			slog.Warn("Provider validation failed", "provider", p.cfg.Name, "error", err)
			continue
		}
		slog.Info("Provider validated", "provider", p.cfg.Name, "model", model)
	}
}

// pick selects the provider for one attempt. Explicit override wins, then
// the configured default, then auto mode.
func (r *Router) pick(override string) *provider {
	if override != "" {
		return r.byName[override]
	}
	if r.defaultName != "" && r.defaultName != "auto" {
		if p, ok := r.byName[r.defaultName]; ok && p.available(r.now()) {
			return p
		}
	}

	now := r.now()
	var best *provider
	for _, p := range r.providers {
		if !p.available(now) || !p.isValidated() {
			continue
		}
		if best == nil || p.failureCount() < best.failureCount() {
			best = p
		}
	}
	if best != nil {
		return best
	}
	// No validated provider: settle for any with a closed circuit.
	for _, p := range r.providers {
		if p.available(now) {
			return p
		}
	}
	return nil
}

// Generate runs one generation call. It never returns a Go error: terminal
// failures come back as a string prefixed with ErrorMarker so the turn
// pipeline can fold them into the session narrative.
func (r *Router) Generate(ctx context.Context, req Request) string {
	messages, ok := r.assembleMessages(req)
	if !ok {
		return ErrorMarker + "对话历史过长，无法通过删除消息节省足够的令牌。"
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		p := r.pick(req.Provider)
		if p == nil {
			return ErrorMarker + "没有可用的 AI 服务提供商。"
		}

		model := r.modelForAttempt(req, p, attempt)
		text, err := p.backend.Complete(ctx, model, messages)
		if err != nil {
			p.recordFailure(r.now())
			lastErr = err
			slog.Error("Provider call failed", "provider", p.cfg.Name, "model", model, "attempt", attempt+1, "error", err)
			if attempt == maxAttempts-1 {
				break
			}
			r.backoff(ctx, attempt)
			continue
		}
		p.recordSuccess()

		text = stripThinking(strings.TrimSpace(text))
		if req.ForceJSON {
			if err := checkJSON(text); err != nil {
				// A malformed body is the model's fault, not the
				// transport's; retry without tripping the breaker.
				lastErr = err
				slog.Warn("Provider returned unparseable JSON", "provider", p.cfg.Name, "attempt", attempt+1, "error", err)
				if attempt == maxAttempts-1 {
					break
				}
				r.backoff(ctx, attempt)
				continue
			}
		}
		return text
	}

	return fmt.Sprintf("%sAI服务出现问题。详情: %v", ErrorMarker, lastErr)
}

// GenerateStream is the streaming variant. Chunks are yielded as they
// arrive; a failed provider is retried against the next selection, so the
// caller may observe duplicated partial output across a restart. When
// ForceJSON is set the fully accumulated text is validated at end of stream.
func (r *Router) GenerateStream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		messages, ok := r.assembleMessages(req)
		if !ok {
			yield("", fmt.Errorf("history exceeds context budget"))
			return
		}

		var lastErr error
		for attempt := 0; attempt < maxAttempts; attempt++ {
			p := r.pick(req.Provider)
			if p == nil {
				yield("", fmt.Errorf("no provider available"))
				return
			}
			model := r.modelForAttempt(req, p, attempt)

			var accumulated strings.Builder
			var streamErr error
			for chunk, err := range p.backend.Stream(ctx, model, messages) {
				if err != nil {
					streamErr = err
					break
				}
				accumulated.WriteString(chunk)
				if !yield(chunk, nil) {
					return
				}
			}

			if streamErr != nil {
				p.recordFailure(r.now())
				lastErr = streamErr
				slog.Error("Provider stream failed", "provider", p.cfg.Name, "model", model, "attempt", attempt+1, "error", streamErr)
				if attempt == maxAttempts-1 {
					break
				}
				r.backoff(ctx, attempt)
				continue
			}
			p.recordSuccess()

			if req.ForceJSON {
				if err := checkJSON(stripThinking(accumulated.String())); err != nil {
					yield("", fmt.Errorf("stream did not produce valid JSON: %w", err))
					return
				}
			}
			return
		}
		yield("", fmt.Errorf("all providers exhausted: %w", lastErr))
	}
}

// assembleMessages appends the prompt to the history and trims the result
// under the content budget by evicting random entries from the older half,
// never the leading system message. Returns false when the eviction cap is
// hit before the budget is met.
func (r *Router) assembleMessages(req Request) ([]domain.Message, bool) {
	messages := make([]domain.Message, 0, len(req.History)+1)
	messages = append(messages, req.History...)
	messages = append(messages, domain.Message{Role: domain.RoleUser, Content: req.Prompt})

	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}

	evictions := 0
	for total > contentBudget {
		if evictions >= maxEvictions || len(messages) <= 2 {
			return nil, false
		}
		// Bias eviction toward the oldest non-system half of the history.
		span := (len(messages) - 1) / 2
		if span < 1 {
			span = 1
		}
		idx := 1 + r.intn(span)
		total -= len(messages[idx].Content)
		messages = append(messages[:idx], messages[idx+1:]...)
		evictions++
	}
	return messages, true
}

// modelForAttempt resolves the model identifier for one attempt. A
// comma-separated list rotates: first attempt uses the first option, later
// attempts pick uniformly at random.
func (r *Router) modelForAttempt(req Request, p *provider, attempt int) string {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	if !strings.Contains(model, ",") {
		return strings.TrimSpace(model)
	}

	var options []string
	for _, opt := range strings.Split(model, ",") {
		if opt = strings.TrimSpace(opt); opt != "" {
			options = append(options, opt)
		}
	}
	if len(options) == 0 {
		return model
	}
	if attempt == 0 {
		return options[0]
	}
	return options[r.intn(len(options))]
}

func (r *Router) backoff(ctx context.Context, attempt int) {
	delay := backoffBase*time.Duration(1<<attempt) + time.Duration(r.float64()*float64(backoffBase))
	r.sleep(ctx, delay)
}

func (r *Router) intn(n int) int {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Intn(n)
}

func (r *Router) float64() float64 {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Float64()
}

func firstModelOption(model string) string {
	if i := strings.IndexByte(model, ','); i >= 0 {
		model = model[:i]
	}
	return strings.TrimSpace(model)
}

// stripThinking drops a trailing chain-of-thought block: everything up to
// and including the last closing think delimiter.
func stripThinking(s string) string {
	if strings.Contains(s, "<think>") {
		if i := strings.LastIndex(s, "</think>"); i >= 0 {
			return strings.TrimSpace(s[i+len("</think>"):])
		}
	}
	return s
}

func checkJSON(s string) error {
	candidate, ok := jsonx.Extract(s)
	if !ok {
		return fmt.Errorf("no JSON object in response")
	}
	var decoded any
	if err := json.Unmarshal([]byte(candidate), &decoded); err != nil {
		return fmt.Errorf("invalid JSON in response: %w", err)
	}
	return nil
}
