// Package router picks the model for a turn. The instruction is classified
// into a small closed set of categories by keyword matching, and each
// category maps to a (model, timeout) pair via a static table. Failed models
// go into an exponential-backoff cooldown and routing falls through to the
// next candidate. Classification runs once per turn, so one turn stays on
// one model even as tool results accumulate.
package router

import (
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loopcore/agentd/internal/logging"
)

// Category is the task classification of an instruction.
type Category string

const (
	CategoryCode      Category = "code"
	CategoryReasoning Category = "reasoning"
	CategoryGeneral   Category = "general"
)

// Route is the routing outcome for one turn.
type Route struct {
	ModelID        string        // "provider/model", e.g. "anthropic/claude-sonnet-4-5"
	Timeout        time.Duration // per model call
	EnableThinking bool
}

// Rule maps a category to its model and timeout.
type Rule struct {
	ModelID        string
	Timeout        time.Duration
	EnableThinking bool
}

// ruleYAML is the on-disk form of a Rule. Timeouts are duration strings
// ("90s", "2m") because yaml.v3 has no native time.Duration decoding.
type ruleYAML struct {
	ModelID        string `yaml:"model"`
	Timeout        string `yaml:"timeout,omitempty"`
	EnableThinking bool   `yaml:"enable_thinking,omitempty"`
}

func (r *Rule) UnmarshalYAML(value *yaml.Node) error {
	var raw ruleYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*r = Rule{ModelID: raw.ModelID, EnableThinking: raw.EnableThinking}
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return err
		}
		r.Timeout = d
	}
	return nil
}

func (r Rule) MarshalYAML() (interface{}, error) {
	raw := ruleYAML{ModelID: r.ModelID, EnableThinking: r.EnableThinking}
	if r.Timeout > 0 {
		raw.Timeout = r.Timeout.String()
	}
	return raw, nil
}

// Table is the static routing table. General is the required fallback for
// every other category.
type Table struct {
	Code      Rule                `yaml:"code"`
	Reasoning Rule                `yaml:"reasoning"`
	General   Rule                `yaml:"general"`
	Fallbacks map[Category][]Rule `yaml:"fallbacks"`
}

const defaultCallTimeout = 2 * time.Minute

type cooldownState struct {
	failureCount  int
	cooldownUntil time.Time
}

// Router classifies instructions and resolves them to routes.
type Router struct {
	table Table

	mu        sync.Mutex
	cooldowns map[string]*cooldownState
}

// New creates a router over a static table.
func New(table Table) *Router {
	return &Router{
		table:     table,
		cooldowns: make(map[string]*cooldownState),
	}
}

// Classify buckets the instruction. Unmatched text is general; this is a
// local fallback, never an error.
func Classify(instruction string) Category {
	msg := strings.ToLower(instruction)
	if msg == "" {
		return CategoryGeneral
	}
	if isReasoningTask(msg) {
		return CategoryReasoning
	}
	if isCodeTask(msg) {
		return CategoryCode
	}
	return CategoryGeneral
}

// Resolve classifies the instruction and returns the first usable route,
// skipping models in cooldown. Falls back category -> its fallbacks ->
// general -> general's fallbacks.
func (r *Router) Resolve(instruction string) Route {
	category := Classify(instruction)
	return r.resolveCategory(category)
}

func (r *Router) resolveCategory(category Category) Route {
	candidates := []Rule{r.ruleFor(category)}
	candidates = append(candidates, r.table.Fallbacks[category]...)
	if category != CategoryGeneral {
		candidates = append(candidates, r.table.General)
		candidates = append(candidates, r.table.Fallbacks[CategoryGeneral]...)
	}

	for _, rule := range candidates {
		if rule.ModelID == "" {
			continue
		}
		if r.inCooldown(rule.ModelID) {
			logging.Debugf("[Router] %s in cooldown, skipping", rule.ModelID)
			continue
		}
		return routeFrom(rule)
	}

	// Everything is cooling down; use the general model anyway rather than
	// refusing the turn.
	logging.Warnf("[Router] all candidates for %s in cooldown, using general", category)
	return routeFrom(r.table.General)
}

func (r *Router) ruleFor(category Category) Rule {
	switch category {
	case CategoryCode:
		return r.table.Code
	case CategoryReasoning:
		return r.table.Reasoning
	default:
		return r.table.General
	}
}

func routeFrom(rule Rule) Route {
	timeout := rule.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return Route{ModelID: rule.ModelID, Timeout: timeout, EnableThinking: rule.EnableThinking}
}

// MarkFailed puts a model into exponential-backoff cooldown. The reason
// (from ai.ClassifyErrorReason) bounds the backoff: auth and billing
// failures need operator action and cool down for far longer than
// transient timeouts.
// Backoff: 5s, 10s, 20s, ... within the reason's bounds.
func (r *Router) MarkFailed(modelID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.cooldowns[modelID]
	if state == nil {
		state = &cooldownState{}
		r.cooldowns[modelID] = state
	}

	state.failureCount++
	shift := state.failureCount - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	backoff := time.Duration(5<<shift) * time.Second
	min, max := cooldownBounds(reason)
	if backoff < min {
		backoff = min
	}
	if backoff > max {
		backoff = max
	}
	state.cooldownUntil = time.Now().Add(backoff)
	logging.Warnf("[Router] %s marked failed (%s), cooldown %s", modelID, reason, backoff)
}

// maxBackoffShift caps the exponent so the shift cannot wrap negative on
// long-running processes with persistent failures.
const maxBackoffShift = 20

// cooldownBounds maps an error reason to its cooldown floor and ceiling.
func cooldownBounds(reason string) (min, max time.Duration) {
	switch reason {
	case "billing", "auth":
		return time.Hour, 24 * time.Hour
	case "rate_limit":
		return 0, time.Hour
	case "timeout":
		return 0, 5 * time.Minute
	default:
		return 0, time.Hour
	}
}

// ClearFailed resets all cooldowns.
func (r *Router) ClearFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldowns = make(map[string]*cooldownState)
}

// CooldownRemaining reports how long a model stays excluded (0 if usable).
func (r *Router) CooldownRemaining(modelID string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.cooldowns[modelID]
	if state == nil {
		return 0
	}
	remaining := time.Until(state.cooldownUntil)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (r *Router) inCooldown(modelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.cooldowns[modelID]
	return state != nil && time.Now().Before(state.cooldownUntil)
}

// ParseModelID splits "provider/model" into its parts.
func ParseModelID(modelID string) (providerID, modelName string) {
	parts := strings.SplitN(modelID, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", modelID
}

func isReasoningTask(msg string) bool {
	reasoningKeywords := []string{
		"think through",
		"analyze",
		"prove",
		"step by step",
		"reasoning",
		"logical",
		"deduce",
		"infer",
		"evaluate",
		"compare and contrast",
		"weigh the options",
		"consider all",
		"mathematical proof",
		"derive",
		"formalize",
	}
	for _, kw := range reasoningKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

func isCodeTask(msg string) bool {
	codeKeywords := []string{
		"code",
		"function",
		"implement",
		"refactor",
		"debug",
		"fix the bug",
		"write a program",
		"create a script",
		"programming",
		"algorithm",
		"compile",
		"runtime",
		"api",
		"endpoint",
		"database query",
		"sql",
		"javascript",
		"python",
		"golang",
		"typescript",
		"unit test",
		"stack trace",
	}
	for _, kw := range codeKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
