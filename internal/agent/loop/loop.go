// Package loop runs the orchestration state machine for one turn: build the
// request from the active persona and transcript, call the routed model,
// parse the response, gate and execute tool calls, watch for non-progress,
// and keep the transcript inside the context budget. The loop is strictly
// sequential per session; concurrency lives inside a single iteration's tool
// batch and across independent sessions.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loopcore/agentd/internal/agent/ai"
	"github.com/loopcore/agentd/internal/agent/contextwin"
	"github.com/loopcore/agentd/internal/agent/detector"
	"github.com/loopcore/agentd/internal/agent/gate"
	"github.com/loopcore/agentd/internal/agent/persona"
	"github.com/loopcore/agentd/internal/agent/rcache"
	"github.com/loopcore/agentd/internal/agent/router"
	"github.com/loopcore/agentd/internal/agent/session"
	"github.com/loopcore/agentd/internal/agent/tools"
	"github.com/loopcore/agentd/internal/events"
	"github.com/loopcore/agentd/internal/logging"
)

// DefaultMaxIterations is the hard ceiling of model calls per turn. Hitting
// it fails the turn with ErrIterationLimit, never a silent truncation.
const DefaultMaxIterations = 30

// modelRetryBackoff is the pause before the single model-call retry.
const modelRetryBackoff = 2 * time.Second

// Turn-level failures surfaced to the caller. Every other error is folded
// back into the transcript so the model can self-correct.
var (
	ErrIterationLimit = errors.New("iteration limit exceeded")
	ErrCancelled      = errors.New("turn cancelled")
	ErrModelService   = errors.New("model service unavailable")
	ErrNoProvider     = errors.New("no provider available for routed model")
)

// StuckSignal reports that the loop detector judged the conversation
// non-progressing. The session suspends until ClearStuck; the signal is not
// a failure and does not count against the iteration ceiling.
type StuckSignal struct {
	SessionKey string
	Iteration  int
	Reason     string
}

// Outcome is the result of one turn. Exactly one of FinalAnswer or Stuck is
// meaningful.
type Outcome struct {
	FinalAnswer string
	Stuck       *StuckSignal
	Iterations  int
	ModelID     string
}

// Controller sequences model calls, tool execution and liveness checks for
// every session. Sessions share the registry and providers but nothing else;
// per-session state lives in sessionState.
type Controller struct {
	store     *session.Store
	providers map[string]ai.Provider
	registry  *tools.Registry
	executor  *tools.Executor
	router    *router.Router

	approvals   *gate.Gate
	personas    *persona.Loader
	contextMgr  *contextwin.Manager
	cache       *rcache.Cache
	sink        events.Sink
	embedder    detector.Embedder
	detectorCfg detector.Config

	maxIterations int
	autoApprove   bool

	mu     sync.Mutex
	states map[string]*sessionState
}

// sessionState is the per-conversation state the controller owns: the active
// persona, the detector's embedding window and the stuck flag.
type sessionState struct {
	mu        sync.Mutex
	sessionID string
	personaID string
	detector  *detector.Detector
	stuck     bool
}

// New creates a controller. The gate defaults to deny-all and the sink to a
// no-op; use the setters to attach the real ones before serving turns.
func New(store *session.Store, providers map[string]ai.Provider, registry *tools.Registry, executor *tools.Executor, rt *router.Router) *Controller {
	c := &Controller{
		store:         store,
		providers:     providers,
		registry:      registry,
		executor:      executor,
		router:        rt,
		approvals:     gate.New(nil, 0),
		sink:          events.NopSink{},
		maxIterations: DefaultMaxIterations,
		states:        make(map[string]*sessionState),
	}
	registry.Register(personaToolDescriptor())
	return c
}

// SetGate installs the approval gate.
func (c *Controller) SetGate(g *gate.Gate) {
	c.approvals = g
}

// SetPersonas installs the persona loader.
func (c *Controller) SetPersonas(l *persona.Loader) {
	c.personas = l
}

// SetContextManager installs the context window manager.
func (c *Controller) SetContextManager(m *contextwin.Manager) {
	c.contextMgr = m
}

// SetCache installs the reasoning cache.
func (c *Controller) SetCache(cache *rcache.Cache) {
	c.cache = cache
}

// SetSink installs the event sink. Publication is fire-and-forget; a slow
// sink drops events, it never stalls the loop.
func (c *Controller) SetSink(sink events.Sink) {
	if sink == nil {
		sink = events.NopSink{}
	}
	c.sink = sink
}

// SetDetector configures the loop detector for new sessions.
func (c *Controller) SetDetector(embedder detector.Embedder, cfg detector.Config) {
	c.embedder = embedder
	c.detectorCfg = cfg
}

// SetMaxIterations overrides the iteration ceiling.
func (c *Controller) SetMaxIterations(n int) {
	if n > 0 {
		c.maxIterations = n
	}
}

// SetAutoApprove relaxes the confirm tier for all sessions. The
// always_confirm tier still prompts.
func (c *Controller) SetAutoApprove(auto bool) {
	c.autoApprove = auto
}

// ClearStuck resumes a session suspended at the stuck gate. The human
// decided to continue or redirect; the embedding window starts fresh either
// way so the detector does not refire on stale state.
func (c *Controller) ClearStuck(sessionKey string) {
	st := c.state(sessionKey)
	st.mu.Lock()
	st.stuck = false
	st.detector.Reset()
	st.mu.Unlock()
}

// RunTurn resolves one user instruction. It returns a final answer, a stuck
// signal awaiting a human decision, or one of the turn-level errors.
func (c *Controller) RunTurn(ctx context.Context, sessionKey, instruction string) (*Outcome, error) {
	sess, err := c.store.GetOrCreate(sessionKey)
	if err != nil {
		return nil, err
	}

	st := c.state(sessionKey)
	st.mu.Lock()
	st.sessionID = sess.ID
	if st.personaID == "" {
		st.personaID = sess.PersonaID
	}
	suspended := st.stuck
	st.mu.Unlock()
	if suspended {
		return &Outcome{Stuck: &StuckSignal{SessionKey: sessionKey, Reason: "awaiting human decision"}}, nil
	}

	// Routing runs once per turn so the whole turn stays on one model even
	// as tool results accumulate.
	route, prov, err := c.pickModel(instruction)
	if err != nil {
		return nil, err
	}
	_, modelName := router.ParseModelID(route.ModelID)

	if err := c.store.AppendMessage(sess.ID, session.Message{
		SessionID: sess.ID,
		Role:      "user",
		Content:   instruction,
	}); err != nil {
		return nil, err
	}

	remediation := isRemediation(instruction)
	if remediation && c.cache != nil {
		c.proposeCachedHint(ctx, sess.ID, instruction)
	}

	modelRetried := false
	overflowRetried := false

	for iteration := 1; iteration <= c.maxIterations; iteration++ {
		// Cancellation is cooperative: checked between iterations, never
		// interrupting an in-flight tool batch.
		if ctx.Err() != nil {
			c.publish(events.TypeError, sess.ID, map[string]any{"stage": "loop", "reason": "cancelled"})
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}

		c.publish(events.TypeIterationStarted, sess.ID, map[string]any{
			"iteration": iteration,
			"model":     route.ModelID,
		})

		messages, err := c.store.GetMessages(sess.ID)
		if err != nil {
			return nil, err
		}
		if c.contextMgr != nil {
			messages, err = c.contextMgr.EnsureFits(ctx, sess.ID, messages)
			if err != nil {
				return nil, err
			}
		}

		active := c.activePersona(st)
		defs := c.registry.Definitions(active.Allows)
		req := &ai.ChatRequest{
			Messages:       toProviderMessages(messages),
			Tools:          defs,
			System:         c.systemPrompt(sess.ID, active, defs),
			Model:          modelName,
			EnableThinking: route.EnableThinking,
		}

		callCtx, cancel := context.WithTimeout(ctx, route.Timeout)
		text, calls, callErr := c.callModel(callCtx, prov, req)
		cancel()

		if callErr != nil {
			if ai.IsContextOverflow(callErr) && !overflowRetried && c.contextMgr != nil {
				// The local estimate fit but the provider disagreed; compact
				// once and retry.
				overflowRetried = true
				logging.Warnf("[Loop] provider reported context overflow, compacting")
				if _, err := c.contextMgr.ForceCompact(ctx, sess.ID, messages); err != nil {
					return nil, err
				}
				continue
			}
			// Rate-limit, auth and billing failures will not clear in one
			// backoff window, so they skip the retry and go straight to
			// cooldown.
			reason := ai.ClassifyErrorReason(callErr)
			retryable := !ai.IsRateLimitOrAuth(callErr) && reason != "billing"
			if retryable && !modelRetried {
				modelRetried = true
				logging.Warnf("[Loop] model call failed (%v), retrying once", callErr)
				select {
				case <-time.After(modelRetryBackoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
				}
				continue
			}
			c.router.MarkFailed(route.ModelID, reason)
			c.publish(events.TypeError, sess.ID, map[string]any{"stage": "model_call", "reason": reason, "error": callErr.Error()})
			return nil, fmt.Errorf("%w: %v", ErrModelService, callErr)
		}

		// Malformed output becomes a correction request fed back to the
		// model, counted against the ceiling like any other iteration.
		if problem := parseProblem(text, calls); problem != "" {
			logging.Warnf("[Loop] parse error on iteration %d: %s", iteration, problem)
			if err := c.store.AppendMessage(sess.ID, session.Message{
				SessionID: sess.ID,
				Role:      "user",
				Content:   problem,
			}); err != nil {
				return nil, err
			}
			continue
		}

		if err := c.appendAssistant(sess.ID, text, calls); err != nil {
			return nil, err
		}

		if len(calls) == 0 {
			c.publish(events.TypeFinalAnswer, sess.ID, map[string]any{
				"iteration": iteration,
				"chars":     len(text),
			})
			if remediation && c.cache != nil {
				if err := c.cache.Insert(ctx, instruction, text); err != nil {
					logging.Warnf("[Loop] reasoning cache insert failed: %v", err)
				}
			}
			return &Outcome{FinalAnswer: text, Iterations: iteration, ModelID: route.ModelID}, nil
		}

		results := c.executeCalls(ctx, st, sess.ID, iteration, calls)

		// Either the full batch of results lands in the transcript or the
		// turn fails; no partial appends.
		toolResults := make([]session.ToolResult, len(results))
		for i, res := range results {
			content := res.Output
			if !res.Success {
				content = res.Error
			}
			toolResults[i] = session.ToolResult{
				ToolCallID: res.Call.ID,
				Content:    content,
				IsError:    !res.Success,
			}
			c.publish(events.TypeToolResult, sess.ID, map[string]any{
				"iteration":   iteration,
				"id":          res.Call.ID,
				"name":        res.Call.Name,
				"success":     res.Success,
				"duration_ms": res.Duration.Milliseconds(),
			})
		}
		resultsJSON, _ := json.Marshal(toolResults)
		if err := c.store.AppendMessage(sess.ID, session.Message{
			SessionID:   sess.ID,
			Role:        "tool",
			ToolResults: resultsJSON,
		}); err != nil {
			return nil, err
		}

		if sig := c.observe(ctx, st, sessionKey, iteration, calls); sig != nil {
			c.publish(events.TypeStuck, sess.ID, map[string]any{
				"iteration": iteration,
				"reason":    sig.Reason,
			})
			return &Outcome{Stuck: sig, Iterations: iteration}, nil
		}
	}

	c.publish(events.TypeError, sess.ID, map[string]any{"stage": "loop", "error": ErrIterationLimit.Error()})
	return nil, fmt.Errorf("%w after %d iterations", ErrIterationLimit, c.maxIterations)
}

// state returns (lazily creating) the per-session state.
func (c *Controller) state(sessionKey string) *sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[sessionKey]
	if !ok {
		st = &sessionState{detector: detector.New(c.embedder, c.detectorCfg)}
		c.states[sessionKey] = st
	}
	return st
}

// pickModel resolves the route and its provider, excluding routed models
// whose provider is not configured.
func (c *Controller) pickModel(instruction string) (router.Route, ai.Provider, error) {
	for attempt := 0; attempt < 3; attempt++ {
		route := c.router.Resolve(instruction)
		providerID, _ := router.ParseModelID(route.ModelID)
		if prov, ok := c.providers[providerID]; ok {
			return route, prov, nil
		}
		logging.Warnf("[Loop] provider %q not configured, excluding %s", providerID, route.ModelID)
		c.router.MarkFailed(route.ModelID, "auth")
	}
	return router.Route{}, nil, ErrNoProvider
}

// callModel streams one model response and collects it into text plus tool
// calls. An error event aborts the collection.
func (c *Controller) callModel(ctx context.Context, prov ai.Provider, req *ai.ChatRequest) (string, []*ai.ToolCall, error) {
	stream, err := prov.Stream(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var text strings.Builder
	var calls []*ai.ToolCall
	for ev := range stream {
		switch ev.Type {
		case ai.EventTypeText:
			text.WriteString(ev.Text)
		case ai.EventTypeToolCall:
			if ev.ToolCall != nil {
				calls = append(calls, ev.ToolCall)
			}
		case ai.EventTypeError:
			return "", nil, ev.Error
		}
	}
	return text.String(), calls, nil
}

// executeCalls runs one iteration's tool batch. switch_persona is privileged
// and applied by the controller itself so the swap is atomic with respect to
// session state; everything else goes through the bounded executor with the
// gate and persona checks as preflight. Results come back in call order.
func (c *Controller) executeCalls(ctx context.Context, st *sessionState, sessionID string, iteration int, calls []*ai.ToolCall) []*tools.ExecutionResult {
	results := make([]*tools.ExecutionResult, len(calls))
	var regular []*ai.ToolCall
	var regularIdx []int

	for i, call := range calls {
		c.publish(events.TypeToolCall, sessionID, map[string]any{
			"iteration": iteration,
			"id":        call.ID,
			"name":      call.Name,
		})
		if call.Name == PersonaToolName {
			results[i] = c.switchPersona(st, call)
			continue
		}
		regular = append(regular, call)
		regularIdx = append(regularIdx, i)
	}

	if len(regular) > 0 {
		executed := c.executor.ExecuteAll(ctx, regular, c.preflight(ctx, st))
		for j, res := range executed {
			results[regularIdx[j]] = res
		}
	}
	return results
}

// preflight enforces the persona allow-list and the confirmation gate. A
// returned error is folded into a failed tool result, never raised.
func (c *Controller) preflight(ctx context.Context, st *sessionState) tools.Preflight {
	return func(call *ai.ToolCall) error {
		active := c.activePersona(st)
		if !active.Allows(call.Name) {
			return fmt.Errorf("tool %q is not allowed by the active persona %q", call.Name, active.ID)
		}
		desc, ok := c.registry.Get(call.Name)
		if !ok {
			// Let the registry produce its corrective result.
			return nil
		}
		tier := tools.EffectiveTier(call.Name, desc.Tier, call.Input)
		_, err := c.approvals.Check(ctx, call.Name, call.Input, tier, c.autoApprove)
		return err
	}
}

// observe feeds this iteration's actions to the loop detector and returns a
// stuck signal when the embedding window fills with near-duplicates.
func (c *Controller) observe(ctx context.Context, st *sessionState, sessionKey string, iteration int, calls []*ai.ToolCall) *StuckSignal {
	stuckNow := false
	for _, call := range calls {
		hit, err := st.detector.ObserveToolCall(ctx, call.Name, call.Input)
		if err != nil {
			logging.Debugf("[Loop] detector observe failed: %v", err)
			continue
		}
		if hit {
			stuckNow = true
		}
	}
	if !stuckNow {
		return nil
	}

	st.mu.Lock()
	st.stuck = true
	st.mu.Unlock()
	return &StuckSignal{
		SessionKey: sessionKey,
		Iteration:  iteration,
		Reason:     "repeated near-identical actions",
	}
}

// activePersona resolves the session's current persona, falling back to the
// general builtin when the configured one is missing.
func (c *Controller) activePersona(st *sessionState) *persona.Persona {
	st.mu.Lock()
	id := st.personaID
	st.mu.Unlock()

	if c.personas != nil {
		if p, ok := c.personas.Get(id); ok {
			return p
		}
		if p, ok := c.personas.Get("general"); ok {
			return p
		}
	}
	// No loader attached; behave as an unrestricted persona.
	return &persona.Persona{ID: id}
}

// systemPrompt assembles the persona prompt, the allowed tool list and the
// compaction summary carried over from earlier spans.
func (c *Controller) systemPrompt(sessionID string, active *persona.Persona, defs []ai.ToolDefinition) string {
	prompt := active.SystemPrompt
	if len(defs) > 0 {
		names := make([]string, len(defs))
		for i, d := range defs {
			names[i] = d.Name
		}
		prompt += "\n\nTool names are case-sensitive. Call tools exactly as listed: " + strings.Join(names, ", ") +
			"\nThese are your ONLY tools. Do not call any tool not in this list."
	}
	if summary, _ := c.store.GetSummary(sessionID); summary != "" {
		prompt += "\n\n---\n[Previous Conversation Summary]\n" + summary + "\n---"
	}
	return prompt
}

// proposeCachedHint queries the reasoning cache for a previously solved
// near-identical problem and proposes it as a hint turn. The model remains
// free to accept, adapt, or ignore it. Cache failures are silent misses.
func (c *Controller) proposeCachedHint(ctx context.Context, sessionID, instruction string) {
	hit, err := c.cache.Lookup(ctx, instruction)
	if err != nil || hit == nil {
		return
	}
	hint := fmt.Sprintf(
		"A near-identical problem was solved before (similarity %.2f). Previous solution:\n%s\nAccept, adapt, or ignore this.",
		hit.Similarity, hit.Solution)
	if err := c.store.AppendMessage(sessionID, session.Message{
		SessionID: sessionID,
		Role:      "assistant",
		Content:   hint,
	}); err != nil {
		logging.Warnf("[Loop] failed to append cache hint: %v", err)
	}
}

// appendAssistant records one iteration's model output atomically: the text
// and the full set of tool calls land in a single message.
func (c *Controller) appendAssistant(sessionID, text string, calls []*ai.ToolCall) error {
	if text == "" && len(calls) == 0 {
		return nil
	}
	var callsJSON json.RawMessage
	if len(calls) > 0 {
		recorded := make([]session.ToolCall, len(calls))
		for i, call := range calls {
			recorded[i] = session.ToolCall{ID: call.ID, Name: call.Name, Input: call.Input}
		}
		callsJSON, _ = json.Marshal(recorded)
	}
	return c.store.AppendMessage(sessionID, session.Message{
		SessionID: sessionID,
		Role:      "assistant",
		Content:   text,
		ToolCalls: callsJSON,
	})
}

func (c *Controller) publish(t events.Type, sessionID string, payload map[string]any) {
	c.sink.Publish(events.Event{Type: t, SessionID: sessionID, Payload: payload})
}

// parseProblem reports what was malformed about a model response, or ""
// when the response is usable.
func parseProblem(text string, calls []*ai.ToolCall) string {
	if len(calls) == 0 && strings.TrimSpace(text) == "" {
		return "Your last response was empty. Reply with either a final answer or a tool call."
	}
	for _, call := range calls {
		if len(call.Input) > 0 && !json.Valid(call.Input) {
			return fmt.Sprintf("The arguments for tool call %q (%s) were not valid JSON. Resend the call with arguments matching the tool's schema.", call.Name, call.ID)
		}
	}
	return ""
}

func toProviderMessages(messages []session.Message) []ai.Message {
	out := make([]ai.Message, len(messages))
	for i, m := range messages {
		out[i] = ai.Message{
			Role:        m.Role,
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		}
	}
	return out
}

var remediationMarkers = []string{
	"fix", "error", "failing", "fails", "broken", "crash", "resolve", "debug", "not working",
}

// isRemediation spots instructions that describe a problem to repair; only
// those consult and feed the reasoning cache.
func isRemediation(instruction string) bool {
	msg := strings.ToLower(instruction)
	for _, marker := range remediationMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
