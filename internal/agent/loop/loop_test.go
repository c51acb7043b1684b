package loop

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopcore/agentd/internal/agent/ai"
	"github.com/loopcore/agentd/internal/agent/detector"
	"github.com/loopcore/agentd/internal/agent/embeddings"
	"github.com/loopcore/agentd/internal/agent/gate"
	"github.com/loopcore/agentd/internal/agent/persona"
	"github.com/loopcore/agentd/internal/agent/router"
	"github.com/loopcore/agentd/internal/agent/session"
	"github.com/loopcore/agentd/internal/agent/tools"
)

// scriptStep is one scripted model response. A nil err step streams its text
// and tool calls; an err step fails the call before streaming.
type scriptStep struct {
	text  string
	calls []*ai.ToolCall
	err   error
}

// scriptedProvider replays a fixed sequence of responses. The last step
// repeats when the script runs out, which keeps runaway-loop tests simple.
type scriptedProvider struct {
	mu     sync.Mutex
	script []scriptStep
	calls  int
}

func (p *scriptedProvider) ID() string { return "stub" }

func (p *scriptedProvider) Stream(_ context.Context, _ *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	p.mu.Lock()
	idx := p.calls
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	step := p.script[idx]
	p.calls++
	p.mu.Unlock()

	if step.err != nil {
		return nil, step.err
	}

	ch := make(chan ai.StreamEvent, len(step.calls)+2)
	if step.text != "" {
		ch <- ai.StreamEvent{Type: ai.EventTypeText, Text: step.text}
	}
	for _, call := range step.calls {
		ch <- ai.StreamEvent{Type: ai.EventTypeToolCall, ToolCall: call}
	}
	ch <- ai.StreamEvent{Type: ai.EventTypeDone}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type testHarness struct {
	controller *Controller
	provider   *scriptedProvider
	store      *session.Store
	registry   *tools.Registry
	router     *router.Router
	echoCount  *atomic.Int64
	wipeCount  *atomic.Int64
}

// newHarness wires a controller over an in-memory store, a scripted provider
// and two test tools: echo_tool (safe) and wipe_tool (always_confirm).
func newHarness(t *testing.T, script []scriptStep) *testHarness {
	t.Helper()

	store, err := session.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := tools.NewRegistry(5 * time.Second)
	echoCount := &atomic.Int64{}
	registry.Register(&tools.Descriptor{
		Name:        "echo_tool",
		Description: "echoes its input",
		Schema:      json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
		Tier:        gate.TierSafe,
		Factory: func() (tools.Handler, error) {
			return tools.HandlerFunc(func(_ context.Context, input json.RawMessage) (*tools.Result, error) {
				echoCount.Add(1)
				return &tools.Result{Content: string(input)}, nil
			}), nil
		},
	})
	wipeCount := &atomic.Int64{}
	registry.Register(&tools.Descriptor{
		Name:        "wipe_tool",
		Description: "destructive test tool",
		Schema:      json.RawMessage(`{"type":"object"}`),
		Tier:        gate.TierAlwaysConfirm,
		Factory: func() (tools.Handler, error) {
			return tools.HandlerFunc(func(context.Context, json.RawMessage) (*tools.Result, error) {
				wipeCount.Add(1)
				return &tools.Result{Content: "wiped"}, nil
			}), nil
		},
	})

	rt := router.New(router.Table{
		General: router.Rule{ModelID: "stub/test-model", Timeout: 10 * time.Second},
	})

	provider := &scriptedProvider{script: script}
	controller := New(store, map[string]ai.Provider{"stub": provider}, registry, tools.NewExecutor(registry, 2), rt)

	return &testHarness{
		controller: controller,
		provider:   provider,
		store:      store,
		registry:   registry,
		router:     rt,
		echoCount:  echoCount,
		wipeCount:  wipeCount,
	}
}

func localDetector() (detector.Embedder, detector.Config) {
	svc := embeddings.NewService(embeddings.NewLocalProvider(64))
	return svc, detector.Config{Window: 3, Threshold: 0.92}
}

func TestFinalAnswerWithoutTools(t *testing.T) {
	h := newHarness(t, []scriptStep{{text: "the answer is 4"}})

	out, err := h.controller.RunTurn(context.Background(), "s1", "what is 2+2")
	require.NoError(t, err)
	assert.Equal(t, "the answer is 4", out.FinalAnswer)
	assert.Nil(t, out.Stuck)
	assert.Equal(t, 1, out.Iterations)
	assert.Equal(t, 1, h.provider.callCount())

	sess, err := h.store.GetOrCreate("s1")
	require.NoError(t, err)
	messages, err := h.store.GetMessages(sess.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "assistant", messages[1].Role)
}

func TestSafeToolRunsWithoutApproval(t *testing.T) {
	approvals := &atomic.Int64{}
	h := newHarness(t, []scriptStep{
		{calls: []*ai.ToolCall{{ID: "c1", Name: "echo_tool", Input: json.RawMessage(`{"text":"hi"}`)}}},
		{text: "done"},
	})
	h.controller.SetGate(gate.New(func(context.Context, string, json.RawMessage, gate.RiskTier) (gate.Decision, error) {
		approvals.Add(1)
		return gate.DecisionDenied, nil
	}, time.Second))

	out, err := h.controller.RunTurn(context.Background(), "s1", "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "done", out.FinalAnswer)
	assert.Equal(t, int64(1), h.echoCount.Load())
	assert.Equal(t, int64(0), approvals.Load(), "safe tier must not touch the approval channel")

	sess, _ := h.store.GetOrCreate("s1")
	messages, err := h.store.GetMessages(sess.ID)
	require.NoError(t, err)
	require.Len(t, messages, 4) // user, assistant call, tool result, assistant final
	assert.Equal(t, "tool", messages[2].Role)
}

func TestAlwaysConfirmIgnoresAutoApprove(t *testing.T) {
	approvals := &atomic.Int64{}
	h := newHarness(t, []scriptStep{
		{calls: []*ai.ToolCall{{ID: "c1", Name: "wipe_tool", Input: json.RawMessage(`{}`)}}},
		{text: "understood"},
	})
	h.controller.SetAutoApprove(true)
	h.controller.SetGate(gate.New(func(context.Context, string, json.RawMessage, gate.RiskTier) (gate.Decision, error) {
		approvals.Add(1)
		return gate.DecisionDenied, nil
	}, time.Second))

	out, err := h.controller.RunTurn(context.Background(), "s1", "wipe it")
	require.NoError(t, err, "a denial is model-visible feedback, not a turn failure")
	assert.Equal(t, "understood", out.FinalAnswer)
	assert.Equal(t, int64(1), approvals.Load(), "always_confirm must prompt even under auto-approve")
	assert.Equal(t, int64(0), h.wipeCount.Load(), "denied tool must not execute")

	sess, _ := h.store.GetOrCreate("s1")
	messages, err := h.store.GetMessages(sess.ID)
	require.NoError(t, err)
	var results []session.ToolResult
	require.NoError(t, json.Unmarshal(messages[2].ToolResults, &results))
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "permission denied")
}

func TestIterationCeiling(t *testing.T) {
	// The script never produces a final answer; each iteration has a
	// distinct tool call so the detector stays quiet.
	h := newHarness(t, []scriptStep{
		{calls: []*ai.ToolCall{{ID: "a", Name: "echo_tool", Input: json.RawMessage(`{"text":"one"}`)}}},
	})
	h.controller.SetMaxIterations(5)

	_, err := h.controller.RunTurn(context.Background(), "s1", "loop forever")
	require.ErrorIs(t, err, ErrIterationLimit)
	assert.Equal(t, 5, h.provider.callCount(), "ceiling bounds the model calls exactly")
}

func TestStuckGateOnThirdRepeat(t *testing.T) {
	call := &ai.ToolCall{ID: "r", Name: "echo_tool", Input: json.RawMessage(`{"text":"same"}`)}
	h := newHarness(t, []scriptStep{{calls: []*ai.ToolCall{call}}})
	h.controller.SetDetector(localDetector())

	out, err := h.controller.RunTurn(context.Background(), "s1", "do the thing")
	require.NoError(t, err)
	require.NotNil(t, out.Stuck)
	assert.Equal(t, 3, out.Iterations, "stuck on the third identical repeat")
	assert.Equal(t, 3, h.provider.callCount(), "never a fourth model call")

	// The session stays suspended until a human decision.
	out, err = h.controller.RunTurn(context.Background(), "s1", "keep going")
	require.NoError(t, err)
	require.NotNil(t, out.Stuck)
	assert.Equal(t, 3, h.provider.callCount())

	// After ClearStuck the session runs again with a fresh window.
	h.controller.ClearStuck("s1")
	h.provider.mu.Lock()
	h.provider.script = []scriptStep{{text: "resumed"}}
	h.provider.calls = 0
	h.provider.mu.Unlock()

	out, err = h.controller.RunTurn(context.Background(), "s1", "try differently")
	require.NoError(t, err)
	assert.Equal(t, "resumed", out.FinalAnswer)
}

func TestParseErrorRepromptsAndCounts(t *testing.T) {
	h := newHarness(t, []scriptStep{
		{}, // empty response: neither text nor tool calls
		{text: "recovered"},
	})

	out, err := h.controller.RunTurn(context.Background(), "s1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "recovered", out.FinalAnswer)
	assert.Equal(t, 2, out.Iterations, "the correction round counts against the ceiling")

	sess, _ := h.store.GetOrCreate("s1")
	messages, err := h.store.GetMessages(sess.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Contains(t, messages[1].Content, "empty")
}

func TestModelFailureRetriedOnceThenFatal(t *testing.T) {
	boom := &ai.ProviderError{Message: "upstream unavailable", Type: "api_error"}
	h := newHarness(t, []scriptStep{{err: boom}, {err: boom}})

	_, err := h.controller.RunTurn(context.Background(), "s1", "hello")
	require.ErrorIs(t, err, ErrModelService)
	assert.Equal(t, 2, h.provider.callCount(), "exactly one retry")
	assert.Greater(t, h.router.CooldownRemaining("stub/test-model"), time.Duration(0),
		"the failed model goes into cooldown")
}

func TestModelFailureRecoveredByRetry(t *testing.T) {
	h := newHarness(t, []scriptStep{
		{err: &ai.ProviderError{Message: "transient", Type: "api_error"}},
		{text: "second try worked"},
	})

	out, err := h.controller.RunTurn(context.Background(), "s1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "second try worked", out.FinalAnswer)
}

func TestAuthFailureSkipsRetry(t *testing.T) {
	h := newHarness(t, []scriptStep{
		{err: &ai.ProviderError{Message: "invalid x-api-key", Type: "authentication_error"}},
		{text: "should never be reached"},
	})

	_, err := h.controller.RunTurn(context.Background(), "s1", "hello")
	require.ErrorIs(t, err, ErrModelService)
	assert.Equal(t, 1, h.provider.callCount(), "auth failures are not blindly retried")
	assert.Greater(t, h.router.CooldownRemaining("stub/test-model"), 59*time.Minute,
		"auth failures get the long cooldown")
}

func TestBillingFailureSkipsRetry(t *testing.T) {
	h := newHarness(t, []scriptStep{
		{err: &ai.ProviderError{Message: "insufficient quota for this request", Code: "insufficient_quota"}},
	})

	_, err := h.controller.RunTurn(context.Background(), "s1", "hello")
	require.ErrorIs(t, err, ErrModelService)
	assert.Equal(t, 1, h.provider.callCount())
}

func TestCancellationBetweenIterations(t *testing.T) {
	h := newHarness(t, []scriptStep{
		{calls: []*ai.ToolCall{{ID: "c1", Name: "echo_tool", Input: json.RawMessage(`{"text":"x"}`)}}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.controller.RunTurn(ctx, "s1", "hello")
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, h.provider.callCount(), "no model call is scheduled after cancel")
}

func TestPersonaSwitchRestrictsLaterCalls(t *testing.T) {
	loader := persona.NewLoader(t.TempDir())
	require.NoError(t, loader.LoadAll())

	h := newHarness(t, []scriptStep{
		{calls: []*ai.ToolCall{{ID: "p1", Name: "switch_persona", Input: json.RawMessage(`{"persona_id":"code"}`)}}},
		{calls: []*ai.ToolCall{{ID: "w1", Name: "wipe_tool", Input: json.RawMessage(`{}`)}}},
		{text: "finished"},
	})
	h.controller.SetPersonas(loader)
	h.controller.SetAutoApprove(true)

	out, err := h.controller.RunTurn(context.Background(), "s1", "switch then wipe")
	require.NoError(t, err)
	assert.Equal(t, "finished", out.FinalAnswer)
	assert.Equal(t, int64(0), h.wipeCount.Load(), "tool outside the new persona's allow-list must not run")

	sess, _ := h.store.GetOrCreate("s1")
	assert.Equal(t, "code", sess.PersonaID, "the switch persists on the session")

	messages, err := h.store.GetMessages(sess.ID)
	require.NoError(t, err)
	var results []session.ToolResult
	require.NoError(t, json.Unmarshal(messages[4].ToolResults, &results))
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "not allowed by the active persona")
}

func TestUnknownPersonaFoldsIntoResult(t *testing.T) {
	loader := persona.NewLoader(t.TempDir())
	require.NoError(t, loader.LoadAll())

	h := newHarness(t, []scriptStep{
		{calls: []*ai.ToolCall{{ID: "p1", Name: "switch_persona", Input: json.RawMessage(`{"persona_id":"pirate"}`)}}},
		{text: "ok"},
	})
	h.controller.SetPersonas(loader)

	out, err := h.controller.RunTurn(context.Background(), "s1", "switch persona")
	require.NoError(t, err)
	assert.Equal(t, "ok", out.FinalAnswer)

	sess, _ := h.store.GetOrCreate("s1")
	messages, _ := h.store.GetMessages(sess.ID)
	var results []session.ToolResult
	require.NoError(t, json.Unmarshal(messages[2].ToolResults, &results))
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, `unknown persona "pirate"`)
}

func TestMalformedToolArgumentsReprompt(t *testing.T) {
	h := newHarness(t, []scriptStep{
		{calls: []*ai.ToolCall{{ID: "b1", Name: "echo_tool", Input: json.RawMessage(`{"text": broken`)}}},
		{text: "fixed"},
	})

	out, err := h.controller.RunTurn(context.Background(), "s1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "fixed", out.FinalAnswer)
	assert.Equal(t, int64(0), h.echoCount.Load(), "malformed call must not execute")
}

func TestIsRemediation(t *testing.T) {
	assert.True(t, isRemediation("fix the failing build"))
	assert.True(t, isRemediation("the server keeps crashing, debug it"))
	assert.False(t, isRemediation("write a haiku about autumn"))
}
