package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loopcore/agentd/internal/agent/ai"
	"github.com/loopcore/agentd/internal/agent/gate"
	"github.com/loopcore/agentd/internal/agent/tools"
	"github.com/loopcore/agentd/internal/logging"
)

// PersonaToolName is the privileged tool that swaps the active persona.
const PersonaToolName = "switch_persona"

// personaToolDescriptor advertises switch_persona to the model. The handler
// is a placeholder: the controller intercepts the call and applies the swap
// itself so it stays atomic with respect to the session state.
func personaToolDescriptor() *tools.Descriptor {
	return &tools.Descriptor{
		Name:        PersonaToolName,
		Description: "Switch the active persona. Changes the system prompt and the allowed tool set for all subsequent steps of this session. The existing conversation is kept as-is.",
		Schema:      json.RawMessage(`{"type":"object","properties":{"persona_id":{"type":"string","description":"ID of the persona to activate, e.g. \"code\" or \"general\""}},"required":["persona_id"]}`),
		Tier:        gate.TierSafe,
		Factory: func() (tools.Handler, error) {
			return tools.HandlerFunc(func(context.Context, json.RawMessage) (*tools.Result, error) {
				return nil, errors.New("switch_persona runs inside the session loop")
			}), nil
		},
	}
}

// switchPersona atomically replaces the session's active persona. The new
// allow-list applies to every later call in this same turn, including the
// rest of the current batch's preflight checks.
func (c *Controller) switchPersona(st *sessionState, call *ai.ToolCall) *tools.ExecutionResult {
	start := time.Now()
	fail := func(msg string) *tools.ExecutionResult {
		return &tools.ExecutionResult{Call: call, Success: false, Error: msg, Duration: time.Since(start)}
	}

	active := c.activePersona(st)
	if !active.Allows(PersonaToolName) {
		return fail(fmt.Sprintf("tool %q is not allowed by the active persona %q", PersonaToolName, active.ID))
	}

	var in struct {
		PersonaID string `json:"persona_id"`
	}
	if err := json.Unmarshal(call.Input, &in); err != nil {
		return fail("invalid input: " + err.Error())
	}
	if in.PersonaID == "" {
		return fail("persona_id is required")
	}
	if c.personas == nil {
		return fail("no personas configured")
	}
	next, ok := c.personas.Get(in.PersonaID)
	if !ok {
		return fail(fmt.Sprintf("unknown persona %q", in.PersonaID))
	}

	st.mu.Lock()
	st.personaID = next.ID
	sessionID := st.sessionID
	st.mu.Unlock()

	if err := c.store.SetPersona(sessionID, next.ID); err != nil {
		logging.Warnf("[Loop] failed to persist persona switch: %v", err)
	}

	logging.Infof("[Loop] persona switched to %s", next.ID)
	return &tools.ExecutionResult{
		Call:     call,
		Success:  true,
		Output:   fmt.Sprintf("Persona switched to %q. The system prompt and allowed tools now follow that persona.", next.ID),
		Duration: time.Since(start),
	}
}
