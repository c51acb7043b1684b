// Package gate is the confirmation gate between the model's tool calls and
// their execution. Every call is checked against its tool's risk tier; the
// gate solicits approval through a pluggable callback when the tier demands
// it. Auto-approve relaxes the confirm tier only, never always_confirm.
package gate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loopcore/agentd/internal/logging"
)

// RiskTier classifies how dangerous a tool is.
type RiskTier string

const (
	// TierSafe tools bypass the gate entirely.
	TierSafe RiskTier = "safe"
	// TierConfirm tools require approval unless the session auto-approves.
	TierConfirm RiskTier = "confirm"
	// TierAlwaysConfirm tools require approval unconditionally. Used for
	// credential files, CI configuration and other critical paths.
	TierAlwaysConfirm RiskTier = "always_confirm"
)

// Decision is the outcome of an approval request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
	DecisionTimeout  Decision = "timeout"
)

// Sentinel errors folded into tool results so the model can react instead of
// retrying blindly.
var (
	ErrPermissionDenied = errors.New("permission denied by approval gate")
	ErrApprovalTimeout  = errors.New("approval request timed out")
)

// ApprovalFunc solicits a human decision for one tool call. Implementations
// may block (CLI prompt) or wait on an asynchronous channel (web UI).
type ApprovalFunc func(ctx context.Context, toolName string, input json.RawMessage, tier RiskTier) (Decision, error)

// Gate checks tool calls against their risk tier.
type Gate struct {
	approve ApprovalFunc
	timeout time.Duration
}

// New creates a gate. A nil approver denies everything that needs approval,
// which is the safe default for headless runs.
func New(approve ApprovalFunc, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Gate{approve: approve, timeout: timeout}
}

// Check resolves the gate decision for one tool call. Safe tools return
// approved without touching the approval channel. The returned error is one
// of the sentinel errors above for denied/timeout, nil for approved.
func (g *Gate) Check(ctx context.Context, toolName string, input json.RawMessage, tier RiskTier, autoApprove bool) (Decision, error) {
	switch tier {
	case TierSafe:
		return DecisionApproved, nil
	case TierConfirm:
		if autoApprove {
			return DecisionApproved, nil
		}
	case TierAlwaysConfirm:
		// Never auto-approved
	default:
		// Unknown tiers are treated as confirm
		if autoApprove {
			return DecisionApproved, nil
		}
	}

	if g.approve == nil {
		logging.Warnf("[Gate] No approver configured, denying %s", toolName)
		return DecisionDenied, ErrPermissionDenied
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	decision, err := g.approve(ctx, toolName, input, tier)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return DecisionTimeout, ErrApprovalTimeout
		}
		return DecisionDenied, fmt.Errorf("approval channel failed: %w", err)
	}

	switch decision {
	case DecisionApproved:
		return DecisionApproved, nil
	case DecisionTimeout:
		return DecisionTimeout, ErrApprovalTimeout
	default:
		return DecisionDenied, ErrPermissionDenied
	}
}

// StdinApprover returns an ApprovalFunc that prompts on the terminal.
// Reads from in, writes the prompt to out.
func StdinApprover(in io.Reader, out io.Writer) ApprovalFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, toolName string, input json.RawMessage, tier RiskTier) (Decision, error) {
		display := formatInput(toolName, input)

		fmt.Fprintf(out, "\n\033[33m⚠ Tool '%s' (%s) requires approval:\033[0m\n", toolName, tier)
		fmt.Fprintf(out, "\033[90m%s\033[0m\n", display)
		fmt.Fprint(out, "\033[33mApprove? [y/N]: \033[0m")

		type answer struct {
			text string
			err  error
		}
		ch := make(chan answer, 1)
		go func() {
			text, err := reader.ReadString('\n')
			ch <- answer{text, err}
		}()

		select {
		case <-ctx.Done():
			return DecisionTimeout, nil
		case a := <-ch:
			if a.err != nil {
				return DecisionDenied, a.err
			}
			switch strings.TrimSpace(strings.ToLower(a.text)) {
			case "y", "yes":
				return DecisionApproved, nil
			default:
				return DecisionDenied, nil
			}
		}
	}
}

// formatInput renders tool input for the prompt; shell commands show the
// bare command line instead of JSON.
func formatInput(toolName string, input json.RawMessage) string {
	if toolName == "shell" {
		var shellInput struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(input, &shellInput); err == nil && shellInput.Command != "" {
			return shellInput.Command
		}
	}
	return string(input)
}
