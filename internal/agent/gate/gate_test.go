package gate

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func approverReturning(d Decision) (ApprovalFunc, *int) {
	calls := new(int)
	return func(ctx context.Context, toolName string, input json.RawMessage, tier RiskTier) (Decision, error) {
		*calls++
		return d, nil
	}, calls
}

func TestSafeToolsBypassApprovalChannel(t *testing.T) {
	approve, calls := approverReturning(DecisionDenied)
	g := New(approve, time.Second)

	decision, err := g.Check(context.Background(), "list_files", nil, TierSafe, false)
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, decision)
	assert.Zero(t, *calls, "safe tools must not invoke the approval channel")
}

func TestConfirmTierHonorsAutoApprove(t *testing.T) {
	approve, calls := approverReturning(DecisionDenied)
	g := New(approve, time.Second)

	decision, err := g.Check(context.Background(), "write_file", nil, TierConfirm, true)
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, decision)
	assert.Zero(t, *calls)

	decision, err = g.Check(context.Background(), "write_file", nil, TierConfirm, false)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, DecisionDenied, decision)
	assert.Equal(t, 1, *calls)
}

func TestAlwaysConfirmIgnoresAutoApprove(t *testing.T) {
	approve, calls := approverReturning(DecisionDenied)
	g := New(approve, time.Second)

	decision, err := g.Check(context.Background(), "delete_file", nil, TierAlwaysConfirm, true)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, DecisionDenied, decision)
	assert.Equal(t, 1, *calls, "always_confirm must reach the approval channel even under auto-approve")
}

func TestApprovedDecisionPassesThrough(t *testing.T) {
	approve, _ := approverReturning(DecisionApproved)
	g := New(approve, time.Second)

	decision, err := g.Check(context.Background(), "delete_file", nil, TierAlwaysConfirm, true)
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, decision)
}

func TestTimeoutDecision(t *testing.T) {
	approve, _ := approverReturning(DecisionTimeout)
	g := New(approve, time.Second)

	decision, err := g.Check(context.Background(), "shell", nil, TierConfirm, false)
	assert.ErrorIs(t, err, ErrApprovalTimeout)
	assert.Equal(t, DecisionTimeout, decision)
}

func TestNilApproverDenies(t *testing.T) {
	g := New(nil, time.Second)

	decision, err := g.Check(context.Background(), "shell", nil, TierConfirm, false)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, DecisionDenied, decision)
}

func TestStdinApprover(t *testing.T) {
	var out strings.Builder
	approve := StdinApprover(strings.NewReader("y\n"), &out)

	decision, err := approve(context.Background(), "shell", json.RawMessage(`{"command":"rm old.log"}`), TierConfirm)
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, decision)
	assert.Contains(t, out.String(), "rm old.log")

	approve = StdinApprover(strings.NewReader("no\n"), &out)
	decision, err = approve(context.Background(), "shell", nil, TierConfirm)
	require.NoError(t, err)
	assert.Equal(t, DecisionDenied, decision)
}
