package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopcore/agentd/internal/agent/ai"
	"github.com/loopcore/agentd/internal/agent/gate"
)

func TestResultsMatchCallOrder(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register(staticTool("echo", gate.TierSafe, func(ctx context.Context, input json.RawMessage) (*Result, error) {
		var in struct {
			N int `json:"n"`
		}
		json.Unmarshal(input, &in)
		// Later calls finish first
		time.Sleep(time.Duration(10-in.N) * 5 * time.Millisecond)
		return &Result{Content: fmt.Sprintf("call-%d", in.N)}, nil
	}))

	e := NewExecutor(r, 4)
	var calls []*ai.ToolCall
	for i := 0; i < 6; i++ {
		calls = append(calls, &ai.ToolCall{
			ID:    fmt.Sprintf("id-%d", i),
			Name:  "echo",
			Input: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		})
	}

	results := e.ExecuteAll(context.Background(), calls, nil)
	require.Len(t, results, 6)
	for i, result := range results {
		assert.Equal(t, fmt.Sprintf("call-%d", i), result.Output)
	}
}

func TestSameResourceCallsSerialized(t *testing.T) {
	r := NewRegistry(time.Second)

	var mu sync.Mutex
	active := make(map[string]int)
	maxActive := make(map[string]int)

	r.Register(&Descriptor{
		Name:   "write",
		Schema: json.RawMessage(`{}`),
		Tier:   gate.TierSafe,
		Factory: func() (Handler, error) {
			return HandlerFunc(func(ctx context.Context, input json.RawMessage) (*Result, error) {
				var in struct {
					Path string `json:"path"`
				}
				json.Unmarshal(input, &in)

				mu.Lock()
				active[in.Path]++
				if active[in.Path] > maxActive[in.Path] {
					maxActive[in.Path] = active[in.Path]
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				active[in.Path]--
				mu.Unlock()
				return &Result{Content: "ok"}, nil
			}), nil
		},
		ResourceKey: func(input json.RawMessage) string {
			var in struct {
				Path string `json:"path"`
			}
			json.Unmarshal(input, &in)
			return "file:" + in.Path
		},
	})

	e := NewExecutor(r, 8)
	var calls []*ai.ToolCall
	for i := 0; i < 4; i++ {
		calls = append(calls, &ai.ToolCall{ID: fmt.Sprintf("a%d", i), Name: "write", Input: json.RawMessage(`{"path":"shared.txt"}`)})
	}
	for i := 0; i < 4; i++ {
		calls = append(calls, &ai.ToolCall{ID: fmt.Sprintf("b%d", i), Name: "write", Input: json.RawMessage(fmt.Sprintf(`{"path":"distinct-%d.txt"}`, i))})
	}

	results := e.ExecuteAll(context.Background(), calls, nil)
	for _, result := range results {
		require.True(t, result.Success)
	}
	assert.Equal(t, 1, maxActive["shared.txt"], "writes to the same file must not interleave")
}

func TestPreflightFailureSkipsExecution(t *testing.T) {
	r := NewRegistry(time.Second)
	executed := false
	r.Register(staticTool("guarded", gate.TierConfirm, func(ctx context.Context, input json.RawMessage) (*Result, error) {
		executed = true
		return &Result{Content: "ran"}, nil
	}))

	e := NewExecutor(r, 2)
	calls := []*ai.ToolCall{{ID: "1", Name: "guarded"}}

	results := e.ExecuteAll(context.Background(), calls, func(call *ai.ToolCall) error {
		return errors.New("permission denied by approval gate")
	})

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "permission denied")
	assert.False(t, executed)
}

func TestEffectiveTierEscalation(t *testing.T) {
	cases := []struct {
		tool  string
		tier  gate.RiskTier
		input string
		want  gate.RiskTier
	}{
		{"write_file", gate.TierConfirm, `{"path":"/home/u/.ssh/authorized_keys"}`, gate.TierAlwaysConfirm},
		{"write_file", gate.TierConfirm, `{"path":".env"}`, gate.TierAlwaysConfirm},
		{"write_file", gate.TierConfirm, `{"path":".env.production"}`, gate.TierAlwaysConfirm},
		{"write_file", gate.TierConfirm, `{"path":".github/workflows/ci.yml"}`, gate.TierAlwaysConfirm},
		{"write_file", gate.TierConfirm, `{"path":".gitlab-ci.yml"}`, gate.TierAlwaysConfirm},
		{"write_file", gate.TierConfirm, `{"path":"notes.txt"}`, gate.TierConfirm},
		{"shell", gate.TierConfirm, `{"command":"cat ~/.aws/credentials"}`, gate.TierAlwaysConfirm},
		{"shell", gate.TierConfirm, `{"command":"ls -la /tmp"}`, gate.TierSafe},
		{"shell", gate.TierConfirm, `{"command":"rm -rf build"}`, gate.TierConfirm},
		{"delete_file", gate.TierAlwaysConfirm, `{"path":"x.txt"}`, gate.TierAlwaysConfirm},
	}
	for _, tc := range cases {
		got := EffectiveTier(tc.tool, tc.tier, json.RawMessage(tc.input))
		assert.Equal(t, tc.want, got, "%s %s", tc.tool, tc.input)
	}
}

func TestIsSafeCommand(t *testing.T) {
	assert.True(t, IsSafeCommand("ls -la"))
	assert.True(t, IsSafeCommand("git status"))
	assert.False(t, IsSafeCommand("git push"))
	assert.False(t, IsSafeCommand("rm -rf /"))
	assert.False(t, IsSafeCommand(""))
}

func TestBuiltinShellRuns(t *testing.T) {
	r := NewRegistry(5 * time.Second)
	RegisterBuiltins(r)

	result := r.Execute(context.Background(), &ai.ToolCall{
		ID:    "1",
		Name:  "shell",
		Input: json.RawMessage(`{"command":"echo hello"}`),
	})
	require.True(t, result.Success)
	assert.Equal(t, "hello", strings.TrimSpace(result.Output))
}

func TestBuiltinFileRoundTrip(t *testing.T) {
	r := NewRegistry(5 * time.Second)
	RegisterBuiltins(r)
	ctx := context.Background()
	path := t.TempDir() + "/note.txt"

	write := r.Execute(ctx, &ai.ToolCall{ID: "1", Name: "write_file",
		Input: json.RawMessage(fmt.Sprintf(`{"path":%q,"content":"hello"}`, path))})
	require.True(t, write.Success)

	read := r.Execute(ctx, &ai.ToolCall{ID: "2", Name: "read_file",
		Input: json.RawMessage(fmt.Sprintf(`{"path":%q}`, path))})
	require.True(t, read.Success)
	assert.Equal(t, "hello", read.Output)

	del := r.Execute(ctx, &ai.ToolCall{ID: "3", Name: "delete_file",
		Input: json.RawMessage(fmt.Sprintf(`{"path":%q}`, path))})
	require.True(t, del.Success)

	again := r.Execute(ctx, &ai.ToolCall{ID: "4", Name: "read_file",
		Input: json.RawMessage(fmt.Sprintf(`{"path":%q}`, path))})
	assert.False(t, again.Success)
}
