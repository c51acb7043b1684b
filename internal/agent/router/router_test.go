package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testTable() Table {
	return Table{
		Code:      Rule{ModelID: "anthropic/claude-sonnet-4-5", Timeout: 3 * time.Minute},
		Reasoning: Rule{ModelID: "openai/o3", Timeout: 5 * time.Minute, EnableThinking: true},
		General:   Rule{ModelID: "anthropic/claude-haiku-4-5", Timeout: time.Minute},
		Fallbacks: map[Category][]Rule{
			CategoryCode: {{ModelID: "ollama/qwen3:4b", Timeout: 5 * time.Minute}},
		},
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		instruction string
		want        Category
	}{
		{"refactor the session store to use transactions", CategoryCode},
		{"fix the bug in the parser", CategoryCode},
		{"prove that this scheduling is deadlock free, step by step", CategoryReasoning},
		{"analyze these benchmark results", CategoryReasoning},
		{"what's the weather like in Lisbon", CategoryGeneral},
		{"", CategoryGeneral},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.instruction), tc.instruction)
	}
}

func TestResolvePicksCategoryModel(t *testing.T) {
	r := New(testTable())

	route := r.Resolve("implement a function to merge intervals")
	assert.Equal(t, "anthropic/claude-sonnet-4-5", route.ModelID)
	assert.Equal(t, 3*time.Minute, route.Timeout)

	route = r.Resolve("tell me a story")
	assert.Equal(t, "anthropic/claude-haiku-4-5", route.ModelID)

	route = r.Resolve("think through the tradeoffs")
	assert.True(t, route.EnableThinking)
}

func TestFailedModelFallsThrough(t *testing.T) {
	r := New(testTable())

	r.MarkFailed("anthropic/claude-sonnet-4-5", "timeout")
	route := r.Resolve("implement a function")
	assert.Equal(t, "ollama/qwen3:4b", route.ModelID)

	r.MarkFailed("ollama/qwen3:4b", "timeout")
	route = r.Resolve("implement a function")
	assert.Equal(t, "anthropic/claude-haiku-4-5", route.ModelID, "should fall back to general")
}

func TestClearFailedRestoresPrimary(t *testing.T) {
	r := New(testTable())

	r.MarkFailed("anthropic/claude-sonnet-4-5", "timeout")
	assert.Positive(t, r.CooldownRemaining("anthropic/claude-sonnet-4-5"))

	r.ClearFailed()
	assert.Zero(t, r.CooldownRemaining("anthropic/claude-sonnet-4-5"))
	route := r.Resolve("implement a function")
	assert.Equal(t, "anthropic/claude-sonnet-4-5", route.ModelID)
}

func TestCooldownBacksOffExponentially(t *testing.T) {
	r := New(testTable())

	r.MarkFailed("anthropic/claude-haiku-4-5", "timeout")
	first := r.CooldownRemaining("anthropic/claude-haiku-4-5")
	r.MarkFailed("anthropic/claude-haiku-4-5", "timeout")
	second := r.CooldownRemaining("anthropic/claude-haiku-4-5")

	assert.Greater(t, second, first)
}

func TestCooldownBoundsByReason(t *testing.T) {
	r := New(testTable())

	r.MarkFailed("anthropic/claude-sonnet-4-5", "auth")
	remaining := r.CooldownRemaining("anthropic/claude-sonnet-4-5")
	assert.Greater(t, remaining, 59*time.Minute, "auth failures cool down for at least an hour")

	r.MarkFailed("ollama/qwen3:4b", "timeout")
	remaining = r.CooldownRemaining("ollama/qwen3:4b")
	assert.LessOrEqual(t, remaining, 5*time.Minute, "timeouts stay within the short ceiling")
}

func TestCooldownStaysPositiveAfterManyFailures(t *testing.T) {
	r := New(testTable())

	for i := 0; i < 70; i++ {
		r.MarkFailed("anthropic/claude-haiku-4-5", "other")
	}
	remaining := r.CooldownRemaining("anthropic/claude-haiku-4-5")
	assert.Positive(t, remaining)
	assert.LessOrEqual(t, remaining, time.Hour)
}

func TestDefaultTimeoutApplied(t *testing.T) {
	r := New(Table{General: Rule{ModelID: "ollama/qwen3:4b"}})
	route := r.Resolve("hello")
	assert.Equal(t, defaultCallTimeout, route.Timeout)
}

func TestParseModelID(t *testing.T) {
	provider, model := ParseModelID("anthropic/claude-sonnet-4-5")
	assert.Equal(t, "anthropic", provider)
	assert.Equal(t, "claude-sonnet-4-5", model)

	provider, model = ParseModelID("bare-model")
	assert.Empty(t, provider)
	assert.Equal(t, "bare-model", model)
}
