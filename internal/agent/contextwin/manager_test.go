package contextwin

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopcore/agentd/internal/agent/session"
)

type stubSummarizer struct {
	calls   int
	summary string
	err     error
}

func (s *stubSummarizer) Summarize(ctx context.Context, messages []session.Message) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.summary, nil
}

func newTestStore(t *testing.T) (*session.Store, string) {
	t.Helper()
	store, err := session.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sess, err := store.GetOrCreate("ctx-test")
	require.NoError(t, err)
	return store, sess.ID
}

// fillTranscript appends alternating turns of the given content size.
func fillTranscript(t *testing.T, store *session.Store, sessionID string, turns int, contentLen int) {
	t.Helper()
	content := strings.Repeat("x", contentLen)
	for i := 0; i < turns; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		require.NoError(t, store.AppendMessage(sessionID, session.Message{Role: role, Content: content}))
	}
}

func TestUnderThresholdUntouched(t *testing.T) {
	store, sessionID := newTestStore(t)
	fillTranscript(t, store, sessionID, 4, 100) // ~100 tokens total

	summarizer := &stubSummarizer{summary: "summary"}
	m := New(store, summarizer, Config{Budget: 8000})

	msgs, err := store.GetMessages(sessionID)
	require.NoError(t, err)

	out, err := m.EnsureFits(context.Background(), sessionID, msgs)
	require.NoError(t, err)
	assert.Len(t, out, 4)
	assert.Zero(t, summarizer.calls)
}

func TestOverThresholdSummarizesOnce(t *testing.T) {
	store, sessionID := newTestStore(t)
	// 30 turns x 1000 chars = ~7500 tokens, past 70% of an 8000 budget
	fillTranscript(t, store, sessionID, 30, 1000)
	require.NoError(t, store.AppendMessage(sessionID, session.Message{Role: "user", Content: "latest question"}))

	summarizer := &stubSummarizer{summary: "earlier: user iterated on a deploy script"}
	m := New(store, summarizer, Config{Budget: 8000, KeepRecent: 5})

	msgs, err := store.GetMessages(sessionID)
	require.NoError(t, err)

	out, err := m.EnsureFits(context.Background(), sessionID, msgs)
	require.NoError(t, err)

	assert.Equal(t, 1, summarizer.calls, "exactly one summarization call")
	require.Len(t, out, 6) // 1 summary + 5 preserved
	assert.Equal(t, "assistant", out[0].Role)
	assert.Contains(t, out[0].Content, "deploy script")
	assert.Equal(t, "latest question", out[len(out)-1].Content, "latest user turn survives verbatim")
	assert.LessOrEqual(t, EstimateTranscript(out), 8000)
}

func TestSummarizerFailureFallsBackToTruncation(t *testing.T) {
	store, sessionID := newTestStore(t)
	fillTranscript(t, store, sessionID, 30, 1000)

	summarizer := &stubSummarizer{err: errors.New("model unavailable")}
	m := New(store, summarizer, Config{Budget: 8000, KeepRecent: 4})

	msgs, err := store.GetMessages(sessionID)
	require.NoError(t, err)

	out, err := m.EnsureFits(context.Background(), sessionID, msgs)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Contains(t, out[0].Content, "truncated")
	assert.LessOrEqual(t, EstimateTranscript(out), 8000)
}

func TestOverflowWhenRecentTurnsAloneExceedBudget(t *testing.T) {
	store, sessionID := newTestStore(t)
	// Two turns, each alone bigger than the whole budget
	fillTranscript(t, store, sessionID, 2, 40000)

	m := New(store, &stubSummarizer{summary: "s"}, Config{Budget: 1000, KeepRecent: 4})

	msgs, err := store.GetMessages(sessionID)
	require.NoError(t, err)

	_, err = m.EnsureFits(context.Background(), sessionID, msgs)
	assert.ErrorIs(t, err, ErrContextOverflow)
}

func TestSummaryPreservesToolFailures(t *testing.T) {
	store, sessionID := newTestStore(t)

	calls, _ := json.Marshal([]session.ToolCall{{ID: "c1", Name: "shell", Input: json.RawMessage(`{"command":"make"}`)}})
	require.NoError(t, store.AppendMessage(sessionID, session.Message{Role: "assistant", ToolCalls: calls}))
	results, _ := json.Marshal([]session.ToolResult{{ToolCallID: "c1", Content: "make: *** [build] Error 2", IsError: true}})
	require.NoError(t, store.AppendMessage(sessionID, session.Message{Role: "tool", ToolResults: results}))
	fillTranscript(t, store, sessionID, 30, 1000)

	summarizer := &stubSummarizer{summary: "base summary"}
	m := New(store, summarizer, Config{Budget: 8000, KeepRecent: 4})

	msgs, err := store.GetMessages(sessionID)
	require.NoError(t, err)

	out, err := m.EnsureFits(context.Background(), sessionID, msgs)
	require.NoError(t, err)
	assert.Contains(t, out[0].Content, "Error 2", "failed tool output must survive summarization")
}

func TestLatestUserTurnSurvivesDeepIteration(t *testing.T) {
	store, sessionID := newTestStore(t)

	// Old history, then an instruction followed by a long run of same-turn
	// assistant output, pushing the user message well outside the keepRecent
	// tail.
	fillTranscript(t, store, sessionID, 4, 1000)
	require.NoError(t, store.AppendMessage(sessionID, session.Message{Role: "user", Content: "fix the flaky deploy"}))
	for i := 0; i < 10; i++ {
		require.NoError(t, store.AppendMessage(sessionID, session.Message{Role: "assistant", Content: strings.Repeat("y", 2800)}))
	}

	summarizer := &stubSummarizer{summary: "summary of earlier turns"}
	m := New(store, summarizer, Config{Budget: 8000, KeepRecent: 3})

	msgs, err := store.GetMessages(sessionID)
	require.NoError(t, err)

	out, err := m.EnsureFits(context.Background(), sessionID, msgs)
	require.NoError(t, err)
	assert.Equal(t, 1, summarizer.calls)

	found := false
	for _, msg := range out {
		if msg.Role == "user" && msg.Content == "fix the flaky deploy" {
			found = true
		}
	}
	assert.True(t, found, "in-flight user instruction must survive summarization")
}

func TestLatestUserTurnSurvivesTruncationFallback(t *testing.T) {
	store, sessionID := newTestStore(t)

	fillTranscript(t, store, sessionID, 4, 2000)
	require.NoError(t, store.AppendMessage(sessionID, session.Message{Role: "user", Content: "the instruction"}))
	for i := 0; i < 8; i++ {
		require.NoError(t, store.AppendMessage(sessionID, session.Message{Role: "assistant", Content: strings.Repeat("z", 2000)}))
	}

	summarizer := &stubSummarizer{err: errors.New("model unavailable")}
	m := New(store, summarizer, Config{Budget: 6000, KeepRecent: 2})

	msgs, err := store.GetMessages(sessionID)
	require.NoError(t, err)

	out, err := m.EnsureFits(context.Background(), sessionID, msgs)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Contains(t, out[0].Content, "truncated")
	assert.Equal(t, "user", out[1].Role)
	assert.Equal(t, "the instruction", out[1].Content)
}

func TestForceCompactKeepsLatestUserTurn(t *testing.T) {
	store, sessionID := newTestStore(t)

	fillTranscript(t, store, sessionID, 4, 500)
	require.NoError(t, store.AppendMessage(sessionID, session.Message{Role: "user", Content: "still my question"}))
	for i := 0; i < 6; i++ {
		require.NoError(t, store.AppendMessage(sessionID, session.Message{Role: "assistant", Content: strings.Repeat("w", 1000)}))
	}

	summarizer := &stubSummarizer{summary: "condensed history"}
	m := New(store, summarizer, Config{Budget: 8000, KeepRecent: 4})

	msgs, err := store.GetMessages(sessionID)
	require.NoError(t, err)

	out, err := m.ForceCompact(context.Background(), sessionID, msgs)
	require.NoError(t, err)

	found := false
	for _, msg := range out {
		if msg.Role == "user" && msg.Content == "still my question" {
			found = true
		}
	}
	assert.True(t, found, "forced compaction must not drop the latest user turn")
}

func TestEstimateTokens(t *testing.T) {
	msg := session.Message{Role: "user", Content: strings.Repeat("a", 400)}
	assert.Equal(t, 100, EstimateTokens(msg))

	assert.Zero(t, EstimateTranscript(nil))
}
