package detector

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopcore/agentd/internal/agent/embeddings"
)

func newTestDetector(t *testing.T, cfg Config) *Detector {
	t.Helper()
	return New(embeddings.NewService(embeddings.NewLocalProvider(128)), cfg)
}

func TestIdenticalCallsTriggerOnThirdRepeat(t *testing.T) {
	d := newTestDetector(t, Config{Window: 3, Threshold: 0.92})
	ctx := context.Background()
	args := json.RawMessage(`{"path":"/tmp/out.txt","content":"retry"}`)

	stuck, err := d.ObserveToolCall(ctx, "write_file", args)
	require.NoError(t, err)
	assert.False(t, stuck)

	stuck, err = d.ObserveToolCall(ctx, "write_file", args)
	require.NoError(t, err)
	assert.False(t, stuck)

	stuck, err = d.ObserveToolCall(ctx, "write_file", args)
	require.NoError(t, err)
	assert.True(t, stuck, "third identical call should flag the session as stuck")
}

func TestDistinctActionsDoNotTrigger(t *testing.T) {
	d := newTestDetector(t, Config{Window: 3, Threshold: 0.92})
	ctx := context.Background()

	states := []string{
		"listing the files in the project directory",
		"reading the build configuration for the service",
		"final answer: the deploy failed because the image tag was wrong",
	}
	for _, s := range states {
		stuck, err := d.ObserveText(ctx, s)
		require.NoError(t, err)
		assert.False(t, stuck)
	}
}

func TestResetClearsWindow(t *testing.T) {
	d := newTestDetector(t, Config{Window: 3, Threshold: 0.92})
	ctx := context.Background()
	args := json.RawMessage(`{"cmd":"make test"}`)

	for i := 0; i < 2; i++ {
		_, err := d.ObserveToolCall(ctx, "shell", args)
		require.NoError(t, err)
	}
	d.Reset()

	stuck, err := d.ObserveToolCall(ctx, "shell", args)
	require.NoError(t, err)
	assert.False(t, stuck, "reset should require a fresh run of repeats")
}

func TestNilEmbedderNeverStuck(t *testing.T) {
	d := New(nil, Config{})
	stuck, err := d.ObserveText(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, stuck)
}

func TestCallSignature(t *testing.T) {
	sig := CallSignature("write_file", json.RawMessage(`{"path":"a","content":"b"}`))
	assert.Equal(t, "write_file(content,path)", sig)

	assert.Equal(t, "shell()", CallSignature("shell", nil))
	assert.Equal(t, "shell()", CallSignature("shell", json.RawMessage(`not json`)))
}
