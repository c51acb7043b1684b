package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetOutputRedirects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentd.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	defer f.Close()

	SetOutput(f)
	defer SetOutput(os.Stdout)

	Enable()
	Infof("routed to %s", "file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "routed to file")
}

func TestDisableSuppressesOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentd.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	defer f.Close()

	SetOutput(f)
	defer SetOutput(os.Stdout)

	Disable()
	defer Enable()
	Warnf("should not appear")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}
