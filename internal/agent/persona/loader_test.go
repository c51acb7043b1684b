package persona

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinsAlwaysLoad(t *testing.T) {
	l := NewLoader("")
	require.NoError(t, l.LoadAll())

	for _, id := range []string{"general", "code", "network", "system", "security"} {
		p, ok := l.Get(id)
		require.True(t, ok, "builtin %s should load", id)
		assert.NoError(t, p.Validate())
	}
}

func TestFileOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	override := `
id: code
name: Custom Coder
system_prompt: Only answer with code.
allowed_tools:
  - read_file
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "code.yaml"), []byte(override), 0o644))

	l := NewLoader(dir)
	require.NoError(t, l.LoadAll())

	p, ok := l.Get("code")
	require.True(t, ok)
	assert.Equal(t, "Custom Coder", p.Name)
	assert.True(t, p.Allows("read_file"))
	assert.False(t, p.Allows("shell"))
}

func TestInvalidFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("id: broken\n"), 0o644))

	l := NewLoader(dir)
	require.NoError(t, l.LoadAll())

	_, ok := l.Get("broken")
	assert.False(t, ok, "persona without system_prompt should not load")
	_, ok = l.Get("general")
	assert.True(t, ok)
}

func TestAllowsEmptyMeansAll(t *testing.T) {
	p := &Persona{ID: "x", SystemPrompt: "y"}
	assert.True(t, p.Allows("anything"))

	p.AllowedTools = []string{"read_file"}
	assert.True(t, p.Allows("read_file"))
	assert.False(t, p.Allows("delete_file"))
}

func TestListSorted(t *testing.T) {
	l := NewLoader("")
	require.NoError(t, l.LoadAll())

	personas := l.List()
	require.NotEmpty(t, personas)
	for i := 1; i < len(personas); i++ {
		assert.Less(t, personas[i-1].ID, personas[i].ID)
	}
}
