package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderEmbedsAllPhases(t *testing.T) {
	loader, err := NewLoader("")
	require.NoError(t, err)

	for _, name := range []string{"classifier", "interpret", "plan", "policy", "execute", "verify", "report"} {
		content, err := loader.Get(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, content, name)
	}

	_, err = loader.Get("nonexistent")
	assert.Error(t, err)
}

func TestLoaderRender(t *testing.T) {
	loader, err := NewLoader("")
	require.NoError(t, err)

	rendered, err := loader.Render("classifier", map[string]string{"prompt": "say hi"})
	require.NoError(t, err)
	assert.Contains(t, rendered, "say hi")
	assert.NotContains(t, rendered, "{{prompt}}")
}

func TestLoaderOverrideDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "execute.md"), []byte("custom {{prompt}}"), 0o644))

	loader, err := NewLoader(dir)
	require.NoError(t, err)

	rendered, err := loader.Render("execute", map[string]string{"prompt": "x"})
	require.NoError(t, err)
	assert.Equal(t, "custom x", rendered)

	// Phases without an override still come from the embedded set.
	embedded, err := loader.Get("verify")
	require.NoError(t, err)
	assert.NotEmpty(t, embedded)
}
