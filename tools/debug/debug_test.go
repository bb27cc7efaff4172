package debug

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterTools(t *testing.T) {
	s := server.NewMCPServer("test", "0.0.0", server.WithToolCapabilities(true))
	m := RegisterTools(s)
	require.NotNil(t, m)
	defer m.Shutdown()

	assert.Empty(t, m.List())
}

func TestDefaultMode(t *testing.T) {
	dir := t.TempDir()

	mainGo := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(mainGo, []byte("package main"), 0644))
	testGo := filepath.Join(dir, "main_test.go")
	require.NoError(t, os.WriteFile(testGo, []byte("package main"), 0644))
	binary := filepath.Join(dir, "prebuilt")
	require.NoError(t, os.WriteFile(binary, []byte{0x7f, 'E', 'L', 'F'}, 0755))

	mode, err := DefaultMode(dir)
	require.NoError(t, err)
	assert.Equal(t, ModeDebug, mode)

	mode, err = DefaultMode(mainGo)
	require.NoError(t, err)
	assert.Equal(t, ModeDebug, mode)

	mode, err = DefaultMode(testGo)
	require.NoError(t, err)
	assert.Equal(t, ModeTest, mode)

	mode, err = DefaultMode(binary)
	require.NoError(t, err)
	assert.Equal(t, ModeExec, mode)

	_, err = DefaultMode(filepath.Join(dir, "missing.go"))
	assert.Error(t, err)
}

func TestManagerUnknownSession(t *testing.T) {
	m := NewManager()

	_, err := m.Get("nope")
	assert.ErrorContains(t, err, "no debug session")

	err = m.Terminate("nope")
	assert.ErrorContains(t, err, "no debug session")
}
