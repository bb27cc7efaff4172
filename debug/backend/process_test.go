package backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillThenWaitExit(t *testing.T) {
	p, err := Start(ProcessConfig{Command: "sleep", Args: []string{"60"}})
	require.NoError(t, err)

	// The kill only signals; reaping the exit is a separate, bounded
	// wait the shutdown path budgets for itself.
	start := time.Now()
	require.NoError(t, p.Kill())
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	require.NoError(t, p.WaitExit(2*time.Second))
	assert.False(t, p.Alive())
}

func TestWaitExitTimesOut(t *testing.T) {
	p, err := Start(ProcessConfig{Command: "sleep", Args: []string{"60"}})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.Kill()
		_ = p.WaitExit(2 * time.Second)
	})

	err = p.WaitExit(50 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not exit")
}
