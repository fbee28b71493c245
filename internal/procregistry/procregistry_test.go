package procregistry

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAndIsRunning(t *testing.T) {
	reg, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, reg.Register("sess-1", os.Getpid()))
	require.True(t, reg.IsRunning("sess-1"))
}

func TestRegisterRefusesWhileAlive(t *testing.T) {
	reg, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, reg.Register("sess-1", os.Getpid()))
	err = reg.Register("sess-1", os.Getpid())
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestRegisterReclaimsDeadPID(t *testing.T) {
	reg, err := New(t.TempDir())
	require.NoError(t, err)

	// A pid that is vanishingly unlikely to be alive.
	require.NoError(t, reg.Register("sess-1", 1<<30-1))
	require.NoError(t, reg.Register("sess-1", os.Getpid()))
	require.True(t, reg.IsRunning("sess-1"))
}

func TestCleanupTolerantOfMissing(t *testing.T) {
	reg, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, reg.Cleanup("never-registered"))
}

func TestIsRunningFalseAfterCleanup(t *testing.T) {
	reg, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, reg.Register("sess-1", os.Getpid()))
	require.NoError(t, reg.Cleanup("sess-1"))
	require.False(t, reg.IsRunning("sess-1"))
}
