package filelock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireCreatesFileAndReleaseRemovesIt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	l, err := Acquire(path, time.Second)
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	l.Release()
	_, statErr = os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	first, err := Acquire(path, time.Second)
	require.NoError(t, err)
	defer first.Release()

	_, err = Acquire(path, 150*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestReclaimStaleRemovesDeadHolderLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	require.NoError(t, os.WriteFile(path, []byte(`{"pid":2147483647}`), 0o644))
	oldTime := time.Now().Add(-StaleThreshold - time.Second)
	require.NoError(t, os.Chtimes(path, oldTime, oldTime))

	l, err := Acquire(path, time.Second)
	require.NoError(t, err)
	l.Release()
}

func TestWithLockReleasesOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	err := WithLock(path, time.Second, func() error {
		return os.ErrInvalid
	})
	require.Error(t, err)
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}
