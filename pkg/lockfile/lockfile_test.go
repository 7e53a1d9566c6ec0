package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pid.lock")

	lock, err := Acquire(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), fmt.Sprint(os.Getpid()))

	require.NoError(t, lock.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquire_ContendedByLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pid.lock")

	// Our own pid is certainly alive.
	_, err := Acquire(path)
	require.NoError(t, err)

	_, err = Acquire(path)
	assert.ErrorIs(t, err, ErrContended)
}

func TestAcquire_ReclaimsStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pid.lock")
	// No process with pid near max; the lock is stale.
	require.NoError(t, os.WriteFile(path, []byte("4194303\n"), 0o600))

	lock, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestAcquire_ReclaimsGarbageLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pid.lock")
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o600))

	lock, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}
