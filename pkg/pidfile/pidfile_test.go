package pidfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "precisiond.pid")
	p := New(path)

	require.NoError(t, p.Create())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))

	require.NoError(t, p.Remove())
	assert.NoFileExists(t, path)
	assert.NoError(t, p.Remove())
}

func TestCreateRefusesLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "precisiond.pid")
	require.NoError(t, os.WriteFile(path, []byte("4242\n"), 0o644))

	p := New(path)
	p.alive = func(pid int) bool { return pid == 4242 }

	running, pid, err := p.CheckRunning()
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, 4242, pid)

	err = p.Create()
	assert.True(t, errors.Is(err, ErrRunning))
	assert.Error(t, p.Remove(), "foreign PID file is left alone")

	require.NoError(t, p.ForceRemove())
	assert.NoFileExists(t, path)
}

func TestCreateReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "precisiond.pid")
	require.NoError(t, os.WriteFile(path, []byte("4242\n"), 0o644))

	p := New(path)
	p.alive = func(int) bool { return false }
	require.NoError(t, p.Create())

	running, pid, err := p.CheckRunning()
	require.NoError(t, err)
	assert.False(t, running)
	assert.Equal(t, os.Getpid(), pid)
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "precisiond.pid")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	_, _, err := New(path).CheckRunning()
	assert.Error(t, err)
}

func TestProcessAliveSelf(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
}
