package pidwatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sixfold/stepinit/internal/condition"
	"github.com/sixfold/stepinit/internal/logging"
)

func newPlugin(t *testing.T) (*Plugin, *condition.Store) {
	t.Helper()
	store, err := condition.Open(t.TempDir())
	require.NoError(t, err)
	p := New()
	require.NoError(t, p.Start(nil, store, logging.NewDiscard()))
	t.Cleanup(func() { p.Stop() })
	return p, store
}

func TestAddWatchSetsConditionWhenPidfileExists(t *testing.T) {
	p, store := newPlugin(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "sshd.pid")
	require.NoError(t, os.WriteFile(path, []byte("1234\n"), 0644))

	require.NoError(t, p.AddWatch(path, "sshd"))
	st, ok := store.Get("pid/sshd")
	require.True(t, ok)
	require.Equal(t, condition.On, st)
}

func TestAddWatchClearsConditionWhenPidfileMissing(t *testing.T) {
	p, store := newPlugin(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "sshd.pid")

	require.NoError(t, p.AddWatch(path, "sshd"))
	st, _ := store.Get("pid/sshd")
	require.Equal(t, condition.Off, st)
}

func TestAddWatchRejectsNestedDirectories(t *testing.T) {
	p, _ := newPlugin(t)
	outer := t.TempDir()
	inner := filepath.Join(outer, "nested")
	require.NoError(t, os.Mkdir(inner, 0755))

	require.NoError(t, p.AddWatch(filepath.Join(outer, "a.pid"), "a"))
	err := p.AddWatch(filepath.Join(inner, "b.pid"), "b")
	require.ErrorIs(t, err, ErrWatchTooDeep)
}

func TestPidfileCreationIsObservedAsynchronously(t *testing.T) {
	p, store := newPlugin(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "sshd.pid")

	require.NoError(t, p.AddWatch(path, "sshd"))
	st, _ := store.Get("pid/sshd")
	require.Equal(t, condition.Off, st)

	require.NoError(t, os.WriteFile(path, []byte("42\n"), 0644))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if st, _ = store.Get("pid/sshd"); st == condition.On {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, condition.On, st)
}
