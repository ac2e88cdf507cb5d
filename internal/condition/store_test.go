package condition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestSetClearGetExists(t *testing.T) {
	s := newTestStore(t)
	require.False(t, s.Exists("pid/sshd"))

	changed, err := s.Set("pid/sshd")
	require.NoError(t, err)
	require.True(t, changed)

	st, ok := s.Get("pid/sshd")
	require.True(t, ok)
	require.Equal(t, On, st)

	changed, err = s.Set("pid/sshd")
	require.NoError(t, err)
	require.False(t, changed, "set is idempotent")

	changed, err = s.Clear("pid/sshd")
	require.NoError(t, err)
	require.True(t, changed)
	st, _ = s.Get("pid/sshd")
	require.Equal(t, Off, st)
}

func TestFluxLattice(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Set("net/iface/eth0")
	require.NoError(t, err)

	_, err = s.Flux("net/iface/eth0")
	require.NoError(t, err)
	st, _ := s.Get("net/iface/eth0")
	require.Equal(t, Flux, st)

	changed, err := s.Reassert("net/iface/eth0")
	require.NoError(t, err)
	require.True(t, changed)
	st, _ = s.Get("net/iface/eth0")
	require.Equal(t, On, st)
}

func TestReloadReassertionDoesNotBounceUnchanged(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Set("service/sleep")
	require.NoError(t, err)

	keep := map[string]struct{}{}
	fluxed, err := s.BeginReload(keep)
	require.NoError(t, err)
	require.Equal(t, []string{"service/sleep"}, fluxed)

	st, _ := s.Get("service/sleep")
	require.Equal(t, Flux, st)

	changed, err := s.Reassert("service/sleep")
	require.NoError(t, err)
	require.True(t, changed)

	torndown, err := s.EndReload()
	require.NoError(t, err)
	require.Empty(t, torndown)

	st, _ = s.Get("service/sleep")
	require.Equal(t, On, st, "reasserted condition must survive reload")
}

func TestReloadTearsDownStaleConditions(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Set("pid/gone")
	require.NoError(t, err)

	_, err = s.BeginReload(map[string]struct{}{})
	require.NoError(t, err)
	// nobody reasserts pid/gone: it should fall to OFF at EndReload.
	torndown, err := s.EndReload()
	require.NoError(t, err)
	require.Equal(t, []string{"pid/gone"}, torndown)

	st, _ := s.Get("pid/gone")
	require.Equal(t, Off, st)
}

func TestSetOneshot(t *testing.T) {
	s := newTestStore(t)
	changed, err := s.SetOneshot("hook/basefs-up")
	require.NoError(t, err)
	require.True(t, changed)
	st, ok := s.Get("hook/basefs-up")
	require.True(t, ok)
	require.Equal(t, On, st)
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.Set("pid/sshd")
	require.NoError(t, err)

	s2, err := Open(dir)
	require.NoError(t, err)
	st, ok := s2.Get("pid/sshd")
	require.True(t, ok)
	require.Equal(t, On, st)
}

func TestInvalidName(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Set("")
	require.ErrorIs(t, err, ErrInvalidName)
	_, err = s.Set("../escape")
	require.ErrorIs(t, err, ErrInvalidName)
}
