package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func rec(name string, conds ...string) *Record {
	return &Record{
		ID:               Identity{Kind: KindService, Basename: name},
		Command:          "/bin/" + name,
		StartConditions:  conds,
	}
}

func TestAddDuplicateRejected(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(rec("sshd")))
	require.ErrorIs(t, r.Add(rec("sshd")), ErrDuplicateIdentity)
}

func TestLookupByPid(t *testing.T) {
	r := New()
	s := rec("sshd")
	require.NoError(t, r.Add(s))
	r.SetPid(s, 1234)

	found, ok := r.LookupByPid(1234)
	require.True(t, ok)
	require.Same(t, s, found)

	r.SetPid(s, 0)
	_, ok = r.LookupByPid(1234)
	require.False(t, ok)
}

func TestIterateIsStableInsertionOrder(t *testing.T) {
	r := New()
	names := []string{"a", "b", "c"}
	for _, n := range names {
		require.NoError(t, r.Add(rec(n)))
	}
	var seen []string
	r.Iterate(func(rec *Record) bool {
		seen = append(seen, rec.ID.Basename)
		return true
	})
	require.Equal(t, names, seen)
}

func TestSweepDirtyRemovesOnlyHaltedDirty(t *testing.T) {
	r := New()
	a := rec("a")
	b := rec("b")
	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))

	r.MarkAllDirty()
	b.State = Running // simulate: b reparsed and is currently running

	removed := r.SweepDirty()
	require.Equal(t, []Identity{a.ID}, removed)
	require.Equal(t, 1, r.Len())
}

func TestDetectCyclesRejectsCycle(t *testing.T) {
	a := rec("a", Identity{Kind: KindService, Basename: "b"}.ConditionName())
	b := rec("b", Identity{Kind: KindService, Basename: "a"}.ConditionName())
	err := DetectCycles([]*Record{a, b})
	require.Error(t, err)
}

func TestDetectCyclesAcceptsDAG(t *testing.T) {
	a := rec("a")
	b := rec("b", Identity{Kind: KindService, Basename: "a"}.ConditionName())
	c := rec("c", Identity{Kind: KindService, Basename: "b"}.ConditionName())
	require.NoError(t, DetectCycles([]*Record{a, b, c}))
}

func TestDetectCyclesIgnoresUndeclaredConditions(t *testing.T) {
	a := rec("a", "net/iface/eth0")
	require.NoError(t, DetectCycles([]*Record{a}))
}

func TestRestartRingTriggersCooldown(t *testing.T) {
	a := rec("a")
	a.MaxRestarts = 3
	a.RestartPeriod = time.Minute
	a.CooldownPeriod = 10 * time.Second

	base := time.Unix(1000, 0)
	should, _ := a.ShouldCooldown(base)
	require.False(t, should, "ring not yet full")

	a.RecordRestart(base)
	a.RecordRestart(base.Add(5 * time.Second))
	a.RecordRestart(base.Add(10 * time.Second))

	should, d := a.ShouldCooldown(base.Add(11 * time.Second))
	require.True(t, should)
	require.Equal(t, 10*time.Second, d)

	// once the oldest restart falls outside RestartPeriod, cooldown lifts.
	should, _ = a.ShouldCooldown(base.Add(2 * time.Minute))
	require.False(t, should)
}

func TestRestartRingShiftsOldestOut(t *testing.T) {
	a := rec("a")
	a.MaxRestarts = 2
	base := time.Unix(2000, 0)
	a.RecordRestart(base)
	a.RecordRestart(base.Add(time.Second))
	a.RecordRestart(base.Add(2 * time.Second))
	require.Len(t, a.restartHistory, 2)
	require.Equal(t, base.Add(time.Second), a.restartHistory[0])
}
