package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sixfold/stepinit/internal/condition"
	"github.com/sixfold/stepinit/internal/logging"
	"github.com/sixfold/stepinit/internal/registry"
	"github.com/sixfold/stepinit/internal/runlevel"
)

func newHarness(t *testing.T) (*Supervisor, *registry.Registry, *condition.Store) {
	t.Helper()
	reg := registry.New()
	store, err := condition.Open(t.TempDir())
	require.NoError(t, err)
	sv := New(reg, store, logging.NewDiscard())
	sv.SetLevel(runlevel.Level(2))
	return sv, reg, store
}

func TestStepAllAdvancesHaltedWithUndeclaredConditionToConditional(t *testing.T) {
	sv, reg, _ := newHarness(t)
	rec := &registry.Record{
		ID:              registry.Identity{Kind: registry.KindService, Basename: "noop"},
		Command:         "/bin/true",
		StartConditions: []string{"net/iface/eth0"},
	}
	require.NoError(t, reg.Add(rec))

	advanced := sv.StepAll(nil)
	require.True(t, advanced)
	require.Equal(t, registry.Conditional, rec.State)
}

func TestStepAllMovesConditionalToSetupOnceGateSatisfied(t *testing.T) {
	sv, reg, store := newHarness(t)
	rec := &registry.Record{
		ID:      registry.Identity{Kind: registry.KindService, Basename: "noop"},
		Command: "/bin/true",
		State:   registry.Conditional,
	}
	require.NoError(t, reg.Add(rec))
	_, err := store.Set("anything")
	require.NoError(t, err)

	sv.StepAll(nil)
	require.Equal(t, registry.Setup, rec.State)
}

func TestStepAllSetsConditionOnReadyTransition(t *testing.T) {
	sv, reg, store := newHarness(t)
	rec := &registry.Record{
		ID:      registry.Identity{Kind: registry.KindService, Basename: "echo"},
		Command: "/bin/true",
		Pid:     99999, // placeholder; replaced with pid 1 below
		State:   registry.Running,
	}
	require.NoError(t, reg.Add(rec))
	// fake a live process by using pid 1, which always exists
	rec.Pid = 1
	reg.SetPid(rec, 1)

	sv.StepAll(nil)
	require.Equal(t, registry.Ready, rec.State)
	require.True(t, store.Exists(rec.ID.ConditionName()))
	st, _ := store.Get(rec.ID.ConditionName())
	require.Equal(t, condition.On, st)
}

func TestStepAllTearsDownOnExit(t *testing.T) {
	sv, reg, store := newHarness(t)
	rec := &registry.Record{
		ID:      registry.Identity{Kind: registry.KindService, Basename: "echo"},
		Command: "/bin/true",
		State:   registry.Ready,
	}
	require.NoError(t, reg.Add(rec))
	reg.SetPid(rec, 1)
	_, err := store.Set(rec.ID.ConditionName())
	require.NoError(t, err)

	sv.StepAll(pendingExits{1: 0})
	require.Equal(t, registry.Crashed, rec.State)
	st, _ := store.Get(rec.ID.ConditionName())
	require.Equal(t, condition.Off, st)
}

func TestStepAllAdoptsPidfileOnForkingService(t *testing.T) {
	sv, reg, store := newHarness(t)
	pidfile := filepath.Join(t.TempDir(), "foo.pid")
	require.NoError(t, os.WriteFile(pidfile, []byte("4242\n"), 0644))

	rec := &registry.Record{
		ID:      registry.Identity{Kind: registry.KindService, Basename: "foo"},
		Command: "/bin/true",
		Pidfile: pidfile,
		State:   registry.Starting,
	}
	require.NoError(t, reg.Add(rec))
	reg.SetPid(rec, 1) // the fork child's own pid, still alive (pid 1 always exists)
	_, err := store.Set("pid/foo")
	require.NoError(t, err)

	sv.StepAll(nil)
	require.Equal(t, registry.Running, rec.State)
	require.Equal(t, 4242, rec.Pid)
}

func TestStepAllEscalatesStoppingToHaltingAfterKillTimer(t *testing.T) {
	sv, reg, _ := newHarness(t)
	rec := &registry.Record{
		ID:          registry.Identity{Kind: registry.KindService, Basename: "echo"},
		Command:     "/bin/true",
		State:       registry.Stopping,
		StopSignal:  15,
		StopTimeout: 0,
	}
	require.NoError(t, reg.Add(rec))
	reg.SetPid(rec, 1)
	base := time.Unix(5000, 0)
	sv.WithClock(func() time.Time { return base })
	sv.killTimers[1] = base.Add(-time.Second) // already expired

	sv.StepAll(nil)
	require.Equal(t, registry.Halting, rec.State)
}
