package fsm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sixfold/stepinit/internal/condition"
	"github.com/sixfold/stepinit/internal/registry"
	"github.com/sixfold/stepinit/internal/runlevel"
)

func newRec() *registry.Record {
	return &registry.Record{
		ID:      registry.Identity{Kind: registry.KindService, Basename: "sshd"},
		Command: "/usr/sbin/sshd",
	}
}

func TestComputeGateBlockedOnMissingCondition(t *testing.T) {
	s, err := condition.Open(t.TempDir())
	require.NoError(t, err)
	rec := newRec()
	rec.StartConditions = []string{"net/iface/eth0"}
	require.Equal(t, GateBlocked, Compute(rec, runlevel.Level(2), s))
}

func TestComputeGateFluxWhenAnyConditionFluxing(t *testing.T) {
	s, err := condition.Open(t.TempDir())
	require.NoError(t, err)
	_, err = s.Set("net/iface/eth0")
	require.NoError(t, err)
	_, err = s.Flux("net/iface/eth0")
	require.NoError(t, err)

	rec := newRec()
	rec.StartConditions = []string{"net/iface/eth0"}
	require.Equal(t, GateFlux, Compute(rec, runlevel.Level(2), s))
}

func TestComputeGateSatisfied(t *testing.T) {
	s, err := condition.Open(t.TempDir())
	require.NoError(t, err)
	_, err = s.Set("net/iface/eth0")
	require.NoError(t, err)

	rec := newRec()
	rec.StartConditions = []string{"net/iface/eth0"}
	require.Equal(t, GateSatisfied, Compute(rec, runlevel.Level(2), s))
}

func TestComputeGateRespectsRunlevel(t *testing.T) {
	s, err := condition.Open(t.TempDir())
	require.NoError(t, err)
	rec := newRec()
	rec.Levels = runlevel.Mask(0).With(runlevel.Level(3))
	require.Equal(t, GateBlocked, Compute(rec, runlevel.Level(2), s))
}

func TestHaltedToConditionalWhenGateBlocked(t *testing.T) {
	rec := newRec()
	rec.State = registry.Halted
	next, effects, advanced := Step(rec, Input{Gate: GateBlocked})
	require.True(t, advanced)
	require.Equal(t, registry.Conditional, next)
	require.Empty(t, effects)
}

func TestHaltedToSetupWhenGateSatisfied(t *testing.T) {
	rec := newRec()
	rec.State = registry.Halted
	next, effects, advanced := Step(rec, Input{Gate: GateSatisfied})
	require.True(t, advanced)
	require.Equal(t, registry.Setup, next)
	require.Equal(t, []Effect{EffectApplySetup}, effects)
}

func TestHaltedStaysWhenFluxOrRunBlocked(t *testing.T) {
	rec := newRec()
	rec.State = registry.Halted
	_, _, advanced := Step(rec, Input{Gate: GateFlux})
	require.False(t, advanced)

	_, _, advanced = Step(rec, Input{Gate: GateSatisfied, RunBlocked: true})
	require.False(t, advanced)
}

func TestSetupAlwaysForksIntoStarting(t *testing.T) {
	rec := newRec()
	rec.State = registry.Setup
	next, effects, advanced := Step(rec, Input{})
	require.True(t, advanced)
	require.Equal(t, registry.Starting, next)
	require.Equal(t, []Effect{EffectFork}, effects)
}

func TestStartingWaitsForPidfile(t *testing.T) {
	rec := newRec()
	rec.State = registry.Starting
	next, _, advanced := Step(rec, Input{ProcessAlive: true, PidfileRequired: true, PidfileSeen: false})
	require.False(t, advanced)
	require.Equal(t, registry.Starting, next)

	next, effects, advanced := Step(rec, Input{ProcessAlive: true, PidfileRequired: true, PidfileSeen: true})
	require.True(t, advanced)
	require.Equal(t, registry.Running, next)
	require.Equal(t, []Effect{EffectAdoptPidfile}, effects)
}

func TestStartingCrashesOnEarlyExit(t *testing.T) {
	rec := newRec()
	rec.State = registry.Starting
	code := 1
	next, effects, advanced := Step(rec, Input{ExitCode: &code})
	require.True(t, advanced)
	require.Equal(t, registry.Crashed, next)
	require.Equal(t, []Effect{EffectRecordRestart}, effects)
}

func TestRunningToReadyPostsCondition(t *testing.T) {
	rec := newRec()
	rec.State = registry.Running
	next, effects, advanced := Step(rec, Input{ProcessAlive: true, Gate: GateSatisfied})
	require.True(t, advanced)
	require.Equal(t, registry.Ready, next)
	require.Equal(t, []Effect{EffectSetServiceCondition}, effects)
}

func TestReadyStopsWhenGateDropsToOff(t *testing.T) {
	rec := newRec()
	rec.State = registry.Ready
	next, effects, advanced := Step(rec, Input{ProcessAlive: true, Gate: GateBlocked})
	require.True(t, advanced)
	require.Equal(t, registry.Stopping, next)
	require.Equal(t, []Effect{EffectSendStopSignal}, effects)
}

func TestReadyDoesNotStopOnFlux(t *testing.T) {
	rec := newRec()
	rec.State = registry.Ready
	next, _, advanced := Step(rec, Input{ProcessAlive: true, Gate: GateFlux})
	require.False(t, advanced)
	require.Equal(t, registry.Ready, next)
}

func TestReadyCrashesOnExit(t *testing.T) {
	rec := newRec()
	rec.State = registry.Ready
	code := 139
	next, effects, advanced := Step(rec, Input{ExitCode: &code, Gate: GateSatisfied})
	require.True(t, advanced)
	require.Equal(t, registry.Crashed, next)
	require.Equal(t, []Effect{EffectClearServiceCondition, EffectRecordRestart}, effects)
}

func TestStoppingEscalatesToHaltingOnKillTimerExpiry(t *testing.T) {
	rec := newRec()
	rec.State = registry.Stopping
	next, effects, advanced := Step(rec, Input{ProcessAlive: true, KillTimerExpired: true})
	require.True(t, advanced)
	require.Equal(t, registry.Halting, next)
	require.Equal(t, []Effect{EffectSendKill}, effects)
}

func TestStoppingToHaltedWhenProcessGone(t *testing.T) {
	rec := newRec()
	rec.State = registry.Stopping
	next, effects, advanced := Step(rec, Input{ProcessAlive: false})
	require.True(t, advanced)
	require.Equal(t, registry.Halted, next)
	require.Equal(t, []Effect{EffectClearServiceCondition}, effects)
}

func TestCrashedWaitsOutCooldown(t *testing.T) {
	rec := newRec()
	rec.State = registry.Crashed
	next, _, advanced := Step(rec, Input{Gate: GateSatisfied, CooldownElapsed: false})
	require.False(t, advanced)
	require.Equal(t, registry.Crashed, next)

	next, effects, advanced := Step(rec, Input{Gate: GateSatisfied, CooldownElapsed: true})
	require.True(t, advanced)
	require.Equal(t, registry.Setup, next)
	require.Equal(t, []Effect{EffectApplySetup}, effects)
}

func TestCrashedFallsToHaltedWhenGateWithdrawn(t *testing.T) {
	rec := newRec()
	rec.State = registry.Crashed
	next, _, advanced := Step(rec, Input{Gate: GateBlocked})
	require.True(t, advanced)
	require.Equal(t, registry.Halted, next)
}

func TestHaltingWaitsForProcessToDie(t *testing.T) {
	rec := newRec()
	rec.State = registry.Halting
	_, _, advanced := Step(rec, Input{ProcessAlive: true})
	require.False(t, advanced)

	next, effects, advanced := Step(rec, Input{ProcessAlive: false})
	require.True(t, advanced)
	require.Equal(t, registry.Halted, next)
	require.Equal(t, []Effect{EffectClearServiceCondition}, effects)
}
