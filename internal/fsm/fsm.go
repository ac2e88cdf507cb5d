// Package fsm implements the per-record state machine described in
// spec section 4.4: the decision of which single edge (if any) a
// record should take this pass, given its gate and observed process
// liveness. It is deliberately pure -- it never forks a process,
// writes a condition, or touches a registry index itself. The
// supervisor driver calls Step and is responsible for applying the
// returned Effects; this keeps the policy independently testable from
// the OS-facing mechanism, the same separation the teacher draws
// between manager.restarter (policy) and processManager.routine
// (mechanism).
package fsm

import (
	"time"

	"github.com/sixfold/stepinit/internal/condition"
	"github.com/sixfold/stepinit/internal/registry"
	"github.com/sixfold/stepinit/internal/runlevel"
)

// Gate is the conjunction spec calls "the gate": runlevel membership
// plus the state of every named start condition.
type Gate int

const (
	// GateBlocked means the runlevel doesn't match, or at least one
	// start condition is OFF (or undeclared).
	GateBlocked Gate = iota
	// GateFlux means the runlevel matches and no condition is OFF,
	// but at least one is FLUX: starts are blocked, but a running
	// record is not torn down.
	GateFlux
	// GateSatisfied means the runlevel matches and every condition is ON.
	GateSatisfied
)

// Compute evaluates a record's gate against the current runlevel and
// condition store.
func Compute(rec *registry.Record, level runlevel.Level, store *condition.Store) Gate {
	if !rec.Levels.Empty() && !rec.Levels.Has(level) {
		return GateBlocked
	}
	flux := false
	for _, name := range rec.StartConditions {
		st, declared := store.Get(name)
		if !declared || st == condition.Off {
			return GateBlocked
		}
		if st == condition.Flux {
			flux = true
		}
	}
	if flux {
		return GateFlux
	}
	return GateSatisfied
}

// Effect is a side effect the supervisor driver must apply after Step
// returns; effects are applied in order.
type Effect int

const (
	EffectApplySetup Effect = iota
	EffectFork
	EffectAdoptPidfile
	EffectSetServiceCondition
	EffectClearServiceCondition
	EffectSendStopSignal
	EffectSendKill
	EffectRecordRestart
)

// Input carries everything about the outside world Step needs that
// isn't already on the Record: the record's own fields carry its
// static configuration and current State/Pid.
type Input struct {
	Now             time.Time
	Level           runlevel.Level
	Gate            Gate
	ProcessAlive    bool
	PidfileRequired bool
	PidfileSeen     bool
	ExitCode        *int // non-nil exactly on the pass that reaps this record's exit
	RunBlocked      bool // caller holds this record back from leaving Halted/Conditional/Crashed
	KillTimerExpired bool
	CooldownElapsed bool
}

// Step computes at most one edge for rec given in, returning the next
// state, the effects to apply (in order), and whether an edge fired.
func Step(rec *registry.Record, in Input) (next registry.State, effects []Effect, advanced bool) {
	cur := rec.State
	switch cur {
	case registry.Halted:
		return stepHalted(rec, in)
	case registry.Conditional:
		return stepConditional(rec, in)
	case registry.Setup:
		return registry.Starting, []Effect{EffectFork}, true
	case registry.Starting:
		return stepStarting(rec, in)
	case registry.Running:
		return stepRunning(rec, in)
	case registry.Ready:
		return stepReady(rec, in)
	case registry.Stopping:
		return stepStopping(rec, in)
	case registry.Halting:
		return stepHalting(rec, in)
	case registry.Crashed:
		return stepCrashed(rec, in)
	}
	return cur, nil, false
}

func levelMatches(rec *registry.Record, in Input) bool {
	return rec.Levels.Empty() || rec.Levels.Has(in.Level)
}

func stepHalted(rec *registry.Record, in Input) (registry.State, []Effect, bool) {
	if !levelMatches(rec, in) {
		return registry.Halted, nil, false
	}
	if in.Gate == GateBlocked {
		return registry.Conditional, nil, true
	}
	if in.Gate == GateFlux || in.RunBlocked {
		return registry.Halted, nil, false
	}
	return registry.Setup, []Effect{EffectApplySetup}, true
}

func stepConditional(rec *registry.Record, in Input) (registry.State, []Effect, bool) {
	if !levelMatches(rec, in) {
		return registry.Halted, nil, true
	}
	if in.Gate == GateSatisfied && !in.RunBlocked {
		return registry.Setup, []Effect{EffectApplySetup}, true
	}
	return registry.Conditional, nil, false
}

func stepStarting(rec *registry.Record, in Input) (registry.State, []Effect, bool) {
	if in.ExitCode != nil {
		// exec failed or exited before becoming ready.
		return registry.Crashed, []Effect{EffectRecordRestart}, true
	}
	if !in.ProcessAlive {
		return registry.Starting, nil, false
	}
	if in.PidfileRequired && !in.PidfileSeen {
		return registry.Starting, nil, false
	}
	if in.PidfileRequired {
		return registry.Running, []Effect{EffectAdoptPidfile}, true
	}
	return registry.Running, nil, true
}

func stepRunning(rec *registry.Record, in Input) (registry.State, []Effect, bool) {
	if in.ExitCode != nil {
		return registry.Crashed, []Effect{EffectClearServiceCondition, EffectRecordRestart}, true
	}
	if in.Gate == GateBlocked {
		return registry.Stopping, []Effect{EffectSendStopSignal}, true
	}
	if in.Gate == GateFlux {
		return registry.Running, nil, false
	}
	return registry.Ready, []Effect{EffectSetServiceCondition}, true
}

func stepReady(rec *registry.Record, in Input) (registry.State, []Effect, bool) {
	if in.ExitCode != nil {
		return registry.Crashed, []Effect{EffectClearServiceCondition, EffectRecordRestart}, true
	}
	if in.Gate == GateBlocked {
		return registry.Stopping, []Effect{EffectSendStopSignal}, true
	}
	return registry.Ready, nil, false
}

func stepStopping(rec *registry.Record, in Input) (registry.State, []Effect, bool) {
	if !in.ProcessAlive {
		return registry.Halted, []Effect{EffectClearServiceCondition}, true
	}
	if in.KillTimerExpired {
		return registry.Halting, []Effect{EffectSendKill}, true
	}
	return registry.Stopping, nil, false
}

func stepHalting(rec *registry.Record, in Input) (registry.State, []Effect, bool) {
	if !in.ProcessAlive {
		return registry.Halted, []Effect{EffectClearServiceCondition}, true
	}
	return registry.Halting, nil, false
}

func stepCrashed(rec *registry.Record, in Input) (registry.State, []Effect, bool) {
	if in.Gate == GateBlocked {
		return registry.Halted, nil, true
	}
	if in.CooldownElapsed && in.Gate == GateSatisfied && !in.RunBlocked {
		return registry.Setup, []Effect{EffectApplySetup}, true
	}
	return registry.Crashed, nil, false
}
