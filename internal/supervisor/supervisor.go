// Package supervisor is the step_all driver: it walks the registry
// once per pass, asks fsm.Step what (if anything) each record should
// do, and applies the returned effects by forking processes, sending
// signals, and flipping conditions. Fork/exec discipline (SysProcAttr,
// credentials, the process group used to reach a whole service tree
// with one signal) is adapted from the teacher's
// manager.processManager.routine; the decision of *when* to do any of
// that now comes from fsm.Step instead of a per-process goroutine loop.
package supervisor

import (
	"bufio"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sixfold/stepinit/internal/condition"
	"github.com/sixfold/stepinit/internal/fsm"
	"github.com/sixfold/stepinit/internal/logging"
	"github.com/sixfold/stepinit/internal/registry"
	"github.com/sixfold/stepinit/internal/runlevel"
)

// clock lets tests substitute a deterministic time source.
type clock func() time.Time

// Supervisor owns the per-pass reconciliation loop described as
// step_all: it never blocks waiting on a specific child, since exits
// arrive as the exits map the caller hands to StepAll.
type Supervisor struct {
	reg   *registry.Registry
	store *condition.Store
	log   *logging.Logger
	now   clock

	level runlevel.Level

	// killTimers tracks, per pid, the deadline after which a Stopping
	// record escalates from its configured StopSignal to SIGKILL.
	killTimers map[int]time.Time

	// startTimers tracks, per pid, the deadline by which a pidfile must
	// appear before a Starting record is considered crashed.
	startTimers map[int]time.Time

	// runActive marks a 'run'-kind basename from the moment fork starts
	// it until its service condition is set or cleared. A halted 'run'
	// record is held back (fsm.Input.RunBlocked) only while its own
	// basename is marked; one 'run' record does not hold back other
	// 'run' or 'task' records.
	runActive map[string]bool
}

// New builds a Supervisor bound to reg and store; now defaults to
// time.Now but tests may override it via WithClock.
func New(reg *registry.Registry, store *condition.Store, lg *logging.Logger) *Supervisor {
	return &Supervisor{
		reg:         reg,
		store:       store,
		log:         lg,
		now:         time.Now,
		killTimers:  make(map[int]time.Time),
		startTimers: make(map[int]time.Time),
		runActive:   make(map[string]bool),
	}
}

// WithClock overrides the time source; for tests only.
func (sv *Supervisor) WithClock(c clock) { sv.now = c }

// SetLevel changes the active runlevel; the next StepAll pass will
// stop records no longer eligible and start newly-eligible ones.
func (sv *Supervisor) SetLevel(l runlevel.Level) { sv.level = l }

// ExitReport is delivered by the reaper for a pid it just reaped.
type ExitReport struct {
	Pid      int
	ExitCode int
}

// pendingExits holds reports not yet consumed by a StepAll pass.
// Passed to StepAll as a map rather than a channel because the event
// loop drains the reaper synchronously before calling StepAll.
type pendingExits = map[int]int

// StepAll performs one reconciliation pass over every record, applying
// at most one FSM edge per record, and returns whether any record
// advanced (the event loop calls StepAll again immediately if so, to
// converge on edges that were unblocked by this pass, and otherwise
// waits for the next trigger).
func (sv *Supervisor) StepAll(exits pendingExits) (advancedAny bool) {
	now := sv.now()
	runBlockedByBasename := sv.computeRunBlocks()

	sv.reg.Iterate(func(rec *registry.Record) bool {
		in := sv.buildInput(rec, now, exits, runBlockedByBasename)
		next, effects, advanced := fsm.Step(rec, in)
		if !advanced {
			return true
		}
		advancedAny = true
		prev := rec.State
		rec.State = next
		rec.ChangedThisGen = true
		for _, eff := range effects {
			sv.apply(rec, eff, now)
		}
		sv.log.Info("state transition", logging.KV("service", rec.ID.String()),
			logging.KV("from", prev.String()), logging.KV("to", next.String()))
		return true
	})
	return advancedAny
}

func (sv *Supervisor) computeRunBlocks() map[string]bool {
	blocked := make(map[string]bool, len(sv.runActive))
	for name, active := range sv.runActive {
		blocked[name] = active
	}
	return blocked
}

func (sv *Supervisor) buildInput(rec *registry.Record, now time.Time, exits pendingExits, runBlocked map[string]bool) fsm.Input {
	in := fsm.Input{
		Now:   now,
		Level: sv.level,
		Gate:  fsm.Compute(rec, sv.level, sv.store),
	}
	if rec.ID.Kind == registry.KindRun {
		in.RunBlocked = runBlocked[rec.ID.Basename] && rec.State == registry.Halted
	}
	if rec.Pid != 0 {
		in.ProcessAlive = processAlive(rec.Pid)
		if code, ok := exits[rec.Pid]; ok {
			c := code
			in.ExitCode = &c
			in.ProcessAlive = false
		}
		if deadline, ok := sv.killTimers[rec.Pid]; ok {
			in.KillTimerExpired = now.After(deadline)
		}
		if deadline, ok := sv.startTimers[rec.Pid]; ok && now.After(deadline) {
			in.ExitCode = intPtr(-1)
		}
	}
	if rec.Pidfile != "" {
		in.PidfileRequired = true
		in.PidfileSeen = sv.store.Exists(pidfileCondition(rec))
	}
	if rec.State == registry.Crashed {
		shouldWait, cooldown := rec.ShouldCooldown(now)
		in.CooldownElapsed = !shouldWait
		_ = cooldown
	}
	return in
}

func intPtr(v int) *int { return &v }

// pidfileCondition is the synthetic condition name the pidwatch plugin
// sets once it observes rec's pidfile appear.
func pidfileCondition(rec *registry.Record) string {
	return "pid/" + rec.ID.Basename
}

// adoptPidfile replaces rec's recorded pid with whatever rec.Pidfile
// currently holds: the documented forking-service handoff, since the
// fork child that launched a daemonizing process has usually already
// exited by the time its pidfile appears, and the pid worth tracking
// from here on is the one the service itself reported.
func (sv *Supervisor) adoptPidfile(rec *registry.Record) {
	pid, err := readPidfile(rec.Pidfile)
	if err != nil || pid <= 0 {
		sv.log.Warn("failed to adopt pidfile", logging.KV("service", rec.ID.String()), logging.KVErr(err))
		return
	}
	sv.reg.SetPid(rec, pid)
}

func readPidfile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, nil
	}
	return strconv.Atoi(strings.TrimSpace(sc.Text()))
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func (sv *Supervisor) apply(rec *registry.Record, eff fsm.Effect, now time.Time) {
	switch eff {
	case fsm.EffectApplySetup:
		// credentials are applied at fork time via SysProcAttr;
		// nothing to do until EffectFork actually execs.
	case fsm.EffectFork:
		sv.fork(rec, now)
	case fsm.EffectAdoptPidfile:
		sv.adoptPidfile(rec)
	case fsm.EffectSetServiceCondition:
		if _, err := sv.store.Set(rec.ID.ConditionName()); err != nil {
			sv.log.Error("failed to set service condition", logging.KV("service", rec.ID.String()), logging.KVErr(err))
		}
		if rec.ID.Kind == registry.KindRun {
			sv.runActive[rec.ID.Basename] = false
		}
	case fsm.EffectClearServiceCondition:
		if _, err := sv.store.Clear(rec.ID.ConditionName()); err != nil {
			sv.log.Error("failed to clear service condition", logging.KV("service", rec.ID.String()), logging.KVErr(err))
		}
		delete(sv.killTimers, rec.Pid)
		delete(sv.startTimers, rec.Pid)
		sv.reg.SetPid(rec, 0)
		if rec.ID.Kind == registry.KindRun {
			sv.runActive[rec.ID.Basename] = false
		}
	case fsm.EffectSendStopSignal:
		sv.signal(rec, rec.StopSignal)
		sv.killTimers[rec.Pid] = now.Add(rec.StopTimeout)
	case fsm.EffectSendKill:
		sv.signal(rec, syscall.SIGKILL)
	case fsm.EffectRecordRestart:
		rec.RecordRestart(now)
	}
}

func (sv *Supervisor) signal(rec *registry.Record, sig syscall.Signal) {
	if rec.Pid <= 0 {
		return
	}
	// negative pid delivers to the whole process group, matching a
	// stop that should reach children the service itself forked.
	if err := syscall.Kill(-rec.Pid, sig); err != nil {
		sv.log.Warn("signal delivery failed", logging.KV("service", rec.ID.String()), logging.KVErr(err))
	}
}

func (sv *Supervisor) fork(rec *registry.Record, now time.Time) {
	if rec.ID.Kind == registry.KindRun {
		sv.runActive[rec.ID.Basename] = true
	}
	args := splitCommand(rec.Command, rec.Args)
	if len(args) == 0 {
		sv.log.Error("empty command", logging.KV("service", rec.ID.String()))
		return
	}
	attr := &syscall.SysProcAttr{Setpgid: true}
	if rec.UID > 0 || rec.GID > 0 {
		attr.Credential = &syscall.Credential{Uid: uint32(rec.UID), Gid: uint32(rec.GID)}
	}
	cmd := &exec.Cmd{
		Path:        args[0],
		Args:        args,
		Env:         append(os.Environ(), rec.Env...),
		SysProcAttr: attr,
	}
	sv.log.Info("starting process", logging.KV("service", rec.ID.String()), logging.KV("binary", args[0]))
	if err := cmd.Start(); err != nil {
		sv.log.Error("fork failed", logging.KV("service", rec.ID.String()), logging.KVErr(err))
		rec.State = registry.Crashed
		rec.RecordRestart(now)
		return
	}
	sv.reg.SetPid(rec, cmd.Process.Pid)
	if rec.Pidfile != "" {
		sv.startTimers[cmd.Process.Pid] = now.Add(startTimeout)
	}
}

const startTimeout = 30 * time.Second

// RequestStop signals rec's running process with its configured
// StopSignal and arms the kill timer, the same transition StepAll
// would apply on its own once the gate drops -- exposed directly for
// the FIFO control protocol's STOP/RESTART commands, which act on a
// single record outside the normal gate-driven reconciliation pass.
func (sv *Supervisor) RequestStop(rec *registry.Record) {
	if rec.Pid <= 0 {
		return
	}
	now := sv.now()
	rec.State = registry.Stopping
	sv.signal(rec, rec.StopSignal)
	sv.killTimers[rec.Pid] = now.Add(rec.StopTimeout)
}

// RequestRestart stops rec's running process (if any) and clears its
// respawn ring so the crash-driven cooldown doesn't hold up the
// operator-requested respawn once the process exits and the gate is
// still satisfied.
func (sv *Supervisor) RequestRestart(rec *registry.Record) {
	rec.ResetRestartHistory()
	sv.RequestStop(rec)
}

func splitCommand(command string, args []string) []string {
	if len(args) > 0 {
		return append([]string{command}, args...)
	}
	fields := strings.Fields(command)
	return fields
}
