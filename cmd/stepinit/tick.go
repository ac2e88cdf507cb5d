package main

import (
	"time"

	"github.com/sixfold/stepinit/internal/eventloop"
	"github.com/sixfold/stepinit/internal/logging"
	"github.com/sixfold/stepinit/internal/registry"
	"github.com/sixfold/stepinit/internal/supervisor"
)

const tickInterval = time.Second

// armTicker arms a recurring timerfd so kill-timer escalation and
// respawn-cooldown expiry get re-checked even when nothing else wakes
// the loop (a gated service sitting in "stopping" with no SIGCHLD due
// yet still needs its kill timer enforced). shutdownCheck is polled
// after every tick so shutdown can stop the loop as soon as every
// record reaches halted, instead of the signal handler trying to
// guess how long draining will take.
func armTicker(loop *eventloop.Loop, sv *supervisor.Supervisor, shutdownCheck func() bool, lg *logging.Logger) error {
	fd, err := loop.ArmTimer(tickInterval)
	if err != nil {
		return err
	}
	return loop.Register(fd, func(int) {
		loop.DrainTimer()
		drainStepAll(sv, nil, lg)
		if shutdownCheck() {
			loop.Stop()
			return
		}
		if _, err := loop.ArmTimer(tickInterval); err != nil {
			lg.Error("failed to rearm supervisor tick", logging.KVErr(err))
		}
	})
}

// allHalted reports whether every record in reg has reached Halted,
// the condition a runlevel-0 shutdown waits for before the event loop
// is allowed to stop.
func allHalted(reg *registry.Registry) bool {
	halted := true
	reg.Iterate(func(rec *registry.Record) bool {
		if rec.State != registry.Halted {
			halted = false
			return false
		}
		return true
	})
	return halted
}
