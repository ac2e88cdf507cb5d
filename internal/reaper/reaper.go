// Package reaper drains SIGCHLD: as pid 1, stepinit inherits every
// orphan in the system, not just its own direct children, so reaping
// must run in a tight non-blocking loop rather than calling Wait on a
// specific *exec.Cmd the way an ordinary supervisor would (the
// teacher's processManager.routine does exactly that, but it only
// ever owns one process and is never pid 1). Drain is called once per
// SIGCHLD notification the event loop's signalfd delivers; it returns
// every exit collected in one call, since several children can exit
// between two passes of the loop.
package reaper

import (
	"syscall"

	"github.com/sixfold/stepinit/internal/logging"
)

// Exit describes one reaped child.
type Exit struct {
	Pid      int
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
}

// Reaper holds only a logger; it's a thin wrapper around wait4.
type Reaper struct {
	log *logging.Logger
}

func New(lg *logging.Logger) *Reaper {
	return &Reaper{log: lg}
}

// Drain calls wait4(-1, WNOHANG) until no more children are
// immediately reapable, classifying each one. Orphaned grandchildren
// reparented to pid 1 are reaped, logged and returned like any other
// child; the supervisor ignores an Exit whose pid matches no record.
func (r *Reaper) Drain() []Exit {
	var exits []Exit
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return exits
		}
		e := Exit{Pid: pid}
		switch {
		case ws.Exited():
			e.ExitCode = ws.ExitStatus()
		case ws.Signaled():
			e.Signaled = true
			e.Signal = ws.Signal()
			e.ExitCode = 128 + int(ws.Signal())
		}
		r.log.Debug("reaped child", logging.KV("pid", pid), logging.KV("exit_code", e.ExitCode))
		exits = append(exits, e)
	}
}
