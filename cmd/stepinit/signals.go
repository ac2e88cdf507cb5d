package main

import (
	"golang.org/x/sys/unix"

	"github.com/sixfold/stepinit/internal/condition"
	"github.com/sixfold/stepinit/internal/eventloop"
	"github.com/sixfold/stepinit/internal/logging"
	"github.com/sixfold/stepinit/internal/plugin"
	"github.com/sixfold/stepinit/internal/reaper"
	"github.com/sixfold/stepinit/internal/registry"
	"github.com/sixfold/stepinit/internal/runlevel"
	"github.com/sixfold/stepinit/internal/supervisor"
)

// signalHandlers builds the two callbacks eventloop.Loop.Run expects:
// onSignal, invoked once per readable signalfd wakeup, demultiplexes
// to reap-and-step, reload, or shutdown; onUnhandledReadable logs any
// registered-but-unrouted fd, which should never actually happen once
// every plugin fd is claimed.
func signalHandlers(loop *eventloop.Loop, sv *supervisor.Supervisor, rp *reaper.Reaper, reg *registry.Registry, store *condition.Store, dispatcher *plugin.Dispatcher, configPath string, shuttingDown *bool, lg *logging.Logger) (onSignal func(), onUnhandled func(fd int)) {
	onSignal = func() {
		sigs, err := loop.ReadSignals()
		if err != nil {
			lg.Error("failed reading signalfd", logging.KVErr(err))
			return
		}
		for _, sig := range sigs {
			switch sig {
			case unix.SIGCHLD:
				handleSigchld(sv, rp, lg)
			case unix.SIGHUP:
				handleSighup(sv, reg, store, configPath, lg)
			case unix.SIGTERM, unix.SIGINT:
				handleShutdownSignal(sv, dispatcher, shuttingDown, lg)
			case unix.SIGUSR1:
				lg.SetLevelString("DEBUG")
				lg.Info("log level raised to DEBUG via SIGUSR1")
			case unix.SIGUSR2:
				lg.SetLevelString("INFO")
				lg.Info("log level restored to INFO via SIGUSR2")
			}
		}
		if *shuttingDown && allHalted(reg) {
			loop.Stop()
		}
	}
	onUnhandled = func(fd int) {
		lg.Warn("readable fd with no registered handler", logging.KV("fd", fd))
	}
	return onSignal, onUnhandled
}

func handleSigchld(sv *supervisor.Supervisor, rp *reaper.Reaper, lg *logging.Logger) {
	exits := rp.Drain()
	if len(exits) == 0 {
		return
	}
	byPid := make(map[int]int, len(exits))
	for _, e := range exits {
		byPid[e.Pid] = e.ExitCode
	}
	drainStepAll(sv, byPid, lg)
}

func handleSighup(sv *supervisor.Supervisor, reg *registry.Registry, store *condition.Store, configPath string, lg *logging.Logger) {
	added, updated, removed, err := reloadConfig(reg, store, configPath, lg)
	if err != nil {
		lg.Error("SIGHUP reload failed", logging.KVErr(err))
		return
	}
	lg.Info("reloaded config on SIGHUP", logging.KV("added", len(added)), logging.KV("updated", len(updated)), logging.KV("removed", len(removed)))
	drainStepAll(sv, nil, lg)
}

// handleShutdownSignal drops the active runlevel to 0: the next
// passes of StepAll stop every gated record the same way an ordinary
// runlevel transition does, so a reboot/halt sequence needs no
// separate code path. It does not stop the event loop itself --
// records with a running process need further SIGCHLD/tick-driven
// passes (kill-timer escalation, the eventual exit) before they reach
// halted; onSignal and the ticker both check allHalted once
// shuttingDown is set and stop the loop for us.
func handleShutdownSignal(sv *supervisor.Supervisor, dispatcher *plugin.Dispatcher, shuttingDown *bool, lg *logging.Logger) {
	if *shuttingDown {
		return
	}
	*shuttingDown = true
	lg.Info("shutdown requested, transitioning to runlevel 0")
	sv.SetLevel(runlevel.Level(0))
	dispatcher.Fire(plugin.Event{Point: plugin.HookShutdown})
	drainStepAll(sv, nil, lg)
}
