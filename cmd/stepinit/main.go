// Command stepinit is pid 1: it loads stepinit.conf, brings the
// system to its configured runlevel, and then sits in a single-
// threaded epoll loop supervising every declared service, task, run,
// inetd, and tty record until told to shut down. Wiring here follows
// the teacher's own manager/main.go shape (parse flags, load config,
// build a logger, start the supervised set, wait for a shutdown
// signal, stop everything) generalized from "one flat process list"
// to the full registry/fsm/supervisor/plugin stack.
package main

import (
	"flag"
	"os"

	"golang.org/x/sys/unix"

	"github.com/gofrs/flock"

	"github.com/sixfold/stepinit/internal/condition"
	"github.com/sixfold/stepinit/internal/config"
	"github.com/sixfold/stepinit/internal/eventloop"
	"github.com/sixfold/stepinit/internal/fifoctl"
	"github.com/sixfold/stepinit/internal/logging"
	"github.com/sixfold/stepinit/internal/plugin"
	"github.com/sixfold/stepinit/internal/plugin/pidwatch"
	"github.com/sixfold/stepinit/internal/pluginmanifest"
	"github.com/sixfold/stepinit/internal/reaper"
	"github.com/sixfold/stepinit/internal/registry"
	"github.com/sixfold/stepinit/internal/supervisor"
)

const (
	defConfigPath     = `/etc/stepinit.conf`
	defManifestPath   = `/etc/stepinit/plugins.manifest`
	defConditionsDir  = `/run/stepinit/conditions`
	defCtlPath        = `/run/stepinit.ctl`
	defLockPath       = `/run/stepinit.lock`
)

var (
	configFlag     = flag.String("config", defConfigPath, "path to stepinit.conf")
	manifestFlag   = flag.String("plugin-manifest", defManifestPath, "path to the compiled-in plugin manifest")
	conditionsFlag = flag.String("conditions-dir", defConditionsDir, "directory the condition store persists to")
	ctlFlag        = flag.String("ctl", defCtlPath, "control FIFO path")
	lockFlag       = flag.String("lockfile", defLockPath, "single-instance lock file")
	logFlag        = flag.String("logfile", "", "log file path (default: stderr)")
)

func main() {
	flag.Parse()

	lg, err := buildLogger(*logFlag)
	if err != nil {
		os.Exit(1)
	}

	lk := flock.New(*lockFlag)
	locked, err := lk.TryLock()
	if err != nil || !locked {
		lg.Fatal("another stepinit instance already holds the lock", logging.KV("lockfile", *lockFlag), logging.KVErr(err))
	}
	defer lk.Unlock()

	doc, err := config.Load(*configFlag)
	if err != nil {
		lg.Fatal("failed to load config", logging.KV("path", *configFlag), logging.KVErr(err))
	}
	applyGlobalRlimits(doc.GlobalRlimits, lg)

	store, err := condition.Open(*conditionsFlag)
	if err != nil {
		lg.Fatal("failed to open condition store", logging.KVErr(err))
	}

	reg := registry.New()
	added, _ := applyDocument(reg, doc, lg)
	lg.Info("loaded config", logging.KV("records", len(added)), logging.KV("runlevel", doc.DefaultLevel.String()))

	sv := supervisor.New(reg, store, lg)
	sv.SetLevel(doc.DefaultLevel)

	loop, err := eventloop.New(lg, unix.SIGCHLD, unix.SIGHUP, unix.SIGTERM, unix.SIGINT, unix.SIGUSR1, unix.SIGUSR2)
	if err != nil {
		lg.Fatal("failed to build event loop", logging.KVErr(err))
	}
	defer loop.Close()

	rp := reaper.New(lg)

	dispatcher := plugin.NewDispatcher()
	pw := pidwatch.New()
	var pidwatchEnabled bool
	if mf, err := pluginmanifest.Load(*manifestFlag); err != nil {
		lg.Warn("plugin manifest unavailable, running with no compiled-in plugins", logging.KVErr(err))
	} else {
		pidwatchEnabled = registerEnabledPlugins(dispatcher, mf, pw, lg)
	}
	if err := dispatcher.StartAll(loop, store, lg); err != nil {
		lg.Fatal("failed to start plugins", logging.KVErr(err))
	}
	defer dispatcher.StopAll()

	if pidwatchEnabled {
		seedPidWatches(reg, pw)
	}

	// the base filesystem is up by the time plugins have started and
	// pidfile watches are seeded; fire the hook so any record gated on
	// <hook/basefs-up> becomes eligible.
	dispatcher.Fire(plugin.Event{Point: plugin.HookBaseFSUp})

	ctl, err := fifoctl.New(*ctlFlag, buildCtlHandler(reg, store, sv, *configFlag, lg), lg)
	if err != nil {
		lg.Fatal("failed to create control FIFO", logging.KVErr(err))
	}
	go serveCtl(ctl, lg)

	drainStepAll(sv, nil, lg)

	shuttingDown := new(bool)
	if err := armTicker(loop, sv, func() bool { return *shuttingDown && allHalted(reg) }, lg); err != nil {
		lg.Fatal("failed to arm supervisor tick", logging.KVErr(err))
	}

	onSignal, onUnhandled := signalHandlers(loop, sv, rp, reg, store, dispatcher, *configFlag, shuttingDown, lg)
	if err := loop.Run(onSignal, onUnhandled); err != nil {
		lg.Error("event loop exited with error", logging.KVErr(err))
	}

	lg.Info("stepinit exiting")
}

// drainStepAll calls StepAll until a pass applies zero edges, the
// same fixed-point convergence spec.md's step_all describes; callers
// provide the pending-exit map gathered by the reaper, or nil outside
// a reap pass.
func drainStepAll(sv *supervisor.Supervisor, exits map[int]int, lg *logging.Logger) {
	for sv.StepAll(exits) {
		exits = nil
	}
}
