package main

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sixfold/stepinit/internal/condition"
	"github.com/sixfold/stepinit/internal/config"
	"github.com/sixfold/stepinit/internal/logging"
	"github.com/sixfold/stepinit/internal/plugin"
	"github.com/sixfold/stepinit/internal/plugin/hooklog"
	"github.com/sixfold/stepinit/internal/plugin/netwatch"
	"github.com/sixfold/stepinit/internal/plugin/pidwatch"
	"github.com/sixfold/stepinit/internal/pluginmanifest"
	"github.com/sixfold/stepinit/internal/registry"
)

// Default respawn policy applied to every record: the config grammar
// (out of scope per spec.md) carries no per-record restart tuning, so
// every record gets the same backoff shape and only StopSignal varies
// (tty forces SIGKILL, see internal/config).
const (
	defStopTimeout    = 5 * time.Second
	defMaxRestarts    = 5
	defRestartPeriod  = 60 * time.Second
	defCooldownPeriod = 10 * time.Second
)

// applyDocument reconciles reg against a freshly parsed Document:
// existing records are updated in place, new ones are added, and
// records no longer named in the config are marked dirty so a
// subsequent SweepDirty (once they reach halted) forgets them. This
// is called both at boot (an empty reg) and on SIGHUP reload.
func applyDocument(reg *registry.Registry, doc config.Document, lg *logging.Logger) (added, updated []registry.Identity) {
	reg.MarkAllDirty()
	for _, pr := range doc.Records {
		id := registry.Identity{Kind: pr.Kind, Basename: pr.Basename, Instance: pr.Instance}
		if rec, ok := reg.LookupByIdentity(id); ok {
			updateRecord(rec, pr)
			updated = append(updated, id)
			continue
		}
		rec := newRecord(id, pr)
		if err := reg.Add(rec); err != nil {
			lg.Error("failed to register record", logging.KV("identity", id.String()), logging.KVErr(err))
			continue
		}
		added = append(added, id)
	}
	return added, updated
}

func newRecord(id registry.Identity, pr config.ParsedRecord) *registry.Record {
	rec := &registry.Record{
		ID:              id,
		Command:         pr.Command,
		Args:            pr.Args,
		Env:             pr.Env,
		Levels:          pr.Levels,
		StartConditions: pr.Conditions,
		Pidfile:         pr.Pidfile,
		UID:             pr.UID,
		GID:             pr.GID,
		StopSignal:      pr.StopSignal,
		StopTimeout:     defStopTimeout,
		MaxRestarts:     defMaxRestarts,
		RestartPeriod:   defRestartPeriod,
		CooldownPeriod:  defCooldownPeriod,
		State:           registry.Halted,
	}
	if pr.StopSignal == syscall.SIGKILL {
		rec.StopTimeout = 0
	}
	return rec
}

// updateRecord refreshes the declarative fields a reload can change
// without disturbing the record's live lifecycle fields (State, Pid,
// restart history).
func updateRecord(rec *registry.Record, pr config.ParsedRecord) {
	rec.Command = pr.Command
	rec.Args = pr.Args
	rec.Env = pr.Env
	rec.Levels = pr.Levels
	rec.StartConditions = pr.Conditions
	rec.Pidfile = pr.Pidfile
	rec.UID = pr.UID
	rec.GID = pr.GID
	rec.StopSignal = pr.StopSignal
	rec.Dirty = false
}

// applyGlobalRlimits applies stepinit.conf's "rlimit" directives to
// stepinit's own process before any child is forked: Linux rlimits are
// inherited across fork/exec, so setting them once here reaches every
// supervised process without threading per-record rlimit plumbing
// through exec.Cmd.
func applyGlobalRlimits(limits []config.Rlimit, lg *logging.Logger) {
	for _, rl := range limits {
		resource, ok := rlimitResource(rl.Name)
		if !ok {
			lg.Warn("unknown rlimit name, skipping", logging.KV("name", rl.Name))
			continue
		}
		lim := syscall.Rlimit{Cur: rl.Soft, Max: rl.Hard}
		if err := syscall.Setrlimit(resource, &lim); err != nil {
			lg.Error("failed to apply rlimit", logging.KV("name", rl.Name), logging.KVErr(err))
		}
	}
}

func rlimitResource(name string) (int, bool) {
	switch name {
	case "nofile":
		return syscall.RLIMIT_NOFILE, true
	case "nproc":
		return syscall.RLIMIT_NPROC, true
	case "core":
		return syscall.RLIMIT_CORE, true
	case "memlock":
		return syscall.RLIMIT_MEMLOCK, true
	}
	return 0, false
}

// registerEnabledPlugins registers exactly the compiled-in plugins the
// manifest enables, per Design Note 9's "closed set selected by a
// build-time manifest" -- a plugin absent from or disabled in the
// manifest is never instantiated at all.
func registerEnabledPlugins(d *plugin.Dispatcher, mf pluginmanifest.Manifest, pw *pidwatch.Plugin, lg *logging.Logger) (pidwatchEnabled bool) {
	if mf.IsEnabled("pidwatch") {
		if err := d.Register(pw); err != nil {
			lg.Error("failed to register pidwatch", logging.KVErr(err))
		} else {
			pidwatchEnabled = true
		}
	}
	if mf.IsEnabled("netwatch") {
		if err := d.Register(netwatch.New()); err != nil {
			lg.Error("failed to register netwatch", logging.KVErr(err))
		}
	}
	if mf.IsEnabled("hooklog") {
		if err := d.Register(hooklog.New()); err != nil {
			lg.Error("failed to register hooklog", logging.KVErr(err))
		}
	}
	return pidwatchEnabled
}

// reloadConfig re-parses configPath and reconciles reg against it
// using the condition store's flux-then-reassert sequence: every
// currently-ON condition is marked FLUX, the config is re-applied,
// then any record still alive and running has its conditions
// reasserted from current state before EndReload tears down whatever
// nobody reasserted. This is what keeps an unchanged running service
// from bouncing on a reload that only touched an unrelated record.
func reloadConfig(reg *registry.Registry, store *condition.Store, configPath string, lg *logging.Logger) (added, updated, removed []registry.Identity, err error) {
	if _, err = store.BeginReload(nil); err != nil {
		return nil, nil, nil, err
	}
	doc, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	added, updated = applyDocument(reg, doc, lg)
	removed = reg.SweepDirty()
	reassertLiveConditions(reg, store, lg)
	if _, err = store.EndReload(); err != nil {
		return added, updated, removed, err
	}
	return added, updated, removed, nil
}

// reassertLiveConditions reasserts the service/* and pid/* conditions
// of every record the reload left in a live state, so BeginReload's
// blanket FLUX doesn't tear down gating for a service that never
// actually stopped.
func reassertLiveConditions(reg *registry.Registry, store *condition.Store, lg *logging.Logger) {
	reg.Iterate(func(rec *registry.Record) bool {
		switch rec.State {
		case registry.Running, registry.Ready, registry.Stopping, registry.Halting:
			if _, err := store.Reassert(rec.ID.ConditionName()); err != nil {
				lg.Warn("failed to reassert service condition", logging.KV("service", rec.ID.String()), logging.KVErr(err))
			}
		}
		if rec.Pidfile == "" {
			return true
		}
		if pid, err := readPidfileQuick(rec.Pidfile); err == nil && pid > 0 {
			if _, err := store.Reassert("pid/" + rec.ID.Basename); err != nil {
				lg.Warn("failed to reassert pidfile condition", logging.KV("service", rec.ID.String()), logging.KVErr(err))
			}
		}
		return true
	})
}

// readPidfileQuick reads just the leading integer pid out of path,
// mirroring the same first-line convention internal/supervisor and
// internal/plugin/pidwatch each already parse pidfiles with.
func readPidfileQuick(path string) (int, error) {
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

// seedPidWatches registers every pidfile-bearing record with pw. main
// calls it only when the manifest enables pidwatch, and only after
// dispatcher.StartAll has opened pw's underlying fsnotify watcher --
// calling it before Start would nil-deref pw.watcher.
func seedPidWatches(reg *registry.Registry, pw *pidwatch.Plugin) {
	reg.Iterate(func(rec *registry.Record) bool {
		if rec.Pidfile == "" {
			return true
		}
		_ = pw.AddWatch(rec.Pidfile, rec.ID.Basename)
		return true
	})
}
