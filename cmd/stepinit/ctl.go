package main

import (
	"fmt"

	"github.com/sixfold/stepinit/internal/condition"
	"github.com/sixfold/stepinit/internal/fifoctl"
	"github.com/sixfold/stepinit/internal/logging"
	"github.com/sixfold/stepinit/internal/registry"
	"github.com/sixfold/stepinit/internal/runlevel"
	"github.com/sixfold/stepinit/internal/supervisor"
)

// buildCtlHandler closes over the state a control command is allowed
// to touch and returns the fifoctl.Handler passed to the FIFO server.
// It runs on the dedicated goroutine fifoctl.Server.ServeOnce blocks
// in (see internal/fifoctl), not on the event loop thread; per
// internal/registry's own doc comment, the registry's mutex exists
// precisely so a second caller like this one can reach in safely.
func buildCtlHandler(reg *registry.Registry, store *condition.Store, sv *supervisor.Supervisor, configPath string, lg *logging.Logger) fifoctl.Handler {
	return func(req fifoctl.Request) fifoctl.Response {
		switch req.Command {
		case fifoctl.CmdStatus:
			return handleStatus(reg, req)
		case fifoctl.CmdStop:
			return handleStop(reg, sv, req)
		case fifoctl.CmdRestart:
			return handleRestart(reg, sv, req)
		case fifoctl.CmdSetRunlevel:
			return handleSetRunlevel(sv, req, lg)
		case fifoctl.CmdSetCondition:
			return handleSetCondition(store, req, true)
		case fifoctl.CmdClearCondition:
			return handleSetCondition(store, req, false)
		case fifoctl.CmdReload:
			return handleReload(reg, store, sv, configPath, lg, req)
		case fifoctl.CmdStart:
			return fifoctl.Response{Error: "start is implicit: satisfy the record's conditions and runlevel instead"}
		}
		return fifoctl.Response{Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func lookupTarget(reg *registry.Registry, target string) (*registry.Record, error) {
	id, err := fifoctl.DefaultTargetResolver(target)
	if err != nil {
		return nil, err
	}
	rec, ok := reg.LookupByIdentity(id)
	if !ok {
		return nil, fmt.Errorf("no such record: %s", target)
	}
	return rec, nil
}

func handleStatus(reg *registry.Registry, req fifoctl.Request) fifoctl.Response {
	rec, err := lookupTarget(reg, req.Target)
	if err != nil {
		return fifoctl.Response{Error: err.Error()}
	}
	return fifoctl.Response{OK: true, Detail: fmt.Sprintf("%s state=%s pid=%d", rec.ID.String(), rec.State.String(), rec.Pid)}
}

func handleStop(reg *registry.Registry, sv *supervisor.Supervisor, req fifoctl.Request) fifoctl.Response {
	rec, err := lookupTarget(reg, req.Target)
	if err != nil {
		return fifoctl.Response{Error: err.Error()}
	}
	sv.RequestStop(rec)
	return fifoctl.Response{OK: true, Detail: "stop requested"}
}

func handleRestart(reg *registry.Registry, sv *supervisor.Supervisor, req fifoctl.Request) fifoctl.Response {
	rec, err := lookupTarget(reg, req.Target)
	if err != nil {
		return fifoctl.Response{Error: err.Error()}
	}
	sv.RequestRestart(rec)
	return fifoctl.Response{OK: true, Detail: "restart requested"}
}

func handleSetRunlevel(sv *supervisor.Supervisor, req fifoctl.Request, lg *logging.Logger) fifoctl.Response {
	lvl, err := runlevel.ParseLevel(req.Runlevel)
	if err != nil {
		return fifoctl.Response{Error: err.Error()}
	}
	sv.SetLevel(lvl)
	drainStepAll(sv, nil, lg) // reconcile synchronously so a STATUS query right after this reply sees post-transition state
	return fifoctl.Response{OK: true, Detail: "runlevel set to " + lvl.String()}
}

func handleSetCondition(store *condition.Store, req fifoctl.Request, on bool) fifoctl.Response {
	var err error
	if on {
		_, err = store.Set(req.Target)
	} else {
		_, err = store.Clear(req.Target)
	}
	if err != nil {
		return fifoctl.Response{Error: err.Error()}
	}
	return fifoctl.Response{OK: true}
}

func handleReload(reg *registry.Registry, store *condition.Store, sv *supervisor.Supervisor, configPath string, lg *logging.Logger, req fifoctl.Request) fifoctl.Response {
	added, updated, removed, err := reloadConfig(reg, store, configPath, lg)
	if err != nil {
		return fifoctl.Response{Error: err.Error()}
	}
	lg.Info("reloaded config", logging.KV("added", len(added)), logging.KV("updated", len(updated)), logging.KV("removed", len(removed)))
	drainStepAll(sv, nil, lg) // reconcile synchronously so a STATUS query right after this reply sees post-reload state
	return fifoctl.Response{OK: true, Detail: fmt.Sprintf("added=%d updated=%d removed=%d", len(added), len(updated), len(removed))}
}

// serveCtl reopens ctl every time its writer disconnects; the FIFO
// semantics (EOF on last-writer-close) make this loop the normal
// steady state, not an error-recovery path.
func serveCtl(ctl *fifoctl.Server, lg *logging.Logger) {
	for {
		if err := ctl.Open(); err != nil {
			lg.Error("control FIFO failed to open", logging.KVErr(err))
			return
		}
		if err := ctl.ServeOnce(); err != nil {
			lg.Debug("control FIFO client disconnected", logging.KVErr(err))
		}
	}
}
