package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sixfold/stepinit/internal/condition"
	"github.com/sixfold/stepinit/internal/config"
	"github.com/sixfold/stepinit/internal/fifoctl"
	"github.com/sixfold/stepinit/internal/logging"
	"github.com/sixfold/stepinit/internal/registry"
	"github.com/sixfold/stepinit/internal/supervisor"
)

func newCtlHarness(t *testing.T) (*registry.Registry, *condition.Store, *supervisor.Supervisor) {
	t.Helper()
	reg := registry.New()
	store, err := condition.Open(t.TempDir())
	require.NoError(t, err)
	sv := supervisor.New(reg, store, logging.NewDiscard())
	return reg, store, sv
}

func TestHandleStatusReportsCurrentState(t *testing.T) {
	reg, _, _ := newCtlHarness(t)
	rec := newRecord(registry.Identity{Kind: registry.KindService, Basename: "sshd"}, config.ParsedRecord{Command: "/usr/sbin/sshd"})
	rec.State = registry.Running
	rec.Pid = 99
	require.NoError(t, reg.Add(rec))

	resp := handleStatus(reg, fifoctl.Request{Target: "service:sshd"})
	require.True(t, resp.OK)
	require.Contains(t, resp.Detail, "running")
	require.Contains(t, resp.Detail, "pid=99")
}

func TestHandleStatusUnknownTarget(t *testing.T) {
	reg, _, _ := newCtlHarness(t)
	resp := handleStatus(reg, fifoctl.Request{Target: "service:nope"})
	require.NotEmpty(t, resp.Error)
}

func TestHandleSetRunlevelAppliesLevel(t *testing.T) {
	_, _, sv := newCtlHarness(t)
	resp := handleSetRunlevel(sv, fifoctl.Request{Runlevel: "3"}, logging.NewDiscard())
	require.True(t, resp.OK)
}

func TestHandleSetConditionTogglesStore(t *testing.T) {
	_, store, _ := newCtlHarness(t)
	resp := handleSetCondition(store, fifoctl.Request{Target: "hook/basefs-up"}, true)
	require.True(t, resp.OK)
	require.True(t, store.Exists("hook/basefs-up"))

	resp = handleSetCondition(store, fifoctl.Request{Target: "hook/basefs-up"}, false)
	require.True(t, resp.OK)
	state, ok := store.Get("hook/basefs-up")
	require.True(t, ok)
	require.Equal(t, condition.Off, state)
}
