package hooklog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sixfold/stepinit/internal/logging"
	"github.com/sixfold/stepinit/internal/plugin"
)

func TestHookDoesNotPanicBeforeStart(t *testing.T) {
	p := New()
	require.NotPanics(t, func() {
		p.Hook(plugin.Event{Point: plugin.HookBaseFSUp})
	})
}

func TestHookAfterStartLogsWithoutError(t *testing.T) {
	p := New()
	require.NoError(t, p.Start(nil, nil, logging.NewDiscard()))
	require.NotPanics(t, func() {
		p.Hook(plugin.Event{Point: plugin.HookServiceStateChanged, Service: "sshd", NewState: "ready"})
	})
	require.NoError(t, p.Stop())
}
