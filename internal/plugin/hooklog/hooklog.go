// Package hooklog is the trivial compiled-in plugin that logs every
// hook point it sees; it exists mostly as a reference implementation
// of the plugin.Plugin interface and as a debugging aid for "why
// didn't my service start" reports.
package hooklog

import (
	"github.com/sixfold/stepinit/internal/condition"
	"github.com/sixfold/stepinit/internal/eventloop"
	"github.com/sixfold/stepinit/internal/logging"
	"github.com/sixfold/stepinit/internal/plugin"
)

// Plugin implements plugin.Plugin.
type Plugin struct {
	log *logging.Logger
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string        { return "hooklog" }
func (p *Plugin) DependsOn() []string { return nil }

func (p *Plugin) Start(loop *eventloop.Loop, store *condition.Store, lg *logging.Logger) error {
	p.log = lg
	return nil
}

func (p *Plugin) Hook(ev plugin.Event) {
	if p.log == nil {
		return
	}
	p.log.Debug("hook point fired",
		logging.KV("point", ev.Point.String()),
		logging.KV("service", ev.Service),
		logging.KV("state", ev.NewState),
		logging.KV("runlevel", ev.Runlevel),
	)
}

func (p *Plugin) Stop() error { return nil }
