// Package plugin dispatches hook-point notifications to the closed
// set of compiled-in plugins (pidwatch, netwatch, hooklog). There is
// no dynamic loading -- every plugin is a Go type registered at
// startup -- so the dispatcher's job is ordering (dependency
// resolution among plugins that need another plugin's conditions
// already declared) and fanning hook points out to every plugin. It
// does not register plugin descriptors with the event loop or route
// readable fds: pidwatch and netwatch read their own sources on their
// own goroutines.
package plugin

import (
	"fmt"
	"sort"

	"github.com/sixfold/stepinit/internal/condition"
	"github.com/sixfold/stepinit/internal/eventloop"
	"github.com/sixfold/stepinit/internal/logging"
)

// HookPoint names a point in the boot/runtime lifecycle a plugin can
// act on.
type HookPoint int

const (
	HookBaseFSUp HookPoint = iota
	HookRunlevelChanged
	HookServiceStateChanged
	HookShutdown
)

func (h HookPoint) String() string {
	switch h {
	case HookBaseFSUp:
		return "basefs-up"
	case HookRunlevelChanged:
		return "runlevel-changed"
	case HookServiceStateChanged:
		return "service-state-changed"
	case HookShutdown:
		return "shutdown"
	}
	return "unknown"
}

// hookConditionsEnabled gates which hook points get a corresponding
// "hook/<name>" oneshot condition once every plugin's callback has run.
// Carried as an explicit per-point table rather than an implicit
// HookPoint >= HookBaseFSUp ordinal comparison, since the points this
// dispatcher models are the ones spec.md's full lifecycle keeps at or
// after BASEFS_UP already (the condition directory isn't writable
// before then); an earlier point added later starts out absent here,
// not silently included by a numeric comparison.
var hookConditionsEnabled = map[HookPoint]bool{
	HookBaseFSUp:            true,
	HookRunlevelChanged:     true,
	HookServiceStateChanged: true,
	HookShutdown:            true,
}

// Event carries the payload passed to a plugin's Hook method; fields
// not relevant to a given HookPoint are left zero.
type Event struct {
	Point     HookPoint
	Service   string
	NewState  string
	Runlevel  string
}

// Plugin is the interface every compiled-in plugin implements. Name
// must be stable across restarts: it becomes part of the condition
// namespace a plugin is allowed to write into.
type Plugin interface {
	Name() string
	// DependsOn names other plugins (by Name) that must already be
	// registered and started before this one; used only for start
	// ordering, not for conditions (conditions never create each other).
	DependsOn() []string
	// Start may register the plugin's file descriptors with loop and
	// begins whatever bookkeeping it needs; called once, in dependency order.
	Start(loop *eventloop.Loop, store *condition.Store, lg *logging.Logger) error
	// Hook is called synchronously, on the event loop thread, for every
	// hook point the dispatcher fires.
	Hook(ev Event)
	// Stop tears down registered fds and any other held resources.
	Stop() error
}

// Dispatcher owns the registered plugin set and fires hook points to
// all of them in registration order.
type Dispatcher struct {
	plugins []Plugin
	byName  map[string]Plugin

	store *condition.Store
	log   *logging.Logger
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{byName: make(map[string]Plugin)}
}

// Register adds a plugin. Order of registration does not need to
// respect DependsOn; Start resolves that separately.
func (d *Dispatcher) Register(p Plugin) error {
	if _, exists := d.byName[p.Name()]; exists {
		return fmt.Errorf("plugin %q already registered", p.Name())
	}
	d.byName[p.Name()] = p
	d.plugins = append(d.plugins, p)
	return nil
}

// StartAll starts every registered plugin in dependency order,
// rejecting a cycle or a dependency on a plugin that was never registered.
func (d *Dispatcher) StartAll(loop *eventloop.Loop, store *condition.Store, lg *logging.Logger) error {
	order, err := d.resolveOrder()
	if err != nil {
		return err
	}
	for _, p := range order {
		if err := p.Start(loop, store, lg); err != nil {
			return fmt.Errorf("starting plugin %q: %w", p.Name(), err)
		}
	}
	d.store = store
	d.log = lg
	return nil
}

func (d *Dispatcher) resolveOrder() ([]Plugin, error) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(d.plugins))
	var order []Plugin
	var visit func(p Plugin) error
	visit = func(p Plugin) error {
		switch color[p.Name()] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("cyclic plugin dependency at %q", p.Name())
		}
		color[p.Name()] = gray
		for _, dep := range p.DependsOn() {
			dp, ok := d.byName[dep]
			if !ok {
				return fmt.Errorf("plugin %q depends on unregistered plugin %q", p.Name(), dep)
			}
			if err := visit(dp); err != nil {
				return err
			}
		}
		color[p.Name()] = black
		order = append(order, p)
		return nil
	}
	names := make([]string, 0, len(d.plugins))
	for _, p := range d.plugins {
		names = append(names, p.Name())
	}
	sort.Strings(names) // deterministic when there's no dependency constraint either way
	for _, n := range names {
		if err := visit(d.byName[n]); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Fire calls Hook on every registered plugin, in registration order, for ev,
// then -- for hook points hookConditionsEnabled names -- sets the
// corresponding "hook/<name>" condition oneshot. Callers are
// responsible for running step_all afterward so the newly-set
// condition actually unblocks anything gated on it, the same way
// handleShutdownSignal already pairs Fire with drainStepAll.
func (d *Dispatcher) Fire(ev Event) {
	for _, p := range d.plugins {
		p.Hook(ev)
	}
	if d.store == nil || !hookConditionsEnabled[ev.Point] {
		return
	}
	if _, err := d.store.SetOneshot("hook/" + ev.Point.String()); err != nil && d.log != nil {
		d.log.Warn("failed to set hook condition", logging.KV("hook", ev.Point.String()), logging.KVErr(err))
	}
}

// StopAll tears down every plugin, continuing past individual errors
// so one misbehaving plugin can't block the others from releasing
// their fds during shutdown.
func (d *Dispatcher) StopAll() (errs []error) {
	for _, p := range d.plugins {
		if err := p.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping plugin %q: %w", p.Name(), err))
		}
	}
	return errs
}
