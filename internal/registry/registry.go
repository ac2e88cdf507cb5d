// Package registry holds the in-memory table of service records: the
// single source of truth the supervisor driver, FIFO control
// protocol, and plugin dispatcher all read and mutate from the event
// loop thread.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/sixfold/stepinit/internal/runlevel"
)

// Kind is the record type, per spec's five record kinds.
type Kind int

const (
	KindService Kind = iota
	KindTask
	KindRun
	KindInetd
	KindTTY
)

func (k Kind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindTask:
		return "task"
	case KindRun:
		return "run"
	case KindInetd:
		return "inetd"
	case KindTTY:
		return "tty"
	}
	return "unknown"
}

// State is one of the nine FSM states a record can occupy.
type State int

const (
	Halted State = iota
	Conditional
	Setup
	Starting
	Running
	Ready
	Stopping
	Halting
	Crashed
)

func (s State) String() string {
	switch s {
	case Halted:
		return "halted"
	case Conditional:
		return "conditional"
	case Setup:
		return "setup"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Ready:
		return "ready"
	case Stopping:
		return "stopping"
	case Halting:
		return "halting"
	case Crashed:
		return "crashed"
	}
	return "unknown"
}

// Identity uniquely names a record: (kind, command basename, optional instance).
type Identity struct {
	Kind     Kind
	Basename string
	Instance string
}

func (id Identity) String() string {
	if id.Instance == "" {
		return fmt.Sprintf("%s:%s", id.Kind, id.Basename)
	}
	return fmt.Sprintf("%s:%s:%s", id.Kind, id.Basename, id.Instance)
}

// ConditionName is the synthetic "service/<basename>" condition a
// running record provides to gate other records, matching the literal
// namespace operators write in a start-condition directive
// (e.g. "service/sleep" for "service [2] /bin/sleep 3600").
func (id Identity) ConditionName() string {
	return "service/" + id.Basename
}

// Record is one declarative service/task/run/inetd/tty entry.
type Record struct {
	ID Identity

	Command string
	Args    []string
	Env     []string

	Levels runlevel.Mask

	// StartConditions must all be ON, and none FLUX, for the gate to
	// be satisfied.
	StartConditions []string

	Pidfile string

	UID, GID        int
	StopSignal      syscall.Signal
	StopTimeout     time.Duration
	MaxRestarts     int
	RestartPeriod   time.Duration
	CooldownPeriod  time.Duration
	StartDelay      time.Duration

	// mutable lifecycle fields, touched only by the supervisor driver.
	State          State
	Pid            int
	Dirty          bool
	ChangedThisGen bool
	Generation     uint64

	restartHistory []time.Time
}

var (
	ErrDuplicateIdentity = errors.New("duplicate record identity")
	ErrNotFound          = errors.New("record not found")
)

// Registry indexes records by identity, pid, and pidfile path. All
// operations assume single-threaded (event loop) access; the mutex
// exists only to let tests and the FIFO handler call in from outside
// that thread without racing the Go runtime's race detector, not to
// provide real concurrent semantics.
type Registry struct {
	mtx       sync.Mutex
	byID      map[Identity]*Record
	order     []Identity
	byPid     map[int]*Record
	byPidfile map[string]*Record
}

func New() *Registry {
	return &Registry{
		byID:      make(map[Identity]*Record),
		byPid:     make(map[int]*Record),
		byPidfile: make(map[string]*Record),
	}
}

// Add inserts a new record. Returns ErrDuplicateIdentity if one with
// the same identity already exists.
func (r *Registry) Add(rec *Record) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, exists := r.byID[rec.ID]; exists {
		return ErrDuplicateIdentity
	}
	r.byID[rec.ID] = rec
	r.order = append(r.order, rec.ID)
	if rec.Pidfile != "" {
		r.byPidfile[rec.Pidfile] = rec
	}
	return nil
}

func (r *Registry) LookupByIdentity(id Identity) (*Record, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	rec, ok := r.byID[id]
	return rec, ok
}

func (r *Registry) LookupByPid(pid int) (*Record, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	rec, ok := r.byPid[pid]
	return rec, ok
}

func (r *Registry) LookupByPidfile(path string) (*Record, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	rec, ok := r.byPidfile[path]
	return rec, ok
}

// SetPid updates the pid index for rec; pid==0 removes it from the index.
func (r *Registry) SetPid(rec *Record, pid int) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if rec.Pid != 0 {
		delete(r.byPid, rec.Pid)
	}
	rec.Pid = pid
	if pid != 0 {
		r.byPid[pid] = rec
	}
}

// Iterate calls fn for every record in stable insertion order. fn must
// not mutate the registry's identity index (adding/removing records);
// mutating a record's own fields is fine and expected.
func (r *Registry) Iterate(fn func(*Record) bool) {
	r.mtx.Lock()
	ids := make([]Identity, len(r.order))
	copy(ids, r.order)
	r.mtx.Unlock()
	for _, id := range ids {
		r.mtx.Lock()
		rec, ok := r.byID[id]
		r.mtx.Unlock()
		if !ok {
			continue
		}
		if !fn(rec) {
			return
		}
	}
}

// MarkAllDirty flags every record dirty ahead of a config reparse; the
// reload clears Dirty on records it reconfirms (see cmd/stepinit's
// applyDocument).
func (r *Registry) MarkAllDirty() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, rec := range r.byID {
		rec.Dirty = true
	}
}

// SweepDirty removes every still-dirty, halted record: these are
// ones that existed in the previous generation but were not named in
// the reparse and are safe to forget.
func (r *Registry) SweepDirty() (removed []Identity) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	kept := r.order[:0]
	for _, id := range r.order {
		rec := r.byID[id]
		if rec.Dirty && rec.State == Halted {
			delete(r.byID, id)
			if rec.Pidfile != "" {
				delete(r.byPidfile, rec.Pidfile)
			}
			removed = append(removed, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return removed
}

// Len reports the number of registered records.
func (r *Registry) Len() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.order)
}

// RecordRestart appends now to rec's restart ring, shifting out the
// oldest entry once the ring reaches MaxRestarts -- the same
// fixed-length ring the teacher's manager.restarter keeps, just living
// on Record instead of a detached type so the fsm and supervisor
// packages can drive it without a third package mediating.
func (rec *Record) RecordRestart(now time.Time) {
	max := rec.MaxRestarts
	if max <= 0 {
		max = 1
	}
	rec.restartHistory = append(rec.restartHistory, now)
	if len(rec.restartHistory) > max {
		rec.restartHistory = rec.restartHistory[len(rec.restartHistory)-max:]
	}
}

// ShouldCooldown reports whether rec has crashed MaxRestarts times
// within RestartPeriod of now, and if so, returns rec.CooldownPeriod
// as the second value. The supervisor uses only the boolean: a record
// waits until its oldest recorded restart falls outside RestartPeriod.
func (rec *Record) ShouldCooldown(now time.Time) (bool, time.Duration) {
	max := rec.MaxRestarts
	if max <= 0 {
		max = 1
	}
	if len(rec.restartHistory) < max {
		return false, 0
	}
	oldest := rec.restartHistory[0]
	if now.Sub(oldest) >= rec.RestartPeriod {
		return false, 0
	}
	return true, rec.CooldownPeriod
}

// ResetRestartHistory clears rec's respawn ring, used when a record is
// deliberately restarted (via the FIFO control protocol) rather than
// crashing on its own.
func (rec *Record) ResetRestartHistory() {
	rec.restartHistory = nil
}

// DetectCycles performs the DFS described in spec's Design Note 1
// over the start-condition graph, treating a "service/<basename>"
// start condition as an edge from the depending record to the record
// that provides it. It is a config-load-time check: a cycle is
// rejected outright, never resolved.
func DetectCycles(records []*Record) error {
	byCondition := make(map[string]*Record, len(records))
	for _, rec := range records {
		byCondition[rec.ID.ConditionName()] = rec
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[Identity]int, len(records))
	var visit func(rec *Record) error
	visit = func(rec *Record) error {
		switch color[rec.ID] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("cyclic service dependency through %s", rec.ID)
		}
		color[rec.ID] = gray
		for _, cond := range rec.StartConditions {
			dep, ok := byCondition[cond]
			if !ok {
				continue // referencing a condition never creates one
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[rec.ID] = black
		return nil
	}
	for _, rec := range records {
		if err := visit(rec); err != nil {
			return err
		}
	}
	return nil
}
