// Package condition implements the namespaced tri-state flag store
// that gates service starts. Conditions are persisted as files under
// a directory so that state survives a supervisor re-exec, following
// the same write-temp-then-rename discipline the teacher's
// ingesters/utils.State type uses for its own persisted state.
package condition

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dchest/safefile"
)

// Tri is the three-valued condition state.
type Tri int

const (
	Off Tri = iota
	On
	Flux
)

func (t Tri) String() string {
	switch t {
	case On:
		return "ON"
	case Flux:
		return "FLUX"
	}
	return "OFF"
}

const (
	onContent   = "1\n"
	offContent  = "0\n"
	fluxContent = "F\n"

	filePerm       = 0640
	generationFile = ".generation"
)

var (
	ErrInvalidName = errors.New("invalid condition name")
	ErrNotFound    = errors.New("condition not declared")
)

type record struct {
	state   Tri
	oneshot bool
}

// Store is the process-wide (but independently constructible, for
// tests) condition table. Mutations come from the event-loop thread
// and also from the pidwatch and netwatch goroutines; each operation
// holds the store's mutex while it updates the in-memory cache and the
// on-disk files, which is the only serialization Store provides.
type Store struct {
	mtx        sync.Mutex
	dir        string
	states     map[string]record
	generation uint64
}

// Open loads (or initializes) a condition store rooted at dir,
// creating the directory if it does not already exist.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	s := &Store{dir: dir, states: make(map[string]record)}
	if err := s.loadExisting(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadExisting() error {
	return filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil || rel == generationFile {
			return nil
		}
		name := filepath.ToSlash(rel)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil //skip unreadable entries rather than failing boot
		}
		st, ok := parseContent(string(data))
		if !ok {
			return nil
		}
		s.states[name] = record{state: st}
		return nil
	})
}

func parseContent(s string) (Tri, bool) {
	switch strings.TrimSpace(s) {
	case "1":
		return On, true
	case "0":
		return Off, true
	case "F":
		return Flux, true
	}
	return Off, false
}

func contentFor(t Tri) string {
	switch t {
	case On:
		return onContent
	case Flux:
		return fluxContent
	}
	return offContent
}

func validName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") || strings.Contains(name, "..") {
		return false
	}
	return true
}

// Get returns the current state of a condition and whether it has
// ever been declared (set/cleared/fluxed) at all.
func (s *Store) Get(name string) (Tri, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	r, ok := s.states[name]
	return r.state, ok
}

// Exists reports whether a condition has been declared.
func (s *Store) Exists(name string) bool {
	_, ok := s.Get(name)
	return ok
}

// Set transitions name to ON. Idempotent: returns changed=false if it
// was already ON.
func (s *Store) Set(name string) (changed bool, err error) {
	return s.transition(name, On, false)
}

// Clear transitions name to OFF.
func (s *Store) Clear(name string) (changed bool, err error) {
	return s.transition(name, Off, false)
}

// Flux marks name transitory: paused but not torn down. Used around
// reload to avoid bouncing unchanged services.
func (s *Store) Flux(name string) (changed bool, err error) {
	return s.transition(name, Flux, false)
}

// SetOneshot sets name to ON with no corresponding clear call expected
// of callers; used for hook-point conditions such as hook/basefs-up.
func (s *Store) SetOneshot(name string) (changed bool, err error) {
	return s.transition(name, On, true)
}

func (s *Store) transition(name string, to Tri, oneshot bool) (changed bool, err error) {
	if !validName(name) {
		return false, ErrInvalidName
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cur, existed := s.states[name]
	if existed && cur.state == to {
		if oneshot && !cur.oneshot {
			cur.oneshot = true
			s.states[name] = cur
		}
		return false, nil
	}
	if err = s.persist(name, to); err != nil {
		return false, err
	}
	s.states[name] = record{state: to, oneshot: oneshot || (existed && cur.oneshot)}
	return true, nil
}

func (s *Store) persist(name string, t Tri) error {
	path := filepath.Join(s.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	fout, err := safefile.Create(path, filePerm)
	if err != nil {
		return err
	}
	n := fout.Name()
	if _, err = fout.Write([]byte(contentFor(t))); err != nil {
		fout.File.Close()
		os.Remove(n)
		return err
	}
	if err = fout.Commit(); err != nil {
		fout.File.Close()
		os.Remove(n)
		return err
	}
	return nil
}

// Generation returns the current reload generation counter.
func (s *Store) Generation() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.generation
}

// BeginReload bumps the generation counter and marks every currently-ON
// condition not present in keep as FLUX, so that a stale condition
// bounces a gated service while an unchanged one does not (because the
// pidfile watcher / plugin will reassert it before EndReload).
func (s *Store) BeginReload(keep map[string]struct{}) (fluxed []string, err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.generation++
	if err = s.persistGeneration(); err != nil {
		return nil, err
	}
	for name, r := range s.states {
		if r.state != On {
			continue
		}
		if _, keepIt := keep[name]; keepIt {
			continue
		}
		if err = s.persist(name, Flux); err != nil {
			return fluxed, err
		}
		r.state = Flux
		s.states[name] = r
		fluxed = append(fluxed, name)
	}
	return fluxed, nil
}

func (s *Store) persistGeneration() error {
	path := filepath.Join(s.dir, generationFile)
	fout, err := safefile.Create(path, filePerm)
	if err != nil {
		return err
	}
	if _, err = fout.Write([]byte(strconv.FormatUint(s.generation, 10) + "\n")); err != nil {
		fout.File.Close()
		os.Remove(fout.Name())
		return err
	}
	return fout.Commit()
}

// Reassert promotes name from FLUX back to ON without treating it as a
// fresh edge (no "changed" signal beyond the state flip itself); used
// when a plugin or the pidfile watcher confirms a condition is still
// valid after a reload.
func (s *Store) Reassert(name string) (changed bool, err error) {
	s.mtx.Lock()
	r, ok := s.states[name]
	if !ok || r.state != Flux {
		s.mtx.Unlock()
		return false, nil
	}
	s.mtx.Unlock()
	return s.transition(name, On, r.oneshot)
}

// EndReload transitions every condition still left in FLUX to OFF --
// nothing reasserted it during the reload, so it is no longer valid.
// Returns the names that were torn down this way.
func (s *Store) EndReload() (torndown []string, err error) {
	s.mtx.Lock()
	names := make([]string, 0)
	for name, r := range s.states {
		if r.state == Flux {
			names = append(names, name)
		}
	}
	s.mtx.Unlock()
	for _, name := range names {
		if _, err = s.transition(name, Off, false); err != nil {
			return torndown, err
		}
		torndown = append(torndown, name)
	}
	return torndown, nil
}
