// Package pidwatch is the compiled-in plugin that turns a service
// record's pidfile into a condition: once the file tracked at
// Pidfile appears (or is rewritten with a new pid), the plugin sets
// "pid/<basename>" ON; when it disappears, it clears it. It is
// built directly on fsnotify, the same library and one-level-deep
// directory-watch discipline the teacher's filewatch.WatchManager
// uses for log-file ingestion, adapted here to watch pidfile
// directories instead of log directories.
//
// fsnotify delivers events over a Go channel rather than a pollable
// fd, so pidwatch, like netwatch, does not use the event loop's epoll
// set and drains its own channel on a dedicated goroutine.
// That goroutine only ever calls into condition.Store, which is safe
// for concurrent use; it never touches the registry or FSM state
// directly, so the single-threaded step_all invariant over service
// state is preserved.
package pidwatch

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/sixfold/stepinit/internal/condition"
	"github.com/sixfold/stepinit/internal/eventloop"
	"github.com/sixfold/stepinit/internal/logging"
	"github.com/sixfold/stepinit/internal/plugin"
)

// ErrWatchTooDeep is returned (and logged) when a caller asks to watch
// a pidfile path whose directory is inside, or contains, another
// watched directory;
// resolves the pidfile watcher's layout question in favor of the
// teacher's own one-level-deep restriction (filewatch.WatchManager
// watches directories, not trees, and relies on a flat layout).
var ErrWatchTooDeep = errors.New("pidwatch: nested pidfile directories are not supported")

type watch struct {
	basename    string
	svcBasename string
}

// Plugin implements plugin.Plugin.
type Plugin struct {
	mtx     sync.Mutex
	watcher *fsnotify.Watcher
	byDir   map[string][]watch
	store   *condition.Store
	log     *logging.Logger
	done    chan struct{}
}

func New() *Plugin {
	return &Plugin{byDir: make(map[string][]watch)}
}

func (p *Plugin) Name() string        { return "pidwatch" }
func (p *Plugin) DependsOn() []string { return nil }

// AddWatch registers pidfilePath for tracking under basename (the
// record's identity basename, which is also what names its
// "pid/<basename>" condition).
func (p *Plugin) AddWatch(pidfilePath, basename string) error {
	dir := filepath.Dir(pidfilePath)
	base := filepath.Base(pidfilePath)

	p.mtx.Lock()
	for existing := range p.byDir {
		if existing == dir {
			continue
		}
		if strings.HasPrefix(dir, existing+string(filepath.Separator)) ||
			strings.HasPrefix(existing, dir+string(filepath.Separator)) {
			p.mtx.Unlock()
			if p.log != nil {
				p.log.Warn("pidwatch: nested pidfile directory refused", logging.KV("dir", dir), logging.KV("watched", existing))
			}
			return ErrWatchTooDeep
		}
	}
	_, dirWatched := p.byDir[dir]
	p.byDir[dir] = append(p.byDir[dir], watch{basename: base, svcBasename: basename})
	p.mtx.Unlock()

	if !dirWatched {
		if err := p.watcher.Add(dir); err != nil {
			return err
		}
	}
	return p.checkNow(filepath.Join(dir, base), basename)
}

// Start opens the underlying fsnotify watcher and begins draining it.
// loop is accepted to satisfy plugin.Plugin but unused: see the
// package doc for why pidwatch does not register an epoll fd.
func (p *Plugin) Start(loop *eventloop.Loop, store *condition.Store, lg *logging.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	p.watcher = w
	p.store = store
	p.log = lg
	p.done = make(chan struct{})
	go p.run()
	return nil
}

func (p *Plugin) run() {
	for {
		select {
		case <-p.done:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			p.handle(ev)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			if p.log != nil {
				p.log.Warn("pidwatch error", logging.KVErr(err))
			}
		}
	}
}

func (p *Plugin) handle(ev fsnotify.Event) {
	dir := filepath.Dir(ev.Name)
	base := filepath.Base(ev.Name)
	p.mtx.Lock()
	watches := p.byDir[dir]
	p.mtx.Unlock()
	for _, w := range watches {
		if w.basename == base {
			p.checkNow(ev.Name, w.svcBasename)
		}
	}
}

func (p *Plugin) checkNow(path, svcBasename string) error {
	condName := "pid/" + svcBasename
	pid, err := readPidfile(path)
	if err != nil || pid <= 0 {
		_, cerr := p.store.Clear(condName)
		return cerr
	}
	_, serr := p.store.Set(condName)
	return serr
}

func readPidfile(path string) (int, error) {
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

// Hook is a no-op: pidwatch reacts to filesystem events, not
// lifecycle hook points.
func (p *Plugin) Hook(plugin.Event) {}

func (p *Plugin) Stop() error {
	if p.done != nil {
		close(p.done)
	}
	if p.watcher == nil {
		return nil
	}
	return p.watcher.Close()
}
