package fifoctl

import (
	"errors"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sixfold/stepinit/internal/logging"
	"github.com/sixfold/stepinit/internal/registry"
)

// Handler processes one decoded Request and produces a Response. It is
// called on the event loop thread: it may read the registry and
// condition store directly, but must not block.
type Handler func(req Request) Response

// Server owns a control FIFO: a named pipe that is reopened for
// reading every time the writing end closes, since a FIFO delivers
// EOF once its last writer disconnects rather than staying open like
// a socket would.
type Server struct {
	path    string
	handler Handler
	log     *logging.Logger

	mtx  sync.Mutex
	file *os.File
}

// New creates the control FIFO at path (removing and recreating it if
// something is already there) and returns a Server bound to it.
func New(path string, handler Handler, lg *logging.Logger) (*Server, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err := unix.Mkfifo(path, 0660); err != nil {
		return nil, err
	}
	return &Server{path: path, handler: handler, log: lg}, nil
}

// Open (re)opens the FIFO for reading, blocking until a writer
// connects; intended to be called once at startup and again every
// time ServeOnce returns because its writer disconnected.
func (s *Server) Open() error {
	f, err := os.OpenFile(s.path, os.O_RDONLY, os.ModeNamedPipe)
	if err != nil {
		return err
	}
	s.mtx.Lock()
	s.file = f
	s.mtx.Unlock()
	return nil
}

// FD returns the currently open read fd, for registering with the
// event loop's epoll set.
func (s *Server) FD() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.file == nil {
		return -1
	}
	return int(s.file.Fd())
}

// ServeOnce reads and dispatches every complete frame currently
// available on the FIFO, writing each response back out the same
// named pipe's companion write-side path (stepinit always pairs a
// control FIFO with a reply FIFO at path+".reply"). It returns when
// the writer disconnects (EOF) so the caller can Open again.
func (s *Server) ServeOnce() error {
	s.mtx.Lock()
	f := s.file
	s.mtx.Unlock()
	if f == nil {
		return errors.New("fifoctl: server not open")
	}
	for {
		req, err := ReadRequest(f)
		if err != nil {
			return err
		}
		resp := s.handler(req)
		resp.ID = req.ID
		if err := s.replyTo(resp); err != nil && s.log != nil {
			s.log.Warn("fifoctl: failed writing reply", logging.KVErr(err))
		}
	}
}

func (s *Server) replyTo(resp Response) error {
	rf, err := os.OpenFile(s.path+".reply", os.O_WRONLY, os.ModeNamedPipe)
	if err != nil {
		return err
	}
	defer rf.Close()
	return WriteResponse(rf, resp)
}

// Close closes the currently open read fd.
func (s *Server) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// DefaultTargetResolver parses a "kind:basename[:instance]" target
// string back into a registry.Identity the way the FIFO protocol's
// string Target field is meant to be interpreted by a command handler.
func DefaultTargetResolver(target string) (registry.Identity, error) {
	var id registry.Identity
	parts := strings.SplitN(target, ":", 3)
	if len(parts) < 2 {
		return id, errors.New("fifoctl: target must be kind:basename[:instance]")
	}
	switch parts[0] {
	case "service":
		id.Kind = registry.KindService
	case "task":
		id.Kind = registry.KindTask
	case "run":
		id.Kind = registry.KindRun
	case "inetd":
		id.Kind = registry.KindInetd
	case "tty":
		id.Kind = registry.KindTTY
	default:
		return id, errors.New("fifoctl: unknown target kind " + parts[0])
	}
	id.Basename = parts[1]
	if len(parts) == 3 {
		id.Instance = parts[2]
	}
	return id, nil
}
