// Package eventloop is the single-threaded reactor stepinit runs on:
// one epoll instance multiplexing a signalfd, a timerfd, and any other
// file descriptor a caller registers. No
// business logic ever runs inside a real asynchronous signal handler;
// signals are converted into ordinary readable-fd events the same way
// a raw socket read is turned into bytes elsewhere in this codebase,
// following the same "open a raw fd, bind unix.Syscall primitives to
// it, read framed data off it" shape the ingesters/canbus package uses
// for its CAN socket.
package eventloop

import (
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sixfold/stepinit/internal/logging"
)

// Handler is called when fd becomes readable. It must not block: the
// whole point of the loop is that one slow handler stalls every other
// record's reconciliation.
type Handler func(fd int)

// Loop owns the epoll instance and the registered watch set.
type Loop struct {
	epfd     int
	sigfd    int
	timerfd  int
	log      *logging.Logger
	mtx      sync.Mutex
	handlers map[int]Handler
	stop     chan struct{}
}

// New creates the epoll instance and arms a signalfd for the signals
// the supervisor needs to observe (SIGCHLD to trigger a reap pass,
// SIGHUP to trigger a config reload, SIGTERM/SIGINT to begin an
// orderly runlevel-0 shutdown).
func New(lg *logging.Logger, signals ...unix.Signal) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	var mask unix.Sigset_t
	for _, s := range signals {
		addSignal(&mask, s)
	}
	if err := unix.SigprocMask(unix.SIG_BLOCK, &mask, nil); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	sigfd, err := unix.Signalfd(-1, &mask, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	l := &Loop{
		epfd:     epfd,
		sigfd:    sigfd,
		log:      lg,
		handlers: make(map[int]Handler),
		stop:     make(chan struct{}),
	}
	if err := l.Register(sigfd, nil); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func addSignal(set *unix.Sigset_t, s unix.Signal) {
	// unix.Sigset_t is a fixed-size bit array; SIGINT(2) sets bit 1 of
	// the first word on every Linux arch Go supports.
	word := (s - 1) / 32
	bit := uint32(s-1) % 32
	set.Val[word] |= 1 << bit
}

// Register adds fd to the poll set. If handler is nil, Run reports the
// fd's readiness through its onSignal (for the signalfd) or
// onUnhandledReadable callback instead.
func (l *Loop) Register(fd int, handler Handler) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	if handler != nil {
		l.handlers[fd] = handler
	}
	return nil
}

// Unregister removes fd from the poll set and drops its handler.
func (l *Loop) Unregister(fd int) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	delete(l.handlers, fd)
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// SignalFD returns the fd the loop reads signalfd_siginfo records from.
func (l *Loop) SignalFD() int { return l.sigfd }

// ArmTimer creates (on first call) or rearms the loop's timerfd to
// fire once after d elapses, used to wake the supervisor for a
// respawn cooldown or a stop-signal kill-timer deadline without
// busy-polling. Registering it with the epoll set is the caller's
// responsibility via Register(fd, handler) using the returned fd.
func (l *Loop) ArmTimer(d time.Duration) (int, error) {
	if l.timerfd == 0 {
		fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
		if err != nil {
			return 0, err
		}
		l.timerfd = fd
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(l.timerfd, 0, &spec, nil); err != nil {
		return 0, err
	}
	return l.timerfd, nil
}

// DrainTimer consumes the 8-byte expiration counter a readable
// timerfd delivers so the next EpollWait doesn't immediately fire
// again on the same expiry.
func (l *Loop) DrainTimer() error {
	var buf [8]byte
	_, err := unix.Read(l.timerfd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

const maxEvents = 64

// Run blocks, dispatching readable fds to their registered handlers,
// until Stop is called. A readable signalfd is reported via onSignal,
// and any other readable fd without a handler (such as the timerfd) via
// onUnhandledReadable, so the caller -- which
// owns the supervisor's reap/step_all sequencing -- can read and act
// on them in the right order relative to StepAll.
func (l *Loop) Run(onSignal func(), onUnhandledReadable func(fd int)) error {
	events := make([]unix.EpollEvent, maxEvents)
	for {
		select {
		case <-l.stop:
			return nil
		default:
		}
		n, err := unix.EpollWait(l.epfd, events, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.sigfd {
				if onSignal != nil {
					onSignal()
				}
				continue
			}
			l.mtx.Lock()
			h, ok := l.handlers[fd]
			l.mtx.Unlock()
			if ok {
				h(fd)
			} else if onUnhandledReadable != nil {
				onUnhandledReadable(fd)
			}
		}
	}
}

// Stop causes a blocked Run to return at the next wakeup.
func (l *Loop) Stop() {
	close(l.stop)
}

// Close releases the epoll and signalfd descriptors.
func (l *Loop) Close() error {
	if l.timerfd != 0 {
		unix.Close(l.timerfd)
	}
	unix.Close(l.sigfd)
	return unix.Close(l.epfd)
}

// ReadSignals drains pending signalfd_siginfo records, returning the
// set of signal numbers observed since the last call.
func (l *Loop) ReadSignals() ([]unix.Signal, error) {
	var sigs []unix.Signal
	buf := make([]byte, unix.SizeofSignalfdSiginfo)
	for {
		n, err := unix.Read(l.sigfd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				return sigs, nil
			}
			return sigs, err
		}
		if n < int(unix.SizeofSignalfdSiginfo) {
			return sigs, nil
		}
		info := (*unix.SignalfdSiginfo)(unsafe.Pointer(&buf[0]))
		sigs = append(sigs, unix.Signal(info.Signo))
	}
}
