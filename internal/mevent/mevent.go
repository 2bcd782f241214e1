// Package mevent implements a single-threaded cooperative event loop
// over epoll, modelled after the ioreq dispatch loop described for this
// device model: one thread owns almost all fd activity, and anything
// off that thread that needs to add, enable, disable or delete a
// registration does so through a small synchronized API backed by a
// self-pipe.
package mevent

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// EvKind is the kind of readiness a registration waits for.
type EvKind int

const (
	EvRead EvKind = iota
	EvWrite
	EvReadET
	EvWriteET
	// EvTimer exists only to be rejected by Add: timers are provided by
	// internal/vtimer, which itself registers an EvRead handle for the
	// underlying timerfd.
	EvTimer
	EvSignal
)

func (k EvKind) epollEvents() uint32 {
	switch k {
	case EvRead:
		return unix.EPOLLIN
	case EvReadET:
		return unix.EPOLLIN | unix.EPOLLET
	case EvWrite:
		return unix.EPOLLOUT
	case EvWriteET:
		return unix.EPOLLOUT | unix.EPOLLET
	case EvSignal:
		return unix.EPOLLIN
	default:
		return 0
	}
}

// Callback is invoked from the dispatch thread when fd becomes ready.
// Freeing a handle runs its Teardown instead.
type Callback func(fd int, kind EvKind, param any)

// Teardown is invoked exactly once when a handle is freed, after any
// close-on-delete fd close.
type Teardown func(param any)

type state int

const (
	stateAdded state = iota
	stateEnabled
	stateDisabled
	stateDelPending
)

// Handle is an opaque reference to a live registration.
type Handle struct {
	fd          int
	kind        EvKind
	cb          Callback
	param       any
	teardown    Teardown
	closeOnFree bool

	st state
}

var (
	// ErrInvalidFd is returned by Add when fd < 0.
	ErrInvalidFd = errors.New("mevent: invalid fd")
	// ErrInvalidArg is returned by Add when cb is nil or kind is EvTimer.
	ErrInvalidArg = errors.New("mevent: invalid argument")
)

// Loop is the dispatcher. The zero value is not usable; use New.
type Loop struct {
	epfd  int
	pipeR int
	pipeW int

	mu      sync.Mutex
	live    map[int]*Handle // keyed by fd, one live registration per fd
	delHead []*Handle

	log *slog.Logger

	dispatching bool
}

// New creates an event loop backed by a fresh epoll instance and a
// non-blocking self-pipe used by Notify.
func New(log *slog.Logger) (*Loop, error) {
	if log == nil {
		log = slog.Default()
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("mevent: epoll_create1: %w", err)
	}
	fds, err := unixPipe2()
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("mevent: pipe2: %w", err)
	}
	l := &Loop{
		epfd:  epfd,
		pipeR: fds[0],
		pipeW: fds[1],
		live:  make(map[int]*Handle),
		log:   log,
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, l.pipeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(l.pipeR),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(l.pipeR)
		unix.Close(l.pipeW)
		return nil, fmt.Errorf("mevent: register self-pipe: %w", err)
	}
	return l, nil
}

func unixPipe2() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return fds, err
	}
	return fds, nil
}

// Add registers fd for the given readiness kind. Duplicate adds of the
// same (fd, kind) return the existing handle.
func (l *Loop) Add(fd int, kind EvKind, cb Callback, param any, closeOnFree bool, teardown Teardown) (*Handle, error) {
	if fd < 0 {
		return nil, ErrInvalidFd
	}
	if cb == nil || kind == EvTimer {
		return nil, ErrInvalidArg
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.live[fd]; ok && existing.kind == kind && existing.st != stateDelPending {
		return existing, nil
	}

	h := &Handle{
		fd:          fd,
		kind:        kind,
		cb:          cb,
		param:       param,
		teardown:    teardown,
		closeOnFree: closeOnFree,
		st:          stateEnabled,
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: kind.epollEvents(),
		Fd:     int32(fd),
	}); err != nil {
		return nil, fmt.Errorf("mevent: epoll_ctl add fd=%d: %w", fd, err)
	}
	l.live[fd] = h
	return h, nil
}

// Enable re-arms a disabled handle.
func (l *Loop) Enable(h *Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h.st == stateDelPending {
		return fmt.Errorf("mevent: handle pending deletion")
	}
	h.st = stateEnabled
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, h.fd, &unix.EpollEvent{
		Events: h.kind.epollEvents(),
		Fd:     int32(h.fd),
	})
}

// Disable masks a handle without unregistering it.
func (l *Loop) Disable(h *Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h.st == stateDelPending {
		return nil
	}
	h.st = stateDisabled
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, h.fd, &unix.EpollEvent{
		Events: 0,
		Fd:     int32(h.fd),
	})
}

// Delete removes h without closing its fd.
func (l *Loop) Delete(h *Handle) error {
	return l.delete(h, false)
}

// DeleteClose removes h and closes its fd before the teardown callback runs.
func (l *Loop) DeleteClose(h *Handle) error {
	return l.delete(h, true)
}

func (l *Loop) delete(h *Handle, closeFd bool) error {
	l.mu.Lock()
	if h.st == stateDelPending {
		l.mu.Unlock()
		return nil
	}
	h.closeOnFree = h.closeOnFree || closeFd
	onDispatchThread := l.dispatching && l.isDispatchGoroutine()
	if onDispatchThread {
		delete(l.live, h.fd)
		l.mu.Unlock()
		l.free(h)
		return nil
	}
	h.st = stateDelPending
	l.delHead = append(l.delHead, h)
	l.mu.Unlock()
	return l.Notify()
}

// isDispatchGoroutine is a best-effort check; Go has no portable thread
// identity, so Delete conservatively treats every non-Dispatch caller as
// off-thread. Callers invoking Delete from inside their own mevent
// callback get the fast synchronous path via DeleteFromCallback.
func (l *Loop) isDispatchGoroutine() bool { return false }

// DeleteFromCallback is Delete's fast path for use only from inside a
// Callback running on the dispatch thread itself (e.g. a device that
// deletes its own handle while handling its own readiness).
func (l *Loop) DeleteFromCallback(h *Handle, closeFd bool) {
	l.mu.Lock()
	h.closeOnFree = h.closeOnFree || closeFd
	delete(l.live, h.fd)
	l.mu.Unlock()
	l.free(h)
}

func (l *Loop) free(h *Handle) {
	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, h.fd, nil)
	if h.closeOnFree {
		unix.Close(h.fd)
	}
	if h.teardown != nil {
		h.teardown(h.param)
	}
}

// Notify wakes a blocked Dispatch call from any goroutine.
func (l *Loop) Notify() error {
	var b [1]byte
	_, err := unix.Write(l.pipeW, b[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("mevent: notify: %w", err)
	}
	return nil
}

func (l *Loop) drainSelfPipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.pipeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
		if n < len(buf) {
			return
		}
	}
}

// Dispatch blocks processing readiness events until done returns true.
// The calling goroutine becomes the dispatch thread: further calls to
// Delete/DeleteClose from other goroutines will enqueue instead of
// freeing directly.
func (l *Loop) Dispatch(done func() bool) error {
	l.mu.Lock()
	l.dispatching = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.dispatching = false
		l.mu.Unlock()
	}()

	events := make([]unix.EpollEvent, 64)
	for {
		if done != nil && done() {
			return nil
		}
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			l.log.Error("mevent: epoll_wait failed, exiting dispatch loop", "error", err)
			return fmt.Errorf("mevent: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.pipeR {
				l.drainSelfPipe()
				continue
			}
			l.mu.Lock()
			h, ok := l.live[fd]
			l.mu.Unlock()
			if !ok || h.st != stateEnabled {
				continue
			}
			h.cb(h.fd, h.kind, h.param)
		}
		l.drainDeleteList()
	}
}

func (l *Loop) drainDeleteList() {
	l.mu.Lock()
	pending := l.delHead
	l.delHead = nil
	for _, h := range pending {
		delete(l.live, h.fd)
	}
	l.mu.Unlock()
	for _, h := range pending {
		l.free(h)
	}
}

// Close releases the epoll fd and self-pipe. It does not free live
// handles; callers should Delete or DeleteClose everything first.
func (l *Loop) Close() error {
	unix.Close(l.pipeR)
	unix.Close(l.pipeW)
	return unix.Close(l.epfd)
}
