package mevent

import (
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestDeleteCloseFromWorkerClosesFdOnce(t *testing.T) {
	l, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	fds, err := unixPipe2()
	if err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	r, w := fds[0], fds[1]
	defer unix.Close(w)

	var closes int32
	h, err := l.Add(r, EvRead, func(int, EvKind, any) {}, nil, true, func(any) {
		atomic.AddInt32(&closes, 1)
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.After(2 * time.Second)
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				if atomic.LoadInt32(&closes) == 1 {
					return
				}
			case <-deadline:
				return
			}
		}
	}()

	stop := make(chan struct{})
	go func() {
		if err := l.Dispatch(func() bool {
			select {
			case <-stop:
				return true
			default:
				return false
			}
		}); err != nil {
			t.Errorf("Dispatch: %v", err)
		}
	}()

	// Simulate a worker thread (not the dispatch goroutine) tearing down
	// the registration mid-flight; the self-pipe wakes the dispatcher,
	// which drains the delete list and closes the fd exactly once.
	if err := l.DeleteClose(h); err != nil {
		t.Fatalf("DeleteClose: %v", err)
	}

	<-done
	close(stop)
	l.Notify()

	if got := atomic.LoadInt32(&closes); got != 1 {
		t.Fatalf("teardown called %d times, want 1", got)
	}
	if err := unix.Close(r); err == nil {
		t.Fatalf("fd %d should already be closed by DeleteClose", r)
	}
}

func TestAddRejectsInvalidArgs(t *testing.T) {
	l, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	if _, err := l.Add(-1, EvRead, func(int, EvKind, any) {}, nil, false, nil); err != ErrInvalidFd {
		t.Fatalf("Add(-1, ...) = %v, want ErrInvalidFd", err)
	}
	fds, err := unixPipe2()
	if err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if _, err := l.Add(fds[0], EvRead, nil, nil, false, nil); err != ErrInvalidArg {
		t.Fatalf("Add with nil cb = %v, want ErrInvalidArg", err)
	}
	if _, err := l.Add(fds[0], EvTimer, func(int, EvKind, any) {}, nil, false, nil); err != ErrInvalidArg {
		t.Fatalf("Add with EvTimer = %v, want ErrInvalidArg", err)
	}
}

func TestAddIsIdempotentForSameFdAndKind(t *testing.T) {
	l, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	fds, err := unixPipe2()
	if err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	h1, err := l.Add(fds[0], EvRead, func(int, EvKind, any) {}, nil, false, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	h2, err := l.Add(fds[0], EvRead, func(int, EvKind, any) {}, nil, false, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("duplicate Add returned a different handle")
	}
}
