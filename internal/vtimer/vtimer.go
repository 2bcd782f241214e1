// Package vtimer is a thin layer over Linux timerfd, registered with
// internal/mevent. It is the posix-timer primitive vHPET and vPIT build
// their rotating-slot pattern on top of.
package vtimer

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/mevent"
)

// Clock selects the clock backing a Timer.
type Clock int

const (
	ClockRealtime Clock = iota
	ClockMonotonic
)

func (c Clock) unixClockID() int32 {
	if c == ClockMonotonic {
		return unix.CLOCK_MONOTONIC
	}
	return unix.CLOCK_REALTIME
}

// ExpireFunc is called with the number of expirations coalesced into a
// single readiness notification. It is only called when nexp > 0.
type ExpireFunc func(nexp uint64)

// Timer wraps one timerfd registered with a mevent.Loop.
type Timer struct {
	loop   *mevent.Loop
	fd     int
	handle *mevent.Handle
	cb     ExpireFunc
}

// Init creates a non-blocking, close-on-exec timerfd on the given clock,
// registers a read handle with loop, and stores cb. The timer is created
// disarmed; call SetTime to arm it.
func Init(loop *mevent.Loop, clock Clock, cb ExpireFunc) (*Timer, error) {
	if clock != ClockRealtime && clock != ClockMonotonic {
		return nil, fmt.Errorf("vtimer: unsupported clock %d", clock)
	}
	fd, err := unix.TimerfdCreate(int(clock.unixClockID()), unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("vtimer: timerfd_create: %w", err)
	}
	t := &Timer{loop: loop, fd: fd, cb: cb}
	h, err := loop.Add(fd, mevent.EvRead, t.onReadable, nil, true, nil)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vtimer: mevent.Add: %w", err)
	}
	t.handle = h
	return t, nil
}

func (t *Timer) onReadable(fd int, _ mevent.EvKind, _ any) {
	var buf [8]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil || n != 8 {
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			// A timerfd read failing with anything but EAGAIN means the
			// fd is no longer trustworthy as a timer source.
		}
		return
	}
	nexp := uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
		uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56
	if nexp > 0 && t.cb != nil {
		t.cb(nexp)
	}
}

// SetTime arms (or disarms, if value is zero) the timer relative to now.
// interval is the periodic reload value; zero makes it one-shot.
func (t *Timer) SetTime(value, interval int64) error {
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(value),
		Interval: unix.NsecToTimespec(interval),
	}
	return unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

// SetTimeAbs arms the timer to fire at an absolute time on its clock.
func (t *Timer) SetTimeAbs(absValue, interval int64) error {
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(absValue),
		Interval: unix.NsecToTimespec(interval),
	}
	return unix.TimerfdSettime(t.fd, unix.TFD_TIMER_ABSTIME, &spec, nil)
}

// GetTime reports the remaining time and reload interval.
func (t *Timer) GetTime() (remaining, interval int64, err error) {
	var spec unix.ItimerSpec
	if err := unix.TimerfdGettime(t.fd, &spec); err != nil {
		return 0, 0, err
	}
	return spec.Value.Nano(), spec.Interval.Nano(), nil
}

// Deinit deletes the mevent registration (closing the fd) and nulls the
// callback so a racing expiration already queued cannot observe it.
func (t *Timer) Deinit() {
	t.cb = nil
	if t.handle != nil {
		t.loop.DeleteClose(t.handle)
		t.handle = nil
	}
}

// RotatingSlot holds three underlying Timer instances so a stopped timer
// whose expiration callback is still in flight on another goroutine can
// never be confused with a freshly armed one: Restart always moves to
// the next slot and creates a brand new Timer there, and a callback
// closed over a specific slot index checks that it is still current
// before acting on it (see vhpet/vpit for the check).
type RotatingSlot struct {
	loop  *mevent.Loop
	clock Clock
	make  func(nexp uint64, slot int)

	slots [3]*Timer
	cur   int
}

// NewRotatingSlot builds an empty rotating slot set. onExpire receives the
// slot index that fired so callers can discard stale firings from a slot
// that is no longer current.
func NewRotatingSlot(loop *mevent.Loop, clock Clock, onExpire func(nexp uint64, slot int)) *RotatingSlot {
	return &RotatingSlot{loop: loop, clock: clock, make: onExpire}
}

// Current returns the index of the active slot.
func (r *RotatingSlot) Current() int { return r.cur }

// Restart stops whatever is running in the current slot (if anything),
// advances to the next slot, arms a fresh timerfd there, and returns the
// new slot's index.
func (r *RotatingSlot) Restart(value, interval int64) (int, error) {
	r.stopCurrent()
	r.cur = (r.cur + 1) % len(r.slots)
	slot := r.cur
	timer, err := Init(r.loop, r.clock, func(nexp uint64) {
		if r.make != nil {
			r.make(nexp, slot)
		}
	})
	if err != nil {
		return r.cur, err
	}
	if err := timer.SetTime(value, interval); err != nil {
		timer.Deinit()
		return r.cur, err
	}
	r.slots[slot] = timer
	return slot, nil
}

// RestartAbs is Restart using an absolute deadline on the slot's clock.
func (r *RotatingSlot) RestartAbs(absValue, interval int64) (int, error) {
	r.stopCurrent()
	r.cur = (r.cur + 1) % len(r.slots)
	slot := r.cur
	timer, err := Init(r.loop, r.clock, func(nexp uint64) {
		if r.make != nil {
			r.make(nexp, slot)
		}
	})
	if err != nil {
		return r.cur, err
	}
	if err := timer.SetTimeAbs(absValue, interval); err != nil {
		timer.Deinit()
		return r.cur, err
	}
	r.slots[slot] = timer
	return slot, nil
}

func (r *RotatingSlot) stopCurrent() {
	if t := r.slots[r.cur]; t != nil {
		t.Deinit()
		r.slots[r.cur] = nil
	}
}

// Stop disarms whichever slot is currently running.
func (r *RotatingSlot) Stop() {
	r.stopCurrent()
}

// IsCurrent reports whether slot is still the active one, for use inside
// an onExpire callback to discard a stale firing.
func (r *RotatingSlot) IsCurrent(slot int) bool {
	return slot == r.cur
}
