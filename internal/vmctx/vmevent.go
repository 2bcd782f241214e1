package vmctx

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/acrnhsm"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/mevent"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/vtimer"
	"golang.org/x/sys/unix"
)

const (
	vmEventRingDataOffset = 64
	vmEventRingSlotSize   = 64
	vmEventRingCapacity   = 32
	vmEventRingBytes      = vmEventRingDataOffset + vmEventRingCapacity*vmEventRingSlotSize

	// throttleRate caps each event type to one event per throttleWindow,
	// matching vm_event.c's ve_proc throttle_rate=1.
	throttleRate   = 1
	throttleWindow = 1 // seconds
)

// vmEventTunnel is one direction of the VM-event sideband: a ring of
// fixed-size VMEvent slots backed by an mmap'd page, plus an eventfd
// used to wake whichever side is draining it. HV and DM tunnels share
// this same shape; only who writes and who reads differs.
type vmEventTunnel struct {
	ring   []byte
	mu     sync.Mutex
	kickFD int
	handle *mevent.Handle
}

func newVMEventTunnel() (*vmEventTunnel, error) {
	ring, err := unix.Mmap(-1, 0, vmEventRingBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap vm-event ring: %w", err)
	}
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Munmap(ring)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	t := &vmEventTunnel{ring: ring, kickFD: fd}
	hdr := t.header()
	hdr.Magic = acrnhsm.VMEventRingMagic
	hdr.ElemSize = vmEventRingSlotSize
	hdr.ElemNum = vmEventRingCapacity
	return t, nil
}

func (t *vmEventTunnel) header() *acrnhsm.VMEventRingHeader {
	return (*acrnhsm.VMEventRingHeader)(unsafe.Pointer(&t.ring[0]))
}

func (t *vmEventTunnel) slot(i uint32) *acrnhsm.VMEvent {
	off := vmEventRingDataOffset + (i%vmEventRingCapacity)*vmEventRingSlotSize
	return (*acrnhsm.VMEvent)(unsafe.Pointer(&t.ring[off]))
}

// put appends ev to the ring. It reports false, dropping the event, if
// the ring is full -- matching the original's "events will be dropped
// if sbuf is full" comment rather than blocking the caller.
func (t *vmEventTunnel) put(ev acrnhsm.VMEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	hdr := t.header()
	if hdr.Tail-hdr.Head >= vmEventRingCapacity {
		hdr.Overrun++
		return false
	}
	*t.slot(hdr.Tail) = ev
	hdr.Tail++
	return true
}

// get pops the oldest event off the ring, if any.
func (t *vmEventTunnel) get() (acrnhsm.VMEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hdr := t.header()
	if hdr.Head == hdr.Tail {
		return acrnhsm.VMEvent{}, false
	}
	ev := *t.slot(hdr.Head)
	hdr.Head++
	return ev, true
}

func (t *vmEventTunnel) kick() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(t.kickFD, buf[:])
	return err
}

func (t *vmEventTunnel) close(loop *mevent.Loop) {
	if t.handle != nil && loop != nil {
		loop.Delete(t.handle)
	}
	unix.Close(t.kickFD)
	unix.Munmap(t.ring)
}

// eventThrottle rate-limits one VMEventType to throttleRate events per
// throttleWindow, each type ticking down on its own vtimer.Timer -- the
// original gives every ve_proc entry its own acrn_timer rather than
// sharing one across types, and this mirrors that.
type eventThrottle struct {
	mu      sync.Mutex
	counter int
	dropped int
	timer   *vtimer.Timer
}

func (e *eventThrottle) allow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.counter/throttleWindow >= throttleRate {
		e.dropped++
		return false
	}
	e.counter++
	return true
}

func (e *eventThrottle) reset(uint64) {
	e.mu.Lock()
	e.counter = 0
	e.mu.Unlock()
}

// vmEventTunnels owns the VM-event sideband: the hypervisor-to-DM
// tunnel (HV writes, this side drains), the DM-to-hypervisor tunnel
// (this side writes, HV drains passively), and per-event-type
// throttling. Grounded on vm_event.c's vm_event_init/vm_event_thread/
// emit_vm_event: a single epoll-style drain point services both
// tunnels uniformly, and throttling only ever gates the emit path.
type vmEventTunnels struct {
	dev  *acrnhsm.Device
	loop *mevent.Loop
	log  logger

	hv, dm   *vmEventTunnel
	throttle [int(acrnhsm.VMEventTripleFault) + 1]*eventThrottle
}

// logger is the subset of *slog.Logger this file needs, kept narrow so
// vmevent.go doesn't have to import log/slog just to accept one.
type logger interface {
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// initVMEvents sets up both tunnels and starts draining them on loop.
// Per create_event_tunnel, only the HV tunnel is registered with the
// hypervisor via SETUP_VM_EVENT_RING/SETUP_VM_EVENT_FD; the DM tunnel's
// ring and eventfd exist purely so this process can post its own
// events back through the same drain path.
func initVMEvents(dev *acrnhsm.Device, loop *mevent.Loop, log logger) (*vmEventTunnels, error) {
	hv, err := newVMEventTunnel()
	if err != nil {
		return nil, fmt.Errorf("vmctx: hv vm-event tunnel: %w", err)
	}
	if err := dev.SetupVMEventRing(hv.header()); err != nil {
		hv.close(nil)
		return nil, fmt.Errorf("vmctx: SETUP_VM_EVENT_RING: %w", err)
	}
	if err := dev.SetupVMEventFd(hv.kickFD); err != nil {
		hv.close(nil)
		return nil, fmt.Errorf("vmctx: SETUP_VM_EVENT_FD: %w", err)
	}

	dm, err := newVMEventTunnel()
	if err != nil {
		hv.close(nil)
		return nil, fmt.Errorf("vmctx: dm vm-event tunnel: %w", err)
	}

	events := &vmEventTunnels{dev: dev, loop: loop, log: log, hv: hv, dm: dm}

	hv.handle, err = loop.Add(hv.kickFD, mevent.EvRead, events.onTunnelReadable, hv, false, nil)
	if err != nil {
		hv.close(nil)
		dm.close(nil)
		return nil, fmt.Errorf("vmctx: register hv vm-event fd: %w", err)
	}
	dm.handle, err = loop.Add(dm.kickFD, mevent.EvRead, events.onTunnelReadable, dm, false, nil)
	if err != nil {
		events.deinit()
		return nil, fmt.Errorf("vmctx: register dm vm-event fd: %w", err)
	}

	for i := range events.throttle {
		th := &eventThrottle{}
		timer, err := vtimer.Init(loop, vtimer.ClockMonotonic, th.reset)
		if err != nil {
			events.deinit()
			return nil, fmt.Errorf("vmctx: vm-event throttle timer: %w", err)
		}
		if err := timer.SetTime(int64(throttleWindow)*1e9, int64(throttleWindow)*1e9); err != nil {
			events.deinit()
			return nil, fmt.Errorf("vmctx: arm vm-event throttle timer: %w", err)
		}
		th.timer = timer
		events.throttle[i] = th
	}

	return events, nil
}

func (ev *vmEventTunnels) deinit() {
	for _, th := range ev.throttle {
		if th != nil && th.timer != nil {
			th.timer.Deinit()
		}
	}
	if ev.hv != nil {
		ev.hv.close(ev.loop)
	}
	if ev.dm != nil {
		ev.dm.close(ev.loop)
	}
}

// onTunnelReadable drains every event queued on the fired tunnel's ring,
// handing each to handleVMEvent. Both the HV and DM tunnels funnel
// through this one callback, matching vm_event_thread's single
// epoll_wait loop servicing MAX_EPOLL_EVENTS tunnels uniformly.
func (ev *vmEventTunnels) onTunnelReadable(fd int, kind mevent.EvKind, param any) {
	t := param.(*vmEventTunnel)
	var buf [8]byte
	unix.Read(t.kickFD, buf[:])
	for {
		e, ok := t.get()
		if !ok {
			break
		}
		ev.handleVMEvent(e)
	}
}

// handleVMEvent is the ve_handler equivalent: this tree has no JSON
// event-bus/monitor socket to forward to, so structured logging is the
// sink, at a level matching each event's severity.
func (ev *vmEventTunnels) handleVMEvent(e acrnhsm.VMEvent) {
	switch e.Type {
	case acrnhsm.VMEventRTCChange:
		ev.log.Info("vmctx: vm event: RTC change")
	case acrnhsm.VMEventPoweroff:
		ev.log.Info("vmctx: vm event: guest poweroff")
	case acrnhsm.VMEventTripleFault:
		ev.log.Warn("vmctx: vm event: triple fault")
	default:
		ev.log.Warn("vmctx: vm event: unknown type", "type", e.Type)
	}
}

// SendVMEvent posts a DM-originated event (dm_send_vm_event's
// equivalent): throttled per event type (hypervisor-originated events
// are not throttled), queued on the DM tunnel, then drained by the same
// onTunnelReadable path used for the HV tunnel.
func (ev *vmEventTunnels) SendVMEvent(t acrnhsm.VMEventType, data [56]byte) error {
	if int(t) >= len(ev.throttle) {
		return fmt.Errorf("vmctx: unknown vm event type %v", t)
	}
	if !ev.throttle[t].allow() {
		return nil
	}
	if !ev.dm.put(acrnhsm.VMEvent{Type: t, Data: data}) {
		return fmt.Errorf("vmctx: dm vm-event ring full, event dropped")
	}
	return ev.dm.kick()
}
