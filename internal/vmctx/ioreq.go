package vmctx

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/acrnhsm"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/mevent"
	"golang.org/x/sys/unix"
)

// ioreqRingBytes is one VHMRequestMax*256-byte page: the whole shared
// ioreq ring for a VM.
const ioreqRingBytes = acrnhsm.VHMRequestMax * 256

// mmapIoreqRing allocates the page-aligned, zero-filled shared buffer
// the hypervisor will read and write ioreq slots through. A plain
// anonymous mmap gives page alignment for free, which is exactly what
// the 4KiB-aligned shared page spec.md §6 describes requires.
func mmapIoreqRing() ([]byte, error) {
	return unix.Mmap(-1, 0, ioreqRingBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

// ioreqRingAddr returns the ring's address as the GPA-shaped uint64
// acrn_vm_creation.ioreq_buf expects.
func ioreqRingAddr(ring []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&ring[0])))
}

func (v *VM) slot(i int) *acrnhsm.IoreqEntry {
	return (*acrnhsm.IoreqEntry)(unsafe.Pointer(&v.ioreqRing[i*256]))
}

// AttachIoreqLoop creates and attaches this VM's ioreq client, then
// registers the hypervisor device fd with loop: once attached, readiness
// on that fd means one or more ring slots have moved to Pending for
// this client, which is the mevent-compatible wakeup spec.md §1/§2
// describe ("mevent wakes on an ioreq client fd").
func (v *VM) AttachIoreqLoop(loop *mevent.Loop) error {
	if v.dev == nil {
		return fmt.Errorf("vmctx: VM not created")
	}
	client, err := v.dev.CreateIoreqClient()
	if err != nil {
		return fmt.Errorf("vmctx: CREATE_IOREQ_CLIENT: %w", err)
	}
	v.ioreqClient = client
	if err := v.dev.AttachIoreqClient(client); err != nil {
		return fmt.Errorf("vmctx: ATTACH_IOREQ_CLIENT: %w", err)
	}
	h, err := loop.Add(v.dev.Fd(), mevent.EvRead, v.onIoreqReadable, nil, false, nil)
	if err != nil {
		return fmt.Errorf("vmctx: register ioreq client fd: %w", err)
	}
	v.ringHandle = h
	return nil
}

// DetachIoreqLoop unregisters the ioreq client fd from loop, if it was
// registered. loop may be nil when the loop itself is already gone;
// the handle is simply dropped in that case.
func (v *VM) DetachIoreqLoop(loop *mevent.Loop) {
	if v.ringHandle == nil {
		return
	}
	if loop != nil {
		loop.Delete(v.ringHandle)
	}
	v.ringHandle = nil
}

// onIoreqReadable scans every ring slot assigned to this VM's ioreq
// client and currently Pending, dispatches it, and publishes the
// completion. A slot whose Client field doesn't match is left alone
// entirely, per spec.md's "ioreq slot not owned by the current client
// is ignored" boundary case.
func (v *VM) onIoreqReadable(fd int, kind mevent.EvKind, param any) {
	for i := 0; i < acrnhsm.VHMRequestMax; i++ {
		entry := v.slot(i)
		if int(entry.Client) != v.ioreqClient {
			continue
		}
		if atomic.LoadInt32(&entry.Processed) != acrnhsm.ReqStatePending {
			continue
		}
		atomic.StoreInt32(&entry.Processed, acrnhsm.ReqStateProcessing)

		req := decodeIoreqEntry(i, entry)
		if err := v.DispatchIoreq(&req); err != nil {
			v.log.Warn("vmctx: dispatch ioreq failed", "vcpu", i, "type", req.Type, "error", err)
		} else if !req.IsWrite {
			encodeIoreqCompletion(entry, &req)
		}

		atomic.StoreInt32(&entry.Processed, acrnhsm.ReqStateComplete)
		if err := v.NotifyRequestDone(i); err != nil {
			v.log.Warn("vmctx: NOTIFY_REQUEST_FINISH failed", "vcpu", i, "error", err)
		}
	}
}

func decodeIoreqEntry(vcpu int, entry *acrnhsm.IoreqEntry) Ioreq {
	req := Ioreq{VCPU: vcpu, Client: int(entry.Client)}
	switch entry.Type {
	case acrnhsm.ReqPortIO:
		req.Type = IoreqPIO
		direction, addr, size, value := entry.PIO()
		req.Addr, req.Size, req.IsWrite, req.Data = addr, uint32(size), direction == acrnhsm.ReqDirectionWrite, uint64(value)
	case acrnhsm.ReqMMIO:
		req.Type = IoreqMMIO
		direction, addr, size, value := entry.MMIO()
		req.Addr, req.Size, req.IsWrite, req.Data = addr, uint32(size), direction == acrnhsm.ReqDirectionWrite, value
	case acrnhsm.ReqWP:
		req.Type = IoreqWP
		direction, addr, size, value := entry.MMIO()
		req.Addr, req.Size, req.IsWrite, req.Data = addr, uint32(size), direction == acrnhsm.ReqDirectionWrite, value
	case acrnhsm.ReqPCICfg:
		req.Type = IoreqPCICfg
		direction, size, value, bus, dev, fn, reg := entry.PCI()
		req.BDF = uint16(bus)<<8 | uint16(dev)<<3 | uint16(fn)
		req.Reg = uint32(reg)
		req.Size = uint32(size)
		req.IsWrite = direction == acrnhsm.ReqDirectionWrite
		req.Data = uint64(uint32(value))
	}
	req.State = StateProcessing
	return req
}

func encodeIoreqCompletion(entry *acrnhsm.IoreqEntry, req *Ioreq) {
	switch req.Type {
	case IoreqPIO:
		entry.SetPIOValue(uint32(req.Data))
	case IoreqMMIO, IoreqWP:
		entry.SetMMIOValue(req.Data)
	case IoreqPCICfg:
		entry.SetPCIValue(int32(req.Data))
	}
}
