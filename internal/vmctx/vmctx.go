// Package vmctx implements the VM context: the hypervisor handle, guest
// memory layout, and ioreq dispatch loop that ties a chipset.Chipset to
// the hypervisor device node, /dev/acrn_vhm or /dev/acrn_hsm (spec.md §3, §4.3).
//
// Grounded on internal/hv/kvm.NewVirtualMachine's creation
// sequence (open device node, create, map memory, run loop) for the
// overall lifecycle shape, adapted from KVM's own-the-vCPUs model to
// ACRN's ioreq-forwarding model: this VM context never executes a guest
// instruction itself, it only answers ioreqs the hypervisor forwards.
package vmctx

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/acrnerr"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/acrnhsm"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/chipset"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/hugetlb"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/mevent"
	"golang.org/x/sys/unix"
)

const (
	// LowMemLimit is the fixed boundary below which low memory must fit,
	// per spec.md §3: lowmem <= lowmem_limit.
	LowMemLimit = 0xC000_0000 // 3 GiB

	// HighMemBase is the fixed GPA base for high memory when requested
	// size exceeds LowMemLimit.
	HighMemBase = 0x1_0000_0000 // 4 GiB

	// MinLowMem is the minimum permitted low-memory size.
	MinLowMem = 128 * 1024 * 1024

	maxMemRegions = 16
)

// IoreqType is the type tag of a single ioreq slot.
type IoreqType uint32

const (
	IoreqFree IoreqType = iota
	IoreqPIO
	IoreqMMIO
	IoreqPCICfg
	IoreqWP
)

// IoreqState is the slot's lifecycle state, per spec.md §3:
// FREE -> PENDING -> PROCESSING -> COMPLETE -> FREE.
type IoreqState uint32

const (
	StateFree IoreqState = iota
	StatePending
	StateProcessing
	StateComplete
)

// Ioreq is one 256-byte shared-ring slot, decoded into Go fields. The
// wire layout lives in the ring buffer this type is marshalled from;
// Ioreq itself is the working copy the dispatch loop operates on.
type Ioreq struct {
	VCPU       int
	Type       IoreqType
	Completion bool // completion-polling flag
	Addr       uint64
	Size       uint32
	IsWrite    bool
	Data       uint64
	Client     int
	State      IoreqState

	// BDF and Reg are populated only for IoreqPCICfg; Addr/Size carry
	// the port/MMIO address for every other type.
	BDF uint16
	Reg uint32
}

// MemRegion describes one mapped guest memory region (spec.md §3).
type MemRegion struct {
	GPAStart uint64
	GPAEnd   uint64
	FD       int
	FDOffset int64
	HVA      uintptr
}

// E820Entry mirrors one guest E820 table row.
type E820Entry struct {
	BaseAddr uint64
	Length   uint64
	Type     uint32
}

const (
	E820TypeRAM      = 1
	E820TypeReserved = 2
	E820TypeACPIData = 3
	E820TypeACPINVS  = 4
)

// BSPRegs is the BSP register-init block (spec.md §3), reusing
// acrnhsm.VCPURegs's ABI-exact layout.
type BSPRegs = acrnhsm.VCPURegs

// GfxRelocateFunc is invoked when a graphics-passthrough BAR must be
// relocated ahead of guest memory setup.
type GfxRelocateFunc func(bar uint64) (uint64, error)

// VM is one guest's context: everything vm_create/vm_destroy and
// vm_setup_memory/vm_unsetup_memory manage (spec.md §3).
type VM struct {
	dev  *acrnhsm.Device
	log  *slog.Logger
	Name string
	UUID [16]byte
	vmid uint16

	LowMem  uint64
	HighMem uint64
	BIOSMem uint64
	FBMem   uint64

	GfxPassthrough bool
	GfxRelocate    GfxRelocateFunc

	BSP BSPRegs

	alloc   *hugetlb.Allocator
	regions []MemRegion

	chip *chipset.Chipset

	vcpuNum     uint16
	ioreqRing   []byte // mmap'd VHMRequestMax*256-byte page, shared with the hypervisor
	ioreqClient int
	ringHandle  *mevent.Handle

	events *vmEventTunnels

	mu sync.Mutex
}

// VCPUNum returns the vCPU count the hypervisor assigned this VM at
// CREATE_VM time. Valid only after Create returns successfully.
func (v *VM) VCPUNum() uint16 { return v.vcpuNum }

// Option configures New.
type Option func(*VM)

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option { return func(v *VM) { v.log = l } }

// New builds a VM context. It does not touch the hypervisor; call
// Create to do that.
func New(name string, uuid [16]byte, lowmem, highmem, biosmem, fbmem uint64, chip *chipset.Chipset, opts ...Option) (*VM, error) {
	if lowmem < MinLowMem {
		return nil, fmt.Errorf("vmctx: lowmem %d below minimum %d", lowmem, MinLowMem)
	}
	if lowmem > LowMemLimit {
		return nil, fmt.Errorf("vmctx: lowmem %d exceeds lowmem_limit %d", lowmem, LowMemLimit)
	}
	if lowmem+highmem <= LowMemLimit && highmem != 0 {
		return nil, fmt.Errorf("vmctx: highmem must be 0 when total requested memory fits under lowmem_limit")
	}
	v := &VM{
		Name: name, UUID: uuid,
		LowMem: lowmem, HighMem: highmem, BIOSMem: biosmem, FBMem: fbmem,
		chip: chip,
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Create opens the hypervisor device node, mmaps the shared ioreq ring,
// and issues CREATE_VM with its address, retrying on a transient
// failure up to 10 times with a 500ms backoff, per spec.md §7's
// TransientHV policy. On success it records the vCPU count the
// hypervisor assigned, retrievable via VCPUNum.
func (v *VM) Create(affinity uint64, flags uint64) error {
	ring, err := mmapIoreqRing()
	if err != nil {
		return fmt.Errorf("vmctx: map ioreq ring: %w", err)
	}

	dev, err := acrnhsm.Open()
	if err != nil {
		unix.Munmap(ring)
		return fmt.Errorf("vmctx: open hypervisor device: %w", err)
	}
	v.dev = dev
	v.ioreqRing = ring

	req := &acrnhsm.VMCreate{
		UUID:        v.UUID,
		VMFlag:      flags,
		CPUAffinity: affinity,
		IOReqBufGPA: ioreqRingAddr(ring),
	}

	var lastErr error
	kind := acrnerr.TransientHV
	for attempt := 0; attempt < 10; attempt++ {
		if attempt > 0 {
			time.Sleep(500 * time.Millisecond)
		}
		lastErr = v.dev.CreateVM(req)
		if lastErr == nil {
			v.vmid = req.VMID
			v.vcpuNum = req.VCPUNum
			return nil
		}
		if acrnhsm.MapErrno(lastErr) != acrnhsm.ErrFatal {
			// The driver doesn't implement or has retired this opcode;
			// retrying can never succeed.
			kind = acrnerr.FatalHV
			break
		}
		v.log.Warn("vmctx: CREATE_VM failed, retrying", "attempt", attempt, "error", lastErr)
	}
	v.dev.Close()
	v.dev = nil
	unix.Munmap(v.ioreqRing)
	v.ioreqRing = nil
	return acrnerr.Wrap(kind, "vmctx: CREATE_VM", lastErr)
}

// Destroy tears the VM down at the hypervisor and releases the device
// handle. It does not unmap memory; call UnsetupMemory first.
func (v *VM) Destroy() error {
	if v.dev == nil {
		return nil
	}
	if v.events != nil {
		v.events.deinit()
		v.events = nil
	}
	v.DetachIoreqLoop(nil)
	if v.ioreqClient != 0 {
		v.dev.DestroyIoreqClient(v.ioreqClient)
		v.ioreqClient = 0
	}
	err := v.dev.DestroyVM()
	closeErr := v.dev.Close()
	v.dev = nil
	if v.ioreqRing != nil {
		unix.Munmap(v.ioreqRing)
		v.ioreqRing = nil
	}
	if err != nil {
		return fmt.Errorf("vmctx: DESTROY_VM: %w", err)
	}
	return closeErr
}

// Run issues START_VM (vm_run in spec.md §4.3), the point at which the
// guest's vCPUs actually start executing.
func (v *VM) Run() error {
	if v.dev == nil {
		return fmt.Errorf("vmctx: VM not created")
	}
	return v.dev.StartVM()
}

// Pause issues PAUSE_VM.
func (v *VM) Pause() error {
	if v.dev == nil {
		return fmt.Errorf("vmctx: VM not created")
	}
	return v.dev.PauseVM()
}

// Reset issues RESET_VM.
func (v *VM) Reset() error {
	if v.dev == nil {
		return fmt.Errorf("vmctx: VM not created")
	}
	return v.dev.ResetVM()
}

// ClearIoreq issues CLEAR_VM_IOREQ, flushing any outstanding ioreq
// state. Callers use this ahead of a system/full reset, matching
// vmmapi.c's separate vm_clear_ioreq entry point.
func (v *VM) ClearIoreq() error {
	if v.dev == nil {
		return fmt.Errorf("vmctx: VM not created")
	}
	return v.dev.ClearVMIoreq()
}

// InitVMEvents sets up the HV and DM vm-event tunnels and starts
// draining them on loop. Call once, after Create, before Run.
func (v *VM) InitVMEvents(loop *mevent.Loop) error {
	if v.dev == nil {
		return fmt.Errorf("vmctx: VM not created")
	}
	events, err := initVMEvents(v.dev, loop, v.log)
	if err != nil {
		return err
	}
	v.events = events
	return nil
}

// SendVMEvent posts a DM-originated vm event (an RTC change noticed by
// an emulated device, for instance) onto the DM->HV tunnel.
func (v *VM) SendVMEvent(t acrnhsm.VMEventType, data [56]byte) error {
	if v.events == nil {
		return fmt.Errorf("vmctx: vm events not initialized")
	}
	return v.events.SendVMEvent(t, data)
}

// SetupMemory allocates guest RAM through internal/hugetlb, maps each
// region, and registers it with the hypervisor via SET_MEMSEG.
func (v *VM) SetupMemory(baseDir string) error {
	alloc, err := hugetlb.NewAllocator(baseDir, v.log)
	if err != nil {
		return fmt.Errorf("vmctx: hugetlb allocator: %w", err)
	}
	plan, err := alloc.Plan(v.LowMem, v.HighMem, v.BIOSMem, v.FBMem)
	if err != nil {
		return fmt.Errorf("vmctx: plan memory: %w", err)
	}
	mapped, err := alloc.Materialize(plan)
	if err != nil {
		return fmt.Errorf("vmctx: materialize memory: %w", err)
	}
	v.alloc = alloc

	for _, seg := range mapped {
		if len(v.regions) >= maxMemRegions {
			v.unwindRegions()
			return fmt.Errorf("vmctx: exceeded %d memory regions", maxMemRegions)
		}
		v.regions = append(v.regions, MemRegion{
			GPAStart: seg.GPA,
			GPAEnd:   seg.GPA + seg.Size,
			FD:       seg.FD,
			FDOffset: seg.FDOffset,
			HVA:      seg.HVA,
		})
		m := &acrnhsm.VMMemMap{
			Type:   acrnhsm.MemMapTypeRAM,
			GPA:    seg.GPA,
			VMAddr: uint64(seg.HVA),
			Len:    seg.Size,
			Attr:   acrnhsm.MemAttrRead | acrnhsm.MemAttrWrite | acrnhsm.MemAttrExecute,
		}
		if err := v.dev.SetMemSeg(m); err != nil {
			v.unwindRegions()
			return fmt.Errorf("vmctx: SET_MEMSEG gpa=0x%x: %w", seg.GPA, err)
		}
	}
	return nil
}

// UnsetupMemory reverses SetupMemory in strict reverse order (unmap EPT,
// then munmap, then release memfds, then the guard VMA), per spec.md §7.
func (v *VM) UnsetupMemory() error {
	v.unwindRegions()
	if v.alloc != nil {
		return v.alloc.Release()
	}
	return nil
}

func (v *VM) unwindRegions() {
	for i := len(v.regions) - 1; i >= 0; i-- {
		r := v.regions[i]
		m := &acrnhsm.VMMemMap{
			Type:   acrnhsm.MemMapTypeRAM,
			GPA:    r.GPAStart,
			VMAddr: uint64(r.HVA),
			Len:    r.GPAEnd - r.GPAStart,
		}
		if v.dev != nil {
			v.dev.UnsetMemSeg(m)
		}
	}
	v.regions = nil
}

// FindMemRegion returns the region containing gpa, if any
// (vm_find_memfd_region in spec.md §4.8).
func (v *VM) FindMemRegion(gpa uint64) (MemRegion, bool) {
	for _, r := range v.regions {
		if gpa >= r.GPAStart && gpa < r.GPAEnd {
			return r, true
		}
	}
	return MemRegion{}, false
}

// Translate is the sole GPA authority in this codebase: the hypervisor
// side's EPT walker (gpa2hpa in the original) has no userspace-DM
// analog, so every GPA lookup in this repository goes through here.
func (v *VM) Translate(gpa uint64) (uintptr, bool) {
	r, ok := v.FindMemRegion(gpa)
	if !ok {
		return 0, false
	}
	return r.HVA + uintptr(gpa-r.GPAStart), true
}

// SetChipset attaches the chipset built from this VM's device list. It
// exists because chipset devices take the VM as their chipset.Host at
// construction time, before a Chipset can be built from them, so New's
// chip argument is typically nil and the real one is attached here once
// every device has been registered.
func (v *VM) SetChipset(c *chipset.Chipset) { v.chip = c }

// SetGSIIRQ implements chipset.Host.
func (v *VM) SetGSIIRQ(gsi uint32, op chipset.IRQOp) error {
	if v.dev == nil {
		return fmt.Errorf("vmctx: VM not created")
	}
	return v.dev.SetIRQLine(gsi, acrnhsm.IRQOp(op))
}

// InjectMSI implements chipset.Host.
func (v *VM) InjectMSI(addr, data uint64) error {
	if v.dev == nil {
		return fmt.Errorf("vmctx: VM not created")
	}
	return v.dev.InjectMSI(addr, data)
}

// BuildE820 constructs the fixed 4-entry guest E820 template described
// in spec.md §3: usable low RAM, a reserved MMIO hole up to
// LowMemLimit, ACPI reclaim/NVS just below 4GiB, and usable high RAM
// (if any) starting at HighMemBase.
func (v *VM) BuildE820() []E820Entry {
	entries := []E820Entry{
		{BaseAddr: 0, Length: v.LowMem, Type: E820TypeRAM},
		{BaseAddr: v.LowMem, Length: LowMemLimit - v.LowMem, Type: E820TypeReserved},
	}
	if v.BIOSMem > 0 {
		entries = append(entries, E820Entry{
			BaseAddr: HighMemBase - v.BIOSMem,
			Length:   v.BIOSMem,
			Type:     E820TypeACPINVS,
		})
	}
	if v.HighMem > 0 {
		entries = append(entries, E820Entry{
			BaseAddr: HighMemBase,
			Length:   v.HighMem,
			Type:     E820TypeRAM,
		})
	}
	return entries
}

// SuspendMode mirrors the vm_suspend() how argument, and is re-exported
// here so internal/power doesn't need to import vmctx's internals.
type SuspendMode int

const (
	SuspendNone SuspendMode = iota
	SuspendSystemReset
	SuspendFullReset
	SuspendPoweroff
	SuspendSuspend
	SuspendHalt
	SuspendTripleFault
)

// DispatchIoreq routes one already-decoded ioreq to the chipset. The
// caller is responsible for the release-store completion barrier:
// moving the slot's state to complete must be the last write visible to
// the hypervisor.
func (v *VM) DispatchIoreq(slot *Ioreq) error {
	ctx := chipset.IOContext{VCPU: slot.VCPU}
	buf := make([]byte, slot.Size)
	if slot.IsWrite {
		var padded [8]byte
		binary.LittleEndian.PutUint64(padded[:], slot.Data)
		copy(buf, padded[:])
	}
	var err error
	switch slot.Type {
	case IoreqPIO:
		err = v.chip.HandlePIO(ctx, uint16(slot.Addr), buf, slot.IsWrite)
	case IoreqMMIO:
		err = v.chip.HandleMMIO(ctx, slot.Addr, buf, slot.IsWrite)
	case IoreqWP:
		// acrn_common.h documents REQ_WP as sharing mmio_request's
		// layout and semantics: a write trapped by a write-protected
		// guest page, handled exactly like an ordinary MMIO write.
		err = v.chip.HandleMMIO(ctx, slot.Addr, buf, slot.IsWrite)
	case IoreqPCICfg:
		err = v.chip.HandlePCIConfig(ctx, slot.BDF, slot.Reg, buf, slot.IsWrite)
	default:
		err = fmt.Errorf("vmctx: unknown ioreq type %v", slot.Type)
	}
	if !slot.IsWrite && err == nil && len(buf) > 0 {
		padded := make([]byte, 8)
		copy(padded, buf)
		slot.Data = binary.LittleEndian.Uint64(padded)
	}
	return err
}

// NotifyRequestDone completes the release-store handshake described in
// spec.md §3: state must move to COMPLETE only after all other fields
// are visible, then the hypervisor is told via NOTIFY_REQUEST_FINISH.
func (v *VM) NotifyRequestDone(vcpu int) error {
	if v.dev == nil {
		return fmt.Errorf("vmctx: VM not created")
	}
	return v.dev.NotifyRequestDone(v.vmid, uint64(vcpu))
}

// Poll runs the chipset's poll-capable devices once.
func (v *VM) Poll(ctx context.Context) error {
	return v.chip.Poll(ctx)
}

var _ chipset.Host = (*VM)(nil)
