// Package acrnhsm defines the legacy /dev/acrn_vhm (or /dev/acrn_hsm)
// ioctl ABI: the numeric opcode table under ioctl type 0xA2, the
// ABI-exact request structs spec.md §6 names, and one typed Go wrapper
// per operation in spec.md §4.3.
//
// Grounded on internal/hv/kvm's ioctl-wrapper pattern — a
// single raw ioctl() primitive, a retry-on-EINTR variant, and one small
// typed function per opcode — reused here for an entirely different
// ioctl type and struct family.
package acrnhsm

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux ioctl request encoding (asm-generic/ioctl.h), reproduced here
// because golang.org/x/sys/unix does not export the _IOC* macros.
const (
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uint64 {
	return uint64(dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift)
}

func ioW(typ, nr uintptr, size uintptr) uint64  { return ioc(iocWrite, typ, nr, size) }
func ioR(typ, nr uintptr, size uintptr) uint64  { return ioc(iocRead, typ, nr, size) }
func ioWR(typ, nr uintptr, size uintptr) uint64 { return ioc(iocWrite|iocRead, typ, nr, size) }
func ioN(typ, nr uintptr) uint64                { return ioc(iocNone, typ, nr, 0) }

// ic is the ACRN hypervisor-service ioctl type, 0xA2 per spec.md §6.
const ic uintptr = 0xA2

// Opcode numbers. Values are arbitrary but fixed and internally
// consistent; they are never compared against a real kernel header.
var (
	opCreateVM           = ioWR(ic, 0x01, unsafe.Sizeof(VMCreate{}))
	opDestroyVM          = ioN(ic, 0x02)
	opStartVM            = ioN(ic, 0x03)
	opPauseVM            = ioN(ic, 0x04)
	opResetVM            = ioN(ic, 0x05)
	opSetVCPURegs        = ioW(ic, 0x06, unsafe.Sizeof(VCPURegs{}))
	opSetIRQLine         = ioW(ic, 0x07, unsafe.Sizeof(IRQLineOps{}))
	opInjectMSI          = ioW(ic, 0x08, unsafe.Sizeof(MSIEntry{}))
	opSetMemSeg          = ioW(ic, 0x09, unsafe.Sizeof(VMMemMap{}))
	opUnsetMemSeg        = ioW(ic, 0x0A, unsafe.Sizeof(VMMemMap{}))
	opAssignPCIDev       = ioW(ic, 0x0B, unsafe.Sizeof(PCIDev{}))
	opDeassignPCIDev     = ioW(ic, 0x0C, unsafe.Sizeof(PCIDev{}))
	opAssignMMIODev      = ioW(ic, 0x0D, unsafe.Sizeof(MMIODev{}))
	opDeassignMMIODev    = ioW(ic, 0x0E, unsafe.Sizeof(MMIODev{}))
	opSetPtdevIntxInfo   = ioW(ic, 0x0F, unsafe.Sizeof(PtdevIRQ{}))
	opResetPtdevIntxInfo = ioW(ic, 0x10, unsafe.Sizeof(PtdevIRQ{}))
	opAddHVVdev          = ioW(ic, 0x11, unsafe.Sizeof(PCIDev{}))
	opRemoveHVVdev       = ioW(ic, 0x12, unsafe.Sizeof(PCIDev{}))
	opAttachIoreqClient  = ioN(ic, 0x13)
	opNotifyRequestDone  = ioW(ic, 0x14, unsafe.Sizeof(IoreqNotify{}))
	opIntrMonitor        = ioW(ic, 0x15, unsafe.Sizeof(IntrMonitor{}))
	opIoeventfd          = ioW(ic, 0x16, unsafe.Sizeof(Ioeventfd{}))
	opIrqfd              = ioW(ic, 0x17, unsafe.Sizeof(Irqfd{}))
	opCreateIoreqClient  = ioN(ic, 0x18)
	opDestroyIoreqClient = ioN(ic, 0x19)
	opClearVMIoreq       = ioN(ic, 0x1A)
	opSetupAsyncio       = ioN(ic, 0x1B)
	opSetupVMEventRing   = ioW(ic, 0x1C, unsafe.Sizeof(VMEventRingHeader{}))
	opSetupVMEventFd     = ioN(ic, 0x1D)
	opPMGetCPUState      = ioWR(ic, 0x1E, unsafe.Sizeof(PMCPUState{}))
)

// VMCreate mirrors acrn_vm_creation.
type VMCreate struct {
	VMID        uint16
	Reserved0   [2]byte
	VCPUNum     uint16
	Reserved1   [2]byte
	UUID        [16]byte
	VMFlag      uint64
	IOReqBufGPA uint64
	CPUAffinity uint64
}

// VCPURegs mirrors acrn_vcpu_regs: the BSP register-init block.
type VCPURegs struct {
	VCPUID   uint16
	_        [6]byte
	RIP      uint64
	RSP      uint64
	RFLAGS   uint64
	CR0      uint64
	CR3      uint64
	CR4      uint64
	GDTBase  uint64
	GDTLimit uint32
	_        [4]byte
	IDTBase  uint64
	IDTLimit uint32
	_        [4]byte
	CS       uint16
	SS       uint16
	DS       uint16
	ES       uint16
	FS       uint16
	GS       uint16
}

// IRQOp mirrors the four operations acrn_irqline_ops accepts.
type IRQOp uint32

const (
	IRQOpHigh IRQOp = iota
	IRQOpLow
	IRQOpRaisingPulse
	IRQOpFallingPulse
)

// IRQLineOps mirrors acrn_irqline_ops.
type IRQLineOps struct {
	GSI uint32
	Op  IRQOp
}

// MSIEntry mirrors acrn_msi_entry.
type MSIEntry struct {
	MsiAddr uint64
	MsiData uint64
}

// VMMemMap mirrors acrn_vm_memmap.
type VMMemMap struct {
	Type   uint32
	_      [4]byte
	GPA    uint64
	VMAddr uint64 // userspace HVA, or vma base for vm_map_memseg_vma
	Len    uint64
	Attr   uint32
	_      [4]byte
}

const (
	MemMapTypeRAM = iota
	MemMapTypeMMIO
)

const (
	MemAttrRead = 1 << iota
	MemAttrWrite
	MemAttrExecute
)

// PCIDev mirrors acrn_pcidev.
type PCIDev struct {
	Type    uint32
	VirtBDF uint16
	PhysBDF uint16
	Intx    [8]byte
	BAR     [6 * 8]byte
}

// MMIODev mirrors acrn_mmiodev.
type MMIODev struct {
	Name [32]byte
	GPA  uint64
	HPA  uint64
	Len  uint64
}

// PtdevIRQ mirrors acrn_ptdev_irq.
type PtdevIRQ struct {
	Type       uint32
	VirtBDF    uint16
	PhysBDF    uint16
	VirtPin    uint32
	PhysPin    uint32
	PinIsLevel uint32
	VirtGSI    uint32
	PhysGSI    uint32
}

// IoreqNotify mirrors acrn_ioreq_notify.
type IoreqNotify struct {
	VMID   uint16
	_      [6]byte
	VCPUID uint64
}

// IntrMonitor configures the interrupt-injection rate monitor.
type IntrMonitor struct {
	CmdType   uint32
	ArraySize uint32
	Buffer    [4]uint64
}

// Ioeventfd mirrors acrn_ioeventfd.
type Ioeventfd struct {
	Flags uint32
	FD    int32
	Addr  uint64
	Len   uint32
	_     [4]byte
	Data  uint64
}

// Irqfd mirrors acrn_irqfd.
type Irqfd struct {
	FD    int32
	Flags uint32
	MSI   MSIEntry
}

// Ioreq request/state constants, mirroring REQ_* and REQ_STATE_* from
// the shared-ring ABI.
const (
	ReqPortIO = 0
	ReqMMIO   = 1
	ReqPCICfg = 2
	ReqWP     = 3

	ReqStatePending    = 0
	ReqStateComplete   = 1
	ReqStateProcessing = 2
	ReqStateFree       = 3

	ReqDirectionRead  = 0
	ReqDirectionWrite = 1
)

// IoreqEntry mirrors vhm_request: one 256-byte, 256-byte-aligned slot in
// the shared ioreq ring. VHMRequestMax such slots fill one 4KiB page.
// The hypervisor owns a slot while it is Free or Complete; userspace
// owns it while Pending or Processing, and must never read or write
// anything but Processed outside that window.
type IoreqEntry struct {
	Type              uint32
	CompletionPolling uint32
	_                 [56]byte // reserved0[14]uint32
	Reqs              [64]byte
	_                 uint32 // reserved1
	Client            int32
	Processed         int32
	_                 [116]byte // pad struct to 256 bytes
}

// VHMRequestMax is the slot count of one 4KiB-aligned ioreq ring page.
const VHMRequestMax = 16

// PIO decodes Reqs as a pio_request.
func (e *IoreqEntry) PIO() (direction uint32, address, size uint64, value uint32) {
	b := e.Reqs[:]
	direction = binary.LittleEndian.Uint32(b[0:4])
	address = binary.LittleEndian.Uint64(b[8:16])
	size = binary.LittleEndian.Uint64(b[16:24])
	value = binary.LittleEndian.Uint32(b[24:28])
	return
}

// SetPIOValue writes back the value field of a pio_request in place.
func (e *IoreqEntry) SetPIOValue(value uint32) {
	binary.LittleEndian.PutUint32(e.Reqs[24:28], value)
}

// MMIO decodes Reqs as an mmio_request. REQ_WP slots share this layout
// (acrn_common.h documents mmio_request as covering both REQ_MMIO and
// REQ_WP).
func (e *IoreqEntry) MMIO() (direction uint32, address, size, value uint64) {
	b := e.Reqs[:]
	direction = binary.LittleEndian.Uint32(b[0:4])
	address = binary.LittleEndian.Uint64(b[8:16])
	size = binary.LittleEndian.Uint64(b[16:24])
	value = binary.LittleEndian.Uint64(b[24:32])
	return
}

// SetMMIOValue writes back the value field of an mmio_request in place.
func (e *IoreqEntry) SetMMIOValue(value uint64) {
	binary.LittleEndian.PutUint64(e.Reqs[24:32], value)
}

// PCI decodes Reqs as a pci_request.
func (e *IoreqEntry) PCI() (direction uint32, size int64, value, bus, dev, fn, reg int32) {
	b := e.Reqs[:]
	direction = binary.LittleEndian.Uint32(b[0:4])
	size = int64(binary.LittleEndian.Uint64(b[16:24]))
	value = int32(binary.LittleEndian.Uint32(b[24:28]))
	bus = int32(binary.LittleEndian.Uint32(b[28:32]))
	dev = int32(binary.LittleEndian.Uint32(b[32:36]))
	fn = int32(binary.LittleEndian.Uint32(b[36:40]))
	reg = int32(binary.LittleEndian.Uint32(b[40:44]))
	return
}

// SetPCIValue writes back the value field of a pci_request in place.
func (e *IoreqEntry) SetPCIValue(value int32) {
	binary.LittleEndian.PutUint32(e.Reqs[24:28], uint32(value))
}

// VMEventType tags the kind of event carried by a VMEvent slot.
type VMEventType uint32

const (
	VMEventRTCChange VMEventType = iota
	VMEventPoweroff
	VMEventTripleFault
	vmEventTypeCount
)

// VMEvent is one fixed-size slot of the VM-event ring: a small, low-rate
// sideband separate from the ioreq ring, carrying hypervisor/DM-internal
// notifications (RTC change, guest poweroff, triple fault) rather than
// I/O to emulate.
type VMEvent struct {
	Type VMEventType
	_    uint32
	Data [56]byte
}

// VMEventRingHeader is the header of a VM-event ring: a power-of-two
// number of fixed-size VMEvent slots, passed to SETUP_VM_EVENT_RING so
// the hypervisor knows where to write (for the HV->DM tunnel) or where
// to read from (for the DM->HV tunnel).
type VMEventRingHeader struct {
	Magic    uint32
	ElemSize uint32
	ElemNum  uint32
	Head     uint32
	Tail     uint32
	Overrun  uint32
	_        [8]byte
}

// VMEventRingMagic tags a VMEventRingHeader as ours.
const VMEventRingMagic = 0x45564d41 // "AMVE"

// PMCPUState is the argument to PM_GET_CPU_STATE: a command selecting
// which per-vCPU power-management state to read back, and the buffer it
// is read into.
type PMCPUState struct {
	CmdType uint32
	_       [4]byte
	Buffer  [8]uint64
}

// ErrKind classifies the ioctl errno mapping spec.md §7 describes.
type ErrKind int

const (
	ErrFatal ErrKind = iota
	ErrOperationNotDefined
	ErrOperationObsolete
)

// MapErrno applies spec.md §4.3's errno mapping: ENOTTY means the
// running kernel driver doesn't implement this opcode at all,
// ENOSYS means it used to but has been retired.
func MapErrno(err error) ErrKind {
	switch err {
	case unix.ENOTTY:
		return ErrOperationNotDefined
	case unix.ENOSYS:
		return ErrOperationObsolete
	default:
		return ErrFatal
	}
}

// Device is an open handle to /dev/acrn_hsm or /dev/acrn_vhm.
type Device struct {
	fd int
}

// Open tries the legacy /dev/acrn_vhm node first, falling back to
// /dev/acrn_hsm, per spec.md §4.3's two-node probing note.
func Open() (*Device, error) {
	fd, err := unix.Open("/dev/acrn_vhm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err == nil {
		return &Device{fd: fd}, nil
	}
	fd, err2 := unix.Open("/dev/acrn_hsm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err2 != nil {
		return nil, fmt.Errorf("acrnhsm: open /dev/acrn_vhm: %w; open /dev/acrn_hsm: %v", err, err2)
	}
	return &Device{fd: fd}, nil
}

// Close closes the device node.
func (d *Device) Close() error { return unix.Close(d.fd) }

// Fd returns the raw file descriptor, for mmap of the ioreq/VM-event rings.
func (d *Device) Fd() int { return d.fd }

func ioctlWithRetry(fd int, req uint64, arg uintptr) error {
	_, err := ioctlRetWithRetry(fd, req, arg)
	return err
}

// ioctlRetWithRetry is ioctlWithRetry's variant for the handful of
// direction-less opcodes (CREATE_IOREQ_CLIENT) whose result is the
// ioctl's own non-negative return value rather than data written
// through a pointer argument.
func ioctlRetWithRetry(fd int, req uint64, arg uintptr) (int, error) {
	for {
		r1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		return int(r1), nil
	}
}

// CreateVM issues ACRN_IOCTL_CREATE_VM.
func (d *Device) CreateVM(req *VMCreate) error {
	return ioctlWithRetry(d.fd, opCreateVM, uintptr(unsafe.Pointer(req)))
}

// DestroyVM issues ACRN_IOCTL_DESTROY_VM.
func (d *Device) DestroyVM() error { return ioctlWithRetry(d.fd, opDestroyVM, 0) }

// StartVM issues ACRN_IOCTL_START_VM (vm_run in spec.md §4.3).
func (d *Device) StartVM() error { return ioctlWithRetry(d.fd, opStartVM, 0) }

// PauseVM issues ACRN_IOCTL_PAUSE_VM.
func (d *Device) PauseVM() error { return ioctlWithRetry(d.fd, opPauseVM, 0) }

// ResetVM issues ACRN_IOCTL_RESET_VM.
func (d *Device) ResetVM() error { return ioctlWithRetry(d.fd, opResetVM, 0) }

// SetVCPURegs issues ACRN_IOCTL_SET_VCPU_REGS.
func (d *Device) SetVCPURegs(r *VCPURegs) error {
	return ioctlWithRetry(d.fd, opSetVCPURegs, uintptr(unsafe.Pointer(r)))
}

// SetIRQLine issues ACRN_IOCTL_SET_IRQLINE (set_gsi_irq in spec.md §4.3).
func (d *Device) SetIRQLine(gsi uint32, op IRQOp) error {
	r := IRQLineOps{GSI: gsi, Op: op}
	return ioctlWithRetry(d.fd, opSetIRQLine, uintptr(unsafe.Pointer(&r)))
}

// InjectMSI issues ACRN_IOCTL_INJECT_MSI.
func (d *Device) InjectMSI(addr, data uint64) error {
	r := MSIEntry{MsiAddr: addr, MsiData: data}
	return ioctlWithRetry(d.fd, opInjectMSI, uintptr(unsafe.Pointer(&r)))
}

// SetMemSeg issues ACRN_IOCTL_SET_MEMSEG (vm_map_memseg_vma).
func (d *Device) SetMemSeg(m *VMMemMap) error {
	return ioctlWithRetry(d.fd, opSetMemSeg, uintptr(unsafe.Pointer(m)))
}

// UnsetMemSeg issues ACRN_IOCTL_UNSET_MEMSEG.
func (d *Device) UnsetMemSeg(m *VMMemMap) error {
	return ioctlWithRetry(d.fd, opUnsetMemSeg, uintptr(unsafe.Pointer(m)))
}

// AssignPCIDev / DeassignPCIDev issue ACRN_IOCTL_{ASSIGN,DEASSIGN}_PCIDEV.
func (d *Device) AssignPCIDev(p *PCIDev) error {
	return ioctlWithRetry(d.fd, opAssignPCIDev, uintptr(unsafe.Pointer(p)))
}
func (d *Device) DeassignPCIDev(p *PCIDev) error {
	return ioctlWithRetry(d.fd, opDeassignPCIDev, uintptr(unsafe.Pointer(p)))
}

// AssignMMIODev / DeassignMMIODev issue ACRN_IOCTL_{ASSIGN,DEASSIGN}_MMIODEV.
func (d *Device) AssignMMIODev(m *MMIODev) error {
	return ioctlWithRetry(d.fd, opAssignMMIODev, uintptr(unsafe.Pointer(m)))
}
func (d *Device) DeassignMMIODev(m *MMIODev) error {
	return ioctlWithRetry(d.fd, opDeassignMMIODev, uintptr(unsafe.Pointer(m)))
}

// SetPtdevIntxInfo / ResetPtdevIntxInfo issue the corresponding ioctls.
func (d *Device) SetPtdevIntxInfo(p *PtdevIRQ) error {
	return ioctlWithRetry(d.fd, opSetPtdevIntxInfo, uintptr(unsafe.Pointer(p)))
}
func (d *Device) ResetPtdevIntxInfo(p *PtdevIRQ) error {
	return ioctlWithRetry(d.fd, opResetPtdevIntxInfo, uintptr(unsafe.Pointer(p)))
}

// AddHVVdev / RemoveHVVdev issue ACRN_IOCTL_{ADD,REMOVE}_VDEV.
func (d *Device) AddHVVdev(p *PCIDev) error {
	return ioctlWithRetry(d.fd, opAddHVVdev, uintptr(unsafe.Pointer(p)))
}
func (d *Device) RemoveHVVdev(p *PCIDev) error {
	return ioctlWithRetry(d.fd, opRemoveHVVdev, uintptr(unsafe.Pointer(p)))
}

// AttachIoreqClient issues ACRN_IOCTL_ATTACH_IOREQ_CLIENT with the
// client id CreateIoreqClient returned.
func (d *Device) AttachIoreqClient(client int) error {
	return ioctlWithRetry(d.fd, opAttachIoreqClient, uintptr(client))
}

// NotifyRequestDone issues ACRN_IOCTL_NOTIFY_REQUEST_FINISH.
func (d *Device) NotifyRequestDone(vmid uint16, vcpu uint64) error {
	r := IoreqNotify{VMID: vmid, VCPUID: vcpu}
	return ioctlWithRetry(d.fd, opNotifyRequestDone, uintptr(unsafe.Pointer(&r)))
}

// IntrMonitorCmd issues ACRN_IOCTL_INTR_MONITOR.
func (d *Device) IntrMonitorCmd(m *IntrMonitor) error {
	return ioctlWithRetry(d.fd, opIntrMonitor, uintptr(unsafe.Pointer(m)))
}

// SetIoeventfd issues ACRN_IOCTL_IOEVENTFD.
func (d *Device) SetIoeventfd(e *Ioeventfd) error {
	return ioctlWithRetry(d.fd, opIoeventfd, uintptr(unsafe.Pointer(e)))
}

// SetIrqfd issues ACRN_IOCTL_IRQFD.
func (d *Device) SetIrqfd(e *Irqfd) error {
	return ioctlWithRetry(d.fd, opIrqfd, uintptr(unsafe.Pointer(e)))
}

// CreateIoreqClient issues ACRN_IOCTL_CREATE_IOREQ_CLIENT and returns
// the client id the hypervisor assigned this VM's ioreq consumer.
func (d *Device) CreateIoreqClient() (int, error) {
	return ioctlRetWithRetry(d.fd, opCreateIoreqClient, 0)
}

// DestroyIoreqClient issues ACRN_IOCTL_DESTROY_IOREQ_CLIENT.
func (d *Device) DestroyIoreqClient(client int) error {
	return ioctlWithRetry(d.fd, opDestroyIoreqClient, uintptr(client))
}

// ClearVMIoreq issues ACRN_IOCTL_CLEAR_VM_IOREQ, per spec.md §4.3's
// vm_clear_ioreq: flushes any outstanding ioreq state ahead of vm_reset.
func (d *Device) ClearVMIoreq() error {
	return ioctlWithRetry(d.fd, opClearVMIoreq, 0)
}

// SetupAsyncio issues ACRN_IOCTL_SETUP_ASYNCIO with base passed as the
// ioctl argument by value, not by pointer.
func (d *Device) SetupAsyncio(base uint64) error {
	return ioctlWithRetry(d.fd, opSetupAsyncio, uintptr(base))
}

// SetupVMEventRing issues ACRN_IOCTL_SETUP_VM_EVENT_RING, telling the
// hypervisor where the HV->DM VM-event ring lives.
func (d *Device) SetupVMEventRing(hdr *VMEventRingHeader) error {
	return ioctlWithRetry(d.fd, opSetupVMEventRing, uintptr(unsafe.Pointer(hdr)))
}

// SetupVMEventFd issues ACRN_IOCTL_SETUP_VM_EVENT_FD, installing the
// eventfd the hypervisor kicks after appending to the HV->DM ring.
func (d *Device) SetupVMEventFd(fd int) error {
	return ioctlWithRetry(d.fd, opSetupVMEventFd, uintptr(fd))
}

// PMGetCPUState issues ACRN_IOCTL_PM_GET_CPU_STATE.
func (d *Device) PMGetCPUState(s *PMCPUState) error {
	return ioctlWithRetry(d.fd, opPMGetCPUState, uintptr(unsafe.Pointer(s)))
}
