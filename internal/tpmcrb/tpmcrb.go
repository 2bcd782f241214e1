// Package tpmcrb emulates the TCG PC Client Platform TPM 2.0
// Command/Response Buffer register interface (spec.md §4.7) and forwards
// commands to an external swtpm process over a pair of Unix control and
// data sockets.
//
// Grounded on internal/chipset/device.go's MmioHandler shape for the
// register window, and on the internal/ipc client pattern
// (also followed by internal/mgmt.Client) for the swtpm control-plane
// request/response exchange, adapted to swtpm's own big-endian
// command-id wire format.
package tpmcrb

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/chipset"
)

// TPM 2.0 response header constants (TCG TPM2 Part 2 §6.9, §6.6): these
// are fixed wire values defined by the TPM2 specification itself, not by
// whichever marshalling library happens to read them.
const (
	tpmSTNoSessions uint16 = 0x8001
	tpmRCFailure    uint32 = 0x101
)

const (
	// Base is the guest physical base address of the TPM-CRB MMIO window.
	Base = 0xFED40000
	// WindowSize is the full mapped range; only the first 4 KiB holds
	// live registers and the data buffer, the remainder of the range is
	// reserved address space the hypervisor still routes here.
	WindowSize = 0x5000

	registerAreaSize = 0x80
	dataBufferSize   = 0x1000 - registerAreaSize

	regLocState   = 0x00
	regLocCtrl    = 0x08
	regLocSts     = 0x0C
	regIntfIDLo   = 0x30
	regIntfIDHi   = 0x34
	regCtrlExtLo  = 0x38
	regCtrlExtHi  = 0x3C
	regCtrlReq    = 0x40
	regCtrlSts    = 0x44
	regCtrlCancel = 0x48
	regCtrlStart  = 0x4C
	regIntEnable  = 0x50
	regIntSts     = 0x54
	regCmdSize    = 0x58
	regCmdAddrLo  = 0x5C
	regCmdAddrHi  = 0x60
	regRspSize    = 0x64
	regRspAddrLo  = 0x68
	regRspAddrHi  = 0x6C
)

const (
	locStateTPMRegValidSts uint32 = 1 << 0
	locStateLocAssigned    uint32 = 1 << 1
	locStateActiveLocShift        = 2
	locStateActiveLocMask  uint32 = 0x7 << locStateActiveLocShift

	locCtrlRequestAccess      uint32 = 1 << 0
	locCtrlRelinquish         uint32 = 1 << 1
	locCtrlSeize              uint32 = 1 << 2
	locCtrlResetEstablishment uint32 = 1 << 3

	locStsGranted    uint32 = 1 << 0
	locStsBeenSeized uint32 = 1 << 1

	ctrlReqCmdReady uint32 = 1 << 0
	ctrlReqGoIdle   uint32 = 1 << 1

	ctrlStsTPMSts  uint32 = 1 << 0
	ctrlStsTPMIdle uint32 = 1 << 1

	vendorID = 0x8086
)

// command describes one in-flight TPM command, filled in by a CTRL_START
// write and consumed by the worker goroutine.
type command struct {
	locality uint8
	inLen    uint32
	outLen   uint32
}

// Device is the TPM-CRB register frontend and swtpm bridge.
type Device struct {
	mu  sync.Mutex
	log *slog.Logger

	locState uint32
	locCtrl  uint32
	locSts   uint32

	ctrlReq    uint32
	ctrlSts    uint32
	ctrlCancel uint32
	ctrlStart  uint32

	cmdSize, rspSize uint32
	cmdAddr, rspAddr uint64
	dataBuffer       [dataBufferSize]byte

	activeLocality uint8
	inFlight       bool

	swtpm      *Client
	lastLocSet int8 // -1 means "not yet sent"

	work chan command
	done chan struct{}
}

// Option customizes a Device at construction.
type Option func(*Device)

// WithLogger overrides the device's logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Device) { d.log = log }
}

// New builds a TPM-CRB device bridged to swtpm over client.
func New(swtpm *Client, opts ...Option) *Device {
	d := &Device{
		log:        slog.Default(),
		swtpm:      swtpm,
		lastLocSet: -1,
		work:       make(chan command, 1),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.resetLocked()
	return d
}

func (d *Device) resetLocked() {
	d.locState = locStateTPMRegValidSts
	d.locCtrl = 0
	d.locSts = 0
	d.ctrlReq = 0
	d.ctrlSts = ctrlStsTPMIdle
	d.ctrlCancel = 0
	d.ctrlStart = 0
	d.cmdAddr = registerAreaSize
	d.rspAddr = registerAreaSize
	d.cmdSize = dataBufferSize
	d.rspSize = dataBufferSize
	d.activeLocality = 0
	d.inFlight = false
	for i := range d.dataBuffer {
		d.dataBuffer[i] = 0
	}
}

func (d *Device) Init(chipset.Host) error { return nil }

func (d *Device) Start() error {
	go d.runWorker()
	return nil
}

func (d *Device) Stop() error {
	close(d.done)
	return nil
}

func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
	return nil
}

func (d *Device) SupportsPortIO() *chipset.PortIOIntercept { return nil }
func (d *Device) SupportsPollDevice() *chipset.PollDevice  { return nil }
func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MMIORegion{{Address: Base, Size: WindowSize}},
		Handler: d,
	}
}

func intfIDLo() uint32 {
	// type = CRB_ACTIVE (2), version = 1, no locality-0 bypass, CRB
	// interface selector, no FIFO, CRB supported.
	const (
		ifaceTypeCRB = 2
		ifaceVersion = 1
	)
	var v uint32
	v |= ifaceTypeCRB
	v |= ifaceVersion << 4
	v |= 1 << 14 // InterfaceSelector = CRB
	v |= 1 << 17 // CRBSupport
	return v
}

func intfIDHi() uint32 {
	return vendorID
}

func (d *Device) ReadMMIO(_ chipset.IOContext, addr uint64, data []byte) error {
	if len(data) != 1 && len(data) != 2 && len(data) != 4 && len(data) != 8 {
		d.log.Warn("tpmcrb: rejecting odd-sized read", "addr", addr, "len", len(data))
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	off := addr - Base
	d.mu.Lock()
	defer d.mu.Unlock()

	if off >= registerAreaSize {
		bufOff := off - registerAreaSize
		if bufOff >= dataBufferSize {
			for i := range data {
				data[i] = 0
			}
			return nil
		}
		n := copy(data, d.dataBuffer[bufOff:])
		for i := n; i < len(data); i++ {
			data[i] = 0
		}
		return nil
	}

	var v uint64
	switch off {
	case regLocState:
		v = uint64(d.locState)
	case regLocSts:
		v = uint64(d.locSts)
	case regIntfIDLo:
		v = uint64(intfIDLo())
	case regIntfIDHi:
		v = uint64(intfIDHi())
	case regCtrlReq:
		v = uint64(d.ctrlReq)
	case regCtrlSts:
		v = uint64(d.ctrlSts)
	case regCtrlStart:
		v = uint64(d.ctrlStart)
	case regCmdSize:
		v = uint64(d.cmdSize)
	case regCmdAddrLo:
		v = uint64(uint32(d.cmdAddr))
	case regCmdAddrHi:
		v = uint64(uint32(d.cmdAddr >> 32))
	case regRspSize:
		v = uint64(d.rspSize)
	case regRspAddrLo:
		v = uint64(uint32(d.rspAddr))
	case regRspAddrHi:
		v = uint64(uint32(d.rspAddr >> 32))
	default:
		v = 0
	}
	putLE(data, v)
	return nil
}

func (d *Device) WriteMMIO(_ chipset.IOContext, addr uint64, data []byte) error {
	if len(data) != 1 && len(data) != 2 && len(data) != 4 && len(data) != 8 {
		d.log.Warn("tpmcrb: rejecting odd-sized write", "addr", addr, "len", len(data))
		return nil
	}
	off := addr - Base
	d.mu.Lock()
	defer d.mu.Unlock()

	if off >= registerAreaSize {
		bufOff := off - registerAreaSize
		if bufOff >= dataBufferSize {
			return nil
		}
		copy(d.dataBuffer[bufOff:], data)
		return nil
	}

	v := uint32(getLE(data))
	switch off {
	case regLocCtrl:
		d.handleLocCtrlLocked(v)
	case regCtrlReq:
		d.handleCtrlReqLocked(v)
	case regCtrlCancel:
		d.handleCtrlCancelLocked(v)
	case regCtrlStart:
		d.handleCtrlStartLocked(v)
	default:
		// Most of the remaining registers are read-only from the guest's
		// perspective; silently absorb the write per spec.md §7's
		// GuestInputInvalid rule of "writes are no-op".
	}
	return nil
}

func (d *Device) handleLocCtrlLocked(v uint32) {
	switch {
	case v&locCtrlRequestAccess != 0, v&locCtrlSeize != 0:
		d.locSts |= locStsGranted
		d.locState |= locStateLocAssigned
	case v&locCtrlRelinquish != 0:
		d.locSts &^= locStsGranted
		d.locState &^= locStateLocAssigned
	case v&locCtrlResetEstablishment != 0:
		// no-op, per spec.md §4.7.
	}
}

func (d *Device) handleCtrlReqLocked(v uint32) {
	switch {
	case v&ctrlReqCmdReady != 0:
		d.ctrlSts &^= ctrlStsTPMIdle
	case v&ctrlReqGoIdle != 0:
		d.ctrlSts |= ctrlStsTPMIdle
		for i := range d.dataBuffer {
			d.dataBuffer[i] = 0
		}
	}
}

func (d *Device) handleCtrlCancelLocked(v uint32) {
	if v == 0 || !d.inFlight {
		return
	}
	if d.swtpm != nil {
		if err := d.swtpm.CancelCommand(); err != nil {
			d.log.Warn("tpmcrb: cancel command failed", "error", err)
		}
	}
}

func (d *Device) handleCtrlStartLocked(v uint32) {
	if v != 1 {
		return
	}
	if d.ctrlSts&ctrlStsTPMIdle != 0 {
		return
	}
	if d.locSts&locStsGranted == 0 {
		// No locality currently holds access; spec.md §4.7's "locality
		// matches" precondition can't be satisfied.
		return
	}
	if d.inFlight {
		return
	}
	hdr, err := parseCommandHeader(d.dataBuffer[:])
	if err != nil {
		d.log.Warn("tpmcrb: command buffer too short for a TPM2 header", "error", err)
		return
	}
	cmdLen := hdr.CommandSize
	if cmdLen > dataBufferSize {
		cmdLen = dataBufferSize
	}

	d.inFlight = true
	d.ctrlStart = 1
	select {
	case d.work <- command{locality: d.activeLocality, inLen: cmdLen, outLen: dataBufferSize}:
	default:
		d.log.Error("tpmcrb: worker busy, dropping command start")
		d.inFlight = false
		d.ctrlStart = 0
	}
}

// runWorker is the single dedicated goroutine that talks to swtpm,
// mirroring spec.md §4.7's condvar-signalled worker thread.
func (d *Device) runWorker() {
	for {
		select {
		case <-d.done:
			return
		case cmd := <-d.work:
			d.process(cmd)
		}
	}
}

func (d *Device) process(cmd command) {
	d.mu.Lock()
	in := make([]byte, cmd.inLen)
	copy(in, d.dataBuffer[:cmd.inLen])
	needLocSet := d.lastLocSet != int8(cmd.locality)
	d.mu.Unlock()

	var out []byte
	var err error
	if d.swtpm != nil {
		if needLocSet {
			if e := d.swtpm.SetLocality(cmd.locality); e != nil {
				err = fmt.Errorf("set locality: %w", e)
			} else {
				d.lastLocSet = int8(cmd.locality)
			}
		}
		if err == nil {
			out, err = d.swtpm.SendCommand(in, int(cmd.outLen))
		}
	} else {
		err = fmt.Errorf("tpmcrb: no swtpm client configured")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.log.Error("tpmcrb: command failed", "error", err)
		writeFailureResponse(d.dataBuffer[:])
		d.ctrlSts |= ctrlStsTPMSts
	} else {
		copy(d.dataBuffer[:], out)
	}
	d.inFlight = false
	d.ctrlStart = 0
}

// writeFailureResponse writes a minimal 10-byte TPM2 response header
// reporting TPM_RC_FAILURE, per spec.md §4.7's worker error path.
func writeFailureResponse(buf []byte) {
	if len(buf) < 10 {
		return
	}
	binary.BigEndian.PutUint16(buf[0:2], tpmSTNoSessions)
	binary.BigEndian.PutUint32(buf[2:6], 10)
	binary.BigEndian.PutUint32(buf[6:10], tpmRCFailure)
}

func putLE(data []byte, v uint64) {
	switch len(data) {
	case 1:
		data[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(data, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(data, v)
	}
}

func getLE(data []byte) uint64 {
	switch len(data) {
	case 1:
		return uint64(data[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(data))
	case 4:
		return uint64(binary.LittleEndian.Uint32(data))
	case 8:
		return binary.LittleEndian.Uint64(data)
	}
	return 0
}

var _ chipset.MmioHandler = (*Device)(nil)
var _ chipset.ChipsetDevice = (*Device)(nil)
