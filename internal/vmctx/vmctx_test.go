package vmctx

import (
	"context"
	"testing"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/acrnhsm"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/chipset"
)

// fakeDevice is a minimal chipset.ChipsetDevice plus chipset.PCIConfigDevice,
// recording every access it sees so DispatchIoreq's routing can be checked
// without a real hypervisor device node.
type fakeDevice struct {
	port uint16
	mmio uint64
	bdf  uint16

	lastWrite []byte
	readValue byte
}

func (f *fakeDevice) Init(chipset.Host) error { return nil }
func (f *fakeDevice) Start() error            { return nil }
func (f *fakeDevice) Stop() error             { return nil }
func (f *fakeDevice) Reset() error            { return nil }

func (f *fakeDevice) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{Ports: []uint16{f.port}, Handler: f}
}

func (f *fakeDevice) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MMIORegion{{Address: f.mmio, Size: 8}},
		Handler: f,
	}
}

func (f *fakeDevice) SupportsPollDevice() *chipset.PollDevice { return nil }

func (f *fakeDevice) SupportsPCIConfig() *chipset.PCIConfigIntercept {
	return &chipset.PCIConfigIntercept{BDFs: []uint16{f.bdf}, Handler: f}
}

func (f *fakeDevice) ReadIOPort(ctx chipset.IOContext, port uint16, data []byte) error {
	data[0] = f.readValue
	return nil
}

func (f *fakeDevice) WriteIOPort(ctx chipset.IOContext, port uint16, data []byte) error {
	f.lastWrite = append([]byte(nil), data...)
	return nil
}

func (f *fakeDevice) ReadMMIO(ctx chipset.IOContext, addr uint64, data []byte) error {
	data[0] = f.readValue
	return nil
}

func (f *fakeDevice) WriteMMIO(ctx chipset.IOContext, addr uint64, data []byte) error {
	f.lastWrite = append([]byte(nil), data...)
	return nil
}

func (f *fakeDevice) ReadPCIConfig(ctx chipset.IOContext, bdf uint16, reg uint32, data []byte) error {
	data[0] = f.readValue
	return nil
}

func (f *fakeDevice) WritePCIConfig(ctx chipset.IOContext, bdf uint16, reg uint32, data []byte) error {
	f.lastWrite = append([]byte(nil), data...)
	return nil
}

func buildTestVM(t *testing.T, dev *fakeDevice) *VM {
	t.Helper()
	b := chipset.NewBuilder()
	if err := b.RegisterDevice("fake", dev); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	chip, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	vm, err := New("test", [16]byte{}, MinLowMem, 0, 0, 0, chip)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return vm
}

func TestDispatchIoreqPIOWrite(t *testing.T) {
	dev := &fakeDevice{port: 0x3f8}
	vm := buildTestVM(t, dev)

	req := &Ioreq{Type: IoreqPIO, Addr: 0x3f8, Size: 1, IsWrite: true, Data: 0x41}
	if err := vm.DispatchIoreq(req); err != nil {
		t.Fatalf("DispatchIoreq: %v", err)
	}
	if len(dev.lastWrite) != 1 || dev.lastWrite[0] != 0x41 {
		t.Fatalf("device saw write %v, want [0x41]", dev.lastWrite)
	}
}

func TestDispatchIoreqPIORead(t *testing.T) {
	dev := &fakeDevice{port: 0x3f8, readValue: 0x99}
	vm := buildTestVM(t, dev)

	req := &Ioreq{Type: IoreqPIO, Addr: 0x3f8, Size: 1, IsWrite: false}
	if err := vm.DispatchIoreq(req); err != nil {
		t.Fatalf("DispatchIoreq: %v", err)
	}
	if req.Data != 0x99 {
		t.Fatalf("Data = 0x%x, want 0x99", req.Data)
	}
}

func TestDispatchIoreqMMIO(t *testing.T) {
	dev := &fakeDevice{mmio: 0xFED00000}
	vm := buildTestVM(t, dev)

	req := &Ioreq{Type: IoreqMMIO, Addr: 0xFED00000, Size: 4, IsWrite: true, Data: 0xdeadbeef}
	if err := vm.DispatchIoreq(req); err != nil {
		t.Fatalf("DispatchIoreq: %v", err)
	}
	if len(dev.lastWrite) != 4 {
		t.Fatalf("device saw %d bytes, want 4", len(dev.lastWrite))
	}
}

// TestDispatchIoreqWPSharesMMIOHandler checks that a write-protect trap is
// routed through the same handler as an ordinary MMIO access, per
// acrn_common.h's documented REQ_WP/REQ_MMIO layout sharing.
func TestDispatchIoreqWPSharesMMIOHandler(t *testing.T) {
	dev := &fakeDevice{mmio: 0xFED00000}
	vm := buildTestVM(t, dev)

	req := &Ioreq{Type: IoreqWP, Addr: 0xFED00000, Size: 4, IsWrite: true, Data: 7}
	if err := vm.DispatchIoreq(req); err != nil {
		t.Fatalf("DispatchIoreq: %v", err)
	}
	if len(dev.lastWrite) != 4 {
		t.Fatalf("device saw %d bytes, want 4", len(dev.lastWrite))
	}
}

func TestDispatchIoreqPCICfg(t *testing.T) {
	dev := &fakeDevice{bdf: 0x0008} // bus 0, dev 1, func 0
	vm := buildTestVM(t, dev)

	req := &Ioreq{Type: IoreqPCICfg, BDF: 0x0008, Reg: 0x10, Size: 4, IsWrite: true, Data: 0x12345678}
	if err := vm.DispatchIoreq(req); err != nil {
		t.Fatalf("DispatchIoreq: %v", err)
	}
	if len(dev.lastWrite) != 4 {
		t.Fatalf("device saw %d bytes, want 4", len(dev.lastWrite))
	}
}

// TestDispatchIoreqPCICfgUnclaimedReadsAllOnes exercises the "no device at
// this BDF" convention: reads come back as 0xFF, writes are dropped, and
// neither counts as an error.
func TestDispatchIoreqPCICfgUnclaimedReadsAllOnes(t *testing.T) {
	dev := &fakeDevice{bdf: 0x0008}
	vm := buildTestVM(t, dev)

	req := &Ioreq{Type: IoreqPCICfg, BDF: 0x0010, Reg: 0x0, Size: 2, IsWrite: false}
	if err := vm.DispatchIoreq(req); err != nil {
		t.Fatalf("DispatchIoreq: %v", err)
	}
	if req.Data != 0xFFFF {
		t.Fatalf("Data = 0x%x, want 0xffff", req.Data)
	}
}

func TestDispatchIoreqUnknownType(t *testing.T) {
	dev := &fakeDevice{}
	vm := buildTestVM(t, dev)

	req := &Ioreq{Type: IoreqFree}
	if err := vm.DispatchIoreq(req); err == nil {
		t.Fatalf("expected error for unknown ioreq type")
	}
}

// TestDecodeIoreqEntryPIO exercises the wire-format -> Ioreq conversion for
// a port I/O slot, including the non-sequential REQ_* type numbering.
func TestDecodeIoreqEntryPIO(t *testing.T) {
	var entry acrnhsm.IoreqEntry
	entry.Type = acrnhsm.ReqPortIO
	entry.Client = 3
	binaryPutPIO(&entry, acrnhsm.ReqDirectionWrite, 0x3f8, 1, 0x41)

	req := decodeIoreqEntry(2, &entry)
	if req.Type != IoreqPIO || req.VCPU != 2 || req.Client != 3 {
		t.Fatalf("decoded = %+v", req)
	}
	if req.Addr != 0x3f8 || req.Size != 1 || !req.IsWrite || req.Data != 0x41 {
		t.Fatalf("decoded fields wrong: %+v", req)
	}
}

// TestDecodeIoreqEntryPCICfg exercises the BDF reconstruction from the
// bus/dev/func triple the wire format carries separately.
func TestDecodeIoreqEntryPCICfg(t *testing.T) {
	var entry acrnhsm.IoreqEntry
	entry.Type = acrnhsm.ReqPCICfg
	binaryPutPCI(&entry, acrnhsm.ReqDirectionRead, 4, 0, 0, 1, 0, 0x2c)

	req := decodeIoreqEntry(0, &entry)
	if req.Type != IoreqPCICfg {
		t.Fatalf("type = %v, want IoreqPCICfg", req.Type)
	}
	wantBDF := uint16(0)<<8 | uint16(1)<<3 | uint16(0)
	if req.BDF != wantBDF {
		t.Fatalf("BDF = 0x%x, want 0x%x", req.BDF, wantBDF)
	}
	if req.Reg != 0x2c || req.IsWrite {
		t.Fatalf("decoded fields wrong: %+v", req)
	}
}

// TestEncodeIoreqCompletionRoundTrip checks that a completion value
// written back by encodeIoreqCompletion is the same value the handler
// placed into Ioreq.Data.
func TestEncodeIoreqCompletionRoundTrip(t *testing.T) {
	var entry acrnhsm.IoreqEntry
	req := &Ioreq{Type: IoreqMMIO, Data: 0xabcdef01}
	encodeIoreqCompletion(&entry, req)

	_, _, _, value := entry.MMIO()
	if value != 0xabcdef01 {
		t.Fatalf("MMIO value = 0x%x, want 0xabcdef01", value)
	}
}

func TestVCPUNumZeroBeforeCreate(t *testing.T) {
	dev := &fakeDevice{}
	vm := buildTestVM(t, dev)
	if vm.VCPUNum() != 0 {
		t.Fatalf("VCPUNum() = %d, want 0 before Create", vm.VCPUNum())
	}
}

func TestBuildE820(t *testing.T) {
	dev := &fakeDevice{}
	vm := buildTestVM(t, dev)
	entries := vm.BuildE820()
	if len(entries) < 2 {
		t.Fatalf("got %d e820 entries, want at least 2", len(entries))
	}
	if entries[0].Type != E820TypeRAM || entries[0].BaseAddr != 0 {
		t.Fatalf("first entry = %+v, want usable RAM at 0", entries[0])
	}
}

func TestPollDelegatesToChipset(t *testing.T) {
	dev := &fakeDevice{}
	vm := buildTestVM(t, dev)
	if err := vm.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
}

// binaryPutPIO and binaryPutPCI write a pio_request/pci_request
// directly into entry.Reqs at the offsets acrn_common.h documents, so
// decode tests don't need acrnhsm to export slot construction helpers
// beyond what production code already exercises (PIO/MMIO/PCI readers).
func binaryPutPIO(entry *acrnhsm.IoreqEntry, direction uint32, address, size uint64, value uint32) {
	entry.SetPIOValue(value)
	putLE32(entry.Reqs[0:4], direction)
	putLE64(entry.Reqs[8:16], address)
	putLE64(entry.Reqs[16:24], size)
}

func binaryPutPCI(entry *acrnhsm.IoreqEntry, direction uint32, size int64, value, bus, dev, fn, reg int32) {
	entry.SetPCIValue(value)
	putLE32(entry.Reqs[0:4], direction)
	putLE64(entry.Reqs[16:24], uint64(size))
	putLE32(entry.Reqs[28:32], uint32(bus))
	putLE32(entry.Reqs[32:36], uint32(dev))
	putLE32(entry.Reqs[36:40], uint32(fn))
	putLE32(entry.Reqs[40:44], uint32(reg))
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
