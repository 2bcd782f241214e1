package vpit

import (
	"testing"
	"time"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/chipset"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/mevent"
)

type fakeHost struct {
	gsi []uint32
	ops []chipset.IRQOp
}

func (f *fakeHost) SetGSIIRQ(gsi uint32, op chipset.IRQOp) error {
	f.gsi = append(f.gsi, gsi)
	f.ops = append(f.ops, op)
	return nil
}

func (f *fakeHost) InjectMSI(addr, data uint64) error { return nil }

func newTestDevice(t *testing.T) (*Device, *fakeHost, *mevent.Loop) {
	t.Helper()
	loop, err := mevent.New(nil)
	if err != nil {
		t.Fatalf("mevent.New: %v", err)
	}
	host := &fakeHost{}
	d := New(loop, 0, nil)
	if err := d.Init(host); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return d, host, loop
}

func outb(t *testing.T, d *Device, port uint16, value byte) {
	t.Helper()
	if err := d.WriteIOPort(chipset.IOContext{}, port, []byte{value}); err != nil {
		t.Fatalf("WriteIOPort(%#x, %#x): %v", port, value, err)
	}
}

func inb(t *testing.T, d *Device, port uint16) byte {
	t.Helper()
	buf := []byte{0}
	if err := d.ReadIOPort(chipset.IOContext{}, port, buf); err != nil {
		t.Fatalf("ReadIOPort(%#x): %v", port, err)
	}
	return buf[0]
}

// TestChannel0Mode2ReloadMatchesHundredHertz realizes spec.md's concrete
// scenario 2: a control byte of 0x34 (channel 0, lobyte/hibyte access,
// mode 2) followed by a 16-bit reload of 0x2E9B should produce an
// effective rate within 100us of 100Hz.
func TestChannel0Mode2ReloadMatchesHundredHertz(t *testing.T) {
	d, _, _ := newTestDevice(t)
	outb(t, d, PortControl, 0x34)
	outb(t, d, PortChannel0, 0x9B)
	outb(t, d, PortChannel0, 0x2E)

	ch := d.channels[0]
	if ch.reload != 0x2E9B {
		t.Fatalf("reload = %#x, want 0x2E9B", ch.reload)
	}
	period := time.Duration(ch.effectiveReload()) * d.tick
	want := time.Second / 100
	delta := period - want
	if delta < 0 {
		delta = -delta
	}
	if delta > 100*time.Microsecond {
		t.Fatalf("period = %v, want within 100us of %v", period, want)
	}
}

func TestControlWordAliasesMode6And7(t *testing.T) {
	d, _, _ := newTestDevice(t)
	outb(t, d, PortControl, 0x3C) // channel 0, LOHI, mode 6 (0b110), binary
	if d.channels[0].control.mode != mode2 {
		t.Fatalf("mode6 control word did not alias to mode2, got %v", d.channels[0].control.mode)
	}

	outb(t, d, PortControl, 0x3E) // mode 7 (0b111)
	if d.channels[0].control.mode != mode3 {
		t.Fatalf("mode7 control word did not alias to mode3, got %v", d.channels[0].control.mode)
	}
}

func TestUnsupportedModesAreRefused(t *testing.T) {
	d, _, _ := newTestDevice(t)
	outb(t, d, PortControl, 0x34) // establish mode2 baseline
	before := d.channels[0].control.mode

	outb(t, d, PortControl, 0x32) // mode 1, hardware retriggerable one-shot
	if d.channels[0].control.mode != before {
		t.Fatalf("mode 1 should have been refused, control changed to %v", d.channels[0].control.mode)
	}

	outb(t, d, PortControl, 0x3A) // mode 5
	if d.channels[0].control.mode != before {
		t.Fatalf("mode 5 should have been refused, control changed to %v", d.channels[0].control.mode)
	}
}

func TestPeriodicReloadOfOneIsRefused(t *testing.T) {
	d, _, _ := newTestDevice(t)
	outb(t, d, PortControl, 0x34) // channel 0, LOHI, mode 2
	outb(t, d, PortChannel0, 0x01)
	outb(t, d, PortChannel0, 0x00)

	if d.channels[0].reload == 1 {
		t.Fatalf("periodic reload of 1 should have been refused")
	}
}

func TestZeroReloadIsTreatedAsSixtyFiveThirtySix(t *testing.T) {
	d, _, _ := newTestDevice(t)
	outb(t, d, PortControl, 0x30) // channel 0, LOHI, mode 0
	outb(t, d, PortChannel0, 0x00)
	outb(t, d, PortChannel0, 0x00)

	if got := d.channels[0].effectiveReload(); got != 1<<16 {
		t.Fatalf("effectiveReload() = %d, want 65536", got)
	}
}

func TestMultiByteAccessIsRejected(t *testing.T) {
	d, _, _ := newTestDevice(t)
	if err := d.WriteIOPort(chipset.IOContext{}, PortChannel0, []byte{1, 2}); err != nil {
		t.Fatalf("WriteIOPort with bad length returned error instead of silent drop: %v", err)
	}
}

func TestPort61GateTogglesChannel2Gate(t *testing.T) {
	d, _, _ := newTestDevice(t)
	outb(t, d, Port61, 0x01)
	if !d.channels[2].gate {
		t.Fatalf("channel 2 gate not set after port 0x61 write")
	}
	outb(t, d, Port61, 0x00)
	if d.channels[2].gate {
		t.Fatalf("channel 2 gate still set after clearing port 0x61 bit 0")
	}
}

func TestPort61ReadReflectsGateAndSpeakerBits(t *testing.T) {
	d, _, _ := newTestDevice(t)
	outb(t, d, Port61, 0x03) // gate + speaker data
	val := inb(t, d, Port61)
	if val&0x01 == 0 {
		t.Fatalf("gate bit not reflected in port 0x61 read: %#x", val)
	}
	if val&0x02 == 0 {
		t.Fatalf("speaker data bit not reflected in port 0x61 read: %#x", val)
	}
}

func TestReadBackLatchesCountAndStatus(t *testing.T) {
	d, _, _ := newTestDevice(t)
	outb(t, d, PortControl, 0x34)
	outb(t, d, PortChannel0, 0x9B)
	outb(t, d, PortChannel0, 0x2E)

	// Readback command: select counter 0, latch status and count.
	rb := byte(0xC0) | (1 << 5) | (1 << 4) | (1 << 1)
	outb(t, d, PortControl, rb)

	status := inb(t, d, PortChannel0)
	if status&0x80 == 0 {
		t.Fatalf("OUT bit should be high immediately after arming a mode2 channel: %#x", status)
	}
}
