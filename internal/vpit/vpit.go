// Package vpit emulates the legacy 8254 programmable interval timer
// (spec.md §4.5): three channels on ports 0x40-0x43, with channel 0's
// counter driven by internal/vtimer instead of a software ticker, and
// the gate/speaker register on port 0x61.
//
// Grounded closely on internal/devices/amd64/chipset/pit.go
// (control-word decode, per-mode tick handlers, readback command) and
// port61.go (speaker/gate register), with channel 0's arming rewired
// from time.AfterFunc/time.Ticker onto internal/vtimer.RotatingSlot and
// two added boundary rules that pit.go didn't enforce: modes 1 and 5
// are refused, and a periodic reload of 1 is refused.
package vpit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/chipset"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/mevent"
	"github.com/projectacrn/acrn-hypervisor-sub000/internal/vtimer"
)

const (
	PortChannel0 uint16 = 0x40
	PortChannel1 uint16 = 0x41
	PortChannel2 uint16 = 0x42
	PortControl  uint16 = 0x43
	Port61       uint16 = 0x61

	// Freq is the PIT input frequency, 1.193182 MHz.
	Freq = 1_193_182

	tmr2OutSts = 0x20
)

var tickDuration = time.Second / Freq

type accessMode uint8

const (
	accessLatch   accessMode = 0
	accessLow     accessMode = 1
	accessHigh    accessMode = 2
	accessLowHigh accessMode = 3
)

type mode uint8

const (
	mode0    mode = 0 // interrupt on terminal count
	mode1    mode = 1 // hardware retriggerable one-shot (unsupported)
	mode2    mode = 2 // rate generator
	mode3    mode = 3 // square wave
	mode4    mode = 4 // software strobe
	mode5    mode = 5 // hardware strobe (unsupported)
	mode6Alt mode = 6 // aliases to mode2
	mode7Alt mode = 7 // aliases to mode3
)

func (m mode) supported() bool {
	switch m {
	case mode0, mode2, mode3, mode4:
		return true
	default:
		return false
	}
}

type control struct {
	access accessMode
	mode   mode
	bcd    bool
}

type channel struct {
	control control

	pendingValue uint16
	expectHigh   bool

	reload     uint16
	lastReload time.Time
	running    bool
	nullCount  bool

	outputHigh bool
	gate       bool

	slot *vtimer.RotatingSlot

	countLatched     bool
	countLatchHigh   bool
	countLatchValue  uint16
	statusLatched    bool
	statusLatchValue byte
	readHigh         bool
	latchedReadValue uint16

	deadline time.Time

	squareWaveHigh bool
}

func newChannel() *channel {
	return &channel{
		control:    control{access: accessLowHigh, mode: mode3},
		nullCount:  true,
		outputHigh: true,
	}
}

func (ch *channel) setControl(access accessMode, m mode, bcd bool) {
	ch.control = control{access: access, mode: m, bcd: bcd}
	ch.pendingValue = 0
	ch.expectHigh = false
	ch.readHigh = false
	ch.countLatched = false
	ch.statusLatched = false
	ch.nullCount = true
	ch.running = false
	ch.outputHigh = true
	ch.deadline = time.Time{}
	ch.squareWaveHigh = false
}

func (ch *channel) effectiveReload() uint32 {
	if ch.reload == 0 {
		return 1 << 16
	}
	return uint32(ch.reload)
}

func (ch *channel) statusByte() byte {
	status := byte(0)
	if ch.outputHigh {
		status |= 1 << 7
	}
	if ch.nullCount {
		status |= 1 << 6
	}
	status |= byte(ch.control.access&0x3) << 4
	m := byte(ch.control.mode)
	if mode(m) == mode6Alt {
		m = byte(mode2)
	} else if mode(m) == mode7Alt {
		m = byte(mode3)
	}
	status |= (m & 0x7) << 1
	if ch.control.bcd {
		status |= 1
	}
	return status
}

func (ch *channel) latchCount(now time.Time, tick time.Duration) {
	if ch.countLatched {
		return
	}
	ch.countLatchValue = ch.currentCount(now, tick)
	ch.countLatched = true
	ch.countLatchHigh = false
}

func (ch *channel) latchStatus() {
	ch.statusLatched = true
	ch.statusLatchValue = ch.statusByte()
}

func (ch *channel) currentCount(now time.Time, tick time.Duration) uint16 {
	if !ch.running {
		return ch.reload
	}
	if !ch.deadline.IsZero() && ch.control.mode == mode0 {
		remaining := ch.deadline.Sub(now)
		if remaining <= 0 {
			ch.outputHigh = true
			ch.running = false
			return 0
		}
		ticks := uint64((remaining + tick - 1) / tick)
		if ticks > uint64(ch.reload) {
			ticks = uint64(ch.reload)
		}
		return uint16(ticks)
	}
	elapsed := now.Sub(ch.lastReload)
	if elapsed < 0 {
		elapsed = 0
	}
	ticks := uint64(elapsed / tick)
	period := uint64(ch.effectiveReload())
	if period == 0 {
		return ch.reload
	}
	if ticks >= period {
		if ch.control.mode == mode4 {
			ch.outputHigh = true
			ch.running = false
			return ch.reload
		}
		ticks %= period
	}
	if ticks == 0 {
		return ch.reload
	}
	remaining := period - ticks
	if remaining == 1<<16 {
		return 0
	}
	return uint16(remaining)
}

func (ch *channel) nextReadableValue(now time.Time, tick time.Duration) (uint16, bool) {
	if ch.countLatched {
		value := ch.countLatchValue
		if !ch.countLatchHigh && ch.control.access == accessLowHigh {
			ch.countLatchHigh = true
		} else {
			ch.countLatched = false
			ch.countLatchHigh = false
		}
		return value, true
	}
	return ch.currentCount(now, tick), false
}

func (ch *channel) read(now time.Time, tick time.Duration) byte {
	if ch.statusLatched {
		ch.statusLatched = false
		return ch.statusLatchValue
	}
	value, latched := ch.nextReadableValue(now, tick)
	switch ch.control.access {
	case accessLow:
		if !latched {
			ch.readHigh = false
		}
		return byte(value)
	case accessHigh:
		if !latched {
			ch.readHigh = false
		}
		return byte(value >> 8)
	case accessLowHigh:
		if !ch.readHigh {
			ch.readHigh = true
			ch.latchedReadValue = value
			return byte(value)
		}
		ch.readHigh = false
		return byte(ch.latchedReadValue >> 8)
	default:
		return byte(value)
	}
}

type readBackCommand byte

func (c readBackCommand) counter0() bool { return (byte(c)>>1)&1 == 1 }
func (c readBackCommand) counter1() bool { return (byte(c)>>2)&1 == 1 }
func (c readBackCommand) counter2() bool { return (byte(c)>>3)&1 == 1 }
func (c readBackCommand) status() bool   { return (byte(c)>>4)&1 == 1 }
func (c readBackCommand) count() bool    { return (byte(c)>>5)&1 == 1 }

// Device is the virtual 8254 PIT plus port 0x61.
type Device struct {
	mu   sync.Mutex
	now  func() time.Time
	tick time.Duration

	channels [3]*channel

	loop *mevent.Loop
	host chipset.Host
	log  *slog.Logger

	gate        bool
	speakerData bool
	refresh     bool

	gsi uint32
}

// Option customizes a Device, mainly for tests.
type Option func(*Device)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Device) {
		if now != nil {
			d.now = now
		}
	}
}

// WithTick overrides the duration of one PIT tick.
func WithTick(tick time.Duration) Option {
	return func(d *Device) {
		if tick > 0 {
			d.tick = tick
		}
	}
}

// New builds a PIT wired to gsi (timer interrupt, conventionally IRQ0),
// arming channel 0 through loop.
func New(loop *mevent.Loop, gsi uint32, log *slog.Logger, opts ...Option) *Device {
	if log == nil {
		log = slog.Default()
	}
	d := &Device{
		now:  time.Now,
		tick: tickDuration,
		loop: loop,
		log:  log,
		gsi:  gsi,
	}
	for i := range d.channels {
		d.channels[i] = newChannel()
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Device) Init(host chipset.Host) error {
	d.host = host
	return nil
}
func (d *Device) Start() error { return nil }
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channels[0].slot != nil {
		d.channels[0].slot.Stop()
	}
	return nil
}
func (d *Device) Reset() error { return d.Stop() }

func (d *Device) SupportsMmio() *chipset.MmioIntercept    { return nil }
func (d *Device) SupportsPollDevice() *chipset.PollDevice { return nil }
func (d *Device) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{
		Ports:   []uint16{PortChannel0, PortChannel1, PortChannel2, PortControl, Port61},
		Handler: d,
	}
}

func (d *Device) ReadIOPort(_ chipset.IOContext, port uint16, data []byte) error {
	if len(data) != 1 {
		d.log.Warn("vpit: rejecting multi-byte access", "port", port, "len", len(data))
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	switch port {
	case PortChannel0, PortChannel1, PortChannel2:
		idx := int(port - PortChannel0)
		data[0] = d.channels[idx].read(d.now(), d.tick)
	case PortControl:
		data[0] = 0xFF
	case Port61:
		var val byte
		if d.gate {
			val |= 1 << 0
		}
		if d.speakerData {
			val |= 1 << 1
		}
		if d.refresh {
			val |= 1 << 4
		}
		_ = d.channels[2].currentCount(d.now(), d.tick)
		if d.channels[2].outputHigh {
			val |= tmr2OutSts
		}
		d.refresh = !d.refresh
		data[0] = val
	}
	return nil
}

func (d *Device) WriteIOPort(_ chipset.IOContext, port uint16, data []byte) error {
	if len(data) != 1 {
		d.log.Warn("vpit: rejecting multi-byte access", "port", port, "len", len(data))
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	switch port {
	case PortChannel0, PortChannel1, PortChannel2:
		idx := int(port - PortChannel0)
		if d.writeCounter(idx, data[0]) && idx == 0 {
			d.armChannel0Locked()
		}
	case PortControl:
		d.writeControlLocked(data[0])
	case Port61:
		val := data[0]
		d.gate = val&1 != 0
		d.speakerData = val&(1<<1) != 0
		d.channels[2].setGate(d.gate)
		// Writes beyond gate/speaker bits are accepted but not modeled
		// further, per spec.md §4.5: "writes logged only".
		d.log.Debug("vpit: port 0x61 write", "value", val)
	}
	return nil
}

func (ch *channel) setGate(gate bool) { ch.gate = gate }

// writeCounter applies one byte of a counter-load sequence. It returns
// true once a full reload value has been assembled and the channel has
// been armed, matching spec.md §4.5's counter-write protocol. A
// periodic reload of 1 is refused per the spec's boundary rule.
func (d *Device) writeCounter(idx int, value byte) bool {
	ch := d.channels[idx]
	switch ch.control.access {
	case accessLow:
		ch.pendingValue = uint16(value)
	case accessHigh:
		ch.pendingValue = uint16(value) << 8
	case accessLowHigh:
		if !ch.expectHigh {
			ch.pendingValue = (ch.pendingValue & 0xFF00) | uint16(value)
			ch.expectHigh = true
			return false
		}
		ch.pendingValue = (uint16(value) << 8) | (ch.pendingValue & 0x00FF)
		ch.expectHigh = false
	default:
		return false
	}
	ch.expectHigh = false

	if (ch.control.mode == mode2 || ch.control.mode == mode3) && ch.pendingValue == 1 {
		d.log.Warn("vpit: refusing periodic reload of 1", "channel", idx)
		return false
	}

	ch.reload = ch.pendingValue
	ch.lastReload = d.now()
	ch.running = true
	ch.nullCount = false
	ch.readHigh = false
	ch.countLatched = false
	ch.statusLatched = false
	ch.deadline = time.Time{}
	switch ch.control.mode {
	case mode0:
		ch.deadline = d.now().Add(time.Duration(ch.effectiveReload()) * d.tick)
		ch.outputHigh = false
	case mode2:
		ch.outputHigh = true
	case mode3:
		ch.outputHigh = true
		ch.squareWaveHigh = true
	default:
		ch.outputHigh = true
	}
	return true
}

func (d *Device) writeControlLocked(value byte) {
	selectField := (value >> 6) & 0x3
	if selectField == 0x3 {
		d.handleReadBackLocked(value)
		return
	}

	idx := int(selectField)
	access := accessMode((value >> 4) & 0x3)
	m := mode((value >> 1) & 0x7)
	bcd := value&0x1 == 1
	switch m {
	case mode6Alt:
		m = mode2
	case mode7Alt:
		m = mode3
	}
	if !m.supported() {
		d.log.Warn("vpit: refusing unsupported mode", "channel", idx, "mode", m)
		return
	}

	if access == accessLatch {
		d.channels[idx].latchCount(d.now(), d.tick)
		return
	}

	d.channels[idx].setControl(access, m, bcd)
	if idx == 0 {
		d.disarmChannel0Locked()
	}
}

func (d *Device) handleReadBackLocked(value byte) {
	cmd := readBackCommand(value)
	sel := []bool{cmd.counter0(), cmd.counter1(), cmd.counter2()}
	for idx, want := range sel {
		if !want {
			continue
		}
		if cmd.status() {
			d.channels[idx].latchStatus()
		}
		if cmd.count() {
			d.channels[idx].latchCount(d.now(), d.tick)
		}
	}
}

func (d *Device) disarmChannel0Locked() {
	if d.channels[0].slot != nil {
		d.channels[0].slot.Stop()
	}
}

// armChannel0Locked schedules channel 0's next firing through
// internal/vtimer instead of time.AfterFunc/time.Ticker, per the
// rotating-slot guidance in spec.md §9.
func (d *Device) armChannel0Locked() {
	ch := d.channels[0]
	d.disarmChannel0Locked()
	if !ch.running {
		return
	}
	counts := ch.effectiveReload()
	if counts == 0 {
		return
	}
	period := time.Duration(counts) * d.tick
	if period <= 0 {
		return
	}

	if ch.slot == nil {
		ch.slot = vtimer.NewRotatingSlot(d.loop, vtimer.ClockMonotonic, d.onChannel0Expire)
	}

	switch ch.control.mode {
	case mode0:
		_, err := ch.slot.Restart(period.Nanoseconds(), 0)
		d.logArmErr(err)
	case mode4:
		_, err := ch.slot.Restart(period.Nanoseconds(), 0)
		d.logArmErr(err)
	case mode3:
		ch.outputHigh = true
		ch.squareWaveHigh = true
		half := period / 2
		if counts%2 == 1 {
			half = time.Duration((counts+1)/2) * d.tick
		}
		_, err := ch.slot.Restart(half.Nanoseconds(), half.Nanoseconds())
		d.logArmErr(err)
	default: // mode2
		_, err := ch.slot.Restart(period.Nanoseconds(), period.Nanoseconds())
		d.logArmErr(err)
	}
}

func (d *Device) logArmErr(err error) {
	if err != nil {
		d.log.Error("vpit: failed to arm channel 0 timer", "error", err)
	}
}

func (d *Device) onChannel0Expire(nexp uint64, slot int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := d.channels[0]
	if ch.slot == nil || !ch.slot.IsCurrent(slot) {
		return
	}
	if !ch.running {
		return
	}
	switch ch.control.mode {
	case mode0:
		ch.outputHigh = true
		ch.running = false
		d.raiseIRQLocked()
	case mode4:
		ch.outputHigh = false
		ch.running = false
		d.raiseIRQLocked()
		ch.outputHigh = true
	case mode3:
		if ch.squareWaveHigh {
			ch.squareWaveHigh = false
			ch.outputHigh = false
			d.raiseIRQLocked()
		} else {
			ch.squareWaveHigh = true
			ch.outputHigh = true
		}
	default: // mode2
		ch.lastReload = d.now()
		ch.outputHigh = false
		d.raiseIRQLocked()
		ch.outputHigh = true
	}
}

func (d *Device) raiseIRQLocked() {
	if d.host == nil {
		return
	}
	d.host.SetGSIIRQ(d.gsi, chipset.IRQRaisingPulse)
}

func (d *Device) Poll(context.Context) error { return nil }

var _ chipset.PortIOHandler = (*Device)(nil)
var _ chipset.ChipsetDevice = (*Device)(nil)
