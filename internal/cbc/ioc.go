package cbc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/acrnerr"
)

// RingSize is the framer's default staging buffer size between the
// virtual UART and the frame detector.
const RingSize = 256

// Framer buffers bytes from the virtual UART and extracts complete CBC
// link frames, mirroring cbc_unpack_link's ring-buffer scan.
type Framer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	log *slog.Logger
}

// NewFramer builds an empty Framer.
func NewFramer(log *slog.Logger) *Framer {
	if log == nil {
		log = slog.Default()
	}
	return &Framer{log: log}
}

// Feed appends data to the ring and returns every complete, SOF-aligned
// frame it can now extract. Sequence numbers aren't tracked here (that is
// coreLoop's job, per spec.md's "checked but only logged" rule);
// Feed itself only ever logs and skips on a checksum mismatch.
func (f *Framer) Feed(data []byte) []Request {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buf.Write(data)
	var out []Request
	for {
		raw := f.buf.Bytes()
		if len(raw) == 0 {
			break
		}
		res := Unpack(raw)
		if res.NeedMore {
			break
		}
		if res.Consumed == 0 {
			break
		}
		f.buf.Next(res.Consumed)
		if res.Request.LinkLen == 0 {
			// Non-SOF byte skipped; nothing decoded.
			continue
		}
		if !res.ChecksumOK {
			f.log.Warn("cbc: frame checksum mismatch, dropping",
				"channel", res.Request.Channel, "kind", acrnerr.ProtocolCorrupt)
			continue
		}
		out = append(out, res.Request)
	}
	return out
}

// SeqTracker checks the rx sequence counter, logging (not dropping) on
// mismatch, per spec.md §4.9.
type SeqTracker struct {
	mu   sync.Mutex
	next uint8
	log  *slog.Logger
}

// NewSeqTracker builds a SeqTracker starting at sequence 0.
func NewSeqTracker(log *slog.Logger) *SeqTracker {
	if log == nil {
		log = slog.Default()
	}
	return &SeqTracker{log: log}
}

// Check validates seq against the expected next value and advances the
// tracker regardless of the outcome, matching the original's
// "resynchronize to whatever arrived" behavior.
func (s *SeqTracker) Check(seq uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := s.next
	s.next = (seq + 1) & seqMask
	if seq != want {
		s.log.Warn("cbc: rx sequence check failed", "want", want, "got", seq, "kind", acrnerr.ProtocolCorrupt)
	}
}

// TxSequencer hands out the monotonic, mod-4 tx sequence counter used by
// Pack, per spec.md §5's "CBC tx sequence counter is monotonic, mod 4."
type TxSequencer struct {
	mu   sync.Mutex
	next uint8
}

// Next returns the next tx sequence value and advances the counter.
func (t *TxSequencer) Next() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.next
	t.next = (t.next + 1) & seqMask
	return v
}

// RxHandler processes one request popped from the rx queue. It reports
// whether it handed req's slot off to tx (true) or is done with it, in
// which case rxLoop returns the slot to free itself; a handler must never
// do both.
type RxHandler func(req *Request, tx *Queue) bool

// TxHandler processes one request popped from the tx queue. w is the
// already-selected output sink (virtual UART or native channel device).
type TxHandler func(req Request, w io.Writer)

// NativeChannel pairs a Channel id with its native CBC character device.
type NativeChannel struct {
	Channel Channel
	Device  io.ReadWriter
}

// IOC is one CBC protocol stack instance, wiring the framer, the three
// request queues, and the rx/tx/core goroutines per spec.md §4.9.
type IOC struct {
	log *slog.Logger

	uart     io.ReadWriter
	channels []NativeChannel

	framer *Framer
	rxSeq  *SeqTracker
	txSeq  *TxSequencer

	rx, tx, free *Queue

	rxHandler RxHandler
	txHandler TxHandler

	channelDevices map[Channel]io.ReadWriter

	lifecycle *Lifecycle

	enabledMu sync.RWMutex
	enabled   bool

	onUOSActive   func()
	onUOSInactive func()
	onNativeOpen  func()
	onNativeClose func()
}

// Option customizes an IOC at construction.
type Option func(*IOC)

// WithNativeChannels registers the native CBC character devices the core
// goroutine polls alongside the virtual UART.
func WithNativeChannels(channels ...NativeChannel) Option {
	return func(i *IOC) { i.channels = channels }
}

// WithHandlers overrides the default rx/tx handlers.
func WithHandlers(rx RxHandler, tx TxHandler) Option {
	return func(i *IOC) {
		if rx != nil {
			i.rxHandler = rx
		}
		if tx != nil {
			i.txHandler = tx
		}
	}
}

// WithLifecycleHooks wires the side effects spec.md §4.9's transition
// table names but leaves unspecified at the byte level (the exact
// UOS_ACTIVE/UOS_INACTIVE heartbeat payload, and how native CBC fds are
// added to or removed from the event loop) to the caller.
func WithLifecycleHooks(onUOSActive, onUOSInactive, onNativeOpen, onNativeClose func()) Option {
	return func(i *IOC) {
		i.onUOSActive = onUOSActive
		i.onUOSInactive = onUOSInactive
		i.onNativeOpen = onNativeOpen
		i.onNativeClose = onNativeClose
	}
}

// NewIOC builds an IOC bridging uart, initially enabled, with
// MaxRequests free-queue slots and the default rx/tx handlers below.
func NewIOC(uart io.ReadWriter, log *slog.Logger, opts ...Option) *IOC {
	if log == nil {
		log = slog.Default()
	}
	i := &IOC{
		log:     log,
		uart:    uart,
		framer:  NewFramer(log),
		rxSeq:   NewSeqTracker(log),
		txSeq:   &TxSequencer{},
		rx:      NewQueue(MaxRequests),
		tx:      NewQueue(MaxRequests),
		free:    NewFreeQueue(MaxRequests),
		enabled: true,
	}
	// The default rx handler forwards every UART-decoded request straight
	// to tx, mirroring cbc_send_pkt's else branch (link_len != 0: a
	// request the framer already unpacked is destined for its native
	// channel device, unchanged). Callers that need to intercept specific
	// channels (heartbeat, suspend requests, and the like) before they
	// reach a native device override this with WithHandlers.
	i.rxHandler = func(req *Request, tx *Queue) bool {
		tx.Push(req)
		return true
	}
	// The default tx handler implements cbc_send_pkt's branch on
	// link_len: a zero LinkLen means req originated on a native channel
	// and needs packing before it goes out over the virtual UART; a
	// non-zero LinkLen means req came off the UART already framed, and w
	// (selected by txLoop to be the matching native device) gets the raw
	// service bytes with no re-packing.
	i.txHandler = func(req Request, w io.Writer) {
		if len(req.Service) == 0 {
			return
		}
		if req.LinkLen == 0 {
			frame, err := Pack(req.Channel, req.Service, i.txSeq.Next())
			if err != nil {
				i.log.Error("cbc: pack failed", "error", err)
				return
			}
			if _, err := w.Write(frame); err != nil {
				i.log.Error("cbc: tx write failed", "error", err)
			}
			return
		}
		if _, err := w.Write(req.Service); err != nil {
			i.log.Error("cbc: native channel write failed", "channel", req.Channel, "error", err)
		}
	}
	for _, o := range opts {
		o(i)
	}
	i.channelDevices = make(map[Channel]io.ReadWriter, len(i.channels))
	for _, ch := range i.channels {
		i.channelDevices[ch.Channel] = ch.Device
	}
	i.lifecycle = NewLifecycle(Actions{
		SendUOSActive: func() {
			if i.onUOSActive != nil {
				i.onUOSActive()
			}
		},
		DisableAndSendInactive: func() {
			i.disable()
			if i.onUOSInactive != nil {
				i.onUOSInactive()
			}
		},
		CloseNativeFDs: func() {
			if i.onNativeClose != nil {
				i.onNativeClose()
			}
		},
		ReopenNativeFDs: func() {
			i.Enable(true)
			if i.onNativeOpen != nil {
				i.onNativeOpen()
			}
		},
	}, log)
	return i
}

// Enable turns the framer/core loop on or off (the "disable CBC" action
// fired by the lifecycle FSM on its ACTIVE->SUSPENDING transitions).
func (i *IOC) Enable(v bool) {
	i.enabledMu.Lock()
	i.enabled = v
	i.enabledMu.Unlock()
}

func (i *IOC) disable() { i.Enable(false) }

func (i *IOC) isEnabled() bool {
	i.enabledMu.RLock()
	defer i.enabledMu.RUnlock()
	return i.enabled
}

// Lifecycle exposes the IOC's state machine for external event delivery.
func (i *IOC) Lifecycle() *Lifecycle { return i.lifecycle }

// Run starts the core, rx, and tx goroutines and blocks until ctx is
// canceled.
func (i *IOC) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(3 + len(i.channels))

	go func() {
		defer wg.Done()
		i.coreLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		i.rxLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		i.txLoop(ctx)
	}()
	for _, ch := range i.channels {
		ch := ch
		go func() {
			defer wg.Done()
			i.nativeLoop(ctx, ch)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// nativeLoop reads raw service payloads from one native CBC character
// device and routes them into the tx queue bound for the virtual UART,
// the "routes ... requests into the tx queue on native CBC output" half
// of the core thread's job.
func (i *IOC) nativeLoop(ctx context.Context, ch NativeChannel) {
	buf := make([]byte, MaxServiceSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !i.isEnabled() {
			time.Sleep(time.Millisecond)
			continue
		}
		n, err := ch.Device.Read(buf)
		if err != nil {
			if err == io.EOF {
				return
			}
			i.log.Warn("cbc: native channel read failed", "channel", ch.Channel, "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		if err := i.PushTx(ch.Channel, buf[:n]); err != nil {
			i.log.Error("cbc: native channel output dropped", "channel", ch.Channel, "error", err)
		}
	}
}

// coreLoop is the epoll-equivalent fan-in: it reads bytes arriving on the
// virtual UART, feeds the framer, and pushes decoded requests to rx.
// Native channel devices are drained onto tx by nativeLoop, not here.
func (i *IOC) coreLoop(ctx context.Context) {
	uartBuf := make([]byte, RingSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !i.isEnabled() {
			time.Sleep(time.Millisecond)
			continue
		}

		n, err := i.uart.Read(uartBuf)
		if err != nil {
			if err == io.EOF {
				return
			}
			i.log.Warn("cbc: virtual uart read failed", "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		for _, req := range i.framer.Feed(uartBuf[:n]) {
			i.rxSeq.Check(req.Seq)
			slot := i.free.Pop()
			*slot = req
			if !i.rx.TryPush(slot) {
				i.log.Error("cbc: rx queue full, dropping frame", "channel", req.Channel)
				i.free.Push(slot)
			}
		}
	}
}

// rxLoop pops from rx and runs the rx handler, returning the slot to free
// only if the handler didn't hand it off to tx.
func (i *IOC) rxLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-i.rx.Chan():
			if !i.rxHandler(req, i.tx) {
				i.free.Push(req)
			}
		}
	}
}

// txLoop pops from tx, picks the destination cbc_send_pkt would pick
// (the virtual UART for a native-origin request, the matching native
// device for a UART-origin one), runs the tx handler, and returns the
// request to free.
func (i *IOC) txLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-i.tx.Chan():
			if req.LinkLen == 0 {
				i.txHandler(*req, i.uart)
			} else if dev, ok := i.channelDevices[req.Channel]; ok {
				i.txHandler(*req, dev)
			} else {
				i.log.Warn("cbc: no native device registered for channel", "channel", req.Channel)
			}
			i.free.Push(req)
		}
	}
}

// PushTx builds a Request for ch/service and enqueues it for the tx
// goroutine, used by callers outside the rx/tx pair (e.g. the lifecycle
// FSM sending UOS_ACTIVE/UOS_INACTIVE). It never blocks: with no free
// slot available it reports an error rather than waiting for the pool to
// drain, since callers like nativeLoop must keep servicing their device.
func (i *IOC) PushTx(ch Channel, service []byte) error {
	slot, ok := i.free.TryPop()
	if !ok {
		return fmt.Errorf("cbc: no free request slots")
	}
	*slot = Request{Channel: ch, Service: append([]byte(nil), service...)}
	if !i.tx.TryPush(slot) {
		i.free.Push(slot)
		return fmt.Errorf("cbc: tx queue full")
	}
	return nil
}
