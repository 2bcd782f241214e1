// Package power implements the process-wide vm_suspend_mode state
// machine and the pm-vuart subsystem: a PTY or raw-mode TTY node that
// relays a "shutdown" command into the guest and, on the tty side, a
// service-VM monitor connection that can trigger it.
//
// Grounded on spec.md §4.10's state machine and the original
// devicemodel/core/pm_vuart.c for the node-open/set-raw-mode/write-
// shutdown-command sequence.
package power

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/vmctx"
)

// Mode re-exports vmctx's suspend-mode enum so vm_suspend()'s how
// argument and this package's process-wide state share one definition.
type Mode = vmctx.SuspendMode

const (
	ModeNone        = vmctx.SuspendNone
	ModeSystemReset = vmctx.SuspendSystemReset
	ModeFullReset   = vmctx.SuspendFullReset
	ModePoweroff    = vmctx.SuspendPoweroff
	ModeSuspend     = vmctx.SuspendSuspend
	ModeHalt        = vmctx.SuspendHalt
	ModeTripleFault = vmctx.SuspendTripleFault
)

var permitted = map[Mode]map[Mode]bool{
	ModeNone: {
		ModeSystemReset: true,
		ModeFullReset:   true,
		ModePoweroff:    true,
		ModeSuspend:     true,
		ModeHalt:        true,
		ModeTripleFault: true,
	},
	ModeSuspend: {
		ModeNone: true,
	},
}

// Terminal reports whether mode is one of mevent's dispatch-loop exit
// states, per spec.md §4.1.
func Terminal(mode Mode) bool {
	switch mode {
	case ModePoweroff, ModeFullReset, ModeHalt, ModeTripleFault:
		return true
	default:
		return false
	}
}

// Controller is the process-wide vm_suspend_mode singleton. Per the
// Open Question decision already applied to internal/cbc's Lifecycle and
// internal/vpit's/internal/vhpet's per-VM state, it is an explicit
// mutex-guarded struct rather than a file-scope variable.
type Controller struct {
	mu   sync.Mutex
	cond *sync.Cond
	mode Mode
	log  *slog.Logger
}

// NewController builds a Controller starting in ModeNone.
func NewController(log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{log: log}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Mode returns the current suspend mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Set implements vm_set_suspend_mode: validate mode against the
// permitted transition table, log the change, and wake any goroutine
// blocked in WaitForResume if the new mode isn't itself ModeSuspend.
func (c *Controller) Set(mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == mode {
		return nil
	}
	if !permitted[c.mode][mode] {
		return fmt.Errorf("power: no suspend transition from %d to %d", c.mode, mode)
	}

	from := c.mode
	c.mode = mode
	c.log.Info("power: suspend mode changed", "from", from, "to", mode)
	if mode != ModeSuspend {
		c.cond.Broadcast()
	}
	return nil
}

// Resume implements vm_resume: the SUSPEND->NONE transition.
func (c *Controller) Resume() error {
	return c.Set(ModeNone)
}

// WaitForResume implements wait_for_resume: it blocks until mode is no
// longer ModeSuspend.
func (c *Controller) WaitForResume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.mode == ModeSuspend {
		c.cond.Wait()
	}
}
