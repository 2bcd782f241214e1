package power

import (
	"testing"
	"time"
)

func TestSetRejectsUnpermittedTransition(t *testing.T) {
	c := NewController(nil)
	if err := c.Set(ModeHalt); err != nil {
		t.Fatalf("NONE->HALT should be permitted: %v", err)
	}
	if err := c.Set(ModePoweroff); err == nil {
		t.Fatalf("HALT->POWEROFF should be rejected")
	}
}

func TestSetIsIdempotentForTheCurrentMode(t *testing.T) {
	c := NewController(nil)
	if err := c.Set(ModeNone); err != nil {
		t.Fatalf("setting the current mode again should be a no-op: %v", err)
	}
}

func TestResumeUnblocksWaitForResume(t *testing.T) {
	c := NewController(nil)
	if err := c.Set(ModeSuspend); err != nil {
		t.Fatalf("NONE->SUSPEND: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.WaitForResume()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("WaitForResume returned before Resume was called")
	case <-time.After(50 * time.Millisecond):
	}

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("WaitForResume did not return after Resume")
	}
	if c.Mode() != ModeNone {
		t.Fatalf("mode after Resume = %v, want ModeNone", c.Mode())
	}
}

func TestWaitForResumeReturnsImmediatelyWhenNotSuspended(t *testing.T) {
	c := NewController(nil)
	done := make(chan struct{})
	go func() {
		c.WaitForResume()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("WaitForResume blocked despite mode already being ModeNone")
	}
}

func TestTerminalModes(t *testing.T) {
	terminal := []Mode{ModePoweroff, ModeFullReset, ModeHalt, ModeTripleFault}
	for _, m := range terminal {
		if !Terminal(m) {
			t.Errorf("Terminal(%v) = false, want true", m)
		}
	}
	nonTerminal := []Mode{ModeNone, ModeSystemReset, ModeSuspend}
	for _, m := range nonTerminal {
		if Terminal(m) {
			t.Errorf("Terminal(%v) = true, want false", m)
		}
	}
}
