package cbc

import (
	"fmt"
	"log/slog"
	"sync"
)

// State mirrors enum ioc_state_type.
type State int

const (
	StateInit State = iota
	StateActive
	StateSuspending
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateActive:
		return "ACTIVE"
	case StateSuspending:
		return "SUSPENDING"
	case StateSuspended:
		return "SUSPENDED"
	default:
		return "UNKNOWN"
	}
}

// Event mirrors enum ioc_event_type (IOC_E_INVALID has no Go analogue;
// an unrecognized event is simply not present in the transition table).
type Event int

const (
	EventHBActive Event = iota
	EventRAMRefresh
	EventHBInactive
	EventShutdown
	EventResume
	EventKnock
)

func (e Event) String() string {
	switch e {
	case EventHBActive:
		return "HB_ACTIVE"
	case EventRAMRefresh:
		return "RAM_REFRESH"
	case EventHBInactive:
		return "HB_INACTIVE"
	case EventShutdown:
		return "SHUTDOWN"
	case EventResume:
		return "RESUME"
	case EventKnock:
		return "KNOCK"
	default:
		return "UNKNOWN"
	}
}

type transition struct {
	from State
	evt  Event
	to   State
}

var transitions = []transition{
	{StateInit, EventHBActive, StateActive},
	{StateActive, EventRAMRefresh, StateSuspending},
	{StateActive, EventHBInactive, StateSuspending},
	{StateSuspending, EventShutdown, StateSuspended},
	{StateSuspended, EventResume, StateInit},
}

// Actions groups the side effects a Lifecycle performs on each valid
// transition, left to the caller to wire to the actual CBC core thread
// and native channel fds (spec.md §4.9's per-transition action column).
type Actions struct {
	SendUOSActive          func()
	DisableAndSendInactive func()
	CloseNativeFDs         func()
	ReopenNativeFDs        func()
}

// Lifecycle is the IOC state machine. One instance per VM; per spec.md
// §9's decision against a shared package-level static, state lives in an
// explicit struct guarded by its own mutex rather than a file-scope
// variable, matching internal/vhpet's and internal/vpit's single-instance-
// per-VM singletons.
type Lifecycle struct {
	mu      sync.Mutex
	state   State
	log     *slog.Logger
	actions Actions
}

// NewLifecycle builds a Lifecycle starting in StateInit.
func NewLifecycle(actions Actions, log *slog.Logger) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	return &Lifecycle{state: StateInit, log: log, actions: actions}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Fire applies evt to the state machine. Transitions not present in the
// table are logged as errors and ignored, per spec.md §4.9.
func (l *Lifecycle) Fire(evt Event) error {
	l.mu.Lock()
	cur := l.state
	var next State
	matched := false
	for _, t := range transitions {
		if t.from == cur && t.evt == evt {
			next = t.to
			matched = true
			break
		}
	}
	if !matched {
		l.mu.Unlock()
		l.log.Error("cbc: invalid lifecycle transition", "from", cur, "event", evt)
		return fmt.Errorf("cbc: no transition from %s on %s", cur, evt)
	}
	l.state = next
	l.mu.Unlock()

	switch {
	case cur == StateInit && evt == EventHBActive:
		if l.actions.SendUOSActive != nil {
			l.actions.SendUOSActive()
		}
	case cur == StateActive && (evt == EventRAMRefresh || evt == EventHBInactive):
		if l.actions.DisableAndSendInactive != nil {
			l.actions.DisableAndSendInactive()
		}
	case cur == StateSuspending && evt == EventShutdown:
		if l.actions.CloseNativeFDs != nil {
			l.actions.CloseNativeFDs()
		}
	case cur == StateSuspended && evt == EventResume:
		if l.actions.ReopenNativeFDs != nil {
			l.actions.ReopenNativeFDs()
		}
	}

	l.log.Info("cbc: lifecycle transition", "from", cur, "event", evt, "to", next)
	return nil
}
