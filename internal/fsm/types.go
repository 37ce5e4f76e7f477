package fsm

import "fmt"

// Phase is the coarse lifecycle step the controller is in.
type Phase string

// Controller phases
const (
	// PhaseNone is the neutral state produced for unrecognized hardware input.
	// It is never accepted by the transition table.
	PhaseNone Phase = ""

	PhaseAwaitHardware   Phase = "await-hardware"
	PhaseActive          Phase = "active"
	PhasePrepareShutdown Phase = "prepare-shutdown"
	PhaseSimulateSleep   Phase = "simulate-sleep"
	PhaseAwaitFinish     Phase = "await-finish"
	PhaseTerminal        Phase = "terminal"
)

// ListenerPhase is the value broadcast to power state listeners.
type ListenerPhase string

// Listener phases
const (
	ListenerInvalid           ListenerPhase = "invalid"
	ListenerWaitForHardware   ListenerPhase = "wait-for-hardware"
	ListenerSuspendEnter      ListenerPhase = "suspend-enter"
	ListenerSuspendExit       ListenerPhase = "suspend-exit"
	ListenerShutdownEnter     ListenerPhase = "shutdown-enter"
	ListenerOn                ListenerPhase = "on"
	ListenerShutdownPrepare   ListenerPhase = "shutdown-prepare"
	ListenerShutdownCancelled ListenerPhase = "shutdown-cancelled"
)

// ParseListenerPhase maps a wire string back to a ListenerPhase.
func ParseListenerPhase(s string) (ListenerPhase, bool) {
	switch p := ListenerPhase(s); p {
	case ListenerWaitForHardware, ListenerSuspendEnter, ListenerSuspendExit,
		ListenerShutdownEnter, ListenerOn, ListenerShutdownPrepare, ListenerShutdownCancelled:
		return p, true
	default:
		return ListenerInvalid, false
	}
}

// PowerState is an immutable request for the controller to enter a phase.
// Two states are the same request iff they compare equal with ==.
type PowerState struct {
	Phase         Phase
	CanPostpone   bool
	CanSleep      bool
	ListenerPhase ListenerPhase
}

// NewState builds a state initiated by the controller itself. Only
// SimulateSleep carries postpone/sleep capabilities.
func NewState(phase Phase, listenerPhase ListenerPhase) PowerState {
	return PowerState{
		Phase:         phase,
		CanPostpone:   phase == PhaseSimulateSleep,
		CanSleep:      phase == PhaseSimulateSleep,
		ListenerPhase: listenerPhase,
	}
}

// DefaultListenerPhase returns the listener phase implied by a phase when the
// caller does not pick one explicitly.
func DefaultListenerPhase(phase Phase) ListenerPhase {
	switch phase {
	case PhaseActive:
		return ListenerOn
	case PhasePrepareShutdown:
		return ListenerShutdownPrepare
	case PhaseTerminal:
		return ListenerSuspendEnter
	default:
		return ListenerInvalid
	}
}

// IsNone reports whether s is the neutral no-op state.
func (s PowerState) IsNone() bool {
	return s.Phase == PhaseNone
}

func (s PowerState) String() string {
	name := string(s.Phase)
	if s.IsNone() {
		name = "<none>"
	}
	return fmt.Sprintf("%s(listener=%s, canPostpone=%v, canSleep=%v)",
		name, s.ListenerPhase, s.CanPostpone, s.CanSleep)
}
