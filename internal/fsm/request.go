package fsm

import "strings"

// HardwareRequest is a power state request sent by the power hardware interface.
type HardwareRequest string

// Requests from the power hardware interface
const (
	RequestOn              HardwareRequest = "on"
	RequestShutdownPrepare HardwareRequest = "shutdown-prepare"
	RequestCancelShutdown  HardwareRequest = "cancel-shutdown"
	RequestFinished        HardwareRequest = "finished"
)

// ShutdownParam qualifies a shutdown-prepare request.
type ShutdownParam string

// Shutdown parameters
const (
	ShutdownImmediately ShutdownParam = "shutdown-immediately"
	ShutdownCanSleep    ShutdownParam = "can-sleep"
	ShutdownOnly        ShutdownParam = "shutdown-only"
	SleepImmediately    ShutdownParam = "sleep-immediately"
)

// CanPostpone reports whether Garage Mode may run for this parameter.
func (p ShutdownParam) CanPostpone() bool {
	return p == ShutdownCanSleep || p == ShutdownOnly
}

// CanSleep reports whether deep sleep may be entered instead of shutdown.
func (p ShutdownParam) CanSleep() bool {
	return p == ShutdownCanSleep || p == SleepImmediately
}

// ShutdownParamFor picks the parameter the operational power-off command maps to.
func ShutdownParamFor(skipGarageMode, shutdown bool) ShutdownParam {
	switch {
	case shutdown && skipGarageMode:
		return ShutdownImmediately
	case shutdown:
		return ShutdownOnly
	case skipGarageMode:
		return SleepImmediately
	default:
		return ShutdownCanSleep
	}
}

// FromHardware converts a hardware request into the state the controller
// should move to. Unknown requests produce the neutral state.
func FromHardware(req HardwareRequest, param ShutdownParam) PowerState {
	switch req {
	case RequestOn:
		return PowerState{Phase: PhaseActive, ListenerPhase: ListenerOn}
	case RequestShutdownPrepare:
		return PowerState{
			Phase:         PhasePrepareShutdown,
			CanPostpone:   param.CanPostpone(),
			CanSleep:      param.CanSleep(),
			ListenerPhase: ListenerShutdownPrepare,
		}
	case RequestCancelShutdown:
		return PowerState{Phase: PhaseAwaitHardware, ListenerPhase: ListenerShutdownCancelled}
	case RequestFinished:
		return PowerState{Phase: PhaseTerminal, ListenerPhase: ListenerSuspendEnter}
	default:
		return PowerState{ListenerPhase: ListenerInvalid}
	}
}

// ParseHardwareRequest parses the wire form "request[:param]".
func ParseHardwareRequest(raw string) PowerState {
	raw = strings.TrimSpace(raw)
	req, param, _ := strings.Cut(raw, ":")
	return FromHardware(HardwareRequest(req), ShutdownParam(param))
}

// Directive is a message sent back to the power hardware interface.
type Directive string

// Directives to the power hardware interface
const (
	DirectiveWaitForHardware   Directive = "wait-for-hardware"
	DirectiveCancelShutdown    Directive = "cancel-shutdown"
	DirectiveResumed           Directive = "resumed"
	DirectiveOn                Directive = "on"
	DirectivePrepareShutdown   Directive = "prepare-shutdown"
	DirectivePostpone          Directive = "postpone"
	DirectiveSleepEntry        Directive = "sleep-entry"
	DirectiveShutdownStart     Directive = "shutdown-start"
	DirectiveDisplayBrightness Directive = "display-brightness"
)
