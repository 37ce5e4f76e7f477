package fsm

// transitions lists, for each phase, the phases it may move to. PrepareShutdown
// to itself is handled separately because it depends on the request.
var transitions = map[Phase][]Phase{
	PhaseAwaitHardware: {PhaseActive, PhasePrepareShutdown},
	PhaseActive:        {PhasePrepareShutdown, PhaseSimulateSleep},
	PhasePrepareShutdown: {
		PhaseAwaitFinish,
		PhaseAwaitHardware,
	},
	PhaseAwaitFinish: {PhaseTerminal, PhaseAwaitHardware},
	PhaseTerminal:    {PhaseAwaitHardware},
}

// Allowed reports whether the controller may move from current to next.
//
// A nil current state means nothing has been accepted yet, so every real
// state is allowed. The neutral state is never allowed.
func Allowed(current *PowerState, next PowerState) bool {
	if next.IsNone() {
		return false
	}
	if current == nil {
		return true
	}

	switch current.Phase {
	case PhaseSimulateSleep:
		return true
	case PhasePrepareShutdown:
		// The hardware may escalate to an immediate shutdown/sleep while
		// Garage Mode is running.
		if next.Phase == PhasePrepareShutdown {
			return !next.CanPostpone
		}
	}

	for _, p := range transitions[current.Phase] {
		if p == next.Phase {
			return true
		}
	}
	return false
}

// NeedsTransition combines the duplicate check with the transition table.
// It returns false with duplicate=true when next is already in effect.
func NeedsTransition(current *PowerState, next PowerState) (allowed bool, duplicate bool) {
	if current != nil && *current == next {
		return false, true
	}
	return Allowed(current, next), false
}
