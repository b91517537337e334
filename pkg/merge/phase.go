package merge

import "tandem/pkg/protocol"

// Event drives a phase transition.
type Event string

// Workflow events.
const (
	EvPreflight      Event = "preflight"
	EvSquash         Event = "squash"
	EvRebaseClean    Event = "rebase-clean"
	EvRebaseConflict Event = "rebase-conflict"
	EvResolve        Event = "resolve"
	EvContinue       Event = "continue"
	EvFastForward    Event = "fast-forward"
	EvCleanup        Event = "cleanup"
	EvAbort          Event = "abort"
)

// transitions is the complete table of legal (phase, event) pairs.
// Fast-forward from preflight-checked is further gated on the preflight
// report saying the branch is eligible; Next does not know about reports.
var transitions = map[protocol.Phase]map[Event]protocol.Phase{
	protocol.PhaseNotStarted: {
		EvPreflight: protocol.PhasePreflightChecked,
		EvAbort:     protocol.PhaseAborted,
	},
	protocol.PhasePreflightChecked: {
		EvPreflight:   protocol.PhasePreflightChecked,
		EvSquash:      protocol.PhaseSquashed,
		EvFastForward: protocol.PhaseIntegrated,
		EvAbort:       protocol.PhaseAborted,
	},
	protocol.PhaseSquashed: {
		EvSquash:         protocol.PhaseSquashed,
		EvRebaseClean:    protocol.PhaseRebased,
		EvRebaseConflict: protocol.PhaseConflict,
		EvAbort:          protocol.PhaseAborted,
	},
	protocol.PhaseConflict: {
		EvResolve: protocol.PhaseResolved,
		EvAbort:   protocol.PhaseAborted,
	},
	protocol.PhaseResolved: {
		EvContinue:       protocol.PhaseRebased,
		EvRebaseConflict: protocol.PhaseConflict,
		EvAbort:          protocol.PhaseAborted,
	},
	protocol.PhaseRebased: {
		EvRebaseClean: protocol.PhaseRebased,
		EvFastForward: protocol.PhaseIntegrated,
		EvAbort:       protocol.PhaseAborted,
	},
	protocol.PhaseIntegrated: {
		EvCleanup: protocol.PhaseCleanedUp,
	},
	protocol.PhaseAborted: {
		EvPreflight: protocol.PhasePreflightChecked,
		EvAbort:     protocol.PhaseAborted,
	},
}

// Next returns the phase reached by applying ev in phase, or
// *protocol.InvalidPhaseError when the pair is illegal. It has no side
// effects.
func Next(phase protocol.Phase, ev Event) (protocol.Phase, error) {
	if to, ok := transitions[phase][ev]; ok {
		return to, nil
	}
	return phase, &protocol.InvalidPhaseError{Phase: phase, Op: string(ev)}
}

// Allowed lists the events legal in phase.
func Allowed(phase protocol.Phase) []Event {
	order := []Event{EvPreflight, EvSquash, EvRebaseClean, EvRebaseConflict, EvResolve,
		EvContinue, EvFastForward, EvCleanup, EvAbort}
	var out []Event
	for _, ev := range order {
		if _, ok := transitions[phase][ev]; ok {
			out = append(out, ev)
		}
	}
	return out
}
