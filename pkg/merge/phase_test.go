package merge //nolint:testpackage // internal test needs access to unexported types

import (
	"errors"
	"reflect"
	"testing"

	"tandem/pkg/protocol"
)

func TestNext_Legal(t *testing.T) {
	tests := []struct {
		from protocol.Phase
		ev   Event
		want protocol.Phase
	}{
		{protocol.PhaseNotStarted, EvPreflight, protocol.PhasePreflightChecked},
		{protocol.PhasePreflightChecked, EvSquash, protocol.PhaseSquashed},
		{protocol.PhasePreflightChecked, EvFastForward, protocol.PhaseIntegrated},
		{protocol.PhaseSquashed, EvRebaseClean, protocol.PhaseRebased},
		{protocol.PhaseSquashed, EvRebaseConflict, protocol.PhaseConflict},
		{protocol.PhaseConflict, EvResolve, protocol.PhaseResolved},
		{protocol.PhaseResolved, EvContinue, protocol.PhaseRebased},
		{protocol.PhaseResolved, EvRebaseConflict, protocol.PhaseConflict},
		{protocol.PhaseRebased, EvFastForward, protocol.PhaseIntegrated},
		{protocol.PhaseIntegrated, EvCleanup, protocol.PhaseCleanedUp},
		{protocol.PhaseConflict, EvAbort, protocol.PhaseAborted},
		{protocol.PhaseAborted, EvPreflight, protocol.PhasePreflightChecked},
	}
	for _, tt := range tests {
		got, err := Next(tt.from, tt.ev)
		if err != nil {
			t.Errorf("Next(%s, %s): unexpected error %v", tt.from, tt.ev, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Next(%s, %s) = %s, want %s", tt.from, tt.ev, got, tt.want)
		}
	}
}

func TestNext_Illegal(t *testing.T) {
	tests := []struct {
		from protocol.Phase
		ev   Event
	}{
		{protocol.PhaseNotStarted, EvSquash},
		{protocol.PhaseNotStarted, EvFastForward},
		{protocol.PhaseSquashed, EvFastForward},
		{protocol.PhaseConflict, EvFastForward},
		{protocol.PhaseIntegrated, EvAbort},
		{protocol.PhaseIntegrated, EvPreflight},
		{protocol.PhaseCleanedUp, EvAbort},
		{protocol.PhaseCleanedUp, EvPreflight},
		{protocol.PhaseRebased, EvSquash},
	}
	for _, tt := range tests {
		got, err := Next(tt.from, tt.ev)
		var ipe *protocol.InvalidPhaseError
		if !errors.As(err, &ipe) {
			t.Errorf("Next(%s, %s): expected InvalidPhaseError, got %v", tt.from, tt.ev, err)
			continue
		}
		if got != tt.from || ipe.Phase != tt.from || ipe.Op != string(tt.ev) {
			t.Errorf("Next(%s, %s) = %s, %+v", tt.from, tt.ev, got, ipe)
		}
	}
}

func TestNext_TerminalPhasesHaveNoExit(t *testing.T) {
	for _, ev := range Allowed(protocol.PhaseCleanedUp) {
		t.Errorf("cleaned-up must be terminal, allows %s", ev)
	}
	// aborted only allows starting over (or a repeated abort).
	want := []Event{EvPreflight, EvAbort}
	if got := Allowed(protocol.PhaseAborted); !reflect.DeepEqual(got, want) {
		t.Errorf("Allowed(aborted) = %v, want %v", got, want)
	}
	if got := Allowed(protocol.PhaseIntegrated); !reflect.DeepEqual(got, []Event{EvCleanup}) {
		t.Errorf("Allowed(integrated) = %v", got)
	}
}
