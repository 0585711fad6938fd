package call

import (
	"testing"
	"time"
)

// ─── TestTransitions ─────────────────────────────────────────────────────────

func TestTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"inbound to answered", StateInbound, StateAnswered, true},
		{"answered to negotiated", StateAnswered, StateTransportNegotiated, true},
		{"negotiated to greeting", StateTransportNegotiated, StateGreetingSpeaking, true},
		{"greeting to conversing", StateGreetingSpeaking, StateConversing, true},
		{"conversing to transferring", StateConversing, StateTransferring, true},
		{"conversing to hanging", StateConversing, StateHanging, true},
		{"transfer declined resumes", StateTransferring, StateConversing, true},
		{"draining to closed", StateDraining, StateClosed, true},

		{"no skipping setup", StateInbound, StateConversing, false},
		{"no going backwards", StateConversing, StateAnswered, false},
		{"hanging is one way", StateHanging, StateConversing, false},
		{"closed is terminal", StateClosed, StateDraining, false},
		{"draining cannot re-drain", StateDraining, StateDraining, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := canTransition(tc.from, tc.to); got != tc.want {
				t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestDrainingReachableFromAnyLiveState(t *testing.T) {
	t.Parallel()

	live := []State{
		StateInbound, StateAnswered, StateTransportNegotiated,
		StateGreetingSpeaking, StateConversing, StateTransferring, StateHanging,
	}
	for _, from := range live {
		if !canTransition(from, StateDraining) {
			t.Errorf("canTransition(%s, draining) = false, want true", from)
		}
	}
}

// ─── TestStateTimeout ────────────────────────────────────────────────────────

func TestStateTimeout(t *testing.T) {
	t.Parallel()

	if d := stateTimeout(StateConversing); d != 0 {
		t.Errorf("conversing timeout = %v, want 0 (no watchdog)", d)
	}
	if d := stateTimeout(StateTransportNegotiated); d != 10*time.Second {
		t.Errorf("transport_negotiated timeout = %v, want 10s", d)
	}
	if d := stateTimeout(StateClosed); d != 0 {
		t.Errorf("closed timeout = %v, want 0", d)
	}

	for _, s := range []State{StateInbound, StateAnswered, StateGreetingSpeaking,
		StateTransferring, StateHanging, StateDraining} {
		if stateTimeout(s) <= 0 {
			t.Errorf("stateTimeout(%s) = 0, want a budget", s)
		}
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	if got := StateGreetingSpeaking.String(); got != "greeting_speaking" {
		t.Errorf("String() = %q, want %q", got, "greeting_speaking")
	}
	if got := State(99).String(); got != "unknown" {
		t.Errorf("String() = %q, want %q", got, "unknown")
	}
}
