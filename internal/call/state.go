package call

import "time"

// State is one position in the per-call lifecycle.
type State int

const (
	StateInbound State = iota
	StateAnswered
	StateTransportNegotiated
	StateGreetingSpeaking
	StateConversing
	StateTransferring
	StateHanging
	StateDraining
	StateClosed
)

var stateNames = map[State]string{
	StateInbound:             "inbound",
	StateAnswered:            "answered",
	StateTransportNegotiated: "transport_negotiated",
	StateGreetingSpeaking:    "greeting_speaking",
	StateConversing:          "conversing",
	StateTransferring:        "transferring",
	StateHanging:             "hanging",
	StateDraining:            "draining",
	StateClosed:              "closed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// transitions lists the legal forward edges. Draining is reachable from every
// live state, so it is checked separately in canTransition.
var transitions = map[State][]State{
	StateInbound:             {StateAnswered},
	StateAnswered:            {StateTransportNegotiated},
	StateTransportNegotiated: {StateGreetingSpeaking},
	StateGreetingSpeaking:    {StateConversing},
	StateConversing:          {StateTransferring, StateHanging},
	StateTransferring:        {StateConversing},
	StateHanging:             {},
	StateDraining:            {StateClosed},
	StateClosed:              {},
}

// canTransition reports whether from → to is a legal edge.
func canTransition(from, to State) bool {
	if to == StateDraining {
		return from != StateDraining && from != StateClosed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stateTimeout is the watchdog budget for each non-terminal state. Conversing
// has no watchdog; a call may legitimately run for an hour.
func stateTimeout(s State) time.Duration {
	switch s {
	case StateInbound, StateAnswered:
		return 5 * time.Second
	case StateTransportNegotiated:
		return 10 * time.Second
	case StateGreetingSpeaking:
		return 30 * time.Second
	case StateTransferring:
		return 60 * time.Second
	case StateHanging:
		return 10 * time.Second
	case StateDraining:
		return 5 * time.Second
	}
	return 0
}
