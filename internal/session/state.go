package session

// State is the position of a verification session in its lifecycle.
type State int

const (
	StateIssued State = iota
	StateUsernameValidated
	StateAwaitingGameConnect
	StateInHoldingContext
	StateAdmitted
	StateExpired
	StateRejected
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIssued:
		return "ISSUED"
	case StateUsernameValidated:
		return "USERNAME_VALIDATED"
	case StateAwaitingGameConnect:
		return "AWAITING_GAME_CONNECT"
	case StateInHoldingContext:
		return "IN_HOLDING_CONTEXT"
	case StateAdmitted:
		return "ADMITTED"
	case StateExpired:
		return "EXPIRED"
	case StateRejected:
		return "REJECTED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether the state is absorbing.
func (s State) IsTerminal() bool {
	switch s {
	case StateAdmitted, StateExpired, StateRejected, StateCancelled:
		return true
	}
	return false
}

// validTransitions is the forward DAG. The absorbing edges (→ Expired,
// → Rejected, → Cancelled from any non-terminal state) are handled in
// canTransition rather than listed per state.
var validTransitions = map[State][]State{
	StateIssued:              {StateUsernameValidated},
	StateUsernameValidated:   {StateAwaitingGameConnect},
	StateAwaitingGameConnect: {StateInHoldingContext},
	StateInHoldingContext:    {StateAdmitted},
}

// canTransition reports whether from→to follows the declared DAG or one of
// the absorbing edges.
func canTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StateExpired, StateRejected, StateCancelled:
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
