package persistence

import "fmt"

// State is the durable lifecycle tag of a position row.
type State string

const (
	StateOpening         State = "Opening"
	StateEntryHalfFilled State = "EntryHalfFilled"
	StateOpen            State = "Open"
	StateClosing         State = "Closing"
	StateExitHalfFilled  State = "ExitHalfFilled"
	StateClosed          State = "Closed"
)

// validTransitions lists the allowed next states for each state.
var validTransitions = map[State][]State{
	StateOpening:         {StateOpen, StateEntryHalfFilled, StateClosed},
	StateEntryHalfFilled: {StateOpen, StateClosed},
	StateOpen:            {StateClosing, StateClosed},
	StateClosing:         {StateClosed, StateExitHalfFilled, StateOpen},
	StateExitHalfFilled:  {StateClosed},
	StateClosed:          {},
}

// CanTransition reports whether from -> to is an allowed lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseState validates a state read from storage.
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := validTransitions[st]; !ok {
		return "", fmt.Errorf("unknown position state %q", s)
	}
	return st, nil
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed
}

// Leg marks which side of a half-filled entry or exit succeeded.
type Leg string

const (
	LegNone  Leg = ""
	LegUpbit Leg = "upbit"
	LegBybit Leg = "bybit"
)

// RecoveryAction is what a restarted process must do for a row left in a state.
type RecoveryAction string

const (
	ActionNone               RecoveryAction = "none"
	ActionResolveEntryOrders RecoveryAction = "resolve_entry_orders" // query both entry orders, then Open or delete
	ActionUnwindSucceededLeg RecoveryAction = "unwind_succeeded_leg" // flatten the one leg that filled
	ActionResumeMonitoring   RecoveryAction = "resume_monitoring"
	ActionResolveExitOrders  RecoveryAction = "resolve_exit_orders"
	ActionCompleteExit       RecoveryAction = "complete_exit" // close the leg still open
)

// RecoveryActionFor maps every non-terminal state to its recovery path.
func RecoveryActionFor(s State) RecoveryAction {
	switch s {
	case StateOpening:
		return ActionResolveEntryOrders
	case StateEntryHalfFilled:
		return ActionUnwindSucceededLeg
	case StateOpen:
		return ActionResumeMonitoring
	case StateClosing:
		return ActionResolveExitOrders
	case StateExitHalfFilled:
		return ActionCompleteExit
	default:
		return ActionNone
	}
}
