package workflow

// State is a position in the run state machine.
type State string

// Run states. A run advances strictly sequentially through the non-terminal
// states; RETRY loops back to FORMULATING with the attempt index incremented.
const (
	StateIdle        State = "idle"
	StateDetecting   State = "detecting"
	StateFormulating State = "formulating"
	StateSearching   State = "searching"
	StateGenerating  State = "generating"
	StateEvaluating  State = "evaluating"
	StateRetry       State = "retry"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
	StateAborted     State = "aborted"
)

// IsTerminal reports whether the state ends a run.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateAborted:
		return true
	}
	return false
}

// String returns the state's string form.
func (s State) String() string {
	return string(s)
}

// transitions maps each state to its legal successors.
var transitions = map[State][]State{
	StateIdle:        {StateDetecting},
	StateDetecting:   {StateFormulating, StateAborted},
	StateFormulating: {StateSearching, StateRetry, StateFailed, StateAborted},
	StateSearching:   {StateGenerating, StateRetry, StateFailed, StateAborted},
	StateGenerating:  {StateEvaluating, StateRetry, StateFailed, StateAborted},
	StateEvaluating:  {StateSucceeded, StateRetry, StateFailed, StateAborted},
	StateRetry:       {StateFormulating, StateAborted},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
