package batch

import "fmt"

// State is a step of the per-partition state machine.
type State string

// Partition states. Done and Failed are terminal.
const (
	StateInit              State = "INIT"
	StateNavigated         State = "NAVIGATED"
	StatePartitionSelected State = "PARTITION_SELECTED"
	StateChallengeReady    State = "CHALLENGE_READY"
	StateSolveAttempt      State = "SOLVE_ATTEMPT"
	StateRejected          State = "REJECTED"
	StateAccepted          State = "ACCEPTED"
	StatePaginating        State = "PAGINATING"
	StateDone              State = "DONE"
	StateFailed            State = "FAILED"
)

// transitions lists the legal moves. Every non-terminal state may also move to Failed.
// Navigated and Init are reachable again when an expired session forces renavigation.
var transitions = map[State][]State{
	StateInit:              {StateNavigated},
	StateNavigated:         {StatePartitionSelected},
	StatePartitionSelected: {StateChallengeReady},
	StateChallengeReady:    {StateSolveAttempt, StateChallengeReady},
	StateSolveAttempt:      {StateRejected, StateAccepted, StateChallengeReady, StateInit},
	StateRejected:          {StateChallengeReady},
	StateAccepted:          {StatePaginating, StateDone},
	StatePaginating:        {StateDone},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

type machine struct {
	state State
	trail []State
}

func newMachine() *machine {
	return &machine{state: StateInit, trail: []State{StateInit}}
}

func (m *machine) to(next State) error {
	if m.state.Terminal() {
		return fmt.Errorf("partition state %s is terminal", m.state)
	}
	if next == StateFailed {
		m.set(next)
		return nil
	}
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.set(next)
			return nil
		}
	}
	return fmt.Errorf("illegal partition transition %s -> %s", m.state, next)
}

func (m *machine) set(next State) {
	m.state = next
	m.trail = append(m.trail, next)
}
